package ipu

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/retroenv/retroee/internal/device/dmac"
	"github.com/retroenv/retroee/internal/device/intc"
	"github.com/retroenv/retroee/internal/savestate"
	"github.com/retroenv/retrogolib/assert"
	"github.com/retroenv/retrogolib/log"
)

type fakeInterrupts struct {
	lines []uint32
}

func (f *fakeInterrupts) AssertLine(line uint32) {
	f.lines = append(f.lines, line)
}

func newTestIPU(t *testing.T) (*IPU, []byte, *fakeInterrupts) {
	t.Helper()
	ram := make([]byte, 0x10000)
	irq := &fakeInterrupts{}
	return New(log.NewTestLogger(t), dmac.Memory{RAM: ram}, irq), ram, irq
}

func writeFIFO(p *IPU, data []byte) {
	for i := 0; i < len(data); i += 4 {
		p.SetRegister(FIFOIn+uint32(i%16), binary.LittleEndian.Uint32(data[i:]))
	}
}

func TestFDEC(t *testing.T) {
	p, _, irq := newTestIPU(t)
	data := make([]byte, 16)
	copy(data, []byte{0x12, 0x34, 0x56, 0x78, 0x9A, 0xBC})
	writeFIFO(p, data)
	assert.Equal(t, uint32(1), p.GetRegister(RegCtrl)&0xF)

	p.SetRegister(RegCmd, cmdFDEC<<28|8)
	assert.True(t, p.WillExecuteCommand())
	p.ExecuteCommand()

	assert.False(t, p.WillExecuteCommand())
	assert.Equal(t, uint32(0x3456789A), p.GetRegister(RegCmd))
	assert.Equal(t, uint32(8), p.GetRegister(RegBP)&0x7F)
	assert.Equal(t, []uint32{intc.LineIPU}, irq.lines)
}

func TestCommandWaitsForInput(t *testing.T) {
	p, ram, irq := newTestIPU(t)
	p.SetRegister(RegCmd, cmdFDEC<<28)
	p.ExecuteCommand()

	assert.True(t, p.WillExecuteCommand())
	assert.False(t, p.IsCommandDelayed())
	assert.Equal(t, uint32(busyBit), p.GetRegister(RegCmdHigh))
	assert.Len(t, irq.lines, 0)

	ram[0x200] = 0xCA
	ram[0x201] = 0xFE
	assert.Equal(t, uint32(1), p.ReceiveDMA4(0x200, 1, 0, false))
	p.ExecuteCommand()
	assert.False(t, p.WillExecuteCommand())
	assert.Equal(t, uint32(0xCAFE0000), p.GetRegister(RegCmd))
}

func TestSETIQ(t *testing.T) {
	p, ram, _ := newTestIPU(t)
	for i := range 64 {
		ram[0x100+i] = byte(i + 1)
	}
	assert.Equal(t, uint32(4), p.ReceiveDMA4(0x100, 4, 0, false))

	p.SetRegister(RegCmd, cmdSETIQ<<28|1<<27)
	p.ExecuteCommand()
	assert.False(t, p.WillExecuteCommand())
	assert.Equal(t, byte(1), p.NonIntraIQ[0])
	assert.Equal(t, byte(64), p.NonIntraIQ[63])
	assert.Equal(t, byte(0), p.IntraIQ[0])
}

func TestInputFIFOCapacity(t *testing.T) {
	p, _, _ := newTestIPU(t)
	assert.Equal(t, uint32(8), p.ReceiveDMA4(0, 12, 0, false))
	assert.Equal(t, uint32(0), p.ReceiveDMA4(0, 4, 0, false))

	p.In.advance(dmac.QuadWord * 8)
	assert.Equal(t, uint32(1), p.ReceiveDMA4(0, 4, 0, false))
}

func TestCSC(t *testing.T) {
	p, ram, irq := newTestIPU(t)
	for i := range macroblockSize {
		ram[0x1000+i] = 128
	}

	var output []byte
	p.SetDMA3ReceiveHandler(func(data []byte) uint32 {
		output = append(output, data...)
		return uint32(len(data) / dmac.QuadWord)
	})

	p.SetRegister(RegCmd, cmdCSC<<28|1)
	address := uint32(0x1000)
	remaining := uint32(macroblockSize / dmac.QuadWord)
	for range 10 {
		n := p.ReceiveDMA4(address, remaining, 0, false)
		address += n * dmac.QuadWord
		remaining -= n
		p.ExecuteCommand()
		if p.IsCommandDelayed() {
			break
		}
	}

	assert.Equal(t, uint32(0), remaining)
	assert.True(t, p.IsCommandDelayed())
	assert.Len(t, irq.lines, 0)

	p.CountTicks(cscTicksPerMacroblock)
	p.ExecuteCommand()
	assert.False(t, p.WillExecuteCommand())
	assert.Len(t, irq.lines, 1)

	assert.Len(t, output, 16*16*4)
	assert.Equal(t, []byte{128, 128, 128, 0x80}, output[:4])
}

func TestColorConversion(t *testing.T) {
	tests := []struct {
		name    string
		y       byte
		cb      byte
		cr      byte
		r, g, b byte
	}{
		{"gray", 128, 128, 128, 128, 128, 128},
		{"red", 76, 85, 255, 254, 0, 0},
		{"clamped", 255, 255, 255, 255, 121, 255},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, g, b := ycbcrToRGB(tt.y, tt.cb, tt.cr)
			assert.Equal(t, tt.r, r)
			assert.Equal(t, tt.g, g)
			assert.Equal(t, tt.b, b)
		})
	}
}

func TestAlphaThresholds(t *testing.T) {
	assert.Equal(t, byte(0), alpha(10, 10, 10, 0x20, 0x40))
	assert.Equal(t, byte(0x40), alpha(0x30, 10, 10, 0x20, 0x40))
	assert.Equal(t, byte(0x80), alpha(0x50, 10, 10, 0x20, 0x40))
}

func TestOutFIFORead(t *testing.T) {
	p, _, _ := newTestIPU(t)
	binary.LittleEndian.PutUint32(p.Out.Data[:], 0x11223344)
	p.Out.Length = dmac.QuadWord

	assert.True(t, p.HasPendingOUTFIFOData())
	assert.Equal(t, uint32(0x11223344), p.GetRegister(FIFOOut))
	for range 3 {
		p.GetRegister(FIFOOut)
	}
	assert.False(t, p.HasPendingOUTFIFOData())
}

func TestResetAndSaveLoad(t *testing.T) {
	p, _, _ := newTestIPU(t)
	p.SetRegister(RegCmd, cmdSETTH<<28|0x30<<16|0x10)
	p.ExecuteCommand()
	writeFIFO(p, make([]byte, 32))

	var buf bytes.Buffer
	w := savestate.NewWriter(&buf)
	assert.NoError(t, p.SaveState(w))
	assert.NoError(t, w.Close())

	restored, _, _ := newTestIPU(t)
	r, err := savestate.NewBytesReader(buf.Bytes())
	assert.NoError(t, err)
	assert.NoError(t, restored.LoadState(r))
	if diff := cmp.Diff(p.state, restored.state, cmp.AllowUnexported(inFIFO{}, outFIFO{})); diff != "" {
		t.Errorf("restored state mismatch (-saved +restored):\n%s", diff)
	}
	assert.Equal(t, uint32(0x10), restored.TH0)
	assert.Equal(t, uint32(0x30), restored.TH1)

	restored.SetRegister(RegCtrl, ctrlRST)
	assert.Equal(t, uint32(0), restored.GetRegister(RegCtrl)&0xF)
}
