package vpu

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/retroenv/retroee/internal/cpu"
	"github.com/retroenv/retroee/internal/device/dmac"
	"github.com/retroenv/retroee/internal/device/intc"
	"github.com/retroenv/retroee/internal/memmap"
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

type fakeGIF struct {
	packets int
	path    []byte
}

func (f *fakeGIF) ProcessPacket(data []byte) uint32 {
	f.packets++
	return 1
}

func (f *fakeGIF) ProcessPath(data []byte) uint32 {
	f.path = append(f.path, data...)
	return uint32(len(data) / dmac.QuadWord)
}

type testUnit struct {
	*VPU
	ram      []byte
	vuMem    []byte
	microMem []byte
	irq      *fakeInterrupts
	gif      *fakeGIF
	changes  []bool
}

func newTestUnit(t *testing.T, number int) *testUnit {
	t.Helper()
	logger := log.NewTestLogger(t)
	u := &testUnit{
		ram:      make([]byte, 0x10000),
		vuMem:    make([]byte, 0x4000),
		microMem: make([]byte, 0x4000),
		irq:      &fakeInterrupts{},
		gif:      &fakeGIF{},
	}

	memory := memmap.New(logger, "vu")
	memory.InsertInstructionMap(0, uint32(len(u.microMem)-1), u.microMem)
	memory.Seal()

	u.VPU = New(logger, number, cpu.New(memory), u.vuMem, u.microMem)
	u.InjectDependencies(Dependencies{
		Memory:     dmac.Memory{RAM: u.ram},
		Interrupts: u.irq,
		GIF:        u.gif,
		OnStateChanged: func(running bool) {
			u.changes = append(u.changes, running)
		},
	})
	return u
}

// setEBit marks the instruction with the given index as the last one.
func (u *testUnit) setEBit(index int) {
	binary.LittleEndian.PutUint32(u.microMem[index*instructionSize+4:], upperEBit)
}

// send writes the words at the address and transfers them through the VIF
// DMA channel, returning the number of quad words consumed.
func (u *testUnit) send(address uint32, words ...uint32) uint32 {
	for len(words)%4 != 0 {
		words = append(words, 0)
	}
	for i, word := range words {
		binary.LittleEndian.PutUint32(u.ram[address+uint32(i)*4:], word)
	}
	return u.ReceiveDMA(address, uint32(len(words)/4), 1, false)
}

func (u *testUnit) vuWord(qw, component uint32) uint32 {
	return binary.LittleEndian.Uint32(u.vuMem[qw*dmac.QuadWord+component*4:])
}

func code(cmd, num, imm uint32) uint32 {
	return cmd<<24 | num<<16 | imm
}

func TestMicroProgramRunsToEBit(t *testing.T) {
	u := newTestUnit(t, 0)
	u.setEBit(2)

	u.ExecuteMicroProgram(0)
	assert.True(t, u.IsVuRunning())
	assert.Equal(t, 2, u.Execute(2))
	assert.True(t, u.IsVuRunning())

	assert.Equal(t, 2, u.Execute(10))
	assert.False(t, u.IsVuRunning())
	assert.Equal(t, uint32(4*instructionSize), u.Run.LastEnd)
	assert.Equal(t, []bool{true, false}, u.changes)
	assert.Equal(t, uint64(1), u.ProgramsStarted())
}

func TestProgramCacheInvalidation(t *testing.T) {
	u := newTestUnit(t, 0)
	u.setEBit(1)
	u.ExecuteMicroProgram(0)
	u.Execute(10)
	assert.Equal(t, 1, u.CachedPrograms())

	u.InvalidateMicroProgram(0x100, 0x104)
	assert.Equal(t, 1, u.CachedPrograms())

	u.InvalidateMicroProgram(8, 12)
	assert.Equal(t, 0, u.CachedPrograms())
}

func TestUnpack(t *testing.T) {
	tests := []struct {
		name     string
		words    []uint32
		qw       uint32
		expected [4]uint32
	}{
		{
			name:     "V4-32",
			words:    []uint32{code(codeSTCYCL, 0, 0x0101), code(0x6C, 1, 2), 1, 2, 3, 4},
			qw:       2,
			expected: [4]uint32{1, 2, 3, 4},
		},
		{
			name:     "V1-16 signed broadcast",
			words:    []uint32{code(codeSTCYCL, 0, 0x0101), code(0x61, 2, 0), 0x0002FFFF},
			qw:       0,
			expected: [4]uint32{0xFFFFFFFF, 0xFFFFFFFF, 0xFFFFFFFF, 0xFFFFFFFF},
		},
		{
			name:     "V1-16 unsigned",
			words:    []uint32{code(codeSTCYCL, 0, 0x0101), code(0x61, 1, unpackUnsigned|3), 0xFFFF},
			qw:       3,
			expected: [4]uint32{0xFFFF, 0xFFFF, 0xFFFF, 0xFFFF},
		},
		{
			name:     "V4-5",
			words:    []uint32{code(codeSTCYCL, 0, 0x0101), code(0x6F, 1, 1), 0x801F},
			qw:       1,
			expected: [4]uint32{0xF8, 0, 0, 0x80},
		},
		{
			name: "offset mode",
			words: []uint32{
				code(codeSTCYCL, 0, 0x0101), code(codeSTMOD, 0, modeOffset),
				code(codeSTROW, 0, 0), 10, 20, 30, 40,
				code(0x6C, 1, 4), 1, 2, 3, 4,
			},
			qw:       4,
			expected: [4]uint32{11, 22, 33, 44},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := newTestUnit(t, 1)
			qwc := uint32((len(tt.words) + 3) / 4)
			assert.Equal(t, qwc, u.send(0x100, tt.words...))

			var got [4]uint32
			for c := range uint32(4) {
				got[c] = u.vuWord(tt.qw, c)
			}
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestUnpackSecondVector(t *testing.T) {
	u := newTestUnit(t, 1)
	u.send(0x100, code(codeSTCYCL, 0, 0x0101), code(0x61, 2, 0), 0x0002FFFF)
	assert.Equal(t, uint32(2), u.vuWord(1, 0))
	assert.Equal(t, uint32(2), u.vuWord(1, 3))
}

func TestUnpackSkippingWrite(t *testing.T) {
	u := newTestUnit(t, 1)
	// CL 2, WL 1 writes one vector and skips the next
	u.send(0x100, code(codeSTCYCL, 0, 0x0102), code(0x6C, 2, 0), 1, 1, 1, 1, 2, 2, 2, 2)
	assert.Equal(t, uint32(1), u.vuWord(0, 0))
	assert.Equal(t, uint32(0), u.vuWord(1, 0))
	assert.Equal(t, uint32(2), u.vuWord(2, 0))
}

func TestUnpackTOPS(t *testing.T) {
	u := newTestUnit(t, 1)
	u.send(0x100,
		code(codeBASE, 0, 0x10), code(codeOFFSET, 0, 0x20),
		code(codeSTCYCL, 0, 0x0101), code(0x6C, 1, unpackTOPS|1), 7, 7, 7, 7)
	assert.Equal(t, uint32(7), u.vuWord(0x11, 0))
}

func TestMaskedUnpack(t *testing.T) {
	u := newTestUnit(t, 1)
	binary.LittleEndian.PutUint32(u.vuMem[12:], 0x55)
	// x from data, y from row, z from column, w protected
	mask := uint32(maskData | maskRow<<2 | maskCol<<4 | maskProtect<<6)
	u.send(0x100,
		code(codeSTCYCL, 0, 0x0101),
		code(codeSTMASK, 0, 0), mask,
		code(codeSTROW, 0, 0), 100, 101, 102, 103,
		code(codeSTCOL, 0, 0), 200, 201, 202, 203,
		code(0x6C|unpackMasked, 1, 0), 1, 2, 3, 4)

	assert.Equal(t, uint32(1), u.vuWord(0, 0))
	assert.Equal(t, uint32(101), u.vuWord(0, 1))
	assert.Equal(t, uint32(200), u.vuWord(0, 2))
	assert.Equal(t, uint32(0x55), u.vuWord(0, 3))
}

func TestMSCALWaitsForRunningProgram(t *testing.T) {
	u := newTestUnit(t, 0)
	u.setEBit(0)
	u.setEBit(4)
	u.ExecuteMicroProgram(0)

	assert.Equal(t, uint32(0), u.send(0x100, code(codeNOP, 0, 0), code(codeNOP, 0, 0), code(codeMSCAL, 0, 4)))
	assert.True(t, u.IsWaitingForProgramEnd())
	assert.Equal(t, uint32(2), u.VIF.Skip)

	u.Execute(10)
	assert.False(t, u.IsVuRunning())
	assert.Equal(t, uint32(1), u.ReceiveDMA(0x100, 1, 1, false))
	assert.False(t, u.IsWaitingForProgramEnd())
	assert.True(t, u.IsVuRunning())
	assert.Equal(t, uint32(4*instructionSize), u.Run.PC)
	assert.Equal(t, uint64(2), u.ProgramsStarted())
}

func TestMPGLoadsMicroCode(t *testing.T) {
	u := newTestUnit(t, 0)
	u.setEBit(0)
	u.ExecuteMicroProgram(0)
	u.Execute(10)
	assert.Equal(t, 1, u.CachedPrograms())

	assert.Equal(t, uint32(1), u.send(0x100, code(codeMPG, 1, 0), 0x11111111, 0x22222222))
	assert.Equal(t, uint32(0x11111111), binary.LittleEndian.Uint32(u.microMem[0:]))
	assert.Equal(t, uint32(0x22222222), binary.LittleEndian.Uint32(u.microMem[4:]))
	assert.Equal(t, 0, u.CachedPrograms())
}

func TestDirect(t *testing.T) {
	u := newTestUnit(t, 1)
	u.send(0x100, code(codeNOP, 0, 0), code(codeNOP, 0, 0), code(codeNOP, 0, 0), code(codeDIRECT, 0, 1),
		1, 2, 3, 4)
	assert.Len(t, u.gif.path, dmac.QuadWord)
	assert.Equal(t, uint32(4), binary.LittleEndian.Uint32(u.gif.path[12:]))
}

func TestXgKick(t *testing.T) {
	u := newTestUnit(t, 1)
	u.ProcessXgKick(0x20)
	assert.Equal(t, 1, u.gif.packets)
}

func TestTopRegisters(t *testing.T) {
	u := newTestUnit(t, 1)
	u.setEBit(0)
	u.send(0x100, code(codeBASE, 0, 0x10), code(codeOFFSET, 0, 0x20), code(codeITOP, 0, 5))

	u.ExecuteMicroProgram(0)
	assert.Equal(t, uint32(5), u.GetITOP())
	assert.Equal(t, uint32(0x10), u.GetTOP())
	assert.Equal(t, uint32(0x30), u.VIF.TOPS)
	assert.Equal(t, uint32(1<<7), u.GetRegister(registerBase[1]+vifStat)&(1<<7))
	assert.Equal(t, uint32(5), u.GetRegister(registerBase[1]+vifITOP))
}

func TestInterruptBit(t *testing.T) {
	u := newTestUnit(t, 0)
	u.send(0x100, 1<<31|code(codeNOP, 0, 0))
	assert.Equal(t, []uint32{intc.LineVIF0}, u.irq.lines)
	assert.Equal(t, uint32(statINT), u.GetRegister(registerBase[0]+vifStat)&statINT)

	u.SetRegister(registerBase[0]+vifFBRST, fbrstSTC)
	assert.Equal(t, uint32(0), u.GetRegister(registerBase[0]+vifStat)&statINT)
}

func TestFIFOPort(t *testing.T) {
	u := newTestUnit(t, 0)
	words := []uint32{code(codeSTMASK, 0, 0), 0xABCD, code(codeMARK, 0, 9), 0}
	for i, word := range words {
		u.SetRegister(fifoBase[0]+uint32(i)*4, word)
	}
	assert.Equal(t, uint32(0xABCD), u.VIF.Mask)
	assert.Equal(t, uint32(9), u.GetRegister(registerBase[0]+vifMark))
	assert.Equal(t, uint32(0), u.VIF.BacklogLen)
}

func TestFIFOBacklogDrainsOnProgramEnd(t *testing.T) {
	u := newTestUnit(t, 0)
	u.setEBit(0)
	u.ExecuteMicroProgram(0)

	words := []uint32{code(codeFLUSH, 0, 0), code(codeMARK, 0, 3), 0, 0}
	for i, word := range words {
		u.SetRegister(fifoBase[0]+uint32(i)*4, word)
	}
	assert.Equal(t, uint32(dmac.QuadWord), u.VIF.BacklogLen)

	u.Execute(10)
	assert.Equal(t, uint32(0), u.VIF.BacklogLen)
	assert.Equal(t, uint32(3), u.VIF.Mark)
}

func TestTagCarriesCodes(t *testing.T) {
	u := newTestUnit(t, 0)
	binary.LittleEndian.PutUint32(u.ram[0x108:], code(codeMARK, 0, 0x42))
	assert.Equal(t, uint32(1), u.ReceiveDMA(0x100, 1, 1, true))
	assert.Equal(t, uint32(0x42), u.VIF.Mark)
}

func TestSaveLoad(t *testing.T) {
	u := newTestUnit(t, 1)
	u.setEBit(3)
	u.send(0x100, code(codeSTCYCL, 0, 0x0204), code(codeBASE, 0, 8), code(codeSTROW, 0, 0), 1, 2, 3, 4)
	u.ExecuteMicroProgram(0)

	var buf bytes.Buffer
	w := savestate.NewWriter(&buf)
	assert.NoError(t, u.SaveState(w))
	assert.NoError(t, w.Close())

	restored := newTestUnit(t, 1)
	r, err := savestate.NewBytesReader(buf.Bytes())
	assert.NoError(t, err)
	assert.NoError(t, restored.LoadState(r))
	if diff := cmp.Diff(u.state, restored.state); diff != "" {
		t.Errorf("restored state mismatch (-saved +restored):\n%s", diff)
	}
	assert.True(t, restored.IsVuRunning())
	assert.Equal(t, 0, restored.CachedPrograms())

	restored.Reset()
	assert.False(t, restored.IsVuRunning())
	assert.Equal(t, uint32(0), restored.VIF.Cycle)
}
