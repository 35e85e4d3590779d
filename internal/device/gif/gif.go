// Package gif implements the graphics interface that unpacks GIF packets and
// forwards them to the graphics synthesizer.
package gif

import (
	"encoding/binary"
	"fmt"

	"github.com/retroenv/retroee/internal/device/dmac"
	"github.com/retroenv/retroee/internal/savestate"
	"github.com/retroenv/retrogolib/log"
)

// Register addresses.
const (
	RegCtrl  = 0x10003000
	RegMode  = 0x10003010
	RegStat  = 0x10003020
	RegTag0  = 0x10003040
	RegCnt   = 0x10003080
	RegP3Cnt = 0x10003090
	RegP3Tag = 0x100030A0
)

// Data formats of a GIF tag.
const (
	formatPacked = iota
	formatRegList
	formatImage
	formatDisabled
)

// Register descriptors with special meaning in packed mode.
const (
	descAD  = 0x0E
	descNOP = 0x0F
)

// GS registers expanded from packed data.
const (
	RegRGBAQ = 0x01
	RegXYZF2 = 0x04
	RegXYZ2  = 0x05
)

const ctrlReset = 1 << 0

// GS receives the unpacked GIF data.
type GS interface {
	WriteRegister(reg uint8, value uint64)
	FeedImageData(data []byte)
}

type tag struct {
	Loops     uint32
	Format    uint32
	Regs      uint32
	RegList   uint64
	EOP       bool
	Active    bool
	RegIndex  uint32
	Remaining uint32
}

type state struct {
	Ctrl    uint32
	Mode    uint32
	Stat    uint32
	Tag     [4]uint32
	Cnt     uint32
	P3Cnt   uint32
	P3Tag   uint32
	Current tag
	Packets uint64
}

// GIF is the graphics interface.
type GIF struct {
	logger *log.Logger
	gs     GS
	memory dmac.Memory

	state
}

// New returns a graphics interface forwarding to the GS.
func New(logger *log.Logger, gs GS, memory dmac.Memory) *GIF {
	return &GIF{
		logger: logger,
		gs:     gs,
		memory: memory,
	}
}

// Reset clears the registers and aborts a packet in progress.
func (g *GIF) Reset() {
	g.state = state{}
}

// ReceiveDMA processes quad words of the GIF DMA channel.
func (g *GIF) ReceiveDMA(address, qwc, _ uint32, tagIncluded bool) uint32 {
	if tagIncluded {
		// the DMA tag itself carries no GIF data
		return 1
	}
	data := g.memory.QuadWords(address, qwc)
	if data == nil {
		g.logger.Warn("GIF DMA outside of memory",
			log.Hex("address", address),
			log.Hex("qwc", qwc))
		return qwc
	}
	return g.ProcessPath(data)
}

// ProcessPath consumes consecutive GIF packets and returns the number of quad
// words processed.
func (g *GIF) ProcessPath(data []byte) uint32 {
	var processed uint32
	for len(data) >= dmac.QuadWord {
		n := g.ProcessPacket(data)
		if n == 0 {
			break
		}
		data = data[n*dmac.QuadWord:]
		processed += n
	}
	return processed
}

// ProcessPacket consumes quad words of GIF data and returns the number of quad
// words processed. Processing stops after a tag with the end of packet flag
// completed.
func (g *GIF) ProcessPacket(data []byte) uint32 {
	var processed uint32
	for len(data) >= dmac.QuadWord {
		if g.Current.Active {
			consumed := g.processData(data)
			data = data[consumed*dmac.QuadWord:]
			processed += consumed
		} else {
			g.startTag(data[:dmac.QuadWord])
			data = data[dmac.QuadWord:]
			processed++
		}

		if !g.Current.Active && g.Current.EOP {
			g.Current.EOP = false
			g.Packets++
			break
		}
	}
	return processed
}

func (g *GIF) startTag(qw []byte) {
	lo := binary.LittleEndian.Uint64(qw)
	hi := binary.LittleEndian.Uint64(qw[8:])

	t := tag{
		Loops:   uint32(lo & 0x7FFF),
		EOP:     lo&(1<<15) != 0,
		Format:  uint32(lo>>58) & 3,
		Regs:    uint32(lo >> 60),
		RegList: hi,
	}
	if t.Regs == 0 {
		t.Regs = 16
	}
	copy(g.Tag[:], []uint32{uint32(lo), uint32(lo >> 32), uint32(hi), uint32(hi >> 32)})

	// PRIM is written when the PRE flag is set
	if lo&(1<<46) != 0 && t.Format == formatPacked {
		g.gs.WriteRegister(0x00, (lo>>47)&0x7FF)
	}

	switch t.Format {
	case formatPacked, formatRegList:
		t.Remaining = t.Loops * t.Regs
	case formatImage, formatDisabled:
		t.Remaining = t.Loops
	}
	t.Active = t.Remaining > 0
	g.Current = t
}

// processData consumes data for the current tag and returns the quad words
// used.
func (g *GIF) processData(data []byte) uint32 {
	t := &g.Current
	var consumed uint32

	switch t.Format {
	case formatPacked:
		for t.Remaining > 0 && len(data) >= dmac.QuadWord {
			g.writePacked(data[:dmac.QuadWord])
			data = data[dmac.QuadWord:]
			consumed++
			t.Remaining--
		}

	case formatRegList:
		// two registers per quad word
		for t.Remaining > 0 && len(data) >= dmac.QuadWord {
			for half := 0; half < 2 && t.Remaining > 0; half++ {
				value := binary.LittleEndian.Uint64(data[half*8:])
				if reg := g.nextDescriptor(); reg != descAD && reg != descNOP {
					g.gs.WriteRegister(reg, value)
				}
				t.Remaining--
			}
			data = data[dmac.QuadWord:]
			consumed++
		}

	default:
		n := min(t.Remaining, uint32(len(data)/dmac.QuadWord))
		g.gs.FeedImageData(data[:n*dmac.QuadWord])
		t.Remaining -= n
		consumed = n
	}

	t.Active = t.Remaining > 0
	g.Cnt = t.Remaining
	return consumed
}

func (g *GIF) nextDescriptor() uint8 {
	t := &g.Current
	reg := uint8(t.RegList >> (4 * t.RegIndex) & 0xF)
	t.RegIndex = (t.RegIndex + 1) % t.Regs
	return reg
}

// writePacked expands one packed quad word to a GS register write.
func (g *GIF) writePacked(qw []byte) {
	lo := binary.LittleEndian.Uint64(qw)
	hi := binary.LittleEndian.Uint64(qw[8:])

	switch reg := g.nextDescriptor(); reg {
	case descAD:
		g.gs.WriteRegister(uint8(hi), lo)
	case descNOP:
	case RegRGBAQ:
		r := lo & 0xFF
		gr := (lo >> 32) & 0xFF
		b := hi & 0xFF
		a := (hi >> 32) & 0xFF
		g.gs.WriteRegister(reg, r|gr<<8|b<<16|a<<24)
	case RegXYZF2, RegXYZ2:
		// the ADC bit selects the variant without drawing kick
		x := lo & 0xFFFF
		y := (lo >> 32) & 0xFFFF
		z := hi & 0xFFFFFFFF
		target := reg
		if hi&(1<<47) != 0 {
			target += 0x08
		}
		g.gs.WriteRegister(target, x|y<<16|z<<32)
	default:
		g.gs.WriteRegister(reg, lo)
	}
}

// GetRegister reads a GIF register.
func (g *GIF) GetRegister(address uint32) uint32 {
	switch {
	case address == RegCtrl:
		return g.Ctrl
	case address == RegMode:
		return g.Mode
	case address == RegStat:
		stat := g.Stat
		if g.Current.Active {
			stat |= 1 << 11 // path transfer active
		}
		return stat
	case address >= RegTag0 && address < RegCnt:
		return g.Tag[(address-RegTag0)/0x10]
	case address == RegCnt:
		return g.Cnt
	case address == RegP3Cnt:
		return g.P3Cnt
	case address == RegP3Tag:
		return g.P3Tag
	default:
		g.logger.Warn("reading unknown GIF register", log.Hex("address", address))
		return 0
	}
}

// SetRegister writes a GIF register.
func (g *GIF) SetRegister(address, value uint32) {
	switch address {
	case RegCtrl:
		if value&ctrlReset != 0 {
			g.Reset()
			return
		}
		g.Ctrl = value
	case RegMode:
		g.Mode = value
	default:
		g.logger.Warn("writing unknown GIF register",
			log.Hex("address", address),
			log.Hex("value", value))
	}
}

// SaveState writes the registers and the packet in progress.
func (g *GIF) SaveState(w *savestate.Writer) error {
	if err := w.WriteStruct("gif", g.state); err != nil {
		return fmt.Errorf("saving GIF state: %w", err)
	}
	return nil
}

// LoadState restores the registers and the packet in progress.
func (g *GIF) LoadState(r *savestate.Reader) error {
	if err := r.ReadStruct("gif", &g.state); err != nil {
		return fmt.Errorf("loading GIF state: %w", err)
	}
	return nil
}
