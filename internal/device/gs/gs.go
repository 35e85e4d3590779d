// Package gs implements the register side of the graphics synthesizer. It
// keeps the privileged registers visible on the bus and records the general
// purpose register writes and image transfers delivered by the GIF.
// Rasterization is not performed.
package gs

import (
	"fmt"

	"github.com/retroenv/retroee/internal/savestate"
	"github.com/retroenv/retrogolib/log"
)

// Privileged register addresses.
const (
	PrivStart = 0x12000000
	RegPMode  = 0x12000000
	RegSMode2 = 0x12000020
	RegCSR    = 0x12001000
	RegIMR    = 0x12001010
	RegBusDir = 0x12001040
	RegSigLbl = 0x12001080
	PrivEnd   = 0x12002000
)

// CSR bits.
const (
	CSRSignal = 1 << 0
	CSRFinish = 1 << 1
	CSRHSInt  = 1 << 2
	CSRVSInt  = 1 << 3
	CSRField  = 1 << 13
)

// General purpose registers.
const (
	RegPrim   = 0x00
	RegRGBAQ  = 0x01
	RegXYZF2  = 0x04
	RegXYZ2   = 0x05
	RegHWReg  = 0x54
	RegSignal = 0x60
	RegFinish = 0x61
	RegLabel  = 0x62
	RegCount  = 0x64
)

// csrRevision is the GS revision and id reported in the upper CSR bits.
const csrRevision = 0x551B0000

const (
	lowRegisters  = 0x100 / 4
	highRegisters = 0x90 / 4
)

type state struct {
	Low         [lowRegisters]uint32
	High        [highRegisters]uint32
	Registers   [RegCount]uint64
	VertexKicks uint64
	ImageBytes  uint64
}

// GS is the graphics synthesizer register file.
type GS struct {
	logger *log.Logger

	state
}

// New returns a graphics synthesizer.
func New(logger *log.Logger) *GS {
	g := &GS{logger: logger}
	g.Reset()
	return g
}

// Reset clears all registers.
func (g *GS) Reset() {
	g.state = state{}
	g.High[0] = csrRevision
}

func (g *GS) privileged(address uint32) (*uint32, bool) {
	switch {
	case address >= PrivStart && address < PrivStart+lowRegisters*4:
		return &g.Low[(address-PrivStart)/4], true
	case address >= RegCSR && address < RegCSR+highRegisters*4:
		return &g.High[(address-RegCSR)/4], true
	default:
		return nil, false
	}
}

// ReadPrivRegister reads a 32 bit half of a privileged register.
func (g *GS) ReadPrivRegister(address uint32) uint32 {
	reg, ok := g.privileged(address)
	if !ok {
		g.logger.Warn("reading unknown GS privileged register", log.Hex("address", address))
		return 0
	}
	return *reg
}

// WritePrivRegister writes a 32 bit half of a privileged register. CSR event
// bits are acknowledged by writing one.
func (g *GS) WritePrivRegister(address, value uint32) {
	reg, ok := g.privileged(address)
	if !ok {
		g.logger.Warn("writing unknown GS privileged register",
			log.Hex("address", address),
			log.Hex("value", value))
		return
	}

	if address == RegCSR {
		const events = CSRSignal | CSRFinish | CSRHSInt | CSRVSInt
		*reg &^= value & events
		return
	}
	*reg = value
}

// NotifyVBlankStart flips the field and raises the vsync event.
func (g *GS) NotifyVBlankStart() {
	g.High[0] ^= CSRField
	g.High[0] |= CSRVSInt
}

// WriteRegister performs a general purpose register write from a GIF packet.
func (g *GS) WriteRegister(reg uint8, value uint64) {
	if int(reg) >= RegCount {
		g.logger.Warn("writing unknown GS register",
			log.Hex("register", reg),
			log.Hex("value", value))
		return
	}
	g.Registers[reg] = value

	switch reg {
	case RegXYZ2, RegXYZF2:
		g.VertexKicks++
	case RegSignal:
		g.High[0] |= CSRSignal
		g.High[(RegSigLbl-RegCSR)/4] = uint32(value)
	case RegFinish:
		g.High[0] |= CSRFinish
	case RegLabel:
		g.High[(RegSigLbl-RegCSR)/4+1] = uint32(value >> 32)
	}
}

// FeedImageData receives an image transfer.
func (g *GS) FeedImageData(data []byte) {
	g.ImageBytes += uint64(len(data))
}

// Register returns the last value written to a general purpose register.
func (g *GS) Register(reg uint8) uint64 {
	if int(reg) >= RegCount {
		return 0
	}
	return g.Registers[reg]
}

// Kicks returns the number of vertex kicks since reset.
func (g *GS) Kicks() uint64 {
	return g.VertexKicks
}

// SaveState writes the register file.
func (g *GS) SaveState(w *savestate.Writer) error {
	if err := w.WriteStruct("gs", g.state); err != nil {
		return fmt.Errorf("saving GS state: %w", err)
	}
	return nil
}

// LoadState restores the register file.
func (g *GS) LoadState(r *savestate.Reader) error {
	if err := r.ReadStruct("gs", &g.state); err != nil {
		return fmt.Errorf("loading GS state: %w", err)
	}
	return nil
}
