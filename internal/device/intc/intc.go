// Package intc implements the interrupt controller.
package intc

import (
	"fmt"

	"github.com/retroenv/retroee/internal/savestate"
	"github.com/retroenv/retrogolib/log"
)

// Interrupt lines.
const (
	LineGS = iota
	LineSBUS
	LineVBlankStart
	LineVBlankEnd
	LineVIF0
	LineVIF1
	LineVU0
	LineVU1
	LineIPU
	LineTimer0
	LineTimer1
	LineTimer2
	LineTimer3
	LineSFIFO
	LineVU0Watchdog

	LineCount
)

// Register addresses.
const (
	RegStat = 0x1000F000
	RegMask = 0x1000F010
)

const lineMask = 1<<LineCount - 1

// DMAC reports the DMA controller interrupt that is routed through INT1.
type DMAC interface {
	IsInterruptPending() bool
}

type state struct {
	Stat uint32
	Mask uint32
}

// INTC is the interrupt controller.
type INTC struct {
	logger *log.Logger
	dmac   DMAC

	state
}

// New returns an interrupt controller.
func New(logger *log.Logger, dmac DMAC) *INTC {
	return &INTC{
		logger: logger,
		dmac:   dmac,
	}
}

// Reset clears status and mask.
func (c *INTC) Reset() {
	c.state = state{}
}

// AssertLine raises an interrupt line.
func (c *INTC) AssertLine(line uint32) {
	c.Stat |= 1 << line
}

// IsInterruptPending returns whether an unmasked line or the DMAC requests an
// interrupt.
func (c *INTC) IsInterruptPending() bool {
	if c.Stat&c.Mask != 0 {
		return true
	}
	return c.dmac != nil && c.dmac.IsInterruptPending()
}

// PendingLines returns the asserted and unmasked lines.
func (c *INTC) PendingLines() uint32 {
	return c.Stat & c.Mask
}

// GetRegister reads STAT or MASK.
func (c *INTC) GetRegister(address uint32) uint32 {
	switch address {
	case RegStat:
		return c.Stat
	case RegMask:
		return c.Mask
	default:
		c.logger.Warn("reading unknown INTC register", log.Hex("address", address))
		return 0
	}
}

// SetRegister writes STAT or MASK. Writing one clears a status bit and
// toggles a mask bit.
func (c *INTC) SetRegister(address, value uint32) {
	switch address {
	case RegStat:
		c.Stat &^= value & lineMask
	case RegMask:
		c.Mask ^= value & lineMask
	default:
		c.logger.Warn("writing unknown INTC register",
			log.Hex("address", address),
			log.Hex("value", value))
	}
}

// SaveState writes status and mask.
func (c *INTC) SaveState(w *savestate.Writer) error {
	if err := w.WriteStruct("intc", c.state); err != nil {
		return fmt.Errorf("saving INTC state: %w", err)
	}
	return nil
}

// LoadState restores status and mask.
func (c *INTC) LoadState(r *savestate.Reader) error {
	if err := r.ReadStruct("intc", &c.state); err != nil {
		return fmt.Errorf("loading INTC state: %w", err)
	}
	return nil
}
