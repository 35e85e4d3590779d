// Package timer implements the four emotion engine timers.
package timer

import (
	"fmt"

	"github.com/retroenv/retroee/internal/device/intc"
	"github.com/retroenv/retroee/internal/savestate"
	"github.com/retroenv/retrogolib/log"
)

// Count is the number of timers.
const Count = 4

// Register layout.
const (
	BaseAddress = 0x10000000
	stride      = 0x800

	countOffset = 0x00
	modeOffset  = 0x10
	compOffset  = 0x20
	holdOffset  = 0x30
)

// MODE bits.
const (
	modeClockMask = 3
	modeGate      = 1 << 2
	modeGateVSync = 1 << 3
	modeGateShift = 4
	modeGateMask  = 3 << modeGateShift
	modeZeroRet   = 1 << 6
	modeCUE       = 1 << 7
	modeCMPE      = 1 << 8
	modeOVFE      = 1 << 9
	modeEQUF      = 1 << 10
	modeOVFF      = 1 << 11
)

// Gate modes that reset the counter on vblank edges.
const (
	gateResetRising = 2
	gateResetBoth   = 3
)

// hblankTicks is the number of bus ticks per horizontal blank.
const hblankTicks = 9371

var clockDivider = [4]uint32{1, 16, 256, hblankTicks}

// Interrupts receives timer interrupts.
type Interrupts interface {
	AssertLine(line uint32)
}

type counter struct {
	Count     uint32
	Mode      uint32
	Comp      uint32
	Hold      uint32
	Remainder uint32
}

type state struct {
	Timers [Count]counter
}

// Timer is the timer unit.
type Timer struct {
	logger *log.Logger
	intc   Interrupts

	state
}

// New returns the timer unit.
func New(logger *log.Logger, interrupts Interrupts) *Timer {
	return &Timer{
		logger: logger,
		intc:   interrupts,
	}
}

// Reset stops all timers.
func (t *Timer) Reset() {
	t.state = state{}
}

// Count advances all enabled timers by the bus ticks.
func (t *Timer) Count(ticks uint32) {
	for i := range t.Timers {
		c := &t.Timers[i]
		if c.Mode&modeCUE == 0 {
			continue
		}

		divider := clockDivider[c.Mode&modeClockMask]
		total := c.Remainder + ticks
		steps := total / divider
		c.Remainder = total % divider
		t.advance(i, steps)
	}
}

func (t *Timer) advance(index int, steps uint32) {
	c := &t.Timers[index]
	for steps > 0 {
		// step to the next compare or overflow event at most
		next := uint32(0x10000) - c.Count
		if c.Comp > c.Count {
			next = min(next, c.Comp-c.Count)
		}
		step := min(steps, next)
		c.Count += step
		steps -= step

		if c.Count == c.Comp && c.Mode&modeCMPE != 0 && c.Mode&modeEQUF == 0 {
			c.Mode |= modeEQUF
			t.intc.AssertLine(intc.LineTimer0 + uint32(index))
		}
		if c.Count == c.Comp && c.Mode&modeZeroRet != 0 {
			c.Count = 0
		}
		if c.Count >= 0x10000 {
			c.Count = 0
			if c.Mode&modeOVFE != 0 && c.Mode&modeOVFF == 0 {
				c.Mode |= modeOVFF
				t.intc.AssertLine(intc.LineTimer0 + uint32(index))
			}
		}
	}
}

// NotifyVBlankStart applies the vblank gate on its rising edge.
func (t *Timer) NotifyVBlankStart() {
	t.gate(true)
}

// NotifyVBlankEnd applies the vblank gate on its falling edge.
func (t *Timer) NotifyVBlankEnd() {
	t.gate(false)
}

func (t *Timer) gate(rising bool) {
	for i := range t.Timers {
		c := &t.Timers[i]
		if c.Mode&modeGate == 0 || c.Mode&modeGateVSync == 0 {
			continue
		}
		mode := (c.Mode & modeGateMask) >> modeGateShift
		if mode == gateResetBoth || (mode == gateResetRising && rising) {
			c.Count = 0
			c.Remainder = 0
		}
	}
}

func (t *Timer) register(address uint32) (*uint32, uint32, int, bool) {
	offset := address - BaseAddress
	index := int(offset / stride)
	if address < BaseAddress || index >= Count {
		return nil, 0, 0, false
	}

	c := &t.Timers[index]
	reg := offset % stride
	switch reg {
	case countOffset:
		return &c.Count, reg, index, true
	case modeOffset:
		return &c.Mode, reg, index, true
	case compOffset:
		return &c.Comp, reg, index, true
	case holdOffset:
		// only the first two timers latch a hold value
		if index < 2 {
			return &c.Hold, reg, index, true
		}
	}
	return nil, 0, 0, false
}

// GetRegister reads a timer register.
func (t *Timer) GetRegister(address uint32) uint32 {
	reg, _, _, ok := t.register(address)
	if !ok {
		t.logger.Warn("reading unknown timer register", log.Hex("address", address))
		return 0
	}
	return *reg
}

// SetRegister writes a timer register. The flag bits of MODE are cleared by
// writing one.
func (t *Timer) SetRegister(address, value uint32) {
	reg, offset, index, ok := t.register(address)
	if !ok {
		t.logger.Warn("writing unknown timer register",
			log.Hex("address", address),
			log.Hex("value", value))
		return
	}

	switch offset {
	case modeOffset:
		flags := *reg & (modeEQUF | modeOVFF) &^ value
		*reg = value&0x3FF | flags
		t.Timers[index].Remainder = 0
	default:
		*reg = value & 0xFFFF
	}
}

// SaveState writes the timer registers.
func (t *Timer) SaveState(w *savestate.Writer) error {
	if err := w.WriteStruct("timer", t.state); err != nil {
		return fmt.Errorf("saving timer state: %w", err)
	}
	return nil
}

// LoadState restores the timer registers.
func (t *Timer) LoadState(r *savestate.Reader) error {
	if err := r.ReadStruct("timer", &t.state); err != nil {
		return fmt.Errorf("loading timer state: %w", err)
	}
	return nil
}
