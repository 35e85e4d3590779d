// Package vpu implements the vector processing units. A unit combines the
// VIF, which unpacks DMA data into VU memory and controls program execution,
// with the run state of the VU micro program.
package vpu

import (
	"fmt"
	"maps"

	"github.com/retroenv/retroee/internal/cpu"
	"github.com/retroenv/retroee/internal/device/dmac"
	"github.com/retroenv/retroee/internal/device/intc"
	"github.com/retroenv/retroee/internal/savestate"
	"github.com/retroenv/retrogolib/log"
)

// I/O ports of the VU address spaces.
const (
	VUITOP   = 0x8A00
	VUTOP    = 0x8A10
	VUXGKICK = 0x8A20
)

// upperEBit marks the last instruction of a micro program. The instruction
// in its delay slot still executes.
const upperEBit = 1 << 30

// instructionSize is the size of a lower and upper instruction pair.
const instructionSize = 8

// Interrupts receives VIF interrupts.
type Interrupts interface {
	AssertLine(line uint32)
}

// PathTarget receives GIF packets from XGKICK and the DIRECT VIF codes.
type PathTarget interface {
	ProcessPacket(data []byte) uint32
	ProcessPath(data []byte) uint32
}

// StateChangedFunc is called when the micro program starts or stops.
type StateChangedFunc func(running bool)

// Dependencies contains the collaborators of a unit.
type Dependencies struct {
	// Memory is read by the VIF DMA channel.
	Memory     dmac.Memory
	Interrupts Interrupts
	GIF        PathTarget
	// OnStateChanged is optional.
	OnStateChanged StateChangedFunc
}

type runState struct {
	Running bool
	PC      uint32
	// Remaining is the number of instructions until the program ends.
	Remaining uint32
	// LastEnd is the address following the last finished program, where
	// MSCNT continues.
	LastEnd uint32
	Started uint64
}

type state struct {
	Run runState
	VIF vifState
}

// VPU is a vector processing unit.
type VPU struct {
	logger   *log.Logger
	number   int
	ctx      *cpu.Context
	vuMem    []byte
	microMem []byte
	dma      dmac.Memory

	intc           Interrupts
	gif            PathTarget
	onStateChanged StateChangedFunc

	// programs caches the instruction count of micro programs by start
	// address.
	programs map[uint32]uint32

	state
}

// New returns the vector unit with the given number. The context is the VU
// processor whose instruction map covers the micro memory.
func New(logger *log.Logger, number int, ctx *cpu.Context, vuMem, microMem []byte) *VPU {
	return &VPU{
		logger:   logger,
		number:   number,
		ctx:      ctx,
		vuMem:    vuMem,
		microMem: microMem,
		programs: map[uint32]uint32{},
	}
}

// InjectDependencies sets the collaborators.
func (v *VPU) InjectDependencies(deps Dependencies) {
	v.dma = deps.Memory
	v.intc = deps.Interrupts
	v.gif = deps.GIF
	v.onStateChanged = deps.OnStateChanged
}

// Reset stops the micro program and clears the VIF.
func (v *VPU) Reset() {
	v.state = state{}
	clear(v.programs)
}

// IsVuRunning returns whether a micro program is executing.
func (v *VPU) IsVuRunning() bool {
	return v.Run.Running
}

// ProgramsStarted returns the number of micro programs started since reset.
func (v *VPU) ProgramsStarted() uint64 {
	return v.Run.Started
}

// ExecuteMicroProgram starts the micro program at the byte address.
func (v *VPU) ExecuteMicroProgram(address uint32) {
	address &= uint32(len(v.microMem)-1) &^ (instructionSize - 1)

	count, ok := v.programs[address]
	if !ok {
		count = v.scanProgram(address)
		v.programs[address] = count
	}

	v.Run.Running = true
	v.Run.PC = address
	v.Run.Remaining = count
	v.Run.Started++
	v.ctx.PC = address
	v.vifProgramStarted()

	v.logger.Debug("VU micro program started",
		log.Int("unit", v.number),
		log.Hex("address", address),
		log.Int("instructions", int(count)))

	if v.onStateChanged != nil {
		v.onStateChanged(true)
	}
}

// scanProgram returns the number of instructions from the address up to and
// including the delay slot of the first instruction with the E bit. Without
// an E bit the whole micro memory is run once.
func (v *VPU) scanProgram(address uint32) uint32 {
	size := uint32(len(v.microMem))
	limit := size / instructionSize
	for i := range limit {
		pc := (address + i*instructionSize) & (size - 1)
		upper := v.ctx.Memory.GetInstruction(pc + 4)
		if upper&upperEBit != 0 {
			return i + 2
		}
	}
	v.logger.Warn("VU micro program without end",
		log.Int("unit", v.number),
		log.Hex("address", address))
	return limit
}

// Execute runs the micro program for up to the given number of cycles, one
// instruction per cycle, and returns the cycles used.
func (v *VPU) Execute(cycles int) int {
	if !v.Run.Running || cycles <= 0 {
		return 0
	}

	n := min(uint32(cycles), v.Run.Remaining)
	v.Run.Remaining -= n
	v.Run.PC = (v.Run.PC + n*instructionSize) & uint32(len(v.microMem)-1)
	v.ctx.PC = v.Run.PC

	if v.Run.Remaining == 0 {
		v.stop()
	}
	return int(n)
}

func (v *VPU) stop() {
	v.Run.Running = false
	v.Run.LastEnd = v.Run.PC
	v.logger.Debug("VU micro program finished",
		log.Int("unit", v.number),
		log.Hex("pc", v.Run.PC))

	if v.onStateChanged != nil {
		v.onStateChanged(false)
	}
	v.drainFIFO()
}

// InvalidateMicroProgram drops cached programs overlapping the byte range
// [start, end).
func (v *VPU) InvalidateMicroProgram(start, end uint32) {
	maps.DeleteFunc(v.programs, func(address, count uint32) bool {
		programEnd := address + count*instructionSize
		return address < end && start < programEnd
	})
}

// CachedPrograms returns the number of cached micro programs.
func (v *VPU) CachedPrograms() int {
	return len(v.programs)
}

// ProcessXgKick sends the GIF packet at the VU memory quad word address to
// the GIF.
func (v *VPU) ProcessXgKick(address uint32) {
	offset := (address * dmac.QuadWord) & uint32(len(v.vuMem)-1)
	if v.gif == nil {
		return
	}
	v.gif.ProcessPacket(v.vuMem[offset:])
}

func (v *VPU) interruptLine() uint32 {
	if v.number == 0 {
		return intc.LineVIF0
	}
	return intc.LineVIF1
}

func (v *VPU) sectionName() string {
	return fmt.Sprintf("vpu%d", v.number)
}

// SaveState writes the VIF registers and the program run state.
func (v *VPU) SaveState(w *savestate.Writer) error {
	if err := w.WriteStruct(v.sectionName(), v.state); err != nil {
		return fmt.Errorf("saving VPU%d state: %w", v.number, err)
	}
	return nil
}

// LoadState restores the VIF registers and the program run state. The
// program cache is rebuilt on demand.
func (v *VPU) LoadState(r *savestate.Reader) error {
	if err := r.ReadStruct(v.sectionName(), &v.state); err != nil {
		return fmt.Errorf("loading VPU%d state: %w", v.number, err)
	}
	clear(v.programs)
	return nil
}
