// Package cpu contains the processor context shared between the executor, the
// code generator and the bus orchestrator.
package cpu

import (
	"github.com/retroenv/retroee/internal/memmap"
	"github.com/retroenv/retrogolib/set"
)

// Exception is the cooperative exception code that a compiled block raises to
// stop the executor and have the orchestrator dispatch it.
type Exception uint32

// Exception codes.
const (
	ExceptionNone Exception = iota
	ExceptionSyscall
	ExceptionCallMs
	ExceptionIdle
	ExceptionCheckPendingInt
	ExceptionReturnFromException
)

func (e Exception) String() string {
	switch e {
	case ExceptionNone:
		return "none"
	case ExceptionSyscall:
		return "syscall"
	case ExceptionCallMs:
		return "callms"
	case ExceptionIdle:
		return "idle"
	case ExceptionCheckPendingInt:
		return "checkpendingint"
	case ExceptionReturnFromException:
		return "returnfromexception"
	default:
		return "unknown"
	}
}

// COP0 register indexes.
const (
	COP0Index    = 0
	COP0BadVAddr = 8
	COP0Count    = 9
	COP0Compare  = 11
	COP0Status   = 12
	COP0Cause    = 13
	COP0EPC      = 14
	COP0PRId     = 15
	COP0Config   = 16
	COP0Perf     = 25
	COP0ErrorEPC = 30
)

// STATUS register bits.
const (
	StatusIE  = 0x00000001
	StatusEXL = 0x00000002
	StatusERL = 0x00000004
	StatusEIE = 0x00010000
)

// General purpose register indexes with a fixed role.
const (
	RegZero = 0
	RegV0   = 2
	RegV1   = 3
	RegA0   = 4
	RegA1   = 5
	RegA2   = 6
	RegA3   = 7
	RegSP   = 29
	RegRA   = 31
)

// State is the serializable register file of a processor. All fields have a
// fixed size so that the state can be written as one binary record.
type State struct {
	PC uint32

	GPR [32][2]uint64 // 128 bit registers as low and high halves
	HI  [2]uint64
	LO  [2]uint64
	SA  uint32

	COP0 [32]uint32
	PCCR uint32    // performance counter control
	PCR  [2]uint32 // performance counters

	FPR  [32]uint32
	FCSR uint32

	COP2   [32][4]uint32 // vector float registers
	COP2A  [4]uint32     // accumulator
	COP2VI [16]uint32    // integer registers
	COP2Q  uint32
	COP2P  uint32
	COP2SF uint32 // status flag
	COP2CF uint32 // clipping flag

	Exception   Exception
	DelayedJump uint32 // pending jump target, 0 when none
	HasDelayed  bool

	CallMsEnabled bool
	CallMsAddr    uint32
}

// Context is a processor with its memory map. Compiled code and the
// orchestrator share it through a pointer.
type Context struct {
	State

	Memory      *memmap.Map
	Translator  func(address uint32) uint32
	Breakpoints set.Set[uint32]
}

// New returns a processor context that accesses memory through the given map.
func New(memory *memmap.Map) *Context {
	return &Context{
		Memory:      memory,
		Breakpoints: set.New[uint32](),
	}
}

// Translate converts a virtual address into a physical one using the
// configured translator. Without a translator addresses are identity mapped.
func (c *Context) Translate(address uint32) uint32 {
	if c.Translator == nil {
		return address
	}
	return c.Translator(address)
}

// Reset clears the register file. Breakpoints, memory map and translator
// are configuration and are kept.
func (c *Context) Reset() {
	c.State = State{}
}

// GPR32 returns the low 32 bits of a general purpose register.
func (c *Context) GPR32(index int) uint32 {
	return uint32(c.GPR[index][0])
}

// SetGPR32 sets a general purpose register to a sign extended 32 bit value.
// Writes to register zero are discarded.
func (c *Context) SetGPR32(index int, value uint32) {
	if index == RegZero {
		return
	}
	c.GPR[index][0] = uint64(int64(int32(value)))
}

// SetGPR64 sets the low 64 bits of a general purpose register.
func (c *Context) SetGPR64(index int, value uint64) {
	if index == RegZero {
		return
	}
	c.GPR[index][0] = value
}

// InterruptsEnabled returns whether STATUS has IE and EIE set and the
// processor is not at exception level.
func (c *Context) InterruptsEnabled() bool {
	status := c.COP0[COP0Status]
	return status&(StatusIE|StatusEIE) == StatusIE|StatusEIE &&
		status&(StatusEXL|StatusERL) == 0
}
