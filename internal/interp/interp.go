// Package interp implements a block compiler that pre-decodes guest
// instructions into Go closures. It serves as the reference code generator
// for the executor.
package interp

import (
	"github.com/retroenv/retroee/internal/block"
	"github.com/retroenv/retroee/internal/cpu"
	"github.com/retroenv/retrogolib/log"
	"github.com/retroenv/retrogolib/set"
)

// memory provides instruction fetches at physical addresses.
type memory interface {
	GetInstruction(address uint32) uint32
}

// instruction executes one decoded guest instruction at the virtual address pc.
type instruction func(ctx *cpu.Context, pc uint32)

// Compiler translates blocks into sequences of decoded instructions.
type Compiler struct {
	logger      *log.Logger
	memory      memory
	unsupported set.Set[uint32] // opcodes that were already reported
}

var _ block.Compiler = (*Compiler)(nil)

// New returns a compiler that fetches instructions from the memory.
func New(logger *log.Logger, memory memory) *Compiler {
	return &Compiler{
		logger:      logger,
		memory:      memory,
		unsupported: set.New[uint32](),
	}
}

// Compile decodes the instructions of the physical range [begin, end].
func (c *Compiler) Compile(begin, end uint32) (block.Unit, error) {
	u := &unit{
		instructions: make([]instruction, 0, (end-begin)/4+1),
	}
	for address := begin; address <= end; address += 4 {
		opcode := c.memory.GetInstruction(address)
		ins, ok := decode(opcode)
		if !ok {
			c.reportUnsupported(address, opcode)
			ins = nop
		}
		u.instructions = append(u.instructions, ins)
	}
	return u, nil
}

func (c *Compiler) reportUnsupported(address, opcode uint32) {
	if c.unsupported.Contains(opcode) {
		return
	}
	c.unsupported.Add(opcode)
	c.logger.Warn("Unsupported instruction executed as nop",
		log.Hex("address", address),
		log.Hex("opcode", opcode))
}

// unit is a compiled block.
type unit struct {
	instructions []instruction
}

// Execute runs the block from its first instruction and charges one cycle
// per executed instruction. It returns early when a jump is taken, a branch
// likely skips its delay slot or an exception is raised.
func (u *unit) Execute(ctx *cpu.Context) int {
	base := ctx.PC
	cycles := 0

	for i := range u.instructions {
		pc := base + uint32(i)*4
		delayed, target := ctx.HasDelayed, ctx.DelayedJump
		ctx.HasDelayed = false
		ctx.PC = pc + 4

		u.instructions[i](ctx, pc)
		cycles++

		switch {
		case delayed:
			ctx.PC = target
			return cycles
		case ctx.Exception != cpu.ExceptionNone:
			return cycles
		case ctx.PC != pc+4:
			return cycles
		}
	}
	return cycles
}

func nop(*cpu.Context, uint32) {}
