package executor

import (
	"github.com/retroenv/retroee/internal/block"
	"github.com/retroenv/retroee/internal/cpu"
)

// mockUnit jumps to a fixed address and charges one cycle per instruction.
type mockUnit struct {
	cycles    int
	next      uint32
	exception cpu.Exception
}

func (u *mockUnit) Execute(ctx *cpu.Context) int {
	ctx.PC = u.next
	ctx.Exception = u.exception
	return u.cycles
}

// mockCompiler builds units that continue at the address configured for the
// block begin.
type mockCompiler struct {
	next       map[uint32]uint32
	exceptions map[uint32]cpu.Exception
	err        error
	compiled   []uint32
}

func newMockCompiler() *mockCompiler {
	return &mockCompiler{
		next:       make(map[uint32]uint32),
		exceptions: make(map[uint32]cpu.Exception),
	}
}

func (c *mockCompiler) Compile(begin, end uint32) (block.Unit, error) {
	if c.err != nil {
		return nil, c.err
	}
	c.compiled = append(c.compiled, begin)
	return &mockUnit{
		cycles:    int(end-begin)/4 + 1,
		next:      c.next[begin],
		exception: c.exceptions[begin],
	}, nil
}
