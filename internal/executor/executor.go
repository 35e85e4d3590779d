// Package executor implements the basic block dispatch loop of a processor.
package executor

import (
	"errors"
	"fmt"

	"github.com/retroenv/retroee/internal/arch"
	"github.com/retroenv/retroee/internal/block"
	"github.com/retroenv/retroee/internal/cpu"
	"github.com/retroenv/retroee/internal/partition"
	"github.com/retroenv/retroee/internal/registry"
	"github.com/retroenv/retrogolib/log"
)

// ErrBlockNotFound is returned when no block starts at the program counter
// even after partitioning the surrounding function.
var ErrBlockNotFound = errors.New("no block found after partitioning")

// Executor runs compiled blocks of a processor context for a cycle budget.
type Executor struct {
	logger      *log.Logger
	ctx         *cpu.Context
	compiler    block.Compiler
	registry    *registry.Registry
	partitioner *partition.Partitioner
}

// New returns an executor for the processor context. Blocks are translated
// with the compiler and partitioned using the decoder.
func New(logger *log.Logger, ctx *cpu.Context, decoder arch.Decoder, compiler block.Compiler) *Executor {
	reg := registry.New(logger)
	return &Executor{
		logger:      logger,
		ctx:         ctx,
		compiler:    compiler,
		registry:    reg,
		partitioner: partition.New(logger, decoder, ctx.Memory, reg),
	}
}

// Registry returns the block registry of the executor.
func (e *Executor) Registry() *registry.Registry {
	return e.registry
}

// Partitioner returns the partitioner of the executor.
func (e *Executor) Partitioner() *partition.Partitioner {
	return e.partitioner
}

// Reset deletes all blocks. It is called whenever guest code may have
// changed.
func (e *Executor) Reset() {
	e.registry.Reset()
}

// Execute runs blocks until the cycle budget is used up, an exception is
// pending or a breakpoint is reached. It returns the remaining budget,
// which is negative when the last block overran it.
func (e *Executor) Execute(cycles int) (int, error) {
	var current *block.Block
	firstExec := true

	for cycles > 0 {
		if debugger {
			if !firstExec && e.MustBreak() {
				break
			}
			firstExec = false
		}

		address := e.ctx.Translate(e.ctx.PC)
		if current == nil || address != current.Begin() {
			next, err := e.resolve(current, address)
			if err != nil {
				return cycles, err
			}
			current = next
		} else {
			current.IncrementSelfLoop()
		}

		cycles -= current.Execute(e.ctx)
		if e.ctx.Exception != cpu.ExceptionNone {
			break
		}
	}
	return cycles, nil
}

// resolve returns the compiled block that starts at the address. The
// previous block learns the result as its branch hint.
func (e *Executor) resolve(previous *block.Block, address uint32) (*block.Block, error) {
	var next *block.Block
	if previous != nil {
		next = previous.BranchHint()
	}

	if next == nil || address != next.Begin() {
		next = e.registry.FindBlockStartingAt(address)
		if next == nil {
			e.partitioner.PartitionFunction(address)
			// partitioning may have deleted the previous block
			previous = nil

			next = e.registry.FindBlockStartingAt(address)
			if next == nil {
				return nil, fmt.Errorf("%w: address 0x%08X", ErrBlockNotFound, address)
			}
		}
	}

	if previous != nil {
		previous.SetBranchHint(next)
	}
	if err := next.Compile(e.compiler); err != nil {
		return nil, fmt.Errorf("resolving block at 0x%08X: %w", address, err)
	}
	return next, nil
}

// MustBreak returns whether execution has to stop because a breakpoint is
// at the program counter or inside the block containing it.
func (e *Executor) MustBreak() bool {
	if len(e.ctx.Breakpoints) == 0 {
		return false
	}

	address := e.ctx.Translate(e.ctx.PC)
	current := e.registry.FindBlockAt(address)
	for breakpoint := range e.ctx.Breakpoints {
		if breakpoint == address {
			return true
		}
		if current != nil && current.Contains(breakpoint) {
			return true
		}
	}
	return false
}
