// Package block implements the basic block, a range of guest code that is
// compiled once and then executed as a unit.
package block

import (
	"fmt"

	"github.com/retroenv/retroee/internal/cpu"
)

// Unit is an executable translation of a guest code range.
type Unit interface {
	// Execute runs the translated code and returns the consumed cycles.
	Execute(ctx *cpu.Context) int
}

// Compiler translates a guest code range into an executable unit.
type Compiler interface {
	Compile(begin, end uint32) (Unit, error)
}

// Block covers the guest code range [Begin, End], both word aligned and
// inclusive.
type Block struct {
	begin uint32
	end   uint32

	unit       Unit
	branchHint *Block
	selfLoops  uint32
}

// New returns an uncompiled block.
func New(begin, end uint32) *Block {
	return &Block{
		begin: begin,
		end:   end,
	}
}

// Begin returns the address of the first instruction.
func (b *Block) Begin() uint32 { return b.begin }

// End returns the address of the last instruction.
func (b *Block) End() uint32 { return b.end }

// Contains returns whether the address is inside the block.
func (b *Block) Contains(address uint32) bool {
	return address >= b.begin && address <= b.end
}

// IsCompiled returns whether the block has been compiled.
func (b *Block) IsCompiled() bool {
	return b.unit != nil
}

// Compile translates the block using the given compiler. Calling it on an
// already compiled block does nothing.
func (b *Block) Compile(compiler Compiler) error {
	if b.unit != nil {
		return nil
	}
	unit, err := compiler.Compile(b.begin, b.end)
	if err != nil {
		return fmt.Errorf("compiling block 0x%08X-0x%08X: %w", b.begin, b.end, err)
	}
	b.unit = unit
	return nil
}

// Execute runs the compiled block and returns the consumed cycles.
// The block must be compiled.
func (b *Block) Execute(ctx *cpu.Context) int {
	return b.unit.Execute(ctx)
}

// BranchHint returns the block that was executed after this one the last
// time the successor changed, or nil.
func (b *Block) BranchHint() *Block {
	return b.branchHint
}

// SetBranchHint sets the successor hint. The registry clears hints to deleted
// blocks so a hint always refers to a live block.
func (b *Block) SetBranchHint(next *Block) {
	b.branchHint = next
}

// SelfLoopCount returns how often the block was executed directly after
// itself.
func (b *Block) SelfLoopCount() uint32 {
	return b.selfLoops
}

// IncrementSelfLoop counts one back to back execution.
func (b *Block) IncrementSelfLoop() {
	b.selfLoops++
}

// String implements fmt.Stringer.
func (b *Block) String() string {
	return fmt.Sprintf("0x%08X-0x%08X", b.begin, b.end)
}
