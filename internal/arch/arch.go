// Package arch defines the architecture specific instruction queries that
// the partitioner needs.
package arch

// BranchType classifies an instruction for block partitioning.
type BranchType int

// Branch types.
const (
	BranchNone    BranchType = iota // not a control flow instruction
	BranchNormal                    // branch or jump followed by a delay slot
	BranchNoDelay                   // control transfer without delay slot, like a syscall
)

func (b BranchType) String() string {
	switch b {
	case BranchNone:
		return "none"
	case BranchNormal:
		return "normal"
	case BranchNoDelay:
		return "nodelay"
	default:
		return "unknown"
	}
}

// Decoder answers instruction queries of an architecture.
type Decoder interface {
	// IsFunctionReturn returns whether the opcode returns from a function.
	IsFunctionReturn(opcode uint32) bool
	// ClassifyBranch returns the branch type of the opcode at the address.
	ClassifyBranch(address, opcode uint32) BranchType
	// EffectiveTarget returns the statically known branch target of the
	// opcode at the address.
	EffectiveTarget(address, opcode uint32) (uint32, bool)
}
