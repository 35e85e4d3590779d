// Package mips implements the instruction queries for the MIPS R5900 core.
package mips

import "github.com/retroenv/retroee/internal/arch"

// Primary opcodes.
const (
	OpSpecial = 0x00
	OpRegImm  = 0x01
	OpJ       = 0x02
	OpJAL     = 0x03
	OpBEQ     = 0x04
	OpBNE     = 0x05
	OpBLEZ    = 0x06
	OpBGTZ    = 0x07
	OpADDI    = 0x08
	OpADDIU   = 0x09
	OpSLTI    = 0x0A
	OpSLTIU   = 0x0B
	OpANDI    = 0x0C
	OpORI     = 0x0D
	OpXORI    = 0x0E
	OpLUI     = 0x0F
	OpCOP0    = 0x10
	OpCOP1    = 0x11
	OpCOP2    = 0x12
	OpBEQL    = 0x14
	OpBNEL    = 0x15
	OpBLEZL   = 0x16
	OpBGTZL   = 0x17
	OpDADDIU  = 0x19
	OpLB      = 0x20
	OpLH      = 0x21
	OpLW      = 0x23
	OpLBU     = 0x24
	OpLHU     = 0x25
	OpLWU     = 0x27
	OpSB      = 0x28
	OpSH      = 0x29
	OpSW      = 0x2B
	OpLD      = 0x37
	OpSD      = 0x3F
)

// SPECIAL function codes.
const (
	FnSLL     = 0x00
	FnSRL     = 0x02
	FnSRA     = 0x03
	FnSLLV    = 0x04
	FnSRLV    = 0x06
	FnSRAV    = 0x07
	FnJR      = 0x08
	FnJALR    = 0x09
	FnMOVZ    = 0x0A
	FnMOVN    = 0x0B
	FnSYSCALL = 0x0C
	FnBREAK   = 0x0D
	FnSYNC    = 0x0F
	FnMFHI    = 0x10
	FnMTHI    = 0x11
	FnMFLO    = 0x12
	FnMTLO    = 0x13
	FnMULT    = 0x18
	FnMULTU   = 0x19
	FnDIV     = 0x1A
	FnDIVU    = 0x1B
	FnADD     = 0x20
	FnADDU    = 0x21
	FnSUB     = 0x22
	FnSUBU    = 0x23
	FnAND     = 0x24
	FnOR      = 0x25
	FnXOR     = 0x26
	FnNOR     = 0x27
	FnSLT     = 0x2A
	FnSLTU    = 0x2B
	FnDADDU   = 0x2D
)

// REGIMM rt codes.
const (
	RtBLTZ    = 0x00
	RtBGEZ    = 0x01
	RtBLTZL   = 0x02
	RtBGEZL   = 0x03
	RtBLTZAL  = 0x10
	RtBGEZAL  = 0x11
	RtBLTZALL = 0x12
	RtBGEZALL = 0x13
)

// Coprocessor rs codes.
const (
	CopMF = 0x00
	CopMT = 0x04
	CopBC = 0x08
	CopCO = 0x10
)

// Well known full opcodes.
const (
	OpcodeJRRA = 0x03E00008 // jr $ra
	OpcodeERET = 0x42000018
	OpcodeNOP  = 0x00000000
)

// Field extraction helpers.

// Opcode returns the primary opcode field.
func Opcode(op uint32) uint32 { return op >> 26 }

// RS returns the rs register field.
func RS(op uint32) int { return int(op >> 21 & 0x1F) }

// RT returns the rt register field.
func RT(op uint32) int { return int(op >> 16 & 0x1F) }

// RD returns the rd register field.
func RD(op uint32) int { return int(op >> 11 & 0x1F) }

// SA returns the shift amount field.
func SA(op uint32) uint32 { return op >> 6 & 0x1F }

// Funct returns the SPECIAL function field.
func Funct(op uint32) uint32 { return op & 0x3F }

// Imm returns the sign extended 16 bit immediate.
func Imm(op uint32) uint32 { return uint32(int32(int16(op))) }

// UImm returns the zero extended 16 bit immediate.
func UImm(op uint32) uint32 { return op & 0xFFFF }

// Decoder implements arch.Decoder for MIPS.
type Decoder struct{}

var _ arch.Decoder = Decoder{}

// New returns a MIPS decoder.
func New() Decoder {
	return Decoder{}
}

// IsFunctionReturn returns whether the opcode is jr $ra.
func (Decoder) IsFunctionReturn(opcode uint32) bool {
	return opcode == OpcodeJRRA
}

// ClassifyBranch returns the branch type of the opcode.
func (Decoder) ClassifyBranch(_, opcode uint32) arch.BranchType {
	switch Opcode(opcode) {
	case OpSpecial:
		switch Funct(opcode) {
		case FnJR, FnJALR:
			return arch.BranchNormal
		case FnSYSCALL, FnBREAK:
			return arch.BranchNoDelay
		}

	case OpRegImm:
		switch RT(opcode) {
		case RtBLTZ, RtBGEZ, RtBLTZL, RtBGEZL, RtBLTZAL, RtBGEZAL, RtBLTZALL, RtBGEZALL:
			return arch.BranchNormal
		}

	case OpJ, OpJAL, OpBEQ, OpBNE, OpBLEZ, OpBGTZ, OpBEQL, OpBNEL, OpBLEZL, OpBGTZL:
		return arch.BranchNormal

	case OpCOP0:
		if opcode == OpcodeERET {
			return arch.BranchNoDelay
		}
		if RS(opcode) == CopBC {
			return arch.BranchNormal
		}

	case OpCOP1, OpCOP2:
		if RS(opcode) == CopBC {
			return arch.BranchNormal
		}
	}
	return arch.BranchNone
}

// EffectiveTarget returns the static target of a branch or jump. Register
// jumps have no static target.
func (d Decoder) EffectiveTarget(address, opcode uint32) (uint32, bool) {
	if d.ClassifyBranch(address, opcode) != arch.BranchNormal {
		return 0, false
	}

	switch Opcode(opcode) {
	case OpSpecial:
		return 0, false
	case OpJ, OpJAL:
		return JumpTarget(address, opcode), true
	default:
		return BranchTarget(address, opcode), true
	}
}

// BranchTarget returns the target of a PC relative branch.
func BranchTarget(address, opcode uint32) uint32 {
	return address + 4 + Imm(opcode)<<2
}

// JumpTarget returns the target of an absolute jump within the current
// 256 MB segment.
func JumpTarget(address, opcode uint32) uint32 {
	return (address+4)&0xF0000000 | (opcode&0x03FFFFFF)<<2
}
