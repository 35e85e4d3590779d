package mips

import (
	"testing"

	"github.com/retroenv/retroee/internal/arch"
	"github.com/retroenv/retrogolib/assert"
)

func TestClassifyBranch(t *testing.T) {
	d := New()
	tests := []struct {
		name   string
		opcode uint32
		want   arch.BranchType
		target uint32
		static bool
	}{
		{name: "nop", opcode: OpcodeNOP, want: arch.BranchNone},
		{name: "addiu", opcode: 0x27BDFFF0, want: arch.BranchNone},
		{name: "jr ra", opcode: OpcodeJRRA, want: arch.BranchNormal},
		{name: "jalr", opcode: 0x0040F809, want: arch.BranchNormal},
		{name: "syscall", opcode: 0x0000000C, want: arch.BranchNoDelay},
		{name: "break", opcode: 0x0000000D, want: arch.BranchNoDelay},
		{name: "eret", opcode: OpcodeERET, want: arch.BranchNoDelay},
		{name: "j", opcode: 0x08000400, want: arch.BranchNormal, target: 0x00001000, static: true},
		{name: "jal", opcode: 0x0C000800, want: arch.BranchNormal, target: 0x00002000, static: true},
		{name: "beq forward", opcode: 0x10000003, want: arch.BranchNormal, target: 0x00000110, static: true},
		{name: "bne backward", opcode: 0x1440FFFC, want: arch.BranchNormal, target: 0x000000F4, static: true},
		{name: "bgez", opcode: 0x04410002, want: arch.BranchNormal, target: 0x0000010C, static: true},
		{name: "bltzl", opcode: 0x04420002, want: arch.BranchNormal, target: 0x0000010C, static: true},
		{name: "beql", opcode: 0x50000001, want: arch.BranchNormal, target: 0x00000108, static: true},
		{name: "bc1t", opcode: 0x45010004, want: arch.BranchNormal, target: 0x00000114, static: true},
		{name: "mtc0", opcode: 0x40806000, want: arch.BranchNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, d.ClassifyBranch(0x100, tt.opcode))

			target, ok := d.EffectiveTarget(0x100, tt.opcode)
			assert.Equal(t, tt.static, ok)
			assert.Equal(t, tt.target, target)
		})
	}
}

func TestIsFunctionReturn(t *testing.T) {
	d := New()
	assert.True(t, d.IsFunctionReturn(OpcodeJRRA))
	assert.False(t, d.IsFunctionReturn(0x00400008)) // jr $v0
}

func TestFields(t *testing.T) {
	op := uint32(0x8FBF0010) // lw $ra, 16($sp)
	assert.Equal(t, uint32(OpLW), Opcode(op))
	assert.Equal(t, 29, RS(op))
	assert.Equal(t, 31, RT(op))
	assert.Equal(t, uint32(0x10), Imm(op))
	assert.Equal(t, uint32(0xFFFFFFF0), Imm(0x27BDFFF0))
	assert.Equal(t, uint32(0xFFF0), UImm(0x27BDFFF0))
}
