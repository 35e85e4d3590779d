package interp

import (
	"github.com/retroenv/retroee/internal/arch/mips"
	"github.com/retroenv/retroee/internal/cpu"
)

func effectiveAddress(ctx *cpu.Context, op uint32) uint32 {
	return ctx.Translate(ctx.GPR32(mips.RS(op)) + mips.Imm(op))
}

func load(op uint32) instruction {
	rt := mips.RT(op)

	switch mips.Opcode(op) {
	case mips.OpLB:
		return func(ctx *cpu.Context, _ uint32) {
			value := ctx.Memory.GetByte(effectiveAddress(ctx, op))
			ctx.SetGPR64(rt, uint64(int64(int8(value))))
		}
	case mips.OpLBU:
		return func(ctx *cpu.Context, _ uint32) {
			ctx.SetGPR64(rt, uint64(ctx.Memory.GetByte(effectiveAddress(ctx, op))))
		}
	case mips.OpLH:
		return func(ctx *cpu.Context, _ uint32) {
			value := ctx.Memory.GetHalf(effectiveAddress(ctx, op))
			ctx.SetGPR64(rt, uint64(int64(int16(value))))
		}
	case mips.OpLHU:
		return func(ctx *cpu.Context, _ uint32) {
			ctx.SetGPR64(rt, uint64(ctx.Memory.GetHalf(effectiveAddress(ctx, op))))
		}
	case mips.OpLW:
		return func(ctx *cpu.Context, _ uint32) {
			ctx.SetGPR32(rt, ctx.Memory.GetWord(effectiveAddress(ctx, op)))
		}
	case mips.OpLWU:
		return func(ctx *cpu.Context, _ uint32) {
			ctx.SetGPR64(rt, uint64(ctx.Memory.GetWord(effectiveAddress(ctx, op))))
		}
	default: // LD
		return func(ctx *cpu.Context, _ uint32) {
			ctx.SetGPR64(rt, ctx.Memory.GetDouble(effectiveAddress(ctx, op)))
		}
	}
}

func store(op uint32) instruction {
	rt := mips.RT(op)

	switch mips.Opcode(op) {
	case mips.OpSB:
		return func(ctx *cpu.Context, _ uint32) {
			ctx.Memory.SetByte(effectiveAddress(ctx, op), uint8(gpr(ctx, rt)))
		}
	case mips.OpSH:
		return func(ctx *cpu.Context, _ uint32) {
			ctx.Memory.SetHalf(effectiveAddress(ctx, op), uint16(gpr(ctx, rt)))
		}
	case mips.OpSW:
		return func(ctx *cpu.Context, _ uint32) {
			ctx.Memory.SetWord(effectiveAddress(ctx, op), uint32(gpr(ctx, rt)))
		}
	default: // SD
		return func(ctx *cpu.Context, _ uint32) {
			ctx.Memory.SetDouble(effectiveAddress(ctx, op), gpr(ctx, rt))
		}
	}
}
