package interp

import (
	"github.com/retroenv/retroee/internal/arch/mips"
	"github.com/retroenv/retroee/internal/cpu"
)

// COP0 CO function codes.
const (
	fnERET = 0x18
	fnEI   = 0x38
	fnDI   = 0x39
)

// COP2 macro mode function code.
const fnVCALLMS = 0x38

const copCOBit = 1 << 25

// decode returns the closure executing the opcode, or false if the opcode
// is not supported.
func decode(op uint32) (instruction, bool) {
	rs, rt := mips.RS(op), mips.RT(op)
	imm, uimm := mips.Imm(op), mips.UImm(op)

	switch mips.Opcode(op) {
	case mips.OpSpecial:
		return decodeSpecial(op)
	case mips.OpRegImm:
		return decodeRegImm(op)

	case mips.OpJ:
		return func(ctx *cpu.Context, pc uint32) {
			delayJump(ctx, mips.JumpTarget(pc, op))
		}, true
	case mips.OpJAL:
		return func(ctx *cpu.Context, pc uint32) {
			ctx.SetGPR32(cpu.RegRA, pc+8)
			delayJump(ctx, mips.JumpTarget(pc, op))
		}, true

	case mips.OpBEQ, mips.OpBEQL:
		return branch(op, func(ctx *cpu.Context) bool { return gpr(ctx, rs) == gpr(ctx, rt) }), true
	case mips.OpBNE, mips.OpBNEL:
		return branch(op, func(ctx *cpu.Context) bool { return gpr(ctx, rs) != gpr(ctx, rt) }), true
	case mips.OpBLEZ, mips.OpBLEZL:
		return branch(op, func(ctx *cpu.Context) bool { return int64(gpr(ctx, rs)) <= 0 }), true
	case mips.OpBGTZ, mips.OpBGTZL:
		return branch(op, func(ctx *cpu.Context) bool { return int64(gpr(ctx, rs)) > 0 }), true

	case mips.OpADDI, mips.OpADDIU:
		return func(ctx *cpu.Context, _ uint32) {
			ctx.SetGPR32(rt, ctx.GPR32(rs)+imm)
		}, true
	case mips.OpDADDIU:
		return func(ctx *cpu.Context, _ uint32) {
			ctx.SetGPR64(rt, gpr(ctx, rs)+uint64(int64(int32(imm))))
		}, true
	case mips.OpSLTI:
		return func(ctx *cpu.Context, _ uint32) {
			ctx.SetGPR64(rt, boolValue(int64(gpr(ctx, rs)) < int64(int32(imm))))
		}, true
	case mips.OpSLTIU:
		return func(ctx *cpu.Context, _ uint32) {
			ctx.SetGPR64(rt, boolValue(gpr(ctx, rs) < uint64(int64(int32(imm)))))
		}, true
	case mips.OpANDI:
		return func(ctx *cpu.Context, _ uint32) {
			ctx.SetGPR64(rt, gpr(ctx, rs)&uint64(uimm))
		}, true
	case mips.OpORI:
		return func(ctx *cpu.Context, _ uint32) {
			ctx.SetGPR64(rt, gpr(ctx, rs)|uint64(uimm))
		}, true
	case mips.OpXORI:
		return func(ctx *cpu.Context, _ uint32) {
			ctx.SetGPR64(rt, gpr(ctx, rs)^uint64(uimm))
		}, true
	case mips.OpLUI:
		return func(ctx *cpu.Context, _ uint32) {
			ctx.SetGPR32(rt, uimm<<16)
		}, true

	case mips.OpCOP0:
		return decodeCOP0(op)
	case mips.OpCOP2:
		return decodeCOP2(op)

	case mips.OpLB, mips.OpLH, mips.OpLW, mips.OpLBU, mips.OpLHU, mips.OpLWU, mips.OpLD:
		return load(op), true
	case mips.OpSB, mips.OpSH, mips.OpSW, mips.OpSD:
		return store(op), true
	}
	return nil, false
}

func decodeSpecial(op uint32) (instruction, bool) {
	rs, rt, rd := mips.RS(op), mips.RT(op), mips.RD(op)
	sa := mips.SA(op)

	switch mips.Funct(op) {
	case mips.FnSLL:
		return func(ctx *cpu.Context, _ uint32) { ctx.SetGPR32(rd, ctx.GPR32(rt)<<sa) }, true
	case mips.FnSRL:
		return func(ctx *cpu.Context, _ uint32) { ctx.SetGPR32(rd, ctx.GPR32(rt)>>sa) }, true
	case mips.FnSRA:
		return func(ctx *cpu.Context, _ uint32) { ctx.SetGPR32(rd, uint32(int32(ctx.GPR32(rt))>>sa)) }, true
	case mips.FnSLLV:
		return func(ctx *cpu.Context, _ uint32) { ctx.SetGPR32(rd, ctx.GPR32(rt)<<(ctx.GPR32(rs)&0x1F)) }, true
	case mips.FnSRLV:
		return func(ctx *cpu.Context, _ uint32) { ctx.SetGPR32(rd, ctx.GPR32(rt)>>(ctx.GPR32(rs)&0x1F)) }, true
	case mips.FnSRAV:
		return func(ctx *cpu.Context, _ uint32) {
			ctx.SetGPR32(rd, uint32(int32(ctx.GPR32(rt))>>(ctx.GPR32(rs)&0x1F)))
		}, true

	case mips.FnJR:
		return func(ctx *cpu.Context, _ uint32) { delayJump(ctx, ctx.GPR32(rs)) }, true
	case mips.FnJALR:
		return func(ctx *cpu.Context, pc uint32) {
			target := ctx.GPR32(rs)
			ctx.SetGPR32(rd, pc+8)
			delayJump(ctx, target)
		}, true

	case mips.FnMOVZ:
		return func(ctx *cpu.Context, _ uint32) {
			if gpr(ctx, rt) == 0 {
				ctx.SetGPR64(rd, gpr(ctx, rs))
			}
		}, true
	case mips.FnMOVN:
		return func(ctx *cpu.Context, _ uint32) {
			if gpr(ctx, rt) != 0 {
				ctx.SetGPR64(rd, gpr(ctx, rs))
			}
		}, true

	case mips.FnSYSCALL:
		return func(ctx *cpu.Context, _ uint32) { ctx.Exception = cpu.ExceptionSyscall }, true
	case mips.FnBREAK, mips.FnSYNC:
		return nop, true

	case mips.FnMFHI:
		return func(ctx *cpu.Context, _ uint32) { ctx.SetGPR64(rd, ctx.HI[0]) }, true
	case mips.FnMTHI:
		return func(ctx *cpu.Context, _ uint32) { ctx.HI[0] = gpr(ctx, rs) }, true
	case mips.FnMFLO:
		return func(ctx *cpu.Context, _ uint32) { ctx.SetGPR64(rd, ctx.LO[0]) }, true
	case mips.FnMTLO:
		return func(ctx *cpu.Context, _ uint32) { ctx.LO[0] = gpr(ctx, rs) }, true

	case mips.FnMULT:
		return func(ctx *cpu.Context, _ uint32) {
			result := int64(int32(ctx.GPR32(rs))) * int64(int32(ctx.GPR32(rt)))
			setHiLo(ctx, uint32(result>>32), uint32(result))
			ctx.SetGPR32(rd, uint32(result))
		}, true
	case mips.FnMULTU:
		return func(ctx *cpu.Context, _ uint32) {
			result := uint64(ctx.GPR32(rs)) * uint64(ctx.GPR32(rt))
			setHiLo(ctx, uint32(result>>32), uint32(result))
			ctx.SetGPR32(rd, uint32(result))
		}, true
	case mips.FnDIV:
		return func(ctx *cpu.Context, _ uint32) {
			dividend, divisor := int32(ctx.GPR32(rs)), int32(ctx.GPR32(rt))
			if divisor == 0 || (dividend == -1<<31 && divisor == -1) {
				return
			}
			setHiLo(ctx, uint32(dividend%divisor), uint32(dividend/divisor))
		}, true
	case mips.FnDIVU:
		return func(ctx *cpu.Context, _ uint32) {
			dividend, divisor := ctx.GPR32(rs), ctx.GPR32(rt)
			if divisor == 0 {
				return
			}
			setHiLo(ctx, dividend%divisor, dividend/divisor)
		}, true

	case mips.FnADD, mips.FnADDU:
		return func(ctx *cpu.Context, _ uint32) { ctx.SetGPR32(rd, ctx.GPR32(rs)+ctx.GPR32(rt)) }, true
	case mips.FnSUB, mips.FnSUBU:
		return func(ctx *cpu.Context, _ uint32) { ctx.SetGPR32(rd, ctx.GPR32(rs)-ctx.GPR32(rt)) }, true
	case mips.FnDADDU:
		return func(ctx *cpu.Context, _ uint32) { ctx.SetGPR64(rd, gpr(ctx, rs)+gpr(ctx, rt)) }, true
	case mips.FnAND:
		return func(ctx *cpu.Context, _ uint32) { ctx.SetGPR64(rd, gpr(ctx, rs)&gpr(ctx, rt)) }, true
	case mips.FnOR:
		return func(ctx *cpu.Context, _ uint32) { ctx.SetGPR64(rd, gpr(ctx, rs)|gpr(ctx, rt)) }, true
	case mips.FnXOR:
		return func(ctx *cpu.Context, _ uint32) { ctx.SetGPR64(rd, gpr(ctx, rs)^gpr(ctx, rt)) }, true
	case mips.FnNOR:
		return func(ctx *cpu.Context, _ uint32) { ctx.SetGPR64(rd, ^(gpr(ctx, rs) | gpr(ctx, rt))) }, true
	case mips.FnSLT:
		return func(ctx *cpu.Context, _ uint32) {
			ctx.SetGPR64(rd, boolValue(int64(gpr(ctx, rs)) < int64(gpr(ctx, rt))))
		}, true
	case mips.FnSLTU:
		return func(ctx *cpu.Context, _ uint32) { ctx.SetGPR64(rd, boolValue(gpr(ctx, rs) < gpr(ctx, rt))) }, true
	}
	return nil, false
}

func decodeRegImm(op uint32) (instruction, bool) {
	rs := mips.RS(op)
	lessThanZero := func(ctx *cpu.Context) bool { return int64(gpr(ctx, rs)) < 0 }
	notLessThanZero := func(ctx *cpu.Context) bool { return int64(gpr(ctx, rs)) >= 0 }

	switch mips.RT(op) {
	case mips.RtBLTZ, mips.RtBLTZL:
		return branch(op, lessThanZero), true
	case mips.RtBGEZ, mips.RtBGEZL:
		return branch(op, notLessThanZero), true
	case mips.RtBLTZAL, mips.RtBLTZALL:
		return link(branch(op, lessThanZero)), true
	case mips.RtBGEZAL, mips.RtBGEZALL:
		return link(branch(op, notLessThanZero)), true
	}
	return nil, false
}

func decodeCOP0(op uint32) (instruction, bool) {
	rt, rd := mips.RT(op), mips.RD(op)

	switch mips.RS(op) {
	case mips.CopMF:
		return func(ctx *cpu.Context, _ uint32) { ctx.SetGPR32(rt, ctx.COP0[rd]) }, true

	case mips.CopMT:
		return func(ctx *cpu.Context, _ uint32) {
			ctx.COP0[rd] = ctx.GPR32(rt)
			if rd == cpu.COP0Status {
				ctx.Exception = cpu.ExceptionCheckPendingInt
			}
		}, true

	case mips.CopCO:
		switch mips.Funct(op) {
		case fnERET:
			return eret, true
		case fnEI:
			return func(ctx *cpu.Context, _ uint32) {
				ctx.COP0[cpu.COP0Status] |= cpu.StatusEIE
				ctx.Exception = cpu.ExceptionCheckPendingInt
			}, true
		case fnDI:
			return func(ctx *cpu.Context, _ uint32) {
				ctx.COP0[cpu.COP0Status] &^= cpu.StatusEIE
			}, true
		}
	}
	return nil, false
}

func decodeCOP2(op uint32) (instruction, bool) {
	if op&copCOBit == 0 {
		return nil, false
	}

	if mips.Funct(op) == fnVCALLMS {
		address := (op >> 6 & 0x7FFF) * 8
		return func(ctx *cpu.Context, _ uint32) { callMicroSubroutine(ctx, address) }, true
	}
	return nil, false
}

// callMicroSubroutine stops the processor until vector unit 0 ran the micro
// program at the address.
func callMicroSubroutine(ctx *cpu.Context, address uint32) {
	ctx.CallMsAddr = address
	ctx.CallMsEnabled = true
	ctx.Exception = cpu.ExceptionCallMs
}

func eret(ctx *cpu.Context, _ uint32) {
	status := ctx.COP0[cpu.COP0Status]
	if status&cpu.StatusERL != 0 {
		ctx.PC = ctx.COP0[cpu.COP0ErrorEPC]
		ctx.COP0[cpu.COP0Status] = status &^ cpu.StatusERL
	} else {
		ctx.PC = ctx.COP0[cpu.COP0EPC]
		ctx.COP0[cpu.COP0Status] = status &^ cpu.StatusEXL
	}
	ctx.Exception = cpu.ExceptionReturnFromException
}

// branch returns a conditional branch. Taken branches jump after the delay
// slot, not taken likely branches skip it.
func branch(op uint32, condition func(ctx *cpu.Context) bool) instruction {
	likely := isLikely(op)
	return func(ctx *cpu.Context, pc uint32) {
		switch {
		case condition(ctx):
			delayJump(ctx, mips.BranchTarget(pc, op))
		case likely:
			ctx.PC = pc + 8
		}
	}
}

// link wraps a branch so that it stores the return address first.
func link(ins instruction) instruction {
	return func(ctx *cpu.Context, pc uint32) {
		ctx.SetGPR32(cpu.RegRA, pc+8)
		ins(ctx, pc)
	}
}

func isLikely(op uint32) bool {
	switch mips.Opcode(op) {
	case mips.OpBEQL, mips.OpBNEL, mips.OpBLEZL, mips.OpBGTZL:
		return true
	case mips.OpRegImm:
		switch mips.RT(op) {
		case mips.RtBLTZL, mips.RtBGEZL, mips.RtBLTZALL, mips.RtBGEZALL:
			return true
		}
	}
	return false
}

func delayJump(ctx *cpu.Context, target uint32) {
	ctx.HasDelayed = true
	ctx.DelayedJump = target
}

func gpr(ctx *cpu.Context, index int) uint64 {
	return ctx.GPR[index][0]
}

func setHiLo(ctx *cpu.Context, hi, lo uint32) {
	ctx.HI[0] = uint64(int64(int32(hi)))
	ctx.LO[0] = uint64(int64(int32(lo)))
}

func boolValue(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}
