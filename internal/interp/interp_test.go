package interp

import (
	"testing"

	"github.com/retroenv/retroee/internal/arch/mips"
	"github.com/retroenv/retroee/internal/cpu"
	"github.com/retroenv/retroee/internal/memmap"
	"github.com/retroenv/retrogolib/assert"
	"github.com/retroenv/retrogolib/log"
)

const (
	regA0 = cpu.RegA0
	regA1 = cpu.RegA1
	regA2 = cpu.RegA2
	regSP = cpu.RegSP
)

func iType(opcode uint32, rs, rt int, imm uint32) uint32 {
	return opcode<<26 | uint32(rs)<<21 | uint32(rt)<<16 | imm&0xFFFF
}

func rType(funct uint32, rs, rt, rd int) uint32 {
	return uint32(rs)<<21 | uint32(rt)<<16 | uint32(rd)<<11 | funct
}

func setup(t *testing.T) (*Compiler, *cpu.Context) {
	t.Helper()
	logger := log.NewTestLogger(t)
	ram := make([]byte, 0x10000)
	memory := memmap.New(logger, "ee")
	memory.InsertReadMap(0, 0xFFFF, ram)
	memory.InsertWriteMap(0, 0xFFFF, ram)
	memory.InsertInstructionMap(0, 0xFFFF, ram)
	return New(logger, memory), cpu.New(memory)
}

func run(t *testing.T, c *Compiler, ctx *cpu.Context, address uint32, code ...uint32) int {
	t.Helper()
	for i, op := range code {
		ctx.Memory.SetWord(address+uint32(i)*4, op)
	}
	u, err := c.Compile(address, address+uint32(len(code)-1)*4)
	assert.NoError(t, err)
	ctx.PC = address
	return u.Execute(ctx)
}

func TestArithmetic(t *testing.T) {
	c, ctx := setup(t)

	cycles := run(t, c, ctx, 0x1000,
		iType(mips.OpLUI, 0, regA0, 0x1234),
		iType(mips.OpORI, regA0, regA0, 0x5678),
		iType(mips.OpADDIU, 0, regA1, 0xFFFF),
		rType(mips.FnADDU, regA0, regA1, regA2),
		rType(mips.FnSLT, regA1, 0, regSP),
	)

	assert.Equal(t, 5, cycles)
	assert.Equal(t, uint32(0x12345678), ctx.GPR32(regA0))
	assert.Equal(t, uint64(0xFFFFFFFFFFFFFFFF), ctx.GPR[regA1][0])
	assert.Equal(t, uint32(0x12345677), ctx.GPR32(regA2))
	assert.Equal(t, uint32(1), ctx.GPR32(regSP))
	assert.Equal(t, uint32(0x1014), ctx.PC)
}

func TestShiftAndMultiply(t *testing.T) {
	c, ctx := setup(t)
	ctx.SetGPR32(regA0, 0x80000000)
	ctx.SetGPR32(regA1, 3)

	run(t, c, ctx, 0x1000,
		0x00043043, // sra $a2, $a0, 1
		rType(mips.FnMULTU, regA1, regA1, 0),
		rType(mips.FnMFLO, 0, 0, regSP),
	)

	assert.Equal(t, uint32(0xC0000000), ctx.GPR32(regA2))
	assert.Equal(t, uint32(9), ctx.GPR32(regSP))
}

func TestLoadStore(t *testing.T) {
	c, ctx := setup(t)
	ctx.SetGPR32(regSP, 0x2000)
	ctx.SetGPR32(regA0, 0xDEADBEEF)

	run(t, c, ctx, 0x1000,
		iType(mips.OpSW, regSP, regA0, 0x10),
		iType(mips.OpLW, regSP, regA1, 0x10),
		iType(mips.OpLB, regSP, regA2, 0x13),
		iType(mips.OpLBU, regSP, regA0, 0x13),
	)

	assert.Equal(t, uint32(0xDEADBEEF), ctx.Memory.GetWord(0x2010))
	assert.Equal(t, uint64(0xFFFFFFFFDEADBEEF), ctx.GPR[regA1][0])
	assert.Equal(t, uint64(0xFFFFFFFFFFFFFFDE), ctx.GPR[regA2][0])
	assert.Equal(t, uint64(0xDE), ctx.GPR[regA0][0])
}

func TestBranchWithDelaySlot(t *testing.T) {
	c, ctx := setup(t)

	cycles := run(t, c, ctx, 0x1000,
		iType(mips.OpBEQ, 0, 0, 2),
		iType(mips.OpADDIU, 0, regA0, 5),
		iType(mips.OpADDIU, 0, regA1, 7),
	)

	assert.Equal(t, 2, cycles)
	assert.Equal(t, uint32(0x100C), ctx.PC)
	assert.Equal(t, uint32(5), ctx.GPR32(regA0))
	assert.Equal(t, uint32(0), ctx.GPR32(regA1))
	assert.False(t, ctx.HasDelayed)
}

func TestBranchNotTaken(t *testing.T) {
	c, ctx := setup(t)

	cycles := run(t, c, ctx, 0x1000,
		iType(mips.OpBNE, 0, 0, 2),
		iType(mips.OpADDIU, 0, regA0, 5),
		iType(mips.OpADDIU, 0, regA1, 7),
	)

	assert.Equal(t, 3, cycles)
	assert.Equal(t, uint32(0x100C), ctx.PC)
	assert.Equal(t, uint32(5), ctx.GPR32(regA0))
	assert.Equal(t, uint32(7), ctx.GPR32(regA1))
}

func TestBranchLikelySkipsDelaySlot(t *testing.T) {
	c, ctx := setup(t)

	cycles := run(t, c, ctx, 0x1000,
		iType(mips.OpBNEL, 0, 0, 2),
		iType(mips.OpADDIU, 0, regA0, 5),
	)

	assert.Equal(t, 1, cycles)
	assert.Equal(t, uint32(0x1008), ctx.PC)
	assert.Equal(t, uint32(0), ctx.GPR32(regA0))
}

func TestJumpAndLink(t *testing.T) {
	c, ctx := setup(t)

	run(t, c, ctx, 0x1000,
		0x0C000800, // jal 0x2000
		mips.OpcodeNOP,
	)

	assert.Equal(t, uint32(0x2000), ctx.PC)
	assert.Equal(t, uint32(0x1008), ctx.GPR32(cpu.RegRA))
}

func TestDelaySlotInNextBlock(t *testing.T) {
	c, ctx := setup(t)

	cycles := run(t, c, ctx, 0x1000, 0x08000800) // j 0x2000
	assert.Equal(t, 1, cycles)
	assert.Equal(t, uint32(0x1004), ctx.PC)
	assert.True(t, ctx.HasDelayed)

	cycles = run(t, c, ctx, 0x1004, iType(mips.OpADDIU, 0, regA0, 1), iType(mips.OpADDIU, 0, regA1, 1))
	assert.Equal(t, 1, cycles)
	assert.Equal(t, uint32(0x2000), ctx.PC)
	assert.Equal(t, uint32(1), ctx.GPR32(regA0))
	assert.Equal(t, uint32(0), ctx.GPR32(regA1))
}

func TestSyscall(t *testing.T) {
	c, ctx := setup(t)

	cycles := run(t, c, ctx, 0x1000,
		iType(mips.OpADDIU, 0, cpu.RegV1, 0x3C),
		0x0000000C, // syscall
		mips.OpcodeNOP,
	)

	assert.Equal(t, 2, cycles)
	assert.Equal(t, cpu.ExceptionSyscall, ctx.Exception)
	assert.Equal(t, uint32(0x1008), ctx.PC)
}

func TestEret(t *testing.T) {
	c, ctx := setup(t)
	ctx.COP0[cpu.COP0EPC] = 0x3000
	ctx.COP0[cpu.COP0Status] = cpu.StatusEXL | cpu.StatusIE

	run(t, c, ctx, 0x1000, mips.OpcodeERET)

	assert.Equal(t, uint32(0x3000), ctx.PC)
	assert.Equal(t, uint32(cpu.StatusIE), ctx.COP0[cpu.COP0Status])
	assert.Equal(t, cpu.ExceptionReturnFromException, ctx.Exception)
}

func TestMoveToStatusChecksInterrupts(t *testing.T) {
	c, ctx := setup(t)
	ctx.SetGPR32(regA0, cpu.StatusIE|cpu.StatusEIE)

	run(t, c, ctx, 0x1000, 0x40846000) // mtc0 $a0, $12

	assert.Equal(t, uint32(cpu.StatusIE|cpu.StatusEIE), ctx.COP0[cpu.COP0Status])
	assert.Equal(t, cpu.ExceptionCheckPendingInt, ctx.Exception)
}

func TestCallMicroSubroutine(t *testing.T) {
	c, ctx := setup(t)

	cycles := run(t, c, ctx, 0x1000,
		0x4A000000|0x20<<6|fnVCALLMS, // vcallms 0x100
		iType(mips.OpADDIU, 0, regA0, 1),
	)

	assert.Equal(t, 1, cycles)
	assert.Equal(t, cpu.ExceptionCallMs, ctx.Exception)
	assert.True(t, ctx.CallMsEnabled)
	assert.Equal(t, uint32(0x100), ctx.CallMsAddr)
	assert.Equal(t, uint32(0x1004), ctx.PC)
}

func TestUnsupportedInstruction(t *testing.T) {
	c, ctx := setup(t)

	cycles := run(t, c, ctx, 0x1000,
		0x4B000000, // cop2 operation
		iType(mips.OpADDIU, 0, regA0, 1),
	)

	assert.Equal(t, 2, cycles)
	assert.Equal(t, uint32(1), ctx.GPR32(regA0))
	assert.True(t, c.unsupported.Contains(0x4B000000))
}
