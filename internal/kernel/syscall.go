package kernel

import (
	"github.com/retroenv/retroee/internal/consts"
	"github.com/retroenv/retroee/internal/cpu"
	"github.com/retroenv/retroee/internal/device/dmac"
	"github.com/retroenv/retroee/internal/device/gs"
	"github.com/retroenv/retroee/internal/device/intc"
	"github.com/retroenv/retrogolib/log"
)

// System call numbers. Interrupt context variants use the negated number.
const (
	SyscallSetGsCrt           = 0x02
	SyscallExit               = 0x04
	SyscallAddIntcHandler     = 0x10
	SyscallRemoveIntcHandler  = 0x11
	SyscallAddDmacHandler     = 0x12
	SyscallRemoveDmacHandler  = 0x13
	SyscallEnableIntc         = 0x14
	SyscallDisableIntc        = 0x15
	SyscallEnableDmac         = 0x16
	SyscallDisableDmac        = 0x17
	SyscallCreateThread       = 0x20
	SyscallStartThread        = 0x22
	SyscallExitThread         = 0x23
	SyscallChangeThreadPrio   = 0x29
	SyscallGetThreadID        = 0x2F
	SyscallReferThreadStatus  = 0x30
	SyscallSleepThread        = 0x32
	SyscallWakeupThread       = 0x33
	SyscallIWakeupThread      = 0x34
	SyscallCancelWakeupThread = 0x35
	SyscallSetupThread        = 0x3C
	SyscallSetupHeap          = 0x3D
	SyscallEndOfHeap          = 0x3E
	SyscallCreateSema         = 0x40
	SyscallDeleteSema         = 0x41
	SyscallSignalSema         = 0x42
	SyscallISignalSema        = 0x43
	SyscallWaitSema           = 0x44
	SyscallPollSema           = 0x45
	SyscallFlushCache         = 0x64
	SyscallIFlushCache        = 0x68
	SyscallGsGetIMR           = 0x70
	SyscallGsPutIMR           = 0x71
	SyscallSetVSyncFlag       = 0x73
	SyscallSetSyscall         = 0x74
	SyscallSifDmaStat         = 0x76
	SyscallSifSetDma          = 0x77
	SyscallSifSetDChain       = 0x78
	SyscallSifSetReg          = 0x79
	SyscallSifGetReg          = 0x7A
	SyscallDeci2Call          = 0x7C
	SyscallGetMemorySize      = 0x7F
)

const sifTransferSize = 16

type syscallFunc func(k *Kernel) uint32

func syscallTable() map[uint32]syscallFunc {
	return map[uint32]syscallFunc{
		SyscallSetGsCrt:           (*Kernel).setGsCrt,
		SyscallExit:               (*Kernel).exit,
		SyscallAddIntcHandler:     (*Kernel).addIntcHandler,
		SyscallRemoveIntcHandler:  (*Kernel).removeIntcHandler,
		SyscallAddDmacHandler:     (*Kernel).addDmacHandler,
		SyscallRemoveDmacHandler:  (*Kernel).removeDmacHandler,
		SyscallEnableIntc:         (*Kernel).enableIntc,
		SyscallDisableIntc:        (*Kernel).disableIntc,
		SyscallEnableDmac:         (*Kernel).enableDmac,
		SyscallDisableDmac:        (*Kernel).disableDmac,
		SyscallCreateThread:       (*Kernel).createThread,
		SyscallStartThread:        returnZero,
		SyscallExitThread:         (*Kernel).exit,
		SyscallGetThreadID:        func(*Kernel) uint32 { return 1 },
		SyscallChangeThreadPrio:   returnZero,
		SyscallReferThreadStatus:  returnZero,
		SyscallSleepThread:        (*Kernel).sleepThread,
		SyscallWakeupThread:       (*Kernel).wakeupThread,
		SyscallIWakeupThread:      (*Kernel).wakeupThread,
		SyscallCancelWakeupThread: (*Kernel).cancelWakeupThread,
		SyscallSetupThread:        (*Kernel).setupThread,
		SyscallSetupHeap:          (*Kernel).setupHeap,
		SyscallEndOfHeap:          func(k *Kernel) uint32 { return k.word(heapEnd) },
		SyscallCreateSema:         (*Kernel).createSema,
		SyscallDeleteSema:         returnSemaID,
		SyscallSignalSema:         returnSemaID,
		SyscallISignalSema:        returnSemaID,
		SyscallWaitSema:           returnSemaID,
		SyscallPollSema:           returnSemaID,
		SyscallFlushCache:         (*Kernel).flushCache,
		SyscallIFlushCache:        (*Kernel).flushCache,
		SyscallGsGetIMR:           (*Kernel).gsGetIMR,
		SyscallGsPutIMR:           (*Kernel).gsPutIMR,
		SyscallSetVSyncFlag:       (*Kernel).setVSyncFlag,
		SyscallSetSyscall:         (*Kernel).setSyscall,
		SyscallSifDmaStat:         func(*Kernel) uint32 { return 0xFFFFFFFF },
		SyscallSifSetDma:          (*Kernel).sifSetDma,
		SyscallSifSetDChain:       returnZero,
		SyscallSifSetReg:          (*Kernel).sifSetReg,
		SyscallSifGetReg:          (*Kernel).sifGetReg,
		SyscallDeci2Call:          returnZero,
		SyscallGetMemorySize:      func(*Kernel) uint32 { return consts.RAMSize },
	}
}

func returnZero(*Kernel) uint32 { return 0 }

func returnSemaID(k *Kernel) uint32 { return k.arg(0) }

// arg returns a call argument register.
func (k *Kernel) arg(index int) uint32 {
	return k.ctx.GPR32(cpu.RegA0 + index)
}

// HandleSyscall runs the system call selected by v1. The result is returned
// in v0. The program counter already points after the syscall instruction.
func (k *Kernel) HandleSyscall() {
	number := int32(k.ctx.GPR32(cpu.RegV1))
	if number < 0 {
		number = -number
	}

	if number < customSyscallCount {
		if handler := k.word(customSyscalls + uint32(number)*4); handler != 0 {
			k.ctx.SetGPR32(cpu.RegRA, k.ctx.PC)
			k.ctx.PC = handler
			return
		}
	}

	fn, ok := k.syscalls[uint32(number)]
	if !ok {
		k.logger.Warn("Unhandled system call",
			log.Hex("number", uint32(number)),
			log.Hex("pc", k.ctx.PC-4))
		k.ctx.SetGPR32(cpu.RegV0, 0)
		return
	}

	k.logger.Debug("System call",
		log.Hex("number", uint32(number)),
		log.Hex("a0", k.arg(0)))
	k.ctx.SetGPR32(cpu.RegV0, fn(k))
}

func (k *Kernel) setGsCrt() uint32 {
	if k.gs != nil {
		interlace, field := k.arg(0)&1, k.arg(2)&1
		k.gs.WritePrivRegister(gs.RegSMode2, interlace|field<<1)
	}
	return 0
}

func (k *Kernel) exit() uint32 {
	k.setWord(exited, 1)
	k.logger.Info("Program exited", log.Hex("code", k.arg(0)))
	return 0
}

func (k *Kernel) addIntcHandler() uint32 {
	return k.addHandler(kindINTC, k.arg(0), k.arg(1), k.arg(3))
}

func (k *Kernel) removeIntcHandler() uint32 {
	k.removeHandler(kindINTC, k.arg(0), k.arg(1))
	return 0
}

func (k *Kernel) addDmacHandler() uint32 {
	return k.addHandler(kindDMAC, k.arg(0), k.arg(1), k.arg(3))
}

func (k *Kernel) removeDmacHandler() uint32 {
	k.removeHandler(kindDMAC, k.arg(0), k.arg(1))
	return 0
}

// setIntcMask enables or disables an INTC line. Mask bits toggle on write.
func (k *Kernel) setIntcMask(enable bool) uint32 {
	line := k.arg(0)
	if line >= intc.LineCount || k.intc == nil {
		return 0
	}
	bit := uint32(1) << line
	enabled := k.intc.GetRegister(intc.RegMask)&bit != 0
	if enabled == enable {
		return 0
	}
	k.intc.SetRegister(intc.RegMask, bit)
	return 1
}

func (k *Kernel) enableIntc() uint32  { return k.setIntcMask(true) }
func (k *Kernel) disableIntc() uint32 { return k.setIntcMask(false) }

// setDmacMask enables or disables a DMAC channel interrupt. Mask bits toggle
// on write.
func (k *Kernel) setDmacMask(enable bool) uint32 {
	ch := k.arg(0)
	if ch >= dmac.ChannelCount || k.dmac == nil {
		return 0
	}
	bit := uint32(1) << (16 + ch)
	enabled := k.dmac.GetRegister(dmac.RegStat)&bit != 0
	if enabled == enable {
		return 0
	}
	k.dmac.SetRegister(dmac.RegStat, bit)
	return 1
}

func (k *Kernel) enableDmac() uint32  { return k.setDmacMask(true) }
func (k *Kernel) disableDmac() uint32 { return k.setDmacMask(false) }

func (k *Kernel) createThread() uint32 {
	id := k.word(lastThreadID) + 1
	if id == 1 {
		// the main thread has id 1
		id = 2
	}
	k.setWord(lastThreadID, id)
	return id
}

// sleepThread consumes a pending wakeup or keeps the program waiting on the
// syscall instruction until it is woken up from an interrupt handler.
func (k *Kernel) sleepThread() uint32 {
	if count := k.word(wakeups); count > 0 {
		k.setWord(wakeups, count-1)
		k.setWord(sleeping, 0)
		return 0
	}
	k.setWord(sleeping, 1)
	k.ctx.PC -= 4
	return 0
}

func (k *Kernel) cancelWakeupThread() uint32 {
	count := k.word(wakeups)
	k.setWord(wakeups, 0)
	return count
}

func (k *Kernel) wakeupThread() uint32 {
	k.setWord(wakeups, k.word(wakeups)+1)
	k.setWord(sleeping, 0)
	return 0
}

// setupThread sets the global pointer and returns the stack pointer of the
// main thread. A stack address of -1 places the stack at the end of RAM.
func (k *Kernel) setupThread() uint32 {
	gp, stack, size := k.arg(0), k.arg(1), k.arg(2)
	k.ctx.SetGPR32(regGP, gp)

	top := stack + size
	if stack == 0xFFFFFFFF {
		top = consts.RAMSize
	}
	return top - 0x2A0
}

func (k *Kernel) setupHeap() uint32 {
	start, size := k.arg(0), k.arg(1)
	end := start + size
	if size == 0xFFFFFFFF {
		end = k.ctx.GPR32(cpu.RegSP)
	}
	k.setWord(heapEnd, end)
	return end
}

func (k *Kernel) createSema() uint32 {
	id := k.word(lastSemaID) + 1
	k.setWord(lastSemaID, id)
	return id
}

func (k *Kernel) flushCache() uint32 {
	if k.onFlushCache != nil {
		k.onFlushCache()
	}
	return 0
}

func (k *Kernel) gsGetIMR() uint32 {
	if k.gs == nil {
		return 0
	}
	return k.gs.ReadPrivRegister(gs.RegIMR)
}

func (k *Kernel) gsPutIMR() uint32 {
	if k.gs != nil {
		k.gs.WritePrivRegister(gs.RegIMR, k.arg(0))
	}
	return 0
}

func (k *Kernel) setVSyncFlag() uint32 {
	k.setWord(vsyncFlagPtr, k.arg(0))
	k.setWord(vsyncCSRPtr, k.arg(1))
	return 0
}

func (k *Kernel) setSyscall() uint32 {
	index, handler := k.arg(0), k.arg(1)
	if index >= customSyscallCount {
		k.logger.Warn("Invalid custom system call", log.Hex("index", index))
		return 0
	}
	k.setWord(customSyscalls+index*4, handler)
	return 0
}

// sifSetDma queues transfers to the IOP. Each transfer descriptor contains
// source, destination, size and attributes.
func (k *Kernel) sifSetDma() uint32 {
	list, count := k.arg(0), k.arg(1)
	if k.sif == nil {
		return 0
	}

	for i := range count {
		descriptor := list + i*sifTransferSize
		src := k.readGuestWord(descriptor)
		size := k.readGuestWord(descriptor + 8)
		qwc := (size + 15) / 16
		k.sif.ReceiveDMA6(k.TranslateAddress(src), qwc, 1, false)
	}

	id := k.word(lastDMAID) + 1
	k.setWord(lastDMAID, id)
	return id
}

func (k *Kernel) sifSetReg() uint32 {
	if k.sif != nil {
		k.sif.SetRegister(k.arg(0), k.arg(1))
	}
	return 1
}

func (k *Kernel) sifGetReg() uint32 {
	if k.sif == nil {
		return 0
	}
	return k.sif.Register(k.arg(0))
}
