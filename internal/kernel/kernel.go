// Package kernel implements a minimal high level emulation of the emotion
// engine operating system. It dispatches system calls, enters and leaves
// interrupt handlers registered by the program and translates virtual
// addresses.
//
// All kernel state is kept in the reserved low area of guest RAM, which makes
// it part of every save state without a section of its own.
package kernel

import (
	"encoding/binary"

	"github.com/retroenv/retroee/internal/arch/mips"
	"github.com/retroenv/retroee/internal/consts"
	"github.com/retroenv/retroee/internal/cpu"
	"github.com/retroenv/retroee/internal/device/dmac"
	"github.com/retroenv/retroee/internal/device/intc"
	"github.com/retroenv/retrogolib/log"
)

// Layout of the kernel area in guest RAM.
const (
	kernelAreaSize = 0x2000

	intcHandlers   = 0x1000
	dmacHandlers   = 0x1400
	handlerSlots   = 8
	handlerEntry   = 8
	stateBase      = 0x1800
	customSyscalls = 0x1900
	registerSave   = 0x1C00

	customSyscallCount = 0x80
)

// Kernel state words.
const (
	vsyncFlagPtr = stateBase + iota*4
	vsyncCSRPtr
	heapEnd
	lastThreadID
	lastSemaID
	sleeping
	wakeups
	exited
	lastDMAID
	dispatchActive
	dispatchKind
	dispatchSource
	dispatchSlot
)

const (
	kindINTC = iota
	kindDMAC
)

// Interrupt return stub, placed at the end of the BIOS so that a handler
// returning through ra runs eret.
const (
	stubOffset  = consts.BIOSSize - 0x100
	StubAddress = consts.BIOSAddr + stubOffset
)

const (
	regGP = 28

	prid = 0x2E20

	scratchpadVirtual = 0x70000000
)

// RegisterFile is a device with memory mapped registers.
type RegisterFile interface {
	GetRegister(address uint32) uint32
	SetRegister(address, value uint32)
}

// SIF is the subsystem interface as used by the SIF system calls.
type SIF interface {
	Register(index uint32) uint32
	SetRegister(index, value uint32)
	ReceiveDMA6(address, qwc, direction uint32, tagIncluded bool) uint32
}

// GS gives access to the privileged graphics synthesizer registers.
type GS interface {
	ReadPrivRegister(address uint32) uint32
	WritePrivRegister(address, value uint32)
}

// Dependencies contains the devices used by the kernel.
type Dependencies struct {
	INTC RegisterFile
	DMAC RegisterFile
	SIF  SIF
	GS   GS
	// OnFlushCache is called when the program requests an instruction cache
	// flush.
	OnFlushCache func()
}

// Kernel is the operating system layer of the main processor.
type Kernel struct {
	logger *log.Logger
	ctx    *cpu.Context
	ram    []byte
	bios   []byte

	intc         RegisterFile
	dmac         RegisterFile
	sif          SIF
	gs           GS
	onFlushCache func()

	syscalls map[uint32]syscallFunc
}

// New returns a kernel operating on the processor context and memories.
func New(logger *log.Logger, ctx *cpu.Context, ram, bios []byte) *Kernel {
	return &Kernel{
		logger:   logger,
		ctx:      ctx,
		ram:      ram,
		bios:     bios,
		syscalls: syscallTable(),
	}
}

// InjectDependencies sets the devices used by the kernel.
func (k *Kernel) InjectDependencies(deps Dependencies) {
	k.intc = deps.INTC
	k.dmac = deps.DMAC
	k.sif = deps.SIF
	k.gs = deps.GS
	k.onFlushCache = deps.OnFlushCache
}

// Initialize installs the interrupt return stub and sets up the processor
// for running a program in user mode with interrupts enabled.
func (k *Kernel) Initialize() {
	clear(k.ram[:kernelAreaSize])

	stub := []uint32{mips.OpcodeERET, mips.OpcodeNOP, mips.OpcodeJRRA, mips.OpcodeNOP}
	for i, op := range stub {
		binary.LittleEndian.PutUint32(k.bios[stubOffset+i*4:], op)
	}

	k.ctx.COP0[cpu.COP0Status] = cpu.StatusIE | cpu.StatusEIE
	k.ctx.COP0[cpu.COP0PRId] = prid
	k.ctx.SetGPR32(cpu.RegSP, consts.RAMSize-0x10)
	k.setWord(heapEnd, consts.RAMSize)
}

// Release drops the kernel state.
func (k *Kernel) Release() {
	clear(k.ram[:kernelAreaSize])
	clear(k.bios[stubOffset : stubOffset+0x10])
}

// IsIdle returns whether the program waits in SleepThread or has exited.
func (k *Kernel) IsIdle() bool {
	return k.word(sleeping) != 0 || k.word(exited) != 0
}

// HasExited returns whether the program called Exit.
func (k *Kernel) HasExited() bool {
	return k.word(exited) != 0
}

// TranslateAddress converts a virtual address of the main processor into a
// physical one.
func (k *Kernel) TranslateAddress(address uint32) uint32 {
	switch {
	case address>>14 == scratchpadVirtual>>14:
		return consts.SPRAddr + address&(consts.SPRSize-1)
	case address>>28 == 2, address>>28 == 3:
		// uncached and uncached accelerated RAM mirrors
		return address & 0x0FFFFFFF
	default:
		return address & 0x1FFFFFFF
	}
}

// CheckVBlankFlag reports the vertical blank to a program waiting with
// SetVSyncFlag and returns whether a flag was set.
func (k *Kernel) CheckVBlankFlag() bool {
	flag := k.word(vsyncFlagPtr)
	if flag == 0 {
		return false
	}

	k.writeGuestWord(flag, 1)
	if csr := k.word(vsyncCSRPtr); csr != 0 && k.gs != nil {
		value := uint64(k.gs.ReadPrivRegister(consts.GSCSR))
		k.writeGuestWord(csr, uint32(value))
		k.writeGuestWord(csr+4, uint32(value>>32))
	}
	k.setWord(vsyncFlagPtr, 0)
	k.setWord(vsyncCSRPtr, 0)
	return true
}

// HandleInterrupt enters the first handler registered for the highest
// priority pending interrupt. The interrupt source is acknowledged even when
// no handler is registered.
func (k *Kernel) HandleInterrupt() {
	if !k.ctx.InterruptsEnabled() {
		return
	}

	kind, source, ok := k.pendingSource()
	if !ok {
		return
	}
	k.acknowledge(kind, source)

	slot, handler, arg, ok := k.nextHandler(kind, source, 0)
	if !ok {
		k.logger.Debug("Interrupt without handler",
			log.Int("kind", kind),
			log.Int("source", int(source)))
		return
	}

	k.saveRegisters()
	k.setWord(dispatchActive, 1)
	k.setWord(dispatchKind, uint32(kind))
	k.setWord(dispatchSource, source)
	k.ctx.COP0[cpu.COP0EPC] = k.ctx.PC
	k.callHandler(source, slot, handler, arg)
}

// HandleReturnFromException continues with the next handler registered for
// the interrupt being serviced, or restores the interrupted program.
func (k *Kernel) HandleReturnFromException() {
	if k.word(dispatchActive) == 0 {
		return
	}

	kind := int(k.word(dispatchKind))
	source := k.word(dispatchSource)
	if slot, handler, arg, ok := k.nextHandler(kind, source, k.word(dispatchSlot)+1); ok {
		k.callHandler(source, slot, handler, arg)
		return
	}

	k.restoreRegisters()
	k.setWord(dispatchActive, 0)
}

func (k *Kernel) callHandler(source, slot, handler, arg uint32) {
	k.setWord(dispatchSlot, slot)
	k.ctx.COP0[cpu.COP0Status] |= cpu.StatusEXL
	k.ctx.SetGPR32(cpu.RegA0, source)
	k.ctx.SetGPR32(cpu.RegA1, arg)
	k.ctx.SetGPR32(cpu.RegRA, StubAddress)
	k.ctx.PC = handler
}

// pendingSource returns the lowest pending INTC line, or the lowest pending
// DMAC channel when no line is pending.
func (k *Kernel) pendingSource() (int, uint32, bool) {
	if k.intc != nil {
		lines := k.intc.GetRegister(intc.RegStat) & k.intc.GetRegister(intc.RegMask)
		for line := range uint32(intc.LineCount) {
			if lines&(1<<line) != 0 {
				return kindINTC, line, true
			}
		}
	}
	if k.dmac != nil {
		stat := k.dmac.GetRegister(dmac.RegStat)
		channels := stat & (stat >> 16) & 0x3FF
		for ch := range uint32(dmac.ChannelCount) {
			if channels&(1<<ch) != 0 {
				return kindDMAC, ch, true
			}
		}
	}
	return 0, 0, false
}

func (k *Kernel) acknowledge(kind int, source uint32) {
	if kind == kindINTC {
		k.intc.SetRegister(intc.RegStat, 1<<source)
		return
	}
	k.dmac.SetRegister(dmac.RegStat, 1<<source)
}

func handlerBase(kind int) uint32 {
	if kind == kindDMAC {
		return dmacHandlers
	}
	return intcHandlers
}

func handlerAddress(kind int, source, slot uint32) uint32 {
	return handlerBase(kind) + (source*handlerSlots+slot)*handlerEntry
}

// addHandler registers a handler in the first free slot and returns its id,
// or zero when all slots are taken.
func (k *Kernel) addHandler(kind int, source, handler, arg uint32) uint32 {
	if source >= handlerSources(kind) {
		return 0
	}
	for slot := range uint32(handlerSlots) {
		entry := handlerAddress(kind, source, slot)
		if k.word(entry) != 0 {
			continue
		}
		k.setWord(entry, handler)
		k.setWord(entry+4, arg)
		return slot + 1
	}
	return 0
}

func (k *Kernel) removeHandler(kind int, source, id uint32) bool {
	if source >= handlerSources(kind) || id == 0 || id > handlerSlots {
		return false
	}
	entry := handlerAddress(kind, source, id-1)
	if k.word(entry) == 0 {
		return false
	}
	k.setWord(entry, 0)
	k.setWord(entry+4, 0)
	return true
}

// nextHandler returns the first registered handler at or after the slot.
func (k *Kernel) nextHandler(kind int, source, start uint32) (slot, handler, arg uint32, ok bool) {
	for slot = start; slot < handlerSlots; slot++ {
		entry := handlerAddress(kind, source, slot)
		if handler = k.word(entry); handler != 0 {
			return slot, handler, k.word(entry + 4), true
		}
	}
	return 0, 0, 0, false
}

func handlerSources(kind int) uint32 {
	if kind == kindDMAC {
		return dmac.ChannelCount
	}
	return intc.LineCount
}

// saveRegisters stores the general purpose registers, HI and LO.
func (k *Kernel) saveRegisters() {
	offset := uint32(registerSave)
	store := func(value [2]uint64) {
		binary.LittleEndian.PutUint64(k.ram[offset:], value[0])
		binary.LittleEndian.PutUint64(k.ram[offset+8:], value[1])
		offset += 16
	}
	for _, reg := range k.ctx.GPR {
		store(reg)
	}
	store(k.ctx.HI)
	store(k.ctx.LO)
}

func (k *Kernel) restoreRegisters() {
	offset := uint32(registerSave)
	load := func(value *[2]uint64) {
		value[0] = binary.LittleEndian.Uint64(k.ram[offset:])
		value[1] = binary.LittleEndian.Uint64(k.ram[offset+8:])
		offset += 16
	}
	for i := range k.ctx.GPR {
		load(&k.ctx.GPR[i])
	}
	load(&k.ctx.HI)
	load(&k.ctx.LO)
}

// word reads a word of the kernel area.
func (k *Kernel) word(address uint32) uint32 {
	return binary.LittleEndian.Uint32(k.ram[address:])
}

func (k *Kernel) setWord(address, value uint32) {
	binary.LittleEndian.PutUint32(k.ram[address:], value)
}

// guestSlice returns guest RAM at a virtual address, or nil when the range
// is outside of RAM.
func (k *Kernel) guestSlice(address, size uint32) []byte {
	physical := k.TranslateAddress(address)
	if uint64(physical)+uint64(size) > uint64(len(k.ram)) {
		k.logger.Warn("Kernel access outside of RAM",
			log.Hex("address", address),
			log.Int("size", int(size)))
		return nil
	}
	return k.ram[physical : physical+size]
}

func (k *Kernel) readGuestWord(address uint32) uint32 {
	b := k.guestSlice(address, 4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (k *Kernel) writeGuestWord(address, value uint32) {
	if b := k.guestSlice(address, 4); b != nil {
		binary.LittleEndian.PutUint32(b, value)
	}
}
