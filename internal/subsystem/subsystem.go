// Package subsystem wires the main processor, the vector units and the
// devices of the emotion engine to a shared bus and drives their execution.
package subsystem

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/retroenv/retroee/internal/arch/mips"
	"github.com/retroenv/retroee/internal/consts"
	"github.com/retroenv/retroee/internal/cpu"
	"github.com/retroenv/retroee/internal/device/dmac"
	"github.com/retroenv/retroee/internal/device/gif"
	"github.com/retroenv/retroee/internal/device/gs"
	"github.com/retroenv/retroee/internal/device/intc"
	"github.com/retroenv/retroee/internal/device/ipu"
	"github.com/retroenv/retroee/internal/device/sif"
	"github.com/retroenv/retroee/internal/device/timer"
	"github.com/retroenv/retroee/internal/device/vpu"
	"github.com/retroenv/retroee/internal/executor"
	"github.com/retroenv/retroee/internal/interp"
	"github.com/retroenv/retroee/internal/kernel"
	"github.com/retroenv/retroee/internal/memmap"
	"github.com/retroenv/retroee/internal/savestate"
	"github.com/retroenv/retrogolib/log"
)

// ErrUnknownException is returned when a block raised an exception that the
// sub system can not dispatch.
var ErrUnknownException = errors.New("unknown exception")

// ErrBIOSTooLarge is returned when a BIOS image does not fit the BIOS area.
var ErrBIOSTooLarge = errors.New("bios image too large")

const (
	// idleCheckThreshold is the number of status register polls from the same
	// instruction after which the processor is considered idle.
	idleCheckThreshold = 5000

	vu1IOPortDefault = 0xCCCCCCCC

	// interruptsEnabledMask are the STATUS bits that have to be set for an
	// unmasking port write to request an interrupt check.
	interruptsEnabledMask = cpu.StatusIE | cpu.StatusEIE
)

// Fake module list of the I/O processor that programs scan for loaded modules.
const (
	fakeIOPModuleInfo = 0x800
	fakeIOPModuleName = 0xC00
)

// OS is the operating system layer that handles system calls and dispatches
// interrupts to the handlers registered by the program.
type OS interface {
	Initialize()
	Release()
	TranslateAddress(address uint32) uint32
	HandleSyscall()
	HandleInterrupt()
	HandleReturnFromException()
	CheckVBlankFlag() bool
	HasExited() bool
}

// Options configures a sub system.
type Options struct {
	// Stdout receives the bytes that programs write to the debug output port.
	// Output is discarded when nil.
	Stdout io.Writer
}

// SubSystem is the emotion engine with its memories and devices.
type SubSystem struct {
	logger *log.Logger
	stdout io.Writer

	RAM        []byte
	BIOS       []byte
	SPR        []byte
	FakeIOPRAM []byte
	VUMem0     []byte
	MicroMem0  []byte
	VUMem1     []byte
	MicroMem1  []byte

	EE  *cpu.Context
	VU0 *cpu.Context
	VU1 *cpu.Context

	Executor *executor.Executor

	DMAC  *dmac.DMAC
	INTC  *intc.INTC
	Timer *timer.Timer
	GS    *gs.GS
	GIF   *gif.GIF
	IPU   *ipu.IPU
	SIF   *sif.SIF
	VPU0  *vpu.VPU
	VPU1  *vpu.VPU

	Kernel *kernel.Kernel
	os     OS

	statusRegisterCheckers map[uint32]uint32
	isIdle                 bool
}

// New returns a sub system with all memories allocated and all devices
// connected. Reset has to be called before executing code.
func New(logger *log.Logger, opts Options) *SubSystem {
	s := &SubSystem{
		logger: logger,
		stdout: opts.Stdout,

		RAM:        make([]byte, consts.RAMSize),
		BIOS:       make([]byte, consts.BIOSSize),
		SPR:        make([]byte, consts.SPRSize),
		FakeIOPRAM: make([]byte, consts.FakeIOPRAMSize),
		VUMem0:     make([]byte, consts.VUMem0Size),
		MicroMem0:  make([]byte, consts.MicroMem0Size),
		VUMem1:     make([]byte, consts.VUMem1Size),
		MicroMem1:  make([]byte, consts.MicroMem1Size),

		statusRegisterCheckers: map[uint32]uint32{},
	}
	if s.stdout == nil {
		s.stdout = io.Discard
	}

	s.EE = cpu.New(s.eeMemoryMap())
	s.VU0 = cpu.New(s.vu0MemoryMap())
	s.VU1 = cpu.New(s.vu1MemoryMap())

	s.createDevices()

	s.Kernel = kernel.New(logger, s.EE, s.RAM, s.BIOS)
	s.Kernel.InjectDependencies(kernel.Dependencies{
		INTC:         s.INTC,
		DMAC:         s.DMAC,
		SIF:          s.SIF,
		GS:           s.GS,
		OnFlushCache: s.FlushInstructionCache,
	})
	s.os = s.Kernel
	s.EE.Translator = s.os.TranslateAddress

	s.Executor = executor.New(logger, s.EE, mips.New(), interp.New(logger, s.EE.Memory))
	return s
}

func (s *SubSystem) createDevices() {
	memory := dmac.Memory{RAM: s.RAM, SPR: s.SPR}

	s.DMAC = dmac.New(s.logger, memory)
	s.INTC = intc.New(s.logger, s.DMAC)
	s.Timer = timer.New(s.logger, s.INTC)
	s.GS = gs.New(s.logger)
	s.GIF = gif.New(s.logger, s.GS, memory)
	s.IPU = ipu.New(s.logger, memory, s.INTC)
	s.SIF = sif.New(s.logger, memory)

	s.VPU0 = vpu.New(s.logger, 0, s.VU0, s.VUMem0, s.MicroMem0)
	s.VPU0.InjectDependencies(vpu.Dependencies{
		Memory:         memory,
		Interrupts:     s.INTC,
		GIF:            s.GIF,
		OnStateChanged: s.copyVU0State,
	})
	s.VPU1 = vpu.New(s.logger, 1, s.VU1, s.VUMem1, s.MicroMem1)
	s.VPU1.InjectDependencies(vpu.Dependencies{
		Memory:     memory,
		Interrupts: s.INTC,
		GIF:        s.GIF,
	})

	s.DMAC.SetChannelTransferFunction(dmac.ChannelVIF0, s.VPU0.ReceiveDMA)
	s.DMAC.SetChannelTransferFunction(dmac.ChannelVIF1, s.VPU1.ReceiveDMA)
	s.DMAC.SetChannelTransferFunction(dmac.ChannelGIF, s.GIF.ReceiveDMA)
	s.DMAC.SetChannelTransferFunction(dmac.ChannelToIPU, s.IPU.ReceiveDMA4)
	s.DMAC.SetChannelTransferFunction(dmac.ChannelSIF0, s.SIF.ReceiveDMA5)
	s.DMAC.SetChannelTransferFunction(dmac.ChannelSIF1, s.SIF.ReceiveDMA6)

	s.IPU.SetDMA3ReceiveHandler(s.DMAC.ResumeDMA3)
}

func (s *SubSystem) eeMemoryMap() *memmap.Map {
	m := memmap.New(s.logger, "ee")

	m.InsertReadMap(0, consts.RAMSize-1, s.RAM)
	m.InsertReadMap(consts.SPRAddr, consts.SPRAddr+consts.SPRSize-1, s.SPR)
	m.InsertReadHandler(consts.IOPortStart, consts.IOPortEnd, s.ioPortReadHandler)
	m.InsertReadMap(consts.MicroMem0Addr, consts.MicroMem0Addr+consts.MicroMem0Size-1, s.MicroMem0)
	m.InsertReadMap(consts.VUMem0Addr, consts.VUMem0Addr+consts.VUMem0Size-1, s.VUMem0)
	m.InsertReadMap(consts.MicroMem1Addr, consts.MicroMem1Addr+consts.MicroMem1Size-1, s.MicroMem1)
	m.InsertReadMap(consts.VUMem1Addr, consts.VUMem1Addr+consts.VUMem1Size-1, s.VUMem1)
	m.InsertReadHandler(consts.GSPrivStart, consts.GSPrivEnd, s.ioPortReadHandler)
	m.InsertReadMap(consts.FakeIOPRAMAddr, consts.FakeIOPRAMAddr+consts.FakeIOPRAMSize-1, s.FakeIOPRAM)
	m.InsertReadMap(consts.BIOSAddr, consts.BIOSAddr+consts.BIOSSize-1, s.BIOS)

	m.InsertWriteMap(0, consts.RAMSize-1, s.RAM)
	m.InsertWriteMap(consts.SPRAddr, consts.SPRAddr+consts.SPRSize-1, s.SPR)
	m.InsertWriteHandler(consts.IOPortStart, consts.IOPortEnd, s.ioPortWriteHandler)
	m.InsertWriteHandler(consts.MicroMem0Addr, consts.MicroMem0Addr+consts.MicroMem0Size-1, s.microMem0WriteHandler)
	m.InsertWriteMap(consts.VUMem0Addr, consts.VUMem0Addr+consts.VUMem0Size-1, s.VUMem0)
	m.InsertWriteHandler(consts.MicroMem1Addr, consts.MicroMem1Addr+consts.MicroMem1Size-1, s.microMem1WriteHandler)
	m.InsertWriteMap(consts.VUMem1Addr, consts.VUMem1Addr+consts.VUMem1Size-1, s.VUMem1)
	m.InsertWriteHandler(consts.GSPrivStart, consts.GSPrivEnd, s.ioPortWriteHandler)

	m.InsertInstructionMap(0, consts.RAMSize-1, s.RAM)
	m.InsertInstructionMap(consts.BIOSAddr, consts.BIOSAddr+consts.BIOSSize-1, s.BIOS)

	m.Seal()
	return m
}

func (s *SubSystem) vu0MemoryMap() *memmap.Map {
	m := memmap.New(s.logger, "vu0")

	// the data memory is mirrored four times below the I/O ports
	for mirror := uint32(0); mirror < 0x4000; mirror += consts.VUMem0Size {
		m.InsertReadMap(mirror, mirror+consts.VUMem0Size-1, s.VUMem0)
		m.InsertWriteMap(mirror, mirror+consts.VUMem0Size-1, s.VUMem0)
	}
	m.InsertReadHandler(0x4000, 0x8FFF, s.vu0IOPortReadHandler)
	m.InsertWriteHandler(0x4000, 0x8FFF, s.vu0IOPortWriteHandler)

	m.InsertInstructionMap(0, consts.MicroMem0Size-1, s.MicroMem0)

	m.Seal()
	return m
}

func (s *SubSystem) vu1MemoryMap() *memmap.Map {
	m := memmap.New(s.logger, "vu1")

	m.InsertReadMap(0, consts.VUMem1Size-1, s.VUMem1)
	m.InsertReadHandler(0x8000, 0x8FFF, s.vu1IOPortReadHandler)
	m.InsertWriteMap(0, consts.VUMem1Size-1, s.VUMem1)
	m.InsertWriteHandler(0x8000, 0x8FFF, s.vu1IOPortWriteHandler)

	m.InsertInstructionMap(0, consts.MicroMem1Size-1, s.MicroMem1)

	m.Seal()
	return m
}

// Reset returns the sub system to the state after power on and initializes
// the operating system layer.
func (s *SubSystem) Reset() {
	s.os.Release()
	s.Executor.Reset()

	clear(s.RAM)
	clear(s.SPR)
	clear(s.FakeIOPRAM)
	clear(s.VUMem0)
	clear(s.MicroMem0)
	clear(s.VUMem1)
	clear(s.MicroMem1)

	s.EE.Reset()
	s.VU0.Reset()
	s.VU1.Reset()

	s.SIF.Reset()
	s.IPU.Reset()
	s.GIF.Reset()
	s.VPU0.Reset()
	s.VPU1.Reset()
	s.DMAC.Reset()
	s.INTC.Reset()
	s.Timer.Reset()
	s.GS.Reset()

	s.os.Initialize()
	s.FillFakeIOPRAM()

	clear(s.statusRegisterCheckers)
	s.isIdle = false
}

// FillFakeIOPRAM writes a loaded module list of the I/O processor containing
// a single module, for programs that check that the serial driver is loaded.
func (s *SubSystem) FillFakeIOPRAM() {
	clear(s.FakeIOPRAM)

	binary.LittleEndian.PutUint32(s.FakeIOPRAM[fakeIOPModuleInfo:], 0) // next module
	binary.LittleEndian.PutUint32(s.FakeIOPRAM[fakeIOPModuleInfo+4:], fakeIOPModuleName)
	copy(s.FakeIOPRAM[fakeIOPModuleName:], "sio2man")
}

// LoadBIOS copies a BIOS image to the start of the BIOS area.
func (s *SubSystem) LoadBIOS(data []byte) error {
	if len(data) > len(s.BIOS) {
		return fmt.Errorf("%w: %d bytes", ErrBIOSTooLarge, len(data))
	}
	copy(s.BIOS, data)
	s.FlushInstructionCache()
	return nil
}

// IsCPUIdle returns whether the main processor waits for an interrupt, either
// because it polls a status register or because the program sleeps.
func (s *SubSystem) IsCPUIdle() bool {
	return s.isIdle || s.Kernel.IsIdle()
}

// HasExited returns whether the program terminated.
func (s *SubSystem) HasExited() bool {
	return s.os.HasExited()
}

// FlushInstructionCache drops all compiled blocks of the main processor.
func (s *SubSystem) FlushInstructionCache() {
	s.Executor.Reset()
}

// copyVU0State moves the vector unit registers between the main processor
// and vector unit 0 when a micro program starts or stops.
func (s *SubSystem) copyVU0State(running bool) {
	src, dst := &s.VU0.State, &s.EE.State
	if running {
		src, dst = dst, src
	}
	dst.COP2 = src.COP2
	dst.COP2A = src.COP2A
	dst.COP2VI = src.COP2VI
	dst.COP2SF = src.COP2SF
	dst.COP2CF = src.COP2CF
}

// SaveState writes the processors, memories and devices as sections.
func (s *SubSystem) SaveState(w *savestate.Writer) error {
	contexts := []struct {
		name string
		ctx  *cpu.Context
	}{
		{"ee", s.EE},
		{"vu0", s.VU0},
		{"vu1", s.VU1},
	}
	for _, c := range contexts {
		if err := w.WriteStruct(c.name, c.ctx.State); err != nil {
			return fmt.Errorf("saving %s state: %w", c.name, err)
		}
	}

	for _, mem := range s.memorySections() {
		if err := w.WriteSection(mem.name, mem.data); err != nil {
			return fmt.Errorf("saving %s: %w", mem.name, err)
		}
	}

	for _, d := range s.devices() {
		if err := d.SaveState(w); err != nil {
			return err
		}
	}
	return nil
}

// LoadState restores a state written by SaveState. All compiled blocks are
// dropped as the memory contents changed.
func (s *SubSystem) LoadState(r *savestate.Reader) error {
	s.Executor.Reset()

	contexts := []struct {
		name string
		ctx  *cpu.Context
	}{
		{"ee", s.EE},
		{"vu0", s.VU0},
		{"vu1", s.VU1},
	}
	for _, c := range contexts {
		if err := r.ReadStruct(c.name, &c.ctx.State); err != nil {
			return fmt.Errorf("loading %s state: %w", c.name, err)
		}
	}

	for _, mem := range s.memorySections() {
		if err := r.ReadInto(mem.name, mem.data); err != nil {
			return fmt.Errorf("loading %s: %w", mem.name, err)
		}
	}

	for _, d := range s.devices() {
		if err := d.LoadState(r); err != nil {
			return err
		}
	}

	clear(s.statusRegisterCheckers)
	s.isIdle = false
	return nil
}

type memorySection struct {
	name string
	data []byte
}

func (s *SubSystem) memorySections() []memorySection {
	return []memorySection{
		{"ram", s.RAM},
		{"spr", s.SPR},
		{"vumem0", s.VUMem0},
		{"micromem0", s.MicroMem0},
		{"vumem1", s.VUMem1},
		{"micromem1", s.MicroMem1},
	}
}

type stateDevice interface {
	SaveState(w *savestate.Writer) error
	LoadState(r *savestate.Reader) error
}

func (s *SubSystem) devices() []stateDevice {
	return []stateDevice{
		s.DMAC,
		s.INTC,
		s.SIF,
		s.VPU0,
		s.VPU1,
		s.Timer,
		s.GIF,
		s.IPU,
		s.GS,
	}
}
