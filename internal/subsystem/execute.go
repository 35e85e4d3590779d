package subsystem

import (
	"fmt"

	"github.com/retroenv/retroee/internal/cpu"
	"github.com/retroenv/retroee/internal/device/intc"
)

// ExecuteCPU runs the main processor for up to the given number of cycles
// and dispatches the exception that stopped it. It returns the number of
// executed cycles.
func (s *SubSystem) ExecuteCPU(cycles int) (int, error) {
	s.isIdle = false

	executed := 0
	if s.EE.CallMsEnabled {
		if !s.VPU0.IsVuRunning() {
			s.EE.CallMsAddr = s.VU0.PC
			s.EE.CallMsEnabled = false
		}
	} else if s.EE.Exception == cpu.ExceptionNone {
		remaining, err := s.Executor.Execute(cycles)
		executed = cycles - remaining
		if err != nil {
			return executed, fmt.Errorf("executing main processor: %w", err)
		}
	}

	if err := s.dispatchException(); err != nil {
		return executed, err
	}
	return executed, nil
}

func (s *SubSystem) dispatchException() error {
	switch s.EE.Exception {
	case cpu.ExceptionNone:

	case cpu.ExceptionSyscall:
		s.EE.Exception = cpu.ExceptionNone
		s.os.HandleSyscall()

	case cpu.ExceptionCallMs:
		if !s.EE.CallMsEnabled {
			return fmt.Errorf("%w: %s outside of a micro subroutine call at 0x%08X",
				ErrUnknownException, s.EE.Exception, s.EE.PC)
		}
		// the main processor waits in ExecuteCPU until the program ended
		s.VPU0.ExecuteMicroProgram(s.EE.CallMsAddr)
		s.EE.Exception = cpu.ExceptionNone

	case cpu.ExceptionIdle:
		s.isIdle = true
		s.EE.Exception = cpu.ExceptionNone

	case cpu.ExceptionCheckPendingInt:
		s.EE.Exception = cpu.ExceptionNone
		s.CheckPendingInterrupts()

	case cpu.ExceptionReturnFromException:
		s.EE.Exception = cpu.ExceptionNone
		s.os.HandleReturnFromException()
		s.CheckPendingInterrupts()

	default:
		return fmt.Errorf("%w: %s at 0x%08X", ErrUnknownException, s.EE.Exception, s.EE.PC)
	}
	return nil
}

// ExecuteVPU runs both vector units for the given number of cycles.
func (s *SubSystem) ExecuteVPU(cycles int) {
	s.VPU0.Execute(cycles)
	s.VPU1.Execute(cycles)
}

// CountTicks advances the devices by the number of cycles the main
// processor executed and delivers pending interrupts.
func (s *SubSystem) CountTicks(ticks int) {
	if !s.VPU0.IsVuRunning() || !s.VPU0.IsWaitingForProgramEnd() {
		s.DMAC.ResumeDMA0()
	}
	if !s.VPU1.IsVuRunning() || !s.VPU1.IsWaitingForProgramEnd() {
		s.DMAC.ResumeDMA1()
	}
	s.DMAC.ResumeDMA2()
	s.DMAC.ResumeDMA8()

	s.IPU.CountTicks(uint32(ticks))
	s.ExecuteIPU()

	if s.EE.Exception == cpu.ExceptionNone && s.EE.COP0[cpu.COP0Status]&cpu.StatusEXL == 0 {
		s.SIF.ProcessPackets()
	}

	s.EE.COP0[cpu.COP0Count] += uint32(ticks)
	s.Timer.Count(uint32(ticks))
	s.EE.CountPerformance(uint32(ticks))

	s.CheckPendingInterrupts()
}

// ExecuteIPU feeds the image processing unit from its input DMA channel and
// runs commands until one is delayed or the output has to be drained.
func (s *SubSystem) ExecuteIPU() {
	s.DMAC.ResumeDMA4()
	for s.IPU.WillExecuteCommand() {
		s.IPU.ExecuteCommand()
		if s.IPU.IsCommandDelayed() || s.IPU.HasPendingOUTFIFOData() {
			return
		}
		if !s.IPU.WillExecuteCommand() || !s.DMAC.IsDMA4Started() {
			return
		}
		s.DMAC.ResumeDMA4()
	}
}

// CheckPendingInterrupts enters the interrupt handler of the operating
// system when an interrupt is pending and the processor can take it.
func (s *SubSystem) CheckPendingInterrupts() {
	if s.EE.Exception != cpu.ExceptionNone || !s.INTC.IsInterruptPending() {
		return
	}
	if debugger && s.Executor.MustBreak() {
		return
	}
	s.os.HandleInterrupt()
}

// NotifyVBlankStart signals the start of the vertical blank.
func (s *SubSystem) NotifyVBlankStart() {
	s.Timer.NotifyVBlankStart()
	s.GS.NotifyVBlankStart()
	s.INTC.AssertLine(intc.LineVBlankStart)
	if s.os.CheckVBlankFlag() {
		s.CheckPendingInterrupts()
	}
}

// NotifyVBlankEnd signals the end of the vertical blank.
func (s *SubSystem) NotifyVBlankEnd() {
	s.Timer.NotifyVBlankEnd()
	s.INTC.AssertLine(intc.LineVBlankEnd)
}
