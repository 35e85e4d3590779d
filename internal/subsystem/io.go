package subsystem

import (
	"encoding/binary"

	"github.com/retroenv/retroee/internal/consts"
	"github.com/retroenv/retroee/internal/cpu"
	"github.com/retroenv/retrogolib/log"
)

func (s *SubSystem) ioPortReadHandler(address, _ uint32) uint32 {
	var value uint32

	switch {
	case address >= consts.TimerStart && address <= consts.TimerEnd:
		value = s.Timer.GetRegister(address)
	case address >= consts.IPUStart && address <= consts.IPUEnd,
		address >= consts.IPUFIFOOut && address <= consts.IPUFIFOEnd:
		value = s.IPU.GetRegister(address)
	case address >= consts.GIFStart && address <= consts.GIFEnd:
		value = s.GIF.GetRegister(address)
	case address >= consts.VIF0Start && address <= consts.VIF0End,
		address >= consts.VIF0FIFO && address <= consts.VIF0FIFOEnd:
		value = s.VPU0.GetRegister(address)
	case address >= consts.VIF1Start && address <= consts.VIF1End,
		address >= consts.VIF1FIFO && address <= consts.VIF1FIFOEnd:
		value = s.VPU1.GetRegister(address)
	case address >= consts.DMACStart && address <= consts.DMACEnd,
		address >= consts.DMACEnableStart && address <= consts.DMACEnableEnd:
		value = s.DMAC.GetRegister(address)
	case address >= consts.INTCStart && address <= consts.INTCEnd:
		value = s.INTC.GetRegister(address)
	case address >= consts.GSPrivStart && address <= consts.GSPrivRegsEnd:
		value = s.GS.ReadPrivRegister(address)
	default:
		s.logger.Warn("Unhandled I/O port read",
			log.String("port", consts.ReadName(address)),
			log.Hex("pc", s.EE.PC))
	}

	if address == consts.INTCStat || address == consts.GSCSR {
		s.countStatusCheck()
	}
	return value
}

// countStatusCheck detects a program polling a status register in a loop
// and stops the processor as idle once the same instruction polled often
// enough.
func (s *SubSystem) countStatusCheck() {
	count := min(s.statusRegisterCheckers[s.EE.PC]+1, idleCheckThreshold)
	s.statusRegisterCheckers[s.EE.PC] = count
	if count == idleCheckThreshold {
		s.EE.Exception = cpu.ExceptionIdle
	}
}

func (s *SubSystem) ioPortWriteHandler(address, value uint32) uint32 {
	switch {
	case address >= consts.TimerStart && address <= consts.TimerEnd:
		s.Timer.SetRegister(address, value)
	case address >= consts.IPUStart && address <= consts.IPUEnd,
		address >= consts.IPUFIFOOut && address <= consts.IPUFIFOEnd:
		s.IPU.SetRegister(address, value)
		s.ExecuteIPU()
	case address >= consts.GIFStart && address <= consts.GIFEnd:
		s.GIF.SetRegister(address, value)
	case address >= consts.VIF0Start && address <= consts.VIF0End,
		address >= consts.VIF0FIFO && address <= consts.VIF0FIFOEnd:
		s.VPU0.SetRegister(address, value)
	case address >= consts.VIF1Start && address <= consts.VIF1End,
		address >= consts.VIF1FIFO && address <= consts.VIF1FIFOEnd:
		s.VPU1.SetRegister(address, value)
	case address >= consts.DMACStart && address <= consts.DMACEnd:
		s.DMAC.SetRegister(address, value)
		s.ExecuteIPU()
	case address >= consts.INTCStart && address <= consts.INTCEnd:
		s.INTC.SetRegister(address, value)
	case address == consts.StdoutPort:
		if _, err := s.stdout.Write([]byte{byte(value)}); err != nil {
			s.logger.Error("Writing program output failed", log.Err(err))
		}
	case address >= consts.DMACEnableStart && address <= consts.DMACEnableEnd:
		s.DMAC.SetRegister(address, value)
	case address == consts.VUCMSAR1:
		if value&7 == 0 && !s.VPU1.IsVuRunning() {
			s.VPU1.ExecuteMicroProgram(value)
		}
	case address >= consts.GSPrivStart && address <= consts.GSPrivRegsEnd:
		s.GS.WritePrivRegister(address, value)
	default:
		s.logger.Warn("Unhandled I/O port write",
			log.String("port", consts.WriteName(address)),
			log.Hex("value", value),
			log.Hex("pc", s.EE.PC))
	}

	// a write can unmask an interrupt that is already pending
	if s.INTC.IsInterruptPending() && s.EE.Exception == cpu.ExceptionNone &&
		s.EE.COP0[cpu.COP0Status]&interruptsEnabledMask == interruptsEnabledMask {
		s.EE.Exception = cpu.ExceptionCheckPendingInt
	}
	return 0
}

func (s *SubSystem) microMem0WriteHandler(address, value uint32) uint32 {
	offset := (address - consts.MicroMem0Addr) &^ 3
	binary.LittleEndian.PutUint32(s.MicroMem0[offset:], value)
	s.VPU0.InvalidateMicroProgram(offset, offset+4)
	return 0
}

func (s *SubSystem) microMem1WriteHandler(address, value uint32) uint32 {
	offset := (address - consts.MicroMem1Addr) &^ 3
	binary.LittleEndian.PutUint32(s.MicroMem1[offset:], value)
	s.VPU1.InvalidateMicroProgram(offset, offset+4)
	return 0
}

func (s *SubSystem) vu0IOPortReadHandler(address, _ uint32) uint32 {
	if address == consts.VUITOP {
		return s.VPU0.GetITOP()
	}
	s.logger.Warn("Unhandled VU0 I/O port read", log.Hex("address", address))
	return 0
}

func (s *SubSystem) vu0IOPortWriteHandler(address, value uint32) uint32 {
	s.logger.Warn("Unhandled VU0 I/O port write",
		log.Hex("address", address),
		log.Hex("value", value))
	return 0
}

func (s *SubSystem) vu1IOPortReadHandler(address, _ uint32) uint32 {
	switch address {
	case consts.VUITOP:
		return s.VPU1.GetITOP()
	case consts.VUTOP:
		return s.VPU1.GetTOP()
	default:
		s.logger.Warn("Unhandled VU1 I/O port read", log.Hex("address", address))
		return vu1IOPortDefault
	}
}

func (s *SubSystem) vu1IOPortWriteHandler(address, value uint32) uint32 {
	if address == consts.VUXGKICK {
		s.VPU1.ProcessXgKick(value)
		return 0
	}
	s.logger.Warn("Unhandled VU1 I/O port write",
		log.Hex("address", address),
		log.Hex("value", value))
	return 0
}
