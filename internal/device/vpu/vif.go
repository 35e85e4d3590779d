package vpu

import (
	"encoding/binary"

	"github.com/retroenv/retroee/internal/device/dmac"
	"github.com/retroenv/retrogolib/log"
)

// VIF register offsets from the unit base address.
const (
	vifStat  = 0x00
	vifFBRST = 0x10
	vifErr   = 0x20
	vifMark  = 0x30
	vifCycle = 0x40
	vifMode  = 0x50
	vifNum   = 0x60
	vifMask  = 0x70
	vifCode  = 0x80
	vifITOPS = 0x90
	vifBase  = 0xA0
	vifOfst  = 0xB0
	vifTOPS  = 0xC0
	vifITOP  = 0xD0
	vifTOP   = 0xE0
	vifR0    = 0x100
	vifC0    = 0x140
	vifEnd   = 0x180
)

// Register and FIFO windows of both units.
var (
	registerBase = [2]uint32{0x10003800, 0x10003C00}
	fifoBase     = [2]uint32{0x10004000, 0x10005000}
)

const fifoWindow = 0x1000

// VIF codes.
const (
	codeNOP      = 0x00
	codeSTCYCL   = 0x01
	codeOFFSET   = 0x02
	codeBASE     = 0x03
	codeITOP     = 0x04
	codeSTMOD    = 0x05
	codeMSKPATH3 = 0x06
	codeMARK     = 0x07
	codeFLUSHE   = 0x10
	codeFLUSH    = 0x11
	codeFLUSHA   = 0x13
	codeMSCAL    = 0x14
	codeMSCALF   = 0x15
	codeMSCNT    = 0x17
	codeSTMASK   = 0x20
	codeSTROW    = 0x30
	codeSTCOL    = 0x31
	codeMPG      = 0x4A
	codeDIRECT   = 0x50
	codeDIRECTHL = 0x51
	codeUNPACK   = 0x60
)

const (
	statVPSWait = 0x3
	statINT     = 1 << 11
	fbrstReset  = 1 << 0
	fbrstSTC    = 1 << 3

	stagingSize = 0x1000
	backlogSize = 0x100
)

// pendingCommand is a VIF code waiting for its data words.
type pendingCommand struct {
	Code      uint32
	Remaining uint32
	Staged    uint32
	// Direct assembles DIRECT quad words.
	Direct      [4]uint32
	DirectCount uint32
}

type vifState struct {
	Stat  uint32
	Err   uint32
	Mark  uint32
	Cycle uint32
	Mode  uint32
	Num   uint32
	Mask  uint32
	Code  uint32
	ITOPS uint32
	Base  uint32
	Ofst  uint32
	TOPS  uint32
	ITOP  uint32
	TOP   uint32
	Row   [4]uint32
	Col   [4]uint32
	DBF   bool

	MaskPath3 bool
	Waiting   bool

	Cmd     pendingCommand
	Staging [stagingSize]byte

	// Skip is the number of words of the next DMA quad word that were
	// already processed.
	Skip uint32

	// FIFO assembles quad words written through the FIFO port, Backlog
	// holds FIFO data that could not be processed yet.
	FIFO       [4]uint32
	FIFOCount  uint32
	Backlog    [backlogSize]byte
	BacklogLen uint32
}

// IsWaitingForProgramEnd returns whether the VIF stalls on a code that needs
// the micro program to finish.
func (v *VPU) IsWaitingForProgramEnd() bool {
	return v.VIF.Waiting && v.Run.Running
}

// GetITOP returns the ITOP register.
func (v *VPU) GetITOP() uint32 {
	return v.VIF.ITOP
}

// GetTOP returns the TOP register.
func (v *VPU) GetTOP() uint32 {
	return v.VIF.TOP
}

// ReceiveDMA processes quad words of the VIF DMA channel.
func (v *VPU) ReceiveDMA(address, qwc, _ uint32, tagIncluded bool) uint32 {
	if tagIncluded {
		// only the upper half of a DMA tag carries VIF codes
		qw := v.dmaMemory(address, 1)
		if qw == nil {
			return 1
		}
		skip := max(v.VIF.Skip, 2)
		consumed := v.processWords(qw[skip*4:])
		if skip+consumed < 4 {
			v.VIF.Skip = skip + consumed
			return 0
		}
		v.VIF.Skip = 0
		return 1
	}

	data := v.dmaMemory(address, qwc)
	if data == nil {
		v.logger.Warn("VIF DMA outside of memory",
			log.Int("unit", v.number),
			log.Hex("address", address))
		return qwc
	}

	skip := v.VIF.Skip
	consumed := skip + v.processWords(data[skip*4:])
	v.VIF.Skip = consumed % 4
	return consumed / 4
}

func (v *VPU) dmaMemory(address, qwc uint32) []byte {
	return v.dma.QuadWords(address, qwc)
}

// processWords runs VIF codes from the data and returns the number of words
// consumed. It stops early when a code has to wait for the micro program.
func (v *VPU) processWords(data []byte) uint32 {
	var consumed uint32
	for len(data) >= 4 {
		word := binary.LittleEndian.Uint32(data)
		if v.VIF.Cmd.Remaining > 0 {
			v.feed(word)
		} else if !v.startCode(word) {
			return consumed
		}
		data = data[4:]
		consumed++
	}
	return consumed
}

// startCode decodes a VIF code. It returns false when the code has to wait
// for the running micro program to end.
func (v *VPU) startCode(word uint32) bool {
	cmd := (word >> 24) & 0x7F
	imm := word & 0xFFFF
	num := (word >> 16) & 0xFF

	if isWaitCode(cmd) && v.Run.Running {
		v.VIF.Waiting = true
		v.VIF.Stat = v.VIF.Stat&^statVPSWait | 1
		return false
	}
	v.VIF.Waiting = false
	v.VIF.Code = word
	v.VIF.Stat &^= statVPSWait

	if word&(1<<31) != 0 && v.intc != nil {
		v.VIF.Stat |= statINT
		v.intc.AssertLine(v.interruptLine())
	}

	switch {
	case cmd == codeNOP, cmd == codeFLUSHE, cmd == codeFLUSH, cmd == codeFLUSHA:
	case cmd == codeSTCYCL:
		v.VIF.Cycle = imm
	case cmd == codeOFFSET:
		v.VIF.Ofst = imm & 0x3FF
		v.VIF.DBF = false
		v.VIF.TOPS = v.VIF.Base
	case cmd == codeBASE:
		v.VIF.Base = imm & 0x3FF
	case cmd == codeITOP:
		v.VIF.ITOPS = imm & 0x3FF
	case cmd == codeSTMOD:
		v.VIF.Mode = imm & 3
	case cmd == codeMSKPATH3:
		v.VIF.MaskPath3 = imm&(1<<15) != 0
	case cmd == codeMARK:
		v.VIF.Mark = imm
	case cmd == codeMSCAL, cmd == codeMSCALF:
		v.ExecuteMicroProgram(imm * instructionSize)
	case cmd == codeMSCNT:
		v.ExecuteMicroProgram(v.Run.LastEnd)
	case cmd == codeSTMASK:
		v.expect(1)
	case cmd == codeSTROW, cmd == codeSTCOL:
		v.expect(4)
	case cmd == codeMPG:
		v.expect(countOrMax(num, 256) * 2)
	case cmd == codeDIRECT, cmd == codeDIRECTHL:
		v.expect(countOrMax(imm, 65536) * 4)
	case cmd&codeUNPACK == codeUNPACK:
		v.VIF.Num = countOrMax(num, 256)
		v.expect(v.unpackWords(cmd, v.VIF.Num))
	default:
		v.logger.Warn("unknown VIF code",
			log.Int("unit", v.number),
			log.Hex("code", word))
	}
	return true
}

func isWaitCode(cmd uint32) bool {
	switch cmd {
	case codeFLUSHE, codeFLUSH, codeFLUSHA, codeMSCAL, codeMSCALF, codeMSCNT, codeMPG:
		return true
	default:
		return false
	}
}

// countOrMax interprets a zero count field as the maximum.
func countOrMax(n, maximum uint32) uint32 {
	if n == 0 {
		return maximum
	}
	return n
}

func (v *VPU) expect(words uint32) {
	v.VIF.Cmd = pendingCommand{
		Code:      v.VIF.Code,
		Remaining: words,
	}
	if words == 0 {
		v.finishCommand()
	}
}

// feed passes a data word to the pending command.
func (v *VPU) feed(word uint32) {
	c := &v.VIF.Cmd
	cmd := (c.Code >> 24) & 0x7F
	c.Remaining--

	if cmd == codeDIRECT || cmd == codeDIRECTHL {
		c.Direct[c.DirectCount] = word
		c.DirectCount++
		if c.DirectCount == 4 {
			var qw [dmac.QuadWord]byte
			for i, w := range c.Direct {
				binary.LittleEndian.PutUint32(qw[i*4:], w)
			}
			if v.gif != nil {
				v.gif.ProcessPath(qw[:])
			}
			c.DirectCount = 0
		}
	} else if c.Staged+4 <= stagingSize {
		binary.LittleEndian.PutUint32(v.VIF.Staging[c.Staged:], word)
		c.Staged += 4
	}

	if c.Remaining == 0 {
		v.finishCommand()
	}
}

func (v *VPU) finishCommand() {
	c := &v.VIF.Cmd
	cmd := (c.Code >> 24) & 0x7F
	imm := c.Code & 0xFFFF
	staged := v.VIF.Staging[:c.Staged]

	switch {
	case cmd == codeSTMASK:
		v.VIF.Mask = binary.LittleEndian.Uint32(staged)
	case cmd == codeSTROW:
		readWords(v.VIF.Row[:], staged)
	case cmd == codeSTCOL:
		readWords(v.VIF.Col[:], staged)
	case cmd == codeMPG:
		v.loadMicroCode(imm*instructionSize, staged)
	case cmd&codeUNPACK == codeUNPACK:
		v.unpack(cmd, imm, v.VIF.Num, staged)
	}
	*c = pendingCommand{}
}

func readWords(dst []uint32, data []byte) {
	for i := range dst {
		dst[i] = binary.LittleEndian.Uint32(data[i*4:])
	}
}

func (v *VPU) loadMicroCode(address uint32, code []byte) {
	mask := uint32(len(v.microMem) - 1)
	for i, b := range code {
		v.microMem[(address+uint32(i))&mask] = b
	}
	v.InvalidateMicroProgram(address, address+uint32(len(code)))
}

// vifProgramStarted latches the TOP registers when a program starts.
func (v *VPU) vifProgramStarted() {
	v.VIF.ITOP = v.VIF.ITOPS
	if v.number == 1 {
		v.VIF.TOP = v.VIF.TOPS
		v.VIF.DBF = !v.VIF.DBF
		if v.VIF.DBF {
			v.VIF.TOPS = v.VIF.Base + v.VIF.Ofst
		} else {
			v.VIF.TOPS = v.VIF.Base
		}
	}
}

// registerOffset returns the offset of an address in the register window of
// the unit.
func (v *VPU) registerOffset(address uint32) (uint32, bool) {
	base := registerBase[v.number]
	if address < base || address >= base+vifEnd {
		return 0, false
	}
	return address - base, true
}

// GetRegister reads a VIF register.
func (v *VPU) GetRegister(address uint32) uint32 {
	offset, ok := v.registerOffset(address)
	if !ok {
		v.logger.Warn("reading unknown VIF register",
			log.Int("unit", v.number),
			log.Hex("address", address))
		return 0
	}

	f := &v.VIF
	switch {
	case offset == vifStat:
		stat := f.Stat
		if f.DBF {
			stat |= 1 << 7
		}
		return stat
	case offset == vifErr:
		return f.Err
	case offset == vifMark:
		return f.Mark
	case offset == vifCycle:
		return f.Cycle
	case offset == vifMode:
		return f.Mode
	case offset == vifNum:
		return f.Num
	case offset == vifMask:
		return f.Mask
	case offset == vifCode:
		return f.Code
	case offset == vifITOPS:
		return f.ITOPS
	case offset == vifBase:
		return f.Base
	case offset == vifOfst:
		return f.Ofst
	case offset == vifTOPS:
		return f.TOPS
	case offset == vifITOP:
		return f.ITOP
	case offset == vifTOP:
		return f.TOP
	case offset >= vifR0 && offset < vifC0:
		return f.Row[(offset-vifR0)/0x10]
	case offset >= vifC0:
		return f.Col[(offset-vifC0)/0x10]
	default:
		return 0
	}
}

// SetRegister writes a VIF register or the FIFO port of the unit.
func (v *VPU) SetRegister(address, value uint32) {
	fifo := fifoBase[v.number]
	if address >= fifo && address < fifo+fifoWindow {
		v.writeFIFO(address, value)
		return
	}

	offset, ok := v.registerOffset(address)
	if !ok {
		v.logger.Warn("writing unknown VIF register",
			log.Int("unit", v.number),
			log.Hex("address", address),
			log.Hex("value", value))
		return
	}

	switch offset {
	case vifFBRST:
		if value&fbrstReset != 0 {
			v.VIF = vifState{}
		}
		if value&fbrstSTC != 0 {
			v.VIF.Stat &^= statINT
		}
	case vifErr:
		v.VIF.Err = value & 7
	case vifMark:
		v.VIF.Mark = value & 0xFFFF
	default:
		v.logger.Warn("writing read only VIF register",
			log.Int("unit", v.number),
			log.Hex("address", address))
	}
}

func (v *VPU) writeFIFO(address, value uint32) {
	f := &v.VIF
	f.FIFO[(address&0xF)/4] = value
	f.FIFOCount++
	if f.FIFOCount < 4 {
		return
	}
	f.FIFOCount = 0

	if f.BacklogLen+dmac.QuadWord > backlogSize {
		v.logger.Warn("VIF FIFO overflow", log.Int("unit", v.number))
		return
	}
	for i, word := range f.FIFO {
		binary.LittleEndian.PutUint32(f.Backlog[f.BacklogLen+uint32(i)*4:], word)
	}
	f.BacklogLen += dmac.QuadWord
	v.drainFIFO()
}

// drainFIFO processes FIFO port data queued while the VIF was stalled.
func (v *VPU) drainFIFO() {
	f := &v.VIF
	if f.BacklogLen == 0 {
		return
	}
	consumed := v.processWords(f.Backlog[:f.BacklogLen]) * 4
	copy(f.Backlog[:], f.Backlog[consumed:f.BacklogLen])
	f.BacklogLen -= consumed
}
