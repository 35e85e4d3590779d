// Package ipu implements the image processing unit command engine. Commands
// consume the bitstream queued by the input DMA channel and deliver their
// output through the output DMA channel.
package ipu

import (
	"encoding/binary"
	"fmt"

	"github.com/retroenv/retroee/internal/device/dmac"
	"github.com/retroenv/retroee/internal/device/intc"
	"github.com/retroenv/retroee/internal/savestate"
	"github.com/retroenv/retrogolib/log"
)

// Register addresses.
const (
	RegCmd     = 0x10002000
	RegCmdHigh = 0x10002004
	RegCtrl    = 0x10002010
	RegBP      = 0x10002020
	RegTop     = 0x10002030
	RegTopHigh = 0x10002034

	FIFOOut    = 0x10007000
	FIFOIn     = 0x10007010
	FIFOInEnd  = 0x10007020
	FIFOOutEnd = FIFOIn
)

// Command codes.
const (
	cmdBCLR  = 0x0
	cmdIDEC  = 0x1
	cmdBDEC  = 0x2
	cmdVDEC  = 0x3
	cmdFDEC  = 0x4
	cmdSETIQ = 0x5
	cmdSETVQ = 0x6
	cmdCSC   = 0x7
	cmdPACK  = 0x8
	cmdSETTH = 0x9
)

const (
	ctrlRST  = 1 << 30
	ctrlBusy = 1 << 31
	busyBit  = 1 << 31

	ctrlWritable = 0x0FFF0000
)

// cscTicksPerMacroblock delays the completion of a color space conversion.
const cscTicksPerMacroblock = 0x200

// Interrupts receives the command completion interrupt.
type Interrupts interface {
	AssertLine(line uint32)
}

// OutputFunc delivers decoded data to the output DMA channel and returns the
// number of quad words accepted.
type OutputFunc func(data []byte) uint32

type command struct {
	Word    uint32
	Pending bool
	Started bool
	// Done is set when the work is finished and only the delay remains.
	Done   bool
	Result uint32
	// Delay holds the ticks until a finished command reports completion.
	Delay uint32
	// Blocks counts the remaining macroblocks of a conversion.
	Blocks uint32
}

type state struct {
	Cmd   command
	Ctrl  uint32
	In    inFIFO
	Out   outFIFO
	Stage [macroblockSize]byte
	// StageLen is the number of bytes collected for the running command.
	StageLen uint32
	// InWords assembles quad words written to the input FIFO port.
	InWords [4]uint32
	InCount uint32

	IntraIQ    [64]byte
	NonIntraIQ [64]byte
	VQCLUT     [16]uint16
	TH0        uint32
	TH1        uint32
}

// IPU is the image processing unit.
type IPU struct {
	logger *log.Logger
	memory dmac.Memory
	intc   Interrupts
	output OutputFunc

	state
}

// New returns an image processing unit.
func New(logger *log.Logger, memory dmac.Memory, interrupts Interrupts) *IPU {
	return &IPU{
		logger: logger,
		memory: memory,
		intc:   interrupts,
	}
}

// SetDMA3ReceiveHandler connects the output DMA channel.
func (p *IPU) SetDMA3ReceiveHandler(fn OutputFunc) {
	p.output = fn
}

// Reset aborts the running command and empties both FIFOs.
func (p *IPU) Reset() {
	p.state = state{}
}

// ReceiveDMA4 queues bitstream quad words from the input DMA channel and
// returns the number accepted.
func (p *IPU) ReceiveDMA4(address, qwc, _ uint32, tagIncluded bool) uint32 {
	if tagIncluded {
		return 1
	}
	n := min(qwc, p.In.free())
	data := p.memory.QuadWords(address, n)
	if data == nil {
		p.logger.Warn("IPU input DMA outside of memory", log.Hex("address", address))
		return qwc
	}
	for i := range n {
		p.In.push(data[i*dmac.QuadWord:])
	}
	return n
}

// CountTicks advances command delays and drains the output FIFO.
func (p *IPU) CountTicks(ticks uint32) {
	if p.Cmd.Delay > 0 {
		p.Cmd.Delay -= min(ticks, p.Cmd.Delay)
	}
	p.flushOutput()
}

// WillExecuteCommand returns whether a command is waiting for execution.
func (p *IPU) WillExecuteCommand() bool {
	return p.Cmd.Pending
}

// IsCommandDelayed returns whether the running command waits for ticks to
// pass before completing.
func (p *IPU) IsCommandDelayed() bool {
	return p.Cmd.Pending && p.Cmd.Done && p.Cmd.Delay > 0
}

// HasPendingOUTFIFOData returns whether decoded output waits for the output
// DMA channel.
func (p *IPU) HasPendingOUTFIFOData() bool {
	return p.Out.Length > p.Out.Pos
}

// ExecuteCommand makes as much progress on the pending command as the queued
// input allows.
func (p *IPU) ExecuteCommand() {
	c := &p.Cmd
	if !c.Pending {
		return
	}
	if c.Done {
		if c.Delay == 0 {
			p.complete()
		}
		return
	}
	if p.HasPendingOUTFIFOData() {
		p.flushOutput()
		if p.HasPendingOUTFIFOData() {
			return
		}
	}

	code := c.Word >> 28
	if !c.Started {
		// the FB field skips bits before the command reads data
		if code != cmdBCLR && code != cmdCSC && code != cmdSETTH && code != cmdPACK {
			if !p.In.advance(c.Word & 0x3F) {
				return
			}
		}
		if code == cmdCSC {
			c.Blocks = c.Word & 0x7FF
		}
		c.Started = true
	}

	var done bool
	switch code {
	case cmdBCLR:
		p.In.reset()
		p.In.BP = c.Word & 0x7F
		done = true
	case cmdFDEC:
		done = p.executeFDEC()
	case cmdSETIQ:
		done = p.executeSETIQ()
	case cmdSETVQ:
		done = p.executeSETVQ()
	case cmdCSC:
		done = p.executeCSC()
	case cmdSETTH:
		p.TH0 = c.Word & 0x1FF
		p.TH1 = (c.Word >> 16) & 0x1FF
		done = true
	default:
		p.logger.Warn("unsupported IPU command", log.Hex("command", c.Word))
		done = true
	}

	if !done {
		return
	}
	c.Done = true
	if c.Delay == 0 {
		p.complete()
	}
}

func (p *IPU) complete() {
	p.Cmd.Pending = false
	p.Cmd.Started = false
	p.Cmd.Done = false
	p.StageLen = 0
	p.intc.AssertLine(intc.LineIPU)
}

func (p *IPU) executeFDEC() bool {
	value, ok := p.In.peek(32)
	if !ok {
		return false
	}
	p.Cmd.Result = value
	return true
}

// fill collects size bytes of the bitstream in the staging buffer.
func (p *IPU) fill(size uint32) bool {
	n := p.In.readBytes(p.Stage[p.StageLen:size])
	p.StageLen += uint32(n)
	return p.StageLen == size
}

func (p *IPU) executeSETIQ() bool {
	if !p.fill(64) {
		return false
	}
	if p.Cmd.Word&(1<<27) != 0 {
		copy(p.NonIntraIQ[:], p.Stage[:64])
	} else {
		copy(p.IntraIQ[:], p.Stage[:64])
	}
	return true
}

func (p *IPU) executeSETVQ() bool {
	if !p.fill(32) {
		return false
	}
	for i := range p.VQCLUT {
		p.VQCLUT[i] = binary.BigEndian.Uint16(p.Stage[i*2:])
	}
	return true
}

func (p *IPU) executeCSC() bool {
	c := &p.Cmd
	for c.Blocks > 0 {
		if p.HasPendingOUTFIFOData() {
			return false
		}
		if !p.fill(macroblockSize) {
			return false
		}

		rgb16 := c.Word&(1<<27) != 0
		n := convertMacroblock(p.Out.Data[:], p.Stage[:], rgb16, p.TH0, p.TH1)
		p.Out.Length = uint32(n)
		p.Out.Pos = 0
		p.StageLen = 0
		c.Blocks--
		c.Delay += cscTicksPerMacroblock
		p.flushOutput()
	}
	return true
}

func (p *IPU) flushOutput() {
	if p.output == nil || !p.HasPendingOUTFIFOData() {
		return
	}
	accepted := p.output(p.Out.pending())
	p.Out.consume(accepted * dmac.QuadWord)
}

// GetRegister reads an IPU register.
func (p *IPU) GetRegister(address uint32) uint32 {
	switch address {
	case RegCmd:
		return p.Cmd.Result
	case RegCmdHigh:
		if p.Cmd.Pending {
			return busyBit
		}
		return 0
	case RegCtrl:
		ctrl := p.Ctrl | min(p.In.quadWords(), 8) | min(p.Out.quadWords(), 8)<<4
		if p.Cmd.Pending {
			ctrl |= ctrlBusy
		}
		return ctrl
	case RegBP:
		return p.In.BP&0x7F | p.In.quadWords()<<8
	case RegTop:
		value, _ := p.In.peek(32)
		return value
	case RegTopHigh:
		if p.In.availableBits() < 32 {
			return busyBit
		}
		return 0
	}

	if address >= FIFOOut && address < FIFOOutEnd {
		return p.readOutFIFO()
	}
	p.logger.Warn("reading unknown IPU register", log.Hex("address", address))
	return 0
}

// readOutFIFO returns the next word of the output FIFO.
func (p *IPU) readOutFIFO() uint32 {
	data := p.Out.pending()
	if len(data) < 4 {
		return 0
	}
	value := binary.LittleEndian.Uint32(data)
	p.Out.consume(4)
	return value
}

// SetRegister writes an IPU register or the input FIFO port.
func (p *IPU) SetRegister(address, value uint32) {
	switch address {
	case RegCmd:
		if p.Cmd.Pending {
			p.logger.Warn("IPU command written while busy", log.Hex("command", value))
			return
		}
		p.Cmd = command{Word: value, Pending: true}
		p.StageLen = 0
		return
	case RegCtrl:
		if value&ctrlRST != 0 {
			p.Reset()
			return
		}
		p.Ctrl = value & ctrlWritable
		return
	}

	if address >= FIFOIn && address < FIFOInEnd {
		p.InWords[(address-FIFOIn)/4] = value
		p.InCount++
		if p.InCount == 4 {
			var qw [dmac.QuadWord]byte
			for i, word := range p.InWords {
				binary.LittleEndian.PutUint32(qw[i*4:], word)
			}
			if p.In.free() > 0 {
				p.In.push(qw[:])
			} else {
				p.logger.Warn("IPU input FIFO overflow")
			}
			p.InCount = 0
		}
		return
	}

	p.logger.Warn("writing unknown IPU register",
		log.Hex("address", address),
		log.Hex("value", value))
}

// SaveState writes the command engine state and both FIFOs.
func (p *IPU) SaveState(w *savestate.Writer) error {
	if err := w.WriteStruct("ipu", p.state); err != nil {
		return fmt.Errorf("saving IPU state: %w", err)
	}
	return nil
}

// LoadState restores the command engine state and both FIFOs.
func (p *IPU) LoadState(r *savestate.Reader) error {
	if err := r.ReadStruct("ipu", &p.state); err != nil {
		return fmt.Errorf("loading IPU state: %w", err)
	}
	return nil
}
