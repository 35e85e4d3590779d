// Package dmac implements the DMA controller of the emotion engine. Channels
// move quad words between memory and the peripherals through transfer
// functions registered per channel.
package dmac

import (
	"fmt"

	"github.com/retroenv/retroee/internal/savestate"
	"github.com/retroenv/retrogolib/log"
)

// Channel numbers.
const (
	ChannelVIF0 = iota
	ChannelVIF1
	ChannelGIF
	ChannelFromIPU
	ChannelToIPU
	ChannelSIF0
	ChannelSIF1
	ChannelSIF2
	ChannelFromSPR
	ChannelToSPR

	ChannelCount
)

// Global register addresses.
const (
	RegCtrl    = 0x1000E000
	RegStat    = 0x1000E010
	RegPCR     = 0x1000E020
	RegSQWC    = 0x1000E030
	RegRBSR    = 0x1000E040
	RegRBOR    = 0x1000E050
	RegStadr   = 0x1000E060
	RegEnableR = 0x1000F520
	RegEnableW = 0x1000F590
)

// Channel register offsets.
const (
	chcrOffset = 0x00
	madrOffset = 0x10
	qwcOffset  = 0x20
	tadrOffset = 0x30
	asr0Offset = 0x40
	asr1Offset = 0x50
	sadrOffset = 0x80
)

// CHCR bits.
const (
	chcrDirection = 1 << 0
	chcrModeShift = 2
	chcrModeMask  = 3 << chcrModeShift
	chcrTTE       = 1 << 6
	chcrTIE       = 1 << 7
	chcrSTR       = 1 << 8
)

const (
	modeNormal = 0
	modeChain  = 1
)

const (
	ctrlDMAE      = 1 << 0
	enableSuspend = 1 << 16
)

var channelBase = [ChannelCount]uint32{
	0x10008000, 0x10009000, 0x1000A000, 0x1000B000, 0x1000B400,
	0x1000C000, 0x1000C400, 0x1000C800, 0x1000D000, 0x1000D400,
}

// TransferFunc moves qwc quad words starting at the address to or from a
// peripheral and returns the number of quad words it consumed.
type TransferFunc func(address, qwc, direction uint32, tagIncluded bool) uint32

type channel struct {
	CHCR uint32
	MADR uint32
	QWC  uint32
	TADR uint32
	ASR0 uint32
	ASR1 uint32
	SADR uint32
	// TagEnd is set when the current chain tag ends the transfer.
	TagEnd bool
}

type state struct {
	Channels [ChannelCount]channel
	Ctrl     uint32
	Stat     uint32
	PCR      uint32
	SQWC     uint32
	RBSR     uint32
	RBOR     uint32
	Stadr    uint32
	Enable   uint32
}

// DMAC is the DMA controller.
type DMAC struct {
	logger    *log.Logger
	memory    Memory
	transfers [ChannelCount]TransferFunc

	state
}

// New returns a DMA controller operating on the given memory.
func New(logger *log.Logger, memory Memory) *DMAC {
	d := &DMAC{
		logger: logger,
		memory: memory,
	}
	d.transfers[ChannelFromSPR] = d.transferFromSPR
	d.transfers[ChannelToSPR] = d.transferToSPR
	d.Reset()
	return d
}

// SetChannelTransferFunction connects a channel to a peripheral.
func (d *DMAC) SetChannelTransferFunction(ch int, fn TransferFunc) {
	d.transfers[ch] = fn
}

// Reset clears all registers. Transfer functions stay connected.
func (d *DMAC) Reset() {
	d.state = state{Enable: 0x1201}
}

// IsInterruptPending returns whether a channel completed with its interrupt
// unmasked.
func (d *DMAC) IsInterruptPending() bool {
	return d.Stat&(d.Stat>>16)&0x3FF != 0
}

// IsStarted returns whether the channel has a transfer in progress.
func (d *DMAC) IsStarted(ch int) bool {
	return d.Channels[ch].CHCR&chcrSTR != 0
}

// IsDMA4Started returns whether the IPU input channel is active.
func (d *DMAC) IsDMA4Started() bool {
	return d.IsStarted(ChannelToIPU)
}

// ResumeDMA0 resumes the VIF0 channel.
func (d *DMAC) ResumeDMA0() { d.Resume(ChannelVIF0) }

// ResumeDMA1 resumes the VIF1 channel.
func (d *DMAC) ResumeDMA1() { d.Resume(ChannelVIF1) }

// ResumeDMA2 resumes the GIF channel.
func (d *DMAC) ResumeDMA2() { d.Resume(ChannelGIF) }

// ResumeDMA4 resumes the IPU input channel.
func (d *DMAC) ResumeDMA4() { d.Resume(ChannelToIPU) }

// ResumeDMA8 resumes the scratch-pad output channel.
func (d *DMAC) ResumeDMA8() { d.Resume(ChannelFromSPR) }

// ResumeDMA3 is called by the IPU to push decoded output into memory through
// the IPU output channel. It returns the number of quad words accepted.
func (d *DMAC) ResumeDMA3(data []byte) uint32 {
	c := &d.Channels[ChannelFromIPU]
	if !d.enabled() || c.CHCR&chcrSTR == 0 {
		return 0
	}

	qwc := min(c.QWC, uint32(len(data)/QuadWord))
	dst := d.memory.QuadWords(c.MADR, qwc)
	if dst == nil {
		d.logger.Warn("IPU output DMA outside of memory", log.Hex("address", c.MADR))
		d.finish(ChannelFromIPU)
		return 0
	}
	copy(dst, data)
	c.MADR += qwc * QuadWord
	c.QWC -= qwc
	if c.QWC == 0 {
		d.finish(ChannelFromIPU)
	}
	return qwc
}

// Resume continues the transfer of a started channel as far as the
// peripheral accepts data.
func (d *DMAC) Resume(ch int) {
	c := &d.Channels[ch]
	if !d.enabled() || c.CHCR&chcrSTR == 0 {
		return
	}
	transfer := d.transfers[ch]
	if transfer == nil {
		return
	}

	switch (c.CHCR & chcrModeMask) >> chcrModeShift {
	case modeNormal:
		d.resumeNormal(ch, transfer)
	case modeChain:
		d.resumeChain(ch, transfer)
	default:
		d.logger.Warn("unsupported DMA mode",
			log.Int("channel", ch),
			log.Hex("chcr", c.CHCR))
		d.finish(ch)
	}
}

func (d *DMAC) resumeNormal(ch int, transfer TransferFunc) {
	c := &d.Channels[ch]
	if c.QWC != 0 && !d.move(ch, transfer, false) {
		return
	}
	if c.QWC == 0 {
		d.finish(ch)
	}
}

// move transfers the pending quad words of the channel and reports whether
// all of them were consumed.
func (d *DMAC) move(ch int, transfer TransferFunc, tagIncluded bool) bool {
	c := &d.Channels[ch]
	done := transfer(c.MADR, c.QWC, c.CHCR&chcrDirection, tagIncluded)
	done = min(done, c.QWC)
	c.MADR += done * QuadWord
	c.QWC -= done
	return c.QWC == 0
}

// maxChainTags bounds the tags processed per resume so a tag chain looping
// onto itself cannot hang the emulation.
const maxChainTags = 0x10000

func (d *DMAC) resumeChain(ch int, transfer TransferFunc) {
	c := &d.Channels[ch]
	for range maxChainTags {
		if c.QWC != 0 && !d.move(ch, transfer, false) {
			return
		}
		if c.TagEnd {
			d.finish(ch)
			return
		}
		if !d.readTag(ch, transfer) {
			return
		}
	}
	d.logger.Warn("DMA tag chain did not terminate",
		log.Int("channel", ch),
		log.Hex("tadr", c.TADR))
}

// Source chain tag ids.
const (
	tagRefe = iota
	tagCnt
	tagNext
	tagRef
	tagRefs
	tagCall
	tagRet
	tagEnd
)

// readTag loads the next source chain tag. It returns false when the tag
// could not be delivered to the peripheral.
func (d *DMAC) readTag(ch int, transfer TransferFunc) bool {
	c := &d.Channels[ch]
	tag := d.memory.Uint64(c.TADR)
	qwc := uint32(tag & 0xFFFF)
	id := (tag >> 28) & 7
	irq := tag&(1<<31) != 0
	addr := uint32(tag>>32) &^ 0xF

	if c.CHCR&chcrTTE != 0 && transfer(c.TADR, 1, c.CHCR&chcrDirection, true) == 0 {
		return false
	}

	// upper 16 bits of CHCR mirror the upper half of the last tag
	c.CHCR = c.CHCR&0xFFFF | uint32(tag)&0xFFFF0000
	c.QWC = qwc

	switch id {
	case tagRefe:
		c.MADR = addr
		c.TADR += QuadWord
		c.TagEnd = true
	case tagCnt:
		c.MADR = c.TADR + QuadWord
		c.TADR = c.MADR + qwc*QuadWord
	case tagNext:
		c.MADR = c.TADR + QuadWord
		c.TADR = addr
	case tagRef, tagRefs:
		c.MADR = addr
		c.TADR += QuadWord
	case tagCall:
		c.MADR = c.TADR + QuadWord
		ret := c.MADR + qwc*QuadWord
		if (c.CHCR>>4)&3 == 0 {
			c.ASR0 = ret
		} else {
			c.ASR1 = ret
		}
		c.CHCR += 1 << 4
		c.TADR = addr
	case tagRet:
		c.MADR = c.TADR + QuadWord
		asp := (c.CHCR >> 4) & 3
		switch asp {
		case 2:
			c.TADR = c.ASR1
			c.CHCR -= 1 << 4
		case 1:
			c.TADR = c.ASR0
			c.CHCR -= 1 << 4
		default:
			c.TagEnd = true
		}
	case tagEnd:
		c.MADR = c.TADR + QuadWord
		c.TagEnd = true
	}

	if irq && c.CHCR&chcrTIE != 0 {
		c.TagEnd = true
	}
	return true
}

// transferFromSPR copies quad words from the scratch-pad at SADR to the
// channel address.
func (d *DMAC) transferFromSPR(address, qwc, _ uint32, tagIncluded bool) uint32 {
	if tagIncluded {
		return 1
	}
	return d.copySPR(ChannelFromSPR, address, qwc, false)
}

// transferToSPR copies quad words from the channel address to the
// scratch-pad at SADR.
func (d *DMAC) transferToSPR(address, qwc, _ uint32, tagIncluded bool) uint32 {
	if tagIncluded {
		return 1
	}
	return d.copySPR(ChannelToSPR, address, qwc, true)
}

func (d *DMAC) copySPR(ch int, address, qwc uint32, toSPR bool) uint32 {
	c := &d.Channels[ch]
	mem := d.memory.QuadWords(address, qwc)
	spr := d.memory.QuadWords(c.SADR|sprFlag, qwc)
	if mem == nil || spr == nil {
		d.logger.Warn("scratch-pad DMA outside of memory",
			log.Int("channel", ch),
			log.Hex("address", address),
			log.Hex("sadr", c.SADR))
		return qwc
	}

	if toSPR {
		copy(spr, mem)
	} else {
		copy(mem, spr)
	}
	c.SADR = (c.SADR + qwc*QuadWord) & uint32(len(d.memory.SPR)-1)
	return qwc
}

func (d *DMAC) finish(ch int) {
	c := &d.Channels[ch]
	c.CHCR &^= chcrSTR
	c.TagEnd = false
	d.Stat |= 1 << ch
	d.logger.Debug("DMA transfer finished", log.Int("channel", ch))
}

func (d *DMAC) enabled() bool {
	return d.Ctrl&ctrlDMAE != 0 && d.Enable&enableSuspend == 0
}

// channelRegister maps an address to a channel register.
func (d *DMAC) channelRegister(address uint32) (*uint32, int, bool) {
	for ch, base := range channelBase {
		if address < base || address >= base+0x100 {
			continue
		}
		c := &d.Channels[ch]
		switch address - base {
		case chcrOffset:
			return &c.CHCR, ch, true
		case madrOffset:
			return &c.MADR, ch, true
		case qwcOffset:
			return &c.QWC, ch, true
		case tadrOffset:
			return &c.TADR, ch, true
		case asr0Offset:
			return &c.ASR0, ch, true
		case asr1Offset:
			return &c.ASR1, ch, true
		case sadrOffset:
			return &c.SADR, ch, true
		}
		return nil, ch, false
	}
	return nil, 0, false
}

// GetRegister reads a DMAC register.
func (d *DMAC) GetRegister(address uint32) uint32 {
	if reg, _, ok := d.channelRegister(address); ok {
		return *reg
	}

	switch address {
	case RegCtrl:
		return d.Ctrl
	case RegStat:
		return d.Stat
	case RegPCR:
		return d.PCR
	case RegSQWC:
		return d.SQWC
	case RegRBSR:
		return d.RBSR
	case RegRBOR:
		return d.RBOR
	case RegStadr:
		return d.Stadr
	case RegEnableR:
		return d.Enable
	default:
		d.logger.Warn("reading unknown DMAC register", log.Hex("address", address))
		return 0
	}
}

// SetRegister writes a DMAC register. Setting the start bit of a channel
// begins its transfer immediately.
func (d *DMAC) SetRegister(address, value uint32) {
	if reg, ch, ok := d.channelRegister(address); ok {
		d.setChannelRegister(reg, ch, address, value)
		return
	}

	switch address {
	case RegCtrl:
		d.Ctrl = value
	case RegStat:
		// status bits are cleared, mask bits toggled by writing one
		d.Stat &^= value & 0xFFFF
		d.Stat ^= value & 0xFFFF0000
	case RegPCR:
		d.PCR = value
	case RegSQWC:
		d.SQWC = value
	case RegRBSR:
		d.RBSR = value
	case RegRBOR:
		d.RBOR = value
	case RegStadr:
		d.Stadr = value
	case RegEnableW:
		d.Enable = value
	default:
		d.logger.Warn("writing unknown DMAC register",
			log.Hex("address", address),
			log.Hex("value", value))
	}
}

func (d *DMAC) setChannelRegister(reg *uint32, ch int, address, value uint32) {
	base := channelBase[ch]
	switch address - base {
	case chcrOffset:
		started := d.Channels[ch].CHCR&chcrSTR != 0
		*reg = value
		if !started && value&chcrSTR != 0 {
			d.Channels[ch].TagEnd = false
			d.logger.Debug("DMA transfer started",
				log.Int("channel", ch),
				log.Hex("chcr", value))
			d.Resume(ch)
		}
	case madrOffset, tadrOffset, asr0Offset, asr1Offset, sadrOffset:
		*reg = value &^ 0xF
	case qwcOffset:
		*reg = value & 0xFFFF
	}
}

// SaveState writes the controller registers.
func (d *DMAC) SaveState(w *savestate.Writer) error {
	if err := w.WriteStruct("dmac", d.state); err != nil {
		return fmt.Errorf("saving DMAC state: %w", err)
	}
	return nil
}

// LoadState restores the controller registers.
func (d *DMAC) LoadState(r *savestate.Reader) error {
	if err := r.ReadStruct("dmac", &d.state); err != nil {
		return fmt.Errorf("loading DMAC state: %w", err)
	}
	return nil
}
