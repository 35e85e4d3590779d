// Package sif implements the subsystem interface between the emotion engine
// and the I/O processor. Command packets sent by the EE through the SIF1 DMA
// channel are dispatched to registered command handlers, replies travel back
// through the SIF0 DMA channel.
package sif

import (
	"encoding/binary"
	"fmt"

	"github.com/retroenv/retroee/internal/device/dmac"
	"github.com/retroenv/retroee/internal/savestate"
	"github.com/retroenv/retrogolib/log"
)

// Register indexes as used by the SifGetReg and SifSetReg kernel calls.
const (
	RegMainAddr = iota + 1
	RegSubAddr
	RegMainFlag
	RegSubFlag
	RegCtrl

	registerCount = 6
)

// System command ids.
const (
	CmdChangeSAddr = 0x80000000
	CmdSetSReg     = 0x80000001
	CmdInit        = 0x80000002
)

const (
	bufferSize       = 0x2000
	dmaTagSize       = 8
	headerSize       = 16
	softRegisterSize = 32
)

// Header is the header of a SIF command packet.
type Header struct {
	PacketSize uint32
	DestSize   uint32
	Dest       uint32
	CommandID  uint32
	Optional   uint32
}

// CommandFunc handles a command packet and returns an optional reply packet
// that is queued for the EE, starting with its own header.
type CommandFunc func(header Header, payload []byte) []byte

type buffer struct {
	Data   [bufferSize]byte
	Length uint32
}

func (b *buffer) free() uint32 {
	return bufferSize - b.Length
}

func (b *buffer) append(data []byte) {
	copy(b.Data[b.Length:], data)
	b.Length += uint32(len(data))
}

func (b *buffer) consume(n uint32) {
	copy(b.Data[:], b.Data[n:b.Length])
	b.Length -= n
}

type state struct {
	Registers     [registerCount]uint32
	SoftRegisters [softRegisterSize]uint32
	// Received holds EE to IOP data not yet parsed into packets.
	Received buffer
	// Replies holds IOP to EE data waiting for the SIF0 channel.
	Replies   buffer
	Commands  uint64
	Initiated bool
}

// SIF is the subsystem interface.
type SIF struct {
	logger   *log.Logger
	memory   dmac.Memory
	handlers map[uint32]CommandFunc

	state
}

// New returns a subsystem interface.
func New(logger *log.Logger, memory dmac.Memory) *SIF {
	return &SIF{
		logger:   logger,
		memory:   memory,
		handlers: map[uint32]CommandFunc{},
	}
}

// RegisterHandler installs the handler for a command id.
func (s *SIF) RegisterHandler(id uint32, fn CommandFunc) {
	s.handlers[id] = fn
}

// Reset clears registers and buffers. Handlers stay registered.
func (s *SIF) Reset() {
	s.state = state{}
}

// Register returns a SIF register by index.
func (s *SIF) Register(index uint32) uint32 {
	if index >= registerCount {
		return s.softRegister(index)
	}
	return s.Registers[index]
}

// SetRegister writes a SIF register by index. Flag registers are set by
// writing one bits.
func (s *SIF) SetRegister(index, value uint32) {
	switch {
	case index == RegMainFlag, index == RegSubFlag:
		s.Registers[index] |= value
	case index < registerCount:
		s.Registers[index] = value
	default:
		s.logger.Warn("writing unknown SIF register",
			log.Hex("register", index),
			log.Hex("value", value))
	}
}

func (s *SIF) softRegister(index uint32) uint32 {
	// software registers are addressed with the top bit set
	index &^= 0x80000000
	if index >= softRegisterSize {
		s.logger.Warn("reading unknown SIF register", log.Hex("register", index))
		return 0
	}
	return s.SoftRegisters[index]
}

// SoftRegister returns a software register set by the IOP.
func (s *SIF) SoftRegister(index uint32) uint32 {
	return s.softRegister(index | 0x80000000)
}

// ReceiveDMA6 accepts EE to IOP data from the SIF1 DMA channel.
func (s *SIF) ReceiveDMA6(address, qwc, _ uint32, tagIncluded bool) uint32 {
	if tagIncluded {
		return 1
	}
	n := min(qwc, s.Received.free()/dmac.QuadWord)
	data := s.memory.QuadWords(address, n)
	if data == nil {
		s.logger.Warn("SIF1 DMA outside of memory", log.Hex("address", address))
		return qwc
	}
	s.Received.append(data)
	return n
}

// ReceiveDMA5 delivers queued IOP to EE data into memory through the SIF0
// DMA channel.
func (s *SIF) ReceiveDMA5(address, qwc, _ uint32, tagIncluded bool) uint32 {
	if tagIncluded {
		return 1
	}
	n := min(qwc, s.Replies.Length/dmac.QuadWord)
	if n == 0 {
		return 0
	}
	dst := s.memory.QuadWords(address, n)
	if dst == nil {
		s.logger.Warn("SIF0 DMA outside of memory", log.Hex("address", address))
		return qwc
	}
	copy(dst, s.Replies.Data[:n*dmac.QuadWord])
	s.Replies.consume(n * dmac.QuadWord)
	return n
}

// ProcessPackets dispatches all complete command packets received from the
// EE.
func (s *SIF) ProcessPackets() {
	for s.Received.Length >= dmaTagSize+headerSize {
		data := s.Received.Data[:s.Received.Length]
		size := binary.LittleEndian.Uint32(data[4:]) * 4
		total := alignQuadWord(dmaTagSize + size)
		if size < headerSize || total > bufferSize {
			s.logger.Warn("dropping malformed SIF packet", log.Hex("size", size))
			s.Received.Length = 0
			return
		}
		if total > s.Received.Length {
			return
		}

		packet := data[dmaTagSize : dmaTagSize+size]
		s.dispatch(packet)
		s.Received.consume(total)
	}
}

func alignQuadWord(n uint32) uint32 {
	return (n + dmac.QuadWord - 1) &^ (dmac.QuadWord - 1)
}

func parseHeader(packet []byte) Header {
	word := binary.LittleEndian.Uint32(packet)
	return Header{
		PacketSize: word & 0xFF,
		DestSize:   word >> 8,
		Dest:       binary.LittleEndian.Uint32(packet[4:]),
		CommandID:  binary.LittleEndian.Uint32(packet[8:]),
		Optional:   binary.LittleEndian.Uint32(packet[12:]),
	}
}

func (s *SIF) dispatch(packet []byte) {
	header := parseHeader(packet)
	payload := packet[headerSize:]
	if header.PacketSize >= headerSize && int(header.PacketSize) <= len(packet) {
		payload = packet[headerSize:header.PacketSize]
	}
	s.Commands++

	switch header.CommandID {
	case CmdSetSReg:
		if len(payload) >= 8 {
			index := binary.LittleEndian.Uint32(payload)
			value := binary.LittleEndian.Uint32(payload[4:])
			if index < softRegisterSize {
				s.SoftRegisters[index] = value
			}
		}
		return
	case CmdInit:
		s.Initiated = true
		return
	case CmdChangeSAddr:
		if len(payload) >= 4 {
			s.Registers[RegSubAddr] = binary.LittleEndian.Uint32(payload)
		}
		return
	}

	fn, ok := s.handlers[header.CommandID]
	if !ok {
		s.logger.Warn("unhandled SIF command", log.Hex("command", header.CommandID))
		return
	}
	if reply := fn(header, payload); len(reply) > 0 {
		s.QueueReply(reply)
	}
}

// QueueReply queues a packet for the EE, padded to whole quad words.
func (s *SIF) QueueReply(packet []byte) {
	size := alignQuadWord(uint32(len(packet)))
	if size > s.Replies.free() {
		s.logger.Warn("SIF reply buffer overflow", log.Int("size", int(size)))
		return
	}
	s.Replies.append(packet)
	padding := s.Replies.Data[s.Replies.Length : s.Replies.Length+size-uint32(len(packet))]
	clear(padding)
	s.Replies.Length += uint32(len(padding))
}

// SaveState writes registers and pending packet data.
func (s *SIF) SaveState(w *savestate.Writer) error {
	if err := w.WriteStruct("sif", s.state); err != nil {
		return fmt.Errorf("saving SIF state: %w", err)
	}
	return nil
}

// LoadState restores registers and pending packet data.
func (s *SIF) LoadState(r *savestate.Reader) error {
	if err := r.ReadStruct("sif", &s.state); err != nil {
		return fmt.Errorf("loading SIF state: %w", err)
	}
	return nil
}
