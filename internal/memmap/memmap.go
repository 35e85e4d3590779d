// Package memmap implements the per processor memory map that dispatches
// reads, writes and instruction fetches to memory regions or I/O handlers.
package memmap

import (
	"encoding/binary"
	"fmt"

	"github.com/retroenv/retrogolib/log"
)

// Handler handles an access to an I/O region. For reads the value is zero
// and the result is the read value, for writes the result is ignored.
type Handler func(address, value uint32) uint32

// Entry is one region of a memory map table. Exactly one of Memory and
// Handler is set.
type Entry struct {
	Start uint32
	End   uint32 // inclusive

	Memory  []byte
	Handler Handler
}

func (e *Entry) contains(address uint32) bool {
	return address >= e.Start && address <= e.End
}

// Map contains the ordered read, write and instruction fetch tables of a
// processor.
type Map struct {
	logger *log.Logger
	name   string

	read        []Entry
	write       []Entry
	instruction []Entry

	sealed bool
}

// New returns an empty memory map. The name is used in warnings.
func New(logger *log.Logger, name string) *Map {
	return &Map{
		logger: logger,
		name:   name,
	}
}

// Seal prevents further insertions. It is called after the orchestrator
// finished building the tables.
func (m *Map) Seal() {
	m.sealed = true
}

func (m *Map) insert(table *[]Entry, entry Entry) {
	if m.sealed {
		panic(fmt.Sprintf("memory map %s: region 0x%08X-0x%08X inserted after sealing", m.name, entry.Start, entry.End))
	}
	*table = append(*table, entry)
}

// InsertReadMap maps a memory region for reads.
func (m *Map) InsertReadMap(start, end uint32, memory []byte) {
	m.insert(&m.read, Entry{Start: start, End: end, Memory: memory})
}

// InsertReadHandler maps an I/O handler for reads.
func (m *Map) InsertReadHandler(start, end uint32, handler Handler) {
	m.insert(&m.read, Entry{Start: start, End: end, Handler: handler})
}

// InsertWriteMap maps a memory region for writes.
func (m *Map) InsertWriteMap(start, end uint32, memory []byte) {
	m.insert(&m.write, Entry{Start: start, End: end, Memory: memory})
}

// InsertWriteHandler maps an I/O handler for writes.
func (m *Map) InsertWriteHandler(start, end uint32, handler Handler) {
	m.insert(&m.write, Entry{Start: start, End: end, Handler: handler})
}

// InsertInstructionMap maps a memory region for instruction fetches.
func (m *Map) InsertInstructionMap(start, end uint32, memory []byte) {
	m.insert(&m.instruction, Entry{Start: start, End: end, Memory: memory})
}

// Regions returns the number of read, write and instruction entries.
func (m *Map) Regions() (read, write, instruction int) {
	return len(m.read), len(m.write), len(m.instruction)
}

func find(table []Entry, address uint32) *Entry {
	for i := range table {
		if table[i].contains(address) {
			return &table[i]
		}
	}
	return nil
}

// span returns the memory of the entry for an access of size bytes, or
// false when the access runs past the end of the backing memory.
func (e *Entry) span(address, size uint32) ([]byte, bool) {
	offset := uint64(address - e.Start)
	if offset+uint64(size) > uint64(len(e.Memory)) {
		return nil, false
	}
	return e.Memory[offset : offset+uint64(size)], true
}

// GetByte reads a byte.
func (m *Map) GetByte(address uint32) uint8 {
	e := find(m.read, address)
	switch {
	case e == nil:
		m.unmapped("read", address, 8)
		return 0
	case e.Handler != nil:
		word := e.Handler(address&^3, 0)
		return uint8(word >> ((address & 3) * 8))
	}
	b, ok := e.span(address, 1)
	if !ok {
		m.unmapped("read", address, 8)
		return 0
	}
	return b[0]
}

// GetHalf reads a 16 bit value.
func (m *Map) GetHalf(address uint32) uint16 {
	e := find(m.read, address)
	switch {
	case e == nil:
		m.unmapped("read", address, 16)
		return 0
	case e.Handler != nil:
		word := e.Handler(address&^3, 0)
		return uint16(word >> ((address & 2) * 8))
	}
	b, ok := e.span(address, 2)
	if !ok {
		m.unmapped("read", address, 16)
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

// GetWord reads a 32 bit value.
func (m *Map) GetWord(address uint32) uint32 {
	e := find(m.read, address)
	switch {
	case e == nil:
		m.unmapped("read", address, 32)
		return 0
	case e.Handler != nil:
		return e.Handler(address, 0)
	}
	b, ok := e.span(address, 4)
	if !ok {
		m.unmapped("read", address, 32)
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

// GetDouble reads a 64 bit value.
func (m *Map) GetDouble(address uint32) uint64 {
	e := find(m.read, address)
	switch {
	case e == nil:
		m.unmapped("read", address, 64)
		return 0
	case e.Handler != nil:
		low := e.Handler(address, 0)
		high := e.Handler(address+4, 0)
		return uint64(high)<<32 | uint64(low)
	}
	b, ok := e.span(address, 8)
	if !ok {
		m.unmapped("read", address, 64)
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

// SetByte writes a byte.
func (m *Map) SetByte(address uint32, value uint8) {
	e := find(m.write, address)
	switch {
	case e == nil:
		m.unmapped("write", address, 8)
		return
	case e.Handler != nil:
		e.Handler(address, uint32(value))
		return
	}
	if b, ok := e.span(address, 1); ok {
		b[0] = value
		return
	}
	m.unmapped("write", address, 8)
}

// SetHalf writes a 16 bit value.
func (m *Map) SetHalf(address uint32, value uint16) {
	e := find(m.write, address)
	switch {
	case e == nil:
		m.unmapped("write", address, 16)
		return
	case e.Handler != nil:
		e.Handler(address, uint32(value))
		return
	}
	if b, ok := e.span(address, 2); ok {
		binary.LittleEndian.PutUint16(b, value)
		return
	}
	m.unmapped("write", address, 16)
}

// SetWord writes a 32 bit value.
func (m *Map) SetWord(address uint32, value uint32) {
	e := find(m.write, address)
	switch {
	case e == nil:
		m.unmapped("write", address, 32)
		return
	case e.Handler != nil:
		e.Handler(address, value)
		return
	}
	if b, ok := e.span(address, 4); ok {
		binary.LittleEndian.PutUint32(b, value)
		return
	}
	m.unmapped("write", address, 32)
}

// SetDouble writes a 64 bit value.
func (m *Map) SetDouble(address uint32, value uint64) {
	e := find(m.write, address)
	switch {
	case e == nil:
		m.unmapped("write", address, 64)
		return
	case e.Handler != nil:
		e.Handler(address, uint32(value))
		e.Handler(address+4, uint32(value>>32))
		return
	}
	if b, ok := e.span(address, 8); ok {
		binary.LittleEndian.PutUint64(b, value)
		return
	}
	m.unmapped("write", address, 64)
}

// GetInstruction fetches an instruction word. Unmapped fetches return zero,
// which decodes as a no-op.
func (m *Map) GetInstruction(address uint32) uint32 {
	opcode, ok := m.FetchInstruction(address)
	if !ok {
		m.unmapped("instruction fetch", address, 32)
	}
	return opcode
}

// FetchInstruction fetches an instruction word without logging. It returns
// false for unmapped addresses.
func (m *Map) FetchInstruction(address uint32) (uint32, bool) {
	e := find(m.instruction, address)
	if e == nil {
		return 0, false
	}
	b, ok := e.span(address, 4)
	if !ok {
		return 0, false
	}
	return binary.LittleEndian.Uint32(b), true
}

func (m *Map) unmapped(access string, address uint32, bits int) {
	m.logger.Warn("Unmapped memory access",
		log.String("map", m.name),
		log.String("access", access),
		log.Hex("address", address),
		log.Int("bits", bits))
}
