package dmac

import "encoding/binary"

// QuadWord is the transfer unit of the DMA controller in bytes.
const QuadWord = 16

// sprFlag marks a scratch-pad address in a DMA address register.
const sprFlag = 0x80000000

// Memory resolves DMA addresses to main memory or scratch-pad RAM.
type Memory struct {
	RAM []byte
	SPR []byte
}

// Slice returns the memory at the DMA address with the given length, or nil
// when the range is out of bounds.
func (m Memory) Slice(address, size uint32) []byte {
	mem := m.RAM
	if address&sprFlag != 0 {
		mem = m.SPR
		address &= uint32(len(m.SPR) - 1)
	} else {
		address &= 0x01FFFFFF
	}
	if uint64(address)+uint64(size) > uint64(len(mem)) {
		return nil
	}
	return mem[address : address+size]
}

// QuadWords returns qwc quad words at the DMA address.
func (m Memory) QuadWords(address, qwc uint32) []byte {
	return m.Slice(address, qwc*QuadWord)
}

// Uint64 reads a 64 bit little endian value, returning zero when out of bounds.
func (m Memory) Uint64(address uint32) uint64 {
	b := m.Slice(address, 8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}
