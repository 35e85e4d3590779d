package ipu

import "github.com/retroenv/retroee/internal/device/dmac"

const (
	inFIFOQuadWords = 8
	inFIFOSize      = inFIFOQuadWords * dmac.QuadWord
)

// inFIFO is the bitstream input queue. Bits are read most significant bit
// first, starting at the bit pointer within the queued bytes.
type inFIFO struct {
	Data   [inFIFOSize]byte
	Length uint32
	BP     uint32
}

func (f *inFIFO) reset() {
	*f = inFIFO{}
}

// quadWords returns the number of queued quad words that are not fully read.
func (f *inFIFO) quadWords() uint32 {
	return f.Length / dmac.QuadWord
}

func (f *inFIFO) free() uint32 {
	return inFIFOQuadWords - f.quadWords()
}

func (f *inFIFO) push(qw []byte) {
	copy(f.Data[f.Length:], qw[:dmac.QuadWord])
	f.Length += dmac.QuadWord
}

func (f *inFIFO) availableBits() uint32 {
	return f.Length*8 - f.BP
}

// peek returns the next n bits, n at most 32, without consuming them.
func (f *inFIFO) peek(n uint32) (uint32, bool) {
	if n > f.availableBits() {
		return 0, false
	}

	var value uint32
	for i := range n {
		bit := f.BP + i
		b := f.Data[bit/8] >> (7 - bit%8) & 1
		value = value<<1 | uint32(b)
	}
	return value, true
}

// advance consumes n bits and drops quad words that have been read fully.
func (f *inFIFO) advance(n uint32) bool {
	if n > f.availableBits() {
		return false
	}
	f.BP += n
	for f.BP >= dmac.QuadWord*8 {
		copy(f.Data[:], f.Data[dmac.QuadWord:f.Length])
		f.Length -= dmac.QuadWord
		f.BP -= dmac.QuadWord * 8
	}
	return true
}

// readBytes moves up to len(dst) whole bytes from the bitstream into dst and
// returns the number moved.
func (f *inFIFO) readBytes(dst []byte) int {
	var n int
	for n < len(dst) {
		value, ok := f.peek(8)
		if !ok {
			break
		}
		dst[n] = byte(value)
		f.advance(8)
		n++
	}
	return n
}

const outFIFOSize = 16 * 16 * 4

// outFIFO holds decoded data waiting for the output DMA channel.
type outFIFO struct {
	Data   [outFIFOSize]byte
	Length uint32
	Pos    uint32
}

func (f *outFIFO) reset() {
	*f = outFIFO{}
}

func (f *outFIFO) pending() []byte {
	return f.Data[f.Pos:f.Length]
}

func (f *outFIFO) consume(n uint32) {
	f.Pos += n
	if f.Pos >= f.Length {
		f.reset()
	}
}

func (f *outFIFO) quadWords() uint32 {
	return (f.Length - f.Pos) / dmac.QuadWord
}
