package vpu

import (
	"encoding/binary"

	"github.com/retroenv/retroee/internal/device/dmac"
)

// Mask field values of a write position.
const (
	maskData = iota
	maskRow
	maskCol
	maskProtect
)

// Addition modes set by STMOD.
const (
	modeNormal = iota
	modeOffset
	modeDifference
)

const (
	unpackUnsigned = 1 << 14
	unpackTOPS     = 1 << 15
	unpackMasked   = 1 << 4
)

// unpackFormat describes the layout of a single input vector.
type unpackFormat struct {
	components int
	// bits is the size of one component, V4-5 uses 16 bits per vector.
	bits   int
	packed bool
}

func decodeFormat(cmd uint32) unpackFormat {
	vn := int(cmd>>2) & 3
	vl := int(cmd) & 3
	if vl == 3 {
		return unpackFormat{components: 4, bits: 16, packed: true}
	}
	return unpackFormat{components: vn + 1, bits: 32 >> vl}
}

func (f unpackFormat) vectorBits() int {
	if f.packed {
		return f.bits
	}
	return f.components * f.bits
}

// cycle returns the CL and WL fields of the CYCLE register.
func (v *VPU) cycle() (uint32, uint32) {
	cl := v.VIF.Cycle & 0xFF
	wl := (v.VIF.Cycle >> 8) & 0xFF
	return max(cl, 1), max(wl, 1)
}

// dataVectors returns the number of vectors read from the stream to write
// num vectors.
func (v *VPU) dataVectors(num uint32) uint32 {
	cl, wl := v.cycle()
	if wl <= cl {
		return num
	}
	return cl*(num/wl) + min(num%wl, cl)
}

// unpackWords returns the number of data words following an UNPACK code.
func (v *VPU) unpackWords(cmd, num uint32) uint32 {
	bits := v.dataVectors(num) * uint32(decodeFormat(cmd).vectorBits())
	return (bits + 31) / 32
}

// unpack writes num vectors decoded from the data into VU memory.
func (v *VPU) unpack(cmd, imm, num uint32, data []byte) {
	format := decodeFormat(cmd)
	unsigned := imm&unpackUnsigned != 0
	masked := cmd&unpackMasked != 0

	base := imm & 0x3FF
	if imm&unpackTOPS != 0 {
		base += v.VIF.TOPS
	}

	cl, wl := v.cycle()
	vectorBytes := format.vectorBits() / 8
	mask := uint32(len(v.vuMem) - 1)
	var read int

	for i := range num {
		pos := i % wl
		address := base + i
		if wl <= cl {
			address = base + (i/wl)*cl + pos
		}
		offset := (address * dmac.QuadWord) & mask

		var input [4]uint32
		fill := pos >= cl
		if !fill {
			start := read * vectorBytes
			if start+vectorBytes > len(data) {
				break
			}
			input = format.decode(data[start:start+vectorBytes], unsigned)
			read++
		}

		row := min(pos, 3)
		for c := range 4 {
			if !fill && c >= format.components && format.components > 1 {
				// missing components keep the memory contents
				continue
			}

			field := uint32(maskData)
			if masked {
				field = (v.VIF.Mask >> (row*8 + uint32(c)*2)) & 3
			} else if fill {
				field = maskRow
			}

			var value uint32
			switch field {
			case maskData:
				value = v.applyMode(c, input[c])
			case maskRow:
				value = v.VIF.Row[c]
			case maskCol:
				value = v.VIF.Col[row]
			case maskProtect:
				continue
			}
			binary.LittleEndian.PutUint32(v.vuMem[offset+uint32(c)*4:], value)
		}
	}
	v.VIF.Num = 0
}

func (v *VPU) applyMode(component int, value uint32) uint32 {
	switch v.VIF.Mode {
	case modeOffset:
		return value + v.VIF.Row[component]
	case modeDifference:
		value += v.VIF.Row[component]
		v.VIF.Row[component] = value
		return value
	default:
		return value
	}
}

// decode expands one input vector to four 32 bit components. A single
// component is broadcast to all four.
func (f unpackFormat) decode(data []byte, unsigned bool) [4]uint32 {
	var out [4]uint32
	if f.packed {
		color := uint32(binary.LittleEndian.Uint16(data))
		out[0] = (color & 0x1F) << 3
		out[1] = ((color >> 5) & 0x1F) << 3
		out[2] = ((color >> 10) & 0x1F) << 3
		out[3] = ((color >> 15) & 1) << 7
		return out
	}

	for c := range f.components {
		out[c] = element(data, c, f.bits, unsigned)
	}
	if f.components == 1 {
		out[1], out[2], out[3] = out[0], out[0], out[0]
	}
	return out
}

func element(data []byte, index, bits int, unsigned bool) uint32 {
	switch bits {
	case 8:
		b := data[index]
		if unsigned {
			return uint32(b)
		}
		return uint32(int32(int8(b)))
	case 16:
		h := binary.LittleEndian.Uint16(data[index*2:])
		if unsigned {
			return uint32(h)
		}
		return uint32(int32(int16(h)))
	default:
		return binary.LittleEndian.Uint32(data[index*4:])
	}
}
