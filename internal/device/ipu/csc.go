package ipu

import "encoding/binary"

// macroblockSize is a 16x16 YCbCr 4:2:0 macroblock: luma followed by the
// 8x8 Cb and Cr planes.
const macroblockSize = 256 + 64 + 64

// Fixed point BT.601 conversion factors scaled by 1<<16.
const (
	crToR = 91881
	cbToG = 22554
	crToG = 46802
	cbToB = 116130
)

// convertMacroblock converts a macroblock to RGBA32 or RGBA16 pixels in dst
// and returns the number of bytes written. TH0 and TH1 control the alpha
// value of dark pixels.
func convertMacroblock(dst, src []byte, rgb16 bool, th0, th1 uint32) int {
	luma := src[:256]
	cb := src[256:320]
	cr := src[320:384]

	n := 0
	for y := range 16 {
		for x := range 16 {
			c := (y/2)*8 + x/2
			r, g, b := ycbcrToRGB(luma[y*16+x], cb[c], cr[c])
			a := alpha(r, g, b, th0, th1)
			if a == 0 {
				r, g, b = 0, 0, 0
			}

			if rgb16 {
				pixel := uint16(r>>3) | uint16(g>>3)<<5 | uint16(b>>3)<<10
				if a != 0 {
					pixel |= 1 << 15
				}
				binary.LittleEndian.PutUint16(dst[n:], pixel)
				n += 2
				continue
			}
			dst[n] = r
			dst[n+1] = g
			dst[n+2] = b
			dst[n+3] = a
			n += 4
		}
	}
	return n
}

func ycbcrToRGB(y, cb, cr byte) (byte, byte, byte) {
	yy := int32(y) << 16
	cbb := int32(cb) - 128
	crr := int32(cr) - 128

	r := (yy + crToR*crr + 1<<15) >> 16
	g := (yy - cbToG*cbb - crToG*crr + 1<<15) >> 16
	b := (yy + cbToB*cbb + 1<<15) >> 16
	return clamp(r), clamp(g), clamp(b)
}

func clamp(v int32) byte {
	switch {
	case v < 0:
		return 0
	case v > 0xFF:
		return 0xFF
	default:
		return byte(v)
	}
}

func alpha(r, g, b byte, th0, th1 uint32) byte {
	maxComponent := uint32(max(r, g, b))
	switch {
	case maxComponent < th0:
		return 0
	case maxComponent < th1:
		return 0x40
	default:
		return 0x80
	}
}
