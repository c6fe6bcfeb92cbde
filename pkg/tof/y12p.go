package tof

import "fmt"

// Y12PBytesPerPair is the number of packed bytes holding two samples.
const Y12PBytesPerPair = 3

// Geometry describes the layout of one packed phase plane.
type Geometry struct {
	Width        int
	Height       int
	BytesPerLine int
}

// Pixels returns the number of samples in the plane.
func (g Geometry) Pixels() int {
	return g.Width * g.Height
}

// PlaneSize returns the number of bytes one packed plane occupies.
func (g Geometry) PlaneSize() int {
	return g.BytesPerLine * g.Height
}

// Validate checks that a row of width samples fits in BytesPerLine.
func (g Geometry) Validate() error {
	if g.Width <= 0 || g.Height <= 0 {
		return fmt.Errorf("invalid geometry %dx%d", g.Width, g.Height)
	}
	if g.Width%2 != 0 {
		return fmt.Errorf("width %d is not a multiple of 2", g.Width)
	}
	if minLine := g.Width / 2 * Y12PBytesPerPair; g.BytesPerLine < minLine {
		return fmt.Errorf("bytes per line %d shorter than packed row of %d bytes", g.BytesPerLine, minLine)
	}
	return nil
}

// signExtend11 treats bits 0-10 of a packed sample as an 11-bit two's
// complement value. Bit 11 is shifted out.
func signExtend11(p uint16) int16 {
	return int16(p<<5) >> 5
}

// unpackPair decodes one Y12P triplet.
func unpackPair(b0, b1, b2 byte) (int16, int16) {
	p0 := uint16(b0)<<4 | uint16(b2&0x0F)
	p1 := uint16(b1)<<4 | uint16(b2>>4)
	return signExtend11(p0), signExtend11(p1)
}

// UnpackY12P decodes a packed plane into dst, row-major. Bytes past the
// packed row are line padding and are ignored.
func UnpackY12P(dst []int16, src []byte, width, height, bytesPerLine int) {
	g := Geometry{Width: width, Height: height, BytesPerLine: bytesPerLine}
	mustFit(g, len(dst), len(src))

	pairs := width / 2
	for y := 0; y < height; y++ {
		line := src[y*bytesPerLine : y*bytesPerLine+pairs*Y12PBytesPerPair]
		row := dst[y*width : y*width+width]
		for x := 0; x < pairs; x++ {
			b := line[x*3 : x*3+3 : x*3+3]
			row[2*x], row[2*x+1] = unpackPair(b[0], b[1], b[2])
		}
	}
}

// PackY12P encodes samples into a packed plane. Only the low 12 bits of each
// sample are stored, so values outside [-1024, 1023] do not survive a round
// trip through UnpackY12P. Padding bytes are left untouched.
func PackY12P(dst []byte, src []int16, width, height, bytesPerLine int) {
	g := Geometry{Width: width, Height: height, BytesPerLine: bytesPerLine}
	mustFit(g, len(src), len(dst))

	pairs := width / 2
	for y := 0; y < height; y++ {
		line := dst[y*bytesPerLine : y*bytesPerLine+pairs*Y12PBytesPerPair]
		row := src[y*width : y*width+width]
		for x := 0; x < pairs; x++ {
			p0 := uint16(row[2*x]) & 0x0FFF
			p1 := uint16(row[2*x+1]) & 0x0FFF
			line[x*3] = byte(p0 >> 4)
			line[x*3+1] = byte(p1 >> 4)
			line[x*3+2] = byte(p0&0x0F) | byte(p1&0x0F)<<4
		}
	}
}

func mustFit(g Geometry, samples, packed int) {
	if err := g.Validate(); err != nil {
		panic("tof: " + err.Error())
	}
	if samples < g.Pixels() {
		panic(fmt.Sprintf("tof: sample buffer holds %d values, need %d", samples, g.Pixels()))
	}
	if need := g.BytesPerLine*(g.Height-1) + g.Width/2*Y12PBytesPerPair; packed < need {
		panic(fmt.Sprintf("tof: packed buffer holds %d bytes, need %d", packed, need))
	}
}
