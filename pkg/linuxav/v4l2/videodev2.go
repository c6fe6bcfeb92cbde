//go:build linux

package v4l2

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// Kernel ABI structures from include/uapi/linux/videodev2.h, dma-heap.h and
// dma-buf.h. Field order and widths mirror the C definitions; per-arch size
// assertions live in videodev2_64bit.go and videodev2_arm.go.

type v4l2Capability struct {
	driver       [16]byte
	card         [32]byte
	busInfo      [32]byte
	version      uint32
	capabilities uint32
	deviceCaps   uint32
	reserved     [3]uint32
}

type v4l2Fmtdesc struct {
	index       uint32
	typ         uint32
	flags       uint32
	description [32]byte
	pixelformat uint32
	mbusCode    uint32
	reserved    [3]uint32
}

type v4l2FrmsizeDiscrete struct {
	width  uint32
	height uint32
}

type v4l2FrmsizeStepwise struct {
	minWidth   uint32
	maxWidth   uint32
	stepWidth  uint32
	minHeight  uint32
	maxHeight  uint32
	stepHeight uint32
}

type v4l2Frmsizeenum struct {
	index       uint32
	pixelFormat uint32
	typ         uint32
	discrete    v4l2FrmsizeDiscrete // union with stepwise
	_           [16]byte
	reserved    [2]uint32
}

func (f *v4l2Frmsizeenum) stepwise() *v4l2FrmsizeStepwise {
	return (*v4l2FrmsizeStepwise)(unsafe.Pointer(&f.discrete))
}

type v4l2Fract struct {
	numerator   uint32
	denominator uint32
}

type v4l2Frmivalenum struct {
	index       uint32
	pixelFormat uint32
	width       uint32
	height      uint32
	typ         uint32
	discrete    v4l2Fract // union with stepwise
	_           [16]byte
	reserved    [2]uint32
}

type v4l2PixFormat struct {
	width        uint32
	height       uint32
	pixelformat  uint32
	field        uint32
	bytesperline uint32
	sizeimage    uint32
	colorspace   uint32
	priv         uint32
	flags        uint32
	ycbcrEnc     uint32
	quantization uint32
	xferFunc     uint32
}

// v4l2Format carries a 200 byte union that holds pointers in some members,
// so it is pointer aligned: 208 bytes on 64-bit, 204 on 32-bit.
type v4l2Format struct {
	typ uint32
	fmt struct {
		_    [0]uintptr
		data [200]byte
	}
}

func (f *v4l2Format) pix() *v4l2PixFormat {
	return (*v4l2PixFormat)(unsafe.Pointer(&f.fmt.data[0]))
}

type v4l2RequestBuffers struct {
	count        uint32
	typ          uint32
	memory       uint32
	capabilities uint32
	flags        uint8
	reserved     [3]uint8
}

type v4l2Timecode struct {
	typ      uint32
	flags    uint32
	frames   uint8
	seconds  uint8
	minutes  uint8
	hours    uint8
	userbits [4]uint8
}

// v4l2Buffer is the single-planar buffer descriptor. m is the
// offset/userptr/planes/fd union; offset and fd occupy its low 32 bits on
// the little-endian targets this package supports.
type v4l2Buffer struct {
	index     uint32
	typ       uint32
	bytesused uint32
	flags     uint32
	field     uint32
	timestamp unix.Timeval
	timecode  v4l2Timecode
	sequence  uint32
	memory    uint32
	m         uintptr
	length    uint32
	reserved2 uint32
	requestFD int32
}

func (b *v4l2Buffer) offset() uint32 {
	return uint32(b.m)
}

func (b *v4l2Buffer) setFD(fd int) {
	b.m = uintptr(uint32(int32(fd)))
}

type v4l2Control struct {
	id    uint32
	value int32
}

type dmaHeapAllocationData struct {
	len       uint64
	fd        uint32
	fdFlags   uint32
	heapFlags uint64
}

type dmaBufSync struct {
	flags uint64
}
