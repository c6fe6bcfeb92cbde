//go:build linux

package v4l2

import (
	"errors"
	"fmt"
	"strings"
)

// DeviceInfo contains information about a V4L2 device.
type DeviceInfo struct {
	DevicePath string
	DeviceName string
	DeviceID   string // Stable identifier (from /dev/v4l/by-id/ or synthetic)
	Driver     string
	Caps       uint32
}

// Streaming reports whether the device supports the streaming I/O method.
func (d DeviceInfo) Streaming() bool {
	return d.Caps&capStreaming != 0
}

// FormatInfo contains information about a supported pixel format.
type FormatInfo struct {
	PixelFormat uint32
	FormatName  string
	Emulated    bool
}

// Resolution represents a supported video resolution.
type Resolution struct {
	Width  uint32
	Height uint32
}

// Framerate represents a supported framerate as a fraction.
type Framerate struct {
	Numerator   uint32
	Denominator uint32
}

// FPS returns the framerate as frames per second.
func (f Framerate) FPS() float64 {
	if f.Numerator == 0 {
		return 0
	}
	return float64(f.Denominator) / float64(f.Numerator)
}

// ImageFormat is the format negotiated by OpenCaptureDevice. It does not
// change for the lifetime of the device.
type ImageFormat struct {
	Width        uint32
	Height       uint32
	BytesPerLine uint32
	SizeImage    uint32
	PixelFormat  uint32
}

func (f ImageFormat) String() string {
	return fmt.Sprintf("%dx%d %s stride=%d size=%d",
		f.Width, f.Height, FormatFourCC(f.PixelFormat), f.BytesPerLine, f.SizeImage)
}

// Size is an image size in pixels.
type Size struct {
	Width  uint32
	Height uint32
}

// MemoryType selects how capture buffers are backed.
type MemoryType int

// Memory types.
const (
	// MemoryMMAP maps driver-allocated buffers into the process.
	MemoryMMAP MemoryType = iota
	// MemoryDMABuf allocates buffers from a DMA heap and imports them into
	// the driver as dma-buf descriptors.
	MemoryDMABuf
)

func (m MemoryType) String() string {
	switch m {
	case MemoryMMAP:
		return "mmap"
	case MemoryDMABuf:
		return "dmabuf"
	}
	return fmt.Sprintf("MemoryType(%d)", int(m))
}

// ParseMemoryType accepts "mmap" or "dmabuf".
func ParseMemoryType(s string) (MemoryType, error) {
	switch strings.ToLower(s) {
	case "mmap":
		return MemoryMMAP, nil
	case "dmabuf", "dma", "dmaheap":
		return MemoryDMABuf, nil
	}
	return 0, fmt.Errorf("unknown memory type %q", s)
}

func (m MemoryType) v4l2() uint32 {
	if m == MemoryDMABuf {
		return memoryDMABuf
	}
	return memoryMMAP
}

// Usage errors. They indicate a caller bug and are never retried.
var (
	ErrClosed           = errors.New("v4l2: device closed")
	ErrNotStreaming     = errors.New("v4l2: device not streaming")
	ErrAlreadyStreaming = errors.New("v4l2: device already streaming")
	ErrSlotNotOwned     = errors.New("v4l2: buffer slot not owned by caller")
)

// Capability flags.
const (
	capVideoCapture = 0x00000001
	capStreaming    = 0x04000000
	capDeviceCaps   = 0x80000000
)

// Format flags.
const (
	fmtFlagEmulated = 0x0002
)

// Fourcc builds a pixel format code from four characters.
func Fourcc(a, b, c, d byte) uint32 {
	return uint32(a) | uint32(b)<<8 | uint32(c)<<16 | uint32(d)<<24
}

// Pixel formats.
var (
	// PixFmtY12P is 12-bit greyscale, two samples packed in three bytes.
	PixFmtY12P = Fourcc('Y', '1', '2', 'P')
	PixFmtYUYV = Fourcc('Y', 'U', 'Y', 'V')
	PixFmtGrey = Fourcc('G', 'R', 'E', 'Y')
)

// Frame size types.
const (
	frmsizeTypeDiscrete   = 1
	frmsizeTypeContinuous = 2
	frmsizeTypeStepwise   = 3
)

// Frame interval types.
const (
	frmivalTypeDiscrete   = 1
	frmivalTypeContinuous = 2
	frmivalTypeStepwise   = 3
)

const (
	bufTypeVideoCapture = 1

	memoryMMAP   = 1
	memoryDMABuf = 4

	colorspaceDefault = 0
	fieldAny          = 0
)

// DMA heap and dma-buf sync flags.
const (
	dmaBufSyncRead  = 1 << 0
	dmaBufSyncWrite = 2 << 0
	dmaBufSyncRW    = dmaBufSyncRead | dmaBufSyncWrite
	dmaBufSyncStart = 0 << 2
	dmaBufSyncEnd   = 1 << 2
)

// DefaultHeapPath is the contiguous memory heap used for MemoryDMABuf.
const DefaultHeapPath = "/dev/dma_heap/linux,cma"
