//go:build linux

package v4l2

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Control classes and standard control IDs.
const (
	CtrlClassUser = 0x00980000
	CIDBase       = CtrlClassUser | 0x900
	CIDHFlip      = CIDBase + 20
	CIDVFlip      = CIDBase + 21
)

// Media bus and colour constants used for sub-device formats.
const (
	MbusFmtY12 = 0x2013

	fieldNone             = 1
	colorspaceRaw         = 11
	ycbcrEnc601           = 1
	quantizationFullRange = 1
	xferFuncNone          = 5

	subdevFormatActive = 1
)

type v4l2MbusFramefmt struct {
	width        uint32
	height       uint32
	code         uint32
	field        uint32
	colorspace   uint32
	ycbcrEnc     uint16
	quantization uint16
	xferFunc     uint16
	flags        uint16
	reserved     [10]uint16
}

type v4l2SubdevFormat struct {
	which    uint32
	pad      uint32
	format   v4l2MbusFramefmt
	stream   uint32
	reserved [7]uint32
}

var (
	_ [48]byte = [unsafe.Sizeof(v4l2MbusFramefmt{})]byte{}
	_ [88]byte = [unsafe.Sizeof(v4l2SubdevFormat{})]byte{}
)

var vidiocSubdevSFmt = iowr('V', 5, unsafe.Sizeof(v4l2SubdevFormat{}))

// SubdevFormat is the media bus format applied to a sensor or bridge
// sub-device pad.
type SubdevFormat struct {
	Pad    uint32
	Width  uint32
	Height uint32
	Code   uint32
	// Raw selects the raw colourspace with no transfer function, as ToF
	// sensors expect on their source pad.
	Raw bool
}

// SetControl opens a device or sub-device node and sets a single control.
func SetControl(path string, id uint32, value int32) error {
	return withNode(defaultKernel, path, func(k kernel, fd int) error {
		return setControl(k, fd, id, value)
	})
}

// SetSubdevFormat sets the active format on a sub-device pad.
func SetSubdevFormat(path string, f SubdevFormat) error {
	return withNode(defaultKernel, path, func(k kernel, fd int) error {
		return setSubdevFormat(k, fd, f)
	})
}

func withNode(k kernel, path string, fn func(kernel, int) error) error {
	fd, err := k.Open(path, unix.O_RDWR|unix.O_CLOEXEC)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	if err := fn(k, fd); err != nil {
		return errors.Join(fmt.Errorf("%s: %w", path, err), k.Close(fd))
	}
	return k.Close(fd)
}

func setControl(k kernel, fd int, id uint32, value int32) error {
	ctrl := v4l2Control{id: id, value: value}
	if err := xioctl(k, fd, vidiocSCtrl, unsafe.Pointer(&ctrl)); err != nil {
		return fmt.Errorf("VIDIOC_S_CTRL %#x=%d: %w", id, value, err)
	}
	return nil
}

func setSubdevFormat(k kernel, fd int, f SubdevFormat) error {
	sf := v4l2SubdevFormat{
		which: subdevFormatActive,
		pad:   f.Pad,
		format: v4l2MbusFramefmt{
			width:  f.Width,
			height: f.Height,
			code:   f.Code,
			field:  fieldNone,
		},
	}
	if f.Raw {
		sf.format.colorspace = colorspaceRaw
		sf.format.xferFunc = xferFuncNone
		sf.format.ycbcrEnc = ycbcrEnc601
		sf.format.quantization = quantizationFullRange
	}
	if err := xioctl(k, fd, vidiocSubdevSFmt, unsafe.Pointer(&sf)); err != nil {
		return fmt.Errorf("VIDIOC_SUBDEV_S_FMT pad %d %dx%d: %w", f.Pad, f.Width, f.Height, err)
	}
	return nil
}
