//go:build linux

package v4l2

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// GetFormats returns all supported capture pixel formats for a device.
func GetFormats(devicePath string) ([]FormatInfo, error) {
	fd, err := openQuery(devicePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open device: %w", err)
	}
	defer defaultKernel.Close(fd)

	var formats []FormatInfo

	for i := uint32(0); ; i++ {
		desc := v4l2Fmtdesc{
			index: i,
			typ:   bufTypeVideoCapture,
		}

		if ioctlErr := ioctl(fd, vidiocEnumFmt, unsafe.Pointer(&desc)); ioctlErr != nil {
			if errors.Is(ioctlErr, unix.EINVAL) {
				break // End of enumeration
			}
			return nil, fmt.Errorf("failed to enumerate format %d: %w", i, ioctlErr)
		}

		formats = append(formats, FormatInfo{
			PixelFormat: desc.pixelformat,
			FormatName:  cstr(desc.description[:]),
			Emulated:    desc.flags&fmtFlagEmulated != 0,
		})
	}

	return formats, nil
}

// SupportsFormat reports whether pixelFormat is among formats.
func SupportsFormat(formats []FormatInfo, pixelFormat uint32) bool {
	for _, f := range formats {
		if f.PixelFormat == pixelFormat {
			return true
		}
	}
	return false
}

// GetResolutions returns all supported resolutions for a device and pixel format.
func GetResolutions(devicePath string, pixelFormat uint32) ([]Resolution, error) {
	fd, err := openQuery(devicePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open device: %w", err)
	}
	defer defaultKernel.Close(fd)

	var resolutions []Resolution

	for i := uint32(0); ; i++ {
		frmsize := v4l2Frmsizeenum{
			index:       i,
			pixelFormat: pixelFormat,
		}

		if ioctlErr := ioctl(fd, vidiocEnumFramesizes, unsafe.Pointer(&frmsize)); ioctlErr != nil {
			if errors.Is(ioctlErr, unix.EINVAL) {
				break // End of enumeration
			}
			// ENOTTY means device doesn't support frame size enumeration
			if errors.Is(ioctlErr, unix.ENOTTY) {
				return []Resolution{}, nil
			}
			return nil, fmt.Errorf("failed to enumerate frame size %d: %w", i, ioctlErr)
		}

		switch frmsize.typ {
		case frmsizeTypeDiscrete:
			resolutions = append(resolutions, Resolution{
				Width:  frmsize.discrete.width,
				Height: frmsize.discrete.height,
			})
		case frmsizeTypeContinuous, frmsizeTypeStepwise:
			// ToF bridges report a single stepwise range; its bounds are the
			// useful answer.
			sw := frmsize.stepwise()
			resolutions = append(resolutions,
				Resolution{Width: sw.minWidth, Height: sw.minHeight},
				Resolution{Width: sw.maxWidth, Height: sw.maxHeight})
			return resolutions, nil
		}
	}

	return resolutions, nil
}

// GetFramerates returns all supported framerates for a device, format, and resolution.
func GetFramerates(devicePath string, pixelFormat uint32, width, height uint32) ([]Framerate, error) {
	fd, err := openQuery(devicePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open device: %w", err)
	}
	defer defaultKernel.Close(fd)

	var framerates []Framerate

	for i := uint32(0); ; i++ {
		frmival := v4l2Frmivalenum{
			index:       i,
			pixelFormat: pixelFormat,
			width:       width,
			height:      height,
		}

		if ioctlErr := ioctl(fd, vidiocEnumFrameintervals, unsafe.Pointer(&frmival)); ioctlErr != nil {
			if errors.Is(ioctlErr, unix.EINVAL) || errors.Is(ioctlErr, unix.ENOTTY) {
				break
			}
			return nil, fmt.Errorf("failed to enumerate frame interval %d: %w", i, ioctlErr)
		}

		switch frmival.typ {
		case frmivalTypeDiscrete:
			framerates = append(framerates, Framerate{
				Numerator:   frmival.discrete.numerator,
				Denominator: frmival.discrete.denominator,
			})
		case frmivalTypeContinuous, frmivalTypeStepwise:
			// Report the fastest interval of the range.
			framerates = append(framerates, Framerate{
				Numerator:   frmival.discrete.numerator,
				Denominator: frmival.discrete.denominator,
			})
			return framerates, nil
		}
	}

	return framerates, nil
}

// FormatFourCC converts a 4-byte pixel format to a human-readable string.
func FormatFourCC(format uint32) string {
	b := make([]byte, 4)
	b[0] = byte(format & 0xFF)
	b[1] = byte((format >> 8) & 0xFF)
	b[2] = byte((format >> 16) & 0xFF)
	b[3] = byte((format >> 24) & 0xFF)
	return string(b)
}
