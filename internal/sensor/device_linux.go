//go:build linux

package sensor

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/smazurov/tofnode/pkg/linuxav/v4l2"
)

// DeviceConfig names the capture node opened for a profile.
type DeviceConfig struct {
	Path     string
	HeapPath string
	Logger   *slog.Logger
}

// Device is a V4L2 capture device opened for a profile.
type Device struct {
	cap     *v4l2.CaptureDevice
	profile Profile
}

// Open applies the profile's sub-device settings and opens the capture
// node with the profile's buffer count, memory strategy and size.
func Open(p Profile, cfg DeviceConfig) (*Device, error) {
	if err := ApplySettings(p); err != nil {
		return nil, err
	}

	mem, err := v4l2.ParseMemoryType(p.Memory)
	if err != nil {
		return nil, err
	}
	cc := v4l2.CaptureConfig{
		Path:       cfg.Path,
		NumBuffers: p.NumBuffers,
		Memory:     mem,
		HeapPath:   cfg.HeapPath,
		Logger:     cfg.Logger,
	}
	if p.Width != 0 && p.Height != 0 {
		cc.Size = &v4l2.Size{Width: p.Width, Height: p.Height}
	}

	dev, err := v4l2.OpenCaptureDevice(cc)
	if err != nil {
		return nil, err
	}
	d := &Device{cap: dev, profile: p}
	if err := p.Layout.Validate(d.Format()); err != nil {
		return nil, fmt.Errorf("%s on %s: %w", p.Name, cfg.Path, errJoinClose(err, dev))
	}
	return d, nil
}

// ApplySettings writes the profile's controls and sub-device formats.
func ApplySettings(p Profile) error {
	for _, f := range p.Formats {
		sf := v4l2.SubdevFormat{Width: f.Width, Height: f.Height, Code: v4l2.MbusFmtY12, Raw: f.Raw}
		if err := v4l2.SetSubdevFormat(f.Node, sf); err != nil {
			return fmt.Errorf("%s: %w", p.Name, err)
		}
	}
	for _, c := range p.Controls {
		if err := v4l2.SetControl(c.Node, c.ID, c.Value); err != nil {
			return fmt.Errorf("%s: %w", p.Name, err)
		}
	}
	return nil
}

func errJoinClose(err error, dev *v4l2.CaptureDevice) error {
	if cerr := dev.Close(); cerr != nil {
		return fmt.Errorf("%w (close: %v)", err, cerr)
	}
	return err
}

func (d *Device) StreamOn() error  { return d.cap.StreamOn() }
func (d *Device) StreamOff() error { return d.cap.StreamOff() }
func (d *Device) Enqueue(i int) error {
	return d.cap.Enqueue(i)
}

func (d *Device) Dequeue() (Buffer, error) {
	b, err := d.cap.Dequeue()
	if err != nil {
		return Buffer{Index: b.Index}, err
	}
	return Buffer{Index: b.Index, Data: b.Data, Sequence: b.Sequence, Timestamp: b.Timestamp}, nil
}

// WaitReady polls the capture node for a filled buffer.
func (d *Device) WaitReady(timeout time.Duration) (bool, error) {
	return d.cap.WaitReady(timeout)
}

func (d *Device) Format() Format {
	f := d.cap.Format()
	return Format{
		Width:        f.Width,
		Height:       f.Height,
		BytesPerLine: f.BytesPerLine,
		SizeImage:    f.SizeImage,
		PixelFormat:  v4l2.FormatFourCC(f.PixelFormat),
	}
}

func (d *Device) Close() error { return d.cap.Close() }

// Path returns the capture node path.
func (d *Device) Path() string { return d.cap.Path() }

// Memory returns the memory strategy in use.
func (d *Device) Memory() string { return d.cap.Memory().String() }

// NumBuffers returns the number of buffers granted by the driver.
func (d *Device) NumBuffers() int { return d.cap.NumBuffers() }

// Streaming reports whether the device is streaming.
func (d *Device) Streaming() bool { return d.cap.Streaming() }

// Profile returns the profile the device was opened with.
func (d *Device) Profile() Profile { return d.profile }
