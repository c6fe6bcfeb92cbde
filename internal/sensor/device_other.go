//go:build !linux

package sensor

import (
	"log/slog"
	"time"
)

// DeviceConfig names the capture node opened for a profile.
type DeviceConfig struct {
	Path     string
	HeapPath string
	Logger   *slog.Logger
}

// Device is unavailable off Linux; Open always fails.
type Device struct{ profile Profile }

// Open reports ErrUnsupported. Use a replay source instead.
func Open(Profile, DeviceConfig) (*Device, error) { return nil, ErrUnsupported }

// ApplySettings reports ErrUnsupported when the profile has any settings.
func ApplySettings(p Profile) error {
	if len(p.Controls) > 0 || len(p.Formats) > 0 {
		return ErrUnsupported
	}
	return nil
}

func (d *Device) StreamOn() error          { return ErrUnsupported }
func (d *Device) StreamOff() error         { return ErrUnsupported }
func (d *Device) Enqueue(int) error        { return ErrUnsupported }
func (d *Device) Dequeue() (Buffer, error) { return Buffer{Index: NoBuffer}, ErrUnsupported }
func (d *Device) Format() Format           { return Format{} }
func (d *Device) WaitReady(time.Duration) (bool, error) {
	return false, ErrUnsupported
}
func (d *Device) Close() error             { return nil }
func (d *Device) Path() string             { return "" }
func (d *Device) Memory() string           { return "" }
func (d *Device) NumBuffers() int          { return 0 }
func (d *Device) Streaming() bool          { return false }
func (d *Device) Profile() Profile         { return d.profile }
