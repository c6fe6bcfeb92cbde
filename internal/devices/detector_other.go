//go:build !linux

package devices

import (
	"context"
	"strings"

	"github.com/smazurov/tofnode/internal/sensor"
)

// stubDetector reports no devices so the API and replay mode still run
// off Linux.
type stubDetector struct{}

func newDetector() Detector { return stubDetector{} }

func (stubDetector) FindDevices() ([]DeviceInfo, error) { return []DeviceInfo{}, nil }

func (stubDetector) ResolveDevicePath(device string) (string, error) {
	if strings.HasPrefix(device, "/") {
		return device, nil
	}
	return "", sensor.ErrUnsupported
}

func (stubDetector) Watch(ctx context.Context, _ Publisher) error {
	<-ctx.Done()
	return ctx.Err()
}
