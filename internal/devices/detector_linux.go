//go:build linux

package devices

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/smazurov/tofnode/internal/events"
	"github.com/smazurov/tofnode/internal/logging"
	"github.com/smazurov/tofnode/pkg/linuxav/hotplug"
	"github.com/smazurov/tofnode/pkg/linuxav/v4l2"
)

type linuxDetector struct {
	logger *slog.Logger
}

func newDetector() Detector {
	return &linuxDetector{logger: logging.GetLogger("devices")}
}

// FindDevices returns all capture nodes and whether they offer Y12P.
func (d *linuxDetector) FindDevices() ([]DeviceInfo, error) {
	found, err := v4l2.FindDevices()
	if err != nil {
		return nil, err
	}

	devices := make([]DeviceInfo, 0, len(found))
	for _, dev := range found {
		info := DeviceInfo{
			DevicePath: dev.DevicePath,
			DeviceName: dev.DeviceName,
			DeviceID:   dev.DeviceID,
			Driver:     dev.Driver,
			Caps:       dev.Caps,
			Streaming:  dev.Streaming(),
		}
		formats, err := v4l2.GetFormats(dev.DevicePath)
		if err != nil {
			d.logger.Debug("Failed to enumerate formats", "path", dev.DevicePath, "error", err)
		} else {
			info.Y12P = v4l2.SupportsFormat(formats, v4l2.PixFmtY12P)
		}
		if info.Y12P {
			d.describeY12P(&info)
		}
		devices = append(devices, info)
	}
	return devices, nil
}

// describeY12P fills the Y12P sizes and frame rate. Bridges that do not
// enumerate sizes leave them empty.
func (d *linuxDetector) describeY12P(info *DeviceInfo) {
	sizes, err := v4l2.GetResolutions(info.DevicePath, v4l2.PixFmtY12P)
	if err != nil {
		d.logger.Debug("Failed to enumerate frame sizes", "path", info.DevicePath, "error", err)
		return
	}
	for _, r := range sizes {
		info.Sizes = append(info.Sizes, fmt.Sprintf("%dx%d", r.Width, r.Height))
	}
	if len(sizes) == 0 {
		return
	}

	rates, err := v4l2.GetFramerates(info.DevicePath, v4l2.PixFmtY12P, sizes[0].Width, sizes[0].Height)
	if err != nil {
		d.logger.Debug("Failed to enumerate frame intervals", "path", info.DevicePath, "error", err)
		return
	}
	for _, r := range rates {
		info.MaxFPS = max(info.MaxFPS, r.FPS())
	}
}

func (d *linuxDetector) ResolveDevicePath(device string) (string, error) {
	return v4l2.ResolveDevicePath(device)
}

// Watch listens for video4linux uevents over netlink.
func (d *linuxDetector) Watch(ctx context.Context, pub Publisher) error {
	mon, err := hotplug.NewMonitor()
	if err != nil {
		return err
	}
	defer mon.Close()
	mon.AddSubsystemFilter(hotplug.SubsystemVideo4Linux)

	ch := make(chan hotplug.Event, 16)
	errCh := make(chan error, 1)
	go func() { errCh <- mon.Run(ctx, ch) }()

	d.logger.Info("Hotplug monitoring started")
	for ev := range ch {
		de, ok := discoveryEvent(ev, time.Now())
		if !ok {
			continue
		}
		d.logger.Info("Device changed", "action", de.Action, "path", de.DevicePath)
		pub.Publish(de)
	}

	err = <-errCh
	if errors.Is(err, context.Canceled) {
		d.logger.Info("Hotplug monitoring stopped")
	}
	return err
}

// discoveryEvent keeps node additions and removals.
func discoveryEvent(ev hotplug.Event, now time.Time) (events.DeviceDiscoveryEvent, bool) {
	if ev.Action != hotplug.ActionAdd && ev.Action != hotplug.ActionRemove {
		return events.DeviceDiscoveryEvent{}, false
	}
	node := ev.Node()
	if node == "" {
		return events.DeviceDiscoveryEvent{}, false
	}
	return events.DeviceDiscoveryEvent{
		DevicePath: node,
		Action:     ev.Action,
		Timestamp:  now.Format(time.RFC3339),
	}, true
}
