// Package devices lists V4L2 capture nodes and reports hotplug changes on
// the event bus.
package devices

import (
	"context"

	"github.com/smazurov/tofnode/internal/events"
)

// DeviceInfo describes one V4L2 capture node.
type DeviceInfo struct {
	DevicePath string `json:"device_path" example:"/dev/video0" doc:"Device node"`
	DeviceName string `json:"device_name" example:"bo410" doc:"Card name reported by the driver"`
	DeviceID   string `json:"device_id" example:"platform-fe801000.csi-video-index0" doc:"Stable identifier"`
	Driver     string `json:"driver" example:"unicam" doc:"Driver name"`
	Caps       uint32 `json:"caps" doc:"Effective capability flags"`
	Streaming  bool   `json:"streaming" doc:"Whether the node supports streaming I/O"`
	Y12P       bool   `json:"y12p" doc:"Whether the node offers packed 12-bit Y12P"`
	// Y12P frame sizes and the fastest rate at the first one, when the
	// driver enumerates them.
	Sizes  []string `json:"sizes,omitempty" doc:"Y12P frame sizes"`
	MaxFPS float64  `json:"max_fps,omitempty" example:"30" doc:"Fastest Y12P frame rate at the first size"`
}

// Publisher receives discovery events.
type Publisher interface {
	Publish(events.Event)
}

// Detector finds capture devices and watches for hotplug changes.
type Detector interface {
	// FindDevices returns every capture-capable node.
	FindDevices() ([]DeviceInfo, error)

	// ResolveDevicePath accepts a /dev path or a stable device id.
	ResolveDevicePath(device string) (string, error)

	// Watch publishes a DeviceDiscoveryEvent for every video4linux node
	// that appears or disappears. It blocks until ctx is cancelled.
	Watch(ctx context.Context, pub Publisher) error
}

// NewDetector creates the platform detector.
func NewDetector() Detector {
	return newDetector()
}
