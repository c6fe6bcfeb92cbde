//go:build linux

package v4l2

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unsafe"
)

const sysfsVideo4Linux = "/sys/class/video4linux"

// FindDevices finds all V4L2 video capture devices that support streaming.
func FindDevices() ([]DeviceInfo, error) {
	entries, err := os.ReadDir(sysfsVideo4Linux)
	if err != nil {
		if os.IsNotExist(err) {
			return []DeviceInfo{}, nil
		}
		return nil, fmt.Errorf("failed to read video4linux directory: %w", err)
	}

	logger := slog.With("component", "linuxav")
	var devices []DeviceInfo

	for _, entry := range entries {
		if !strings.HasPrefix(entry.Name(), "video") {
			continue
		}

		devicePath := "/dev/" + entry.Name()
		c, err := queryCapability(devicePath)
		if err != nil {
			logger.Debug("failed to query device capabilities", "path", devicePath, "error", err)
			continue
		}

		caps := effectiveCaps(c)
		if caps&capVideoCapture == 0 {
			continue
		}

		indexValue := readSysfsInt(filepath.Join(sysfsVideo4Linux, entry.Name(), "index"))

		stableID := findStableID(entry.Name(), indexValue)
		if stableID == "" {
			busInfo := cstr(c.busInfo[:])
			if strings.HasPrefix(busInfo, "usb-") {
				stableID = fmt.Sprintf("%s-video-index%d", busInfo, indexValue)
			} else {
				stableID = fmt.Sprintf("platform-%s-video-index%d", busInfo, indexValue)
			}
		}

		devices = append(devices, DeviceInfo{
			DevicePath: devicePath,
			DeviceName: cstr(c.card[:]),
			DeviceID:   stableID,
			Driver:     cstr(c.driver[:]),
			Caps:       caps,
		})
	}

	return devices, nil
}

// GetDevicePathByID finds the device path for a given stable device ID.
func GetDevicePathByID(deviceID string) (string, error) {
	devices, err := FindDevices()
	if err != nil {
		return "", fmt.Errorf("failed to find devices: %w", err)
	}

	for _, device := range devices {
		if device.DeviceID == deviceID {
			return device.DevicePath, nil
		}
	}

	return "", fmt.Errorf("device with ID %s not found", deviceID)
}

// ResolveDevicePath accepts either a device node path or a stable ID.
func ResolveDevicePath(device string) (string, error) {
	if strings.HasPrefix(device, "/") {
		return device, nil
	}
	return GetDevicePathByID(device)
}

// findStableID looks for a stable ID symlink in /dev/v4l/by-id/
func findStableID(deviceName string, indexValue int) string {
	byIDDir := "/dev/v4l/by-id"
	entries, err := os.ReadDir(byIDDir)
	if err != nil {
		return ""
	}

	expectedSuffix := fmt.Sprintf("-video-index%d", indexValue)

	for _, entry := range entries {
		if entry.Type()&os.ModeSymlink == 0 {
			continue
		}

		target, err := os.Readlink(filepath.Join(byIDDir, entry.Name()))
		if err != nil {
			continue
		}

		if filepath.Base(target) == deviceName && strings.HasSuffix(entry.Name(), expectedSuffix) {
			return entry.Name()
		}
	}

	return ""
}

// readSysfsInt reads an integer value from a sysfs file.
func readSysfsInt(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	val, _ := strconv.Atoi(strings.TrimSpace(string(data)))
	return val
}

// cstr converts a null-terminated byte slice to a Go string.
func cstr(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}

func effectiveCaps(c *v4l2Capability) uint32 {
	if c.capabilities&capDeviceCaps != 0 {
		return c.deviceCaps
	}
	return c.capabilities
}

// queryCapability opens a node just long enough to read its capabilities.
func queryCapability(devicePath string) (*v4l2Capability, error) {
	fd, err := openQuery(devicePath)
	if err != nil {
		return nil, err
	}

	c := &v4l2Capability{}
	err = ioctl(fd, vidiocQuerycap, unsafe.Pointer(c))
	if cerr := defaultKernel.Close(fd); cerr != nil {
		err = errors.Join(err, cerr)
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}
