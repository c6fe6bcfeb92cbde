package led

import (
	"log/slog"
	"os"
	"strings"
)

const deviceTreeModelPath = "/proc/device-tree/model"

// RoleStatus is the LED reflecting capture state.
const RoleStatus = "status"

// New returns a controller for the board. A non-empty name selects that
// /sys/class/leds entry as the status LED; otherwise the board model picks
// one. Boards without a known LED get a no-op controller.
func New(name string, logger *slog.Logger) Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if name != "" {
		logger.Info("Using configured status LED", "led", name)
		return newSysfs(sysfsLEDPath, map[string]string{RoleStatus: name})
	}

	model := detectBoard()
	if led := boardLED(model); led != "" {
		logger.Info("Detected board status LED", "board_model", model, "led", led)
		return newSysfs(sysfsLEDPath, map[string]string{RoleStatus: led})
	}
	logger.Info("No LED support detected, using no-op controller", "board_model", model)
	return newNoop(logger)
}

// boardLED maps a device tree model to its user-controllable LED.
func boardLED(model string) string {
	switch {
	case strings.Contains(model, "Raspberry Pi"):
		return "ACT"
	case strings.Contains(model, "NanoPC-T6"):
		return "usr_led"
	case strings.Contains(model, "Orange Pi"):
		return "green_led"
	default:
		return ""
	}
}

func detectBoard() string {
	data, err := os.ReadFile(deviceTreeModelPath)
	if err != nil {
		return "unknown"
	}
	// Device tree strings are NUL terminated
	return strings.TrimRight(string(data), "\x00")
}
