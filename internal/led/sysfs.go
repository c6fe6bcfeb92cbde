package led

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
)

const sysfsLEDPath = "/sys/class/leds"

// sysfs drives LEDs through the kernel LED class.
type sysfs struct {
	root string
	leds map[string]string // role -> sysfs name
}

func newSysfs(root string, leds map[string]string) *sysfs {
	return &sysfs{root: root, leds: leds}
}

// Set writes the trigger for pattern, then the brightness when the LED is
// under manual control.
func (s *sysfs) Set(role string, pattern Pattern) error {
	name, ok := s.leds[role]
	if !ok {
		return fmt.Errorf("LED role %q not supported on this board", role)
	}
	dir := filepath.Join(s.root, name)
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("LED %q: %w", role, err)
	}

	var trigger, brightness string
	switch pattern {
	case PatternOff:
		trigger, brightness = "none", "0"
	case PatternSolid:
		trigger, brightness = "none", "1"
	case PatternBlink:
		trigger = "timer"
	case PatternHeartbeat:
		trigger = "heartbeat"
	default:
		return fmt.Errorf("unknown LED pattern %q", pattern)
	}

	if err := os.WriteFile(filepath.Join(dir, "trigger"), []byte(trigger), 0o644); err != nil {
		return fmt.Errorf("failed to set LED trigger: %w", err)
	}
	if brightness == "" {
		return nil
	}
	if err := os.WriteFile(filepath.Join(dir, "brightness"), []byte(brightness), 0o644); err != nil {
		return fmt.Errorf("failed to set LED brightness: %w", err)
	}
	return nil
}

func (s *sysfs) Available() []string {
	roles := make([]string, 0, len(s.leds))
	for role := range s.leds {
		roles = append(roles, role)
	}
	slices.Sort(roles)
	return roles
}
