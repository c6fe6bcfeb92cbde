//go:build linux

package hotplug

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestParseUEvent(t *testing.T) {
	tests := []struct {
		name     string
		input    []byte
		expected *Event
	}{
		{
			name:     "empty input",
			input:    []byte{},
			expected: nil,
		},
		{
			name:     "nil input",
			input:    nil,
			expected: nil,
		},
		{
			name:     "no @ separator",
			input:    []byte("invalid"),
			expected: nil,
		},
		{
			name:     "missing action",
			input:    []byte("@/devices/foo"),
			expected: nil,
		},
		{
			name:  "simple add event",
			input: []byte("add@/devices/pci0000:00/video0\x00SUBSYSTEM=video4linux\x00DEVNAME=video0\x00"),
			expected: &Event{
				Action:    "add",
				KObj:      "/devices/pci0000:00/video0",
				Subsystem: "video4linux",
				DevName:   "video0",
				Env: map[string]string{
					"SUBSYSTEM": "video4linux",
					"DEVNAME":   "video0",
				},
			},
		},
		{
			name:  "remove event with multiple properties",
			input: []byte("remove@/devices/usb/1-1\x00SUBSYSTEM=usb\x00DEVTYPE=usb_device\x00DEVPATH=/devices/usb/1-1\x00PRODUCT=1234/5678/0100\x00"),
			expected: &Event{
				Action:    "remove",
				KObj:      "/devices/usb/1-1",
				Subsystem: "usb",
				DevType:   "usb_device",
				DevPath:   "/devices/usb/1-1",
				Env: map[string]string{
					"SUBSYSTEM": "usb",
					"DEVTYPE":   "usb_device",
					"DEVPATH":   "/devices/usb/1-1",
					"PRODUCT":   "1234/5678/0100",
				},
			},
		},
		{
			name:  "change event",
			input: []byte("change@/devices/platform/media0\x00SUBSYSTEM=media\x00"),
			expected: &Event{
				Action:    "change",
				KObj:      "/devices/platform/media0",
				Subsystem: "media",
				Env: map[string]string{
					"SUBSYSTEM": "media",
				},
			},
		},
		{
			name:  "event with empty values",
			input: []byte("add@/devices/test\x00KEY1=value1\x00KEY2=\x00KEY3=value3\x00"),
			expected: &Event{
				Action: "add",
				KObj:   "/devices/test",
				Env: map[string]string{
					"KEY1": "value1",
					"KEY2": "",
					"KEY3": "value3",
				},
			},
		},
		{
			name:  "event with trailing nulls",
			input: []byte("bind@/devices/foo\x00SUBSYSTEM=pci\x00\x00\x00"),
			expected: &Event{
				Action:    "bind",
				KObj:      "/devices/foo",
				Subsystem: "pci",
				Env: map[string]string{
					"SUBSYSTEM": "pci",
				},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ParseUEvent(tt.input)

			if tt.expected == nil {
				if result != nil {
					t.Errorf("expected nil, got %+v", result)
				}
				return
			}

			if result == nil {
				t.Fatalf("expected %+v, got nil", tt.expected)
			}

			if result.Action != tt.expected.Action {
				t.Errorf("Action: expected %q, got %q", tt.expected.Action, result.Action)
			}
			if result.KObj != tt.expected.KObj {
				t.Errorf("KObj: expected %q, got %q", tt.expected.KObj, result.KObj)
			}
			if result.Subsystem != tt.expected.Subsystem {
				t.Errorf("Subsystem: expected %q, got %q", tt.expected.Subsystem, result.Subsystem)
			}
			if result.DevType != tt.expected.DevType {
				t.Errorf("DevType: expected %q, got %q", tt.expected.DevType, result.DevType)
			}
			if result.DevName != tt.expected.DevName {
				t.Errorf("DevName: expected %q, got %q", tt.expected.DevName, result.DevName)
			}
			if result.DevPath != tt.expected.DevPath {
				t.Errorf("DevPath: expected %q, got %q", tt.expected.DevPath, result.DevPath)
			}

			if len(result.Env) != len(tt.expected.Env) {
				t.Errorf("Env length: expected %d, got %d", len(tt.expected.Env), len(result.Env))
			}
			for k, v := range tt.expected.Env {
				if result.Env[k] != v {
					t.Errorf("Env[%q]: expected %q, got %q", k, v, result.Env[k])
				}
			}
		})
	}
}

func TestEventNode(t *testing.T) {
	ev := ParseUEvent([]byte("remove@/devices/platform/csi/video4linux/v4l-subdev2\x00SUBSYSTEM=video4linux\x00DEVNAME=v4l-subdev2\x00"))
	if ev == nil {
		t.Fatal("ParseUEvent returned nil")
	}
	if got := ev.Node(); got != "/dev/v4l-subdev2" {
		t.Errorf("Node() = %q", got)
	}
	if !ev.Affects("/dev/video0", "/dev/v4l-subdev2") {
		t.Error("Affects should match the sub-device")
	}
	if ev.Affects("/dev/video0") {
		t.Error("Affects matched an unrelated node")
	}

	bare := Event{Action: ActionRemove}
	if bare.Node() != "" || bare.Affects("") {
		t.Error("events without DEVNAME have no node")
	}
}

func TestParseUEventLibudevHeader(t *testing.T) {
	msg := append([]byte("libudev\x00\xfe\xed\xca\xfe\x00"), []byte("add@/devices/video0\x00SUBSYSTEM=video4linux\x00DEVNAME=video0\x00")...)
	ev := ParseUEvent(msg)
	if ev == nil || ev.Action != ActionAdd || ev.Node() != "/dev/video0" {
		t.Fatalf("ParseUEvent = %+v", ev)
	}
}

func TestMonitorClose(t *testing.T) {
	m, err := NewMonitor()
	if err != nil {
		t.Skipf("netlink unavailable: %v", err)
	}
	if m.fd <= 0 {
		t.Errorf("expected valid fd, got %d", m.fd)
	}
	if err := m.Close(); err != nil {
		t.Errorf("Close() error: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Errorf("second Close() = %v, want the first result", err)
	}
}

func TestMonitorFilters(t *testing.T) {
	m := &Monitor{filters: make(map[string]struct{})}
	if !m.accepts(SubsystemUSB) {
		t.Error("no filters should accept everything")
	}

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				m.AddSubsystemFilter(SubsystemVideo4Linux)
				m.AddSubsystemFilter(SubsystemMedia)
			}
		}()
	}
	wg.Wait()

	if !m.accepts(SubsystemVideo4Linux) || !m.accepts(SubsystemMedia) {
		t.Error("filtered subsystems should be accepted")
	}
	if m.accepts(SubsystemUSB) {
		t.Error("usb should be filtered out")
	}
}

func TestMonitorRunCancellation(t *testing.T) {
	m, err := NewMonitor()
	if err != nil {
		t.Skipf("netlink unavailable: %v", err)
	}
	defer m.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	events := make(chan Event, 1)
	if err := m.Run(ctx, events); !errors.Is(err, context.Canceled) {
		t.Errorf("Run() = %v, want context.Canceled", err)
	}
	if _, open := <-events; open {
		t.Error("Run must close the events channel")
	}
}
