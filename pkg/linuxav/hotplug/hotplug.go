//go:build linux

// Package hotplug listens for kernel uevents over netlink so capture loops
// can react when a sensor node or its sub-devices disappear.
package hotplug

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

// Actions the capture supervisor reacts to.
const (
	ActionAdd    = "add"
	ActionRemove = "remove"
	ActionChange = "change"
	ActionBind   = "bind"
	ActionUnbind = "unbind"
)

// Subsystems of interest. Video nodes and V4L2 sub-devices both report
// video4linux; the media controller node reports media.
const (
	SubsystemVideo4Linux = "video4linux"
	SubsystemMedia       = "media"
	SubsystemUSB         = "usb"
)

// netlinkKobjectUEvent is NETLINK_KOBJECT_UEVENT.
const netlinkKobjectUEvent = 15

// pollInterval bounds each wait so Run notices cancellation.
const pollInterval = 500

// Event is one kernel uevent.
type Event struct {
	Action    string
	KObj      string // kernel object path, /devices/...
	Subsystem string
	DevType   string
	DevName   string // node name relative to /dev, e.g. video0 or v4l-subdev2
	DevPath   string
	Env       map[string]string
}

// Node returns the /dev path of the event's device node, or "" when the
// event carries no DEVNAME.
func (e Event) Node() string {
	if e.DevName == "" {
		return ""
	}
	return "/dev/" + e.DevName
}

// Affects reports whether the event concerns any of nodes.
func (e Event) Affects(nodes ...string) bool {
	n := e.Node()
	if n == "" {
		return false
	}
	for _, node := range nodes {
		if node == n {
			return true
		}
	}
	return false
}

// Monitor reads uevents from the kernel broadcast group.
type Monitor struct {
	fd        int
	closeOnce sync.Once
	closeErr  error

	filtersMu sync.RWMutex
	filters   map[string]struct{}
}

// NewMonitor opens and binds the netlink socket.
func NewMonitor() (*Monitor, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, netlinkKobjectUEvent)
	if err != nil {
		return nil, err
	}
	if err := unix.Bind(fd, &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: 1}); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return &Monitor{fd: fd, filters: make(map[string]struct{})}, nil
}

// AddSubsystemFilter restricts Run to the given subsystem. With no filters
// every event passes. Safe for concurrent use.
func (m *Monitor) AddSubsystemFilter(subsystem string) {
	m.filtersMu.Lock()
	m.filters[subsystem] = struct{}{}
	m.filtersMu.Unlock()
}

func (m *Monitor) accepts(subsystem string) bool {
	m.filtersMu.RLock()
	defer m.filtersMu.RUnlock()
	if len(m.filters) == 0 {
		return true
	}
	_, ok := m.filters[subsystem]
	return ok
}

// Close releases the socket. Later calls return the first result.
func (m *Monitor) Close() error {
	m.closeOnce.Do(func() { m.closeErr = unix.Close(m.fd) })
	return m.closeErr
}

// Run delivers matching events until ctx is cancelled or the socket
// fails. events is closed when Run returns.
func (m *Monitor) Run(ctx context.Context, events chan<- Event) error {
	defer close(events)

	buf := make([]byte, 8192)
	fds := []unix.PollFd{{Fd: int32(m.fd), Events: unix.POLLIN}}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := unix.Poll(fds, pollInterval)
		if errors.Is(err, unix.EINTR) || (err == nil && n == 0) {
			continue
		}
		if err != nil {
			return err
		}

		n, _, err = unix.Recvfrom(m.fd, buf, unix.MSG_DONTWAIT)
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return err
		}

		ev := ParseUEvent(buf[:n])
		if ev == nil || !m.accepts(ev.Subsystem) {
			continue
		}
		select {
		case events <- *ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

var libudevMagic = []byte("libudev")

// ParseUEvent decodes "ACTION@KOBJ\0KEY=VALUE\0...". Messages re-broadcast
// by udevd carry a binary header that is skipped. Returns nil for anything
// without an action.
func ParseUEvent(data []byte) *Event {
	if bytes.HasPrefix(data, libudevMagic) {
		data = skipLibudevHeader(data)
	}

	parts := bytes.Split(data, []byte{0})
	if len(parts) == 0 || len(parts[0]) == 0 {
		return nil
	}
	action, kobj, ok := strings.Cut(string(parts[0]), "@")
	if !ok || action == "" {
		return nil
	}

	ev := &Event{Action: action, KObj: kobj, Env: make(map[string]string)}
	for _, part := range parts[1:] {
		key, value, ok := strings.Cut(string(part), "=")
		if !ok || key == "" {
			continue
		}
		ev.Env[key] = value
		switch key {
		case "SUBSYSTEM":
			ev.Subsystem = value
		case "DEVTYPE":
			ev.DevType = value
		case "DEVNAME":
			ev.DevName = value
		case "DEVPATH":
			ev.DevPath = value
		}
	}
	return ev
}

// skipLibudevHeader finds the first NUL-terminated chunk that looks like
// "action@path" after the header.
func skipLibudevHeader(data []byte) []byte {
	for i := 0; i < len(data)-1; i++ {
		if data[i] != 0 {
			continue
		}
		rest := data[i+1:]
		if at := bytes.IndexByte(rest, '@'); at > 0 && at < 20 {
			return rest
		}
	}
	return data
}
