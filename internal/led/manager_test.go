package led

import (
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/smazurov/tofnode/internal/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockController struct {
	mu    sync.Mutex
	calls []Pattern
}

func (m *mockController) Set(_ string, pattern Pattern) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, pattern)
	return nil
}

func (m *mockController) Available() []string { return []string{RoleStatus} }

func (m *mockController) last() Pattern {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.calls) == 0 {
		return ""
	}
	return m.calls[len(m.calls)-1]
}

func newTestManager(t *testing.T) (*Manager, *mockController, *events.Bus) {
	t.Helper()
	ctrl := &mockController{}
	bus := events.New()
	mgr := NewManager(ctrl, bus, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	mgr.Start()
	t.Cleanup(mgr.Stop)
	return mgr, ctrl, bus
}

func TestManagerFollowsCaptureState(t *testing.T) {
	mgr, ctrl, bus := newTestManager(t)
	require.Equal(t, PatternHeartbeat, ctrl.last())

	bus.Publish(events.CaptureStateEvent{DevicePath: "/dev/video0", Running: true})
	assert.Eventually(t, func() bool { return ctrl.last() == PatternSolid }, time.Second, 5*time.Millisecond)

	bus.Publish(events.CaptureStateEvent{DevicePath: "/dev/video0", Reason: "capture: device removed"})
	assert.Eventually(t, func() bool { return ctrl.last() == PatternBlink }, time.Second, 5*time.Millisecond)

	bus.Publish(events.CaptureStateEvent{DevicePath: "/dev/video0"})
	assert.Eventually(t, func() bool { return mgr.Pattern() == PatternOff }, time.Second, 5*time.Millisecond)
}

func TestManagerSkipsRepeatedPattern(t *testing.T) {
	_, ctrl, bus := newTestManager(t)

	for range 3 {
		bus.Publish(events.CaptureStateEvent{Running: true})
	}
	assert.Eventually(t, func() bool { return ctrl.last() == PatternSolid }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()
	assert.Equal(t, []Pattern{PatternHeartbeat, PatternSolid}, ctrl.calls)
}

func TestManagerStopTurnsOff(t *testing.T) {
	ctrl := &mockController{}
	mgr := NewManager(ctrl, events.New(), slog.New(slog.NewTextHandler(os.Stderr, nil)))
	mgr.Start()
	mgr.Stop()
	assert.Equal(t, PatternOff, ctrl.last())
}
