package led

import (
	"log/slog"
	"sync"

	"github.com/smazurov/tofnode/internal/events"
)

// Manager drives the status LED from capture state events: solid while
// frames flow, blinking after a failure or removal, off once capture has
// stopped cleanly.
type Manager struct {
	controller  Controller
	eventBus    *events.Bus
	unsubscribe func()
	logger      *slog.Logger

	mu      sync.Mutex
	current Pattern
}

// NewManager creates a manager for controller fed by eventBus.
func NewManager(controller Controller, eventBus *events.Bus, logger *slog.Logger) *Manager {
	return &Manager{
		controller: controller,
		eventBus:   eventBus,
		logger:     logger,
	}
}

// Start shows the idle pattern and subscribes to capture state changes.
func (m *Manager) Start() {
	m.show(PatternHeartbeat)
	m.unsubscribe = m.eventBus.Subscribe(m.handleEvent)
	m.logger.Info("LED manager started")
}

// Stop unsubscribes and turns the LED off.
func (m *Manager) Stop() {
	if m.unsubscribe != nil {
		m.unsubscribe()
	}
	m.show(PatternOff)
	m.logger.Info("LED manager stopped")
}

// Pattern returns what the LED currently shows.
func (m *Manager) Pattern() Pattern {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *Manager) handleEvent(e events.CaptureStateEvent) {
	m.logger.Debug("Capture state changed", "device", e.DevicePath, "running", e.Running, "reason", e.Reason)
	m.show(patternFor(e))
}

func patternFor(e events.CaptureStateEvent) Pattern {
	switch {
	case e.Running:
		return PatternSolid
	case e.Reason != "":
		return PatternBlink
	default:
		return PatternOff
	}
}

func (m *Manager) show(p Pattern) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p == m.current {
		return
	}
	if err := m.controller.Set(RoleStatus, p); err != nil {
		m.logger.Warn("Failed to set status LED", "pattern", p, "error", err)
		return
	}
	m.current = p
}
