// Package capture keeps a depth pipeline running across device errors and
// hotplug, reopening the source when it comes back.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/smazurov/tofnode/internal/config"
	"github.com/smazurov/tofnode/internal/depth"
	"github.com/smazurov/tofnode/internal/events"
	"github.com/smazurov/tofnode/internal/sensor"
)

// State is the supervisor's lifecycle state.
type State string

// Supervisor states.
const (
	StateIdle     State = "idle"     // Run not active
	StateStarting State = "starting" // opening the source
	StateRunning  State = "running"  // processing frames
	StateWaiting  State = "waiting"  // device removed, waiting for it
	StateError    State = "error"    // open or capture failed, retrying
)

// DefaultRetryDelay is how long the supervisor waits before reopening.
const DefaultRetryDelay = 2 * time.Second

// ErrDeviceRemoved ends a session whose device node disappeared.
var ErrDeviceRemoved = errors.New("capture: device removed")

// DeviceInfo describes the open source.
type DeviceInfo struct {
	Path       string        `json:"path" example:"/dev/video0" doc:"Capture node or replay directory"`
	Sensor     string        `json:"sensor" example:"bo410" doc:"Sensor profile"`
	Memory     string        `json:"memory,omitempty" example:"dmabuf" doc:"Buffer memory strategy"`
	NumBuffers int           `json:"num_buffers" example:"8" doc:"Buffers granted by the driver"`
	Replay     bool          `json:"replay" doc:"Whether frames come from a recording"`
	Format     sensor.Format `json:"format" doc:"Negotiated capture format"`
}

// Session is one opened source and the processor reading it.
type Session struct {
	Source    sensor.Source
	Processor *depth.Processor
	Device    DeviceInfo
	// Nodes are the device nodes whose removal ends the session.
	Nodes []string
}

// Opener opens a session with the given processing settings.
type Opener func(proc config.Processing) (*Session, error)

// Options configure a Supervisor.
type Options struct {
	Open       Opener
	Processing config.Processing
	RetryDelay time.Duration
	// Handle, when set, sees every frame on the processing goroutine.
	Handle    func(*depth.Frame) error
	Publisher depth.Publisher
	Logger    *slog.Logger
}

// Status is a snapshot of the supervisor.
type Status struct {
	State     State       `json:"state" example:"running" doc:"Pipeline state"`
	Device    *DeviceInfo `json:"device,omitempty" doc:"Open source, absent when not running"`
	StartedAt time.Time   `json:"started_at,omitzero" doc:"When the current session started"`
	Restarts  int         `json:"restarts" doc:"Sessions started after the first"`
	Frames    uint64      `json:"frames" doc:"Frames produced by the current session"`
	LastError string      `json:"last_error,omitempty" doc:"Most recent failure"`
}

// Supervisor runs sessions one after another until its context ends.
type Supervisor struct {
	opts   Options
	logger *slog.Logger
	wake   chan struct{}

	mu        sync.RWMutex
	state     State
	proc      config.Processing
	session   *Session
	cancel    context.CancelCauseFunc
	startedAt time.Time
	sessions  int
	lastErr   error
	latest    *depth.Frame
}

// New creates a supervisor. Open is required.
func New(opts Options) (*Supervisor, error) {
	if opts.Open == nil {
		return nil, errors.New("capture: nil opener")
	}
	if err := opts.Processing.Validate(); err != nil {
		return nil, fmt.Errorf("capture: %w", err)
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default().With("component", "capture")
	}
	return &Supervisor{
		opts:   opts,
		logger: logger,
		wake:   make(chan struct{}, 1),
		state:  StateIdle,
		proc:   opts.Processing,
	}, nil
}

// Run opens and runs sessions until ctx is cancelled. Open failures and
// capture errors are retried after RetryDelay; a removed device is retried
// as soon as a node is added again.
func (s *Supervisor) Run(ctx context.Context) error {
	defer s.setState(StateIdle, nil)

	for ctx.Err() == nil {
		s.setState(StateStarting, nil)
		sess, err := s.opts.Open(s.Settings())
		if err != nil {
			s.logger.Warn("Failed to open capture source", "error", err)
			s.setState(StateError, err)
			if !s.pause(ctx) {
				break
			}
			continue
		}

		err = s.runSession(ctx, sess)
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, ErrDeviceRemoved):
			s.logger.Warn("Capture device removed", "path", sess.Device.Path)
			s.setState(StateWaiting, err)
		case err != nil:
			s.logger.Error("Capture stopped", "path", sess.Device.Path, "error", err)
			s.setState(StateError, err)
		default:
			s.setState(StateError, errors.New("capture: frame handler stopped"))
		}
		if !s.pause(ctx) {
			break
		}
	}
	return nil
}

func (s *Supervisor) runSession(ctx context.Context, sess *Session) error {
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	s.mu.Lock()
	// settings may have changed while the source was opening
	if proc := s.proc; proc != sess.Processor.Settings() {
		if err := sess.Processor.Apply(proc); err != nil {
			s.logger.Warn("Failed to apply processing settings", "error", err)
		}
	}
	s.session = sess
	s.cancel = cancel
	s.state = StateRunning
	s.startedAt = time.Now()
	s.sessions++
	s.mu.Unlock()

	s.logger.Info("Capture session started",
		"path", sess.Device.Path, "sensor", sess.Device.Sensor, "replay", sess.Device.Replay)

	handle := func(f *depth.Frame) error {
		s.mu.Lock()
		s.latest = f
		s.mu.Unlock()
		if s.opts.Handle != nil {
			return s.opts.Handle(f)
		}
		return nil
	}
	err := sess.Processor.Run(runCtx, handle)

	s.mu.Lock()
	s.session = nil
	s.cancel = nil
	s.mu.Unlock()

	if cerr := sess.Source.Close(); cerr != nil {
		s.logger.Warn("Failed to close capture source", "error", cerr)
	}
	if err == nil {
		err = context.Cause(runCtx)
	}
	return err
}

// pause waits for the retry delay, a device add or cancellation. It
// reports whether to try again.
func (s *Supervisor) pause(ctx context.Context) bool {
	t := time.NewTimer(s.opts.RetryDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
	case <-s.wake:
	}
	return true
}

func (s *Supervisor) setState(st State, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st != s.state {
		s.logger.Debug("Capture state changed", "from", s.state, "to", st)
	}
	s.state = st
	if err != nil {
		s.lastErr = err
	}
}

// DeviceChanged handles a hotplug event. Removing a node of the running
// session stops it; adding any node cuts a pending retry short. Subscribe
// it on the event bus.
func (s *Supervisor) DeviceChanged(ev events.DeviceDiscoveryEvent) {
	switch ev.Action {
	case "remove":
		s.mu.RLock()
		sess, cancel := s.session, s.cancel
		s.mu.RUnlock()
		if sess != nil && cancel != nil && slices.Contains(sess.Nodes, ev.DevicePath) {
			cancel(ErrDeviceRemoved)
		}
	case "add":
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
}

// Apply validates proc, switches the running processor to it and keeps it
// for later sessions. source labels the published change.
func (s *Supervisor) Apply(proc config.Processing, source string) error {
	if err := proc.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.session != nil {
		if err := s.session.Processor.Apply(proc); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	s.proc = proc
	s.mu.Unlock()

	if s.opts.Publisher != nil {
		s.opts.Publisher.Publish(events.ProcessingChangedEvent{
			FrequencyHz: proc.FrequencyHz,
			Orientation: proc.Orientation,
			Mode:        proc.Mode,
			Fused:       proc.Fused,
			Source:      source,
		})
	}
	return nil
}

// Settings returns the processing settings new sessions start with.
func (s *Supervisor) Settings() config.Processing {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.proc
}

// Latest returns the most recent frame of any session, or nil.
func (s *Supervisor) Latest() *depth.Frame {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest
}

// Status returns a snapshot of the supervisor.
func (s *Supervisor) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Status{State: s.state}
	if s.sessions > 1 {
		st.Restarts = s.sessions - 1
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	if s.session != nil {
		dev := s.session.Device
		st.Device = &dev
		st.StartedAt = s.startedAt
		st.Frames = s.session.Processor.Frames()
	}
	return st
}
