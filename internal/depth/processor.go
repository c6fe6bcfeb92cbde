// Package depth turns raw phase buffers from a sensor source into depth
// frames and feeds the node's metrics and events.
package depth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/smazurov/tofnode/internal/config"
	"github.com/smazurov/tofnode/internal/events"
	"github.com/smazurov/tofnode/internal/metrics"
	"github.com/smazurov/tofnode/internal/sensor"
	"github.com/smazurov/tofnode/internal/stats"
	"github.com/smazurov/tofnode/pkg/tof"
)

// Processing paths reported in metrics.
const (
	PathFused  = "fused"
	PathScalar = "scalar"
)

// readyPoll bounds each wait for a buffer so Run notices cancellation.
const readyPoll = 200 * time.Millisecond

// Publisher receives frame and error events.
type Publisher interface {
	Publish(events.Event)
}

// Result holds the maps computed for one plane set. Confidence is filled
// in confidence mode; Amplitude and Intensity in amplitude mode.
type Result struct {
	Modulation tof.ModulationConfig
	Depth      []float32
	Confidence []float32
	Amplitude  []float32
	Intensity  []float32
	Summary    stats.Summary
}

// Frame is one processed phase set.
type Frame struct {
	Sequence  uint32
	Timestamp time.Time
	Width     int
	Height    int
	Mode      string
	Path      string
	Latency   time.Duration
	Sets      []Result
}

// Config wires a Processor.
type Config struct {
	Source sensor.Source
	Layout sensor.Layout
	// Device labels metrics and events, usually the capture node path.
	Device     string
	Sensor     string
	Processing config.Processing
	// MinConfidence excludes low-confidence pixels from frame statistics.
	MinConfidence float32
	Publisher     Publisher
	Logger        *slog.Logger
}

type settings struct {
	proc config.Processing
	mods []tof.ModulationConfig
}

// Processor assembles phase sets from a Source and demodulates them. Next
// and Run must be called from one goroutine; Apply, Settings and Latest
// may be called from any.
type Processor struct {
	src      sensor.Source
	layout   sensor.Layout
	geometry tof.Geometry
	device   string
	sensor   string
	minConf  float32
	pub      Publisher
	logger   *slog.Logger

	mu  sync.RWMutex
	cur settings

	latest atomic.Pointer[Frame]
	frames atomic.Uint64

	// scalar path scratch, owned by the processing goroutine
	phases tof.PhaseFrames
	bufs   []sensor.Buffer
	lastTS time.Time
}

// NewProcessor checks the layout against the source format and resolves
// the initial processing settings.
func NewProcessor(cfg Config) (*Processor, error) {
	if cfg.Source == nil {
		return nil, errors.New("depth: nil source")
	}
	format := cfg.Source.Format()
	if err := cfg.Layout.Validate(format); err != nil {
		return nil, fmt.Errorf("depth: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With("component", "depth")
	}

	p := &Processor{
		src:      cfg.Source,
		layout:   cfg.Layout,
		geometry: cfg.Layout.Geometry(format),
		device:   cfg.Device,
		sensor:   cfg.Sensor,
		minConf:  cfg.MinConfidence,
		pub:      cfg.Publisher,
		logger:   logger,
		bufs:     make([]sensor.Buffer, 0, cfg.Layout.BuffersPerFrame()),
	}
	for k := range p.phases {
		p.phases[k] = make([]int16, p.geometry.Pixels())
	}
	s, err := p.resolve(cfg.Processing)
	if err != nil {
		return nil, fmt.Errorf("depth: %w", err)
	}
	p.cur = s
	return p, nil
}

// resolve applies proc to the layout's plane sets. A frequency override
// only replaces the first set so multi-frequency sensors keep their far
// range; the orientation applies to every set.
func (p *Processor) resolve(proc config.Processing) (settings, error) {
	if err := proc.Validate(); err != nil {
		return settings{}, err
	}
	mods := make([]tof.ModulationConfig, len(p.layout.Sets))
	for i, set := range p.layout.Sets {
		q := proc
		if i > 0 {
			q.FrequencyHz = 0
		}
		m, err := q.Modulation(set.Modulation)
		if err != nil {
			return settings{}, fmt.Errorf("plane set %d: %w", i, err)
		}
		mods[i] = m
	}
	return settings{proc: proc, mods: mods}, nil
}

// Apply switches to new processing settings from the next frame on.
func (p *Processor) Apply(proc config.Processing) error {
	s, err := p.resolve(proc)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.cur = s
	p.mu.Unlock()
	p.logger.Info("Processing settings applied",
		"mode", proc.Mode, "fused", proc.Fused, "frequency_hz", s.mods[0].FrequencyHz,
		"orientation", s.mods[0].Orientation.Degrees())
	return nil
}

// Settings returns the active processing settings.
func (p *Processor) Settings() config.Processing {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cur.proc
}

// Modulations returns the resolved modulation of every plane set.
func (p *Processor) Modulations() []tof.ModulationConfig {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]tof.ModulationConfig(nil), p.cur.mods...)
}

// Geometry returns the phase plane geometry.
func (p *Processor) Geometry() tof.Geometry { return p.geometry }

// Latest returns the most recent frame, or nil before the first.
func (p *Processor) Latest() *Frame { return p.latest.Load() }

// Frames returns how many frames have been produced.
func (p *Processor) Frames() uint64 { return p.frames.Load() }

// Next dequeues one phase set, computes its maps and hands every buffer
// back to the source before returning.
func (p *Processor) Next() (*Frame, error) {
	p.mu.RLock()
	s := p.cur
	p.mu.RUnlock()

	bufs, err := p.dequeue()
	if err != nil {
		p.fail("dequeue", err)
		return nil, err
	}

	start := time.Now()
	frame := p.compute(bufs, s)
	frame.Latency = time.Since(start)

	if err := p.enqueue(bufs); err != nil {
		p.fail("enqueue", err)
		return nil, err
	}

	p.observe(frame)
	p.latest.Store(frame)
	p.frames.Add(1)
	return frame, nil
}

func (p *Processor) dequeue() ([]sensor.Buffer, error) {
	bufs := p.bufs[:0]
	for range p.layout.BuffersPerFrame() {
		b, err := p.src.Dequeue()
		if err != nil {
			if b.Index != sensor.NoBuffer {
				bufs = append(bufs, b)
			}
			return nil, errors.Join(err, p.enqueue(bufs))
		}
		bufs = append(bufs, b)
	}
	return bufs, nil
}

func (p *Processor) enqueue(bufs []sensor.Buffer) error {
	var errs []error
	for _, b := range bufs {
		if err := p.src.Enqueue(b.Index); err != nil {
			errs = append(errs, fmt.Errorf("enqueue %d: %w", b.Index, err))
		}
	}
	return errors.Join(errs...)
}

func (p *Processor) compute(bufs []sensor.Buffer, s settings) *Frame {
	g := p.geometry
	frame := &Frame{
		Sequence:  bufs[0].Sequence,
		Timestamp: bufs[0].Timestamp,
		Width:     g.Width,
		Height:    g.Height,
		Mode:      s.proc.Mode,
		Path:      PathScalar,
		Sets:      make([]Result, len(s.mods)),
	}
	if s.proc.Fused {
		frame.Path = PathFused
	}

	n := g.Pixels()
	for i, mod := range s.mods {
		raw := p.layout.Planes(bufs, i, g)
		r := Result{Modulation: mod, Depth: make([]float32, n)}

		switch {
		case s.proc.Fused:
			r.Confidence = make([]float32, n)
			tof.FusedDepthConfidence(r.Depth, r.Confidence, raw, g, mod)
		case s.proc.Mode == config.ModeAmplitude:
			p.unpack(raw)
			r.Amplitude = make([]float32, n)
			r.Intensity = make([]float32, n)
			tof.ComputeDepthAmplitude(r.Depth, r.Amplitude, r.Intensity, p.phases, mod)
		default:
			p.unpack(raw)
			r.Confidence = make([]float32, n)
			tof.ComputeDepthConfidence(r.Depth, r.Confidence, p.phases, mod)
		}

		conf := r.Confidence
		if conf == nil {
			conf = r.Amplitude
		}
		r.Summary = stats.Summarize(r.Depth, conf, p.minConf)
		frame.Sets[i] = r
	}
	return frame
}

func (p *Processor) unpack(raw tof.RawPhases) {
	g := p.geometry
	for k := range raw {
		tof.UnpackY12P(p.phases[k], raw[k], g.Width, g.Height, g.BytesPerLine)
	}
}

func (p *Processor) observe(f *Frame) {
	var fps float64
	if !p.lastTS.IsZero() && f.Timestamp.After(p.lastTS) {
		fps = 1 / f.Timestamp.Sub(p.lastTS).Seconds()
	}
	p.lastTS = f.Timestamp

	first := f.Sets[0]
	metrics.ObserveFrame(p.device, metrics.FrameSample{
		Path:            f.Path,
		Latency:         f.Latency,
		ValidPixelRatio: first.Summary.ValidRatio,
		MeanDepthMM:     first.Summary.MeanMM,
		FPS:             fps,
	})
	if p.pub != nil {
		p.pub.Publish(events.FrameProcessedEvent{
			Sequence:    f.Sequence,
			Width:       f.Width,
			Height:      f.Height,
			FrequencyHz: first.Modulation.FrequencyHz,
			ValidPixels: first.Summary.Valid,
			MeanDepthMM: first.Summary.MeanMM,
			LatencyMS:   float64(f.Latency) / float64(time.Millisecond),
			Timestamp:   f.Timestamp.Format(time.RFC3339Nano),
		})
	}
}

func (p *Processor) fail(stage string, err error) {
	metrics.IncCaptureError(p.device, stage)
	if p.pub != nil {
		p.pub.Publish(events.CaptureErrorEvent{
			DevicePath: p.device,
			Stage:      stage,
			Error:      err.Error(),
			Timestamp:  time.Now().Format(time.RFC3339),
		})
	}
}

// Run streams the source and processes frames until ctx is cancelled or a
// capture error occurs. On cancellation it returns the context's cause. handle, when non-nil, sees every frame on the
// processing goroutine. Streaming is stopped before Run returns.
func (p *Processor) Run(ctx context.Context, handle func(*Frame) error) (err error) {
	if err := p.src.StreamOn(); err != nil {
		p.fail("streamon", err)
		return fmt.Errorf("stream on: %w", err)
	}
	p.publishState(true, "")
	defer func() {
		if offErr := p.src.StreamOff(); offErr != nil {
			p.logger.Warn("Stream off failed", "error", offErr)
		}
		reason := "stopped"
		if err != nil && !errors.Is(err, context.Canceled) {
			reason = err.Error()
		}
		p.publishState(false, reason)
	}()

	waiter, _ := p.src.(sensor.Waiter)
	for {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		if waiter != nil {
			ready, err := waiter.WaitReady(readyPoll)
			if err != nil {
				p.fail("poll", err)
				return fmt.Errorf("wait for buffer: %w", err)
			}
			if !ready {
				continue
			}
		}
		frame, err := p.Next()
		if err != nil {
			return err
		}
		if handle != nil {
			if err := handle(frame); err != nil {
				return err
			}
		}
	}
}

func (p *Processor) publishState(running bool, reason string) {
	if p.pub == nil {
		return
	}
	p.pub.Publish(events.CaptureStateEvent{
		DevicePath: p.device,
		Sensor:     p.sensor,
		Running:    running,
		Reason:     reason,
		Timestamp:  time.Now().Format(time.RFC3339),
	})
}
