package depth

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/smazurov/tofnode/internal/config"
	"github.com/smazurov/tofnode/internal/events"
	"github.com/smazurov/tofnode/internal/metrics"
	"github.com/smazurov/tofnode/internal/sensor"
	"github.com/smazurov/tofnode/pkg/tof"
)

// fakeSource cycles through prepared buffers and tracks which indices the
// processor still holds.
type fakeSource struct {
	format    sensor.Format
	buffers   [][]byte
	next      int
	seq       uint32
	held      map[int]bool
	failAfter int  // dequeue fails once this many buffers were handed out; 0 disables
	failOwned bool // the failing dequeue still hands out its slot
	handedOut int
	streaming bool
}

func newFakeSource(f sensor.Format, buffers ...[]byte) *fakeSource {
	return &fakeSource{format: f, buffers: buffers, held: map[int]bool{}}
}

func (s *fakeSource) StreamOn() error  { s.streaming = true; return nil }
func (s *fakeSource) StreamOff() error { s.streaming = false; return nil }
func (s *fakeSource) Format() sensor.Format {
	return s.format
}
func (s *fakeSource) Close() error { return nil }

func (s *fakeSource) Dequeue() (sensor.Buffer, error) {
	if s.failAfter > 0 && s.handedOut >= s.failAfter {
		if !s.failOwned {
			return sensor.Buffer{Index: sensor.NoBuffer}, errors.New("dequeue: input/output error")
		}
		i := s.next
		s.next = (s.next + 1) % len(s.buffers)
		s.held[i] = true
		return sensor.Buffer{Index: i}, errors.New("dma-buf sync: input/output error")
	}
	i := s.next
	s.next = (s.next + 1) % len(s.buffers)
	s.held[i] = true
	s.handedOut++
	s.seq++
	return sensor.Buffer{
		Index:     i,
		Data:      s.buffers[i],
		Sequence:  s.seq,
		Timestamp: time.Unix(0, 0).Add(time.Duration(s.seq) * 10 * time.Millisecond),
	}, nil
}

func (s *fakeSource) Enqueue(i int) error {
	if !s.held[i] {
		return errors.New("not held")
	}
	delete(s.held, i)
	return nil
}

type sink struct {
	mu     sync.Mutex
	frames []events.FrameProcessedEvent
	errs   []events.CaptureErrorEvent
	states []events.CaptureStateEvent
}

func (k *sink) Publish(ev events.Event) {
	k.mu.Lock()
	defer k.mu.Unlock()
	switch e := ev.(type) {
	case events.FrameProcessedEvent:
		k.frames = append(k.frames, e)
	case events.CaptureErrorEvent:
		k.errs = append(k.errs, e)
	case events.CaptureStateEvent:
		k.states = append(k.states, e)
	}
}

// scene returns random phase samples and their packed planes.
func scene(rng *rand.Rand, g tof.Geometry) (tof.PhaseFrames, [4][]byte) {
	var frames tof.PhaseFrames
	var packed [4][]byte
	for k := range frames {
		frames[k] = make([]int16, g.Pixels())
		for i := range frames[k] {
			frames[k][i] = int16(rng.IntN(2048) - 1024)
		}
		packed[k] = make([]byte, g.PlaneSize())
		tof.PackY12P(packed[k], frames[k], g.Width, g.Height, g.BytesPerLine)
	}
	return frames, packed
}

var approx = cmpopts.EquateApprox(1e-5, 1e-3)

func scalarProcessing() config.Processing {
	p := config.DefaultProcessing()
	p.Fused = false
	return p
}

func TestSequentialFrameMatchesReference(t *testing.T) {
	g := tof.Geometry{Width: 24, Height: 6, BytesPerLine: 40}
	frames, packed := scene(rand.New(rand.NewPCG(1, 2)), g)
	src := newFakeSource(sensor.Format{Width: 24, Height: 6, BytesPerLine: 40, SizeImage: 240},
		packed[0], packed[1], packed[2], packed[3])

	mod := tof.ModulationConfig{FrequencyHz: 75e6, Orientation: tof.Rotate90}
	profile, err := sensor.Generic(mod)
	if err != nil {
		t.Fatal(err)
	}

	wantDepth := make([]float32, g.Pixels())
	wantConf := make([]float32, g.Pixels())
	tof.ComputeDepthConfidence(wantDepth, wantConf, frames, mod)

	for _, proc := range []config.Processing{config.DefaultProcessing(), scalarProcessing()} {
		p, err := NewProcessor(Config{Source: src, Layout: profile.Layout, Device: "test-seq", Processing: proc})
		if err != nil {
			t.Fatal(err)
		}
		frame, err := p.Next()
		if err != nil {
			t.Fatal(err)
		}
		if len(src.held) != 0 {
			t.Errorf("fused=%v: %d buffers not returned", proc.Fused, len(src.held))
		}
		if len(frame.Sets) != 1 {
			t.Fatalf("got %d sets", len(frame.Sets))
		}
		r := frame.Sets[0]
		if diff := cmp.Diff(wantDepth, r.Depth, approx); diff != "" {
			t.Errorf("fused=%v depth (-want +got):\n%s", proc.Fused, diff)
		}
		if diff := cmp.Diff(wantConf, r.Confidence, approx); diff != "" {
			t.Errorf("fused=%v confidence (-want +got):\n%s", proc.Fused, diff)
		}
		if r.Summary.Pixels != g.Pixels() {
			t.Errorf("summary pixels = %d", r.Summary.Pixels)
		}
		if p.Latest() != frame {
			t.Error("Latest() does not return the last frame")
		}
	}
}

func TestStackedDoubleSets(t *testing.T) {
	g := tof.Geometry{Width: 16, Height: 4, BytesPerLine: 24}
	const setLines = 18
	rng := rand.New(rand.NewPCG(3, 4))
	near, nearPacked := scene(rng, g)
	far, farPacked := scene(rng, g)

	buf := make([]byte, 2*setLines*g.BytesPerLine)
	for k := range 4 {
		copy(buf[k*g.PlaneSize():], nearPacked[k])
		copy(buf[setLines*g.BytesPerLine+k*g.PlaneSize():], farPacked[k])
	}
	src := newFakeSource(sensor.Format{Width: 16, Height: 2 * setLines, BytesPerLine: 24, SizeImage: uint32(len(buf))}, buf)

	layout := sensor.Layout{
		PlaneWidth:  16,
		PlaneHeight: 4,
		Sets: []sensor.PlaneSet{
			{Modulation: tof.ModulationConfig{FrequencyHz: 90e6}},
			{LineOffset: setLines, Modulation: tof.ModulationConfig{FrequencyHz: 15e6}},
		},
	}
	p, err := NewProcessor(Config{Source: src, Layout: layout, Device: "test-stacked", Processing: scalarProcessing()})
	if err != nil {
		t.Fatal(err)
	}
	frame, err := p.Next()
	if err != nil {
		t.Fatal(err)
	}
	if frame.Width != 16 || frame.Height != 4 {
		t.Errorf("frame size %dx%d", frame.Width, frame.Height)
	}

	for i, tc := range []struct {
		frames tof.PhaseFrames
		hz     float64
	}{{near, 90e6}, {far, 15e6}} {
		want := make([]float32, g.Pixels())
		tof.ComputeDepthConfidence(want, nil, tc.frames, tof.ModulationConfig{FrequencyHz: tc.hz})
		if diff := cmp.Diff(want, frame.Sets[i].Depth, approx); diff != "" {
			t.Errorf("set %d depth (-want +got):\n%s", i, diff)
		}
		if frame.Sets[i].Modulation.FrequencyHz != tc.hz {
			t.Errorf("set %d frequency = %v", i, frame.Sets[i].Modulation.FrequencyHz)
		}
	}
}

func TestApplySettings(t *testing.T) {
	g := tof.Geometry{Width: 8, Height: 2, BytesPerLine: 12}
	frames, packed := scene(rand.New(rand.NewPCG(5, 6)), g)
	src := newFakeSource(sensor.Format{Width: 8, Height: 2, BytesPerLine: 12, SizeImage: 24},
		packed[0], packed[1], packed[2], packed[3])
	layout := sensor.Layout{
		Sequential: true,
		Sets:       []sensor.PlaneSet{{Modulation: tof.ModulationConfig{FrequencyHz: 75e6}}},
	}
	p, err := NewProcessor(Config{Source: src, Layout: layout, Device: "test-apply", Processing: config.DefaultProcessing()})
	if err != nil {
		t.Fatal(err)
	}

	amp := config.Processing{FrequencyHz: 37.5e6, Orientation: 180, Mode: config.ModeAmplitude}
	if err := p.Apply(amp); err != nil {
		t.Fatal(err)
	}
	if got := p.Settings(); got != amp {
		t.Errorf("Settings() = %+v", got)
	}
	wantMod := tof.ModulationConfig{FrequencyHz: 37.5e6, Orientation: tof.Rotate180}
	if diff := cmp.Diff([]tof.ModulationConfig{wantMod}, p.Modulations()); diff != "" {
		t.Errorf("modulations (-want +got):\n%s", diff)
	}

	frame, err := p.Next()
	if err != nil {
		t.Fatal(err)
	}
	r := frame.Sets[0]
	if r.Confidence != nil || r.Amplitude == nil || r.Intensity == nil {
		t.Fatalf("amplitude mode outputs: conf=%v amp=%v int=%v", r.Confidence != nil, r.Amplitude != nil, r.Intensity != nil)
	}
	wantDepth := make([]float32, g.Pixels())
	wantAmp := make([]float32, g.Pixels())
	wantInt := make([]float32, g.Pixels())
	tof.ComputeDepthAmplitude(wantDepth, wantAmp, wantInt, frames, wantMod)
	if diff := cmp.Diff(wantAmp, r.Amplitude, approx); diff != "" {
		t.Errorf("amplitude (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(wantInt, r.Intensity); diff != "" {
		t.Errorf("intensity (-want +got):\n%s", diff)
	}
	if frame.Path != PathScalar || frame.Mode != config.ModeAmplitude {
		t.Errorf("frame path/mode = %s/%s", frame.Path, frame.Mode)
	}

	if err := p.Apply(config.Processing{Mode: config.ModeAmplitude, Fused: true, Orientation: -1}); err == nil {
		t.Error("amplitude with fused should be rejected")
	}
	if got := p.Settings(); got != amp {
		t.Errorf("rejected settings replaced the active ones: %+v", got)
	}
}

func TestFrequencyOverrideKeepsFarSet(t *testing.T) {
	layout := sensor.Layout{
		PlaneWidth:  4,
		PlaneHeight: 1,
		Sets: []sensor.PlaneSet{
			{Modulation: tof.ModulationConfig{FrequencyHz: 90e6}},
			{LineOffset: 4, Modulation: tof.ModulationConfig{FrequencyHz: 15e6}},
		},
	}
	src := newFakeSource(sensor.Format{Width: 4, Height: 8, BytesPerLine: 6, SizeImage: 48}, make([]byte, 48))
	proc := config.Processing{FrequencyHz: 80e6, Orientation: 90, Mode: config.ModeConfidence, Fused: true}
	p, err := NewProcessor(Config{Source: src, Layout: layout, Processing: proc})
	if err != nil {
		t.Fatal(err)
	}
	want := []tof.ModulationConfig{
		{FrequencyHz: 80e6, Orientation: tof.Rotate90},
		{FrequencyHz: 15e6, Orientation: tof.Rotate90},
	}
	if diff := cmp.Diff(want, p.Modulations()); diff != "" {
		t.Errorf("modulations (-want +got):\n%s", diff)
	}
}

func TestNewProcessorRejectsBadLayout(t *testing.T) {
	src := newFakeSource(sensor.Format{Width: 8, Height: 2, BytesPerLine: 12, SizeImage: 24}, make([]byte, 24))
	layout := sensor.Layout{PlaneWidth: 8, PlaneHeight: 2, Sets: []sensor.PlaneSet{{Modulation: tof.ModulationConfig{FrequencyHz: 1e6}}}}
	if _, err := NewProcessor(Config{Source: src, Layout: layout, Processing: config.DefaultProcessing()}); err == nil {
		t.Error("four stacked planes cannot fit a single-plane buffer")
	}
	if _, err := NewProcessor(Config{Layout: layout}); err == nil {
		t.Error("nil source should fail")
	}
}

func TestDequeueFailureReturnsHeldBuffers(t *testing.T) {
	g := tof.Geometry{Width: 8, Height: 2, BytesPerLine: 12}
	_, packed := scene(rand.New(rand.NewPCG(7, 8)), g)
	src := newFakeSource(sensor.Format{Width: 8, Height: 2, BytesPerLine: 12, SizeImage: 24},
		packed[0], packed[1], packed[2], packed[3])
	src.failAfter = 2
	pub := &sink{}

	layout := sensor.Layout{Sequential: true, Sets: []sensor.PlaneSet{{Modulation: tof.ModulationConfig{FrequencyHz: 20e6}}}}
	p, err := NewProcessor(Config{Source: src, Layout: layout, Device: "test-fail", Processing: config.DefaultProcessing(), Publisher: pub})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Next(); err == nil {
		t.Fatal("expected dequeue error")
	}
	if len(src.held) != 0 {
		t.Errorf("%d buffers still held after a failed frame", len(src.held))
	}
	if len(pub.errs) != 1 || pub.errs[0].Stage != "dequeue" {
		t.Errorf("error events = %+v", pub.errs)
	}
	if m := metrics.Get("test-fail"); m == nil || m.Errors["dequeue"] != 1 {
		t.Errorf("cached metrics = %+v", m)
	}
	if p.Latest() != nil {
		t.Error("failed frame must not become the latest")
	}
}

func TestDequeueFailureReturnsFailedSlot(t *testing.T) {
	g := tof.Geometry{Width: 8, Height: 2, BytesPerLine: 12}
	_, packed := scene(rand.New(rand.NewPCG(11, 12)), g)
	src := newFakeSource(sensor.Format{Width: 8, Height: 2, BytesPerLine: 12, SizeImage: 24},
		packed[0], packed[1], packed[2], packed[3])
	src.failAfter = 3
	src.failOwned = true

	layout := sensor.Layout{Sequential: true, Sets: []sensor.PlaneSet{{Modulation: tof.ModulationConfig{FrequencyHz: 20e6}}}}
	p, err := NewProcessor(Config{Source: src, Layout: layout, Device: "test-fail-owned", Processing: config.DefaultProcessing()})
	if err != nil {
		t.Fatal(err)
	}
	_, err = p.Next()
	if err == nil {
		t.Fatal("expected dequeue error")
	}
	if strings.Contains(err.Error(), "enqueue") {
		t.Errorf("unwind failed: %v", err)
	}
	if len(src.held) != 0 {
		t.Errorf("buffers %v still held after a failed frame", src.held)
	}
}

func TestRunPublishesAndStops(t *testing.T) {
	g := tof.Geometry{Width: 8, Height: 2, BytesPerLine: 12}
	_, packed := scene(rand.New(rand.NewPCG(9, 10)), g)
	src := newFakeSource(sensor.Format{Width: 8, Height: 2, BytesPerLine: 12, SizeImage: 24},
		packed[0], packed[1], packed[2], packed[3])
	pub := &sink{}

	layout := sensor.Layout{Sequential: true, Sets: []sensor.PlaneSet{{Modulation: tof.ModulationConfig{FrequencyHz: 20e6}}}}
	p, err := NewProcessor(Config{Source: src, Layout: layout, Device: "test-run", Sensor: "generic", Processing: config.DefaultProcessing(), Publisher: pub})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	count := 0
	err = p.Run(ctx, func(*Frame) error {
		count++
		if count == 3 {
			cancel()
		}
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v, want context.Canceled", err)
	}
	if src.streaming {
		t.Error("Run left the source streaming")
	}
	if p.Frames() != 3 {
		t.Errorf("Frames() = %d, want 3", p.Frames())
	}

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.frames) != 3 {
		t.Errorf("published %d frame events, want 3", len(pub.frames))
	}
	if len(pub.states) != 2 || !pub.states[0].Running || pub.states[1].Running || pub.states[1].Reason != "stopped" {
		t.Fatalf("state events = %+v", pub.states)
	}
	if pub.states[0].Sensor != "generic" {
		t.Errorf("state sensor = %q", pub.states[0].Sensor)
	}

	if m := metrics.Get("test-run"); m == nil || m.Frames != 3 {
		t.Errorf("cached frames = %+v, want 3", m)
	}
	// buffers 10ms apart, four per frame
	if m := metrics.Get("test-run"); m == nil || m.FPS < 24 || m.FPS > 26 {
		t.Errorf("fps = %+v, want 25", m)
	}
}

func TestRunStopsOnHandlerError(t *testing.T) {
	src := newFakeSource(sensor.Format{Width: 8, Height: 2, BytesPerLine: 12, SizeImage: 24},
		make([]byte, 24), make([]byte, 24), make([]byte, 24), make([]byte, 24))
	layout := sensor.Layout{Sequential: true, Sets: []sensor.PlaneSet{{Modulation: tof.ModulationConfig{FrequencyHz: 20e6}}}}
	p, err := NewProcessor(Config{Source: src, Layout: layout, Processing: config.DefaultProcessing()})
	if err != nil {
		t.Fatal(err)
	}
	stop := errors.New("enough")
	if err := p.Run(context.Background(), func(*Frame) error { return stop }); !errors.Is(err, stop) {
		t.Errorf("Run = %v, want handler error", err)
	}
}
