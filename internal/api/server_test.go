package api

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danielgtaylor/huma/v2/humatest"
	"github.com/smazurov/tofnode/internal/api/models"
	"github.com/smazurov/tofnode/internal/capture"
	"github.com/smazurov/tofnode/internal/config"
	"github.com/smazurov/tofnode/internal/depth"
	"github.com/smazurov/tofnode/internal/devices"
	"github.com/smazurov/tofnode/internal/events"
	"github.com/smazurov/tofnode/internal/stats"
	"github.com/smazurov/tofnode/pkg/tof"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePipeline struct {
	mu       sync.Mutex
	status   capture.Status
	latest   *depth.Frame
	proc     config.Processing
	applyErr error
	applied  []string
}

func (p *fakePipeline) Status() capture.Status { return p.status }
func (p *fakePipeline) Latest() *depth.Frame   { return p.latest }

func (p *fakePipeline) Settings() config.Processing {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.proc
}

func (p *fakePipeline) Apply(proc config.Processing, source string) error {
	if p.applyErr != nil {
		return p.applyErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.proc = proc
	p.applied = append(p.applied, source)
	return nil
}

type fakeDetector struct {
	devices []devices.DeviceInfo
	err     error
}

func (d *fakeDetector) FindDevices() ([]devices.DeviceInfo, error) { return d.devices, d.err }
func (d *fakeDetector) ResolveDevicePath(p string) (string, error)  { return p, nil }
func (d *fakeDetector) Watch(context.Context, devices.Publisher) error {
	return nil
}

const (
	testUser = "admin"
	testPass = "secret"
)

var authHeader = "Authorization: Basic " + base64.StdEncoding.EncodeToString([]byte(testUser+":"+testPass))

func newTestServer(t *testing.T, opts *Options) (*Server, humatest.TestAPI) {
	t.Helper()
	opts.AuthUsername = testUser
	opts.AuthPassword = testPass
	srv := NewServer(opts)
	return srv, humatest.Wrap(t, srv.GetAPI())
}

func TestHealthNeedsNoAuth(t *testing.T) {
	_, api := newTestServer(t, &Options{})

	resp := api.Get("/api/health")
	require.Equal(t, http.StatusOK, resp.Code)

	var body models.HealthData
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)

	resp = api.Get("/api/version")
	assert.Equal(t, http.StatusOK, resp.Code)
}

func TestAuthRequired(t *testing.T) {
	_, api := newTestServer(t, &Options{Pipeline: &fakePipeline{}})

	tests := []struct {
		name   string
		header []any
		want   int
	}{
		{"missing", nil, http.StatusUnauthorized},
		{"wrong scheme", []any{"Authorization: Bearer abc"}, http.StatusUnauthorized},
		{"bad base64", []any{"Authorization: Basic !!!"}, http.StatusUnauthorized},
		{"wrong password", []any{"Authorization: Basic " + base64.StdEncoding.EncodeToString([]byte("admin:nope"))}, http.StatusUnauthorized},
		{"valid", []any{authHeader}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := api.Get("/api/processing", tt.header...)
			assert.Equal(t, tt.want, resp.Code)
			if tt.want == http.StatusUnauthorized {
				assert.Contains(t, resp.Header().Get("WWW-Authenticate"), "Basic")
			}
		})
	}
}

func TestDeviceStatus(t *testing.T) {
	pipe := &fakePipeline{status: capture.Status{
		State:  capture.StateRunning,
		Frames: 42,
		Device: &capture.DeviceInfo{Path: "/dev/video0", Sensor: "bo410", Memory: "dmabuf", NumBuffers: 8},
	}}
	_, api := newTestServer(t, &Options{Pipeline: pipe})

	resp := api.Get("/api/device", authHeader)
	require.Equal(t, http.StatusOK, resp.Code)

	var got capture.Status
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &got))
	assert.Equal(t, capture.StateRunning, got.State)
	assert.Equal(t, uint64(42), got.Frames)
	require.NotNil(t, got.Device)
	assert.Equal(t, "bo410", got.Device.Sensor)
	assert.Equal(t, 8, got.Device.NumBuffers)
}

func TestWithoutPipeline(t *testing.T) {
	_, api := newTestServer(t, &Options{})
	for _, path := range []string{"/api/device", "/api/frames/latest", "/api/processing", "/api/devices"} {
		resp := api.Get(path, authHeader)
		assert.Equal(t, http.StatusServiceUnavailable, resp.Code, path)
	}
}

func TestListDevices(t *testing.T) {
	det := &fakeDetector{devices: []devices.DeviceInfo{
		{DevicePath: "/dev/video0", DeviceName: "bo410", Y12P: true},
		{DevicePath: "/dev/video1", DeviceName: "uvc"},
	}}
	_, api := newTestServer(t, &Options{Detector: det})

	resp := api.Get("/api/devices", authHeader)
	require.Equal(t, http.StatusOK, resp.Code)
	var got models.DeviceData
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &got))
	assert.Equal(t, 2, got.Count)
	assert.True(t, got.Devices[0].Y12P)

	det.err = errors.New("no /dev")
	resp = api.Get("/api/devices", authHeader)
	assert.Equal(t, http.StatusInternalServerError, resp.Code)
}

func TestLatestFrame(t *testing.T) {
	pipe := &fakePipeline{}
	_, api := newTestServer(t, &Options{Pipeline: pipe})

	resp := api.Get("/api/frames/latest", authHeader)
	assert.Equal(t, http.StatusNotFound, resp.Code)

	pipe.latest = &depth.Frame{
		Sequence: 7, Width: 640, Height: 480,
		Mode: config.ModeConfidence, Path: depth.PathFused, Latency: 3 * time.Millisecond,
		Sets: []depth.Result{
			{Modulation: tof.ModulationConfig{FrequencyHz: 90e6}, Summary: stats.Summary{Pixels: 307200, Valid: 300000}},
			{Modulation: tof.ModulationConfig{FrequencyHz: 15e6, Orientation: tof.Rotate90}},
		},
	}
	resp = api.Get("/api/frames/latest", authHeader)
	require.Equal(t, http.StatusOK, resp.Code)

	var got models.FrameData
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &got))
	assert.Equal(t, uint32(7), got.Sequence)
	assert.Equal(t, depth.PathFused, got.Path)
	assert.InDelta(t, 3.0, got.LatencyMS, 1e-9)
	require.Len(t, got.Sets, 2)
	assert.Equal(t, 300000, got.Sets[0].Summary.Valid)
	assert.InDelta(t, tof.DistanceSpan(15e6), got.Sets[1].SpanMM, 1e-6)
	assert.Equal(t, 90, got.Sets[1].Orientation)
}

func TestUpdateProcessing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	pipe := &fakePipeline{proc: config.DefaultProcessing()}
	_, api := newTestServer(t, &Options{Pipeline: pipe, ProcessingFile: path})

	want := models.ProcessingData{FrequencyHz: 37.5e6, Orientation: 90, Mode: config.ModeAmplitude}
	resp := api.Put("/api/processing", authHeader, want)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())

	var got models.ProcessingData
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &got))
	assert.Equal(t, want, got)
	assert.Equal(t, []string{"api"}, pipe.applied)

	saved, err := config.LoadProcessing(path)
	require.NoError(t, err)
	assert.Equal(t, config.ModeAmplitude, saved.Mode)
	assert.Equal(t, 90, saved.Orientation)

	resp = api.Get("/api/processing", authHeader)
	require.Equal(t, http.StatusOK, resp.Code)
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &got))
	assert.Equal(t, want, got)
}

func TestUpdateProcessingRejects(t *testing.T) {
	pipe := &fakePipeline{proc: config.DefaultProcessing()}
	_, api := newTestServer(t, &Options{Pipeline: pipe})

	tests := []struct {
		name string
		body any
		want int
	}{
		{"unknown mode", map[string]any{"frequency_hz": 0, "orientation": -1, "mode": "phase", "fused": false}, http.StatusUnprocessableEntity},
		{"odd orientation", map[string]any{"frequency_hz": 0, "orientation": 45, "mode": "confidence", "fused": true}, http.StatusUnprocessableEntity},
		{"fused amplitude", models.ProcessingData{Orientation: -1, Mode: config.ModeAmplitude, Fused: true}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := api.Put("/api/processing", authHeader, tt.body)
			assert.Equal(t, tt.want, resp.Code, resp.Body.String())
		})
	}
	assert.Empty(t, pipe.applied)

	pipe.applyErr = errors.New("plane set 0: invalid modulation frequency")
	resp := api.Put("/api/processing", authHeader, models.ProcessingData{Orientation: -1, Mode: config.ModeConfidence})
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestCORSPreflight(t *testing.T) {
	srv, _ := newTestServer(t, &Options{})

	req := httptest.NewRequest(http.MethodOptions, "/api/processing", nil)
	rec := httptest.NewRecorder()
	srv.GetMux().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "PUT")
}

func TestPrometheusHandlerMounted(t *testing.T) {
	srv, _ := newTestServer(t, &Options{
		PrometheusHandler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("tofnode_depth_frames_total 1\n"))
		}),
	})

	rec := httptest.NewRecorder()
	srv.GetMux().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "tofnode_depth_frames_total")
}

func TestRequestLevel(t *testing.T) {
	tests := []struct {
		method string
		path   string
		status int
		want   slog.Level
	}{
		{http.MethodGet, "/api/devices", 200, slog.LevelInfo},
		{http.MethodGet, "/api/health", 200, slog.LevelDebug},
		{http.MethodOptions, "/api/processing", 204, slog.LevelDebug},
		{http.MethodGet, "/api/health", 503, slog.LevelError},
		{http.MethodPut, "/api/processing", 400, slog.LevelWarn},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, requestLevel(tt.method, tt.path, tt.status), "%s %s %d", tt.method, tt.path, tt.status)
	}
}

func TestSSEForwardsEvents(t *testing.T) {
	bus := events.New()
	pipe := &fakePipeline{status: capture.Status{
		State:  capture.StateRunning,
		Device: &capture.DeviceInfo{Path: "/dev/video0", Sensor: "bo548"},
	}}
	srv, _ := newTestServer(t, &Options{Pipeline: pipe, EventBus: bus})

	ts := httptest.NewServer(srv.GetMux())
	defer ts.Close()

	credentials := base64.StdEncoding.EncodeToString([]byte(testUser + ":" + testPass))
	resp, err := http.Get(ts.URL + "/api/events?auth=" + credentials)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	lines := make(chan string, 16)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			if line := scanner.Text(); strings.HasPrefix(line, "data:") {
				lines <- line
			}
		}
	}()

	next := func() string {
		select {
		case line := <-lines:
			return line
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for SSE message")
			return ""
		}
	}

	first := next()
	assert.Contains(t, first, `"sensor":"bo548"`)
	assert.Contains(t, first, `"running":true`)

	// the handler subscribes before sending the initial state, so this is
	// delivered to the open stream
	bus.Publish(events.FrameProcessedEvent{Sequence: 99, Width: 640, Height: 480})
	assert.Contains(t, next(), `"sequence":99`)
}
