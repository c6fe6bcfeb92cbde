// Package metrics provides Prometheus metrics for the capture and depth
// pipeline.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tofnode"

var (
	framesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "depth",
		Name:      "frames_total",
		Help:      "Depth frames produced",
	}, []string{"device"})

	captureErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "capture",
		Name:      "errors_total",
		Help:      "Capture pipeline errors by stage",
	}, []string{"device", "stage"})

	processingSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "depth",
		Name:      "processing_seconds",
		Help:      "Time to turn a phase set into a depth map",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
	}, []string{"device", "path"})

	validRatio = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "depth",
		Name:      "valid_pixel_ratio",
		Help:      "Share of pixels with a non-zero depth in the last frame",
	}, []string{"device"})

	meanDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "depth",
		Name:      "mean_depth_millimetres",
		Help:      "Mean depth of valid pixels in the last frame",
	}, []string{"device"})

	frameInterval = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "capture",
		Name:      "frames_per_second",
		Help:      "Depth frame rate derived from capture timestamps",
	}, []string{"device"})

	cache   = make(map[string]*DeviceMetrics)
	cacheMu sync.RWMutex
)

// DeviceMetrics mirrors the exported values for one device so the API can
// serve them without scraping.
type DeviceMetrics struct {
	Frames          uint64            `json:"frames"`
	Errors          map[string]uint64 `json:"errors,omitempty"`
	LastLatency     time.Duration     `json:"last_latency_ns"`
	ValidPixelRatio float64           `json:"valid_pixel_ratio"`
	MeanDepthMM     float64           `json:"mean_depth_mm"`
	FPS             float64           `json:"fps"`
}

// FrameSample describes one processed frame.
type FrameSample struct {
	Path            string // "fused" or "scalar"
	Latency         time.Duration
	ValidPixelRatio float64
	MeanDepthMM     float64
	FPS             float64 // 0 when unknown
}

// ObserveFrame records a processed frame for device.
func ObserveFrame(device string, s FrameSample) {
	framesProcessed.WithLabelValues(device).Inc()
	processingSeconds.WithLabelValues(device, s.Path).Observe(s.Latency.Seconds())
	validRatio.WithLabelValues(device).Set(s.ValidPixelRatio)
	meanDepth.WithLabelValues(device).Set(s.MeanDepthMM)
	if s.FPS > 0 {
		frameInterval.WithLabelValues(device).Set(s.FPS)
	}

	update(device, func(m *DeviceMetrics) {
		m.Frames++
		m.LastLatency = s.Latency
		m.ValidPixelRatio = s.ValidPixelRatio
		m.MeanDepthMM = s.MeanDepthMM
		if s.FPS > 0 {
			m.FPS = s.FPS
		}
	})
}

// IncCaptureError counts a failure at stage for device.
func IncCaptureError(device, stage string) {
	captureErrors.WithLabelValues(device, stage).Inc()
	update(device, func(m *DeviceMetrics) {
		if m.Errors == nil {
			m.Errors = make(map[string]uint64)
		}
		m.Errors[stage]++
	})
}

// DeleteDevice removes every series for device.
func DeleteDevice(device string) {
	labels := prometheus.Labels{"device": device}
	framesProcessed.DeletePartialMatch(labels)
	captureErrors.DeletePartialMatch(labels)
	processingSeconds.DeletePartialMatch(labels)
	validRatio.DeletePartialMatch(labels)
	meanDepth.DeletePartialMatch(labels)
	frameInterval.DeletePartialMatch(labels)

	cacheMu.Lock()
	delete(cache, device)
	cacheMu.Unlock()
}

// Get returns a copy of the cached values for device, or nil.
func Get(device string) *DeviceMetrics {
	cacheMu.RLock()
	defer cacheMu.RUnlock()
	m, ok := cache[device]
	if !ok {
		return nil
	}
	return m.clone()
}

// All returns copies of the cached values for every device.
func All() map[string]*DeviceMetrics {
	cacheMu.RLock()
	defer cacheMu.RUnlock()
	out := make(map[string]*DeviceMetrics, len(cache))
	for device, m := range cache {
		out[device] = m.clone()
	}
	return out
}

func (m *DeviceMetrics) clone() *DeviceMetrics {
	dup := *m
	if m.Errors != nil {
		dup.Errors = make(map[string]uint64, len(m.Errors))
		for k, v := range m.Errors {
			dup.Errors[k] = v
		}
	}
	return &dup
}

func update(device string, fn func(*DeviceMetrics)) {
	cacheMu.Lock()
	defer cacheMu.Unlock()
	m, ok := cache[device]
	if !ok {
		m = &DeviceMetrics{}
		cache[device] = m
	}
	fn(m)
}
