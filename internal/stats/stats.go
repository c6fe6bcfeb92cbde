// Package stats summarises depth maps and benchmark timings.
package stats

import (
	"slices"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Summary describes the valid pixels of one depth map. A pixel is valid
// when its depth is non-zero and, if confidences are given, its confidence
// reaches the threshold.
type Summary struct {
	Pixels     int     `json:"pixels"`
	Valid      int     `json:"valid"`
	ValidRatio float64 `json:"valid_ratio"`
	MeanMM     float64 `json:"mean_mm"`
	StdDevMM   float64 `json:"stddev_mm"`
	MedianMM   float64 `json:"median_mm"`
	MinMM      float64 `json:"min_mm"`
	MaxMM      float64 `json:"max_mm"`
	// MeanConfidence is over valid pixels; zero without confidences.
	MeanConfidence float64 `json:"mean_confidence"`
}

// Summarize computes a Summary. confidence may be nil; otherwise it must
// be as long as depth.
func Summarize(depth, confidence []float32, minConfidence float32) Summary {
	s := Summary{Pixels: len(depth)}

	values := make([]float64, 0, len(depth))
	var conf []float64
	if confidence != nil {
		conf = make([]float64, 0, len(depth))
	}
	for i, d := range depth {
		if d == 0 {
			continue
		}
		if confidence != nil {
			if confidence[i] < minConfidence {
				continue
			}
			conf = append(conf, float64(confidence[i]))
		}
		values = append(values, float64(d))
	}

	s.Valid = len(values)
	if s.Pixels > 0 {
		s.ValidRatio = float64(s.Valid) / float64(s.Pixels)
	}
	if s.Valid == 0 {
		return s
	}

	s.MeanMM, s.StdDevMM = stat.MeanStdDev(values, nil)
	if s.Valid == 1 {
		s.StdDevMM = 0
	}
	s.MinMM = floats.Min(values)
	s.MaxMM = floats.Max(values)
	slices.Sort(values)
	s.MedianMM = stat.Quantile(0.5, stat.Empirical, values, nil)
	if conf != nil {
		s.MeanConfidence = stat.Mean(conf, nil)
	}
	return s
}

// Timings accumulates per-frame durations.
type Timings struct {
	samples []float64
}

// Add records one duration.
func (t *Timings) Add(d time.Duration) {
	t.samples = append(t.samples, d.Seconds())
}

// Len returns the number of recorded durations.
func (t *Timings) Len() int {
	return len(t.samples)
}

// TimingSummary reports timing statistics in seconds.
type TimingSummary struct {
	Count  int     `json:"count"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stddev"`
	P50    float64 `json:"p50"`
	P95    float64 `json:"p95"`
	// FPS is the rate implied by the mean duration.
	FPS float64 `json:"fps"`
}

// Summary computes statistics over the recorded durations.
func (t *Timings) Summary() TimingSummary {
	out := TimingSummary{Count: len(t.samples)}
	if out.Count == 0 {
		return out
	}
	sorted := slices.Clone(t.samples)
	slices.Sort(sorted)

	out.Mean, out.StdDev = stat.MeanStdDev(sorted, nil)
	if out.Count == 1 {
		out.StdDev = 0
	}
	out.P50 = stat.Quantile(0.50, stat.Empirical, sorted, nil)
	out.P95 = stat.Quantile(0.95, stat.Empirical, sorted, nil)
	if out.Mean > 0 {
		out.FPS = 1 / out.Mean
	}
	return out
}
