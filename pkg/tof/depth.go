package tof

import (
	"fmt"
	"math"
	"strconv"
)

// SpeedOfLight in metres per second.
const SpeedOfLight = 299_792_458.0

// ConfidenceScale multiplies the quadrature magnitude in the confidence
// output of ComputeDepthConfidence and FusedDepthConfidence.
const ConfidenceScale = 8.0

// Orientation corrects for the sensor mounting in 90° steps.
type Orientation int

// Supported orientations.
const (
	Rotate0 Orientation = iota
	Rotate90
	Rotate180
	Rotate270
)

// ParseOrientation accepts "0", "90", "180" or "270".
func ParseOrientation(s string) (Orientation, error) {
	deg, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid orientation %q: %w", s, err)
	}
	return OrientationFromDegrees(deg)
}

// OrientationFromDegrees maps 0/90/180/270 to an Orientation.
func OrientationFromDegrees(deg int) (Orientation, error) {
	switch deg {
	case 0:
		return Rotate0, nil
	case 90:
		return Rotate90, nil
	case 180:
		return Rotate180, nil
	case 270:
		return Rotate270, nil
	}
	return 0, fmt.Errorf("invalid orientation %d: must be 0, 90, 180 or 270", deg)
}

// Degrees returns the rotation in degrees.
func (o Orientation) Degrees() int {
	return int(o) * 90
}

func (o Orientation) String() string {
	return strconv.Itoa(o.Degrees())
}

// apply maps the (cos, sin) quadrature pair into the rotated frame.
func (o Orientation) apply(c, s float32) (x, y float32) {
	switch o {
	case Rotate90:
		return -s, c
	case Rotate180:
		return -c, -s
	case Rotate270:
		return s, -c
	default:
		return c, s
	}
}

// ModulationConfig holds the per-call demodulation parameters.
type ModulationConfig struct {
	FrequencyHz float64
	Orientation Orientation
}

// Validate reports whether the configuration can be used for demodulation.
func (c ModulationConfig) Validate() error {
	if !(c.FrequencyHz > 0) || math.IsInf(c.FrequencyHz, 0) {
		return fmt.Errorf("invalid modulation frequency %v Hz", c.FrequencyHz)
	}
	if c.Orientation < Rotate0 || c.Orientation > Rotate270 {
		return fmt.Errorf("invalid orientation %d", int(c.Orientation))
	}
	return nil
}

// DistanceSpan returns the unambiguous range in millimetres for a modulation
// frequency.
func DistanceSpan(frequencyHz float64) float64 {
	return SpeedOfLight / (2 * frequencyHz) * 1000
}

// depthScale maps a phase in [-π, π) onto [0, span).
type depthScale struct {
	scale float32
	bias  float32
}

func newDepthScale(cfg ModulationConfig) depthScale {
	if err := cfg.Validate(); err != nil {
		panic("tof: " + err.Error())
	}
	bias := 0.5 * DistanceSpan(cfg.FrequencyHz)
	return depthScale{
		scale: float32(bias / math.Pi),
		bias:  float32(bias),
	}
}

func (d depthScale) depth(x, y float32) float32 {
	if x == 0 && y == 0 {
		return 0
	}
	phase := FastAtan2(y, x)
	if phase >= pi32 {
		return 0
	}
	return float32(phase*d.scale) + d.bias
}

func magnitude(x, y float32) float32 {
	return float32(math.Sqrt(float64(float32(x*x) + float32(y*y))))
}

// PhaseFrames holds the unpacked 0°, 90°, 180° and 270° exposures.
type PhaseFrames [4][]int16

func (f PhaseFrames) mustMatch(n int) {
	for i, frame := range f {
		if len(frame) != n {
			panic(fmt.Sprintf("tof: phase %d holds %d samples, want %d", i, len(frame), n))
		}
	}
}

func quadrature(f PhaseFrames, i int) (c, s float32) {
	c = float32(int32(f[0][i]) - int32(f[2][i]))
	s = float32(int32(f[3][i]) - int32(f[1][i]))
	return c, s
}

// ComputeDepthConfidence writes depth in millimetres for every pixel and,
// when confidence is non-nil, the quadrature magnitude times
// ConfidenceScale. Depth is 0 where the signal vanishes or the phase reaches
// π. All slices must have the same length.
func ComputeDepthConfidence(depth, confidence []float32, frames PhaseFrames, cfg ModulationConfig) {
	n := len(depth)
	frames.mustMatch(n)
	if confidence != nil && len(confidence) != n {
		panic(fmt.Sprintf("tof: confidence holds %d values, want %d", len(confidence), n))
	}
	ds := newDepthScale(cfg)

	for i := range depth {
		x, y := cfg.Orientation.apply(quadrature(frames, i))
		if confidence != nil {
			confidence[i] = magnitude(x, y) * ConfidenceScale
		}
		depth[i] = ds.depth(x, y)
	}
}

// ComputeDepthAmplitude is the diagnostic variant of ComputeDepthConfidence.
// It writes the unscaled quadrature amplitude and the raw intensity sum
// I0+I1+I2+I3 alongside depth. All slices must have the same length.
func ComputeDepthAmplitude(depth, amplitude, intensity []float32, frames PhaseFrames, cfg ModulationConfig) {
	n := len(depth)
	frames.mustMatch(n)
	if len(amplitude) != n || len(intensity) != n {
		panic(fmt.Sprintf("tof: amplitude/intensity hold %d/%d values, want %d", len(amplitude), len(intensity), n))
	}
	ds := newDepthScale(cfg)

	for i := range depth {
		x, y := cfg.Orientation.apply(quadrature(frames, i))
		amplitude[i] = magnitude(x, y)
		intensity[i] = float32(int32(frames[0][i]) + int32(frames[1][i]) + int32(frames[2][i]) + int32(frames[3][i]))
		depth[i] = ds.depth(x, y)
	}
}
