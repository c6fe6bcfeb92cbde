package tof

import "math"

// Coefficients of atan(t) ≈ t*(atanC1 - atanC2*t) on [0, 1].
const (
	atanC2 = 0.273
	atanC1 = math.Pi/4 + atanC2
)

const (
	pi32     = float32(math.Pi)
	halfPi32 = float32(math.Pi / 2)
)

// FastAtan2 approximates math.Atan2(y, x) in float32. The error is below
// 0.005 rad everywhere; the quadrant always matches atan2. The result lies in
// [-π, π], with exactly π for points on the negative x axis.
//
// Depth scaling and the π clamp in the demodulator are calibrated against
// this approximation, so the constants and branch order must not change.
func FastAtan2(y, x float32) float32 {
	if x == 0 && y == 0 {
		return 0
	}
	ax, ay := abs32(x), abs32(y)
	swap := ay > ax
	amax, amin := ax, ay
	if swap {
		amax, amin = ay, ax
	}
	t := amin / amax
	a := t * (atanC1 - float32(atanC2*t))

	theta := a
	if swap {
		theta = halfPi32 - a
	}
	if x < 0 {
		theta = pi32 - theta
	}
	if y < 0 {
		theta = -theta
	}
	return theta
}

func abs32(v float32) float32 {
	return math.Float32frombits(math.Float32bits(v) &^ (1 << 31))
}
