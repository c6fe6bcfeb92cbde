package tof

import (
	"math"
	"testing"
)

func TestFastAtan2ErrorBound(t *testing.T) {
	const maxErr = 0.005

	for y := -64; y <= 64; y++ {
		for x := -64; x <= 64; x++ {
			if x == 0 && y == 0 {
				continue
			}
			got := float64(FastAtan2(float32(y), float32(x)))
			want := math.Atan2(float64(y), float64(x))
			if x < 0 && y == 0 {
				want = math.Pi
			}
			if d := math.Abs(got - want); d > maxErr {
				t.Fatalf("FastAtan2(%d, %d) = %v, want %v (error %v)", y, x, got, want, d)
			}
		}
	}
}

func TestFastAtan2Quadrants(t *testing.T) {
	tests := []struct {
		name   string
		y, x   float32
		lo, hi float32
	}{
		{"first", 3, 5, 0, halfPi32},
		{"second", 3, -5, halfPi32, pi32},
		{"third", -3, -5, -pi32, -halfPi32},
		{"fourth", -3, 5, -halfPi32, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FastAtan2(tt.y, tt.x)
			if got < tt.lo || got > tt.hi {
				t.Errorf("FastAtan2(%v, %v) = %v, want in [%v, %v]", tt.y, tt.x, got, tt.lo, tt.hi)
			}
		})
	}
}

func TestFastAtan2Axes(t *testing.T) {
	tests := []struct {
		name string
		y, x float32
		want float32
	}{
		{"origin", 0, 0, 0},
		{"positive x", 0, 7, 0},
		{"negative x", 0, -7, pi32},
		{"positive y", 7, 0, halfPi32},
		{"negative y", -7, 0, -halfPi32},
		{"negative zero y", float32(math.Copysign(0, -1)), -7, pi32},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FastAtan2(tt.y, tt.x); got != tt.want {
				t.Errorf("FastAtan2(%v, %v) = %v, want %v", tt.y, tt.x, got, tt.want)
			}
		})
	}
}
