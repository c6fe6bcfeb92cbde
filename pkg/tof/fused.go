package tof

import (
	"fmt"

	"github.com/ajroetker/go-highway/hwy"
)

// RawPhases holds the four packed Y12P phase planes of one capture.
type RawPhases [4][]byte

// FusedDepthConfidence computes depth and optional confidence straight from
// packed planes. The output matches UnpackY12P followed by
// ComputeDepthConfidence. depth and confidence (when non-nil) must hold
// exactly g.Pixels() values.
func FusedDepthConfidence(depth, confidence []float32, raw RawPhases, g Geometry, cfg ModulationConfig) {
	for k := range raw {
		mustFit(g, len(depth), len(raw[k]))
	}
	if len(depth) != g.Pixels() {
		panic(fmt.Sprintf("tof: depth holds %d values, want %d", len(depth), g.Pixels()))
	}
	if confidence != nil && len(confidence) != len(depth) {
		panic(fmt.Sprintf("tof: confidence holds %d values, want %d", len(confidence), len(depth)))
	}
	ds := newDepthScale(cfg)
	k := newDepthKernel(ds)
	lanes := hwy.MaxLanes[float32]()

	// c and s are reused across rows.
	c := make([]float32, g.Width)
	s := make([]float32, g.Width)
	var lines [4][]byte
	for row := 0; row < g.Height; row++ {
		for p := range raw {
			lines[p] = raw[p][row*g.BytesPerLine : row*g.BytesPerLine+g.Width/2*Y12PBytesPerPair]
		}
		decodeRow(c, s, &lines)

		drow := depth[row*g.Width : (row+1)*g.Width]
		var crow []float32
		if confidence != nil {
			crow = confidence[row*g.Width : (row+1)*g.Width]
		}

		x := 0
		for ; x+lanes <= g.Width; x += lanes {
			xs, ys := orientVec(cfg.Orientation, hwy.Load(c[x:]), hwy.Load(s[x:]))
			hwy.Store(k.depth(xs, ys), drow[x:])
			if crow != nil {
				hwy.Store(confidenceVec(xs, ys), crow[x:])
			}
		}

		// Tail: fewer than lanes pixels left.
		for ; x < g.Width; x++ {
			px, py := cfg.Orientation.apply(c[x], s[x])
			if crow != nil {
				crow[x] = magnitude(px, py) * ConfidenceScale
			}
			drow[x] = ds.depth(px, py)
		}
	}
}

// decodeRow unpacks one row of every phase and forms the quadrature pair.
func decodeRow(c, s []float32, lines *[4][]byte) {
	for x := 0; x < len(c); x += 2 {
		off := x / 2 * Y12PBytesPerPair
		var q [4][2]int16
		for p := range lines {
			b := lines[p][off : off+3 : off+3]
			q[p][0], q[p][1] = unpackPair(b[0], b[1], b[2])
		}
		for j := 0; j < 2; j++ {
			c[x+j] = float32(int32(q[0][j]) - int32(q[2][j]))
			s[x+j] = float32(int32(q[3][j]) - int32(q[1][j]))
		}
	}
}

// orientVec applies the rotation to a whole vector. The orientation is
// uniform across a call so the switch does not depend on pixel data.
func orientVec(o Orientation, c, s hwy.Vec[float32]) (x, y hwy.Vec[float32]) {
	switch o {
	case Rotate90:
		return hwy.Neg(s), c
	case Rotate180:
		return hwy.Neg(c), hwy.Neg(s)
	case Rotate270:
		return s, hwy.Neg(c)
	default:
		return c, s
	}
}

// depthKernel holds the broadcast constants of FastAtan2 and depth scaling.
type depthKernel struct {
	zero, c1, c2, halfPi, pi, scale, bias hwy.Vec[float32]
}

func newDepthKernel(ds depthScale) depthKernel {
	return depthKernel{
		zero:   hwy.Zero[float32](),
		c1:     hwy.Set(float32(atanC1)),
		c2:     hwy.Set(float32(atanC2)),
		halfPi: hwy.Set(halfPi32),
		pi:     hwy.Set(pi32),
		scale:  hwy.Set(ds.scale),
		bias:   hwy.Set(ds.bias),
	}
}

// depth is FastAtan2 plus depth scaling with every branch replaced by a
// lane select. Lanes with x == y == 0 divide 0/0 and are forced to 0 along
// with lanes whose phase reached π. Mul and Add stay separate so rounding
// matches the scalar path.
func (k depthKernel) depth(x, y hwy.Vec[float32]) hwy.Vec[float32] {
	ax, ay := hwy.Abs(x), hwy.Abs(y)
	swap := hwy.Less(ax, ay)
	amax := hwy.IfThenElse(swap, ay, ax)
	amin := hwy.IfThenElse(swap, ax, ay)
	t := hwy.Div(amin, amax)
	a := hwy.Mul(t, hwy.Sub(k.c1, hwy.Mul(k.c2, t)))

	theta := hwy.IfThenElse(swap, hwy.Sub(k.halfPi, a), a)
	theta = hwy.IfThenElse(hwy.Less(x, k.zero), hwy.Sub(k.pi, theta), theta)
	theta = hwy.IfThenElse(hwy.Less(y, k.zero), hwy.Neg(theta), theta)

	d := hwy.Add(hwy.Mul(theta, k.scale), k.bias)
	// NaN lanes from 0/0 fail this compare and fall through to zero.
	d = hwy.IfThenElse(hwy.Less(theta, k.pi), d, k.zero)
	signal := hwy.Less(k.zero, hwy.Add(ax, ay))
	return hwy.IfThenElse(signal, d, k.zero)
}

func confidenceVec(x, y hwy.Vec[float32]) hwy.Vec[float32] {
	m := hwy.Sqrt(hwy.Add(hwy.Mul(x, x), hwy.Mul(y, y)))
	return hwy.Mul(m, hwy.Set(float32(ConfidenceScale)))
}
