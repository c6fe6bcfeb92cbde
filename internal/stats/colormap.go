package stats

import (
	"errors"
	"fmt"
	"image/color"
	"math"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// ColormapOptions controls WriteDepthColormap.
type ColormapOptions struct {
	// MinMM and MaxMM bound the colour scale. Both zero scales to the
	// valid pixels of the frame.
	MinMM, MaxMM float64
	// Threshold masks pixels whose weight is below it.
	Threshold float64
	Title     string
}

// depthGrid adapts a row-major depth map to plotter.GridXYZ. Row 0 of the
// map is drawn at the top. Masked pixels are NaN.
type depthGrid struct {
	z             []float64
	width, height int
	min, max      float64
}

func newDepthGrid(depth, weight []float32, width, height int, opts ColormapOptions) (*depthGrid, error) {
	if width <= 0 || height <= 0 || len(depth) != width*height {
		return nil, fmt.Errorf("depth holds %d values, want %dx%d", len(depth), width, height)
	}
	if weight != nil && len(weight) != len(depth) {
		return nil, fmt.Errorf("weight holds %d values, want %d", len(weight), len(depth))
	}

	lo, hi := opts.MinMM, opts.MaxMM
	auto := lo == 0 && hi == 0
	if auto {
		lo, hi = math.Inf(1), math.Inf(-1)
	} else if hi <= lo {
		return nil, fmt.Errorf("colour range [%v, %v] is empty", lo, hi)
	}

	g := &depthGrid{z: make([]float64, len(depth)), width: width, height: height}
	valid := 0
	for i, d := range depth {
		v := float64(d)
		masked := d == 0 || math.IsNaN(v) ||
			(weight != nil && float64(weight[i]) < opts.Threshold) ||
			(!auto && (v < lo || v > hi))
		if masked {
			g.z[i] = math.NaN()
			continue
		}
		g.z[i] = v
		valid++
		if auto {
			lo, hi = math.Min(lo, v), math.Max(hi, v)
		}
	}
	if valid == 0 {
		return nil, errors.New("no valid depth samples to plot")
	}
	if hi == lo {
		hi = lo + 1
	}
	g.min, g.max = lo, hi
	return g, nil
}

func (g *depthGrid) Dims() (c, r int) { return g.width, g.height }
func (g *depthGrid) X(c int) float64  { return float64(c) }
func (g *depthGrid) Y(r int) float64  { return float64(r) }
func (g *depthGrid) Min() float64     { return g.min }
func (g *depthGrid) Max() float64     { return g.max }

func (g *depthGrid) Z(c, r int) float64 {
	return g.z[(g.height-1-r)*g.width+c]
}

// WriteDepthColormap renders a depth map as a rainbow image, blue near and
// red far. Pixels with no depth, outside the colour range, or with a weight
// (amplitude or confidence) below opts.Threshold are drawn black. weight may
// be nil. The format follows the extension of path.
func WriteDepthColormap(path string, depth, weight []float32, width, height int, opts ColormapOptions) error {
	g, err := newDepthGrid(depth, weight, width, height, opts)
	if err != nil {
		return err
	}

	h := plotter.NewHeatMap(g, palette.Rainbow(256, palette.Blue, palette.Red, 1, 1, 1))
	h.Min, h.Max = g.min, g.max
	h.NaN = color.Black

	p := plot.New()
	p.Title.Text = opts.Title
	p.X.Label.Text = "x (px)"
	p.Y.Label.Text = "y (px)"
	p.Add(h)

	w := 6 * vg.Inch
	if err := p.Save(w, w*vg.Length(height)/vg.Length(width), path); err != nil {
		return fmt.Errorf("save %s: %w", path, err)
	}
	return nil
}
