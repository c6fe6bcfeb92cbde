package stats

import (
	"errors"
	"fmt"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// WriteDepthHistogram renders the distribution of non-zero depths to an
// image file. The format follows the extension of path (png, svg, pdf).
func WriteDepthHistogram(path string, depth []float32, bins int, title string) error {
	values := make(plotter.Values, 0, len(depth))
	for _, d := range depth {
		if d != 0 {
			values = append(values, float64(d))
		}
	}
	if len(values) == 0 {
		return errors.New("no valid depth samples to plot")
	}

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "depth (mm)"
	p.Y.Label.Text = "pixels"

	h, err := plotter.NewHist(values, bins)
	if err != nil {
		return fmt.Errorf("histogram: %w", err)
	}
	h.LineStyle.Width = vg.Points(0.5)
	p.Add(h)

	if err := p.Save(8*vg.Inch, 4*vg.Inch, path); err != nil {
		return fmt.Errorf("save %s: %w", path, err)
	}
	return nil
}
