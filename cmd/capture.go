package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/smazurov/tofnode/internal/config"
	"github.com/smazurov/tofnode/internal/depth"
	"github.com/smazurov/tofnode/internal/logging"
	"github.com/smazurov/tofnode/internal/stats"
	"github.com/smazurov/tofnode/pkg/tof"
	"github.com/spf13/cobra"
)

// errEnough stops a processing loop once enough frames were handled.
var errEnough = errors.New("enough frames")

// CreateCaptureCmd creates the capture command.
func CreateCaptureCmd() *cobra.Command {
	var (
		src        SensorOptions
		frames     int
		skip       int
		outputDir  string
		amplitude  bool
		scalar     bool
		histogram  bool
		histBins   int
		colormap   bool
		cmap       stats.ColormapOptions
		logVerbose bool
	)

	cmd := &cobra.Command{
		Use:   "capture",
		Short: "Capture depth frames to raw float32 files",
		Long: `Opens the sensor (or a recording), computes depth maps and writes them as raw ` +
			`little-endian float32 files: depth_NNN.bin plus confidence_NNN.bin, or amplitude_NNN.bin ` +
			`and intensity_NNN.bin in amplitude mode. --colormap adds a colour PNG per frame.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			initCommandLogging(logVerbose)
			logger := logging.GetLogger("capture")

			proc := config.DefaultProcessing()
			proc.Fused = !scalar
			if amplitude {
				proc.Mode = config.ModeAmplitude
				proc.Fused = false
			}

			if err := os.MkdirAll(outputDir, 0o755); err != nil {
				return err
			}

			sess, err := src.Open(proc, nil, logger)
			if err != nil {
				return err
			}
			defer sess.Source.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			seen, written := 0, 0
			err = sess.Processor.Run(ctx, func(f *depth.Frame) error {
				seen++
				if seen <= skip {
					return nil
				}
				paths, err := f.WriteMaps(outputDir, written)
				if err != nil {
					return err
				}
				if histogram {
					h := filepath.Join(outputDir, fmt.Sprintf("histogram_%03d.png", written))
					title := fmt.Sprintf("frame %d, %.0f MHz", f.Sequence, f.Sets[0].Modulation.FrequencyHz/1e6)
					if err := stats.WriteDepthHistogram(h, f.Sets[0].Depth, histBins, title); err != nil {
						logger.Warn("Failed to write histogram", "path", h, "error", err)
					} else {
						paths = append(paths, h)
					}
				}
				if colormap {
					c := filepath.Join(outputDir, fmt.Sprintf("colormap_%03d.png", written))
					if err := writeColormap(c, f, cmap); err != nil {
						logger.Warn("Failed to write colormap", "path", c, "error", err)
					} else {
						paths = append(paths, c)
					}
				}
				s := f.Sets[0].Summary
				logger.Info("Frame written", "index", written, "sequence", f.Sequence,
					"valid", s.Valid, "mean_mm", s.MeanMM, "latency", f.Latency, "files", len(paths))
				written++
				if written >= frames {
					return errEnough
				}
				return nil
			})
			if errors.Is(err, errEnough) || errors.Is(err, context.Canceled) {
				fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d frames to %s\n", written, outputDir)
				return nil
			}
			return err
		},
	}

	flags := cmd.Flags()
	AddSensorFlags(flags, &src)
	flags.IntVarP(&frames, "frames", "n", 10, "Number of frames to write")
	flags.IntVar(&skip, "skip", 0, "Frames to discard before writing, while exposure settles")
	flags.StringVarP(&outputDir, "output", "o", ".", "Output directory")
	flags.BoolVar(&amplitude, "amplitude", false, "Write amplitude and intensity instead of confidence")
	flags.BoolVar(&scalar, "scalar", false, "Use the scalar path instead of the fused one")
	flags.BoolVar(&histogram, "histogram", false, "Also render a depth histogram per frame")
	flags.IntVar(&histBins, "histogram-bins", 64, "Histogram bins")
	flags.BoolVar(&colormap, "colormap", false, "Also render each depth map as a colour image")
	flags.Float64Var(&cmap.MinMM, "colormap-min", 0, "Near end of the colour scale in mm (0 with --colormap-max 0 scales per frame)")
	flags.Float64Var(&cmap.MaxMM, "colormap-max", 0, "Far end of the colour scale in mm")
	flags.Float64Var(&cmap.Threshold, "colormap-threshold", 30, "Amplitude below which pixels are drawn black")
	flags.BoolVarP(&logVerbose, "verbose", "v", false, "Debug logging")
	return cmd
}

// writeColormap renders the first plane set of f. The threshold is an
// amplitude, so it is scaled when the frame carries confidence.
func writeColormap(path string, f *depth.Frame, opts stats.ColormapOptions) error {
	r := f.Sets[0]
	weight := r.Amplitude
	if weight == nil {
		weight = r.Confidence
		opts.Threshold *= tof.ConfidenceScale
	}
	opts.Title = fmt.Sprintf("frame %d, %.0f MHz", f.Sequence, r.Modulation.FrequencyHz/1e6)
	return stats.WriteDepthColormap(path, r.Depth, weight, f.Width, f.Height, opts)
}

// initCommandLogging sets up logging for the one-shot commands.
func initCommandLogging(verbose bool) {
	level := "info"
	if verbose {
		level = "debug"
	}
	logging.Initialize(logging.Config{Level: level, Format: "text"})
}
