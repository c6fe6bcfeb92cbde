package cmd

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/smazurov/tofnode/internal/config"
	"github.com/smazurov/tofnode/internal/depth"
	"github.com/smazurov/tofnode/internal/logging"
	"github.com/smazurov/tofnode/internal/sensor"
	"github.com/smazurov/tofnode/internal/stats"
	"github.com/spf13/cobra"
)

// BenchResult is the timing of one processing path.
type BenchResult struct {
	Path    string
	Timings stats.TimingSummary
}

// CreateBenchCmd creates the bench command.
func CreateBenchCmd() *cobra.Command {
	var (
		src        SensorOptions
		frames     int
		warmup     int
		logVerbose bool
	)

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Compare the scalar and fused depth paths",
		Long: `Processes the same source with the scalar reference path and the fused 8-lane ` +
			`path and reports per-frame processing time and the implied frame rate. ` +
			`Use --replay for repeatable input.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			initCommandLogging(logVerbose)
			logger := logging.GetLogger("bench")

			var results []BenchResult
			for _, fused := range []bool{false, true} {
				proc := config.DefaultProcessing()
				proc.Fused = fused
				sess, err := src.Open(proc, nil, logger)
				if err != nil {
					return err
				}
				res, err := benchPath(sess.Source, sess.Processor, frames, warmup)
				res.Path = depth.PathScalar
				if fused {
					res.Path = depth.PathFused
				}
				if cerr := sess.Source.Close(); cerr != nil {
					err = errors.Join(err, cerr)
				}
				if err != nil {
					return fmt.Errorf("%s path: %w", res.Path, err)
				}
				results = append(results, res)
			}
			return printBench(cmd.OutOrStdout(), results)
		},
	}

	flags := cmd.Flags()
	AddSensorFlags(flags, &src)
	flags.IntVarP(&frames, "frames", "n", 200, "Frames timed per path")
	flags.IntVar(&warmup, "warmup", 10, "Frames processed before timing starts")
	flags.BoolVarP(&logVerbose, "verbose", "v", false, "Debug logging")
	return cmd
}

// benchPath times frames calls of Next after warmup untimed ones. The
// processor's own latency measurement excludes dequeue waits.
func benchPath(src sensor.Source, p *depth.Processor, frames, warmup int) (BenchResult, error) {
	var t stats.Timings
	if err := src.StreamOn(); err != nil {
		return BenchResult{}, err
	}
	defer src.StreamOff()

	for i := range warmup + frames {
		f, err := p.Next()
		if err != nil {
			return BenchResult{}, err
		}
		if i >= warmup {
			t.Add(f.Latency)
		}
	}
	return BenchResult{Timings: t.Summary()}, nil
}

func printBench(w io.Writer, results []BenchResult) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PATH\tFRAMES\tMEAN\tP50\tP95\tSTDDEV\tFPS")
	for _, r := range results {
		s := r.Timings
		fmt.Fprintf(tw, "%s\t%d\t%v\t%v\t%v\t%v\t%.1f\n", r.Path, s.Count,
			seconds(s.Mean), seconds(s.P50), seconds(s.P95), seconds(s.StdDev), s.FPS)
	}
	if len(results) == 2 && results[1].Timings.Mean > 0 {
		fmt.Fprintf(tw, "\nspeedup\t%.2fx\n", results[0].Timings.Mean/results[1].Timings.Mean)
	}
	return tw.Flush()
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second)).Round(time.Microsecond)
}
