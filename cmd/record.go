package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/smazurov/tofnode/internal/logging"
	"github.com/smazurov/tofnode/internal/replay"
	"github.com/smazurov/tofnode/internal/sensor"
	"github.com/spf13/cobra"
)

const recordPoll = 200 * time.Millisecond

// CreateRecordCmd creates the record command.
func CreateRecordCmd() *cobra.Command {
	var (
		src        SensorOptions
		frames     int
		outputRoot string
		logVerbose bool
	)

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record raw phase buffers for later replay",
		Long: `Writes every dequeued buffer unprocessed as frame_NNNN.raw into a new session ` +
			`directory under the output root, with a session.toml manifest describing the format. ` +
			`Pass the directory to --replay to process it again.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			initCommandLogging(logVerbose)
			logger := logging.GetLogger("record")

			if err := os.MkdirAll(outputRoot, 0o755); err != nil {
				return err
			}
			s, err := src.OpenSource(logger)
			if err != nil {
				return err
			}
			defer s.Close()

			f := s.Format()
			perFrame := s.Profile.Layout.BuffersPerFrame()
			m := replay.Manifest{
				Sensor:          s.Profile.Name,
				Width:           f.Width,
				Height:          f.Height,
				BytesPerLine:    f.BytesPerLine,
				SizeImage:       f.SizeImage,
				PixelFormat:     f.PixelFormat,
				BuffersPerFrame: perFrame,
			}
			for _, mod := range s.Profile.Modulations() {
				m.FrequenciesHz = append(m.FrequenciesHz, mod.FrequencyHz)
			}

			rec, err := replay.NewRecorder(outputRoot, m, nil)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger.Info("Recording started", "session", rec.SessionID(), "dir", rec.Dir(), "frames", frames)
			err = recordBuffers(ctx, s, rec, frames*perFrame)
			if cerr := rec.Close(); cerr != nil {
				err = errors.Join(err, cerr)
			}
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Recorded %d buffers to %s\n", rec.Frames(), rec.Dir())
			return nil
		},
	}

	flags := cmd.Flags()
	AddSensorFlags(flags, &src)
	flags.IntVarP(&frames, "frames", "n", 100, "Number of depth frames to record")
	flags.StringVarP(&outputRoot, "output", "o", "recordings", "Directory that receives the session directory")
	flags.BoolVarP(&logVerbose, "verbose", "v", false, "Debug logging")
	return cmd
}

// recordBuffers copies n buffers from src into rec, returning each buffer
// to the source right after it is written.
func recordBuffers(ctx context.Context, src sensor.Source, rec *replay.Recorder, n int) error {
	if err := src.StreamOn(); err != nil {
		return fmt.Errorf("stream on: %w", err)
	}
	defer src.StreamOff()

	waiter, _ := src.(sensor.Waiter)
	for rec.Frames() < n {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if waiter != nil {
			ready, err := waiter.WaitReady(recordPoll)
			if err != nil {
				return err
			}
			if !ready {
				continue
			}
		}
		buf, err := src.Dequeue()
		if err != nil {
			if buf.Index != sensor.NoBuffer {
				return errors.Join(err, src.Enqueue(buf.Index))
			}
			return err
		}
		werr := rec.Write(buf.Data)
		if err := errors.Join(werr, src.Enqueue(buf.Index)); err != nil {
			return err
		}
	}
	return nil
}
