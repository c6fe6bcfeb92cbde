// Package replay plays back and records raw Y12P capture buffers.
//
// A recording is a directory of frame_NNNN.raw files, each holding exactly
// one capture buffer of BytesPerLine*Height bytes, plus an optional
// session.toml manifest describing the format.
package replay

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/smazurov/tofnode/internal/sensor"
)

// DefaultMaxFrames bounds how many files a Source loads.
const DefaultMaxFrames = 10000

// Errors returned by Source.
var (
	ErrNoFrames     = errors.New("replay: no frames")
	ErrNotStreaming = errors.New("replay: not streaming")
	ErrClosed       = errors.New("replay: source closed")
)

// FrameName returns the file name of frame i.
func FrameName(i int) string {
	return fmt.Sprintf("frame_%04d.raw", i)
}

// Options tunes a Source.
type Options struct {
	// MaxFrames stops loading after this many frames. Zero means
	// DefaultMaxFrames.
	MaxFrames int
	// Interval paces Dequeue. Zero replays as fast as the caller asks.
	Interval time.Duration
	Logger   *slog.Logger
}

// Source replays a recording in a loop. It satisfies sensor.Source so the
// frame processor can run without hardware.
type Source struct {
	dir      string
	format   sensor.Format
	frames   [][]byte
	next     int
	sequence uint32
	interval time.Duration
	last     time.Time

	streaming bool
	closed    bool
}

var _ sensor.Source = (*Source)(nil)

// Open loads the recording in dir. f.SizeImage is derived from
// BytesPerLine*Height when zero; files of any other size are skipped.
// Loading stops at the first missing index.
func Open(dir string, f sensor.Format, opts Options) (*Source, error) {
	if f.Width == 0 || f.Height == 0 || f.BytesPerLine == 0 {
		return nil, fmt.Errorf("replay: incomplete format %dx%d bpl %d", f.Width, f.Height, f.BytesPerLine)
	}
	if f.SizeImage == 0 {
		f.SizeImage = f.BytesPerLine * f.Height
	}
	if f.PixelFormat == "" {
		f.PixelFormat = "Y12P"
	}
	limit := opts.MaxFrames
	if limit <= 0 {
		limit = DefaultMaxFrames
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default().With("component", "replay")
	}

	s := &Source{dir: dir, format: f, interval: opts.Interval}
	skipped := 0
	for i := 0; len(s.frames) < limit; i++ {
		data, err := os.ReadFile(filepath.Join(dir, FrameName(i)))
		if errors.Is(err, os.ErrNotExist) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("replay: %w", err)
		}
		if len(data) != int(f.SizeImage) {
			logger.Warn("Skipping frame with unexpected size",
				"file", FrameName(i), "size", len(data), "want", f.SizeImage)
			skipped++
			continue
		}
		s.frames = append(s.frames, data)
	}
	if len(s.frames) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoFrames, dir)
	}
	logger.Info("Replay frames loaded", "dir", dir, "frames", len(s.frames), "skipped", skipped)
	return s, nil
}

// OpenSession opens a recording using the format stored in its manifest.
func OpenSession(dir string, opts Options) (*Source, Manifest, error) {
	m, err := ReadManifest(dir)
	if err != nil {
		return nil, Manifest{}, err
	}
	s, err := Open(dir, m.Format(), opts)
	if err != nil {
		return nil, Manifest{}, err
	}
	return s, m, nil
}

// Len returns the number of loaded frames.
func (s *Source) Len() int { return len(s.frames) }

// Dir returns the recording directory.
func (s *Source) Dir() string { return s.dir }

func (s *Source) StreamOn() error {
	if s.closed {
		return ErrClosed
	}
	s.streaming = true
	return nil
}

func (s *Source) StreamOff() error {
	if s.closed {
		return ErrClosed
	}
	if !s.streaming {
		return ErrNotStreaming
	}
	s.streaming = false
	return nil
}

// Dequeue returns the next frame, wrapping to the first after the last.
// The returned data is shared with the source and must not be modified.
func (s *Source) Dequeue() (sensor.Buffer, error) {
	if s.closed {
		return sensor.Buffer{Index: sensor.NoBuffer}, ErrClosed
	}
	if !s.streaming {
		return sensor.Buffer{Index: sensor.NoBuffer}, ErrNotStreaming
	}
	if s.interval > 0 && !s.last.IsZero() {
		if wait := s.interval - time.Since(s.last); wait > 0 {
			time.Sleep(wait)
		}
	}
	s.last = time.Now()

	i := s.next
	s.next = (s.next + 1) % len(s.frames)
	b := sensor.Buffer{Index: i, Data: s.frames[i], Sequence: s.sequence, Timestamp: s.last}
	s.sequence++
	return b, nil
}

// Enqueue accepts any index of a loaded frame; frames are never consumed.
func (s *Source) Enqueue(index int) error {
	if s.closed {
		return ErrClosed
	}
	if index < 0 || index >= len(s.frames) {
		return fmt.Errorf("replay: index %d out of range [0, %d)", index, len(s.frames))
	}
	return nil
}

func (s *Source) Format() sensor.Format { return s.format }

// Close drops the loaded frames. It is safe to call more than once.
func (s *Source) Close() error {
	s.closed = true
	s.streaming = false
	s.frames = nil
	return nil
}
