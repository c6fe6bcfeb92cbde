package replay

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pelletier/go-toml/v2"

	"github.com/smazurov/tofnode/internal/events"
	"github.com/smazurov/tofnode/internal/sensor"
)

// ManifestName is the file describing a recording session.
const ManifestName = "session.toml"

// Manifest describes a recording so it can be replayed without repeating
// the capture format on the command line.
type Manifest struct {
	SessionID       string    `toml:"session_id"`
	Sensor          string    `toml:"sensor"`
	Width           uint32    `toml:"width"`
	Height          uint32    `toml:"height"`
	BytesPerLine    uint32    `toml:"bytes_per_line"`
	SizeImage       uint32    `toml:"size_image"`
	PixelFormat     string    `toml:"pixel_format"`
	BuffersPerFrame int       `toml:"buffers_per_frame"`
	FrequenciesHz   []float64 `toml:"frequencies_hz"`
	Frames          int       `toml:"frames"`
	Created         time.Time `toml:"created"`
}

// Format returns the capture format stored in the manifest.
func (m Manifest) Format() sensor.Format {
	return sensor.Format{
		Width:        m.Width,
		Height:       m.Height,
		BytesPerLine: m.BytesPerLine,
		SizeImage:    m.SizeImage,
		PixelFormat:  m.PixelFormat,
	}
}

// ReadManifest loads dir/session.toml.
func ReadManifest(dir string) (Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestName))
	if err != nil {
		return Manifest{}, fmt.Errorf("replay: read manifest: %w", err)
	}
	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("replay: parse manifest: %w", err)
	}
	return m, nil
}

// Publisher receives recording progress.
type Publisher interface {
	Publish(events.Event)
}

// Recorder writes capture buffers as frame_NNNN.raw into a fresh session
// directory named by a random UUID.
type Recorder struct {
	dir      string
	manifest Manifest
	pub      Publisher
	closed   bool
}

// NewRecorder creates root/<session-id>. m supplies the capture format;
// its SessionID, Frames and Created fields are filled in by the recorder.
// pub may be nil.
func NewRecorder(root string, m Manifest, pub Publisher) (*Recorder, error) {
	if m.SizeImage == 0 {
		m.SizeImage = m.BytesPerLine * m.Height
	}
	if m.SizeImage == 0 {
		return nil, errors.New("replay: recorder needs a non-empty format")
	}
	m.SessionID = uuid.NewString()
	m.Created = time.Now().UTC()
	m.Frames = 0

	dir := filepath.Join(root, m.SessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("replay: create session: %w", err)
	}
	r := &Recorder{dir: dir, manifest: m, pub: pub}
	r.publish(false)
	return r, nil
}

// SessionID returns the session identifier.
func (r *Recorder) SessionID() string { return r.manifest.SessionID }

// Dir returns the session directory.
func (r *Recorder) Dir() string { return r.dir }

// Frames returns the number of buffers written.
func (r *Recorder) Frames() int { return r.manifest.Frames }

// Write stores one buffer. Only the first SizeImage bytes are kept so the
// file matches what Open expects.
func (r *Recorder) Write(data []byte) error {
	if r.closed {
		return ErrClosed
	}
	if len(data) < int(r.manifest.SizeImage) {
		return fmt.Errorf("replay: buffer holds %d bytes, want %d", len(data), r.manifest.SizeImage)
	}
	name := filepath.Join(r.dir, FrameName(r.manifest.Frames))
	if err := os.WriteFile(name, data[:r.manifest.SizeImage], 0o644); err != nil {
		return fmt.Errorf("replay: %w", err)
	}
	r.manifest.Frames++
	return nil
}

// Close writes the manifest and reports the finished session.
func (r *Recorder) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true

	data, err := toml.Marshal(r.manifest)
	if err != nil {
		return fmt.Errorf("replay: encode manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(r.dir, ManifestName), data, 0o644); err != nil {
		return fmt.Errorf("replay: write manifest: %w", err)
	}
	r.publish(true)
	return nil
}

func (r *Recorder) publish(done bool) {
	if r.pub == nil {
		return
	}
	r.pub.Publish(events.RecordingEvent{
		SessionID: r.manifest.SessionID,
		Directory: r.dir,
		Frames:    r.manifest.Frames,
		Done:      done,
	})
}
