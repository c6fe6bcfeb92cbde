// Package sensor describes how a ToF sensor delivers its four phase planes
// and opens the matching capture source.
//
// A Profile carries everything that differs between sensors: how many
// buffers to request, which memory strategy to use, the capture size, how
// the phase planes are laid out across dequeued buffers, and the sub-device
// settings to apply before streaming.
package sensor

import (
	"errors"
	"fmt"
	"time"

	"github.com/smazurov/tofnode/pkg/tof"
)

// Buffer is one dequeued capture buffer. Data stays valid until the buffer
// is handed back with Enqueue.
type Buffer struct {
	Index     int
	Data      []byte
	Sequence  uint32
	Timestamp time.Time
}

// NoBuffer is the Index of a Buffer that carries no slot.
const NoBuffer = -1

// Format is the negotiated capture format.
type Format struct {
	Width        uint32 `json:"width"`
	Height       uint32 `json:"height"`
	BytesPerLine uint32 `json:"bytes_per_line"`
	SizeImage    uint32 `json:"size_image"`
	PixelFormat  string `json:"pixel_format"`
}

// Source produces raw Y12P buffers. A V4L2 capture device and a replay
// directory both satisfy it.
type Source interface {
	StreamOn() error
	StreamOff() error
	// Dequeue blocks until a filled buffer is available. An error may still
	// come with a Buffer whose Index is not NoBuffer; that slot belongs to
	// the caller and must be enqueued.
	Dequeue() (Buffer, error)
	// Enqueue returns a buffer obtained from Dequeue.
	Enqueue(index int) error
	Format() Format
	Close() error
}

// Waiter is implemented by sources that can wait for a filled buffer
// without dequeuing it, so a capture loop can notice cancellation.
type Waiter interface {
	WaitReady(timeout time.Duration) (bool, error)
}

// ErrUnsupported is returned when hardware capture is not available on the
// running platform.
var ErrUnsupported = errors.New("sensor: hardware capture not supported on this platform")

// Memory strategy names accepted by Profile.Memory.
const (
	MemoryMMAP   = "mmap"
	MemoryDMABuf = "dmabuf"
)

// PlaneSet is one group of four stacked phase planes demodulated with a
// single modulation configuration.
type PlaneSet struct {
	// LineOffset is the first line of phase 0 inside the buffer. Unused for
	// sequential layouts.
	LineOffset int
	Modulation tof.ModulationConfig
}

// Layout tells the frame processor where the phase planes live.
type Layout struct {
	// Sequential layouts take the four phases from four consecutive
	// buffers. Otherwise one buffer holds every plane of every set.
	Sequential bool
	// PlaneWidth and PlaneHeight give the size of one phase plane. Zero
	// means the capture format size.
	PlaneWidth  int
	PlaneHeight int
	Sets        []PlaneSet
}

// BuffersPerFrame returns how many dequeues make up one frame.
func (l Layout) BuffersPerFrame() int {
	if l.Sequential {
		return 4
	}
	return 1
}

// Geometry resolves the plane geometry against a negotiated format.
func (l Layout) Geometry(f Format) tof.Geometry {
	g := tof.Geometry{
		Width:        l.PlaneWidth,
		Height:       l.PlaneHeight,
		BytesPerLine: int(f.BytesPerLine),
	}
	if g.Width == 0 {
		g.Width = int(f.Width)
	}
	if g.Height == 0 {
		g.Height = int(f.Height)
	}
	return g
}

// Validate checks the layout against a negotiated format: every plane of
// every set has to lie inside one buffer.
func (l Layout) Validate(f Format) error {
	if len(l.Sets) == 0 {
		return errors.New("layout has no plane sets")
	}
	if l.Sequential && len(l.Sets) != 1 {
		return fmt.Errorf("sequential layout needs exactly one plane set, got %d", len(l.Sets))
	}
	g := l.Geometry(f)
	if err := g.Validate(); err != nil {
		return err
	}
	planes := 4
	if l.Sequential {
		planes = 1
	}
	for i, s := range l.Sets {
		if err := s.Modulation.Validate(); err != nil {
			return fmt.Errorf("plane set %d: %w", i, err)
		}
		if s.LineOffset < 0 {
			return fmt.Errorf("plane set %d: negative line offset", i)
		}
		end := (s.LineOffset + planes*g.Height) * g.BytesPerLine
		if end > int(f.SizeImage) {
			return fmt.Errorf("plane set %d ends at byte %d, buffer holds %d", i, end, f.SizeImage)
		}
	}
	return nil
}

// Planes slices the four phase planes of set out of bufs. For a sequential
// layout bufs holds four buffers; otherwise one.
func (l Layout) Planes(bufs []Buffer, set int, g tof.Geometry) tof.RawPhases {
	var raw tof.RawPhases
	size := g.PlaneSize()
	if l.Sequential {
		for k := range raw {
			raw[k] = bufs[k].Data[:size:size]
		}
		return raw
	}
	base := l.Sets[set].LineOffset * g.BytesPerLine
	data := bufs[0].Data
	for k := range raw {
		off := base + k*size
		raw[k] = data[off : off+size : off+size]
	}
	return raw
}

// ControlSetting is a V4L2 control written on a sub-device before capture
// starts.
type ControlSetting struct {
	Node  string
	ID    uint32
	Value int32
}

// SubdevFormatSetting is an active pad format applied to a sub-device.
type SubdevFormatSetting struct {
	Node   string
	Width  uint32
	Height uint32
	// Raw also sets the raw colorimetry fields (sensor side of the link).
	Raw bool
}

// Profile holds the capture parameters and plane layout of one sensor.
type Profile struct {
	Name       string
	NumBuffers int
	Memory     string
	// Width and Height request an explicit capture size. Zero keeps the
	// driver's current format.
	Width  uint32
	Height uint32
	Layout Layout

	Controls []ControlSetting
	Formats  []SubdevFormatSetting
}

// Modulations lists the modulation configuration of every plane set.
func (p Profile) Modulations() []tof.ModulationConfig {
	out := make([]tof.ModulationConfig, len(p.Layout.Sets))
	for i, s := range p.Layout.Sets {
		out[i] = s.Modulation
	}
	return out
}

// WithModulation returns a copy of p whose plane sets use mods. Entries
// beyond len(p.Layout.Sets) are ignored; missing entries keep the profile
// value.
func (p Profile) WithModulation(mods ...tof.ModulationConfig) Profile {
	sets := make([]PlaneSet, len(p.Layout.Sets))
	copy(sets, p.Layout.Sets)
	for i := range sets {
		if i < len(mods) {
			sets[i].Modulation = mods[i]
		}
	}
	p.Layout.Sets = sets
	return p
}
