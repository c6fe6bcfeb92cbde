package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/smazurov/tofnode/internal/capture"
	"github.com/smazurov/tofnode/internal/config"
	"github.com/smazurov/tofnode/internal/depth"
	"github.com/smazurov/tofnode/internal/devices"
	"github.com/smazurov/tofnode/internal/replay"
	"github.com/smazurov/tofnode/internal/sensor"
	"github.com/smazurov/tofnode/pkg/tof"
	"github.com/spf13/pflag"
)

// SensorOptions select the depth source: a V4L2 device opened with a
// sensor profile, or a recording replayed from disk.
type SensorOptions struct {
	Device          string
	Profile         string
	FrequencyHz     float64
	Orientation     int
	RangeMM         int
	Subdevice       string
	CSISubdevice    string
	SensorSubdevice string
	Double          bool
	VFlip           bool
	HFlip           bool
	NumBuffers      int
	Memory          string
	HeapPath        string
	MinConfidence   float64

	Replay       string
	ReplayFPS    float64
	ReplayWidth  uint32
	ReplayHeight uint32
	ReplayBPL    uint32
}

// AddSensorFlags registers the source flags on fs.
func AddSensorFlags(fs *pflag.FlagSet, o *SensorOptions) {
	fs.StringVarP(&o.Device, "device", "d", "/dev/video0", "Capture node or stable device id")
	fs.StringVarP(&o.Profile, "sensor", "s", sensor.NameGeneric, "Sensor profile: generic, bo410 or bo548")
	fs.Float64Var(&o.FrequencyHz, "frequency", 20e6, "Modulation frequency in Hz for the generic profile")
	fs.IntVar(&o.Orientation, "orientation", 0, "Orientation in degrees for the generic profile")
	fs.IntVar(&o.RangeMM, "range", 2000, "BO410 range in millimetres (2000 or 4000)")
	fs.StringVar(&o.Subdevice, "subdevice", "", "BO410 sensor sub-device for the range control")
	fs.StringVar(&o.CSISubdevice, "csi-subdevice", "", "BO548 CSI receiver sub-device")
	fs.StringVar(&o.SensorSubdevice, "sensor-subdevice", "", "BO548 sensor sub-device")
	fs.BoolVar(&o.Double, "double", false, "BO548 dual-frequency mode")
	fs.BoolVar(&o.VFlip, "vflip", false, "BO548 vertical flip")
	fs.BoolVar(&o.HFlip, "hflip", false, "BO548 horizontal flip")
	fs.IntVar(&o.NumBuffers, "buffers", 0, "Capture buffers, 0 uses the profile default")
	fs.StringVar(&o.Memory, "memory", "", "Buffer memory: mmap or dmabuf, empty uses the profile default")
	fs.StringVar(&o.HeapPath, "heap", "", "DMA heap for dmabuf memory")
	fs.Float64Var(&o.MinConfidence, "min-confidence", 0, "Confidence below which pixels are left out of statistics")
	fs.StringVar(&o.Replay, "replay", "", "Replay a recording directory instead of opening the device")
	fs.Float64Var(&o.ReplayFPS, "replay-fps", 0, "Replay pacing in frames per second, 0 replays as fast as possible")
	fs.Uint32Var(&o.ReplayWidth, "replay-width", 0, "Frame width of a recording without a manifest")
	fs.Uint32Var(&o.ReplayHeight, "replay-height", 0, "Frame height of a recording without a manifest")
	fs.Uint32Var(&o.ReplayBPL, "replay-bpl", 0, "Bytes per line of a recording without a manifest, 0 derives it from the width")
}

// profile builds the sensor profile the options select.
func (o SensorOptions) profile(name string, double bool) (sensor.Profile, error) {
	orientation, err := tof.OrientationFromDegrees(o.Orientation)
	if err != nil {
		return sensor.Profile{}, err
	}
	return sensor.New(sensor.Options{
		Name:            name,
		FrequencyHz:     o.FrequencyHz,
		Orientation:     orientation,
		RangeMM:         o.RangeMM,
		Subdevice:       o.Subdevice,
		CSISubdevice:    o.CSISubdevice,
		SensorSubdevice: o.SensorSubdevice,
		Double:          double,
		VFlip:           o.VFlip,
		HFlip:           o.HFlip,
		NumBuffers:      o.NumBuffers,
		Memory:          o.Memory,
	})
}

// Opener returns a capture.Opener building sessions from o.
func (o SensorOptions) Opener(pub depth.Publisher, logger *slog.Logger) capture.Opener {
	return func(proc config.Processing) (*capture.Session, error) {
		return o.Open(proc, pub, logger)
	}
}

// Source is an opened device or recording with the profile describing its
// buffers.
type Source struct {
	sensor.Source
	Profile sensor.Profile
	Info    capture.DeviceInfo
	// Nodes are the device nodes the source depends on.
	Nodes []string
}

// WaitReady delegates to devices that can poll; recordings are always
// ready.
func (s *Source) WaitReady(timeout time.Duration) (bool, error) {
	if w, ok := s.Source.(sensor.Waiter); ok {
		return w.WaitReady(timeout)
	}
	return true, nil
}

// Open opens the source and wraps it in a processor.
func (o SensorOptions) Open(proc config.Processing, pub depth.Publisher, logger *slog.Logger) (*capture.Session, error) {
	src, err := o.OpenSource(logger)
	if err != nil {
		return nil, err
	}
	processor, err := depth.NewProcessor(depth.Config{
		Source:        src,
		Layout:        src.Profile.Layout,
		Device:        src.Info.Path,
		Sensor:        src.Profile.Name,
		Processing:    proc,
		MinConfidence: float32(o.MinConfidence),
		Publisher:     pub,
		Logger:        logger,
	})
	if err != nil {
		return nil, errors.Join(fmt.Errorf("%s: %w", src.Info.Path, err), src.Close())
	}
	return &capture.Session{Source: src, Processor: processor, Device: src.Info, Nodes: src.Nodes}, nil
}

// OpenSource opens the device, or the recording when Replay is set.
func (o SensorOptions) OpenSource(logger *slog.Logger) (*Source, error) {
	if o.Replay != "" {
		return o.openReplay(logger)
	}

	p, err := o.profile(o.Profile, o.Double)
	if err != nil {
		return nil, err
	}
	path, err := devices.NewDetector().ResolveDevicePath(o.Device)
	if err != nil {
		return nil, err
	}
	dev, err := sensor.Open(p, sensor.DeviceConfig{Path: path, HeapPath: o.HeapPath, Logger: logger})
	if err != nil {
		return nil, err
	}

	nodes := []string{path}
	for _, c := range p.Controls {
		nodes = append(nodes, c.Node)
	}
	for _, f := range p.Formats {
		nodes = append(nodes, f.Node)
	}
	return &Source{
		Source:  dev,
		Profile: p,
		Info: capture.DeviceInfo{
			Path:       path,
			Sensor:     p.Name,
			Memory:     dev.Memory(),
			NumBuffers: dev.NumBuffers(),
			Format:     dev.Format(),
		},
		Nodes: nodes,
	}, nil
}

func (o SensorOptions) openReplay(logger *slog.Logger) (*Source, error) {
	opts := replay.Options{Logger: logger}
	if o.ReplayFPS > 0 {
		opts.Interval = time.Duration(float64(time.Second) / o.ReplayFPS)
	}

	name, double := o.Profile, o.Double
	src, m, err := replay.OpenSession(o.Replay, opts)
	switch {
	case err == nil:
		if m.Sensor != "" {
			name, double = m.Sensor, len(m.FrequenciesHz) > 1
		}
	case errors.Is(err, fs.ErrNotExist):
		src, err = replay.Open(o.Replay, o.replayFormat(), opts)
		if err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	p, err := o.profile(name, double)
	if err != nil {
		return nil, errors.Join(err, src.Close())
	}
	return &Source{
		Source:  src,
		Profile: p,
		Info: capture.DeviceInfo{
			Path:       o.Replay,
			Sensor:     p.Name,
			NumBuffers: src.Len(),
			Replay:     true,
			Format:     src.Format(),
		},
	}, nil
}

// replayFormat is the format of a recording without a manifest. BO548
// recordings default to the module's buffer size.
func (o SensorOptions) replayFormat() sensor.Format {
	f := sensor.Format{Width: o.ReplayWidth, Height: o.ReplayHeight, BytesPerLine: o.ReplayBPL}
	if o.Profile == sensor.NameBO548 {
		if p, err := sensor.BO548("", "", o.Double, false, false); err == nil {
			if f.Width == 0 {
				f.Width = p.Width
			}
			if f.Height == 0 {
				f.Height = p.Height
			}
		}
	}
	if f.BytesPerLine == 0 {
		f.BytesPerLine = f.Width * 3 / 2
	}
	return f
}
