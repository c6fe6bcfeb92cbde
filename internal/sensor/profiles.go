package sensor

import (
	"fmt"
	"strings"

	"github.com/smazurov/tofnode/pkg/tof"
)

// Profile names.
const (
	NameGeneric = "generic"
	NameBO410   = "bo410"
	NameBO548   = "bo548"
)

// V4L2 control ids used by the profiles. They mirror the kernel headers so
// profiles stay buildable off Linux.
const (
	ctrlClassUser = 0x00980000
	cidHFlip      = (ctrlClassUser | 0x900) + 20
	cidVFlip      = (ctrlClassUser | 0x900) + 21
	// cidRangeMode selects the BO410 range: 1 for 2000 mm, 0 for 4000 mm.
	cidRangeMode = ctrlClassUser + 0x1901
)

// BO548 geometry.
const (
	bo548Width       = 640
	bo548PlaneHeight = 480
	bo548SetLines    = 2405
	bo548NearHz      = 90_000_000
	bo548FarHz       = 15_000_000
)

// Options selects and tunes a profile. Zero values pick the profile
// defaults.
type Options struct {
	Name string

	// Generic profile modulation.
	FrequencyHz float64
	Orientation tof.Orientation

	// BO410 range in millimetres (2000 or 4000) and its sub-device.
	RangeMM   int
	Subdevice string

	// BO548 sub-devices and modes.
	CSISubdevice    string
	SensorSubdevice string
	Double          bool
	VFlip           bool
	HFlip           bool

	NumBuffers int
	Memory     string
}

// Names lists the known profile names.
func Names() []string {
	return []string{NameGeneric, NameBO410, NameBO548}
}

// New builds the profile named in o and applies the buffer and memory
// overrides.
func New(o Options) (Profile, error) {
	var (
		p   Profile
		err error
	)
	switch strings.ToLower(strings.TrimSpace(o.Name)) {
	case "", NameGeneric:
		p, err = Generic(tof.ModulationConfig{FrequencyHz: o.FrequencyHz, Orientation: o.Orientation})
	case NameBO410:
		p, err = BO410(o.RangeMM, o.Subdevice)
	case NameBO548:
		p, err = BO548(o.CSISubdevice, o.SensorSubdevice, o.Double, o.VFlip, o.HFlip)
	default:
		return Profile{}, fmt.Errorf("unknown sensor profile %q (want one of %s)", o.Name, strings.Join(Names(), ", "))
	}
	if err != nil {
		return Profile{}, err
	}

	if o.NumBuffers < 0 {
		return Profile{}, fmt.Errorf("buffer count %d is negative", o.NumBuffers)
	}
	if o.NumBuffers > 0 {
		p.NumBuffers = o.NumBuffers
	}
	if p.Layout.Sequential && p.NumBuffers < 4 {
		return Profile{}, fmt.Errorf("%s needs at least 4 buffers for one frame, got %d", p.Name, p.NumBuffers)
	}
	switch o.Memory {
	case "":
	case MemoryMMAP, MemoryDMABuf:
		p.Memory = o.Memory
	default:
		return Profile{}, fmt.Errorf("unknown memory type %q", o.Memory)
	}
	return p, nil
}

// Generic is a sensor that delivers one phase per buffer at the driver's
// current format.
func Generic(mod tof.ModulationConfig) (Profile, error) {
	if err := mod.Validate(); err != nil {
		return Profile{}, fmt.Errorf("generic profile: %w", err)
	}
	return Profile{
		Name:       NameGeneric,
		NumBuffers: 4,
		Memory:     MemoryMMAP,
		Layout: Layout{
			Sequential: true,
			Sets:       []PlaneSet{{Modulation: mod}},
		},
	}, nil
}

// BO410 configures the 240x180 BO410 module. The range selects both the
// modulation frequency and the mounting orientation.
func BO410(rangeMM int, subdevice string) (Profile, error) {
	var (
		mod   tof.ModulationConfig
		value int32
	)
	switch rangeMM {
	case 2000:
		mod, value = tof.ModulationConfig{Orientation: tof.Rotate0}, 1
	case 4000:
		mod = tof.ModulationConfig{Orientation: tof.Rotate90}
	default:
		return Profile{}, fmt.Errorf("bo410: invalid range %d mm (want 2000 or 4000)", rangeMM)
	}
	mod.FrequencyHz = bo410Frequency(rangeMM)

	p := Profile{
		Name:       NameBO410,
		NumBuffers: 8,
		Memory:     MemoryDMABuf,
		Layout: Layout{
			Sequential: true,
			Sets:       []PlaneSet{{Modulation: mod}},
		},
	}
	if subdevice != "" {
		p.Controls = []ControlSetting{{Node: subdevice, ID: cidRangeMode, Value: value}}
	}
	return p, nil
}

// bo410Frequency keeps the integer rounding of the module firmware.
func bo410Frequency(rangeMM int) float64 {
	return float64(300_000_000 / rangeMM / 2 * 1000)
}

// BO548 configures the 640x480 BO548 module, which stacks all four phase
// planes in one buffer. Double mode appends a second far-range set.
func BO548(csi, sensorNode string, double, vflip, hflip bool) (Profile, error) {
	height := uint32(bo548SetLines)
	sets := []PlaneSet{{Modulation: tof.ModulationConfig{FrequencyHz: bo548NearHz}}}
	if double {
		height *= 2
		sets = append(sets, PlaneSet{
			LineOffset: bo548SetLines,
			Modulation: tof.ModulationConfig{FrequencyHz: bo548FarHz},
		})
	}

	p := Profile{
		Name:       NameBO548,
		NumBuffers: 4,
		Memory:     MemoryMMAP,
		Width:      bo548Width,
		Height:     height,
		Layout: Layout{
			PlaneWidth:  bo548Width,
			PlaneHeight: bo548PlaneHeight,
			Sets:        sets,
		},
	}

	if (vflip || hflip) && sensorNode == "" {
		return Profile{}, fmt.Errorf("bo548: flips need the sensor sub-device")
	}
	if vflip {
		p.Controls = append(p.Controls, ControlSetting{Node: sensorNode, ID: cidVFlip, Value: 1})
	}
	if hflip {
		p.Controls = append(p.Controls, ControlSetting{Node: sensorNode, ID: cidHFlip, Value: 1})
	}
	if csi != "" {
		p.Formats = append(p.Formats, SubdevFormatSetting{Node: csi, Width: bo548Width, Height: height})
	}
	if sensorNode != "" {
		p.Formats = append(p.Formats, SubdevFormatSetting{Node: sensorNode, Width: bo548Width, Height: height, Raw: true})
	}
	return p, nil
}
