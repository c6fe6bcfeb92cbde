package config

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
	"github.com/smazurov/tofnode/pkg/tof"
)

// Output modes of the depth processor.
const (
	ModeConfidence = "confidence"
	ModeAmplitude  = "amplitude"
)

// Processing holds the depth settings that may change while the node runs.
// It is the [processing] table of the config file.
type Processing struct {
	// FrequencyHz overrides the sensor profile's modulation frequency when
	// non-zero.
	FrequencyHz float64 `toml:"frequency_hz" json:"frequency_hz"`
	// Orientation in degrees, -1 keeps the sensor profile's default.
	Orientation int    `toml:"orientation" json:"orientation"`
	Mode        string `toml:"mode" json:"mode"`
	Fused       bool   `toml:"fused" json:"fused"`
}

// DefaultProcessing returns the settings used when the file has no
// [processing] table.
func DefaultProcessing() Processing {
	return Processing{
		Orientation: -1,
		Mode:        ModeConfidence,
		Fused:       true,
	}
}

// Validate checks the settings without applying profile defaults.
func (p Processing) Validate() error {
	if math.IsNaN(p.FrequencyHz) || math.IsInf(p.FrequencyHz, 0) {
		return fmt.Errorf("frequency_hz %v must be finite", p.FrequencyHz)
	}
	if p.FrequencyHz < 0 {
		return fmt.Errorf("frequency_hz %v must not be negative", p.FrequencyHz)
	}
	if p.Orientation != -1 {
		if _, err := tof.OrientationFromDegrees(p.Orientation); err != nil {
			return err
		}
	}
	switch p.Mode {
	case ModeConfidence, ModeAmplitude:
	default:
		return fmt.Errorf("unknown mode %q: must be %s or %s", p.Mode, ModeConfidence, ModeAmplitude)
	}
	if p.Mode == ModeAmplitude && p.Fused {
		return errors.New("the fused path computes confidence only")
	}
	return nil
}

// Modulation resolves the settings against a sensor profile's defaults.
func (p Processing) Modulation(defaults tof.ModulationConfig) (tof.ModulationConfig, error) {
	cfg := defaults
	if p.FrequencyHz > 0 {
		cfg.FrequencyHz = p.FrequencyHz
	}
	if p.Orientation != -1 {
		o, err := tof.OrientationFromDegrees(p.Orientation)
		if err != nil {
			return tof.ModulationConfig{}, err
		}
		cfg.Orientation = o
	}
	return cfg, cfg.Validate()
}

type processingFile struct {
	Processing Processing `toml:"processing"`
}

// LoadProcessing reads the [processing] table from path. A missing file
// yields the defaults.
func LoadProcessing(path string) (Processing, error) {
	f := processingFile{Processing: DefaultProcessing()}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return f.Processing, nil
	}
	if err != nil {
		return Processing{}, fmt.Errorf("read %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, &f); err != nil {
		return Processing{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := f.Processing.Validate(); err != nil {
		return Processing{}, fmt.Errorf("%s: %w", path, err)
	}
	return f.Processing, nil
}

// SaveProcessing replaces the [processing] table in path, keeping every
// other table. The file is written to a temporary sibling and renamed.
func SaveProcessing(path string, p Processing) error {
	if err := p.Validate(); err != nil {
		return err
	}

	doc := make(map[string]any)
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return fmt.Errorf("read %s: %w", path, err)
	default:
		if err := toml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	}
	doc["processing"] = p

	out, err := toml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode processing: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".processing-*.toml")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(out); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
