package config

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/smazurov/tofnode/pkg/tof"
)

func TestLoadProcessingDefaults(t *testing.T) {
	p, err := LoadProcessing(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("LoadProcessing: %v", err)
	}
	if p != DefaultProcessing() {
		t.Errorf("got %+v, want defaults", p)
	}

	p, err = LoadProcessing(writeFile(t, "[logging]\nlevel = \"debug\"\n"))
	if err != nil {
		t.Fatalf("LoadProcessing: %v", err)
	}
	if p != DefaultProcessing() {
		t.Errorf("file without [processing] gave %+v", p)
	}
}

func TestLoadProcessingPartialTable(t *testing.T) {
	p, err := LoadProcessing(writeFile(t, "[processing]\norientation = 90\n"))
	if err != nil {
		t.Fatalf("LoadProcessing: %v", err)
	}
	want := DefaultProcessing()
	want.Orientation = 90
	if p != want {
		t.Errorf("got %+v, want %+v", p, want)
	}
}

func TestLoadProcessingRejectsNonFiniteFrequency(t *testing.T) {
	for _, v := range []string{"inf", "-inf", "nan"} {
		_, err := LoadProcessing(writeFile(t, "[processing]\nfrequency_hz = "+v+"\n"))
		if err == nil || !strings.Contains(err.Error(), "finite") {
			t.Errorf("frequency_hz = %s: err = %v, want finite error", v, err)
		}
	}
}

func TestProcessingValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(p *Processing)
		wantErr string
	}{
		{"defaults", func(*Processing) {}, ""},
		{"negative frequency", func(p *Processing) { p.FrequencyHz = -1 }, "negative"},
		{"infinite frequency", func(p *Processing) { p.FrequencyHz = math.Inf(1) }, "finite"},
		{"negative infinite frequency", func(p *Processing) { p.FrequencyHz = math.Inf(-1) }, "finite"},
		{"NaN frequency", func(p *Processing) { p.FrequencyHz = math.NaN() }, "finite"},
		{"bad orientation", func(p *Processing) { p.Orientation = 45 }, "orientation"},
		{"unknown mode", func(p *Processing) { p.Mode = "phase" }, "unknown mode"},
		{"amplitude needs scalar", func(p *Processing) { p.Mode = ModeAmplitude }, "fused"},
		{"amplitude scalar", func(p *Processing) { p.Mode, p.Fused = ModeAmplitude, false }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultProcessing()
			tt.mutate(&p)
			err := p.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestProcessingModulation(t *testing.T) {
	defaults := tof.ModulationConfig{FrequencyHz: 75e6, Orientation: tof.Rotate0}

	got, err := DefaultProcessing().Modulation(defaults)
	if err != nil || got != defaults {
		t.Fatalf("Modulation = %+v, %v, want profile defaults", got, err)
	}

	p := Processing{FrequencyHz: 37.5e6, Orientation: 270, Mode: ModeConfidence}
	got, err = p.Modulation(defaults)
	if err != nil {
		t.Fatal(err)
	}
	if got.FrequencyHz != 37.5e6 || got.Orientation != tof.Rotate270 {
		t.Errorf("Modulation = %+v", got)
	}

	if _, err := p.Modulation(tof.ModulationConfig{}); err != nil {
		t.Errorf("frequency override should satisfy an empty profile: %v", err)
	}
	if _, err := DefaultProcessing().Modulation(tof.ModulationConfig{}); err == nil {
		t.Error("missing frequency should fail")
	}
}

func TestSaveProcessingKeepsOtherTables(t *testing.T) {
	path := writeFile(t, "[logging]\nlevel = \"debug\"\n\n[processing]\nfused = true\nmode = \"confidence\"\n")

	want := Processing{FrequencyHz: 15e6, Orientation: 180, Mode: ModeAmplitude, Fused: false}
	if err := SaveProcessing(path, want); err != nil {
		t.Fatalf("SaveProcessing: %v", err)
	}

	got, err := LoadProcessing(path)
	if err != nil {
		t.Fatalf("LoadProcessing: %v", err)
	}
	if got != want {
		t.Errorf("round trip = %+v, want %+v", got, want)
	}
	if lc := LoadLoggingConfig(path); lc.Level != "debug" {
		t.Errorf("logging level lost: %+v", lc)
	}

	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("temporary files left behind: %d entries", len(entries))
	}
}

func TestSaveProcessingRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tofnode.toml")
	if err := SaveProcessing(path, Processing{Mode: "nope"}); err == nil {
		t.Fatal("expected validation error")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("invalid settings must not create the file")
	}
}
