package logging

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
)

func resetState() {
	mutex.Lock()
	moduleLoggers = make(map[string]*slog.Logger)
	moduleLevelVars = make(map[string]*slog.LevelVar)
	isInitialized = false
	globalConfig = Config{}
	mutex.Unlock()
}

func TestModuleLevelOverride(t *testing.T) {
	resetState()

	Initialize(Config{
		Level:  "info",
		Format: "text",
		Modules: map[string]string{
			"capture": "debug",
			"api":     "warn",
		},
	})

	tests := []struct {
		module    string
		wantDebug bool
		wantInfo  bool
		wantWarn  bool
	}{
		{"capture", true, true, true},
		{"api", false, false, true},
		{"depth", false, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.module, func(t *testing.T) {
			handler := GetLogger(tt.module).Handler()
			ctx := context.Background()

			if got := handler.Enabled(ctx, slog.LevelDebug); got != tt.wantDebug {
				t.Errorf("module %q: Debug enabled = %v, want %v", tt.module, got, tt.wantDebug)
			}
			if got := handler.Enabled(ctx, slog.LevelInfo); got != tt.wantInfo {
				t.Errorf("module %q: Info enabled = %v, want %v", tt.module, got, tt.wantInfo)
			}
			if got := handler.Enabled(ctx, slog.LevelWarn); got != tt.wantWarn {
				t.Errorf("module %q: Warn enabled = %v, want %v", tt.module, got, tt.wantWarn)
			}
		})
	}
}

func TestMultiHandlerDebugOutput(t *testing.T) {
	var buf bytes.Buffer

	debugHandler := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	infoHandler := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})

	logger := slog.New(NewMultiHandler(debugHandler, infoHandler)).With("module", "test")
	logger.Debug("debug only message")

	output := buf.String()
	if count := strings.Count(output, "debug only message"); count != 1 {
		t.Errorf("Expected 1 debug message, got %d. Output: %s", count, output)
	}
}

func TestGetLoggerBeforeInitialize(t *testing.T) {
	resetState()

	loggerBefore := GetLogger("capture")
	handlerBefore := loggerBefore.Handler()
	if handlerBefore.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("Logger created before Initialize should NOT have debug enabled")
	}

	Initialize(Config{
		Level:   "info",
		Format:  "text",
		Modules: map[string]string{"capture": "debug"},
	})

	if loggerBefore != GetLogger("capture") {
		t.Error("Logger should be cached - same pointer before and after Initialize")
	}
	if !handlerBefore.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("Cached logger should have debug enabled after Initialize updates LevelVar")
	}
}

func TestBufferHandlerRecordsModuleAndAttrs(t *testing.T) {
	rb := NewRingBuffer(8)
	logger := slog.New(NewBufferHandler(rb, slog.LevelDebug)).With("module", "depth")

	logger.WithGroup("frame").Info("processed", "sequence", 7, "error", errors.New("short read"))
	logger.Debug("skipped")

	entries := rb.Last(0)
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	e := entries[0]
	if e.Module != "depth" || e.Message != "processed" || e.Level != "info" {
		t.Errorf("unexpected entry %+v", e)
	}
	if got := e.Attributes["frame.sequence"]; got != int64(7) {
		t.Errorf("frame.sequence = %v (%T), want 7", got, got)
	}
	if got := e.Attributes["frame.error"]; got != "short read" {
		t.Errorf("frame.error = %v, want short read", got)
	}
	if entries[1].Level != "debug" {
		t.Errorf("second entry level = %q, want debug", entries[1].Level)
	}
}

func TestRingBufferLast(t *testing.T) {
	rb := NewRingBuffer(3)
	if got := rb.Last(5); len(got) != 0 {
		t.Fatalf("empty buffer returned %d entries", len(got))
	}

	for i := range 5 {
		rb.Write(LogEntry{Message: fmt.Sprint(i)})
	}

	tests := []struct {
		n    int
		want []string
	}{
		{0, []string{"2", "3", "4"}},
		{2, []string{"3", "4"}},
		{10, []string{"2", "3", "4"}},
	}
	for _, tt := range tests {
		got := rb.Last(tt.n)
		var msgs []string
		for _, e := range got {
			msgs = append(msgs, e.Message)
		}
		if strings.Join(msgs, ",") != strings.Join(tt.want, ",") {
			t.Errorf("Last(%d) = %v, want %v", tt.n, msgs, tt.want)
		}
	}
}

func TestParseLevelValues(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
		isNil bool
	}{
		{"debug", slog.LevelDebug, false},
		{"DEBUG", slog.LevelDebug, false},
		{"info", slog.LevelInfo, false},
		{"warn", slog.LevelWarn, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"invalid", 0, true},
		{"", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := parseLevel(tt.input)
			switch {
			case tt.isNil && got != nil:
				t.Errorf("parseLevel(%q) = %v, want nil", tt.input, *got)
			case !tt.isNil && got == nil:
				t.Errorf("parseLevel(%q) = nil, want %v", tt.input, tt.want)
			case !tt.isNil && *got != tt.want:
				t.Errorf("parseLevel(%q) = %v, want %v", tt.input, *got, tt.want)
			}
		})
	}
}
