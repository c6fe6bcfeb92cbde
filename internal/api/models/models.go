package models

import (
	"time"

	"github.com/smazurov/tofnode/internal/capture"
	"github.com/smazurov/tofnode/internal/devices"
	"github.com/smazurov/tofnode/internal/logging"
	"github.com/smazurov/tofnode/internal/metrics"
	"github.com/smazurov/tofnode/internal/stats"
)

// Health check models
type HealthData struct {
	Status  string `json:"status" example:"ok" doc:"Service status"`
	Message string `json:"message" example:"API is healthy" doc:"Status message"`
}

type HealthResponse struct {
	Body HealthData
}

// Version models
type VersionData struct {
	Version   string `json:"version" example:"1.0.0" doc:"Application version"`
	GitCommit string `json:"git_commit" example:"abc1234" doc:"Git commit hash"`
	BuildDate string `json:"build_date" example:"2025-01-27T10:30:00Z" doc:"Build timestamp"`
	BuildID   string `json:"build_id" example:"42" doc:"Build identifier"`
	GoVersion string `json:"go_version" example:"go1.24.11" doc:"Go toolchain"`
	Compiler  string `json:"compiler" example:"gc" doc:"Compiler"`
	Platform  string `json:"platform" example:"linux/arm64" doc:"OS and architecture"`
}

type VersionResponse struct {
	Body VersionData
}

// DeviceStatusResponse reports the capture pipeline.
type DeviceStatusResponse struct {
	Body capture.Status
}

// Device listing models
type DeviceData struct {
	Devices []devices.DeviceInfo `json:"devices" doc:"V4L2 capture devices"`
	Count   int                  `json:"count" example:"2" doc:"Number of devices"`
}

type DevicesResponse struct {
	Body DeviceData
}

// PlaneSetData summarises one plane set of a frame.
type PlaneSetData struct {
	FrequencyHz float64       `json:"frequency_hz" example:"90000000" doc:"Modulation frequency"`
	Orientation int           `json:"orientation" example:"0" doc:"Orientation in degrees"`
	SpanMM      float64       `json:"span_mm" example:"1665.5" doc:"Unambiguous range in millimetres"`
	Summary     stats.Summary `json:"summary" doc:"Depth statistics of valid pixels"`
}

// FrameData describes the latest processed frame.
type FrameData struct {
	Sequence  uint32         `json:"sequence" example:"120" doc:"Sequence number of the first phase buffer"`
	Timestamp time.Time      `json:"timestamp" doc:"Wall-clock time the first buffer of the frame was dequeued"`
	Width     int            `json:"width" example:"640" doc:"Depth map width"`
	Height    int            `json:"height" example:"480" doc:"Depth map height"`
	Mode      string         `json:"mode" example:"confidence" doc:"Output mode"`
	Path      string         `json:"path" example:"fused" doc:"Processing path"`
	LatencyMS float64        `json:"latency_ms" example:"3.1" doc:"Processing time"`
	Sets      []PlaneSetData `json:"sets" doc:"Per plane set results"`
}

type FrameResponse struct {
	Body FrameData
}

// ProcessingData mirrors the [processing] config table.
type ProcessingData struct {
	FrequencyHz float64 `json:"frequency_hz" minimum:"0" example:"75000000" doc:"Modulation frequency override, 0 keeps the sensor default"`
	Orientation int     `json:"orientation" enum:"-1,0,90,180,270" example:"-1" doc:"Orientation in degrees, -1 keeps the sensor default"`
	Mode        string  `json:"mode" enum:"confidence,amplitude" example:"confidence" doc:"Output mode"`
	Fused       bool    `json:"fused" example:"true" doc:"Use the fused 8-lane path (confidence mode only)"`
}

type ProcessingResponse struct {
	Body ProcessingData
}

type ProcessingRequest struct {
	Body ProcessingData
}

// Logs models
type LogsInput struct {
	Limit int `query:"limit" minimum:"1" maximum:"1000" default:"100" doc:"Maximum entries to return"`
}

type LogsData struct {
	Entries []logging.LogEntry `json:"entries" doc:"Recent log entries, oldest first"`
}

type LogsResponse struct {
	Body LogsData
}

// Metrics models
type MetricsData struct {
	Devices map[string]*metrics.DeviceMetrics `json:"devices" doc:"Pipeline metrics per device"`
}

type MetricsResponse struct {
	Body MetricsData
}
