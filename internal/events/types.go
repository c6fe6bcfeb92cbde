package events

// Event type identifiers for kelindar/event.
const (
	TypeFrameProcessed uint32 = iota + 1
	TypeCaptureError
	TypeCaptureState
	TypeDeviceDiscovery
	TypeProcessingChanged
	TypeRecording
)

// Event interface required by kelindar/event.
type Event interface {
	Type() uint32
}

// FrameProcessedEvent is published after each phase set is turned into a
// depth map.
type FrameProcessedEvent struct {
	Sequence    uint32  `json:"sequence" example:"120" doc:"Sequence number of the first phase buffer"`
	Width       int     `json:"width" example:"640" doc:"Depth map width"`
	Height      int     `json:"height" example:"480" doc:"Depth map height"`
	FrequencyHz float64 `json:"frequency_hz" example:"75000000" doc:"Modulation frequency used"`
	ValidPixels int     `json:"valid_pixels" example:"291000" doc:"Pixels with a non-zero depth"`
	MeanDepthMM float64 `json:"mean_depth_mm" example:"1450.2" doc:"Mean depth of valid pixels in millimetres"`
	LatencyMS   float64 `json:"latency_ms" example:"3.1" doc:"Processing time for the frame"`
	Timestamp   string  `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Capture timestamp"`
}

// Type returns the event type identifier for FrameProcessedEvent.
func (e FrameProcessedEvent) Type() uint32 { return TypeFrameProcessed }

// CaptureErrorEvent reports a failed dequeue, enqueue or processing step.
type CaptureErrorEvent struct {
	DevicePath string `json:"device_path" example:"/dev/video0" doc:"Path to the capture device"`
	Stage      string `json:"stage" example:"dequeue" doc:"Pipeline stage that failed"`
	Error      string `json:"error" example:"VIDIOC_DQBUF: input/output error" doc:"Error description"`
	Timestamp  string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Error timestamp"`
}

// Type returns the event type identifier for CaptureErrorEvent.
func (e CaptureErrorEvent) Type() uint32 { return TypeCaptureError }

// CaptureStateEvent is published when the capture loop starts or stops.
type CaptureStateEvent struct {
	DevicePath string `json:"device_path" example:"/dev/video0" doc:"Path to the capture device"`
	Sensor     string `json:"sensor" example:"bo410" doc:"Sensor profile"`
	Running    bool   `json:"running" example:"true" doc:"Whether the loop is running"`
	Reason     string `json:"reason,omitempty" example:"device removed" doc:"Why the loop stopped"`
	Timestamp  string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for CaptureStateEvent.
func (e CaptureStateEvent) Type() uint32 { return TypeCaptureState }

// DeviceDiscoveryEvent represents a V4L2 hotplug event.
type DeviceDiscoveryEvent struct {
	DevicePath string `json:"device_path" example:"/dev/video0" doc:"Device node"`
	Action     string `json:"action" example:"add" doc:"Action type: add, remove, change"`
	Timestamp  string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for DeviceDiscoveryEvent.
func (e DeviceDiscoveryEvent) Type() uint32 { return TypeDeviceDiscovery }

// ProcessingChangedEvent carries new processing settings, from a config
// reload or an API update.
type ProcessingChangedEvent struct {
	FrequencyHz float64 `json:"frequency_hz" example:"75000000" doc:"Modulation frequency override, 0 keeps the sensor default"`
	Orientation int     `json:"orientation" example:"90" doc:"Orientation in degrees, -1 keeps the sensor default"`
	Mode        string  `json:"mode" example:"confidence" doc:"confidence or amplitude"`
	Fused       bool    `json:"fused" example:"true" doc:"Whether the fused path is used"`
	Source      string  `json:"source" example:"file" doc:"Where the change came from"`
}

// Type returns the event type identifier for ProcessingChangedEvent.
func (e ProcessingChangedEvent) Type() uint32 { return TypeProcessingChanged }

// RecordingEvent is published when a raw recording session starts or ends.
type RecordingEvent struct {
	SessionID string `json:"session_id" example:"6f1c..." doc:"Recording session identifier"`
	Directory string `json:"directory" example:"/var/lib/tofnode/rec/6f1c" doc:"Session directory"`
	Frames    int    `json:"frames" example:"0" doc:"Frames written so far"`
	Done      bool   `json:"done" example:"false" doc:"Whether the session is closed"`
}

// Type returns the event type identifier for RecordingEvent.
func (e RecordingEvent) Type() uint32 { return TypeRecording }
