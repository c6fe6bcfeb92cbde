package api

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"
	"github.com/smazurov/tofnode/internal/capture"
	"github.com/smazurov/tofnode/internal/events"
)

// registerSSERoutes registers the native Huma SSE endpoint.
func (s *Server) registerSSERoutes() {
	sse.Register(s.api, huma.Operation{
		OperationID: "events-stream",
		Method:      http.MethodGet,
		Path:        "/api/events",
		Summary:     "Server-Sent Events Stream",
		Description: "Real-time stream of processed frames, capture state, device changes and processing updates",
		Tags:        []string{"events"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, map[string]any{
		"frame-processed":    events.FrameProcessedEvent{},
		"capture-error":      events.CaptureErrorEvent{},
		"capture-state":      events.CaptureStateEvent{},
		"device-discovery":   events.DeviceDiscoveryEvent{},
		"processing-changed": events.ProcessingChangedEvent{},
		"recording":          events.RecordingEvent{},
	}, func(ctx context.Context, _ *struct{}, send sse.Sender) {
		// Frames arrive at sensor rate, so leave room for bursts
		eventCh := make(chan any, 32)

		unsubscribers := []func(){
			events.SubscribeToChannel[events.FrameProcessedEvent](s.eventBus, eventCh),
			events.SubscribeToChannel[events.CaptureErrorEvent](s.eventBus, eventCh),
			events.SubscribeToChannel[events.CaptureStateEvent](s.eventBus, eventCh),
			events.SubscribeToChannel[events.DeviceDiscoveryEvent](s.eventBus, eventCh),
			events.SubscribeToChannel[events.ProcessingChangedEvent](s.eventBus, eventCh),
			events.SubscribeToChannel[events.RecordingEvent](s.eventBus, eventCh),
		}
		defer func() {
			for _, unsub := range unsubscribers {
				unsub()
			}
		}()

		// Current state first so clients need not poll /api/device
		if s.pipeline != nil {
			st := s.pipeline.Status()
			initial := events.CaptureStateEvent{
				Running:   st.State == capture.StateRunning,
				Reason:    st.LastError,
				Timestamp: time.Now().Format(time.RFC3339),
			}
			if st.Device != nil {
				initial.DevicePath = st.Device.Path
				initial.Sensor = st.Device.Sensor
			}
			if err := send.Data(initial); err != nil {
				return
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case event := <-eventCh:
				if err := send.Data(event); err != nil {
					return
				}
			}
		}
	})
}
