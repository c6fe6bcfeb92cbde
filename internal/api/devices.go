package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/smazurov/tofnode/internal/api/models"
)

// registerDeviceRoutes registers the capture status and device listing.
func (s *Server) registerDeviceRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "get-device",
		Method:      http.MethodGet,
		Path:        "/api/device",
		Summary:     "Capture Device",
		Description: "Pipeline state and the open capture device: profile, format, memory strategy and buffer count",
		Tags:        []string{"devices"},
		Security:    withAuth(),
		Errors:      []int{401, 503},
	}, func(_ context.Context, _ *struct{}) (*models.DeviceStatusResponse, error) {
		if s.pipeline == nil {
			return nil, huma.Error503ServiceUnavailable("capture pipeline not configured")
		}
		return &models.DeviceStatusResponse{Body: s.pipeline.Status()}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "list-devices",
		Method:      http.MethodGet,
		Path:        "/api/devices",
		Summary:     "List Devices",
		Description: "List V4L2 capture devices and whether they offer packed 12-bit Y12P",
		Tags:        []string{"devices"},
		Security:    withAuth(),
		Errors:      []int{401, 500, 503},
	}, func(_ context.Context, _ *struct{}) (*models.DevicesResponse, error) {
		if s.detector == nil {
			return nil, huma.Error503ServiceUnavailable("device detection not available")
		}
		found, err := s.detector.FindDevices()
		if err != nil {
			return nil, huma.Error500InternalServerError("Failed to enumerate devices", err)
		}
		return &models.DevicesResponse{
			Body: models.DeviceData{Devices: found, Count: len(found)},
		}, nil
	})
}
