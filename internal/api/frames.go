package api

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/smazurov/tofnode/internal/api/models"
	"github.com/smazurov/tofnode/internal/depth"
	"github.com/smazurov/tofnode/pkg/tof"
)

func (s *Server) registerFrameRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "get-latest-frame",
		Method:      http.MethodGet,
		Path:        "/api/frames/latest",
		Summary:     "Latest Frame",
		Description: "Statistics of the most recent depth frame, one entry per plane set",
		Tags:        []string{"frames"},
		Security:    withAuth(),
		Errors:      []int{401, 404, 503},
	}, func(_ context.Context, _ *struct{}) (*models.FrameResponse, error) {
		if s.pipeline == nil {
			return nil, huma.Error503ServiceUnavailable("capture pipeline not configured")
		}
		f := s.pipeline.Latest()
		if f == nil {
			return nil, huma.Error404NotFound("no frame processed yet")
		}
		return &models.FrameResponse{Body: frameData(f)}, nil
	})
}

func frameData(f *depth.Frame) models.FrameData {
	data := models.FrameData{
		Sequence:  f.Sequence,
		Timestamp: f.Timestamp,
		Width:     f.Width,
		Height:    f.Height,
		Mode:      f.Mode,
		Path:      f.Path,
		LatencyMS: float64(f.Latency) / float64(time.Millisecond),
		Sets:      make([]models.PlaneSetData, len(f.Sets)),
	}
	for i, r := range f.Sets {
		data.Sets[i] = models.PlaneSetData{
			FrequencyHz: r.Modulation.FrequencyHz,
			Orientation: r.Modulation.Orientation.Degrees(),
			SpanMM:      tof.DistanceSpan(r.Modulation.FrequencyHz),
			Summary:     r.Summary,
		}
	}
	return data
}
