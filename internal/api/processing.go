package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/smazurov/tofnode/internal/api/models"
	"github.com/smazurov/tofnode/internal/config"
)

func (s *Server) registerProcessingRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "get-processing",
		Method:      http.MethodGet,
		Path:        "/api/processing",
		Summary:     "Get Processing Settings",
		Description: "Active depth processing settings",
		Tags:        []string{"processing"},
		Security:    withAuth(),
		Errors:      []int{401, 503},
	}, func(_ context.Context, _ *struct{}) (*models.ProcessingResponse, error) {
		if s.pipeline == nil {
			return nil, huma.Error503ServiceUnavailable("capture pipeline not configured")
		}
		return &models.ProcessingResponse{Body: processingData(s.pipeline.Settings())}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "update-processing",
		Method:      http.MethodPut,
		Path:        "/api/processing",
		Summary:     "Update Processing Settings",
		Description: "Switch frequency, orientation, output mode or the fused path from the next frame on",
		Tags:        []string{"processing"},
		Security:    withAuth(),
		Errors:      []int{400, 401, 422, 500, 503},
	}, func(_ context.Context, input *models.ProcessingRequest) (*models.ProcessingResponse, error) {
		if s.pipeline == nil {
			return nil, huma.Error503ServiceUnavailable("capture pipeline not configured")
		}
		proc := config.Processing{
			FrequencyHz: input.Body.FrequencyHz,
			Orientation: input.Body.Orientation,
			Mode:        input.Body.Mode,
			Fused:       input.Body.Fused,
		}
		if err := proc.Validate(); err != nil {
			return nil, huma.Error400BadRequest("Invalid processing settings", err)
		}
		if err := s.pipeline.Apply(proc, "api"); err != nil {
			return nil, huma.Error400BadRequest("Failed to apply processing settings", err)
		}
		if path := s.options.ProcessingFile; path != "" {
			if err := config.SaveProcessing(path, proc); err != nil {
				s.logger.Error("Failed to persist processing settings", "path", path, "error", err)
				return nil, huma.Error500InternalServerError("Settings applied but not saved", err)
			}
		}
		s.logger.Info("Processing settings updated", "mode", proc.Mode, "fused", proc.Fused,
			"frequency_hz", proc.FrequencyHz, "orientation", proc.Orientation)
		return &models.ProcessingResponse{Body: processingData(proc)}, nil
	})
}

func processingData(p config.Processing) models.ProcessingData {
	return models.ProcessingData{
		FrequencyHz: p.FrequencyHz,
		Orientation: p.Orientation,
		Mode:        p.Mode,
		Fused:       p.Fused,
	}
}
