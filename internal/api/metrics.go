package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/smazurov/tofnode/internal/api/models"
	"github.com/smazurov/tofnode/internal/metrics"
)

// registerMetricsRoutes serves the metrics cache as JSON. Prometheus text
// format lives on /metrics.
func (s *Server) registerMetricsRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "get-metrics",
		Method:      http.MethodGet,
		Path:        "/api/metrics",
		Summary:     "Pipeline Metrics",
		Description: "Frame counts, errors, latency, valid pixel ratio, mean depth and frame rate per device",
		Tags:        []string{"metrics"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, func(_ context.Context, _ *struct{}) (*models.MetricsResponse, error) {
		return &models.MetricsResponse{
			Body: models.MetricsData{Devices: metrics.All()},
		}, nil
	})
}
