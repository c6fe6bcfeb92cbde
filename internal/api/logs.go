package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/smazurov/tofnode/internal/api/models"
	"github.com/smazurov/tofnode/internal/logging"
)

// registerLogRoutes serves the in-memory log history.
func (s *Server) registerLogRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "get-logs",
		Method:      http.MethodGet,
		Path:        "/api/logs",
		Summary:     "Recent Logs",
		Description: "Most recent log entries kept in memory, oldest first",
		Tags:        []string{"logs"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, func(_ context.Context, input *models.LogsInput) (*models.LogsResponse, error) {
		return &models.LogsResponse{
			Body: models.LogsData{Entries: logging.Recent(input.Limit)},
		}, nil
	})
}
