// Package api declares HTTP contracts and route registration helpers.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	service "github.com/okian/lookout/internal/app"
	"github.com/okian/lookout/internal/domain/query"
)

// Dependencies required by HTTP handlers. Using an interface bundle keeps
// the handler layer loosely coupled to implementations in other packages.
type Dependencies interface {
	Recent(ctx context.Context, hours float64) (query.Response, error)
	DefaultHours() float64
	Sources() []service.SourceStats
	Refresh(ctx context.Context, name string) (service.CycleResult, error)
	Ready() bool
}

// Server wires HTTP routes for the business API.
type Server struct {
	healthHandler       *HealthHandler
	statsHandler        *StatsHandler
	observationsHandler *ObservationsHandler
	sourcesHandler      *SourcesHandler
}

// NewServer creates a new API server with all handlers.
func NewServer(deps Dependencies, statsProvider StatsProvider) *Server {
	return &Server{
		healthHandler:       NewHealthHandler(deps),
		statsHandler:        NewStatsHandler(statsProvider),
		observationsHandler: NewObservationsHandler(deps),
		sourcesHandler:      NewSourcesHandler(deps),
	}
}

// Register attaches all HTTP routes to mux.
func (s *Server) Register(_ context.Context, mux *http.ServeMux) {
	mux.HandleFunc("/healthz", MetricsMiddleware(s.healthHandler.HandleHealth, "healthz"))
	mux.Handle("/metrics", MetricsHandler())
	mux.HandleFunc("/stats", MetricsMiddleware(s.statsHandler.HandleStats, "stats"))
	mux.HandleFunc("/observations/recent", MetricsMiddleware(s.observationsHandler.HandleRecent, "observations_recent"))
	mux.HandleFunc("/sources", MetricsMiddleware(s.sourcesHandler.HandleList, "sources"))
	mux.HandleFunc("POST /sources/{source}/refresh", MetricsMiddleware(s.sourcesHandler.HandleRefresh, "sources_refresh"))
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	msg := http.StatusText(status)
	if err != nil {
		msg = err.Error()
	}
	writeJSON(w, status, errorResponse{Code: code, Message: msg})
}
