package api

import (
	"context"
	"errors"
	"net/http"

	service "github.com/okian/lookout/internal/app"
)

// StatsProvider defines the interface for getting service statistics.
type StatsProvider interface {
	Stats(ctx context.Context) (service.Stats, error)
}

// StatsHandler handles stats requests.
type StatsHandler struct {
	statsProvider StatsProvider
}

// NewStatsHandler creates a new stats handler.
func NewStatsHandler(statsProvider StatsProvider) *StatsHandler {
	return &StatsHandler{statsProvider: statsProvider}
}

// HandleStats handles GET /stats requests.
func (h *StatsHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	const op = "api.get_stats"
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	stats, err := h.statsProvider.Stats(r.Context())
	switch {
	case errors.Is(err, service.ErrNotStarted):
		writeError(w, http.StatusServiceUnavailable, "unavailable", WrapKind(op, ErrUnavailable, err))
	case err != nil:
		writeError(w, http.StatusInternalServerError, "internal_error", Wrap(op, err))
	default:
		writeJSON(w, http.StatusOK, stats)
	}
}
