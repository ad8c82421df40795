package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	service "github.com/okian/lookout/internal/app"
	"github.com/okian/lookout/internal/domain/query"
)

// ObservationsDependencies defines the read side used by the handler.
type ObservationsDependencies interface {
	Recent(ctx context.Context, hours float64) (query.Response, error)
	DefaultHours() float64
}

// ObservationsHandler handles observation queries.
type ObservationsHandler struct {
	deps ObservationsDependencies
}

// NewObservationsHandler creates a new observations handler.
func NewObservationsHandler(deps ObservationsDependencies) *ObservationsHandler {
	return &ObservationsHandler{deps: deps}
}

// HandleRecent handles GET /observations/recent?hours=N requests.
// N is any non-negative number and defaults to the configured window.
func (h *ObservationsHandler) HandleRecent(w http.ResponseWriter, r *http.Request) {
	const op = "api.get_recent_observations"
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}

	hours := h.deps.DefaultHours()
	if raw := strings.TrimSpace(r.URL.Query().Get("hours")); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v < 0 {
			writeError(w, http.StatusBadRequest, "bad_request",
				WrapKind(op, ErrBadRequest, errors.New("hours must be a non-negative number")))
			return
		}
		hours = v
	}

	resp, err := h.deps.Recent(r.Context(), hours)
	switch {
	case errors.Is(err, query.ErrInvalidHours):
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, err))
	case errors.Is(err, service.ErrNotStarted):
		writeError(w, http.StatusServiceUnavailable, "unavailable", WrapKind(op, ErrUnavailable, err))
	case err != nil:
		writeError(w, http.StatusInternalServerError, "internal_error", Wrap(op, err))
	default:
		writeJSON(w, http.StatusOK, resp)
	}
}
