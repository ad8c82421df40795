package api

import (
	"context"
	"errors"
	"net/http"

	service "github.com/okian/lookout/internal/app"
)

// SourcesDependencies defines the scheduler operations exposed over HTTP.
type SourcesDependencies interface {
	Sources() []service.SourceStats
	Refresh(ctx context.Context, name string) (service.CycleResult, error)
}

// SourcesHandler handles source listing and manual refresh.
type SourcesHandler struct {
	deps SourcesDependencies
}

// NewSourcesHandler creates a new sources handler.
func NewSourcesHandler(deps SourcesDependencies) *SourcesHandler {
	return &SourcesHandler{deps: deps}
}

// HandleList handles GET /sources requests.
func (h *SourcesHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	sources := h.deps.Sources()
	if sources == nil {
		sources = []service.SourceStats{}
	}
	writeJSON(w, http.StatusOK, sources)
}

// HandleRefresh handles POST /sources/{source}/refresh requests. A cycle that
// ran but failed is still a 200; the result carries the error.
func (h *SourcesHandler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	const op = "api.refresh_source"
	name := r.PathValue("source")

	res, err := h.deps.Refresh(r.Context(), name)
	switch {
	case errors.Is(err, service.ErrUnknownSource):
		writeError(w, http.StatusNotFound, "not_found", WrapKind(op, ErrNotFound, err))
	case errors.Is(err, service.ErrSourceDisabled):
		writeError(w, http.StatusConflict, "source_disabled", WrapKind(op, ErrConflict, err))
	case errors.Is(err, service.ErrCycleRunning):
		writeError(w, http.StatusConflict, "cycle_running", WrapKind(op, ErrConflict, err))
	case errors.Is(err, service.ErrNotStarted):
		writeError(w, http.StatusServiceUnavailable, "unavailable", WrapKind(op, ErrUnavailable, err))
	case err != nil && res.Source == "":
		writeError(w, http.StatusInternalServerError, "internal_error", Wrap(op, err))
	default:
		writeJSON(w, http.StatusOK, res)
	}
}
