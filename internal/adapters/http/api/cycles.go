package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/okian/iuuwatch/pkg/logger"
)

// CyclesDependencies triggers ingestion cycles.
type CyclesDependencies interface {
	TriggerCycle(ctx context.Context) (string, error)
}

// CyclesHandler handles manual cycle triggers.
type CyclesHandler struct {
	deps   CyclesDependencies
	isBusy func(error) bool
	logger logger.Logger
}

// NewCyclesHandler creates a new cycles handler.
func NewCyclesHandler(deps CyclesDependencies, isBusy func(error) bool) *CyclesHandler {
	return &CyclesHandler{
		deps:   deps,
		isBusy: isBusy,
		logger: logger.Get().Named("api.cycles"),
	}
}

type cycleResponse struct {
	Status  string `json:"status"`
	CycleID string `json:"cycle_id"`
}

// HandlePostCycle handles POST /cycles.
func (h *CyclesHandler) HandlePostCycle(w http.ResponseWriter, r *http.Request) {
	id, err := h.deps.TriggerCycle(r.Context())
	switch {
	case err == nil:
		h.logger.Info(r.Context(), "cycle triggered", logger.String("cycle_id", id))
		writeJSON(w, http.StatusAccepted, cycleResponse{Status: "started", CycleID: id})
	case h.isBusy(err):
		writeError(w, http.StatusConflict, "cycle_running", fmt.Errorf("%w: %w", ErrConflict, err))
	default:
		h.logger.Error(r.Context(), "cycle trigger failed", logger.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", nil)
	}
}
