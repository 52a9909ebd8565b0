package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/okian/iuuwatch/internal/domain/model"
	"github.com/okian/iuuwatch/internal/domain/types"
	"github.com/okian/iuuwatch/pkg/logger"
)

const defaultPageLimit = 100

// AlertsDependencies reads alerts by cursor.
type AlertsDependencies interface {
	Alerts(ctx context.Context, after int64, limit int) ([]model.Alert, error)
}

// AlertsHandler handles alert page requests.
type AlertsHandler struct {
	deps     AlertsDependencies
	maxLimit int
	logger   logger.Logger
}

// NewAlertsHandler creates a new alerts handler.
func NewAlertsHandler(deps AlertsDependencies, maxLimit int) *AlertsHandler {
	return &AlertsHandler{
		deps:     deps,
		maxLimit: maxLimit,
		logger:   logger.Get().Named("api.alerts"),
	}
}

// HandleGetAlerts handles GET /alerts?after=<cursor>&limit=<n>.
func (h *AlertsHandler) HandleGetAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	after := int64(0)
	if s := q.Get("after"); s != "" {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil || v < 0 {
			writeError(w, http.StatusBadRequest, "bad_request", fmt.Errorf("%w: after must be a non-negative integer", ErrBadRequest))
			return
		}
		after = v
	}

	limit := min(defaultPageLimit, h.maxLimit)
	if s := q.Get("limit"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v < 1 {
			writeError(w, http.StatusBadRequest, "bad_request", fmt.Errorf("%w: limit must be a positive integer", ErrBadRequest))
			return
		}
		if v > h.maxLimit {
			writeError(w, http.StatusBadRequest, "limit_exceeded", fmt.Errorf("%w: limit must be at most %d", ErrBadRequest, h.maxLimit))
			return
		}
		limit = v
	}

	alerts, err := h.deps.Alerts(r.Context(), after, limit)
	if err != nil {
		h.logger.Error(r.Context(), "alert page failed", logger.Int64("after", after), logger.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", nil)
		return
	}
	writeJSON(w, http.StatusOK, types.NewAlertPage(after, alerts))
}
