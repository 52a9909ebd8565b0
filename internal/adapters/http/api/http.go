// Package api declares HTTP contracts and route registration helpers.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/okian/iuuwatch/internal/adapters/http/swagger"
	"github.com/okian/iuuwatch/internal/domain/model"
	"github.com/okian/iuuwatch/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	defaultMaxLimit = 500
	requestTimeout  = 30 * time.Second
)

// Dependencies required by HTTP handlers. Using an interface bundle keeps
// the handler layer loosely coupled to implementations in other packages.
type Dependencies interface {
	StatsProvider

	// Alerts returns up to limit alerts with id > after.
	Alerts(ctx context.Context, after int64, limit int) ([]model.Alert, error)

	// TriggerCycle starts one ingestion cycle and returns its id.
	TriggerCycle(ctx context.Context) (string, error)
}

// Option configures the router.
type Option func(*Server)

// WithMaxLimit caps GET /alerts?limit.
func WithMaxLimit(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxLimit = n
		}
	}
}

// WithStream mounts the alert stream at /ws.
func WithStream(h http.Handler) Option {
	return func(s *Server) { s.stream = h }
}

// WithBusyCheck reports whether an error from TriggerCycle means a cycle
// is already running.
func WithBusyCheck(f func(error) bool) Option {
	return func(s *Server) {
		if f != nil {
			s.isBusy = f
		}
	}
}

// Server wires HTTP routes for the operator API.
type Server struct {
	healthHandler *HealthHandler
	statsHandler  *StatsHandler
	alertsHandler *AlertsHandler
	cyclesHandler *CyclesHandler
	stream        http.Handler

	maxLimit int
	isBusy   func(error) bool
}

// NewServer creates a new API server with all handlers.
func NewServer(deps Dependencies, opts ...Option) *Server {
	s := &Server{
		maxLimit: defaultMaxLimit,
		isBusy:   func(error) bool { return false },
	}
	for _, opt := range opts {
		opt(s)
	}
	s.healthHandler = NewHealthHandler()
	s.statsHandler = NewStatsHandler(deps)
	s.alertsHandler = NewAlertsHandler(deps, s.maxLimit)
	s.cyclesHandler = NewCyclesHandler(deps, s.isBusy)
	return s
}

// Router builds the chi router with every route attached.
func (s *Server) Router(ctx context.Context) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)

	r.Get("/healthz", s.healthHandler.HandleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(metrics.GetRegistry(), promhttp.HandlerOpts{}))
	swagger.Register(ctx, r)

	// The stream connection is long-lived; keep it out of the timeout group.
	if s.stream != nil {
		r.Handle("/ws", s.stream)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(requestTimeout))
		r.Get("/stats", s.statsHandler.HandleStats)
		r.Get("/alerts", s.alertsHandler.HandleGetAlerts)
		r.Post("/cycles", s.cyclesHandler.HandlePostCycle)
	})
	return r
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
