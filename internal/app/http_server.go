package app

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"timesync-connector/internal/domain"
)

// HTTPServer returns a configured http.Server exposing health, metrics and
// manual triggers. Call ListenAndServe in a goroutine and Shutdown it on exit.
func (a *App) HTTPServer(addr string) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           a.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	a.log.Info("http server configured", zap.String("addr", addr))
	return srv
}

func (a *App) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(loggingMiddleware(a.log))

	r.Get("/healthz", a.healthz)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	r.Post("/sync", a.triggerSync)
	r.Post("/refresh", a.triggerRefresh)
	r.Get("/ledger/{groupID}", a.ledgerEntry)
	r.Get("/deadletters", a.recentDeadLetters)
	return r
}

type healthResponse struct {
	Status string              `json:"status"`
	Error  string              `json:"error,omitempty"`
	Ledger *domain.LedgerStats `json:"ledger,omitempty"`
	HealthReport
}

func (a *App) healthz(w http.ResponseWriter, r *http.Request) {
	state := a.scheduler.State()
	resp := healthResponse{HealthReport: a.health.Report(a.now())}
	resp.State = state.String()
	if state != StateRunning {
		resp.Healthy = false
	}
	if err := a.engine.Halted(); err != nil {
		resp.Healthy = false
		resp.Error = err.Error()
	} else if stats, err := a.ledger.Stats(r.Context()); err == nil {
		resp.Ledger = &stats
	}

	status := http.StatusOK
	resp.Status = "ok"
	if !resp.Healthy {
		status = http.StatusServiceUnavailable
		resp.Status = "unhealthy"
	}
	writeJSON(w, status, resp)
}

// triggerSync runs one poll cycle now. It shares the poll task's guard, so a
// request during a scheduled cycle gets 409 instead of a second cycle.
func (a *App) triggerSync(w http.ResponseWriter, r *http.Request) {
	err := a.scheduler.Trigger(r.Context(), TaskPoll)
	writeTriggered(w, err, a.health.LastPoll())
}

func (a *App) triggerRefresh(w http.ResponseWriter, r *http.Request) {
	err := a.scheduler.Trigger(r.Context(), TaskRefresh)
	writeTriggered(w, err, a.lastRefresh.Load())
}

func writeTriggered(w http.ResponseWriter, err error, result any) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "result": result})
	case errors.Is(err, domain.ErrTaskRunning):
		writeJSON(w, http.StatusConflict, map[string]any{"status": "error", "error": "already running"})
	case errors.Is(err, domain.ErrUnknownTask):
		writeJSON(w, http.StatusNotFound, map[string]any{"status": "error", "error": "task not enabled"})
	case errors.Is(err, domain.ErrSchedulerNotRunning):
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "error", "error": err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]any{"status": "error", "error": err.Error(), "result": result})
	}
}

func (a *App) ledgerEntry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "groupID")
	entry, err := a.ledger.Entry(r.Context(), id)
	if err != nil {
		a.log.Error("ledger lookup failed", zap.String("group_id", id), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"status": "error", "error": err.Error()})
		return
	}
	if entry == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"group_id": id, "state": domain.StateUnknown})
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (a *App) recentDeadLetters(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"dead_letters": a.deadLetters.Recent()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// loggingMiddleware provides basic request logging.
func loggingMiddleware(log *zap.Logger) func(http.Handler) http.Handler {
	log = log.Named("http")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("remote", r.RemoteAddr),
				zap.Duration("dur", time.Since(start)),
			)
		})
	}
}
