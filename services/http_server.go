package services

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"relicwatch/models"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// AlertStatusUpdater applies explicit alert status changes.
type AlertStatusUpdater interface {
	UpdateStatus(ctx context.Context, alertID string, status models.AlertStatus, at time.Time) error
}

// HealthStatus is the body of GET /healthz.
type HealthStatus struct {
	Status           string     `json:"status"`
	StoreCircuit     string     `json:"store_circuit,omitempty"`
	BufferedReadings int        `json:"buffered_readings"`
	ActiveAlerts     int        `json:"active_alerts"`
	RollupWatermark  *time.Time `json:"rollup_watermark,omitempty"`
}

// HealthReporter builds the current health snapshot.
type HealthReporter func() HealthStatus

type alertStatusRequest struct {
	Status models.AlertStatus `json:"status"`
}

// HTTPServer exposes health, metrics, the WebSocket feed and the alert
// status endpoint.
type HTTPServer struct {
	addr   string
	router chi.Router
	alerts AlertStatusUpdater
	health HealthReporter
	now    func() time.Time
	logger *zap.Logger
}

func NewHTTPServer(addr string, alerts AlertStatusUpdater, hub *WebSocketHub, health HealthReporter, logger *zap.Logger) *HTTPServer {
	s := &HTTPServer{
		addr:   addr,
		alerts: alerts,
		health: health,
		now:    time.Now,
		logger: logger,
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	if hub != nil {
		r.Get("/ws", hub.ServeWS)
	}
	r.Route("/api/v1/alerts", func(r chi.Router) {
		r.Put("/{id}/status", s.handleAlertStatus)
	})

	s.router = r
	return s
}

// Handler returns the router.
func (s *HTTPServer) Handler() http.Handler {
	return s.router
}

// Serve listens until ctx is cancelled, then shuts down gracefully.
func (s *HTTPServer) Serve(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", zap.String("addr", s.addr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("HTTP server shutdown error", zap.Error(err))
	}
	s.logger.Info("HTTP server stopped")
	return ctx.Err()
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := HealthStatus{Status: "ok"}
	if s.health != nil {
		status = s.health()
	}

	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

func (s *HTTPServer) handleAlertStatus(w http.ResponseWriter, r *http.Request) {
	alertID := chi.URLParam(r, "id")

	var req alertStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !req.Status.Valid() {
		writeError(w, http.StatusBadRequest, "status must be ACTIVE or RESOLVED")
		return
	}

	err := s.alerts.UpdateStatus(r.Context(), alertID, req.Status, s.now())
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, ErrAlertNotFound):
		writeError(w, http.StatusNotFound, "alert not found")
	case errors.Is(err, ErrDuplicateActiveAlert):
		writeError(w, http.StatusConflict, "another alert is already active for this sensor")
	case errors.Is(err, ErrStoreUnavailable):
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
	default:
		s.logger.Error("Failed to update alert status",
			zap.String("alert_id", alertID),
			zap.String("status", string(req.Status)),
			zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *HTTPServer) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", chimiddleware.GetReqID(r.Context())))
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}
