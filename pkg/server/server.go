package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/powerman/structlog"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gridcast/gridcast/pkg/demand"
	"github.com/gridcast/gridcast/pkg/pipeline"
)

// Backend runs pipelines and reads stored series for one region.
type Backend interface {
	Region() int
	Location() *time.Location
	Ingest(ctx context.Context, date time.Time) (pipeline.IngestResult, error)
	Forecast(ctx context.Context) (pipeline.ForecastResult, error)
	ListDemand(ctx context.Context, from, to time.Time) ([]demand.HourlyDemand, error)
	ListForecast(ctx context.Context, from, to time.Time) ([]demand.HourlyForecast, error)
}

// maxRange bounds the span a single list request may cover.
const maxRange = 31 * 24 * time.Hour

// Server provides the HTTP API.
type Server struct {
	backend Backend
	metrics *pipeline.Metrics
	port    int
	log     *structlog.Logger
	now     func() time.Time
}

// New creates a new HTTP server. metrics may be nil, in which case
// /metrics is not served.
func New(b Backend, metrics *pipeline.Metrics, port int) *Server {
	if port == 0 {
		port = 8080
	}
	return &Server{
		backend: b,
		metrics: metrics,
		port:    port,
		log:     structlog.New(structlog.KeyUnit, "server"),
		now:     time.Now,
	}
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/v1/demand", s.handleDemand)
	mux.HandleFunc("/api/v1/forecast", s.handleForecast)
	mux.HandleFunc("/api/v1/ingest", s.handleIngest)
	mux.HandleFunc("/api/v1/forecast/run", s.handleForecastRun)
	if s.metrics != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))
	}
	return mux
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.log.Info("listening", "addr", srv.Addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	s.log.Info("stopped")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "region": s.backend.Region()})
}

func (s *Server) handleDemand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}

	now := s.now()
	from, to, err := s.parseRange(r, now.Add(-48*time.Hour), now)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	rows, err := s.backend.ListDemand(r.Context(), from, to)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data":  rows,
		"count": len(rows),
	})
}

func (s *Server) handleForecast(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}

	now := s.now()
	from, to, err := s.parseRange(r, now.Add(-24*time.Hour), now.Add(48*time.Hour))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	rows, err := s.backend.ListForecast(r.Context(), from, to)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data":  rows,
		"count": len(rows),
	})
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}

	loc := s.backend.Location()
	date := demand.Date(s.now(), loc)
	if v := r.URL.Query().Get("date"); v != "" {
		d, err := time.ParseInLocation(time.DateOnly, v, loc)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("date: %w", err))
			return
		}
		date = d
	}

	res, err := s.backend.Ingest(r.Context(), date)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleForecastRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}

	res, err := s.backend.Forecast(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// parseRange reads from/to as RFC3339 timestamps or region-local dates.
// A date-only to covers the whole day.
func (s *Server) parseRange(r *http.Request, defFrom, defTo time.Time) (time.Time, time.Time, error) {
	loc := s.backend.Location()
	from, to := defFrom, defTo

	if v := r.URL.Query().Get("from"); v != "" {
		t, _, err := parseTime(v, loc)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("from: %w", err)
		}
		from = t
	}
	if v := r.URL.Query().Get("to"); v != "" {
		t, dateOnly, err := parseTime(v, loc)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("to: %w", err)
		}
		if dateOnly {
			t = t.Add(23 * time.Hour)
		}
		to = t
	}

	if to.Before(from) {
		return time.Time{}, time.Time{}, errors.New("to is before from")
	}
	if to.Sub(from) > maxRange {
		return time.Time{}, time.Time{}, fmt.Errorf("range exceeds %s", maxRange)
	}
	return from, to, nil
}

func parseTime(v string, loc *time.Location) (time.Time, bool, error) {
	if t, err := time.ParseInLocation(time.DateOnly, v, loc); err == nil {
		return t, true, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("want YYYY-MM-DD or RFC3339, got %q", v)
	}
	return t, false, nil
}

// statusFor maps pipeline errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, demand.ErrFetch), errors.Is(err, demand.ErrLookup):
		return http.StatusBadGateway
	case errors.Is(err, demand.ErrNoHistory), errors.Is(err, demand.ErrInsufficientHistory):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
