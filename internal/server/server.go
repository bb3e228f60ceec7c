// Package server exposes run start, progress polling and a progress websocket
// over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/stellarlinkco/personasurvey/internal/engine"
	"github.com/stellarlinkco/personasurvey/internal/logging"
	"github.com/stellarlinkco/personasurvey/internal/metrics"
	"github.com/stellarlinkco/personasurvey/internal/progress"
	"github.com/stellarlinkco/personasurvey/internal/quota"
	"github.com/stellarlinkco/personasurvey/internal/store"
)

const (
	defaultPollInterval = time.Second
	maxBodyBytes        = 1 << 20
	shutdownTimeout     = 5 * time.Second
)

type Engine interface {
	StartRun(ctx context.Context, req engine.StartRequest) (*engine.StartResult, error)
	GetProgress(ctx context.Context, runID int64) (progress.Progress, error)
}

type Runs interface {
	GetRun(ctx context.Context, id int64) (store.Run, error)
	Interactions(ctx context.Context, runID int64) ([]store.Interaction, error)
}

type Options struct {
	Host string
	Port int
	// PollInterval is how often the websocket re-reads progress.
	PollInterval time.Duration
	Metrics      *metrics.Metrics
	Logger       *zap.Logger
}

type Server struct {
	engine  Engine
	runs    Runs
	opts    Options
	logger  *zap.Logger
	handler http.Handler
}

func New(eng Engine, runs Runs, opts Options) *Server {
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	s := &Server{
		engine: eng,
		runs:   runs,
		opts:   opts,
		logger: logging.OrNop(opts.Logger).Named("server"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", opts.Metrics.Handler())
	mux.HandleFunc("POST /runs/{id}/start", s.handleStart)
	mux.HandleFunc("GET /runs/{id}", s.handleRun)
	mux.HandleFunc("GET /runs/{id}/progress", s.handleProgress)
	mux.HandleFunc("GET /runs/{id}/progress/ws", s.handleProgressWS)
	mux.HandleFunc("GET /runs/{id}/interactions", s.handleInteractions)
	s.handler = mux
	return s
}

func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) Addr() string {
	return net.JoinHostPort(s.opts.Host, strconv.Itoa(s.opts.Port))
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.Addr(), err)
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", zap.String("addr", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("shutdown", zap.Error(err))
		return fmt.Errorf("shutdown: %w", err)
	}
	s.logger.Info("stopped")
	return nil
}

type progressResponse struct {
	RunID int64 `json:"runId"`
	progress.Progress
	RunState store.RunState `json:"runState,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	runID, ok := s.runID(w, r)
	if !ok {
		return
	}

	var req engine.StartRequest
	if r.ContentLength != 0 {
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
			return
		}
	}
	req.RunID = runID

	res, err := s.engine.StartRun(r.Context(), req)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	runID, ok := s.runID(w, r)
	if !ok {
		return
	}
	run, err := s.runs.GetRun(r.Context(), runID)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	runID, ok := s.runID(w, r)
	if !ok {
		return
	}
	resp, err := s.snapshot(r.Context(), runID)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleInteractions(w http.ResponseWriter, r *http.Request) {
	runID, ok := s.runID(w, r)
	if !ok {
		return
	}
	if _, err := s.runs.GetRun(r.Context(), runID); err != nil {
		s.fail(w, err)
		return
	}
	rows, err := s.runs.Interactions(r.Context(), runID)
	if err != nil {
		s.fail(w, err)
		return
	}
	if rows == nil {
		rows = []store.Interaction{}
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) snapshot(ctx context.Context, runID int64) (progressResponse, error) {
	run, err := s.runs.GetRun(ctx, runID)
	if err != nil {
		return progressResponse{}, err
	}
	p, err := s.engine.GetProgress(ctx, runID)
	if err != nil {
		return progressResponse{}, err
	}
	return progressResponse{RunID: runID, Progress: p, RunState: run.State}, nil
}

func (s *Server) runID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid run id %q", r.PathValue("id")))
		return 0, false
	}
	return id, true
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
	}
	writeError(w, code, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, quota.ErrInsufficientCredits):
		return http.StatusPaymentRequired
	case errors.Is(err, quota.ErrQuotaExceeded):
		return http.StatusForbidden
	case errors.Is(err, engine.ErrNoMatchingPersonas),
		errors.Is(err, engine.ErrEmptySurvey),
		errors.Is(err, engine.ErrInvalidRequest):
		return http.StatusUnprocessableEntity
	case errors.Is(err, engine.ErrNoRefiner):
		return http.StatusNotImplemented
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
