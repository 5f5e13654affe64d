package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/appointment-finder/internal/eventlog"
	"github.com/JakeFAU/appointment-finder/internal/orchestrator"
	"github.com/JakeFAU/appointment-finder/internal/profile"
)

const (
	defaultLogWindow = 10
	maxLogWindow     = 500
	maxBodyBytes     = 64 << 10
)

// Searcher is the orchestrator surface the API drives.
type Searcher interface {
	Start(in profile.Input, autobook bool) (*orchestrator.Run, error)
	Stop()
	Status() orchestrator.Status
}

// ProfileStore reads and clears the saved profile.
type ProfileStore interface {
	Load() (profile.Config, bool)
	Clear() error
}

// LogTailer reads the user-facing log.
type LogTailer interface {
	Tail(n int) []eventlog.Entry
}

// Config holds API settings.
type Config struct {
	// Autobook is the default global toggle when a request omits it.
	Autobook bool
	// LogWindow is the default number of log entries in a status response.
	LogWindow int
	// RequestTimeout bounds each handler.
	RequestTimeout time.Duration
}

// Deps bundles the API's collaborators. Metrics and MetricsMiddleware are
// optional.
type Deps struct {
	Searcher          Searcher
	Profiles          ProfileStore
	Log               LogTailer
	Metrics           http.Handler
	MetricsMiddleware func(http.Handler) http.Handler
	Logger            *zap.Logger
}

// Server wires HTTP handlers to the orchestrator and the profile store.
type Server struct {
	router   chi.Router
	cfg      Config
	searcher Searcher
	profiles ProfileStore
	log      LogTailer
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(cfg Config, deps Deps) (*Server, error) {
	if deps.Searcher == nil {
		return nil, errors.New("searcher is required")
	}
	if deps.Profiles == nil {
		return nil, errors.New("profile store is required")
	}
	if deps.Log == nil {
		return nil, errors.New("event log is required")
	}
	if cfg.LogWindow <= 0 {
		cfg.LogWindow = defaultLogWindow
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:      cfg,
		searcher: deps.Searcher,
		profiles: deps.Profiles,
		log:      deps.Log,
		logger:   logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	if deps.MetricsMiddleware != nil {
		r.Use(deps.MetricsMiddleware)
	}
	r.Use(timeoutMiddleware(cfg.RequestTimeout))

	r.Get("/healthz", s.healthz)
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}
	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", s.status)
		r.Post("/search", s.startSearch)
		r.Post("/search/stop", s.stopSearch)
		r.Get("/profile", s.getProfile)
		r.Delete("/profile", s.clearProfile)
	})

	s.router = r
	return s, nil
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statusResponse struct {
	orchestrator.Status
	Log []logEntry `json:"log"`
}

type logEntry struct {
	Time time.Time `json:"time"`
	Text string    `json:"text"`
	Line string    `json:"line"`
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	n := s.cfg.LogWindow
	if raw := r.URL.Query().Get("n"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > maxLogWindow {
			writeError(w, http.StatusBadRequest, "n must be between 1 and 500")
			return
		}
		n = parsed
	}
	entries := s.log.Tail(n)
	resp := statusResponse{Status: s.searcher.Status(), Log: make([]logEntry, 0, len(entries))}
	for _, e := range entries {
		resp.Log = append(resp.Log, logEntry{Time: e.Time, Text: e.Text, Line: e.String()})
	}
	writeJSON(w, http.StatusOK, resp)
}

// searchRequest starts a run. When PersonalInfo is omitted the saved profile
// is used and its reason selection is kept unless Reason overrides it.
type searchRequest struct {
	PersonalInfo *profile.PersonalInfo `json:"personal_info"`
	Reason       string                `json:"reason"`
	CustomReason string                `json:"custom_reason"`
	Autobook     *bool                 `json:"autobook"`
}

func (s *Server) startSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	in, err := s.toInput(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	autobook := s.cfg.Autobook
	if req.Autobook != nil {
		autobook = *req.Autobook
	}

	run, err := s.searcher.Start(in, autobook)
	if err != nil {
		var vErr *profile.ValidationError
		switch {
		case errors.As(err, &vErr), errors.Is(err, profile.ErrNoTarget), errors.Is(err, orchestrator.ErrUnregisteredTarget):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, orchestrator.ErrBusy):
			writeError(w, http.StatusConflict, err.Error())
		default:
			s.logger.Error("start search failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to start search")
		}
		return
	}

	targets := make([]profile.Target, 0, len(run.Handles()))
	for _, h := range run.Handles() {
		targets = append(targets, h.Target)
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"run_id":  run.ID,
		"targets": targets,
	})
}

func (s *Server) toInput(req searchRequest) (profile.Input, error) {
	var in profile.Input
	if req.PersonalInfo != nil {
		in.Info = *req.PersonalInfo
	} else {
		saved, ok := s.profiles.Load()
		if !ok {
			return profile.Input{}, errors.New("personal_info is required when no profile is saved")
		}
		in = profile.InputFromConfig(saved)
	}
	if req.Reason != "" || req.PersonalInfo != nil {
		mode, err := profile.ParseReasonMode(req.Reason)
		if err != nil {
			return profile.Input{}, err
		}
		in.Reason = profile.Reason{Mode: mode, Custom: req.CustomReason}
	}
	return in, nil
}

func (s *Server) stopSearch(w http.ResponseWriter, _ *http.Request) {
	s.searcher.Stop()
	writeJSON(w, http.StatusOK, map[string]string{"state": s.searcher.Status().State.String()})
}

func (s *Server) getProfile(w http.ResponseWriter, _ *http.Request) {
	cfg, ok := s.profiles.Load()
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) clearProfile(w http.ResponseWriter, _ *http.Request) {
	if err := s.profiles.Clear(); err != nil {
		s.logger.Error("clear profile failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to clear profile")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestID returns the id assigned to the request, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("request_id", RequestID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered",
						zap.String("request_id", RequestID(r.Context())),
						zap.Any("error", rec),
					)
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

type requestIDKey struct{}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
