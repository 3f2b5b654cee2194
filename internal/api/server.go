// Package api exposes the monitor over HTTP: status and event queries,
// lifecycle commands, a websocket stream and the metrics endpoint.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/doridoridoriand/netwatch/internal/config"
	"github.com/doridoridoriand/netwatch/internal/eventlog"
	"github.com/doridoridoriand/netwatch/internal/log"
	"github.com/doridoridoriand/netwatch/internal/scheduler"
)

const (
	shutdownTimeout = 5 * time.Second
	maxBodyBytes    = 1 << 16
)

// Controller is the part of the monitor the API drives.
type Controller interface {
	Snapshot() scheduler.Snapshot
	Start(ctx context.Context, req scheduler.StartRequest) error
	Stop(ctx context.Context, reason string) error
	ComposeReport(ctx context.Context, reason string) (scheduler.ReportResult, error)
	RunSample(ctx context.Context) error
	RenderExport(ctx context.Context) (scheduler.Export, error)
	OnUpdate(fn func(scheduler.Snapshot))
}

// Options configure the server.
type Options struct {
	// TokenHash is an argon2id hash; empty disables authentication.
	TokenHash string
	// Metrics is mounted at /metrics when non-nil.
	Metrics http.Handler
	Logger  *log.Logger
}

// Server serves the control API.
type Server struct {
	ctrl    Controller
	events  *eventlog.Log
	opts    Options
	hub     *hub
	router  chi.Router
	closing chan struct{}
	once    sync.Once
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

// NewServer wires the routes and subscribes the websocket hub to ctrl and
// events.
func NewServer(ctrl Controller, events *eventlog.Log, opts Options) *Server {
	s := &Server{
		ctrl:    ctrl,
		events:  events,
		opts:    opts,
		hub:     newHub(),
		closing: make(chan struct{}),
	}
	ctrl.OnUpdate(func(snap scheduler.Snapshot) {
		s.hub.broadcast(statusMessage(snap))
	})
	events.Subscribe(func(e eventlog.Entry) {
		s.hub.broadcast(eventMessage(e))
	})
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	})
	if s.opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.opts.Metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(RequireToken(s.opts.TokenHash))
		r.Get("/status", s.handleStatus)
		r.Get("/events", s.handleEvents)
		r.Get("/events/export", s.handleExport)
		r.Post("/start", s.handleStart)
		r.Post("/stop", s.handleStop)
		r.Post("/report", s.handleReport)
		r.Post("/sample", s.handleSample)
		r.Get("/ws", s.handleWS)
	})
	return r
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.opts.Logger.Info("api listening", map[string]interface{}{"addr": addr})

	select {
	case err := <-errCh:
		s.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api shutdown: %w", err)
	}
	return nil
}

// Close disconnects websocket clients.
func (s *Server) Close() {
	s.once.Do(func() { close(s.closing) })
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Snapshot())
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	entries := s.events.NewestFirst()
	if entries == nil {
		entries = []eventlog.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	exp, err := s.ctrl.RenderExport(r.Context())
	if err != nil {
		writeCommandError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, exp.Name))
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, exp.Text)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req scheduler.StartRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	if err := s.ctrl.Start(r.Context(), req); err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.Snapshot())
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	if err := s.ctrl.Stop(r.Context(), req.Reason); err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.Snapshot())
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	res, err := s.ctrl.ComposeReport(r.Context(), req.Reason)
	if err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSample(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.RunSample(r.Context()); err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.Snapshot())
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.opts.Logger.Debug("api request", map[string]interface{}{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      ww.Status(),
			"bytes":       ww.BytesWritten(),
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  middleware.GetReqID(r.Context()),
		})
	})
}

// decodeOptional decodes a JSON body into dst. An empty body leaves dst
// untouched.
func decodeOptional(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return false
	}
	return true
}

func writeCommandError(w http.ResponseWriter, err error) {
	var cfgErr *config.ConfigurationError
	switch {
	case errors.As(err, &cfgErr):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, eventlog.ErrEmpty):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, scheduler.ErrClosed), errors.Is(err, context.Canceled):
		writeError(w, http.StatusServiceUnavailable, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
