// Package httpapi serves the read-only status endpoints.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"postwatch/internal/monitor"
	"postwatch/internal/state"
	logx "postwatch/pkg/logx"
)

type Config struct {
	// Addr is the listen address; empty disables the server.
	Addr  string
	Pprof bool
}

// Source is what /stats reports on.
type Source interface {
	Stats() state.Stats
	LastReport() (monitor.CycleReport, bool)
	LastNotified() string
}

type WatchCounter interface {
	Len() (int, error)
}

// Server owns the listener; Apply starts, moves or stops it.
type Server struct {
	src     Source
	watch   WatchCounter
	log     logx.Logger
	started time.Time

	mu   sync.Mutex
	srv  *http.Server
	ln   net.Listener
	addr string
	cfg  Config
}

func New(src Source, watch WatchCounter, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{src: src, watch: watch, log: log, started: time.Now()}
}

// Handler builds the router; exported for tests.
func (s *Server) Handler(pprof bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.accessLog)

	r.Get("/healthz", s.healthz)
	r.Get("/stats", s.stats)
	if pprof {
		r.Mount("/debug", middleware.Profiler())
	}
	return r
}

func (s *Server) Apply(ctx context.Context, cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cfg.Addr == "" {
		s.stopLocked(ctx)
		s.cfg = cfg
		return nil
	}
	if s.srv != nil && s.cfg == cfg {
		return nil
	}
	s.stopLocked(ctx)
	if err := s.startLocked(cfg); err != nil {
		return err
	}
	s.cfg = cfg
	return nil
}

func (s *Server) startLocked(cfg Config) error {
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.Handler(cfg.Pprof),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.srv, s.ln, s.addr = srv, ln, ln.Addr().String()

	addr := s.addr
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("http server error", logx.String("addr", addr), logx.Err(err))
		}
	}()
	s.log.Info("http server listening", logx.String("addr", addr), logx.Bool("pprof", cfg.Pprof))
	return nil
}

func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked(ctx)
}

func (s *Server) stopLocked(ctx context.Context) {
	if s.srv == nil {
		return
	}
	srv, ln, addr := s.srv, s.ln, s.addr
	s.srv, s.ln, s.addr = nil, nil, ""

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Warn("http shutdown error", logx.String("addr", addr), logx.Err(err))
	}
	_ = ln.Close()
	s.log.Info("http server stopped", logx.String("addr", addr))
}

// Addr reports the bound address, "" when stopped.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statsResponse struct {
	Uptime       string               `json:"uptime"`
	Watched      int                  `json:"watched_accounts"`
	LastNotified string               `json:"last_notified,omitempty"`
	State        state.Stats          `json:"state"`
	LastCycle    *monitor.CycleReport `json:"last_cycle,omitempty"`
}

func (s *Server) stats(w http.ResponseWriter, _ *http.Request) {
	n, err := s.watch.Len()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	resp := statsResponse{
		Uptime:       time.Since(s.started).Round(time.Second).String(),
		Watched:      n,
		LastNotified: s.src.LastNotified(),
		State:        s.src.Stats(),
	}
	if rep, ok := s.src.LastReport(); ok {
		resp.LastCycle = &rep
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.status),
			logx.Duration("duration", time.Since(start)),
			logx.String("request_id", middleware.GetReqID(r.Context())))
	})
}
