// Package httpapi is the HTTP intake: it accepts schedule requests with an
// uploaded image, exposes job state and streams engine events.
package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	"postsched/internal/eventbus"
	"postsched/internal/storage"
	"postsched/internal/task/engine"
	"postsched/internal/task/scheduler"
	logx "postsched/pkg/logx"

	rtsup "postsched/internal/runtime/supervisor"
)

// Config controls the intake server.
//
// Security:
//   - Prefer binding to localhost (default).
//   - If binding to a non-loopback address, set Token or enable AllowInsecure.
type Config struct {
	Addr          string
	Token         string
	AllowInsecure bool
	Pprof         bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Engine is the part of engine.Service the intake drives.
type Engine interface {
	Schedule(ctx context.Context, req scheduler.Request, p engine.Payload) (engine.ScheduleResult, error)
	Cancel(id string) error
	CancelSchedule(scheduleID string) int
	Get(id string) (engine.JobInfo, error)
	Jobs(f engine.Filter) []engine.JobInfo
	Snapshot() engine.Snapshot
	Err() error
}

type ImageStore interface {
	Put(ctx context.Context, r io.Reader) (ref, ctype string, err error)
	MaxBytes() int64
}

type History interface {
	History(ctx context.Context, jobID string) ([]storage.Record, error)
}

// Defaults are request defaults read per request so config reloads apply.
type Defaults struct {
	Provider string
	Location *time.Location
}

type Deps struct {
	Engine Engine
	Images ImageStore
	// Optional.
	History   History
	Bus       eventbus.Bus
	Providers interface{ Has(provider string) bool }
	Defaults  func() Defaults
	// Health adds extra details to /healthz.
	Health func() map[string]any
}

type Service struct {
	mu   sync.Mutex
	log  logx.Logger
	cfg  Config
	deps Deps

	ln  net.Listener
	srv *http.Server
	sup *rtsup.Supervisor
}

func New(cfg Config, deps Deps, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "127.0.0.1:8080"
	}
	return &Service{cfg: cfg, deps: deps, log: log}
}

// Supervisor returns the server's supervisor (nil if not started).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Addr returns the bound listen address, or "" before Start.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Start binds the listener and serves in the background. Bind errors are
// returned directly so a bad address fails startup.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return nil
	}
	cur := s.cfg
	addr := strings.TrimSpace(cur.Addr)

	// Safety: prevent accidental public exposure without auth.
	if !cur.AllowInsecure && cur.Token == "" && !isLoopbackAddr(addr) {
		return fmt.Errorf("http refused to start on %s: non-loopback addr requires token or allow_insecure", addr)
	}
	if cur.AllowInsecure && cur.Token == "" && !isLoopbackAddr(addr) {
		s.log.Warn("http running without token on non-loopback addr (insecure)", logx.String("addr", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  cur.ReadTimeout,
		WriteTimeout: cur.WriteTimeout,
		IdleTimeout:  cur.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	s.ln, s.srv = ln, srv
	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	s.sup.Go("http.serve", func(c context.Context) error {
		err := srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) || c.Err() != nil {
			return nil
		}
		return err
	})
	s.log.Info("http started", logx.String("addr", ln.Addr().String()), logx.Bool("token_set", cur.Token != ""), logx.Bool("pprof", cur.Pprof))
	return nil
}

// Stop shuts the server down gracefully. Open event streams end when ctx
// expires or the engine-side context is canceled.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, sup := s.srv, s.sup
	s.srv, s.sup, s.ln = nil, nil, nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	err := srv.Shutdown(ctx)
	if err != nil {
		_ = srv.Close()
	}
	sup.Cancel()
	if werr := sup.Wait(ctx); err == nil {
		err = werr
	}
	s.log.Info("http stopped")
	return err
}

// Handler returns the routed and authenticated handler.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/schedules", s.handleSchedule)
	mux.HandleFunc("DELETE /v1/schedules/{id}", s.handleCancelSchedule)
	mux.HandleFunc("GET /v1/jobs", s.handleJobs)
	mux.HandleFunc("GET /v1/jobs/{id}", s.handleJob)
	mux.HandleFunc("DELETE /v1/jobs/{id}", s.handleCancel)
	mux.HandleFunc("GET /v1/events", s.handleEvents)
	mux.HandleFunc("GET /healthz", s.handleHealth)

	if s.cfg.Pprof {
		mux.HandleFunc("/debug/pprof/", hpprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", hpprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", hpprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", hpprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", hpprof.Trace)
	}
	return s.withLog(withAuth(s.cfg.Token, mux))
}

func withAuth(token string, h http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	ok := func(got string) bool {
		return subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(tok)) == 1
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Accept either:
		//   Authorization: Bearer <token>
		// or query param: ?token=<token> (EventSource can't set headers)
		if got := r.URL.Query().Get("token"); got != "" {
			if ok(got) {
				h.ServeHTTP(w, r)
				return
			}
			unauthorized(w)
			return
		}
		const p = "Bearer "
		if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && ok(strings.TrimPrefix(ah, p)) {
			h.ServeHTTP(w, r)
			return
		}
		unauthorized(w)
	})
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeError(w, http.StatusUnauthorized, "unauthorized")
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func (s *Service) withLog(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w}
		h.ServeHTTP(sw, r)
		if sw.status == 0 {
			sw.status = http.StatusOK
		}
		s.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", sw.status),
			logx.Duration("dur", time.Since(start)),
		)
	})
}

func isLoopbackAddr(addr string) bool {
	// addr is expected in host:port (host may be empty).
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// empty host means all interfaces
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	if ip == nil {
		return false
	}
	return ip.IsLoopback()
}
