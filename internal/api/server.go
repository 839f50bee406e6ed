package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/comflowy/comfyd/internal/audit"
	"github.com/comflowy/comfyd/internal/event"
	"github.com/comflowy/comfyd/internal/supervisor"
)

// maxInputBytes bounds a single console write.
const maxInputBytes = 64 << 10

// streamBuffer is how many events a slow /v1/events client may lag behind
// before events are dropped for it.
const streamBuffer = 256

// Backend is the lifecycle surface the API drives.
type Backend interface {
	Start(ctx context.Context, reinstall bool) error
	Stop() error
	Restart(ctx context.Context, reinstall bool) error
	Update(ctx context.Context) error
	Write(text string) error
	IsAlive(ctx context.Context) bool
	Status() supervisor.Status
	Logs(n int) []string
	PreviousLogs(n int) []string
}

// Option configures a Server.
type Option func(*Server)

// WithJournal records lifecycle commands and input in j.
func WithJournal(j *audit.Logger) Option {
	return func(s *Server) {
		s.journal = j
	}
}

// WithLimiter replaces the limiter guarding the lifecycle endpoints.
func WithLimiter(l *rate.Limiter) Option {
	return func(s *Server) {
		s.limiter = l
	}
}

// WithReload enables POST /v1/reload.
func WithReload(fn func() error) Option {
	return func(s *Server) {
		s.reload = fn
	}
}

// Server serves the comfyd REST API over a Unix socket.
type Server struct {
	backend  Backend
	bus      *event.Bus
	journal  *audit.Logger
	limiter  *rate.Limiter
	reload   func() error
	listener net.Listener
	server   *http.Server
	logger   *slog.Logger
	ctx      context.Context
}

// NewServer creates an API server for backend. Events are streamed from bus.
// Lifecycle operations run under ctx rather than the request context, so a
// client hanging up does not abandon a start half way.
func NewServer(ctx context.Context, backend Backend, bus *event.Bus, opts ...Option) *Server {
	s := &Server{
		backend: backend,
		bus:     bus,
		limiter: rate.NewLimiter(rate.Every(time.Second), 3),
		logger:  slog.With("component", "api"),
		ctx:     ctx,
	}
	for _, o := range opts {
		o(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/health", s.health)
	mux.HandleFunc("GET /v1/status", s.status)
	mux.HandleFunc("GET /v1/alive", s.alive)
	mux.HandleFunc("GET /v1/logs", s.logs)
	mux.HandleFunc("GET /v1/journal", s.journalEntries)
	mux.HandleFunc("GET /v1/events", s.events)
	mux.HandleFunc("POST /v1/start", s.limited(s.start))
	mux.HandleFunc("POST /v1/stop", s.limited(s.stop))
	mux.HandleFunc("POST /v1/restart", s.limited(s.restart))
	mux.HandleFunc("POST /v1/update", s.limited(s.update))
	mux.HandleFunc("POST /v1/input", s.input)
	mux.HandleFunc("POST /v1/reload", s.reloadConfig)

	s.server = &http.Server{Handler: mux}
	return s
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// ListenUnix starts the server on a Unix socket.
func (s *Server) ListenUnix(path string) error {
	ln, err := net.Listen("unix", path)
	if err != nil {
		return err
	}
	s.listener = ln
	s.logger.Info("API listening", "socket", path)
	return s.server.Serve(ln)
}

// ListenTCP starts the server on a TCP address.
func (s *Server) ListenTCP(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.logger.Info("API listening", "addr", addr)
	return s.server.Serve(ln)
}

// Shutdown gracefully shuts down the API server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) limited(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, errors.New("too many lifecycle requests"))
			return
		}
		h(w, r)
	}
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.backend.Status())
}

func (s *Server) alive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"alive": s.backend.IsAlive(r.Context())})
}

func (s *Server) logs(w http.ResponseWriter, r *http.Request) {
	n, err := intParam(r, "n", 100)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	previous, err := boolParam(r, "previous")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	lines := s.backend.Logs(n)
	if previous {
		lines = s.backend.PreviousLogs(n)
	}
	if lines == nil {
		lines = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"lines": lines})
}

func (s *Server) journalEntries(w http.ResponseWriter, r *http.Request) {
	n, err := intParam(r, "n", 50)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	entries, err := s.journal.Recent(n)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) start(w http.ResponseWriter, r *http.Request) {
	reinstall, err := boolParam(r, "reinstall")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	err = s.backend.Start(s.ctx, reinstall)
	s.record(audit.ActionStart, reinstall, "", err)
	s.lifecycleResult(w, err)
}

func (s *Server) stop(w http.ResponseWriter, r *http.Request) {
	err := s.backend.Stop()
	s.record(audit.ActionStop, false, "", err)
	s.lifecycleResult(w, err)
}

func (s *Server) restart(w http.ResponseWriter, r *http.Request) {
	reinstall, err := boolParam(r, "reinstall")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	err = s.backend.Restart(s.ctx, reinstall)
	s.record(audit.ActionRestart, reinstall, "", err)
	s.lifecycleResult(w, err)
}

func (s *Server) update(w http.ResponseWriter, r *http.Request) {
	err := s.backend.Update(s.ctx)
	s.record(audit.ActionUpdate, true, "", err)
	s.lifecycleResult(w, err)
}

func (s *Server) input(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxInputBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err)
		return
	}
	if len(body) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("empty input"))
		return
	}

	err = s.backend.Write(string(body))
	s.record(audit.ActionInput, false, fmt.Sprintf("%d bytes", len(body)), err)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"written": len(body)})
}

func (s *Server) reloadConfig(w http.ResponseWriter, r *http.Request) {
	if s.reload == nil {
		writeError(w, http.StatusNotImplemented, errors.New("reload not supported"))
		return
	}
	if err := s.reload(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

// events streams bus events as newline-delimited JSON until the client goes
// away. ?kinds=START,EXIT restricts the stream; ?output=false drops raw and
// wrapped output.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}
	output, err := boolParamDefault(r, "output", true)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	kinds := map[event.Kind]bool{}
	if v := r.URL.Query().Get("kinds"); v != "" {
		for _, k := range strings.Split(v, ",") {
			kinds[event.Kind(strings.ToUpper(strings.TrimSpace(k)))] = true
		}
	}

	ch := make(chan event.Event, streamBuffer)
	var dropped atomic.Int64
	token := s.bus.Subscribe(func(e event.Event) {
		if !output && e.IsOutput() {
			return
		}
		if len(kinds) > 0 && !kinds[e.Kind] {
			return
		}
		select {
		case ch <- e:
		default:
			dropped.Add(1)
		}
	})
	defer func() {
		s.bus.Unsubscribe(token)
		if n := dropped.Load(); n > 0 {
			s.logger.Warn("event stream client fell behind", "dropped", n)
		}
	}()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	for {
		select {
		case e := <-ch:
			if err := enc.Encode(e); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Server) lifecycleResult(w http.ResponseWriter, err error) {
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, s.backend.Status())
}

func (s *Server) record(action audit.Action, reinstall bool, detail string, err error) {
	entry := audit.Entry{
		Action:    action,
		Actor:     "api",
		Attempt:   s.backend.Status().Attempt,
		Reinstall: reinstall,
		Detail:    detail,
	}
	if err != nil {
		entry.Error = err.Error()
	}
	if jerr := s.journal.Log(entry); jerr != nil {
		s.logger.Warn("journal write failed", "error", jerr)
	}
}

// statusFor maps lifecycle errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, supervisor.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, supervisor.ErrStartTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, supervisor.ErrSessionExited):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func intParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", name, v)
	}
	return n, nil
}

func boolParam(r *http.Request, name string) (bool, error) {
	return boolParamDefault(r, name, false)
}

func boolParamDefault(r *http.Request, name string, def bool) (bool, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s %q", name, v)
	}
	return b, nil
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
