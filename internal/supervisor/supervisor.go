// Package supervisor runs the backend inside a pty session and drives its
// lifecycle: start with a readiness wait, stop, restart, update, and exit
// observation. Every transition and every byte of output is published on
// an event bus.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/comflowy/comfyd/internal/config"
	"github.com/comflowy/comfyd/internal/event"
	"github.com/comflowy/comfyd/internal/health"
	"github.com/comflowy/comfyd/internal/launch"
	"github.com/comflowy/comfyd/internal/logbuf"
	"github.com/comflowy/comfyd/internal/readiness"
	"github.com/comflowy/comfyd/internal/session"
	"github.com/comflowy/comfyd/internal/stream"
)

// Event messages for lifecycle transitions.
const (
	MsgStarted        = "backend started"
	MsgStopped        = "backend stopped"
	MsgRestarting     = "restarting backend"
	MsgRestarted      = "backend restarted"
	MsgAttemptUpdate  = "attempting update"
	MsgUpdateFinished = "update finished"
)

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithSpawner replaces the pty spawner, e.g. with a fake in tests.
func WithSpawner(spawn session.Spawner) Option {
	return func(s *Supervisor) {
		s.spawn = spawn
	}
}

// WithDetector overrides the configured readiness marker.
func WithDetector(d readiness.Detector) Option {
	return func(s *Supervisor) {
		s.detector = d
	}
}

// WithStartTimeout overrides readiness.timeout.
func WithStartTimeout(d time.Duration) Option {
	return func(s *Supervisor) {
		s.startTimeout = d
	}
}

// WithStopTimeout overrides stop_timeout.
func WithStopTimeout(d time.Duration) Option {
	return func(s *Supervisor) {
		s.stopTimeout = d
	}
}

// WithUpdater replaces the git updater.
func WithUpdater(u Updater) Option {
	return func(s *Supervisor) {
		s.updater = u
	}
}

// WithProber replaces the prober built from the probe config.
func WithProber(p *health.Prober) Option {
	return func(s *Supervisor) {
		s.prober = p
	}
}

// WithLogSink adds a sink that receives every wrapped output flush of every
// session, in addition to the in-memory log rings.
func WithLogSink(sink stream.Sink) Option {
	return func(s *Supervisor) {
		s.sinks = append(s.sinks, sink)
	}
}

// run is one session, from spawn to exit.
type run struct {
	proc        session.Process
	attempt     string
	splitter    *stream.Splitter
	logs        *logbuf.Ring
	startedAt   time.Time
	interrupted bool
	// exited is closed after the exit has been observed and published.
	exited chan struct{}
}

// Supervisor owns at most one backend session at a time.
type Supervisor struct {
	bus    *event.Bus
	logger *slog.Logger

	spawn        session.Spawner
	detector     readiness.Detector
	startTimeout time.Duration
	stopTimeout  time.Duration
	updater      Updater
	prober       *health.Prober
	sinks        []stream.Sink

	// op serialises Restart and Update.
	op sync.Mutex

	mu       sync.Mutex
	cfg      *config.Config
	state    State
	running  bool
	current  *run
	readyAt  time.Time
	logs     *logbuf.Ring
	prevLogs *logbuf.Ring
	lastExit *int
	restarts int
}

// New creates a supervisor for the backend described by cfg, publishing on bus.
func New(cfg *config.Config, bus *event.Bus, opts ...Option) *Supervisor {
	if cfg == nil {
		cfg = config.Default()
	}
	s := &Supervisor{
		bus:     bus,
		logger:  slog.With("component", "supervisor"),
		spawn:   session.Spawn,
		updater: GitUpdater{},
		cfg:     cfg,
		state:   StateIdle,
		logs:    logbuf.New(cfg.LogLines),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Bus returns the bus the supervisor publishes on.
func (s *Supervisor) Bus() *event.Bus {
	return s.bus
}

// SetConfig replaces the configuration. It takes effect on the next Start.
func (s *Supervisor) SetConfig(cfg *config.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
}

// Config returns the current configuration.
func (s *Supervisor) Config() *config.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Start launches the backend and waits until it announces readiness.
//
// If a session already exists Start returns nil at once, whether or not that
// session is ready. Otherwise it spawns a session, types the launch command
// into it and waits for a wrapped output flush from this attempt that the
// readiness detector accepts. Whichever comes first of readiness, the start
// timeout, the session exiting or ctx ending decides the result; the others
// are discarded.
func (s *Supervisor) Start(ctx context.Context, reinstall bool) error {
	s.mu.Lock()
	if s.current != nil {
		s.mu.Unlock()
		s.logger.Debug("start ignored, session exists")
		return nil
	}

	cfg := s.cfg
	attempt := uuid.NewString()
	logger := s.logger.With("attempt", attempt)

	proc, err := s.spawn(ctx, session.Spec{
		Shell: cfg.Backend.Shell,
		Dir:   cfg.Backend.InstallDir,
		Env:   launch.Environment(cfg.Backend, os.Environ()),
		Cols:  cfg.Backend.Cols,
		Rows:  cfg.Backend.Rows,
	})
	if err != nil {
		s.mu.Unlock()
		err = fmt.Errorf("%w: %w", ErrSpawn, err)
		s.fail(logger, err)
		return err
	}

	s.prevLogs = s.logs
	s.logs = logbuf.New(cfg.LogLines)

	sinks := append([]stream.Sink{s.logs, backendLog(attempt)}, s.sinks...)
	r := &run{
		proc:      proc,
		attempt:   attempt,
		splitter:  stream.NewSplitter(s.bus.Publish, attempt, sinks...),
		logs:      s.logs,
		startedAt: time.Now(),
		exited:    make(chan struct{}),
	}
	s.current = r
	s.state = StateStarting
	s.readyAt = time.Time{}

	detect := s.detector
	if detect == nil {
		detect = readiness.Marker(cfg.Readiness.Marker)
	}
	timeout := s.startTimeout
	if timeout <= 0 {
		timeout = cfg.Readiness.Timeout.Duration
	}
	s.mu.Unlock()

	// One-shot readiness waiter, scoped to this attempt.
	ready := make(chan struct{})
	var once sync.Once
	token := s.bus.Subscribe(func(e event.Event) {
		if e.Kind != event.KindOutputWrapped || e.Attempt != attempt {
			return
		}
		if detect(e.Message) {
			once.Do(func() { close(ready) })
		}
	})
	defer s.bus.Unsubscribe(token)

	go s.watch(r, logger)

	line := launch.Build(cfg.Backend, reinstall).Line()
	logger.Info("launching backend", "pid", proc.Pid(), "dir", cfg.Backend.InstallDir, "reinstall", reinstall)
	if _, err := proc.Write([]byte(line)); err != nil {
		proc.Signal(syscall.SIGKILL)
		err = fmt.Errorf("%w: writing launch command: %w", ErrSpawn, err)
		s.fail(logger, err)
		return err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ready:
		s.mu.Lock()
		if s.current != r {
			s.mu.Unlock()
			return fmt.Errorf("%w: attempt %s", ErrSessionExited, attempt)
		}
		s.running = true
		s.state = StateRunning
		s.readyAt = time.Now()
		s.mu.Unlock()

		logger.Info("backend ready", "startup", time.Since(r.startedAt).Round(time.Millisecond))
		s.publish(event.KindStart, MsgStarted, attempt)
		return nil

	case <-timer.C:
		err := fmt.Errorf("%w after %s", ErrStartTimeout, timeout)
		logger.Error("backend not ready", "timeout", timeout)
		s.publish(event.KindTimeout, err.Error(), attempt)
		return err

	case <-r.exited:
		err := fmt.Errorf("%w: exit code %d", ErrSessionExited, proc.ExitCode())
		s.fail(logger, err)
		return err

	case <-ctx.Done():
		logger.Warn("start abandoned", "error", ctx.Err())
		return ctx.Err()
	}
}

// Stop interrupts a running backend. It does not wait for the exit; the EXIT
// event reports it. Stop is a no-op unless the backend is running.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	r := s.current
	s.running = false
	s.state = StateStopping
	if r != nil {
		r.interrupted = true
	}
	s.mu.Unlock()

	attempt := ""
	if r != nil {
		attempt = r.attempt
	}
	s.logger.Info("stopping backend", "attempt", attempt)
	s.publish(event.KindStop, MsgStopped, attempt)

	if r != nil {
		if err := r.proc.Signal(syscall.SIGINT); err != nil {
			s.logger.Warn("interrupting backend", "error", err)
		}
	}
	return nil
}

// Restart stops the backend, waits for the session to end and starts it
// again. Only one Restart or Update runs at a time; others get ErrBusy.
func (s *Supervisor) Restart(ctx context.Context, reinstall bool) error {
	if !s.op.TryLock() {
		return ErrBusy
	}
	defer s.op.Unlock()
	return s.restart(ctx, reinstall)
}

func (s *Supervisor) restart(ctx context.Context, reinstall bool) error {
	s.publish(event.KindRestart, MsgRestarting, "")

	s.Stop()
	if err := s.terminate(ctx); err != nil {
		s.fail(s.logger, err)
		return fmt.Errorf("restarting backend: %w", err)
	}
	if err := s.Start(ctx, reinstall); err != nil {
		return fmt.Errorf("restarting backend: %w", err)
	}

	s.mu.Lock()
	s.restarts++
	attempt := ""
	if s.current != nil {
		attempt = s.current.attempt
	}
	s.mu.Unlock()

	s.publish(event.KindRestart, MsgRestarted, attempt)
	return nil
}

// Update refreshes the backend sources and restarts it with a dependency
// reinstall. If the refresh fails the backend is left as it was.
func (s *Supervisor) Update(ctx context.Context) error {
	if !s.op.TryLock() {
		return ErrBusy
	}
	defer s.op.Unlock()

	s.mu.Lock()
	dir := s.cfg.Backend.InstallDir
	logs := s.logs
	s.mu.Unlock()

	s.publish(event.KindInfo, MsgAttemptUpdate, "")
	s.logger.Info("updating backend", "dir", dir)

	// Updater output joins the current run's log so it survives as the
	// previous log after the restart.
	err := s.updater.Update(ctx, dir, func(line string) {
		fmt.Fprintln(logs, line)
		s.publish(event.KindInfo, line, "")
	})
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrUpdate, err)
		s.fail(s.logger, err)
		return err
	}
	s.publish(event.KindInfo, MsgUpdateFinished, "")

	return s.restart(ctx, true)
}

// Write types text into the backend session. Without a session it does
// nothing.
func (s *Supervisor) Write(text string) error {
	s.mu.Lock()
	r := s.current
	s.mu.Unlock()

	if r == nil {
		return nil
	}
	if _, err := r.proc.Write([]byte(text)); err != nil {
		return fmt.Errorf("writing to backend: %w", err)
	}
	s.publish(event.KindInput, text, r.attempt)
	return nil
}

// IsAlive probes the backend's HTTP port, independent of the lifecycle state.
func (s *Supervisor) IsAlive(ctx context.Context) bool {
	p := s.prober
	if p == nil {
		cfg := s.Config()
		p = health.NewProber(cfg.Probe.URL, cfg.Probe.Timeout.Duration, s.logger)
	}
	return p.Probe(ctx)
}

// Status returns a snapshot of the lifecycle state.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		State:        s.state,
		Running:      s.running,
		RestartCount: s.restarts,
		InstallDir:   s.cfg.Backend.InstallDir,
	}
	if s.lastExit != nil {
		code := *s.lastExit
		st.LastExitCode = &code
	}
	if r := s.current; r != nil {
		st.PID = r.proc.Pid()
		st.Attempt = r.attempt
		st.StartedAt = r.startedAt
		st.ReadyAt = s.readyAt
		if s.running && !s.readyAt.IsZero() {
			st.Uptime = time.Since(s.readyAt).Truncate(time.Second).String()
		}
	}
	return st
}

// Running reports the lifecycle flag: true from readiness until the next
// Stop or exit.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Logs returns the last n wrapped output lines of the current or most
// recent session. n <= 0 returns everything retained.
func (s *Supervisor) Logs(n int) []string {
	s.mu.Lock()
	ring := s.logs
	s.mu.Unlock()
	return ring.Last(n)
}

// PreviousLogs returns the last n lines of the session before that.
func (s *Supervisor) PreviousLogs(n int) []string {
	s.mu.Lock()
	ring := s.prevLogs
	s.mu.Unlock()
	if ring == nil {
		return nil
	}
	return ring.Last(n)
}

// Close ends any session, interrupting it first and killing it if it
// outlives the stop timeout.
func (s *Supervisor) Close(ctx context.Context) error {
	s.Stop()
	return s.terminate(ctx)
}

// terminate makes sure the current session, if any, has ended. It interrupts
// the session unless Stop already did, waits up to the stop timeout, then
// kills the process group.
func (s *Supervisor) terminate(ctx context.Context) error {
	s.mu.Lock()
	r := s.current
	timeout := s.stopTimeout
	if timeout <= 0 {
		timeout = s.cfg.StopTimeout.Duration
	}
	interrupt := r != nil && !r.interrupted
	if interrupt {
		r.interrupted = true
		s.state = StateStopping
	}
	s.mu.Unlock()

	if r == nil {
		return nil
	}
	logger := s.logger.With("attempt", r.attempt, "pid", r.proc.Pid())

	if interrupt {
		if err := r.proc.Signal(syscall.SIGINT); err != nil {
			logger.Warn("interrupting backend", "error", err)
		}
	}

	select {
	case <-r.exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(timeout):
	}

	logger.Warn("backend did not exit after interrupt, killing", "timeout", timeout)
	if err := r.proc.Signal(syscall.SIGKILL); err != nil {
		logger.Warn("killing backend", "error", err)
	}

	select {
	case <-r.exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(timeout):
		return fmt.Errorf("backend pid %d still running after SIGKILL", r.proc.Pid())
	}
}

// watch pumps the session's output through its splitter and, once the
// session ends, resets the lifecycle and publishes exactly one EXIT.
func (s *Supervisor) watch(r *run, logger *slog.Logger) {
	for chunk := range r.proc.Output() {
		r.splitter.Feed(string(chunk))
	}
	<-r.proc.Done()
	r.splitter.Flush()
	r.logs.Flush()

	code := r.proc.ExitCode()

	s.mu.Lock()
	wasRunning := s.running
	s.running = false
	if s.current == r {
		s.current = nil
		s.state = StateIdle
	}
	s.lastExit = &code
	s.mu.Unlock()

	if wasRunning {
		logger.Warn("backend exited while running", "exit_code", code)
	} else {
		logger.Info("backend session ended", "exit_code", code)
	}

	s.bus.Publish(event.Exit(r.attempt, code))
	close(r.exited)
}

// fail logs a fatal lifecycle error and republishes it as an ERROR event.
func (s *Supervisor) fail(logger *slog.Logger, err error) {
	logger.Error("backend lifecycle error", "error", err)
	s.publish(event.KindError, err.Error(), "")
}

func (s *Supervisor) publish(kind event.Kind, msg, attempt string) {
	e := event.New(kind, msg)
	e.Attempt = attempt
	s.bus.Publish(e)
}

// backendLog mirrors wrapped output to the debug log.
func backendLog(attempt string) stream.Sink {
	logger := slog.With("component", "backend", "attempt", attempt)
	return stream.SinkFunc(func(text string) {
		logger.Debug("output", "text", strings.TrimRight(text, "\r\n"))
	})
}
