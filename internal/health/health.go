package health

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Status represents the liveness state of the backend.
type Status string

const (
	StatusUnknown   Status = "unknown"
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// Prober checks whether the backend answers HTTP on its local port.
type Prober struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

// NewProber creates a prober for url. Each probe is bounded by timeout.
func NewProber(url string, timeout time.Duration, logger *slog.Logger) *Prober {
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: logger.With("component", "prober"),
	}
}

// URL returns the probed address.
func (p *Prober) URL() string {
	return p.url
}

// Probe reports whether the backend is serving. Any response below 500
// counts; the backend answers its root with the UI or a redirect. Transport
// errors are logged at debug and reported as false.
func (p *Prober) Probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		p.logger.Debug("probe request invalid", "url", p.url, "error", err)
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Debug("probe failed", "url", p.url, "error", err)
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= http.StatusInternalServerError {
		p.logger.Debug("probe unhealthy status", "url", p.url, "status", resp.StatusCode)
		return false
	}
	return true
}

// Config holds watchdog settings.
type Config struct {
	Interval           time.Duration // time between probes
	GracePeriod        time.Duration // delay before the first probe
	UnhealthyThreshold int           // consecutive failures before unhealthy
}

// Monitor probes periodically and tracks consecutive failures.
type Monitor struct {
	cfg    Config
	prober *Prober
	logger *slog.Logger

	mu               sync.Mutex
	status           Status
	consecutiveFails int
	cancel           context.CancelFunc
	done             chan struct{}

	// onUnhealthy is called when the backend transitions to unhealthy.
	onUnhealthy func()
}

// NewMonitor creates a watchdog over prober.
func NewMonitor(cfg Config, prober *Prober, logger *slog.Logger, onUnhealthy func()) *Monitor {
	if cfg.UnhealthyThreshold <= 0 {
		cfg.UnhealthyThreshold = 3
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		cfg:         cfg,
		prober:      prober,
		logger:      logger.With("component", "watchdog"),
		status:      StatusUnknown,
		onUnhealthy: onUnhealthy,
	}
}

// Start begins periodic probing. Calling Start on a running monitor is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.status = StatusUnknown
	m.consecutiveFails = 0
	done := m.done
	m.mu.Unlock()

	go m.run(ctx, done)
}

// Stop halts the probe loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	done := m.done
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// CurrentStatus returns the last computed status.
func (m *Monitor) CurrentStatus() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *Monitor) run(ctx context.Context, done chan struct{}) {
	defer func() {
		m.mu.Lock()
		m.cancel = nil
		m.mu.Unlock()
		close(done)
	}()

	if m.cfg.GracePeriod > 0 {
		select {
		case <-time.After(m.cfg.GracePeriod):
		case <-ctx.Done():
			return
		}
	}

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.check(ctx)
	for {
		select {
		case <-ticker.C:
			m.check(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (m *Monitor) check(ctx context.Context) {
	ok := m.prober.Probe(ctx)

	// The monitor is shutting down; a cancelled probe says nothing.
	if ctx.Err() != nil {
		return
	}

	m.mu.Lock()
	prev := m.status
	if ok {
		m.consecutiveFails = 0
		m.status = StatusHealthy
	} else {
		m.consecutiveFails++
		if m.consecutiveFails >= m.cfg.UnhealthyThreshold {
			m.status = StatusUnhealthy
		}
	}
	next := m.status
	fails := m.consecutiveFails
	m.mu.Unlock()

	if !ok {
		m.logger.Warn("backend not answering",
			"url", m.prober.URL(),
			"consecutive_fails", fails,
			"threshold", m.cfg.UnhealthyThreshold,
		)
	}

	if prev != StatusUnhealthy && next == StatusUnhealthy {
		m.logger.Error("backend is unhealthy", "consecutive_fails", fails)
		if m.onUnhealthy != nil {
			m.onUnhealthy()
		}
	}
}
