package main

import (
	"context"
	"log/slog"
	"sync"

	"github.com/comflowy/comfyd/internal/config"
	"github.com/comflowy/comfyd/internal/event"
	"github.com/comflowy/comfyd/internal/health"
)

// watchdog runs a liveness monitor while the backend is up. Bus events only
// queue toggles; a single goroutine starts and stops the monitor so a
// subscriber never blocks the publisher.
type watchdog struct {
	bus     *event.Bus
	logger  *slog.Logger
	toggles chan bool
	token   event.Token

	mu  sync.Mutex
	cfg config.Probe
}

// newWatchdog subscribes right away so a START published before run is
// scheduled still arms the monitor.
func newWatchdog(bus *event.Bus) *watchdog {
	w := &watchdog{
		bus:     bus,
		logger:  slog.With("component", "watchdog"),
		toggles: make(chan bool, 16),
	}
	w.token = bus.Subscribe(w.observe)
	return w
}

// configure takes effect the next time the backend becomes ready.
func (w *watchdog) configure(cfg *config.Config) {
	w.mu.Lock()
	w.cfg = cfg.Probe
	w.mu.Unlock()
}

func (w *watchdog) observe(e event.Event) {
	var on bool
	switch e.Kind {
	case event.KindStart:
		on = true
	case event.KindStop, event.KindExit:
		on = false
	default:
		return
	}
	select {
	case w.toggles <- on:
	default:
		w.logger.Warn("watchdog toggle dropped", "kind", e.Kind)
	}
}

func (w *watchdog) run(ctx context.Context) {
	defer w.bus.Unsubscribe(w.token)

	var mon *health.Monitor
	stop := func() {
		if mon != nil {
			mon.Stop()
			mon = nil
		}
	}
	defer stop()

	for {
		select {
		case <-ctx.Done():
			return
		case on := <-w.toggles:
			stop()
			if !on {
				continue
			}
			mon = w.monitor()
			if mon != nil {
				mon.Start(ctx)
			}
		}
	}
}

func (w *watchdog) monitor() *health.Monitor {
	w.mu.Lock()
	p := w.cfg
	w.mu.Unlock()

	if p.Interval.Duration <= 0 {
		return nil
	}
	prober := health.NewProber(p.URL, p.Timeout.Duration, w.logger)
	return health.NewMonitor(health.Config{
		Interval:           p.Interval.Duration,
		GracePeriod:        p.Interval.Duration,
		UnhealthyThreshold: p.UnhealthyThreshold,
	}, prober, w.logger, func() {
		w.bus.Publish(event.New(event.KindWarning, "backend is not answering at "+p.URL))
	})
}
