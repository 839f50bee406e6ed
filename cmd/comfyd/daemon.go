package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/comflowy/comfyd/internal/api"
	"github.com/comflowy/comfyd/internal/audit"
	"github.com/comflowy/comfyd/internal/config"
	"github.com/comflowy/comfyd/internal/event"
	"github.com/comflowy/comfyd/internal/stream"
	"github.com/comflowy/comfyd/internal/supervisor"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the comfyd daemon",
	Long:  "Run the backend supervisor and its API. Optionally starts the backend right away (auto_start).",
	RunE:  runDaemon,
}

var apiAddr string

func init() {
	daemonCmd.Flags().StringVar(&apiAddr, "api-addr", "", "Optional TCP address for API (e.g. 127.0.0.1:9190), overrides api_addr")
	rootCmd.AddCommand(daemonCmd)
}

// logLevel is shared by the daemon's handler so reloads can change it.
var logLevel = new(slog.LevelVar)

func setupLogging(cfg *config.Config, w io.Writer) {
	logLevel.Set(parseLevel(cfg.LogLevel))
	opts := &slog.HandlerOptions{Level: logLevel}

	var h slog.Handler
	if cfg.LogFormat == "json" {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	slog.SetDefault(slog.New(h))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	path := configPath()
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	setupLogging(cfg, os.Stderr)

	if err := os.MkdirAll(comfydHome(), 0755); err != nil {
		return fmt.Errorf("creating home dir: %w", err)
	}

	lock := flock.New(lockPath())
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquiring lock: %w", err)
	}
	if !locked {
		return errors.New("daemon already running (lock held by another process)")
	}
	defer func() { _ = lock.Unlock() }()

	slog.Info("comfyd daemon starting", "config", path, "install_dir", cfg.Backend.InstallDir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	journal, err := audit.NewLogger(auditPath())
	if err != nil {
		return err
	}
	defer journal.Close()

	backendLog, err := os.OpenFile(backendLogPath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("opening backend log: %w", err)
	}
	defer backendLog.Close()

	bus := event.NewBus()
	sup := supervisor.New(cfg, bus, supervisor.WithLogSink(stream.NewWriterSink(backendLog, nil)))

	wd := newWatchdog(bus)
	wd.configure(cfg)
	go wd.run(ctx)

	reload := func() error {
		next, err := config.Load(path)
		if err != nil {
			return err
		}
		sup.SetConfig(next)
		wd.configure(next)
		logLevel.Set(parseLevel(next.LogLevel))
		slog.Info("config reloaded", "config", path)
		return nil
	}

	socketPath := defaultSocketPath()
	os.Remove(socketPath)

	srv := api.NewServer(ctx, sup, bus, api.WithJournal(journal), api.WithReload(reload))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenUnix(socketPath)
	}()

	addr := apiAddr
	if addr == "" {
		addr = cfg.APIAddr
	}
	if addr != "" {
		go func() {
			if err := srv.ListenTCP(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("TCP API error", "error", err)
			}
		}()
	}

	go func() {
		if err := watchConfig(ctx, path, reload); err != nil {
			slog.Warn("config watcher stopped", "error", err)
		}
	}()

	if cfg.AutoStart {
		go func() {
			err := sup.Start(ctx, false)
			journal.Log(audit.Entry{Action: audit.ActionStart, Actor: "daemon", Attempt: sup.Status().Attempt, Error: errString(err)})
			if err != nil {
				slog.Error("auto start failed", "error", err)
			}
		}()
	}

	slog.Info("comfyd daemon ready", "socket", socketPath)

	select {
	case sig := <-sigCh:
		slog.Info("received signal, shutting down", "signal", sig)
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server error", "error", err)
		}
	}

	cancel()

	shutdownCtx, done := context.WithTimeout(context.Background(), cfg.StopTimeout.Duration+5*time.Second)
	defer done()
	if err := sup.Close(shutdownCtx); err != nil {
		slog.Warn("backend did not stop cleanly", "error", err)
	}
	srv.Shutdown(shutdownCtx)
	os.Remove(socketPath)

	slog.Info("comfyd daemon stopped")
	return nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
