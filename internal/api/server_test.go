package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/comflowy/comfyd/internal/audit"
	"github.com/comflowy/comfyd/internal/config"
	"github.com/comflowy/comfyd/internal/event"
	"github.com/comflowy/comfyd/internal/readiness"
	"github.com/comflowy/comfyd/internal/session/sessiontest"
	"github.com/comflowy/comfyd/internal/supervisor"
)

type testEnv struct {
	srv     *Server
	client  *http.Client
	sup     *supervisor.Supervisor
	bus     *event.Bus
	spawn   *sessiontest.Spawner
	journal *audit.Logger
}

func setupTestServer(t *testing.T, supOpts []supervisor.Option, opts ...Option) *testEnv {
	t.Helper()

	cfg := config.Default()
	cfg.Backend.InstallDir = t.TempDir()
	cfg.Backend.Shell = "/bin/sh"

	bus := event.NewBus()
	sp := sessiontest.NewSpawner()
	sp.OnWrite(func(p *sessiontest.Process, text string) {
		if strings.Contains(text, "main.py") {
			p.Emit(readiness.DefaultMarker + "\n")
		}
	})
	supOpts = append([]supervisor.Option{
		supervisor.WithSpawner(sp.Spawn),
		supervisor.WithStopTimeout(200 * time.Millisecond),
	}, supOpts...)
	sup := supervisor.New(cfg, bus, supOpts...)

	journal, err := audit.NewLogger(filepath.Join(t.TempDir(), "audit.log"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { journal.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	opts = append([]Option{WithJournal(journal), WithLimiter(rate.NewLimiter(rate.Inf, 0))}, opts...)
	srv := NewServer(ctx, sup, bus, opts...)

	sockPath := filepath.Join(t.TempDir(), "test.sock")
	go srv.ListenUnix(sockPath)
	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		sup.Close(context.Background())
	})

	for i := 0; i < 50; i++ {
		if c, err := net.Dial("unix", sockPath); err == nil {
			c.Close()
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				return net.Dial("unix", sockPath)
			},
		},
	}

	return &testEnv{srv: srv, client: client, sup: sup, bus: bus, spawn: sp, journal: journal}
}

func (e *testEnv) post(t *testing.T, path, body string) *http.Response {
	t.Helper()
	resp, err := e.client.Post("http://comfyd"+path, "text/plain", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *testEnv) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := e.client.Get("http://comfyd" + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return v
}

func TestHealthEndpoint(t *testing.T) {
	env := setupTestServer(t, nil)

	resp := env.get(t, "/v1/health")
	if resp.StatusCode != 200 {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
	if result := decode[map[string]string](t, resp); result["status"] != "ok" {
		t.Errorf("expected status ok, got %q", result["status"])
	}
}

func TestStartStopLifecycle(t *testing.T) {
	env := setupTestServer(t, nil)

	resp := env.post(t, "/v1/start", "")
	if resp.StatusCode != 200 {
		t.Fatalf("start: expected 200, got %d", resp.StatusCode)
	}
	st := decode[supervisor.Status](t, resp)
	if st.State != supervisor.StateRunning || !st.Running {
		t.Errorf("expected running, got %+v", st)
	}

	st = decode[supervisor.Status](t, env.get(t, "/v1/status"))
	if st.PID == 0 || st.Attempt == "" {
		t.Errorf("expected pid and attempt in status, got %+v", st)
	}

	resp = env.post(t, "/v1/stop", "")
	if resp.StatusCode != 200 {
		t.Fatalf("stop: expected 200, got %d", resp.StatusCode)
	}
	if env.sup.Running() {
		t.Error("expected stopped")
	}

	entries, _ := env.journal.Recent(0)
	if len(entries) != 2 || entries[0].Action != audit.ActionStart || entries[1].Action != audit.ActionStop {
		t.Errorf("unexpected journal %+v", entries)
	}
	if entries[0].Attempt != st.Attempt || entries[0].Actor != "api" {
		t.Errorf("expected journal to carry attempt and actor, got %+v", entries[0])
	}
}

func TestStartReinstall(t *testing.T) {
	env := setupTestServer(t, nil)

	resp := env.post(t, "/v1/start?reinstall=true", "")
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if !strings.Contains(env.spawn.Last().Input(), "pip3 install") {
		t.Errorf("expected reinstall in launch line, got %q", env.spawn.Last().Input())
	}

	resp = env.post(t, "/v1/start?reinstall=maybe", "")
	if resp.StatusCode != 400 {
		t.Errorf("expected 400 for bad flag, got %d", resp.StatusCode)
	}
}

func TestStartTimeoutMapsTo504(t *testing.T) {
	env := setupTestServer(t, []supervisor.Option{
		supervisor.WithStartTimeout(50 * time.Millisecond),
		supervisor.WithDetector(readiness.Marker("never printed")),
	})

	resp := env.post(t, "/v1/start", "")
	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Errorf("expected 504, got %d", resp.StatusCode)
	}
	result := decode[map[string]string](t, resp)
	if !strings.Contains(result["error"], "timed out") {
		t.Errorf("expected timeout error, got %q", result["error"])
	}

	entries, _ := env.journal.Recent(1)
	if len(entries) != 1 || entries[0].Error == "" {
		t.Errorf("expected failed start in journal, got %+v", entries)
	}
}

func TestSpawnFailureMapsTo500(t *testing.T) {
	env := setupTestServer(t, nil)
	env.spawn.Fail(errors.New("no pty"))

	resp := env.post(t, "/v1/start", "")
	if resp.StatusCode != 500 {
		t.Errorf("expected 500, got %d", resp.StatusCode)
	}
}

func TestRestartAndUpdate(t *testing.T) {
	var updated bool
	env := setupTestServer(t, []supervisor.Option{
		supervisor.WithUpdater(supervisor.UpdaterFunc(func(ctx context.Context, dir string, out func(string)) error {
			updated = true
			return nil
		})),
	})

	if resp := env.post(t, "/v1/restart", ""); resp.StatusCode != 200 {
		t.Fatalf("restart: expected 200, got %d", resp.StatusCode)
	}
	if resp := env.post(t, "/v1/update", ""); resp.StatusCode != 200 {
		t.Fatalf("update: expected 200, got %d", resp.StatusCode)
	}
	if !updated {
		t.Error("expected updater to run")
	}
	if n := env.spawn.Count(); n != 2 {
		t.Errorf("expected 2 spawns, got %d", n)
	}
}

func TestUpdateFailureMapsTo500(t *testing.T) {
	env := setupTestServer(t, []supervisor.Option{
		supervisor.WithUpdater(supervisor.UpdaterFunc(func(ctx context.Context, dir string, out func(string)) error {
			return errors.New("not a git repository")
		})),
	})

	resp := env.post(t, "/v1/update", "")
	if resp.StatusCode != 500 {
		t.Errorf("expected 500, got %d", resp.StatusCode)
	}
}

func TestBusyMapsTo409(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	env := setupTestServer(t, []supervisor.Option{
		supervisor.WithUpdater(supervisor.UpdaterFunc(func(ctx context.Context, dir string, out func(string)) error {
			close(entered)
			<-release
			return errors.New("aborted")
		})),
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		resp, err := env.client.Post("http://comfyd/v1/update", "text/plain", nil)
		if err == nil {
			resp.Body.Close()
		}
	}()
	<-entered

	resp := env.post(t, "/v1/restart", "")
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("expected 409, got %d", resp.StatusCode)
	}

	close(release)
	<-done
}

func TestRateLimit(t *testing.T) {
	env := setupTestServer(t, nil, WithLimiter(rate.NewLimiter(rate.Every(time.Hour), 1)))

	if resp := env.post(t, "/v1/stop", ""); resp.StatusCode != 200 {
		t.Fatalf("first request: expected 200, got %d", resp.StatusCode)
	}
	resp := env.post(t, "/v1/stop", "")
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}

	// Read-only endpoints are not limited.
	if resp := env.get(t, "/v1/status"); resp.StatusCode != 200 {
		t.Errorf("status: expected 200, got %d", resp.StatusCode)
	}
}

func TestInput(t *testing.T) {
	env := setupTestServer(t, nil)

	// Without a session input is dropped silently.
	if resp := env.post(t, "/v1/input", "y\r"); resp.StatusCode != 200 {
		t.Fatalf("expected 200 without session, got %d", resp.StatusCode)
	}

	env.post(t, "/v1/start", "")
	resp := env.post(t, "/v1/input", "y\r")
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if got := decode[map[string]int](t, resp); got["written"] != 2 {
		t.Errorf("expected 2 bytes written, got %v", got)
	}
	writes := env.spawn.Last().Writes()
	if writes[len(writes)-1] != "y\r" {
		t.Errorf("expected input forwarded, got %q", writes)
	}

	if resp := env.post(t, "/v1/input", ""); resp.StatusCode != 400 {
		t.Errorf("expected 400 for empty input, got %d", resp.StatusCode)
	}
	big := strings.Repeat("x", maxInputBytes+1)
	if resp := env.post(t, "/v1/input", big); resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413, got %d", resp.StatusCode)
	}
}

func TestLogs(t *testing.T) {
	env := setupTestServer(t, nil)
	env.post(t, "/v1/start", "")

	resp := env.get(t, "/v1/logs?n=10")
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	got := decode[map[string][]string](t, resp)
	if len(got["lines"]) != 1 || got["lines"][0] != readiness.DefaultMarker {
		t.Errorf("unexpected lines %q", got["lines"])
	}

	prev := decode[map[string][]string](t, env.get(t, "/v1/logs?previous=true"))
	if prev["lines"] == nil || len(prev["lines"]) != 0 {
		t.Errorf("expected empty previous logs, got %q", prev["lines"])
	}

	if resp := env.get(t, "/v1/logs?n=abc"); resp.StatusCode != 400 {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
}

func TestJournalEndpoint(t *testing.T) {
	env := setupTestServer(t, nil)
	env.post(t, "/v1/stop", "")
	env.post(t, "/v1/stop", "")

	entries := decode[[]audit.Entry](t, env.get(t, "/v1/journal?n=1"))
	if len(entries) != 1 || entries[0].Action != audit.ActionStop {
		t.Errorf("unexpected entries %+v", entries)
	}
}

func TestAlive(t *testing.T) {
	env := setupTestServer(t, nil)
	cfg := env.sup.Config()
	cfg.Probe.URL = "http://127.0.0.1:1"
	cfg.Probe.Timeout = config.Duration{Duration: 100 * time.Millisecond}

	got := decode[map[string]bool](t, env.get(t, "/v1/alive"))
	if got["alive"] {
		t.Error("expected not alive")
	}
}

func TestReload(t *testing.T) {
	env := setupTestServer(t, nil)
	if resp := env.post(t, "/v1/reload", ""); resp.StatusCode != http.StatusNotImplemented {
		t.Errorf("expected 501 without reload hook, got %d", resp.StatusCode)
	}

	calls := 0
	env = setupTestServer(t, nil, WithReload(func() error {
		calls++
		if calls > 1 {
			return fmt.Errorf("validating config: bad")
		}
		return nil
	}))
	if resp := env.post(t, "/v1/reload", ""); resp.StatusCode != 200 {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
	if resp := env.post(t, "/v1/reload", ""); resp.StatusCode != 400 {
		t.Errorf("expected 400 for invalid config, got %d", resp.StatusCode)
	}
}

func TestEventStream(t *testing.T) {
	env := setupTestServer(t, nil)
	base := env.bus.Len()

	ctx, cancel := context.WithCancel(context.Background())
	req, _ := http.NewRequestWithContext(ctx, "GET", "http://comfyd/v1/events?output=false", nil)
	resp, err := env.client.Do(req)
	if err != nil {
		t.Fatalf("GET /v1/events: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "application/x-ndjson" {
		t.Errorf("unexpected content type %q", ct)
	}

	if n := env.bus.Len(); n != base+1 {
		t.Errorf("expected stream to subscribe, have %d subscribers", n)
	}

	go env.sup.Start(context.Background(), false)

	sc := bufio.NewScanner(resp.Body)
	var got event.Event
	for sc.Scan() {
		var e event.Event
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("bad event line %q: %v", sc.Text(), err)
		}
		if e.IsOutput() {
			t.Errorf("output events should be filtered, got %+v", e)
		}
		if e.Kind == event.KindStart {
			got = e
			break
		}
	}
	if got.Kind != event.KindStart || got.Attempt == "" {
		t.Errorf("expected START event with attempt, got %+v", got)
	}

	cancel()
	deadline := time.Now().Add(2 * time.Second)
	for env.bus.Len() != base && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := env.bus.Len(); n != base {
		t.Errorf("stream subscription not removed on disconnect: %d subscribers, want %d", n, base)
	}
}

func TestEventStreamKindsFilter(t *testing.T) {
	env := setupTestServer(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, "GET", "http://comfyd/v1/events?kinds=exit", nil)
	resp, err := env.client.Do(req)
	if err != nil {
		t.Fatalf("GET /v1/events: %v", err)
	}
	defer resp.Body.Close()

	env.post(t, "/v1/start", "")
	env.spawn.Last().Exit(3)

	sc := bufio.NewScanner(resp.Body)
	if !sc.Scan() {
		t.Fatal("expected an event")
	}
	var e event.Event
	json.Unmarshal(sc.Bytes(), &e)
	if e.Kind != event.KindExit || e.ExitCode != 3 {
		t.Errorf("expected only EXIT events, got %+v", e)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{supervisor.ErrBusy, 409},
		{fmt.Errorf("restarting backend: %w", supervisor.ErrStartTimeout), 504},
		{supervisor.ErrSessionExited, 502},
		{supervisor.ErrSpawn, 500},
		{supervisor.ErrUpdate, 500},
		{context.Canceled, 503},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
