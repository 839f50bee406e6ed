package session

import (
	"context"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"testing"
	"time"
)

func spawnShell(t *testing.T, env map[string]string) Process {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
	p, err := Spawn(context.Background(), Spec{
		Shell: "/bin/sh",
		Dir:   t.TempDir(),
		Env:   env,
		Cols:  80,
		Rows:  30,
	})
	if err != nil {
		t.Skipf("pty unavailable: %v", err)
	}
	return p
}

// collect drains output until the session is done or the deadline passes.
func collect(t *testing.T, p Process, timeout time.Duration) string {
	t.Helper()
	var sb strings.Builder
	deadline := time.After(timeout)
	for {
		select {
		case chunk, ok := <-p.Output():
			if !ok {
				select {
				case <-p.Done():
				case <-deadline:
					t.Fatal("session did not finish")
				}
				return sb.String()
			}
			sb.Write(chunk)
		case <-deadline:
			t.Fatalf("timed out waiting for session, output so far: %q", sb.String())
		}
	}
}

func TestSpawnWriteAndExit(t *testing.T) {
	p := spawnShell(t, map[string]string{"PATH": "/usr/bin:/bin"})

	if p.Pid() <= 0 {
		t.Errorf("expected positive pid, got %d", p.Pid())
	}

	if _, err := p.Write([]byte("echo comfy-$((20+1)); exit 3\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	out := collect(t, p, 10*time.Second)
	if !strings.Contains(out, "comfy-21") {
		t.Errorf("expected command output in %q", out)
	}
	if code := p.ExitCode(); code != 3 {
		t.Errorf("expected exit code 3, got %d", code)
	}
}

func TestSpawnPassesEnvironment(t *testing.T) {
	p := spawnShell(t, map[string]string{"PATH": "/usr/bin:/bin", "COMFYD_TEST": "marker-value"})

	p.Write([]byte("echo \"$COMFYD_TEST\"; exit 0\n"))

	out := collect(t, p, 10*time.Second)
	if !strings.Contains(out, "marker-value") {
		t.Errorf("expected env value in output %q", out)
	}
}

func TestSignalTerminatesGroup(t *testing.T) {
	p := spawnShell(t, map[string]string{"PATH": "/usr/bin:/bin"})

	p.Write([]byte("exec sleep 60\n"))
	time.Sleep(200 * time.Millisecond)

	if err := p.Signal(syscall.SIGKILL); err != nil {
		t.Fatalf("signal: %v", err)
	}

	collect(t, p, 10*time.Second)
	if code := p.ExitCode(); code == 0 {
		t.Errorf("expected non-zero exit after SIGKILL, got %d", code)
	}
}

func TestInterruptReachesForegroundJob(t *testing.T) {
	bash, err := exec.LookPath("bash")
	if err != nil {
		t.Skip("bash not available")
	}
	proc, err := Spawn(context.Background(), Spec{
		Shell: bash,
		Args:  []string{"--norc", "--noprofile", "-i"},
		Dir:   t.TempDir(),
		Env:   map[string]string{"PATH": "/usr/bin:/bin"},
		Cols:  80,
		Rows:  30,
	})
	if err != nil {
		t.Skipf("pty unavailable: %v", err)
	}
	h := proc.(*Handle)

	// The same shape as a reinstall launch: a job, then the exec'd backend.
	h.Write([]byte("sleep 30; exec sleep 30\r"))

	deadline := time.Now().Add(5 * time.Second)
	for {
		fg, _ := h.foreground()
		if fg > 0 && fg != h.Pid() {
			break
		}
		if time.Now().After(deadline) {
			h.Signal(syscall.SIGKILL)
			t.Fatal("shell never started a foreground job")
		}
		time.Sleep(20 * time.Millisecond)
	}

	start := time.Now()
	if err := h.Signal(syscall.SIGINT); err != nil {
		t.Fatalf("signal: %v", err)
	}
	collect(t, h, 5*time.Second)
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("session took %v to end after SIGINT", elapsed)
	}
}

func TestWriteAfterExit(t *testing.T) {
	p := spawnShell(t, map[string]string{"PATH": "/usr/bin:/bin"})

	p.Write([]byte("exit 0\n"))
	collect(t, p, 10*time.Second)

	if _, err := p.Write([]byte("echo late\n")); err == nil {
		t.Error("expected write after exit to fail")
	}
	if err := p.Signal(syscall.SIGINT); err != nil {
		t.Errorf("signal after exit should be a no-op, got %v", err)
	}
}

func TestSpawnMissingShell(t *testing.T) {
	_, err := Spawn(context.Background(), Spec{Shell: "/nonexistent/shell"})
	if err == nil {
		t.Fatal("expected spawn error")
	}
}

func TestSpawnNoShell(t *testing.T) {
	if _, err := Spawn(context.Background(), Spec{}); err == nil {
		t.Fatal("expected error for empty shell")
	}
}

func TestSpawnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Spawn(ctx, Spec{Shell: "/bin/sh"}); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}
