// Package session owns the backend's interactive shell: one process running
// inside a pseudo-terminal, with its raw output and exit exposed as channels.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"

	"github.com/comflowy/comfyd/internal/launch"
)

// drainTimeout bounds how long Done waits for the pty to hit EOF after the
// shell exits. A grandchild that keeps the slave open must not hold the
// exit notification back forever.
const drainTimeout = 2 * time.Second

// Spec describes the shell to spawn.
type Spec struct {
	Shell string
	Args  []string
	Dir   string
	Env   map[string]string
	Cols  int
	Rows  int
}

// Process is a live session as seen by the supervisor.
type Process interface {
	// Pid returns the shell's process id (also its process group id).
	Pid() int

	// Write sends input to the session's terminal.
	Write(p []byte) (int, error)

	// Signal delivers sig to the terminal's foreground job and the shell.
	Signal(sig syscall.Signal) error

	// Output yields raw output chunks in arrival order. It is closed once
	// the terminal reaches EOF. It must be drained: Done waits for it.
	Output() <-chan []byte

	// Done is closed after the process has exited and Output is closed.
	Done() <-chan struct{}

	// ExitCode is valid once Done is closed. -1 means killed by a signal.
	ExitCode() int
}

// Spawner creates sessions. Spawn is the pty-backed implementation.
type Spawner func(ctx context.Context, spec Spec) (Process, error)

// Handle is a pty-backed Process.
type Handle struct {
	cmd    *exec.Cmd
	tty    *os.File
	output chan []byte
	done   chan struct{}
	logger *slog.Logger

	mu       sync.Mutex
	exitCode int
}

// Spawn starts spec.Shell in a new session with the pty as its controlling
// terminal. ctx only bounds the spawn itself: the session outlives it.
func Spawn(ctx context.Context, spec Spec) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if spec.Shell == "" {
		return nil, errors.New("no shell configured")
	}

	cmd := exec.Command(spec.Shell, spec.Args...)
	cmd.Env = launch.Environ(spec.Env)
	if spec.Dir != "" {
		cmd.Dir = spec.Dir
	}

	size := &pty.Winsize{Cols: uint16(spec.Cols), Rows: uint16(spec.Rows)}
	if size.Cols == 0 || size.Rows == 0 {
		size = nil
	}

	// pty.StartWithSize sets Setsid and Setctty, so the shell leads its own
	// session. With job control on, each command it runs gets a process
	// group of its own; see Signal.
	tty, err := pty.StartWithSize(cmd, size)
	if err != nil {
		return nil, fmt.Errorf("starting %s in pty: %w", spec.Shell, err)
	}

	h := &Handle{
		cmd:    cmd,
		tty:    tty,
		output: make(chan []byte, 64),
		done:   make(chan struct{}),
		logger: slog.With("component", "session", "pid", cmd.Process.Pid),
	}

	drained := make(chan struct{})
	go h.read(drained)
	go h.wait(drained)

	h.logger.Info("session started", "shell", spec.Shell, "dir", spec.Dir)
	return h, nil
}

func (h *Handle) Pid() int {
	return h.cmd.Process.Pid
}

func (h *Handle) Write(p []byte) (int, error) {
	select {
	case <-h.done:
		return 0, os.ErrClosed
	default:
	}
	return h.tty.Write(p)
}

// Signal delivers sig to the terminal's foreground process group and to
// the shell's group. While the shell runs a foreground job (before the
// backend is exec'd, e.g. a dependency install) the job sits in its own
// group and an interactive shell ignores SIGINT, so an interrupt to -pid
// alone reaches nobody. An interrupted job only returns the shell to its
// prompt, so for SIGINT and SIGTERM the shell is also sent SIGHUP: a
// session lives for one launch line.
func (h *Handle) Signal(sig syscall.Signal) error {
	select {
	case <-h.done:
		return nil
	default:
	}

	pid := h.cmd.Process.Pid
	fg, err := h.foreground()
	if err != nil {
		h.logger.Debug("reading foreground group", "error", err)
	}
	if fg > 0 && fg != pid {
		if err := unix.Kill(-fg, sig); err != nil && !errors.Is(err, unix.ESRCH) {
			h.logger.Warn("signalling foreground job", "pgid", fg, "signal", sig, "error", err)
		}
		if sig == syscall.SIGINT || sig == syscall.SIGTERM {
			sig = syscall.SIGHUP
		}
	}

	if err := unix.Kill(-pid, sig); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return nil
		}
		// Fall back to the shell alone if the group is gone or not ours.
		if err := h.cmd.Process.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return fmt.Errorf("signalling pid %d: %w", pid, err)
		}
	}
	return nil
}

// foreground returns the terminal's foreground process group. The fd is
// borrowed through SyscallConn so the master stays in non-blocking mode.
func (h *Handle) foreground() (int, error) {
	rc, err := h.tty.SyscallConn()
	if err != nil {
		return 0, err
	}
	var pgid int
	var ioctlErr error
	if err := rc.Control(func(fd uintptr) {
		pgid, ioctlErr = unix.IoctlGetInt(int(fd), unix.TIOCGPGRP)
	}); err != nil {
		return 0, err
	}
	return pgid, ioctlErr
}

func (h *Handle) Output() <-chan []byte {
	return h.output
}

func (h *Handle) Done() <-chan struct{} {
	return h.done
}

func (h *Handle) ExitCode() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode
}

// read copies terminal output into the output channel until EOF. On Linux
// the master returns EIO once the slave side closes; that is the normal end.
func (h *Handle) read(drained chan<- struct{}) {
	defer close(drained)
	defer close(h.output)

	buf := make([]byte, 4096)
	for {
		n, err := h.tty.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			h.output <- chunk
		}
		if err != nil {
			return
		}
	}
}

func (h *Handle) wait(drained <-chan struct{}) {
	err := h.cmd.Wait()

	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}

	select {
	case <-drained:
	case <-time.After(drainTimeout):
		h.logger.Warn("pty still open after exit, closing")
	}
	h.tty.Close()
	<-drained

	h.mu.Lock()
	h.exitCode = code
	h.mu.Unlock()

	h.logger.Info("session exited", "exit_code", code)
	close(h.done)
}
