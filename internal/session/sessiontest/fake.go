// Package sessiontest provides an in-memory session for exercising the
// supervisor without a shell or a pty.
package sessiontest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"syscall"

	"github.com/comflowy/comfyd/internal/session"
)

// Process is a scripted session. Output is injected with Emit and the exit
// with Exit. By default SIGINT and SIGKILL end it with code 130 and 137.
type Process struct {
	pid    int
	spec   session.Spec
	output chan []byte
	done   chan struct{}

	mu        sync.Mutex
	writes    []string
	signals   []syscall.Signal
	exitCode  int
	exited    bool
	IgnoreINT bool
	onWrite   func(p *Process, text string)
}

func newProcess(pid int, spec session.Spec) *Process {
	return &Process{
		pid:    pid,
		spec:   spec,
		output: make(chan []byte, 256),
		done:   make(chan struct{}),
	}
}

func (p *Process) Pid() int { return p.pid }

// Spec returns what the process was spawned with.
func (p *Process) Spec() session.Spec { return p.spec }

func (p *Process) Write(b []byte) (int, error) {
	p.mu.Lock()
	if p.exited {
		p.mu.Unlock()
		return 0, errors.New("session closed")
	}
	text := string(b)
	p.writes = append(p.writes, text)
	hook := p.onWrite
	p.mu.Unlock()

	if hook != nil {
		hook(p, text)
	}
	return len(b), nil
}

func (p *Process) Signal(sig syscall.Signal) error {
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	ignore := p.IgnoreINT
	p.mu.Unlock()

	switch sig {
	case syscall.SIGINT:
		if !ignore {
			p.Exit(130)
		}
	case syscall.SIGKILL:
		p.Exit(137)
	}
	return nil
}

func (p *Process) Output() <-chan []byte { return p.output }

func (p *Process) Done() <-chan struct{} { return p.done }

func (p *Process) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

// Emit delivers a raw output chunk. It is dropped once the process exited.
func (p *Process) Emit(chunk string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return
	}
	p.output <- []byte(chunk)
}

// Exit ends the process with code. Later calls are ignored.
func (p *Process) Exit(code int) {
	p.mu.Lock()
	if p.exited {
		p.mu.Unlock()
		return
	}
	p.exited = true
	p.exitCode = code
	close(p.output)
	p.mu.Unlock()
	close(p.done)
}

// Writes returns everything written to the session, in order.
func (p *Process) Writes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.writes...)
}

// Input returns all writes concatenated.
func (p *Process) Input() string {
	return strings.Join(p.Writes(), "")
}

// Signals returns the signals delivered so far.
func (p *Process) Signals() []syscall.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]syscall.Signal(nil), p.signals...)
}

// Exited reports whether Exit has been called.
func (p *Process) Exited() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exited
}

// Spawner hands out Processes and remembers them.
type Spawner struct {
	mu      sync.Mutex
	procs   []*Process
	err     error
	ignore  bool
	onWrite func(p *Process, text string)
	spawned chan *Process
}

// NewSpawner returns a Spawner whose processes accept input silently.
func NewSpawner() *Spawner {
	return &Spawner{spawned: make(chan *Process, 64)}
}

// OnWrite installs a hook run for every write to future processes. Use it to
// script backend output in response to the launch line.
func (s *Spawner) OnWrite(fn func(p *Process, text string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onWrite = fn
}

// Fail makes subsequent spawns return err. Pass nil to clear.
func (s *Spawner) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// IgnoreInterrupt makes future processes survive SIGINT.
func (s *Spawner) IgnoreInterrupt(ignore bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ignore = ignore
}

// Spawn implements session.Spawner.
func (s *Spawner) Spawn(ctx context.Context, spec session.Spec) (session.Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.err != nil {
		err := s.err
		s.mu.Unlock()
		return nil, err
	}
	p := newProcess(1000+len(s.procs), spec)
	p.IgnoreINT = s.ignore
	p.onWrite = s.onWrite
	s.procs = append(s.procs, p)
	s.mu.Unlock()

	s.spawned <- p
	return p, nil
}

// Spawned delivers each process as it is created.
func (s *Spawner) Spawned() <-chan *Process {
	return s.spawned
}

// Count returns how many processes were spawned.
func (s *Spawner) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs)
}

// Last returns the most recent process, or nil.
func (s *Spawner) Last() *Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.procs) == 0 {
		return nil
	}
	return s.procs[len(s.procs)-1]
}
