// Package logbuf keeps the recent backend console output in memory.
package logbuf

import (
	"bytes"
	"strings"
	"sync"

	"github.com/charmbracelet/x/ansi"
)

// Ring is a thread-safe ring buffer that stores the last N lines of
// backend output. Terminal escape sequences are stripped on the way in,
// since everything the backend prints passes through a pty.
type Ring struct {
	mu    sync.Mutex
	lines []string
	size  int
	pos   int
	full  bool
	// partial holds an incomplete line (no trailing newline yet)
	partial bytes.Buffer
}

// New creates a ring buffer that stores the last n lines.
func New(n int) *Ring {
	if n <= 0 {
		n = 1
	}
	return &Ring{
		lines: make([]string, n),
		size:  n,
	}
}

// Append adds wrapped output. Complete lines are stored; a trailing
// fragment is held until its newline arrives.
func (r *Ring) Append(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.partial.WriteString(text)

	for {
		line, err := r.partial.ReadString('\n')
		if err != nil {
			// No more complete lines, put the partial back
			r.partial.Reset()
			r.partial.WriteString(line)
			break
		}
		r.addLine(clean(line))
	}
}

// Flush stores a pending fragment as a line of its own.
func (r *Ring) Flush() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.partial.Len() == 0 {
		return
	}
	r.addLine(clean(r.partial.String()))
	r.partial.Reset()
}

// Write implements io.Writer so the ring can also capture plain streams,
// such as the output of an update command.
func (r *Ring) Write(p []byte) (int, error) {
	r.Append(string(p))
	return len(p), nil
}

func (r *Ring) addLine(line string) {
	r.lines[r.pos] = line
	r.pos = (r.pos + 1) % r.size
	if r.pos == 0 {
		r.full = true
	}
}

// Lines returns all stored lines in order, oldest first.
func (r *Ring) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.full {
		result := make([]string, r.pos)
		copy(result, r.lines[:r.pos])
		return result
	}

	result := make([]string, r.size)
	copy(result, r.lines[r.pos:])
	copy(result[r.size-r.pos:], r.lines[:r.pos])
	return result
}

// Last returns the last n lines. If fewer lines exist, returns all of them.
func (r *Ring) Last(n int) []string {
	all := r.Lines()
	if n <= 0 || n >= len(all) {
		return all
	}
	return all[len(all)-n:]
}

// Reset drops all stored lines and any pending fragment.
func (r *Ring) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lines = make([]string, r.size)
	r.pos = 0
	r.full = false
	r.partial.Reset()
}

func clean(line string) string {
	line = strings.TrimRight(line, "\r\n")
	return ansi.Strip(line)
}
