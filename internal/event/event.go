// Package event carries backend lifecycle and I/O events from the
// supervisor to any number of observers (UI state, log sinks, API streams,
// and the supervisor's own readiness wait).
package event

import (
	"fmt"
	"time"
)

// Kind identifies what an Event reports.
type Kind string

const (
	KindInput         Kind = "INPUT"
	KindOutput        Kind = "OUTPUT"
	KindOutputWrapped Kind = "OUTPUT_WRAPPED"
	KindStart         Kind = "START"
	KindRestart       Kind = "RESTART"
	KindStop          Kind = "STOP"
	KindExit          Kind = "EXIT"
	KindInfo          Kind = "INFO"
	KindWarning       Kind = "WARNING"
	KindError         Kind = "ERROR"
	KindTimeout       Kind = "TIMEOUT"
)

// Event is a single broadcast. Events are never persisted by the bus.
type Event struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message,omitempty"`
	// Attempt is the start attempt whose session produced the event.
	Attempt  string    `json:"attempt,omitempty"`
	ExitCode int       `json:"exit_code,omitempty"`
	Time     time.Time `json:"time"`
}

// New builds an event stamped with the current time.
func New(kind Kind, message string) Event {
	return Event{Kind: kind, Message: message, Time: time.Now()}
}

// Exit builds an EXIT event for the given exit code.
func Exit(attempt string, code int) Event {
	return Event{
		Kind:     KindExit,
		Message:  fmt.Sprintf("backend exited: %d", code),
		Attempt:  attempt,
		ExitCode: code,
		Time:     time.Now(),
	}
}

// IsOutput reports whether the event carries process output.
func (e Event) IsOutput() bool {
	return e.Kind == KindOutput || e.Kind == KindOutputWrapped
}
