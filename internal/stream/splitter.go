// Package stream turns the raw output of a backend session into events.
//
// Every chunk read from the pty is republished untouched as an OUTPUT
// event. Chunks are also accumulated, and once the accumulated text holds a
// newline, everything up to the last newline is flushed as a single
// OUTPUT_WRAPPED event. A chunk carrying several newlines still produces one
// wrapped event: wrapped events are flush units, not individual lines.
package stream

import (
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/comflowy/comfyd/internal/event"
)

// Sink receives each wrapped flush, in order.
type Sink interface {
	Append(text string)
}

// WriterSink appends wrapped text to an io.Writer, such as a log file.
// Only the first write error is logged; later ones are counted.
type WriterSink struct {
	w      io.Writer
	logger *slog.Logger
	failed atomic.Int64
}

// NewWriterSink wraps w. A nil logger means slog.Default.
func NewWriterSink(w io.Writer, logger *slog.Logger) *WriterSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &WriterSink{w: w, logger: logger.With("component", "output-sink")}
}

func (s *WriterSink) Append(text string) {
	if _, err := io.WriteString(s.w, text); err != nil {
		if s.failed.Add(1) == 1 {
			s.logger.Warn("writing backend output failed, further errors suppressed", "error", err)
		}
	}
}

// Failures returns how many appends failed.
func (s *WriterSink) Failures() int64 {
	return s.failed.Load()
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(text string)

func (f SinkFunc) Append(text string) { f(text) }

// Splitter is scoped to one session. It is safe for concurrent use, but
// chunks are expected from a single reader goroutine in arrival order.
type Splitter struct {
	publish func(event.Event)
	attempt string
	sinks   []Sink

	mu  sync.Mutex
	buf strings.Builder
}

// NewSplitter creates a splitter that tags its events with attempt.
// Nil sinks are ignored.
func NewSplitter(publish func(event.Event), attempt string, sinks ...Sink) *Splitter {
	s := &Splitter{publish: publish, attempt: attempt}
	for _, sink := range sinks {
		if sink != nil {
			s.sinks = append(s.sinks, sink)
		}
	}
	return s
}

// Feed consumes one raw chunk.
func (s *Splitter) Feed(chunk string) {
	s.emit(event.KindOutput, chunk)

	s.mu.Lock()
	s.buf.WriteString(chunk)
	acc := s.buf.String()
	idx := strings.LastIndexByte(acc, '\n')
	if idx < 0 {
		s.mu.Unlock()
		return
	}
	wrapped := acc[:idx+1]
	s.buf.Reset()
	s.buf.WriteString(acc[idx+1:])
	s.mu.Unlock()

	s.wrap(wrapped)
}

// Flush emits whatever is still buffered as a final wrapped event. Called
// when the session ends so an unterminated last line is not lost.
func (s *Splitter) Flush() {
	s.mu.Lock()
	rest := s.buf.String()
	s.buf.Reset()
	s.mu.Unlock()

	if rest != "" {
		s.wrap(rest)
	}
}

// Pending returns the buffered text not yet flushed.
func (s *Splitter) Pending() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

func (s *Splitter) wrap(text string) {
	for _, sink := range s.sinks {
		sink.Append(text)
	}
	s.emit(event.KindOutputWrapped, text)
}

func (s *Splitter) emit(kind event.Kind, msg string) {
	if s.publish == nil {
		return
	}
	e := event.New(kind, msg)
	e.Attempt = s.attempt
	s.publish(e)
}
