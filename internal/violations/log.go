// Package violations holds the sinks that consume admitted violation events:
// the per-session log, fan-out, live broadcast, persistence and publishing.
package violations

import (
	"sync"

	"github.com/proctorwatch/proctor-server/internal/logger"
	"github.com/proctorwatch/proctor-server/internal/proctor"
)

const (
	// DefaultMaxViolations is how many violations a session may accumulate;
	// the next one terminates it.
	DefaultMaxViolations = 5
	// RecentSize is the length of the recent-violations view.
	RecentSize = 5
)

var log = logger.For("Violations")

// Log is the in-memory violation history of one session. It terminates the
// session through onTerminate once more than max violations are logged.
type Log struct {
	mu          sync.RWMutex
	events      []proctor.ViolationEvent
	max         int
	onTerminate func(count int)
	terminated  bool
}

// NewLog creates a log. max <= 0 disables auto-termination. onTerminate runs
// on its own goroutine, so it may call Session.Cleanup.
func NewLog(max int, onTerminate func(count int)) *Log {
	return &Log{max: max, onTerminate: onTerminate}
}

// OnViolation implements proctor.Sink.
func (l *Log) OnViolation(event proctor.ViolationEvent) {
	event.Frame = nil

	l.mu.Lock()
	l.events = append(l.events, event)
	count := len(l.events)
	fire := l.max > 0 && count > l.max && !l.terminated
	if fire {
		l.terminated = true
	}
	l.mu.Unlock()

	if fire {
		log.Warn("Session %s reached %d violations, terminating", event.SessionID, count)
		if l.onTerminate != nil {
			go l.onTerminate(count)
		}
	}
}

// History returns every logged violation in emission order.
func (l *Log) History() []proctor.ViolationEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]proctor.ViolationEvent, len(l.events))
	copy(out, l.events)
	return out
}

// Recent returns up to RecentSize of the newest violations, oldest first.
func (l *Log) Recent() []proctor.ViolationEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()
	start := len(l.events) - RecentSize
	if start < 0 {
		start = 0
	}
	out := make([]proctor.ViolationEvent, len(l.events)-start)
	copy(out, l.events[start:])
	return out
}

// Count returns the number of logged violations.
func (l *Log) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

// Terminated reports whether the violation limit was exceeded.
func (l *Log) Terminated() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.terminated
}

// Multi fans an event out to several sinks in order.
type Multi []proctor.Sink

// OnViolation implements proctor.Sink.
func (m Multi) OnViolation(event proctor.ViolationEvent) {
	for _, s := range m {
		if s != nil {
			s.OnViolation(event)
		}
	}
}
