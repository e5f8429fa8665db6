package events

import (
	"sync"

	"github.com/rs/zerolog"
)

// StdoutSink logs every event through zerolog, the ambient logging choice
// carried into this module (the teacher logs via bare "log"; the rest of
// the retrieved pack favors zerolog for structured output).
type StdoutSink struct {
	Log zerolog.Logger
}

func (s StdoutSink) Publish(e Event) {
	ev := s.Log.Info()
	switch e.Severity {
	case "warning":
		ev = s.Log.Warn()
	case "error":
		ev = s.Log.Error()
	case "critical":
		ev = s.Log.Error()
	}
	ev.Str("task_id", e.TaskID).
		Str("kind", string(e.Kind)).
		Str("severity", string(e.Severity)).
		Time("ts", e.Timestamp).
		Interface("fields", e.Fields).
		Msg("event")
}

// SpyBus is an in-memory sink for tests: it records every event it sees
// and lets assertions filter by task or kind.
type SpyBus struct {
	mu     sync.Mutex
	events []Event
}

// NewSpyBus builds an empty recorder.
func NewSpyBus() *SpyBus { return &SpyBus{} }

func (s *SpyBus) Publish(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

// All returns a copy of every event recorded so far, in publish order.
func (s *SpyBus) All() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// ForTask returns every recorded event for taskID, in publish order.
func (s *SpyBus) ForTask(taskID string) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, e := range s.events {
		if e.TaskID == taskID {
			out = append(out, e)
		}
	}
	return out
}

// Reset clears the recording.
func (s *SpyBus) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = nil
}
