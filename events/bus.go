// Package events models the closed event taxonomy as a tagged sum and
// provides pluggable sinks, per spec.md §9's design note: "model events as
// a tagged sum over the closed kind set... keep [sinks] behind a thin
// interface so alternative sinks ... are swappable." The in-memory,
// append-and-filter shape is grounded on the teacher's
// control_plane/timeline/store.go, generalized from a flat struct to a
// kind-tagged variant and from a single fixed store to an interface with
// three implementations.
package events

import (
	"time"

	"github.com/beadforge/mafcore/store"
)

// Event is the in-process representation of a published event, mirroring
// store.Event but without the persistence-only ID field.
type Event struct {
	TaskID    string
	Timestamp time.Time
	Kind      store.EventKind
	Severity  store.Severity
	Fields    map[string]interface{} // typed per variant at the call site; serialized to JSON only at the sink boundary
}

// Bus is the pluggable publication point. Implementations must not block
// the caller for long; a slow external sink should buffer or drop rather
// than stall the scheduler.
type Bus interface {
	Publish(e Event)
}

// MultiBus fans a single publish out to every configured sink.
type MultiBus struct {
	Sinks []Bus
}

func (m MultiBus) Publish(e Event) {
	for _, s := range m.Sinks {
		s.Publish(e)
	}
}

// New constructs an Event with Timestamp defaulted to now and Severity
// defaulted per kind's typical urgency.
func New(taskID string, kind store.EventKind, fields map[string]interface{}) Event {
	return Event{
		TaskID:    taskID,
		Timestamp: time.Now(),
		Kind:      kind,
		Severity:  severityFor(kind),
		Fields:    fields,
	}
}

func severityFor(kind store.EventKind) store.Severity {
	switch kind {
	case store.EventLeaseLost, store.EventTaskFailed, store.EventDropped:
		return store.SeverityError
	case store.EventThrottled, store.EventQueueFull, store.EventProviderHealthDegrading,
		store.EventRateLimitApproaching, store.EventPredictiveHealthAlert, store.EventPriorityDropped:
		return store.SeverityWarning
	case store.EventQueueUtilizationSpike:
		return store.SeverityCritical
	default:
		return store.SeverityInfo
	}
}
