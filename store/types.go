package store

import "time"

// TaskState is the task lifecycle position, per the state machine in
// spec.md §4.5.
type TaskState string

const (
	TaskPending   TaskState = "PENDING"
	TaskReady     TaskState = "READY"
	TaskReserved  TaskState = "RESERVED"
	TaskRunning   TaskState = "RUNNING"
	TaskCompleted TaskState = "COMPLETED"
	TaskFailed    TaskState = "FAILED"
	TaskBlocked   TaskState = "BLOCKED"
)

// DependencyKind distinguishes edges that gate execution from advisory
// ones.
type DependencyKind string

const (
	DependencyHard DependencyKind = "hard"
	DependencySoft DependencyKind = "soft"
)

// HeartbeatStatus is the liveness status an agent self-reports.
type HeartbeatStatus string

const (
	HeartbeatIdle    HeartbeatStatus = "idle"
	HeartbeatWorking HeartbeatStatus = "working"
	HeartbeatBlocked HeartbeatStatus = "blocked"
)

// ReservationStatus is the lifecycle of a file reservation row.
type ReservationStatus string

const (
	ReservationActive   ReservationStatus = "active"
	ReservationReleased ReservationStatus = "released"
	ReservationExpired  ReservationStatus = "expired"
)

// Task is a bead: a unit of work with identity, payload, and lifecycle.
type Task struct {
	ID          string
	Title       string
	Description string
	PolicyLabel string
	Priority    int
	State       TaskState
	Attempts    int
	Files       []string // advisory, consulted by the reservation layer
	Payload     []byte   // opaque, passed to verifiers
	CreatedAt   int64    // ms, monotonic at write
	UpdatedAt   int64    // ms
}

// DependencyEdge is a directed task_id -> depends_on_id relationship.
type DependencyEdge struct {
	ID              int64
	TaskID          string
	DependsOnID     string
	Kind            DependencyKind
	Description     string
	CreatedAt       int64
	UpdatedAt       int64
	Metadata        string // opaque JSON
}

// Lease is an agent's exclusive, bounded-duration claim on a task.
type Lease struct {
	TaskID    string
	AgentID   string
	ExpiresAt int64 // ms wall clock
	Attempt   int
}

// Heartbeat is the most recent liveness signal from an agent.
type Heartbeat struct {
	AgentID             string
	LastSeen            int64 // ms
	Status              HeartbeatStatus
	ContextUsagePercent float64
}

// FileReservation is an exclusive, lease-scoped claim on a file path,
// independent of task leases.
type FileReservation struct {
	ID             int64
	FilePath       string
	AgentID        string
	LeaseExpiresAt int64
	CreatedAt      int64
	UpdatedAt      int64
	Status         ReservationStatus
	LeaseReason    string
	Metadata       string
}

// EventKind is a wire-stable identifier from the closed taxonomy of
// spec.md §6.2.
type EventKind string

const (
	EventThrottled                   EventKind = "THROTTLED"
	EventAllowed                     EventKind = "ALLOWED"
	EventQueued                      EventKind = "QUEUED"
	EventDeferred                    EventKind = "DEFERRED"
	EventDropped                     EventKind = "DROPPED"
	EventQueueFull                   EventKind = "QUEUE_FULL"
	EventRetry                       EventKind = "RETRY"
	EventLimitConfigChanged          EventKind = "LIMIT_CONFIG_CHANGED"
	EventProviderHealthDegrading     EventKind = "PROVIDER_HEALTH_DEGRADING"
	EventProviderHealthRecovering    EventKind = "PROVIDER_HEALTH_RECOVERING"
	EventQueueUtilizationSpike       EventKind = "QUEUE_UTILIZATION_SPIKE"
	EventQueueUtilizationNormalized  EventKind = "QUEUE_UTILIZATION_NORMALIZED"
	EventRateLimitApproaching        EventKind = "RATE_LIMIT_APPROACHING"
	EventRateLimitRecovery           EventKind = "RATE_LIMIT_RECOVERY"
	EventPredictiveHealthAlert       EventKind = "PREDICTIVE_HEALTH_ALERT"
	EventTaskReserved                EventKind = "TASK_RESERVED"
	EventLeaseRenewed                EventKind = "LEASE_RENEWED"
	EventLeaseLost                   EventKind = "LEASE_LOST"
	EventLeaseReclaimed              EventKind = "LEASE_RECLAIMED"
	EventTaskCompleted               EventKind = "TASK_COMPLETED"
	EventTaskFailed                  EventKind = "TASK_FAILED"
	EventPriorityDropped             EventKind = "PRIORITY_DROPPED"
)

// Severity classifies an event for sinks that filter or escalate.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Event is an append-only audit trail row. Data carries kind-specific
// fields serialized to JSON only at the persistence boundary (spec.md §9).
type Event struct {
	ID        int64
	TaskID    string
	Timestamp int64
	Kind      EventKind
	Severity  Severity
	Data      []byte // opaque JSON
}

// Reclaimed describes one lease the reaper took back from an expired
// holder.
type Reclaimed struct {
	TaskID    string
	PriorAgent string
}

func nowMillis(t time.Time) int64 { return t.UnixMilli() }
