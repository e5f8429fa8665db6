// Package store implements the durable, transactional bottom layer of the
// coordination core (component C1): tasks, dependency edges, leases, file
// reservations, heartbeats, and the append-only event trail, all backed by
// a single embedded SQLite file opened in WAL mode.
//
// The teacher (itskum47/FluxForge) splits this concern across Postgres and
// Redis client-server backends; this module swaps in mattn/go-sqlite3
// because spec.md §4.1 calls for "a single embedded relational file," which
// a client-server database cannot be. The transactional shape — upsert,
// load, compare-and-swap state transitions — is carried over from
// control_plane/store/postgres.go.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Store is the embedded relational store. A single *sql.DB handle is
// shared by all callers; database/sql serializes writers internally and
// SQLite's WAL mode lets readers proceed in parallel with a writer.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// Open creates (or reuses) a SQLite database file at path and applies the
// schema. path may be ":memory:" for tests, in which case a single
// connection is pinned so the in-memory database is not lost between
// pooled connections.
func Open(path string) (*Store, error) {
	dsn := path + "?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}
	return &Store{db: db, log: log.With().Str("component", "store").Logger()}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func nowMs() int64 { return time.Now().UnixMilli() }

// UpsertTask inserts a new task, or for an existing ID overwrites its
// title, description, policy label, priority, files and payload; the
// existing row's state, attempts and created_at are left unchanged.
func (s *Store) UpsertTask(ctx context.Context, t *Task) error {
	filesJSON, err := json.Marshal(t.Files)
	if err != nil {
		return fmt.Errorf("store: marshal files: %w", err)
	}
	now := nowMs()
	if t.CreatedAt == 0 {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	if t.State == "" {
		t.State = TaskReady
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, title, description, policy_label, priority, state, attempts, files, payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			policy_label = excluded.policy_label,
			priority = excluded.priority,
			files = excluded.files,
			payload = excluded.payload,
			updated_at = excluded.updated_at
	`, t.ID, t.Title, t.Description, t.PolicyLabel, t.Priority, t.State, t.Attempts, string(filesJSON), t.Payload, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: upsert task %s: %w", t.ID, err)
	}
	return nil
}

func scanTask(row interface{ Scan(...interface{}) error }) (*Task, error) {
	var t Task
	var filesJSON string
	var payload sql.NullString
	if err := row.Scan(&t.ID, &t.Title, &t.Description, &t.PolicyLabel, &t.Priority, &t.State,
		&t.Attempts, &filesJSON, &payload, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(filesJSON), &t.Files); err != nil {
		return nil, fmt.Errorf("store: unmarshal files: %w", err)
	}
	if payload.Valid {
		t.Payload = []byte(payload.String)
	}
	return &t, nil
}

const taskColumns = "id, title, description, policy_label, priority, state, attempts, files, payload, created_at, updated_at"

// LoadTask returns the task with the given ID, or ErrNotFound.
func (s *Store) LoadTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound(fmt.Sprintf("task %s", id))
	}
	if err != nil {
		return nil, fmt.Errorf("store: load task %s: %w", id, err)
	}
	return t, nil
}

// UpdateTaskState performs the compare-and-swap transition
// state == from -> state = to. Returns ErrContended if the current state
// does not match from, and ErrNotFound if the task does not exist.
func (s *Store) UpdateTaskState(ctx context.Context, id string, from, to TaskState) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET state = ?, updated_at = ? WHERE id = ? AND state = ?`,
		to, nowMs(), id, from)
	if err != nil {
		return fmt.Errorf("store: update task state %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		if _, err := s.LoadTask(ctx, id); err != nil {
			return err
		}
		return ErrContended(fmt.Sprintf("task %s not in state %s", id, from))
	}
	return nil
}

// AddDependency inserts or updates the hard/soft edge task -> dependsOn.
// checkCycle is invoked before the write (inside the same transaction as
// the INSERT) and must return ErrWouldCycle if adding the edge would
// introduce a cycle among hard edges; the caller (scheduler, wiring C4's
// in-memory graph) supplies that closure so this package never imports the
// dag package.
func (s *Store) AddDependency(ctx context.Context, taskID, dependsOnID string, kind DependencyKind, checkCycle func() error) error {
	if taskID == dependsOnID {
		return ErrWouldCycle("self-dependency")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	if checkCycle != nil {
		if err := checkCycle(); err != nil {
			return err
		}
	}

	now := nowMs()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO task_dependencies (task_id, depends_on_task_id, dependency_type, description, created_at, updated_at, metadata)
		VALUES (?, ?, ?, '', ?, ?, '{}')
		ON CONFLICT(task_id, depends_on_task_id) DO UPDATE SET
			dependency_type = excluded.dependency_type,
			updated_at = excluded.updated_at
	`, taskID, dependsOnID, kind, now, now)
	if err != nil {
		return fmt.Errorf("store: add dependency %s->%s: %w", taskID, dependsOnID, err)
	}
	return tx.Commit()
}

// RemoveDependency deletes the edge task -> dependsOn.
func (s *Store) RemoveDependency(ctx context.Context, taskID, dependsOnID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM task_dependencies WHERE task_id = ? AND depends_on_task_id = ?`, taskID, dependsOnID)
	if err != nil {
		return fmt.Errorf("store: remove dependency %s->%s: %w", taskID, dependsOnID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound(fmt.Sprintf("dependency %s->%s", taskID, dependsOnID))
	}
	return nil
}

func scanDeps(rows *sql.Rows) ([]DependencyEdge, error) {
	defer rows.Close()
	var out []DependencyEdge
	for rows.Next() {
		var e DependencyEdge
		if err := rows.Scan(&e.ID, &e.TaskID, &e.DependsOnID, &e.Kind, &e.Description, &e.CreatedAt, &e.UpdatedAt, &e.Metadata); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

const depColumns = "id, task_id, depends_on_task_id, dependency_type, description, created_at, updated_at, metadata"

// ListDependencies returns the edges where taskID is the successor
// (its predecessors).
func (s *Store) ListDependencies(ctx context.Context, taskID string) ([]DependencyEdge, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+depColumns+` FROM task_dependencies WHERE task_id = ?`, taskID)
	if err != nil {
		return nil, fmt.Errorf("store: list dependencies of %s: %w", taskID, err)
	}
	return scanDeps(rows)
}

// ListDependents returns the edges where taskID is the predecessor
// (its successors).
func (s *Store) ListDependents(ctx context.Context, taskID string) ([]DependencyEdge, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+depColumns+` FROM task_dependencies WHERE depends_on_task_id = ?`, taskID)
	if err != nil {
		return nil, fmt.Errorf("store: list dependents of %s: %w", taskID, err)
	}
	return scanDeps(rows)
}

// TryReserve attempts to give agent exclusive ownership of candidateTaskID
// for ttl. Succeeds only if the task is READY and no active lease exists;
// flips the task to RESERVED and inserts the lease row atomically.
func (s *Store) TryReserve(ctx context.Context, agent, candidateTaskID string, ttl time.Duration) (*Lease, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	now := nowMs()

	var state TaskState
	if err := tx.QueryRowContext(ctx, `SELECT state FROM tasks WHERE id = ?`, candidateTaskID).Scan(&state); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound(fmt.Sprintf("task %s", candidateTaskID))
		}
		return nil, fmt.Errorf("store: load task %s: %w", candidateTaskID, err)
	}
	if state != TaskReady {
		return nil, ErrContended(fmt.Sprintf("task %s not READY", candidateTaskID))
	}

	var existingExpiry int64
	err = tx.QueryRowContext(ctx, `SELECT lease_expires_at FROM leases WHERE task_id = ?`, candidateTaskID).Scan(&existingExpiry)
	switch {
	case err == nil:
		if existingExpiry > now {
			return nil, ErrContended(fmt.Sprintf("task %s already leased", candidateTaskID))
		}
		// Stale lease row (expired, never reaped): clear it so the insert below can proceed.
		if _, err := tx.ExecContext(ctx, `DELETE FROM leases WHERE task_id = ?`, candidateTaskID); err != nil {
			return nil, fmt.Errorf("store: clear stale lease %s: %w", candidateTaskID, err)
		}
	case err == sql.ErrNoRows:
		// no lease held, proceed
	default:
		return nil, fmt.Errorf("store: check lease %s: %w", candidateTaskID, err)
	}

	var attempt int
	if err := tx.QueryRowContext(ctx, `SELECT attempts FROM tasks WHERE id = ?`, candidateTaskID).Scan(&attempt); err != nil {
		return nil, fmt.Errorf("store: read attempts %s: %w", candidateTaskID, err)
	}

	expiresAt := now + ttl.Milliseconds()
	if _, err := tx.ExecContext(ctx, `INSERT INTO leases (task_id, agent_id, lease_expires_at, attempt) VALUES (?, ?, ?, ?)`,
		candidateTaskID, agent, expiresAt, attempt); err != nil {
		// PK(task_id) conflict means another reserver won the race between
		// our SELECT and INSERT.
		return nil, ErrContended(fmt.Sprintf("task %s lease race lost: %v", candidateTaskID, err))
	}

	if _, err := tx.ExecContext(ctx, `UPDATE tasks SET state = ?, updated_at = ? WHERE id = ? AND state = ?`,
		TaskReserved, now, candidateTaskID, TaskReady); err != nil {
		return nil, fmt.Errorf("store: flip task state %s: %w", candidateTaskID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit reserve %s: %w", candidateTaskID, err)
	}
	return &Lease{TaskID: candidateTaskID, AgentID: agent, ExpiresAt: expiresAt, Attempt: attempt}, nil
}

// AbortReservation is the file-reservation edge policy's rollback path: it
// deletes a lease still held by agent and returns the task to READY
// without counting an attempt, since the task itself never actually ran.
func (s *Store) AbortReservation(ctx context.Context, agent, taskID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	var leaseAgent string
	err = tx.QueryRowContext(ctx, `SELECT agent_id FROM leases WHERE task_id = ?`, taskID).Scan(&leaseAgent)
	if err == sql.ErrNoRows {
		return ErrNotFound(fmt.Sprintf("no lease for task %s", taskID))
	}
	if err != nil {
		return fmt.Errorf("store: check lease %s: %w", taskID, err)
	}
	if leaseAgent != agent {
		return ErrLeaseLost(fmt.Sprintf("lease for %s held by %s, not %s", taskID, leaseAgent, agent))
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM leases WHERE task_id = ?`, taskID); err != nil {
		return fmt.Errorf("store: delete lease %s: %w", taskID, err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE tasks SET state = ?, updated_at = ? WHERE id = ? AND state = ?`,
		TaskReady, nowMs(), taskID, TaskReserved); err != nil {
		return fmt.Errorf("store: abort reservation %s: %w", taskID, err)
	}
	return tx.Commit()
}

// RenewLease extends a lease still owned by agent. Returns ErrLeaseLost if
// the lease is gone, expired, or owned by a different agent.
func (s *Store) RenewLease(ctx context.Context, agent, taskID string, newExpiry time.Time) error {
	now := nowMs()
	res, err := s.db.ExecContext(ctx, `
		UPDATE leases SET lease_expires_at = ?
		WHERE task_id = ? AND agent_id = ? AND lease_expires_at > ?
	`, newExpiry.UnixMilli(), taskID, agent, now)
	if err != nil {
		return fmt.Errorf("store: renew lease %s: %w", taskID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLeaseLost(fmt.Sprintf("no active lease for %s held by %s", taskID, agent))
	}
	return nil
}

// ReleaseLease deletes the lease and moves the task to a terminal state.
// Calling it twice with the same arguments is a no-op the second time
// (idempotence law).
func (s *Store) ReleaseLease(ctx context.Context, agent, taskID string, terminal TaskState) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	var leaseAgent string
	err = tx.QueryRowContext(ctx, `SELECT agent_id FROM leases WHERE task_id = ?`, taskID).Scan(&leaseAgent)
	switch {
	case err == sql.ErrNoRows:
		var state TaskState
		if err := tx.QueryRowContext(ctx, `SELECT state FROM tasks WHERE id = ?`, taskID).Scan(&state); err != nil {
			if err == sql.ErrNoRows {
				return ErrNotFound(fmt.Sprintf("task %s", taskID))
			}
			return fmt.Errorf("store: load task %s: %w", taskID, err)
		}
		if state == terminal {
			return tx.Commit() // already released; idempotent no-op
		}
		return ErrNotFound(fmt.Sprintf("no lease for task %s", taskID))
	case err != nil:
		return fmt.Errorf("store: check lease %s: %w", taskID, err)
	}
	if leaseAgent != agent {
		return ErrLeaseLost(fmt.Sprintf("lease for %s held by %s, not %s", taskID, leaseAgent, agent))
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM leases WHERE task_id = ?`, taskID); err != nil {
		return fmt.Errorf("store: delete lease %s: %w", taskID, err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE tasks SET state = ?, updated_at = ? WHERE id = ?`, terminal, nowMs(), taskID); err != nil {
		return fmt.Errorf("store: release lease set state %s: %w", taskID, err)
	}
	return tx.Commit()
}

// ReclaimExpired returns leases whose expiry has passed, deletes them, and
// flips their tasks back to READY with attempts incremented. A no-op
// returns an empty (nil) slice, not an error.
func (s *Store) ReclaimExpired(ctx context.Context, now time.Time) ([]Reclaimed, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	nowM := now.UnixMilli()
	rows, err := tx.QueryContext(ctx, `SELECT task_id, agent_id FROM leases WHERE lease_expires_at <= ?`, nowM)
	if err != nil {
		return nil, fmt.Errorf("store: scan expired leases: %w", err)
	}
	var reclaimed []Reclaimed
	for rows.Next() {
		var r Reclaimed
		if err := rows.Scan(&r.TaskID, &r.PriorAgent); err != nil {
			rows.Close()
			return nil, fmt.Errorf("store: scan expired lease row: %w", err)
		}
		reclaimed = append(reclaimed, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, r := range reclaimed {
		if _, err := tx.ExecContext(ctx, `DELETE FROM leases WHERE task_id = ?`, r.TaskID); err != nil {
			return nil, fmt.Errorf("store: delete expired lease %s: %w", r.TaskID, err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET state = ?, attempts = attempts + 1, updated_at = ?
			WHERE id = ? AND state = ?
		`, TaskReady, nowM, r.TaskID, TaskReserved); err != nil {
			return nil, fmt.Errorf("store: requeue reclaimed task %s: %w", r.TaskID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit reclaim: %w", err)
	}
	return reclaimed, nil
}

// UpsertHeartbeat records the agent's liveness signal.
func (s *Store) UpsertHeartbeat(ctx context.Context, agent string, status HeartbeatStatus, usagePercent float64, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_heartbeats (agent_id, last_seen, status, context_usage_percent)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			last_seen = excluded.last_seen,
			status = excluded.status,
			context_usage_percent = excluded.context_usage_percent
	`, agent, now.UnixMilli(), status, usagePercent)
	if err != nil {
		return fmt.Errorf("store: upsert heartbeat %s: %w", agent, err)
	}
	return nil
}

// LoadHeartbeat returns the latest heartbeat row for agent, or ErrNotFound.
func (s *Store) LoadHeartbeat(ctx context.Context, agent string) (*Heartbeat, error) {
	var hb Heartbeat
	err := s.db.QueryRowContext(ctx, `SELECT agent_id, last_seen, status, context_usage_percent FROM agent_heartbeats WHERE agent_id = ?`, agent).
		Scan(&hb.AgentID, &hb.LastSeen, &hb.Status, &hb.ContextUsagePercent)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound(fmt.Sprintf("heartbeat %s", agent))
	}
	if err != nil {
		return nil, fmt.Errorf("store: load heartbeat %s: %w", agent, err)
	}
	return &hb, nil
}

// ListStaleHeartbeats returns agents whose last_seen predates the
// threshold, consulted by the staleness sweep.
func (s *Store) ListStaleHeartbeats(ctx context.Context, threshold time.Time) ([]Heartbeat, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT agent_id, last_seen, status, context_usage_percent FROM agent_heartbeats WHERE last_seen < ?`, threshold.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("store: list stale heartbeats: %w", err)
	}
	defer rows.Close()
	var out []Heartbeat
	for rows.Next() {
		var hb Heartbeat
		if err := rows.Scan(&hb.AgentID, &hb.LastSeen, &hb.Status, &hb.ContextUsagePercent); err != nil {
			return nil, err
		}
		out = append(out, hb)
	}
	return out, rows.Err()
}

// IncrementQuotaWindow bumps the rolling counter for provider's current
// window (spec.md §3's "Quota state") and returns the post-increment count,
// read back with QuotaCount, so the caller can compare it against its
// configured limit without a separate call of its own.
func (s *Store) IncrementQuotaWindow(ctx context.Context, provider string, windowID int64) (int64, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO quota_windows (provider, window_id, count)
		VALUES (?, ?, 1)
		ON CONFLICT(provider, window_id) DO UPDATE SET count = count + 1
	`, provider, windowID)
	if err != nil {
		return 0, fmt.Errorf("store: increment quota window %s/%d: %w", provider, windowID, err)
	}
	count, err := s.QuotaCount(ctx, provider, windowID)
	if err != nil {
		return 0, err
	}
	return count, nil
}

// QuotaCount returns provider's counter for windowID without incrementing
// it, used by ShouldRoute's read-only admission check.
func (s *Store) QuotaCount(ctx context.Context, provider string, windowID int64) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT count FROM quota_windows WHERE provider = ? AND window_id = ?`, provider, windowID).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("store: quota count %s/%d: %w", provider, windowID, err)
	}
	return count, nil
}

// AppendEvent writes an audit trail row, bumping the timestamp forward if
// necessary to preserve strict per-task monotonic ordering.
func (s *Store) AppendEvent(ctx context.Context, ev *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	if ev.Timestamp == 0 {
		ev.Timestamp = nowMs()
	}
	var maxTs sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(ts) FROM events WHERE task_id = ?`, ev.TaskID).Scan(&maxTs); err != nil {
		return fmt.Errorf("store: max ts for %s: %w", ev.TaskID, err)
	}
	if maxTs.Valid && ev.Timestamp <= maxTs.Int64 {
		ev.Timestamp = maxTs.Int64 + 1
	}
	if ev.Severity == "" {
		ev.Severity = SeverityInfo
	}
	if ev.Data == nil {
		ev.Data = []byte("{}")
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO events (task_id, ts, kind, severity, data_json) VALUES (?, ?, ?, ?, ?)
	`, ev.TaskID, ev.Timestamp, ev.Kind, ev.Severity, string(ev.Data))
	if err != nil {
		return fmt.Errorf("store: append event for %s: %w", ev.TaskID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("store: event id for %s: %w", ev.TaskID, err)
	}
	ev.ID = id
	return tx.Commit()
}

// ListEvents returns the audit trail for a task, ordered by timestamp.
func (s *Store) ListEvents(ctx context.Context, taskID string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, task_id, ts, kind, severity, data_json FROM events WHERE task_id = ? ORDER BY ts ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("store: list events for %s: %w", taskID, err)
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var e Event
		var data string
		if err := rows.Scan(&e.ID, &e.TaskID, &e.Timestamp, &e.Kind, &e.Severity, &data); err != nil {
			return nil, err
		}
		e.Data = []byte(data)
		out = append(out, e)
	}
	return out, rows.Err()
}

// AcquireReservation claims path for agent. Conflicts when another agent
// holds an unexpired active reservation.
func (s *Store) AcquireReservation(ctx context.Context, path, agent string, ttl time.Duration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	now := nowMs()
	expiresAt := now + ttl.Milliseconds()

	var existingAgent string
	var existingExpiry int64
	var existingStatus ReservationStatus
	err = tx.QueryRowContext(ctx, `SELECT agent_id, lease_expires_at, status FROM file_reservations WHERE file_path = ?`, path).
		Scan(&existingAgent, &existingExpiry, &existingStatus)
	switch {
	case err == sql.ErrNoRows:
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO file_reservations (file_path, agent_id, lease_expires_at, created_at, updated_at, status)
			VALUES (?, ?, ?, ?, ?, 'active')
		`, path, agent, expiresAt, now, now); err != nil {
			return fmt.Errorf("store: insert reservation %s: %w", path, err)
		}
	case err == nil:
		if existingStatus == ReservationActive && existingExpiry > now && existingAgent != agent {
			return ErrConflict([]string{path})
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE file_reservations SET agent_id = ?, lease_expires_at = ?, status = 'active', updated_at = ?
			WHERE file_path = ?
		`, agent, expiresAt, now, path); err != nil {
			return fmt.Errorf("store: update reservation %s: %w", path, err)
		}
	default:
		return fmt.Errorf("store: check reservation %s: %w", path, err)
	}
	return tx.Commit()
}

// ReleaseReservation releases path if held by agent. Releasing a path the
// agent does not hold (or that is already released) is a no-op.
func (s *Store) ReleaseReservation(ctx context.Context, path, agent string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE file_reservations SET status = 'released', updated_at = ?
		WHERE file_path = ? AND agent_id = ? AND status = 'active'
	`, nowMs(), path, agent)
	if err != nil {
		return fmt.Errorf("store: release reservation %s: %w", path, err)
	}
	_, _ = res.RowsAffected() // idempotent either way
	return nil
}

// ReservationConflicts returns the subset of paths actively held by an
// agent other than the caller.
func (s *Store) ReservationConflicts(ctx context.Context, paths []string, agent string) ([]string, error) {
	if len(paths) == 0 {
		return nil, nil
	}
	now := nowMs()
	var conflicts []string
	for _, p := range paths {
		var holder string
		var expiry int64
		var status ReservationStatus
		err := s.db.QueryRowContext(ctx, `SELECT agent_id, lease_expires_at, status FROM file_reservations WHERE file_path = ?`, p).
			Scan(&holder, &expiry, &status)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("store: check reservation conflict %s: %w", p, err)
		}
		if status == ReservationActive && expiry > now && holder != agent {
			conflicts = append(conflicts, p)
		}
	}
	return conflicts, nil
}

// ExpireStaleReservations flips active reservations whose TTL has passed
// to "expired", mirroring lease reclaim for the file-reservation layer.
func (s *Store) ExpireStaleReservations(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE file_reservations SET status = 'expired', updated_at = ?
		WHERE status = 'active' AND lease_expires_at <= ?
	`, now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("store: expire stale reservations: %w", err)
	}
	return res.RowsAffected()
}

// ListTasksByState returns every task in the given state, ordered by
// descending priority, then ascending created_at, then ascending id (the scheduler's
// candidate-selection order before DAG filtering).
func (s *Store) ListTasksByState(ctx context.Context, state TaskState) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE state = ? ORDER BY priority DESC, created_at ASC, id ASC`, state)
	if err != nil {
		return nil, fmt.Errorf("store: list tasks by state %s: %w", state, err)
	}
	defer rows.Close()
	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListAllTasks returns every task, used by the DAG engine to rebuild its
// in-memory graph on startup.
func (s *Store) ListAllTasks(ctx context.Context) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks`)
	if err != nil {
		return nil, fmt.Errorf("store: list all tasks: %w", err)
	}
	defer rows.Close()
	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListAllDependencies returns every dependency edge, used the same way.
func (s *Store) ListAllDependencies(ctx context.Context) ([]DependencyEdge, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+depColumns+` FROM task_dependencies`)
	if err != nil {
		return nil, fmt.Errorf("store: list all dependencies: %w", err)
	}
	return scanDeps(rows)
}

// Reset re-opens a task for execution: zeroes attempts and returns it to
// READY. Only valid from FAILED, per spec.md §4.5's re-opening policy.
func (s *Store) Reset(ctx context.Context, taskID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET state = ?, attempts = 0, updated_at = ? WHERE id = ? AND state = ?
	`, TaskReady, nowMs(), taskID, TaskFailed)
	if err != nil {
		return fmt.Errorf("store: reset task %s: %w", taskID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrContended(fmt.Sprintf("task %s not FAILED", taskID))
	}
	return nil
}

// RemoveTask deletes a task. Forbidden while a lease is active; the caller
// must release first.
func (s *Store) RemoveTask(ctx context.Context, taskID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	var leaseCount int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM leases WHERE task_id = ?`, taskID).Scan(&leaseCount); err != nil {
		return fmt.Errorf("store: check lease before remove %s: %w", taskID, err)
	}
	if leaseCount > 0 {
		return ErrContended(fmt.Sprintf("task %s has an active lease", taskID))
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, taskID)
	if err != nil {
		return fmt.Errorf("store: remove task %s: %w", taskID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound(fmt.Sprintf("task %s", taskID))
	}
	return tx.Commit()
}
