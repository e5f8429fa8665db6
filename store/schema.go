package store

// schema is the bit-stable DDL from spec.md §6.1. Column names and
// constraints here are load-bearing for the external contract; only the
// indices are free to change without breaking compatibility.
const schema = `
PRAGMA journal_mode = WAL;
PRAGMA foreign_keys = ON;
PRAGMA busy_timeout = 5000;

CREATE TABLE IF NOT EXISTS tasks (
	id           TEXT PRIMARY KEY,
	title        TEXT NOT NULL,
	description  TEXT NOT NULL DEFAULT '',
	policy_label TEXT NOT NULL DEFAULT '',
	priority     INTEGER NOT NULL DEFAULT 0,
	state        TEXT NOT NULL DEFAULT 'READY',
	attempts     INTEGER NOT NULL DEFAULT 0,
	files        TEXT NOT NULL DEFAULT '[]',
	payload      BLOB,
	created_at   INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tasks_state_priority
	ON tasks(state, priority DESC, created_at ASC);

CREATE TABLE IF NOT EXISTS task_dependencies (
	id                  INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id             TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	depends_on_task_id  TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	dependency_type     TEXT NOT NULL CHECK (dependency_type IN ('hard','soft')),
	description         TEXT NOT NULL DEFAULT '',
	created_at          INTEGER NOT NULL,
	updated_at          INTEGER NOT NULL,
	metadata            TEXT NOT NULL DEFAULT '{}',
	UNIQUE(task_id, depends_on_task_id)
);

CREATE INDEX IF NOT EXISTS idx_deps_depends_on ON task_dependencies(depends_on_task_id);

CREATE TABLE IF NOT EXISTS leases (
	task_id          TEXT PRIMARY KEY REFERENCES tasks(id) ON DELETE CASCADE,
	agent_id         TEXT NOT NULL,
	lease_expires_at INTEGER NOT NULL,
	attempt          INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS file_reservations (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	file_path        TEXT NOT NULL UNIQUE,
	agent_id         TEXT NOT NULL,
	lease_expires_at INTEGER NOT NULL,
	created_at       INTEGER NOT NULL,
	updated_at       INTEGER NOT NULL,
	status           TEXT NOT NULL CHECK (status IN ('active','expired','released')),
	lease_reason     TEXT NOT NULL DEFAULT '',
	metadata         TEXT NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_reservations_active
	ON file_reservations(file_path) WHERE status = 'active';

CREATE TABLE IF NOT EXISTS agent_heartbeats (
	agent_id              TEXT PRIMARY KEY,
	last_seen             INTEGER NOT NULL,
	status                TEXT NOT NULL DEFAULT 'idle',
	context_usage_percent REAL NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS events (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id  TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	ts       INTEGER NOT NULL,
	kind     TEXT NOT NULL,
	severity TEXT NOT NULL DEFAULT 'info',
	data_json TEXT NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_events_task_ts ON events(task_id, ts);

-- Quota state (spec.md §3 "Quota state") is not part of the bit-stable
-- wire schema in spec.md §6.1, but the core needs somewhere durable to
-- keep rolling counters; scoped to its own table so the contract tables
-- above stay exactly as documented. Read and written by
-- Store.QuotaCount/IncrementQuotaWindow, consulted from
-- coordinator.Submit before ShouldRoute's quota-authoritative check.
CREATE TABLE IF NOT EXISTS quota_windows (
	provider    TEXT NOT NULL,
	window_id   INTEGER NOT NULL, -- floor(unix_ms / window_ms)
	count       INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (provider, window_id)
);
`
