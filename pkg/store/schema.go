package store

// schemaDDL creates the logical tables the pipeline reads and writes.
// Migrations are owned elsewhere; this only guarantees a fresh
// database is usable.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS services (
	id                TEXT PRIMARY KEY,
	name              TEXT NOT NULL,
	team_id           TEXT NOT NULL,
	health_endpoint   TEXT NOT NULL,
	metrics_endpoint  TEXT,
	schema_config     TEXT,
	poll_interval_ms  INTEGER,
	is_active         INTEGER NOT NULL DEFAULT 1,
	last_poll_success INTEGER,
	last_poll_error   TEXT,
	poll_warnings     TEXT NOT NULL DEFAULT '[]',
	created_at        TEXT NOT NULL,
	updated_at        TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS dependencies (
	id                 TEXT PRIMARY KEY,
	service_id         TEXT NOT NULL REFERENCES services(id) ON DELETE CASCADE,
	name               TEXT NOT NULL,
	canonical_name     TEXT NOT NULL,
	description        TEXT,
	impact             TEXT,
	dep_type           TEXT NOT NULL DEFAULT 'other',
	healthy            INTEGER,
	health_state       INTEGER,
	health_code        INTEGER,
	latency_ms         INTEGER,
	last_checked       TEXT,
	last_status_change TEXT,
	error              TEXT,
	error_message      TEXT,
	skipped            INTEGER NOT NULL DEFAULT 0,
	UNIQUE (service_id, name)
);

CREATE TABLE IF NOT EXISTS dependency_latency_history (
	id            TEXT PRIMARY KEY,
	dependency_id TEXT NOT NULL,
	latency_ms    INTEGER NOT NULL,
	recorded_at   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_latency_history_dep
	ON dependency_latency_history (dependency_id, recorded_at);

CREATE TABLE IF NOT EXISTS dependency_error_history (
	id            TEXT PRIMARY KEY,
	dependency_id TEXT NOT NULL,
	error         TEXT,
	error_message TEXT,
	recorded_at   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_error_history_dep
	ON dependency_error_history (dependency_id, recorded_at);

CREATE TABLE IF NOT EXISTS status_change_events (
	id               TEXT PRIMARY KEY,
	service_id       TEXT NOT NULL,
	service_name     TEXT NOT NULL,
	dependency_name  TEXT NOT NULL,
	previous_healthy INTEGER,
	current_healthy  INTEGER,
	recorded_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_status_events_recorded
	ON status_change_events (recorded_at);

CREATE TABLE IF NOT EXISTS alert_channels (
	id           TEXT PRIMARY KEY,
	team_id      TEXT NOT NULL,
	channel_type TEXT NOT NULL,
	config       TEXT NOT NULL,
	is_active    INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS alert_rules (
	id              TEXT PRIMARY KEY,
	team_id         TEXT NOT NULL,
	severity_filter TEXT NOT NULL DEFAULT 'all',
	is_active       INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS alert_history (
	id            TEXT PRIMARY KEY,
	team_id       TEXT NOT NULL,
	service_id    TEXT NOT NULL,
	dependency_id TEXT,
	channel_id    TEXT NOT NULL,
	event_type    TEXT NOT NULL,
	severity      TEXT NOT NULL,
	sent_at       TEXT NOT NULL,
	success       INTEGER NOT NULL,
	error         TEXT
);
CREATE INDEX IF NOT EXISTS idx_alert_history_team
	ON alert_history (team_id, sent_at);

CREATE TABLE IF NOT EXISTS settings (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_log (
	id          TEXT PRIMARY KEY,
	actor       TEXT NOT NULL,
	action      TEXT NOT NULL,
	detail      TEXT,
	recorded_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_recorded
	ON audit_log (recorded_at);
`
