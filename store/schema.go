package store

import "context"

// schema is the idempotent bootstrap SQL for all nine tables, including
// the CHECK-constrained enums, composite keys, cascades and indices.
// IF NOT EXISTS everywhere makes Bootstrap safe to call repeatedly.
const schema = `
CREATE TABLE IF NOT EXISTS projects (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL CHECK (status IN ('active','completed','archived','paused')),
	success_criteria TEXT NOT NULL DEFAULT '',
	metadata TEXT NOT NULL DEFAULT '{}',
	created_at INTEGER NOT NULL,
	completed_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_projects_status ON projects(status);

CREATE TABLE IF NOT EXISTS issues (
	id TEXT PRIMARY KEY,
	description TEXT NOT NULL,
	status TEXT NOT NULL CHECK (status IN ('open','in_progress','blocked','done','cancelled')),
	project_id TEXT REFERENCES projects(id) ON DELETE SET NULL,
	parent_id TEXT REFERENCES issues(id) ON DELETE SET NULL,
	priority INTEGER NOT NULL CHECK (priority BETWEEN 0 AND 4),
	labels TEXT NOT NULL DEFAULT '[]',
	metadata TEXT NOT NULL DEFAULT '{}',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	resolved_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_issues_status ON issues(status);
CREATE INDEX IF NOT EXISTS idx_issues_project ON issues(project_id);
CREATE INDEX IF NOT EXISTS idx_issues_priority_created ON issues(priority, created_at);

CREATE TABLE IF NOT EXISTS dependencies (
	from_id TEXT NOT NULL REFERENCES issues(id) ON DELETE CASCADE,
	to_id TEXT NOT NULL REFERENCES issues(id) ON DELETE CASCADE,
	type TEXT NOT NULL CHECK (type IN ('blocks','informs','discovered_from','any_of')),
	created_at INTEGER NOT NULL,
	PRIMARY KEY (from_id, to_id, type)
);
CREATE INDEX IF NOT EXISTS idx_dependencies_to ON dependencies(to_id);
CREATE INDEX IF NOT EXISTS idx_dependencies_type ON dependencies(type);

CREATE TABLE IF NOT EXISTS outcomes (
	id TEXT PRIMARY KEY,
	issue_id TEXT NOT NULL REFERENCES issues(id) ON DELETE CASCADE,
	agent_id TEXT NOT NULL,
	result TEXT NOT NULL CHECK (result IN ('success','failure','partial','cancelled')),
	learnings TEXT NOT NULL DEFAULT '',
	metadata TEXT NOT NULL DEFAULT '{}',
	recorded_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_outcomes_issue ON outcomes(issue_id);
CREATE INDEX IF NOT EXISTS idx_outcomes_agent ON outcomes(agent_id);

CREATE TABLE IF NOT EXISTS agents (
	agent_id TEXT PRIMARY KEY,
	capabilities TEXT NOT NULL DEFAULT '[]',
	status TEXT NOT NULL CHECK (status IN ('active','idle','dead')),
	last_seen_at INTEGER NOT NULL,
	metadata TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_agents_status ON agents(status);

CREATE TABLE IF NOT EXISTS claims (
	issue_id TEXT PRIMARY KEY REFERENCES issues(id) ON DELETE CASCADE,
	agent_id TEXT NOT NULL,
	claimed_at INTEGER NOT NULL,
	expires_at INTEGER,
	heartbeat_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_claims_agent ON claims(agent_id);
CREATE INDEX IF NOT EXISTS idx_claims_expires ON claims(expires_at);

CREATE TABLE IF NOT EXISTS broadcasts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type TEXT NOT NULL CHECK (event_type IN ('completed','blocked','discovered','claimed','released')),
	issue_id TEXT NOT NULL,
	agent_id TEXT NOT NULL DEFAULT '',
	payload TEXT NOT NULL DEFAULT '{}',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_broadcasts_type_created ON broadcasts(event_type, created_at);
CREATE INDEX IF NOT EXISTS idx_broadcasts_issue ON broadcasts(issue_id);

CREATE TABLE IF NOT EXISTS health_snapshots (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	coherence REAL NOT NULL,
	velocity REAL NOT NULL,
	blockage REAL NOT NULL,
	staleness REAL NOT NULL,
	claim_health REAL NOT NULL,
	agent_health REAL NOT NULL,
	recorded_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_health_snapshots_recorded ON health_snapshots(recorded_at);

CREATE TABLE IF NOT EXISTS issue_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	issue_id TEXT NOT NULL REFERENCES issues(id) ON DELETE CASCADE,
	from_status TEXT NOT NULL DEFAULT '',
	to_status TEXT NOT NULL,
	note TEXT NOT NULL DEFAULT '',
	changed_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_issue_history_issue ON issue_history(issue_id);
`

// Bootstrap creates every table, index and constraint the engine needs
// if they don't already exist. Safe to call repeatedly (Coordinator's
// Initialize calls it; coordinator.New does not).
func Bootstrap(ctx context.Context, a Adapter) error {
	return a.Exec(ctx, schema)
}
