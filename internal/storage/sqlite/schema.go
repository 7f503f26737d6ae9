package sqlite

// schema is the full database layout. Statements are idempotent so opening
// an existing database is safe; shape changes that cannot be expressed as
// CREATE IF NOT EXISTS live in the migrations registry.
const schema = `
CREATE TABLE IF NOT EXISTS landing_jobs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	status TEXT NOT NULL DEFAULT 'SUBMITTED',
	-- status_weight mirrors status for the claim ordering (IN_PROGRESS=2,
	-- DEFERRED=1, SUBMITTED=0, terminal=-1) and is kept in sync on write.
	status_weight INTEGER NOT NULL DEFAULT 0,
	requester_email TEXT NOT NULL,
	repository_name TEXT NOT NULL,
	repository_url TEXT NOT NULL DEFAULT '',
	target_commit_hash TEXT NOT NULL DEFAULT '',
	priority INTEGER NOT NULL DEFAULT 0,
	attempts INTEGER NOT NULL DEFAULT 0,
	duration_seconds REAL NOT NULL DEFAULT 0,
	error_message TEXT NOT NULL DEFAULT '',
	error_breakdown TEXT,
	formatted_replacements TEXT,
	landed_commit_id TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_landing_jobs_claim
ON landing_jobs(repository_name, status_weight DESC, priority DESC, created_at ASC);

CREATE INDEX IF NOT EXISTS idx_landing_jobs_status ON landing_jobs(status);

CREATE TABLE IF NOT EXISTS landing_job_revisions (
	job_id INTEGER NOT NULL REFERENCES landing_jobs(id) ON DELETE CASCADE,
	idx INTEGER NOT NULL,
	revision_id INTEGER NOT NULL,
	diff_id INTEGER NOT NULL,
	PRIMARY KEY (job_id, idx)
);

CREATE INDEX IF NOT EXISTS idx_landing_job_revisions_revision
ON landing_job_revisions(revision_id);

-- Landings recorded by the system this one replaced. Read-only: consulted
-- for the previously-landed warning, never written.
CREATE TABLE IF NOT EXISTS transplants (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	landed INTEGER NOT NULL DEFAULT 0,
	repository_url TEXT NOT NULL DEFAULT '',
	result TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS transplant_revisions (
	transplant_id INTEGER NOT NULL REFERENCES transplants(id) ON DELETE CASCADE,
	idx INTEGER NOT NULL,
	revision_id INTEGER NOT NULL,
	diff_id INTEGER NOT NULL,
	PRIMARY KEY (transplant_id, idx)
);

CREATE INDEX IF NOT EXISTS idx_transplant_revisions_revision
ON transplant_revisions(revision_id);

CREATE TABLE IF NOT EXISTS config_vars (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS secapproval_requests (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	revision_id INTEGER NOT NULL,
	diff_phid TEXT NOT NULL DEFAULT '',
	comment_candidates TEXT NOT NULL DEFAULT '[]',
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_secapproval_revision
ON secapproval_requests(revision_id);
`
