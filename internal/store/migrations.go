package store

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations.
// Each migration's version must be sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS raw_emails (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	message_id     TEXT NOT NULL UNIQUE,
	sender         TEXT NOT NULL DEFAULT '',
	subject        TEXT NOT NULL DEFAULT '',
	received_at    DATETIME NOT NULL,
	raw_body       BLOB,
	body_plain     TEXT NOT NULL DEFAULT '',
	body_html      TEXT NOT NULL DEFAULT '',
	headers        TEXT NOT NULL DEFAULT '{}',
	processor_type TEXT NOT NULL DEFAULT '',
	fetched_at     DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_raw_emails_sender ON raw_emails(sender);
CREATE INDEX IF NOT EXISTS idx_raw_emails_received_at ON raw_emails(received_at);
CREATE INDEX IF NOT EXISTS idx_raw_emails_processor_type ON raw_emails(processor_type);

CREATE TABLE IF NOT EXISTS email_processing_logs (
	run_id             TEXT PRIMARY KEY,
	processor_type     TEXT NOT NULL DEFAULT '',
	filter_snapshot    TEXT NOT NULL DEFAULT '{}',
	started_at         DATETIME NOT NULL,
	ended_at           DATETIME,
	candidates_seen    INTEGER NOT NULL DEFAULT 0,
	new_records_stored INTEGER NOT NULL DEFAULT 0,
	fetch_failures     INTEGER NOT NULL DEFAULT 0,
	status             TEXT NOT NULL DEFAULT 'pending'
		CHECK(status IN ('pending', 'success', 'partial_failure', 'failure')),
	error_detail       TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_processing_logs_started_at
	ON email_processing_logs(started_at);
CREATE INDEX IF NOT EXISTS idx_processing_logs_processor_type
	ON email_processing_logs(processor_type);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
}
