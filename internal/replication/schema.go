package replication

import "database/sql"

const Schema = `
-- Every replication request sent to a backend, successful or not
CREATE TABLE IF NOT EXISTS replication_attempts (
    id TEXT PRIMARY KEY,
    cid TEXT NOT NULL,
    backend TEXT NOT NULL,
    origin TEXT NOT NULL DEFAULT 'reconcile',
    success INTEGER NOT NULL DEFAULT 0,
    message TEXT DEFAULT '',
    error_message TEXT DEFAULT '',
    duration_ms INTEGER NOT NULL DEFAULT 0,
    attempted_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_replication_attempts_cid ON replication_attempts(cid, attempted_at DESC);
CREATE INDEX IF NOT EXISTS idx_replication_attempts_backend ON replication_attempts(backend);
CREATE INDEX IF NOT EXISTS idx_replication_attempts_time ON replication_attempts(attempted_at);
`

// InitSchema initializes the attempt history schema
func InitSchema(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
