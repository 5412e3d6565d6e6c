package protocol

// SchemaDDL defines the SQLite schema for the lifecycle event log.
// Execute against a SQLite database with: db.Exec(SchemaDDL)
const SchemaDDL = `
-- Agent lifecycle events: spawn, collection, pause/resume, staleness, cleanup
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY,
    type TEXT NOT NULL,
    agent_id TEXT NOT NULL DEFAULT '',
    task TEXT NOT NULL DEFAULT '',
    payload TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS events_agent_idx ON events(agent_id, id);
`
