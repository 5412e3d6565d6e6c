// Package eventlog records agent lifecycle events in an append-only SQLite
// table and reads them back for `orchestra logs`.
package eventlog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"orchestra/pkg/protocol"

	_ "modernc.org/sqlite" // SQLite driver
)

// timeLayout is fixed-width UTC so created_at sorts and compares as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Log is a writable handle on the event database.
type Log struct {
	db *sql.DB

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// Open opens (creating if needed) the event database at path and applies
// the schema.
func Open(path string) (*Log, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create event log dir %s: %w", dir, err)
		}
	}

	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.ExecContext(context.Background(), protocol.SchemaDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply event log schema: %w", err)
	}
	return &Log{db: db, nowFunc: time.Now}, nil
}

// pragmas are applied to every read-write connection so a controller and a
// heartbeat relay can both append.
var pragmas = []string{"journal_mode=WAL", "busy_timeout=5000"} //nolint:gochecknoglobals // fixed list

func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// One writer connection keeps the pragmas on the connection that writes.
	db.SetMaxOpenConns(1)

	ctx := context.Background()
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, "PRAGMA "+p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite %s: PRAGMA %s: %w", path, p, err)
		}
	}
	return db, nil
}

// Record appends one event.
func (l *Log) Record(ctx context.Context, typ protocol.EventType, agentID, task, payload string) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO events (type, agent_id, task, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		string(typ), agentID, task, payload, l.nowFunc().UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("record %s event: %w", typ, err)
	}
	return nil
}

// Query returns events matching opts, oldest first.
func (l *Log) Query(ctx context.Context, opts QueryOpts) ([]Event, error) {
	return queryEvents(ctx, l.db, opts)
}

// Close releases the database connection.
func (l *Log) Close() error {
	if l.db != nil {
		return l.db.Close()
	}
	return nil
}
