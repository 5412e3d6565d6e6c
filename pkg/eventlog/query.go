package eventlog

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"orchestra/pkg/protocol"
)

// Event is a single row of the event log.
type Event struct {
	ID        int64              `json:"id"`
	Type      protocol.EventType `json:"type"`
	AgentID   string             `json:"agent_id,omitempty"`
	Task      string             `json:"task,omitempty"`
	Payload   string             `json:"payload,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
}

// QueryOpts specifies filter criteria for querying events.
type QueryOpts struct {
	// AgentID filters events to one agent.
	AgentID string

	// Type filters to one event type.
	Type protocol.EventType

	// After filters events created at or after this time.
	After *time.Time

	// AfterID filters to events with a larger id, for polling.
	AfterID int64

	// Limit keeps only the most recent N matches (0 = no limit).
	Limit int
}

// Reader is a read-only handle for processes that only display events.
type Reader struct {
	db *sql.DB
}

// NewReader opens an existing event database read-only. A missing file is
// an error rather than an empty log so callers can say "no events" without
// creating one.
func NewReader(path string) (*Reader, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("event database not found: %w", err)
	}

	u := url.URL{Scheme: "file", Path: path, RawQuery: "mode=ro&_pragma=busy_timeout(5000)"}
	db, err := sql.Open("sqlite", u.String())
	if err != nil {
		return nil, fmt.Errorf("open event database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping event database: %w", err)
	}
	return &Reader{db: db}, nil
}

// Close releases the database. It is safe on a nil db.
func (r *Reader) Close() error {
	if r.db == nil {
		return nil
	}
	return r.db.Close()
}

// Query returns events matching opts, oldest first.
func (r *Reader) Query(ctx context.Context, opts QueryOpts) ([]Event, error) {
	return queryEvents(ctx, r.db, opts)
}

func queryEvents(ctx context.Context, db *sql.DB, opts QueryOpts) ([]Event, error) {
	query, args := buildQuery(opts)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	events := []Event{}
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}

	// Newest first so LIMIT keeps the tail.
	slices.Reverse(events)
	return events, nil
}

func scanEvent(rows *sql.Rows) (Event, error) {
	var (
		e       Event
		typ     string
		created string
	)
	if err := rows.Scan(&e.ID, &typ, &e.AgentID, &e.Task, &e.Payload, &created); err != nil {
		return Event{}, fmt.Errorf("scan event: %w", err)
	}
	e.Type = protocol.EventType(typ)
	if created != "" {
		t, err := time.Parse(timeLayout, created)
		if err != nil {
			return Event{}, fmt.Errorf("event %d: parse created_at %q: %w", e.ID, created, err)
		}
		e.CreatedAt = t
	}
	return e, nil
}

// buildQuery turns opts into SQL ordered newest first.
func buildQuery(opts QueryOpts) (string, []any) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, arg any) {
		where = append(where, cond)
		args = append(args, arg)
	}

	if opts.AgentID != "" {
		add("agent_id = ?", opts.AgentID)
	}
	if opts.Type != "" {
		add("type = ?", string(opts.Type))
	}
	if opts.AfterID > 0 {
		add("id > ?", opts.AfterID)
	}
	if opts.After != nil {
		add("created_at >= ?", opts.After.UTC().Format(timeLayout))
	}

	var b strings.Builder
	b.WriteString("SELECT id, type, agent_id, task, payload, created_at FROM events")
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY id DESC")
	if opts.Limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", opts.Limit)
	}
	return b.String(), args
}
