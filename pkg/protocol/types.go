package protocol

// Status is the lifecycle state of an agent record.
type Status string

// Agent status constants. The set is closed.
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusStale     Status = "stale"
	StatusPaused    Status = "paused"
)

// AllStatuses lists every status in display order.
var AllStatuses = []Status{ //nolint:gochecknoglobals // read-only table
	StatusPending,
	StatusRunning,
	StatusPaused,
	StatusCompleted,
	StatusFailed,
	StatusStale,
}

// Valid reports whether s is one of the known status values.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusStale, StatusPaused:
		return true
	default:
		return false
	}
}

// Terminal reports whether s is a finished state (completed or failed).
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// EventType classifies an entry in the lifecycle event log.
type EventType string

// Lifecycle event types.
const (
	EventSpawned     EventType = "spawned"
	EventSpawnFailed EventType = "spawn_failed"
	EventCompleted   EventType = "completed"
	EventFailed      EventType = "failed"
	EventPaused      EventType = "paused"
	EventResumed     EventType = "resumed"
	EventStale       EventType = "stale"
	EventCleaned     EventType = "cleaned"
	EventMerged      EventType = "merged"
	EventMergeFailed EventType = "merge_failed"
)
