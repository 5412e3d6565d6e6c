package protocol

import (
	"errors"
	"fmt"
)

// ErrAgentNotFound is returned when an agent id has no record in the store.
var ErrAgentNotFound = errors.New("agent not found")

// WorkspaceCreateError reports that a worktree could not be created, either
// with a new branch or by attaching the existing one.
type WorkspaceCreateError struct {
	Task   string
	Branch string
	Err    error
}

func (e *WorkspaceCreateError) Error() string {
	return fmt.Sprintf("create workspace for task %q (branch %s): %v", e.Task, e.Branch, e.Err)
}

func (e *WorkspaceCreateError) Unwrap() error { return e.Err }

// WorkspaceConflictError reports that a live workspace already owns the
// sanitized key derived from a task. Distinct tasks that sanitize to the same
// key are rejected rather than sharing a working copy.
type WorkspaceConflictError struct {
	Task     string
	Key      string
	Existing string // path of the workspace that owns Key
}

func (e *WorkspaceConflictError) Error() string {
	return fmt.Sprintf("workspace %q already exists at %s (task %q)", e.Key, e.Existing, e.Task)
}
