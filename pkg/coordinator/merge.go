package coordinator

import (
	"context"
	"errors"
	"fmt"

	"orchestra/pkg/merge"
	"orchestra/pkg/protocol"
)

// Merger lands a workspace branch on the integration branch. *merge.Merger
// implements it.
type Merger interface {
	Merge(ctx context.Context, req merge.Request) (*merge.Result, error)
}

// Merge lands the branch of a completed agent on the integration branch.
// The agent must have run in a workspace that still exists. The workspace
// is left in place; Cleanup or `worktrees cleanup` removes it afterwards.
func (c *Coordinator) Merge(ctx context.Context, id string) (*merge.Result, error) {
	if c.merger == nil {
		return nil, errors.New("merging is not configured")
	}
	rec, ok := c.store.Get(id)
	if !ok {
		return nil, fmt.Errorf("merge %s: %w", id, protocol.ErrAgentNotFound)
	}
	if rec.Status != protocol.StatusCompleted {
		return nil, fmt.Errorf("merge %s: agent is %s; only completed agents can be merged", id, rec.Status)
	}
	if rec.WorktreePath == "" {
		return nil, fmt.Errorf("merge %s: agent ran without a worktree", id)
	}

	ws, err := c.workspaces.Get(ctx, rec.Task)
	if err != nil {
		return nil, fmt.Errorf("merge %s: %w", id, err)
	}
	if ws == nil {
		return nil, fmt.Errorf("merge %s: no live worktree for task %q", id, rec.Task)
	}

	res, err := c.merger.Merge(ctx, merge.Request{AgentID: id, Branch: ws.Branch, Worktree: ws.Path})
	if err != nil {
		fields := map[string]any{"branch": ws.Branch, "error": err.Error()}
		var conflict *merge.ConflictError
		if errors.As(err, &conflict) {
			fields["files"] = conflict.Files
		}
		c.emit(ctx, protocol.EventMergeFailed, id, rec.Task, fields)
		return nil, err
	}

	c.emit(ctx, protocol.EventMerged, id, rec.Task, map[string]any{
		"branch":         ws.Branch,
		"sha":            res.CommitSHA,
		"already_merged": res.AlreadyMerged,
	})
	c.logger.Info("merged agent branch", "agent_id", id, "branch", ws.Branch, "sha", res.CommitSHA)
	return res, nil
}
