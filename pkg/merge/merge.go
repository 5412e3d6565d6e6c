// Package merge lands agent branches on the integration branch.
//
// A merge rebases the agent's branch onto the integration branch inside the
// agent's worktree, then fast-forwards the integration branch in the
// repository root. The commits that land keep the hashes they had on the
// rebased branch. Merges are serialized: one Merger runs one at a time.
package merge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"
)

// abortTimeout bounds the `rebase --abort` issued after a cancelled rebase.
const abortTimeout = 5 * time.Second

// ErrDirtyWorktree is returned when the agent left uncommitted changes.
var ErrDirtyWorktree = errors.New("worktree has uncommitted changes")

// GitRunner abstracts git command execution for testability.
type GitRunner interface {
	Run(ctx context.Context, dir string, args ...string) (stdout string, stderr string, err error)
}

// Request names the branch to land and the worktree it is checked out in.
type Request struct {
	AgentID  string // for errors and logs
	Branch   string
	Worktree string
}

// Result is the outcome of a successful merge.
type Result struct {
	CommitSHA string `json:"commit_sha"`
	// AlreadyMerged is set when the branch had no commits beyond the target.
	AlreadyMerged bool `json:"already_merged"`
}

// ConflictError is returned when the rebase stops on conflicts. The rebase
// has been aborted and the branch is unchanged.
type ConflictError struct {
	AgentID string
	Branch  string
	Files   []string
}

func (e *ConflictError) Error() string {
	if len(e.Files) == 0 {
		return fmt.Sprintf("rebase of %s (agent %s) failed", e.Branch, e.AgentID)
	}
	return fmt.Sprintf("merge conflict on %s (agent %s): conflicting files: %s",
		e.Branch, e.AgentID, strings.Join(e.Files, ", "))
}

// Merger serializes merges into one target branch.
type Merger struct {
	mu       sync.Mutex
	git      GitRunner
	repoRoot string
	target   string
	logger   *slog.Logger
}

// NewMerger returns a Merger that lands branches on target in repoRoot.
func NewMerger(repoRoot, target string, git GitRunner, logger *slog.Logger) *Merger {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Merger{git: git, repoRoot: repoRoot, target: target, logger: logger}
}

// Target returns the branch merges land on.
func (m *Merger) Target() string { return m.target }

// Merge lands req.Branch on the target branch:
//  1. nothing to do when the branch has no commits beyond the target
//  2. refuse a worktree with uncommitted changes
//  3. git rebase <target> in the worktree; on failure abort, returning
//     *ConflictError when git reported conflicting files
//  4. git merge --ff-only <branch> in the repository root, which must have
//     the target checked out
func (m *Merger) Merge(ctx context.Context, req Request) (*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if merged, sha, err := m.alreadyMerged(ctx, req); err != nil {
		return nil, err
	} else if merged {
		m.logger.Info("branch already merged", "agent_id", req.AgentID, "branch", req.Branch)
		return &Result{CommitSHA: sha, AlreadyMerged: true}, nil
	}

	out, stderr, err := m.git.Run(ctx, req.Worktree, "status", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("status of %s: %w: %s", req.Worktree, err, strings.TrimSpace(stderr))
	}
	if strings.TrimSpace(out) != "" {
		return nil, fmt.Errorf("%s: %w", req.Worktree, ErrDirtyWorktree)
	}

	if stdout, stderr, err := m.git.Run(ctx, req.Worktree, "rebase", m.target); err != nil {
		return nil, m.rebaseFailed(ctx, req, stdout, stderr, err)
	}

	head, _, err := m.git.Run(ctx, m.repoRoot, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return nil, fmt.Errorf("read current branch: %w", err)
	}
	if current := strings.TrimSpace(head); current != m.target {
		return nil, fmt.Errorf("repository root is on %s, not %s; check out %s to merge", current, m.target, m.target)
	}

	if _, stderr, err := m.git.Run(ctx, m.repoRoot, "merge", "--ff-only", req.Branch); err != nil {
		return nil, fmt.Errorf("fast-forward %s onto %s: %w: %s", req.Branch, m.target, err, strings.TrimSpace(stderr))
	}

	sha, _, err := m.git.Run(ctx, m.repoRoot, "rev-parse", "HEAD")
	if err != nil {
		return nil, fmt.Errorf("rev-parse HEAD: %w", err)
	}
	m.logger.Info("merged branch", "agent_id", req.AgentID, "branch", req.Branch, "sha", strings.TrimSpace(sha))
	return &Result{CommitSHA: strings.TrimSpace(sha)}, nil
}

// alreadyMerged reports whether every commit on the branch is reachable
// from the target, returning the target's head when it is.
func (m *Merger) alreadyMerged(ctx context.Context, req Request) (bool, string, error) {
	out, stderr, err := m.git.Run(ctx, m.repoRoot, "rev-list", "--count", m.target+".."+req.Branch)
	if err != nil {
		return false, "", fmt.Errorf("rev-list %s..%s: %w: %s", m.target, req.Branch, err, strings.TrimSpace(stderr))
	}
	if strings.TrimSpace(out) != "0" {
		return false, "", nil
	}
	sha, _, err := m.git.Run(ctx, m.repoRoot, "rev-parse", m.target)
	if err != nil {
		return false, "", fmt.Errorf("rev-parse %s: %w", m.target, err)
	}
	return true, strings.TrimSpace(sha), nil
}

// rebaseFailed aborts the rebase and describes the failure. Only a rebase
// that stopped on CONFLICT lines is a *ConflictError; anything else keeps
// git's own message.
func (m *Merger) rebaseFailed(ctx context.Context, req Request, stdout, stderr string, runErr error) error {
	abortCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abortTimeout)
	defer cancel()
	_, _, _ = m.git.Run(abortCtx, req.Worktree, "rebase", "--abort")

	if ctx.Err() != nil {
		return fmt.Errorf("merge cancelled: %w", ctx.Err())
	}
	// git prints CONFLICT lines on stdout or stderr depending on version.
	if files := parseConflictFiles(stdout + "\n" + stderr); len(files) > 0 {
		return &ConflictError{AgentID: req.AgentID, Branch: req.Branch, Files: files}
	}
	return fmt.Errorf("rebase %s onto %s: %w: %s", req.Branch, m.target, runErr, strings.TrimSpace(stderr))
}

// conflictPattern matches git's CONFLICT lines, for example
//
//	CONFLICT (content): Merge conflict in src/main.go
var conflictPattern = regexp.MustCompile(`CONFLICT \([^)]+\): Merge conflict in (.+)`)

func parseConflictFiles(output string) []string {
	matches := conflictPattern.FindAllStringSubmatch(output, -1)
	if len(matches) == 0 {
		return nil
	}
	files := make([]string, 0, len(matches))
	for _, m := range matches {
		files = append(files, strings.TrimSpace(m[1]))
	}
	return files
}
