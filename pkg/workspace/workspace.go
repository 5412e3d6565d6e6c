// Package workspace manages isolated, branch-backed git worktrees for agents.
//
// Workspaces are keyed by a sanitized form of the task text. Nothing is
// persisted here: the set of live workspaces is always re-read from
// `git worktree list`, which is the source of truth for what exists on disk.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"orchestra/pkg/protocol"
)

// GitRunner abstracts git command execution for testability.
type GitRunner interface {
	Run(ctx context.Context, dir string, args ...string) (stdout string, stderr string, err error)
}

// Workspace describes one agent worktree.
type Workspace struct {
	Path      string    `json:"path"`
	Branch    string    `json:"branch"`
	Task      string    `json:"task"`
	CreatedAt time.Time `json:"created_at"`
	IsActive  bool      `json:"is_active"`
}

// Options configures a Manager. Zero values fall back to the defaults in
// package protocol.
type Options struct {
	WorktreeDir       string // relative to the repo root, or absolute
	BranchPrefix      string
	IntegrationBranch string // branch that Cleanup checks merges against
	Logger            *slog.Logger
}

// Manager creates, lists and removes worktrees in one repository.
type Manager struct {
	repoRoot          string
	worktreeDir       string
	branchPrefix      string
	integrationBranch string
	git               GitRunner
	logger            *slog.Logger

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// NewManager returns a Manager for the repository at repoRoot.
func NewManager(repoRoot string, git GitRunner, opts Options) *Manager {
	if opts.WorktreeDir == "" {
		opts.WorktreeDir = protocol.WorktreesDir
	}
	if opts.BranchPrefix == "" {
		opts.BranchPrefix = protocol.BranchPrefix
	}
	if opts.IntegrationBranch == "" {
		opts.IntegrationBranch = "main"
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{
		repoRoot:          repoRoot,
		worktreeDir:       opts.WorktreeDir,
		branchPrefix:      strings.TrimSuffix(opts.BranchPrefix, "/"),
		integrationBranch: opts.IntegrationBranch,
		git:               git,
		logger:            opts.Logger,
		nowFunc:           time.Now,
	}
}

// Root returns the directory holding all worktrees.
func (m *Manager) Root() string {
	if filepath.IsAbs(m.worktreeDir) {
		return m.worktreeDir
	}
	return filepath.Join(m.repoRoot, m.worktreeDir)
}

// SanitizeTask derives the workspace key from task text: lower-cased,
// spaces and path separators turned into hyphens, characters git rejects
// in ref names dropped, truncated to protocol.MaxTaskKeyLen characters.
func SanitizeTask(task string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(task) {
		switch {
		case r == ' ' || r == '/' || r == '\\':
			b.WriteRune('-')
		case unicode.IsControl(r) || unicode.IsSpace(r):
			b.WriteRune('-')
		case strings.ContainsRune("~^:?*[", r):
			// not allowed in git ref names
		default:
			b.WriteRune(r)
		}
	}
	key := b.String()
	for strings.Contains(key, "..") {
		key = strings.ReplaceAll(key, "..", ".")
	}
	key = strings.ReplaceAll(key, "@{", "@")
	key = strings.TrimLeft(key, ".")

	if runes := []rune(key); len(runes) > protocol.MaxTaskKeyLen {
		key = string(runes[:protocol.MaxTaskKeyLen])
	}
	key = strings.TrimRight(key, ".")
	for strings.HasSuffix(key, ".lock") {
		key = strings.TrimRight(strings.TrimSuffix(key, ".lock"), ".")
	}
	return key
}

// BranchFor returns the branch name a task's workspace uses.
func (m *Manager) BranchFor(task string) string {
	return m.branchPrefix + "/" + SanitizeTask(task)
}

// PathFor returns the directory a task's workspace uses.
func (m *Manager) PathFor(task string) string {
	return filepath.Join(m.Root(), protocol.WorktreeDirPrefix+SanitizeTask(task))
}

// CurrentBranch returns the branch checked out in the repository root,
// or "main" when git cannot tell.
func (m *Manager) CurrentBranch(ctx context.Context) string {
	out, _, err := m.git.Run(ctx, m.repoRoot, "rev-parse", "--abbrev-ref", "HEAD")
	branch := strings.TrimSpace(out)
	if err != nil || branch == "" {
		return "main"
	}
	return branch
}

// Create materializes a worktree for task on a new branch cut from
// baseBranch (the current branch when empty).
//
// If a live workspace already owns the task's key, Create returns a
// *protocol.WorkspaceConflictError and changes nothing. If creating the
// branch fails, for example because a leftover branch exists, Create retries
// once by checking that branch out into the new worktree. A
// *protocol.WorkspaceCreateError is returned only when both attempts fail.
func (m *Manager) Create(ctx context.Context, task, baseBranch string) (*Workspace, error) {
	key := SanitizeTask(task)
	branch := m.branchPrefix + "/" + key
	if key == "" {
		return nil, &protocol.WorkspaceCreateError{
			Task:   task,
			Branch: branch,
			Err:    errors.New("task has no characters usable in a branch name"),
		}
	}
	path := m.PathFor(task)

	active, err := m.ListActive(ctx)
	if err != nil {
		m.logger.Warn("list worktrees before create", "task", task, "err", err)
	}
	for _, ws := range active {
		if ws.Task == key {
			return nil, &protocol.WorkspaceConflictError{Task: task, Key: key, Existing: ws.Path}
		}
	}

	if err := os.MkdirAll(m.Root(), 0o755); err != nil {
		return nil, fmt.Errorf("create worktree root %s: %w", m.Root(), err)
	}

	if baseBranch == "" {
		baseBranch = m.CurrentBranch(ctx)
	}

	_, stderr, err := m.git.Run(ctx, m.repoRoot, "worktree", "add", "-b", branch, path, baseBranch)
	if err != nil {
		firstErr := fmt.Errorf("worktree add -b %s: %w: %s", branch, err, strings.TrimSpace(stderr))
		m.logger.Debug("new branch failed, attaching existing branch", "branch", branch, "err", firstErr)

		_, stderr, err = m.git.Run(ctx, m.repoRoot, "worktree", "add", path, branch)
		if err != nil {
			retryErr := fmt.Errorf("worktree add %s: %w: %s", branch, err, strings.TrimSpace(stderr))
			return nil, &protocol.WorkspaceCreateError{
				Task:   task,
				Branch: branch,
				Err:    errors.Join(firstErr, retryErr),
			}
		}
	}

	m.logger.Info("created workspace", "task", task, "branch", branch, "path", path)
	return &Workspace{
		Path:      path,
		Branch:    branch,
		Task:      task,
		CreatedAt: m.nowFunc(),
		IsActive:  true,
	}, nil
}

// ListActive returns the worktrees whose branch carries the configured
// prefix. Task is the sanitized key (the branch suffix) and CreatedAt is the
// time of the listing, since git does not record creation times.
func (m *Manager) ListActive(ctx context.Context) ([]Workspace, error) {
	out, stderr, err := m.git.Run(ctx, m.repoRoot, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("worktree list: %w: %s", err, strings.TrimSpace(stderr))
	}
	return parseWorktreeList(out, m.branchPrefix+"/", m.nowFunc()), nil
}

// parseWorktreeList parses `git worktree list --porcelain` output, keeping
// entries on branches under prefix.
func parseWorktreeList(out, prefix string, now time.Time) []Workspace {
	var (
		result []Workspace
		path   string
	)
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		switch {
		case strings.HasPrefix(line, "worktree "):
			path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "branch refs/heads/"):
			branch := strings.TrimPrefix(line, "branch refs/heads/")
			if path == "" || !strings.HasPrefix(branch, prefix) {
				continue
			}
			result = append(result, Workspace{
				Path:      path,
				Branch:    branch,
				Task:      strings.TrimPrefix(branch, prefix),
				CreatedAt: now,
				IsActive:  true,
			})
		case line == "":
			path = ""
		}
	}
	return result
}

// Get returns the live workspace for task, or nil when there is none.
func (m *Manager) Get(ctx context.Context, task string) (*Workspace, error) {
	key := SanitizeTask(task)
	active, err := m.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	for i := range active {
		if active[i].Task == key {
			return &active[i], nil
		}
	}
	return nil, nil
}

// Remove force-removes the worktree and force-deletes its branch. Both steps
// are attempted; a failure in one does not undo or skip the other.
func (m *Manager) Remove(ctx context.Context, ws Workspace) error {
	var errs []error

	if _, stderr, err := m.git.Run(ctx, m.repoRoot, "worktree", "remove", ws.Path, "--force"); err != nil {
		errs = append(errs, fmt.Errorf("worktree remove %s: %w: %s", ws.Path, err, strings.TrimSpace(stderr)))
	}
	if _, stderr, err := m.git.Run(ctx, m.repoRoot, "branch", "-D", ws.Branch); err != nil {
		errs = append(errs, fmt.Errorf("branch -D %s: %w: %s", ws.Branch, err, strings.TrimSpace(stderr)))
	}

	if err := errors.Join(errs...); err != nil {
		m.logger.Warn("remove workspace", "branch", ws.Branch, "path", ws.Path, "err", err)
		return err
	}
	m.logger.Info("removed workspace", "branch", ws.Branch, "path", ws.Path)
	return nil
}

// Cleanup removes workspaces whose branch is fully merged into the
// integration branch, or every workspace when mergedOnly is false. It
// returns how many were removed.
func (m *Manager) Cleanup(ctx context.Context, mergedOnly bool) (int, error) {
	active, err := m.ListActive(ctx)
	if err != nil {
		return 0, err
	}

	var merged map[string]bool
	if mergedOnly {
		merged, err = m.mergedBranches(ctx)
		if err != nil {
			return 0, err
		}
	}

	removed := 0
	var errs []error
	for _, ws := range active {
		if mergedOnly && !merged[ws.Branch] {
			continue
		}
		if err := m.Remove(ctx, ws); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

// mergedBranches returns the set of local branches merged into the
// integration branch.
func (m *Manager) mergedBranches(ctx context.Context) (map[string]bool, error) {
	out, stderr, err := m.git.Run(ctx, m.repoRoot, "branch", "--merged", m.integrationBranch)
	if err != nil {
		return nil, fmt.Errorf("branch --merged %s: %w: %s", m.integrationBranch, err, strings.TrimSpace(stderr))
	}
	merged := make(map[string]bool)
	for _, line := range strings.Split(out, "\n") {
		// "* " marks the current branch, "+ " a branch checked out in another worktree.
		name := strings.TrimSpace(line)
		name = strings.TrimPrefix(name, "* ")
		name = strings.TrimPrefix(name, "+ ")
		if name != "" {
			merged[name] = true
		}
	}
	return merged, nil
}

// Prune cleans up git's bookkeeping for worktrees whose directories are gone.
func (m *Manager) Prune(ctx context.Context) error {
	if _, stderr, err := m.git.Run(ctx, m.repoRoot, "worktree", "prune"); err != nil {
		return fmt.Errorf("worktree prune: %w: %s", err, strings.TrimSpace(stderr))
	}
	return nil
}
