// Package coordinator spawns, supervises, pauses, resumes, collects and
// cleans up agent processes.
//
// The Coordinator keeps live process handles in memory only. They are lost
// when the controller exits: the agents keep running, their records stay in
// the state store, and the staleness sweep in Status is the only path that
// reconciles them afterwards.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"orchestra/pkg/config"
	"orchestra/pkg/protocol"
	"orchestra/pkg/state"
	"orchestra/pkg/workspace"

	"github.com/google/uuid"
)

// Workspaces is the subset of *workspace.Manager the coordinator uses.
type Workspaces interface {
	Create(ctx context.Context, task, baseBranch string) (*workspace.Workspace, error)
	Get(ctx context.Context, task string) (*workspace.Workspace, error)
	Remove(ctx context.Context, ws workspace.Workspace) error
}

// EventRecorder receives lifecycle events. *eventlog.Log implements it.
type EventRecorder interface {
	Record(ctx context.Context, typ protocol.EventType, agentID, task, payload string) error
}

// Handle pairs a live process with its agent id and workspace. Handles
// exist only inside the process that spawned them.
type Handle struct {
	AgentID   string
	Task      string
	Workspace *workspace.Workspace // nil when spawned without isolation
	StartedAt time.Time

	proc Process
}

// Pid returns the OS process id of the agent.
func (h *Handle) Pid() int { return h.proc.Pid() }

// Result is the outcome of one collected agent.
type Result struct {
	AgentID  string        `json:"agent_id"`
	Task     string        `json:"task"`
	Success  bool          `json:"success"`
	ExitCode int           `json:"exit_code"`
	Output   string        `json:"output"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Summary is the answer to Status.
type Summary struct {
	Total  int                     `json:"total"`
	Counts map[protocol.Status]int `json:"counts"`
	Agents []state.AgentRecord     `json:"agents"`
	// NewlyStale lists ids the sweep moved to stale during this call.
	NewlyStale []string `json:"newly_stale,omitempty"`
}

// Deps are the collaborators of a Coordinator.
type Deps struct {
	Store      *state.Store
	Workspaces Workspaces
	Launcher   Launcher
	Events     EventRecorder // optional
	Merger     Merger        // optional; Merge fails without one
	Logger     *slog.Logger  // nil discards
}

// Coordinator manages agents for one repository.
type Coordinator struct {
	cfg        config.Config
	repoRoot   string
	store      *state.Store
	workspaces Workspaces
	launcher   Launcher
	events     EventRecorder
	merger     Merger
	logger     *slog.Logger

	mu      sync.Mutex
	handles map[string]*Handle

	// nowFunc and newID allow tests to control time and ids.
	nowFunc func() time.Time
	newID   func() string
}

// New returns a Coordinator for the repository at repoRoot.
func New(cfg config.Config, repoRoot string, deps Deps) *Coordinator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Coordinator{
		cfg:        cfg,
		repoRoot:   repoRoot,
		store:      deps.Store,
		workspaces: deps.Workspaces,
		launcher:   deps.Launcher,
		events:     deps.Events,
		merger:     deps.Merger,
		logger:     logger,
		handles:    make(map[string]*Handle),
		nowFunc:    time.Now,
		newID:      newAgentID,
	}
}

// newAgentID returns the first 8 hex characters of a random UUID.
func newAgentID() string {
	return uuid.NewString()[:8]
}

// Handles returns the live handles, ordered by start time.
func (c *Coordinator) Handles() []*Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Handle, 0, len(c.handles))
	for _, h := range c.handles {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].AgentID < out[j].AgentID
	})
	return out
}

// Handle returns the live handle for id, if this process owns one.
func (c *Coordinator) Handle(id string) (*Handle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.handles[id]
	return h, ok
}

// BatchSize is how many of n tasks Spawn launches for a requested
// parallelism (0 means the configured default).
func (c *Coordinator) BatchSize(n, parallel int) int {
	if parallel <= 0 {
		parallel = c.cfg.DefaultParallel
	}
	return min(n, parallel, c.cfg.MaxParallel)
}

// Spawn launches one agent for each of the first BatchSize(len(tasks),
// parallel) tasks, in order, one after another. Tasks beyond that are
// dropped, not queued. A failure aborts only that task's spawn; the handles
// that did start are returned together with the joined failures.
func (c *Coordinator) Spawn(ctx context.Context, tasks []string, parallel int, useWorktrees bool) ([]*Handle, error) {
	n := c.BatchSize(len(tasks), parallel)
	if dropped := len(tasks) - n; dropped > 0 {
		c.logger.Warn("tasks beyond the parallel limit are dropped", "launched", n, "dropped", dropped)
	}

	var (
		handles []*Handle
		errs    []error
	)
	for _, task := range tasks[:n] {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		h, err := c.spawnOne(ctx, task, useWorktrees, nil, "")
		if err != nil {
			errs = append(errs, fmt.Errorf("spawn %q: %w", task, err))
			continue
		}
		handles = append(handles, h)
	}
	return handles, errors.Join(errs...)
}

// spawnOne launches a single agent. When ws is non-nil it is used as the
// working copy instead of creating one.
func (c *Coordinator) spawnOne(ctx context.Context, task string, useWorktree bool, ws *workspace.Workspace, resumedFrom string) (*Handle, error) {
	id := c.uniqueID()

	created := false
	if useWorktree && ws == nil {
		var err error
		ws, err = c.workspaces.Create(ctx, task, "")
		if err != nil {
			c.emit(ctx, protocol.EventSpawnFailed, id, task, map[string]any{"error": err.Error()})
			return nil, err
		}
		created = true
	}

	dir := c.repoRoot
	if ws != nil {
		dir = ws.Path
	}

	proc, err := c.launcher.Launch(ctx, LaunchSpec{
		AgentID: id,
		Command: c.cfg.AgentCommand,
		Args:    AgentArgs(c.cfg, task),
		Dir:     dir,
		LogDir:  c.agentLogDir(id),
	})
	if err != nil {
		if created {
			if rmErr := c.workspaces.Remove(ctx, *ws); rmErr != nil {
				c.logger.Warn("remove workspace after failed launch", "task", task, "err", rmErr)
			}
		}
		c.emit(ctx, protocol.EventSpawnFailed, id, task, map[string]any{"error": err.Error()})
		return nil, err
	}

	now := c.nowFunc()
	rec := state.AgentRecord{
		AgentID:       id,
		Task:          task,
		Status:        protocol.StatusRunning,
		StartedAt:     &now,
		LastHeartbeat: &now,
		ResumedFrom:   resumedFrom,
	}
	if ws != nil {
		rec.WorktreePath = ws.Path
	}
	if err := c.store.Add(rec); err != nil {
		_ = proc.Terminate(c.cfg.PauseGrace)
		return nil, fmt.Errorf("record agent %s: %w", id, err)
	}

	h := &Handle{AgentID: id, Task: task, Workspace: ws, StartedAt: now, proc: proc}
	c.mu.Lock()
	c.handles[id] = h
	c.mu.Unlock()

	payload := map[string]any{"pid": proc.Pid()}
	if ws != nil {
		payload["worktree"] = ws.Path
		payload["branch"] = ws.Branch
	}
	if resumedFrom != "" {
		payload["resumed_from"] = resumedFrom
	}
	c.emit(ctx, protocol.EventSpawned, id, task, payload)
	c.logger.Info("spawned agent", "agent_id", id, "task", task, "pid", proc.Pid(), "path", dir)
	return h, nil
}

// uniqueID draws ids until one is unused in the store.
func (c *Coordinator) uniqueID() string {
	for {
		id := c.newID()
		if _, exists := c.store.Get(id); !exists {
			return id
		}
	}
}

// agentLogDir returns where an agent's output is written.
func (c *Coordinator) agentLogDir(id string) string {
	if c.cfg.LogDir == "" {
		return ""
	}
	dir := c.cfg.LogDir
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(c.repoRoot, dir)
	}
	return filepath.Join(dir, id)
}

// AgentArgs builds the non-interactive agent invocation for task. Every agent
// gets the same allow-list from cfg.
func AgentArgs(cfg config.Config, task string) []string {
	args := []string{"--print", task}
	if cfg.SkipPermissions {
		args = append(args, "--dangerously-skip-permissions")
	}
	for _, pattern := range cfg.AllowedTools {
		args = append(args, "--allowedTools", pattern)
	}
	return args
}

// Collect waits for the given handles, or every live handle when handles is
// nil, each in its own goroutine. Each finished agent's record moves to
// completed or failed, and its handle is dropped. Results are keyed by
// agent id. If ctx ends first, Collect returns the results gathered so far
// together with ctx.Err(); unfinished agents keep running.
func (c *Coordinator) Collect(ctx context.Context, handles []*Handle) (map[string]Result, error) {
	if handles == nil {
		handles = c.Handles()
	}

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make(map[string]Result, len(handles))
	)
	for _, h := range handles {
		wg.Add(1)
		go func(h *Handle) {
			defer wg.Done()
			exit, err := h.proc.Wait(ctx)
			if err != nil && ctx.Err() != nil {
				return
			}
			res := c.finish(ctx, h, exit, err)
			mu.Lock()
			results[h.AgentID] = res
			mu.Unlock()
		}(h)
	}
	wg.Wait()

	return results, ctx.Err()
}

// finish records a process exit. A record that was paused keeps its status:
// the exit is the pause taking effect, not an outcome.
func (c *Coordinator) finish(ctx context.Context, h *Handle, exit Exit, waitErr error) Result {
	res := Result{
		AgentID:  h.AgentID,
		Task:     h.Task,
		Success:  waitErr == nil && exit.Code == 0,
		ExitCode: exit.Code,
		Output:   exit.Stdout,
		Duration: c.nowFunc().Sub(h.StartedAt),
	}
	if !res.Success {
		res.Error = failureMessage(exit, waitErr)
	}

	c.dropHandle(h)

	paused := false
	found, err := c.store.Update(h.AgentID, func(rec *state.AgentRecord) {
		if rec.Status == protocol.StatusPaused {
			paused = true
			return
		}
		rec.Result = Truncate(exit.Stdout, protocol.ResultCap)
		if res.Success {
			rec.Status = protocol.StatusCompleted
			rec.ErrorMessage = ""
		} else {
			rec.Status = protocol.StatusFailed
			rec.ErrorMessage = res.Error
		}
	})
	switch {
	case err != nil:
		c.logger.Error("record agent result", "agent_id", h.AgentID, "err", err)
	case !found:
		c.logger.Debug("agent record removed before collection", "agent_id", h.AgentID)
	}

	if found && !paused {
		typ := protocol.EventCompleted
		if !res.Success {
			typ = protocol.EventFailed
		}
		c.emit(ctx, typ, h.AgentID, h.Task, map[string]any{
			"exit_code":   exit.Code,
			"duration_ms": res.Duration.Milliseconds(),
		})
	}
	c.logger.Info("collected agent", "agent_id", h.AgentID, "task", h.Task, "success", res.Success, "exit_code", exit.Code)
	return res
}

func failureMessage(exit Exit, waitErr error) string {
	switch {
	case exit.Stderr != "":
		return exit.Stderr
	case waitErr != nil:
		return waitErr.Error()
	case exit.Code < 0:
		return "agent terminated by signal"
	default:
		return fmt.Sprintf("agent exited with code %d", exit.Code)
	}
}

// dropHandle forgets h if it is still the registered handle for its id.
func (c *Coordinator) dropHandle(h *Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.handles[h.AgentID]; ok && cur == h {
		delete(c.handles, h.AgentID)
	}
}

// Truncate returns at most n characters of s.
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

// Status runs the staleness sweep and then reports counts per status and
// every record.
func (c *Coordinator) Status(ctx context.Context) (Summary, error) {
	stale, err := c.store.MarkStale(c.cfg.StaleThreshold)
	if err != nil {
		return Summary{}, fmt.Errorf("mark stale agents: %w", err)
	}
	for _, id := range stale {
		task := ""
		if rec, ok := c.store.Get(id); ok {
			task = rec.Task
		}
		c.emit(ctx, protocol.EventStale, id, task, map[string]any{"threshold": c.cfg.StaleThreshold.String()})
	}

	agents := c.store.List()
	counts := make(map[protocol.Status]int, len(protocol.AllStatuses))
	for _, s := range protocol.AllStatuses {
		counts[s] = 0
	}
	for _, a := range agents {
		counts[a.Status]++
	}
	return Summary{
		Total:      len(agents),
		Counts:     counts,
		Agents:     agents,
		NewlyStale: stale,
	}, nil
}

// Pause terminates a live agent and marks it paused. It reports false when
// this process holds no live handle for id, which is always the case after
// a controller restart.
func (c *Coordinator) Pause(ctx context.Context, id string) (bool, error) {
	h, ok := c.Handle(id)
	if !ok || h.proc.Exited() {
		return false, nil
	}

	// Mark first so a concurrent Collect sees paused when the exit lands.
	if _, err := c.store.Update(id, func(rec *state.AgentRecord) {
		rec.Status = protocol.StatusPaused
	}); err != nil {
		return false, fmt.Errorf("mark agent %s paused: %w", id, err)
	}

	if err := h.proc.Terminate(c.cfg.PauseGrace); err != nil {
		return false, fmt.Errorf("terminate agent %s: %w", id, err)
	}
	c.dropHandle(h)

	c.emit(ctx, protocol.EventPaused, id, h.Task, nil)
	c.logger.Info("paused agent", "agent_id", id, "task", h.Task)
	return true, nil
}

// Resume restarts a paused agent from scratch under a new id. The paused
// record is deleted and a new running record, carrying ResumedFrom, takes
// its place. An agent that had a workspace reuses its live workspace, or
// gets a fresh one if that is gone. Resume returns nil, nil when id is
// unknown or not paused.
func (c *Coordinator) Resume(ctx context.Context, id string) (*Handle, error) {
	rec, ok := c.store.Get(id)
	if !ok || rec.Status != protocol.StatusPaused {
		return nil, nil
	}

	useWorktree := rec.WorktreePath != ""
	var ws *workspace.Workspace
	if useWorktree {
		existing, err := c.workspaces.Get(ctx, rec.Task)
		if err != nil {
			c.logger.Warn("look up workspace for resume", "agent_id", id, "err", err)
		}
		ws = existing
	}

	h, err := c.spawnOne(ctx, rec.Task, useWorktree, ws, id)
	if err != nil {
		return nil, fmt.Errorf("resume %s: %w", id, err)
	}

	if _, err := c.store.Remove(id); err != nil {
		return h, fmt.Errorf("remove paused record %s: %w", id, err)
	}

	c.emit(ctx, protocol.EventResumed, h.AgentID, rec.Task, map[string]any{"resumed_from": id})
	c.logger.Info("resumed agent", "agent_id", h.AgentID, "resumed_from", id, "task", rec.Task)
	return h, nil
}

// Cleanup deletes records that are completed or failed, or every record
// when completedOnly is false. For each deleted record that had a
// workspace, the live workspace for its task is looked up and removed. The
// record is deleted whether or not that succeeds. It returns the number of
// records deleted, plus any workspace or store failures joined.
func (c *Coordinator) Cleanup(ctx context.Context, completedOnly bool) (int, error) {
	var (
		cleaned int
		errs    []error
	)
	for _, rec := range c.store.List() {
		if completedOnly && !rec.Status.Terminal() {
			continue
		}

		if h, ok := c.Handle(rec.AgentID); ok {
			if err := h.proc.Terminate(c.cfg.PauseGrace); err != nil {
				errs = append(errs, fmt.Errorf("terminate agent %s: %w", rec.AgentID, err))
			}
			c.dropHandle(h)
		}

		removedWorkspace := ""
		if rec.WorktreePath != "" {
			ws, err := c.workspaces.Get(ctx, rec.Task)
			switch {
			case err != nil:
				errs = append(errs, fmt.Errorf("look up workspace for %s: %w", rec.AgentID, err))
			case ws != nil:
				if err := c.workspaces.Remove(ctx, *ws); err != nil {
					errs = append(errs, fmt.Errorf("remove workspace for %s: %w", rec.AgentID, err))
				} else {
					removedWorkspace = ws.Path
				}
			}
		}

		removed, err := c.store.Remove(rec.AgentID)
		if err != nil {
			errs = append(errs, fmt.Errorf("remove record %s: %w", rec.AgentID, err))
			continue
		}
		if !removed {
			continue
		}
		cleaned++
		c.emit(ctx, protocol.EventCleaned, rec.AgentID, rec.Task, map[string]any{
			"status":   string(rec.Status),
			"worktree": removedWorkspace,
		})
	}

	c.logger.Info("cleaned up agents", "count", cleaned, "completed_only", completedOnly)
	return cleaned, errors.Join(errs...)
}

// Get returns the stored record for id.
func (c *Coordinator) Get(id string) (state.AgentRecord, bool) {
	return c.store.Get(id)
}

// Heartbeat stamps an agent's heartbeat and, when non-empty, its current
// activity. It reports false for an unknown id.
func (c *Coordinator) Heartbeat(id, activity string) (bool, error) {
	return c.store.UpdateHeartbeat(id, activity)
}

// Progress sets an agent's advisory progress, clamped to [0,1].
func (c *Coordinator) Progress(id string, progress float64) (bool, error) {
	return c.store.UpdateProgress(id, progress)
}

// emit records an event, logging instead of failing when the log is
// unavailable.
func (c *Coordinator) emit(ctx context.Context, typ protocol.EventType, agentID, task string, fields map[string]any) {
	if c.events == nil {
		return
	}
	payload := ""
	if len(fields) > 0 {
		data, err := json.Marshal(fields)
		if err == nil {
			payload = string(data)
		}
	}
	// The event log outlives the caller's deadline.
	if err := c.events.Record(context.WithoutCancel(ctx), typ, agentID, task, payload); err != nil {
		c.logger.Warn("record event", "type", typ, "agent_id", agentID, "err", err)
	}
}
