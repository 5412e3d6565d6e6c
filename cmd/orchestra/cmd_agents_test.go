package main

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"orchestra/pkg/coordinator"
	"orchestra/pkg/protocol"
	"orchestra/pkg/state"

	"github.com/spf13/afero"
)

// spawnOne starts a blocking agent without a worktree and returns its id.
func spawnOne(t *testing.T, env *testEnv, task string) string {
	t.Helper()
	env.launcher.block = true
	var spawned []spawnedAgent
	if err := json.Unmarshal([]byte(env.mustRun("spawn", task, "--no-worktree", "--json")), &spawned); err != nil {
		t.Fatalf("decode spawn: %v", err)
	}
	return spawned[0].AgentID
}

func seedRecord(t *testing.T, env *testEnv, rec state.AgentRecord) {
	t.Helper()
	store := state.New(afero.NewOsFs(), env.statePath(), nil)
	now := time.Now()
	rec.StartedAt, rec.LastHeartbeat = &now, &now
	if err := store.Add(rec); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func statusOf(t *testing.T, env *testEnv) coordinator.Summary {
	t.Helper()
	var sum coordinator.Summary
	if err := json.Unmarshal([]byte(env.mustRun("status", "--json")), &sum); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	return sum
}

func TestHeartbeat_UpdatesActivityAndProgress(t *testing.T) {
	env := newTestEnv(t)
	id := spawnOne(t, env, "refactor parser")

	env.mustRun("heartbeat", id, "--activity", "running tests", "--progress", "0.5")

	sum := statusOf(t, env)
	if len(sum.Agents) != 1 {
		t.Fatalf("agents: %+v", sum.Agents)
	}
	rec := sum.Agents[0]
	if rec.CurrentActivity != "running tests" || rec.Progress != 0.5 {
		t.Errorf("record: %+v", rec)
	}
}

func TestHeartbeat_UnknownAgent(t *testing.T) {
	env := newTestEnv(t)
	_, _, err := env.run("heartbeat", "nope")
	if !errors.Is(err, protocol.ErrAgentNotFound) {
		t.Fatalf("expected ErrAgentNotFound, got %v", err)
	}
}

func TestHeartbeat_RejectsProgressOutOfRange(t *testing.T) {
	env := newTestEnv(t)
	id := spawnOne(t, env, "t")
	if _, _, err := env.run("heartbeat", id, "--activity", "half done", "--progress", "1.5"); err == nil {
		t.Fatal("expected range error")
	}

	// A rejected call leaves the record untouched.
	rec := statusOf(t, env).Agents[0]
	if rec.CurrentActivity == "half done" || rec.Progress != 0 {
		t.Errorf("record changed by rejected heartbeat: %+v", rec)
	}
}

func TestPause_FromAnotherInvocation(t *testing.T) {
	env := newTestEnv(t)
	id := spawnOne(t, env, "t")

	out := env.mustRun("pause", id)
	if !strings.Contains(out, "no live process") {
		t.Errorf("output: %q", out)
	}
	if got := statusOf(t, env).Agents[0].Status; got != protocol.StatusRunning {
		t.Errorf("status changed to %s", got)
	}

	if _, _, err := env.run("pause", "missing"); !errors.Is(err, protocol.ErrAgentNotFound) {
		t.Errorf("expected ErrAgentNotFound, got %v", err)
	}
}

func TestResume_ReplacesPausedRecord(t *testing.T) {
	env := newTestEnv(t)
	env.launcher.block = true
	seedRecord(t, env, state.AgentRecord{AgentID: "old00001", Task: "write docs", Status: protocol.StatusPaused})

	out := env.mustRun("resume", "old00001")
	if !strings.Contains(out, "Resumed old00001 as ") {
		t.Fatalf("output: %q", out)
	}

	sum := statusOf(t, env)
	if len(sum.Agents) != 1 {
		t.Fatalf("agents: %+v", sum.Agents)
	}
	rec := sum.Agents[0]
	if rec.AgentID == "old00001" || rec.ResumedFrom != "old00001" || rec.Status != protocol.StatusRunning {
		t.Errorf("resumed record: %+v", rec)
	}
	if specs := env.launcher.launched(); len(specs) != 1 || specs[0].Dir != env.repo {
		t.Errorf("launch: %+v", specs)
	}
}

func TestResume_NotPaused(t *testing.T) {
	env := newTestEnv(t)
	id := spawnOne(t, env, "t")

	out := env.mustRun("resume", id)
	if !strings.Contains(out, "is running, not paused") {
		t.Errorf("output: %q", out)
	}
	if _, _, err := env.run("resume", "missing"); !errors.Is(err, protocol.ErrAgentNotFound) {
		t.Errorf("expected ErrAgentNotFound, got %v", err)
	}
}

func TestResume_Wait(t *testing.T) {
	env := newTestEnv(t)
	env.launcher.stdout = "finished"
	seedRecord(t, env, state.AgentRecord{AgentID: "old00002", Task: "t", Status: protocol.StatusPaused})

	out := env.mustRun("resume", "old00002", "--wait")
	if !strings.Contains(out, "1 succeeded, 0 failed") {
		t.Errorf("output:\n%s", out)
	}
	if got := statusOf(t, env).Counts[protocol.StatusCompleted]; got != 1 {
		t.Errorf("completed: %d", got)
	}
}

func TestCollect_FreshProcessHasNothing(t *testing.T) {
	env := newTestEnv(t)
	spawnOne(t, env, "t")

	out := env.mustRun("collect")
	if !strings.Contains(out, "No agents to collect from") {
		t.Errorf("output: %q", out)
	}
}

func TestCleanup_CompletedThenAll(t *testing.T) {
	env := newTestEnv(t)
	env.mustRun("spawn", "done task", "--wait")
	spawnOne(t, env, "still going")

	out := env.mustRun("cleanup")
	if !strings.Contains(out, "Cleaned up 1 agent(s)") {
		t.Errorf("output: %q", out)
	}
	if !env.git.called("worktree remove") {
		t.Error("worktree of the completed agent should be removed")
	}
	if sum := statusOf(t, env); sum.Total != 1 || sum.Agents[0].Task != "still going" {
		t.Errorf("remaining: %+v", sum.Agents)
	}

	out = env.mustRun("cleanup", "--all")
	if !strings.Contains(out, "Cleaned up 1 agent(s)") {
		t.Errorf("output: %q", out)
	}
	if sum := statusOf(t, env); sum.Total != 0 {
		t.Errorf("expected no agents, got %+v", sum.Agents)
	}
}

func TestStatus_Empty(t *testing.T) {
	env := newTestEnv(t)
	out := env.mustRun("status")
	if !strings.Contains(out, "No agents tracked") {
		t.Errorf("output: %q", out)
	}
}

func TestStatus_MarksStale(t *testing.T) {
	env := newTestEnv(t)
	store := state.New(afero.NewOsFs(), env.statePath(), nil)
	old := time.Now().Add(-time.Hour)
	if err := store.Add(state.AgentRecord{
		AgentID: "gone0001", Task: "t", Status: protocol.StatusRunning,
		StartedAt: &old, LastHeartbeat: &old,
	}); err != nil {
		t.Fatal(err)
	}

	out := env.mustRun("status")
	if !strings.Contains(out, "marked gone0001 stale") || !strings.Contains(out, "stale: 1") {
		t.Errorf("output:\n%s", out)
	}
}

func TestWorktrees_ListCleanupPrune(t *testing.T) {
	env := newTestEnv(t)
	if out := env.mustRun("worktrees"); !strings.Contains(out, "No active worktrees") {
		t.Errorf("output: %q", out)
	}

	env.mustRun("spawn", "fix auth", "add tests", "--wait")
	out := env.mustRun("worktrees")
	if !strings.Contains(out, "orchestra/fix-auth") || !strings.Contains(out, "orchestra/add-tests") {
		t.Errorf("list:\n%s", out)
	}

	env.git.merged = []string{"  main", "  orchestra/fix-auth"}
	out = env.mustRun("worktrees", "cleanup")
	if !strings.Contains(out, "Removed 1 worktree(s)") {
		t.Errorf("cleanup: %q", out)
	}
	out = env.mustRun("worktrees", "cleanup", "--all")
	if !strings.Contains(out, "Removed 1 worktree(s)") {
		t.Errorf("cleanup --all: %q", out)
	}

	env.mustRun("worktrees", "prune")
	if !env.git.called("worktree prune") {
		t.Error("prune not issued")
	}
}

func TestLogs_ShowsLifecycle(t *testing.T) {
	env := newTestEnv(t)
	if out := env.mustRun("logs"); !strings.Contains(out, "no events found") {
		t.Errorf("empty log: %q", out)
	}

	env.mustRun("spawn", "fix auth", "--no-worktree", "--wait")
	out := env.mustRun("logs")
	for _, want := range []string{"spawned", "completed", "fix auth"} {
		if !strings.Contains(out, want) {
			t.Errorf("logs missing %q:\n%s", want, out)
		}
	}

	out = env.mustRun("logs", "--tail", "1")
	if strings.Count(strings.TrimSpace(out), "\n") != 0 {
		t.Errorf("--tail 1 printed several lines:\n%s", out)
	}
}

func TestLogs_Raw(t *testing.T) {
	env := newTestEnv(t)
	dir := filepath.Join(env.repo, ".orchestra", "agents", "abc12345")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "stdout.log"), []byte("one\ntwo\nthree\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	out := env.mustRun("logs", "abc12345", "--raw", "--tail", "2")
	if out != "two\nthree\n" {
		t.Errorf("raw tail: %q", out)
	}

	if _, _, err := env.run("logs", "--raw"); err == nil {
		t.Error("--raw without an agent id should fail")
	}
	if _, _, err := env.run("logs", "abc12345", "--raw", "--stderr"); err == nil {
		t.Error("missing stderr.log should fail")
	}
}

func TestVersionFlag(t *testing.T) {
	env := newTestEnv(t)
	out, _, err := env.runRaw("--version")
	if err != nil {
		t.Fatalf("orchestra --version: %v", err)
	}
	if !strings.HasPrefix(out, "orchestra ") || !strings.HasSuffix(out, "\n") {
		t.Errorf("version output: %q", out)
	}
}

func TestMerge_CompletedAgent(t *testing.T) {
	env := newTestEnv(t)
	env.mustRun("spawn", "fix auth", "--wait")
	id := statusOf(t, env).Agents[0].AgentID

	out := env.mustRun("merge", id)
	if !strings.Contains(out, id+": merged into main") {
		t.Errorf("output: %q", out)
	}
	if !env.git.called("merge --ff-only orchestra/fix-auth") {
		t.Error("fast-forward not issued")
	}

	logs := env.mustRun("logs", id)
	if !strings.Contains(logs, "merged") {
		t.Errorf("merge event missing:\n%s", logs)
	}
}

func TestMerge_RunningAgentIsRefused(t *testing.T) {
	env := newTestEnv(t)
	id := spawnOne(t, env, "t")

	out, _, err := env.run("merge", id)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(out, "not merged") {
		t.Errorf("output: %q", out)
	}
}
