package main

import (
	"encoding/json"
	"strings"
	"testing"

	"orchestra/pkg/coordinator"
	"orchestra/pkg/protocol"
)

func TestSpawn_WaitRecordsResults(t *testing.T) {
	env := newTestEnv(t)
	env.launcher.stdout = "all done"

	out := env.mustRun("spawn", "fix auth", "add tests", "--wait")
	for _, want := range []string{"Spawned 2 agent(s)", "orchestra/fix-auth", "orchestra/add-tests", "2 succeeded, 0 failed"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	specs := env.launcher.launched()
	if len(specs) != 2 {
		t.Fatalf("launched %d agents, want 2", len(specs))
	}
	if specs[0].Command != "claude" || specs[0].Args[0] != "--print" {
		t.Errorf("unexpected launch: %+v", specs[0])
	}
	if !strings.Contains(specs[0].Dir, "task-") {
		t.Errorf("agent should run in its worktree, got dir %q", specs[0].Dir)
	}

	var sum coordinator.Summary
	if err := json.Unmarshal([]byte(env.mustRun("status", "--json")), &sum); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if sum.Counts[protocol.StatusCompleted] != 2 {
		t.Errorf("completed: got %d, want 2 (%+v)", sum.Counts[protocol.StatusCompleted], sum.Counts)
	}
	for _, rec := range sum.Agents {
		if rec.Result != "all done" {
			t.Errorf("result not recorded for %s: %q", rec.AgentID, rec.Result)
		}
	}
}

func TestSpawn_WaitReportsFailures(t *testing.T) {
	env := newTestEnv(t)
	env.launcher.exitCode = 2
	env.launcher.stderr = "boom\nmore detail"

	out := env.mustRun("spawn", "break things", "--no-worktree", "--wait")
	if !strings.Contains(out, "exit 2") || !strings.Contains(out, "boom") {
		t.Errorf("failure not reported:\n%s", out)
	}
	if strings.Contains(out, "more detail") {
		t.Errorf("only the first error line should be shown:\n%s", out)
	}
	if !strings.Contains(out, "0 succeeded, 1 failed") {
		t.Errorf("missing tally:\n%s", out)
	}
}

func TestSpawn_DetachedLeavesAgentsRunning(t *testing.T) {
	env := newTestEnv(t)
	env.launcher.block = true

	out := env.mustRun("spawn", "long task", "--no-worktree")
	if !strings.Contains(out, "Run 'orchestra status' to monitor progress") {
		t.Errorf("missing hint:\n%s", out)
	}
	if !strings.Contains(out, "(repository root)") {
		t.Errorf("no-worktree agents should show the repository root:\n%s", out)
	}
	if env.git.called("worktree add") {
		t.Error("--no-worktree must not create worktrees")
	}

	status := env.mustRun("status")
	if !strings.Contains(status, "running: 1") || !strings.Contains(status, "long task") {
		t.Errorf("status output:\n%s", status)
	}
}

func TestSpawn_ParallelCapsBatch(t *testing.T) {
	env := newTestEnv(t)
	env.launcher.block = true

	out, errOut, err := env.run("spawn", "a", "b", "c", "d", "-p", "2", "--no-worktree", "--json")
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if !strings.Contains(errOut, "starting 2 of 4 tasks") {
		t.Errorf("dropped tasks not reported: %q", errOut)
	}
	var spawned []spawnedAgent
	if err := json.Unmarshal([]byte(out), &spawned); err != nil {
		t.Fatalf("decode: %v\n%s", err, out)
	}
	if len(spawned) != 2 || spawned[0].Task != "a" || spawned[1].Task != "b" {
		t.Errorf("spawned: %+v", spawned)
	}
	if spawned[0].Pid == 0 || spawned[0].Worktree != "" {
		t.Errorf("unexpected view: %+v", spawned[0])
	}
}

func TestSpawn_DuplicateTaskIsRejected(t *testing.T) {
	env := newTestEnv(t)
	env.launcher.block = true

	out, errOut, err := env.run("spawn", "Fix Auth", "fix auth")
	if err != nil {
		t.Fatalf("first task should still start: %v", err)
	}
	if !strings.Contains(out, "Spawned 1 agent(s)") {
		t.Errorf("output:\n%s", out)
	}
	if !strings.Contains(errOut, "warning:") {
		t.Errorf("conflict should be reported on stderr, got %q", errOut)
	}
}

func TestSpawn_WatchNeedsTerminal(t *testing.T) {
	env := newTestEnv(t)
	_, _, err := env.run("spawn", "x", "--watch")
	if err == nil || !strings.Contains(err.Error(), "terminal") {
		t.Fatalf("expected terminal error, got %v", err)
	}
	if len(env.launcher.launched()) != 0 {
		t.Error("nothing should launch when the flags are rejected")
	}
}

func TestSpawn_WaitAndWatchConflict(t *testing.T) {
	env := newTestEnv(t)
	env.tty = true
	if _, _, err := env.run("spawn", "x", "--wait", "--watch"); err == nil {
		t.Fatal("expected error")
	}
}

func TestSpawn_RequiresTask(t *testing.T) {
	env := newTestEnv(t)
	if _, _, err := env.run("spawn"); err == nil {
		t.Fatal("expected error without tasks")
	}
}
