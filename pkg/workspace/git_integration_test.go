package workspace_test

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"orchestra/pkg/protocol"
	"orchestra/pkg/workspace"
)

// initRepo creates a git repository with one commit on main.
func initRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}

	repo := t.TempDir()
	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", args...)
		cmd.Dir = repo
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=Test", "GIT_AUTHOR_EMAIL=test@test.com",
			"GIT_COMMITTER_NAME=Test", "GIT_COMMITTER_EMAIL=test@test.com",
		)
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}

	run("init", "-b", "main")
	if err := os.WriteFile(filepath.Join(repo, "README.md"), []byte("# Test\n"), 0o644); err != nil {
		t.Fatalf("write README: %v", err)
	}
	run("add", ".")
	run("commit", "-m", "Initial")
	return repo
}

func TestGit_CreateListGetRemove(t *testing.T) {
	repo := initRepo(t)
	ctx := context.Background()
	mgr := workspace.NewManager(repo, &workspace.ExecGitRunner{}, workspace.Options{})

	ws, err := mgr.Create(ctx, "test-task", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := os.Stat(ws.Path); err != nil {
		t.Fatalf("worktree path missing: %v", err)
	}
	if ws.Branch != "orchestra/test-task" {
		t.Errorf("branch: got %q", ws.Branch)
	}

	if _, err := mgr.Create(ctx, "task-2", ""); err != nil {
		t.Fatalf("Create task-2: %v", err)
	}

	active, err := mgr.ListActive(ctx)
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("ListActive: got %d, want 2", len(active))
	}

	got, err := mgr.Get(ctx, "test-task")
	if err != nil || got == nil {
		t.Fatalf("Get: ws=%v err=%v", got, err)
	}
	if missing, _ := mgr.Get(ctx, "nonexistent"); missing != nil {
		t.Fatalf("Get nonexistent: %+v", missing)
	}

	if err := mgr.Remove(ctx, *got); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := os.Stat(ws.Path); !os.IsNotExist(err) {
		t.Fatalf("worktree path should be gone, stat err: %v", err)
	}
	if err := exec.Command("git", "-C", repo, "rev-parse", "--verify", "orchestra/test-task").Run(); err == nil {
		t.Fatal("branch should be deleted")
	}
}

func TestGit_SameKeyIsRejected(t *testing.T) {
	repo := initRepo(t)
	ctx := context.Background()
	mgr := workspace.NewManager(repo, &workspace.ExecGitRunner{}, workspace.Options{})

	if _, err := mgr.Create(ctx, "Fix Auth Bug", ""); err != nil {
		t.Fatalf("first Create: %v", err)
	}
	_, err := mgr.Create(ctx, "fix auth bug", "")
	var conflict *protocol.WorkspaceConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	// A different key is independent.
	if _, err := mgr.Create(ctx, "fix auth bug!!", ""); err != nil {
		t.Fatalf("distinct key Create: %v", err)
	}
}

func TestGit_LeftoverBranchIsReattached(t *testing.T) {
	repo := initRepo(t)
	ctx := context.Background()
	if err := exec.Command("git", "-C", repo, "branch", "orchestra/leftover").Run(); err != nil {
		t.Fatalf("create leftover branch: %v", err)
	}

	mgr := workspace.NewManager(repo, &workspace.ExecGitRunner{}, workspace.Options{})
	ws, err := mgr.Create(ctx, "leftover", "")
	if err != nil {
		t.Fatalf("Create over leftover branch: %v", err)
	}
	if _, err := os.Stat(ws.Path); err != nil {
		t.Fatalf("worktree path missing: %v", err)
	}
}

func TestGit_CleanupMergedOnly(t *testing.T) {
	repo := initRepo(t)
	ctx := context.Background()
	mgr := workspace.NewManager(repo, &workspace.ExecGitRunner{}, workspace.Options{})

	merged, err := mgr.Create(ctx, "merged", "")
	if err != nil {
		t.Fatalf("Create merged: %v", err)
	}
	diverged, err := mgr.Create(ctx, "diverged", "")
	if err != nil {
		t.Fatalf("Create diverged: %v", err)
	}

	if err := os.WriteFile(filepath.Join(diverged.Path, "new.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	for _, args := range [][]string{{"add", "."}, {"-c", "user.name=T", "-c", "user.email=t@t", "commit", "-m", "work"}} {
		cmd := exec.Command("git", args...)
		cmd.Dir = diverged.Path
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}

	n, err := mgr.Cleanup(ctx, true)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if n != 1 {
		t.Fatalf("Cleanup removed %d, want 1", n)
	}
	if _, err := os.Stat(merged.Path); !os.IsNotExist(err) {
		t.Error("merged worktree should be removed")
	}
	if _, err := os.Stat(diverged.Path); err != nil {
		t.Error("diverged worktree should remain")
	}

	if err := mgr.Prune(ctx); err != nil {
		t.Fatalf("Prune: %v", err)
	}
}

func TestExecGitRunner_EnvAndLocale(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	r := &workspace.ExecGitRunner{Env: []string{"GIT_CONFIG_PARAMETERS='orchestra.probe=yes'"}}

	out, _, err := r.Run(context.Background(), t.TempDir(), "config", "--get", "orchestra.probe")
	if err != nil {
		t.Fatalf("git config: %v", err)
	}
	if strings.TrimSpace(out) != "yes" {
		t.Errorf("extra env not applied: %q", out)
	}

	_, errOut, err := r.Run(context.Background(), t.TempDir(), "no-such-subcommand")
	if err == nil {
		t.Fatal("expected error for unknown subcommand")
	}
	if !strings.Contains(errOut, "is not a git command") {
		t.Errorf("expected C locale message, got %q", errOut)
	}
}
