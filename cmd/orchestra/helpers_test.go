package main

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"orchestra/pkg/coordinator"

	"github.com/spf13/afero"
)

// fakeGit simulates the git commands the workspace manager issues,
// keeping an in-memory worktree list.
type fakeGit struct {
	mu        sync.Mutex
	repo      string
	worktrees []fakeWorktree
	merged    []string
	calls     []string
}

type fakeWorktree struct{ path, branch string }

func newFakeGit(repo string) *fakeGit { return &fakeGit{repo: repo} }

func (g *fakeGit) Run(_ context.Context, _ string, args ...string) (string, string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, strings.Join(args, " "))

	switch {
	case len(args) >= 2 && args[0] == "rev-parse" && args[1] == "--show-toplevel":
		return g.repo + "\n", "", nil
	case len(args) >= 2 && args[0] == "rev-parse":
		return "main\n", "", nil
	case len(args) >= 2 && args[0] == "worktree" && args[1] == "list":
		var b strings.Builder
		fmt.Fprintf(&b, "worktree %s\nHEAD 0000\nbranch refs/heads/main\n\n", g.repo)
		for _, wt := range g.worktrees {
			fmt.Fprintf(&b, "worktree %s\nHEAD 0000\nbranch refs/heads/%s\n\n", wt.path, wt.branch)
		}
		return b.String(), "", nil
	case len(args) >= 5 && args[0] == "worktree" && args[1] == "add" && args[2] == "-b":
		g.worktrees = append(g.worktrees, fakeWorktree{path: args[4], branch: args[3]})
		return "", "", nil
	case len(args) >= 4 && args[0] == "worktree" && args[1] == "add":
		g.worktrees = append(g.worktrees, fakeWorktree{path: args[2], branch: args[3]})
		return "", "", nil
	case len(args) >= 3 && args[0] == "worktree" && args[1] == "remove":
		kept := g.worktrees[:0]
		for _, wt := range g.worktrees {
			if wt.path != args[2] {
				kept = append(kept, wt)
			}
		}
		g.worktrees = kept
		return "", "", nil
	case len(args) >= 2 && args[0] == "branch" && args[1] == "--merged":
		return strings.Join(g.merged, "\n"), "", nil
	}
	return "", "", nil
}

func (g *fakeGit) called(prefix string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, c := range g.calls {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

// fakeProc exits immediately, or blocks until terminated.
type fakeProc struct {
	pid  int
	mu   sync.Mutex
	exit coordinator.Exit
	once sync.Once
	done chan struct{}
}

func (p *fakeProc) Pid() int { return p.pid }

func (p *fakeProc) Wait(ctx context.Context) (coordinator.Exit, error) {
	select {
	case <-p.done:
	case <-ctx.Done():
		return coordinator.Exit{}, ctx.Err()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exit, nil
}

func (p *fakeProc) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *fakeProc) Terminate(_ time.Duration) error {
	p.once.Do(func() {
		p.mu.Lock()
		p.exit = coordinator.Exit{Code: -1}
		p.mu.Unlock()
		close(p.done)
	})
	return nil
}

type fakeLauncher struct {
	mu       sync.Mutex
	specs    []coordinator.LaunchSpec
	exitCode int
	stdout   string
	stderr   string
	block    bool
}

func (l *fakeLauncher) Launch(_ context.Context, spec coordinator.LaunchSpec) (coordinator.Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.specs = append(l.specs, spec)
	p := &fakeProc{
		pid:  1000 + len(l.specs),
		exit: coordinator.Exit{Code: l.exitCode, Stdout: l.stdout, Stderr: l.stderr},
		done: make(chan struct{}),
	}
	if !l.block {
		p.once.Do(func() { close(p.done) })
	}
	return p, nil
}

func (l *fakeLauncher) launched() []coordinator.LaunchSpec {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]coordinator.LaunchSpec(nil), l.specs...)
}

// testEnv runs orchestra commands against a temp repo and home directory.
type testEnv struct {
	t        *testing.T
	repo     string
	home     string
	git      *fakeGit
	launcher *fakeLauncher
	tty      bool
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	repo := t.TempDir()
	return &testEnv{
		t:        t,
		repo:     repo,
		home:     t.TempDir(),
		git:      newFakeGit(repo),
		launcher: &fakeLauncher{},
	}
}

func (e *testEnv) statePath() string {
	return filepath.Join(e.home, ".config", "claude-orchestra", "state.json")
}

// run executes args against the test repository.
func (e *testEnv) run(args ...string) (string, string, error) {
	e.t.Helper()
	return e.runRaw(append(args, "--repo", e.repo)...)
}

// runRaw executes exactly args, for flags such as --version that take no
// subcommand.
func (e *testEnv) runRaw(args ...string) (string, string, error) {
	e.t.Helper()
	opts := &rootOptions{
		fs:       afero.NewOsFs(),
		git:      e.git,
		launcher: e.launcher,
		homeDir:  e.home,
		isTTY:    func() bool { return e.tty },
	}
	cmd := newRootCmdWith(opts)
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

// mustRun runs a command that is expected to succeed and returns stdout.
func (e *testEnv) mustRun(args ...string) string {
	e.t.Helper()
	out, errOut, err := e.run(args...)
	if err != nil {
		e.t.Fatalf("orchestra %s: %v\nstdout:\n%s\nstderr:\n%s", strings.Join(args, " "), err, out, errOut)
	}
	return out
}
