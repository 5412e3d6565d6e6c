package workspace

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
)

// ExecGitRunner implements GitRunner by running the git binary.
//
// Commands run with LC_ALL=C so callers can match git's English messages
// (CONFLICT lines, "already exists"), and with terminal prompts disabled so
// a credential helper can never block an agent spawn.
type ExecGitRunner struct {
	// Env holds extra KEY=VALUE entries appended to the process environment.
	Env []string
	// Logger receives one debug record per command. Nil disables logging.
	Logger *slog.Logger
}

// Run executes git args in dir and returns its stdout and stderr.
func (r *ExecGitRunner) Run(ctx context.Context, dir string, args ...string) (stdout, stderr string, err error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "LC_ALL=C", "GIT_TERMINAL_PROMPT=0")
	cmd.Env = append(cmd.Env, r.Env...)

	var outBuf, errBuf strings.Builder
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	start := time.Now()
	err = cmd.Run()
	if r.Logger != nil {
		r.Logger.Debug("git",
			"args", strings.Join(args, " "),
			"dir", dir,
			"elapsed", time.Since(start).Round(time.Millisecond),
			"err", err,
		)
	}
	return outBuf.String(), errBuf.String(), err
}
