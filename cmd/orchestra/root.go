package main

import (
	"fmt"
	"os"

	"orchestra/internal/appversion"
	"orchestra/pkg/coordinator"
	"orchestra/pkg/workspace"

	"github.com/mattn/go-isatty"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

// rootOptions carries the persistent flags and the collaborators that tests
// replace.
type rootOptions struct {
	repo       string
	configFile string
	verbose    bool
	jsonOut    bool

	fs       afero.Fs
	git      workspace.GitRunner
	launcher coordinator.Launcher
	homeDir  string
	isTTY    func() bool
}

func defaultOptions() *rootOptions {
	return &rootOptions{
		fs:       afero.NewOsFs(),
		git:      &workspace.ExecGitRunner{},
		launcher: coordinator.NewExecLauncher(),
		isTTY: func() bool {
			fd := os.Stdout.Fd()
			return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
		},
	}
}

// newRootCmd creates the root orchestra command with all subcommands attached.
func newRootCmd() *cobra.Command {
	return newRootCmdWith(defaultOptions())
}

func newRootCmdWith(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "orchestra",
		Short: "Run coding agents in parallel, one git worktree each",
		Long: "orchestra spawns Claude Code agents as child processes, gives each its own\n" +
			"branch-backed worktree, and tracks them in a shared state file.",
		Version:       fmt.Sprintf("orchestra %s", appversion.String()),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("{{.Version}}\n")

	pf := cmd.PersistentFlags()
	pf.StringVar(&opts.repo, "repo", "", "repository root (default: detected from the working directory)")
	pf.StringVar(&opts.configFile, "config", "", "config file to use instead of the search path")
	pf.BoolVarP(&opts.verbose, "verbose", "v", false, "log debug output to stderr")
	pf.BoolVar(&opts.jsonOut, "json", false, "print machine-readable JSON")

	cmd.AddCommand(
		newInitCmd(opts),
		newSpawnCmd(opts),
		newStatusCmd(opts),
		newCollectCmd(opts),
		newPauseCmd(opts),
		newResumeCmd(opts),
		newMergeCmd(opts),
		newCleanupCmd(opts),
		newWorktreesCmd(opts),
		newHeartbeatCmd(opts),
		newLogsCmd(opts),
	)

	return cmd
}
