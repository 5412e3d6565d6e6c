package main

import (
	"errors"
	"fmt"
	"io"

	"orchestra/pkg/coordinator"

	"github.com/spf13/cobra"
)

// spawnConfig holds the flags for orchestra spawn.
type spawnConfig struct {
	parallel   int
	noWorktree bool
	wait       bool
	watch      bool
}

// spawnedAgent is the JSON view of a new handle.
type spawnedAgent struct {
	AgentID  string `json:"agent_id"`
	Task     string `json:"task"`
	Pid      int    `json:"pid"`
	Branch   string `json:"branch,omitempty"`
	Worktree string `json:"worktree,omitempty"`
}

func newSpawnCmd(opts *rootOptions) *cobra.Command {
	sc := &spawnConfig{}
	cmd := &cobra.Command{
		Use:   "spawn <task>...",
		Short: "Start one agent per task",
		Long: "Starts an agent per task, each in its own worktree unless --no-worktree is\n" +
			"given. At most --parallel agents start; extra tasks are dropped with a warning.\n" +
			"Agents keep running after this command exits; use --wait or --watch to stay\n" +
			"attached and record their results.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if sc.wait && sc.watch {
				return errors.New("--wait and --watch are mutually exclusive")
			}
			if sc.watch && !opts.isTTY() {
				return errors.New("--watch needs a terminal")
			}
			return opts.withApp(cmd, func(a *app) error {
				return runSpawn(cmd, opts, a, sc, args)
			})
		},
	}
	cmd.Flags().IntVarP(&sc.parallel, "parallel", "p", 0, "agents to start (default: default_parallel from config)")
	cmd.Flags().BoolVar(&sc.noWorktree, "no-worktree", false, "run agents in the repository root instead of worktrees")
	cmd.Flags().BoolVar(&sc.wait, "wait", false, "wait for the agents and print their results")
	cmd.Flags().BoolVarP(&sc.watch, "watch", "w", false, "supervise the agents in the live view")
	return cmd
}

func runSpawn(cmd *cobra.Command, opts *rootOptions, a *app, sc *spawnConfig, tasks []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	if n := a.coord.BatchSize(len(tasks), sc.parallel); n < len(tasks) {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: starting %d of %d tasks; the rest are dropped\n", n, len(tasks))
	}
	handles, spawnErr := a.coord.Spawn(ctx, tasks, sc.parallel, !sc.noWorktree)
	if spawnErr != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), "warning:", spawnErr)
	}
	if len(handles) == 0 {
		if spawnErr != nil {
			return fmt.Errorf("no agents started: %w", spawnErr)
		}
		return errors.New("no agents started")
	}

	switch {
	case sc.watch:
		return runWatch(ctx, a, out, handles, true)
	case sc.wait:
		if !opts.jsonOut {
			printSpawned(out, handles)
			fmt.Fprintln(out, "\nWaiting for agents...")
		}
		results, err := a.coord.Collect(ctx, handles)
		if perr := printResults(out, results, opts.jsonOut); perr != nil {
			return perr
		}
		return err
	}

	if opts.jsonOut {
		return printJSON(out, spawnedView(handles))
	}
	printSpawned(out, handles)
	fmt.Fprintln(out, "\nRun 'orchestra status' to monitor progress")
	return nil
}

func spawnedView(handles []*coordinator.Handle) []spawnedAgent {
	view := make([]spawnedAgent, 0, len(handles))
	for _, h := range handles {
		s := spawnedAgent{AgentID: h.AgentID, Task: h.Task, Pid: h.Pid()}
		if h.Workspace != nil {
			s.Branch = h.Workspace.Branch
			s.Worktree = h.Workspace.Path
		}
		view = append(view, s)
	}
	return view
}

func printSpawned(w io.Writer, handles []*coordinator.Handle) {
	fmt.Fprintf(w, "Spawned %d agent(s)\n\n", len(handles))
	fmt.Fprintf(w, "%s %s %s\n", padRight("AGENT", colID), padRight("TASK", colTask), "BRANCH")
	for _, s := range spawnedView(handles) {
		branch := s.Branch
		if branch == "" {
			branch = "(repository root)"
		}
		fmt.Fprintf(w, "%s %s %s\n", cell(s.AgentID, colID), cell(s.Task, colTask), branch)
	}
}
