package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newWorktreesCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worktrees",
		Short: "List agent worktrees",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withApp(cmd, func(a *app) error {
				active, err := a.workspaces.ListActive(cmd.Context())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if opts.jsonOut {
					return printJSON(out, active)
				}
				if len(active) == 0 {
					fmt.Fprintln(out, "No active worktrees")
					return nil
				}
				fmt.Fprintf(out, "%s %s %s\n", padRight("BRANCH", colTask), padRight("TASK", colTask), "PATH")
				for _, ws := range active {
					fmt.Fprintf(out, "%s %s %s\n", cell(ws.Branch, colTask), cell(ws.Task, colTask), ws.Path)
				}
				return nil
			})
		},
	}
	cmd.AddCommand(newWorktreesCleanupCmd(opts), newWorktreesPruneCmd(opts))
	return cmd
}

func newWorktreesCleanupCmd(opts *rootOptions) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove worktrees whose branch is merged into the integration branch",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withApp(cmd, func(a *app) error {
				n, err := a.workspaces.Cleanup(cmd.Context(), !all)
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %d worktree(s)\n", n)
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "remove every agent worktree, merged or not")
	return cmd
}

func newWorktreesPruneCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Drop git's records of worktrees deleted from disk",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withApp(cmd, func(a *app) error {
				if err := a.workspaces.Prune(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Pruned worktree records")
				return nil
			})
		},
	}
}
