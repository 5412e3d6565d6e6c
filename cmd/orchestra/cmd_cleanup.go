package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newCleanupCmd(opts *rootOptions) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove finished agents and their worktrees",
		Long: "Removes completed and failed agents with their worktrees. With --all every\n" +
			"agent is removed, and agents still running in this process are terminated.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withApp(cmd, func(a *app) error {
				n, err := a.coord.Cleanup(cmd.Context(), !all)
				if opts.jsonOut {
					if jerr := printJSON(cmd.OutOrStdout(), map[string]int{"cleaned": n}); jerr != nil {
						return jerr
					}
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "Cleaned up %d agent(s)\n", n)
				}
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "remove every agent, not only completed ones")
	return cmd
}
