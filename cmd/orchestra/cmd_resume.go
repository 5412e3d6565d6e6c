package main

import (
	"fmt"

	"orchestra/pkg/coordinator"
	"orchestra/pkg/protocol"

	"github.com/spf13/cobra"
)

func newResumeCmd(opts *rootOptions) *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "resume <agent-id>",
		Short: "Restart a paused agent under a new id",
		Long: "Starts a fresh agent for the paused agent's task, reusing its worktree when\n" +
			"it still exists. The paused record is replaced by the new one.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return opts.withApp(cmd, func(a *app) error {
				rec, ok := a.coord.Get(id)
				if !ok {
					return fmt.Errorf("agent %s: %w", id, protocol.ErrAgentNotFound)
				}
				h, err := a.coord.Resume(cmd.Context(), id)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if h == nil {
					fmt.Fprintf(out, "Agent %s is %s, not paused\n", id, rec.Status)
					return nil
				}
				if opts.jsonOut && !wait {
					return printJSON(out, spawnedView([]*coordinator.Handle{h})[0])
				}
				if !opts.jsonOut {
					fmt.Fprintf(out, "Resumed %s as %s\n", id, h.AgentID)
				}
				if !wait {
					return nil
				}
				results, err := a.coord.Collect(cmd.Context(), []*coordinator.Handle{h})
				if perr := printResults(out, results, opts.jsonOut); perr != nil {
					return perr
				}
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for the resumed agent and print its result")
	return cmd
}
