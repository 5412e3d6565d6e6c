package main

import (
	"fmt"

	"orchestra/pkg/protocol"

	"github.com/spf13/cobra"
)

func newPauseCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "pause <agent-id>",
		Short: "Stop a running agent so it can be resumed later",
		Long: "Terminates the agent's process group and marks it paused. Only the\n" +
			"controller that spawned an agent holds its process, so from a separate\n" +
			"invocation this reports that there is nothing to pause.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return opts.withApp(cmd, func(a *app) error {
				if _, ok := a.coord.Get(id); !ok {
					return fmt.Errorf("agent %s: %w", id, protocol.ErrAgentNotFound)
				}
				ok, err := a.coord.Pause(cmd.Context(), id)
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintf(cmd.OutOrStdout(), "Agent %s has no live process in this controller\n", id)
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Paused %s\n", id)
				return nil
			})
		},
	}
}
