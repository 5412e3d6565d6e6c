package main

import (
	"errors"
	"fmt"

	"orchestra/pkg/protocol"

	"github.com/spf13/cobra"
)

// heartbeatConfig holds the flags for orchestra heartbeat.
type heartbeatConfig struct {
	activity string
	progress float64
}

func newHeartbeatCmd(opts *rootOptions) *cobra.Command {
	hc := &heartbeatConfig{}
	cmd := &cobra.Command{
		Use:   "heartbeat <agent-id>",
		Short: "Report that an agent is alive",
		Long: "Refreshes an agent's heartbeat and optionally its activity and progress.\n" +
			"Agents, or hooks running inside them, call this to avoid being marked stale.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return opts.withApp(cmd, func(a *app) error {
				setProgress := cmd.Flags().Changed("progress")
				if setProgress && (hc.progress < 0 || hc.progress > 1) {
					return errors.New("--progress must be between 0 and 1")
				}
				ok, err := a.coord.Heartbeat(id, hc.activity)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("agent %s: %w", id, protocol.ErrAgentNotFound)
				}
				if setProgress {
					if _, err := a.coord.Progress(id, hc.progress); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&hc.activity, "activity", "", "what the agent is doing now")
	cmd.Flags().Float64Var(&hc.progress, "progress", 0, "fraction complete, 0 to 1")
	return cmd
}
