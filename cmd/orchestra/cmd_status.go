package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"orchestra/pkg/coordinator"
	"orchestra/pkg/protocol"

	"github.com/spf13/cobra"
)

func newStatusCmd(opts *rootOptions) *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show every tracked agent",
		Long:  "Marks agents with an old heartbeat as stale, then prints counts and a table of agents.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if watch && !opts.isTTY() {
				return errors.New("--watch needs a terminal")
			}
			return opts.withApp(cmd, func(a *app) error {
				if watch {
					return runWatch(cmd.Context(), a, cmd.OutOrStdout(), nil, false)
				}
				sum, err := a.coord.Status(cmd.Context())
				if err != nil {
					return err
				}
				if opts.jsonOut {
					return printJSON(cmd.OutOrStdout(), sum)
				}
				printStatus(cmd.OutOrStdout(), sum, statusStyler{theme: DefaultTheme(), color: opts.isTTY()})
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "open the live view")
	return cmd
}

// summaryLine renders the per-status counts in display order.
func summaryLine(sum coordinator.Summary) string {
	parts := []string{fmt.Sprintf("Total: %d", sum.Total)}
	for _, s := range protocol.AllStatuses {
		if n := sum.Counts[s]; n > 0 || s == protocol.StatusRunning {
			parts = append(parts, fmt.Sprintf("%s: %d", s, n))
		}
	}
	return strings.Join(parts, "  ")
}

func printStatus(w io.Writer, sum coordinator.Summary, styler statusStyler) {
	if sum.Total == 0 {
		fmt.Fprintln(w, "No agents tracked")
		return
	}
	fmt.Fprintln(w, summaryLine(sum))
	for _, id := range sum.NewlyStale {
		fmt.Fprintf(w, "marked %s stale (no heartbeat)\n", id)
	}
	fmt.Fprintln(w)
	fmt.Fprint(w, renderAgentsTable(sum.Agents, styler, -1))
}
