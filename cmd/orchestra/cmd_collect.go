package main

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"orchestra/pkg/coordinator"

	"github.com/spf13/cobra"
)

func newCollectCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "collect",
		Short: "Wait for the agents this process started and record their results",
		Long: "Handles to agent processes live only in the controller that spawned them,\n" +
			"so a fresh orchestra process has nothing to collect. Use 'spawn --wait' or\n" +
			"'spawn --watch' to collect results; agents left behind become stale.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withApp(cmd, func(a *app) error {
				results, err := a.coord.Collect(cmd.Context(), nil)
				if perr := printResults(cmd.OutOrStdout(), results, opts.jsonOut); perr != nil {
					return perr
				}
				return err
			})
		},
	}
}

// printResults prints collected results sorted by agent id.
func printResults(w io.Writer, results map[string]coordinator.Result, jsonOut bool) error {
	ordered := make([]coordinator.Result, 0, len(results))
	for _, r := range results {
		ordered = append(ordered, r)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].AgentID < ordered[j].AgentID })

	if jsonOut {
		return printJSON(w, ordered)
	}
	if len(ordered) == 0 {
		fmt.Fprintln(w, "No agents to collect from")
		return nil
	}

	fmt.Fprintf(w, "%s %s %s %s\n",
		padRight("AGENT", colID), padRight("TASK", colTask), padRight("RESULT", colStatus), "DURATION")
	failed := 0
	for _, r := range ordered {
		outcome := "ok"
		if !r.Success {
			outcome = fmt.Sprintf("exit %d", r.ExitCode)
			failed++
		}
		fmt.Fprintf(w, "%s %s %s %s\n",
			cell(r.AgentID, colID), cell(r.Task, colTask), padRight(outcome, colStatus), shortDuration(r.Duration))
		if r.Error != "" {
			fmt.Fprintf(w, "%s   %s\n", padRight("", colID), coordinator.Truncate(firstLine(r.Error), 100))
		}
	}
	fmt.Fprintf(w, "\n%d succeeded, %d failed\n", len(ordered)-failed, failed)
	return nil
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
