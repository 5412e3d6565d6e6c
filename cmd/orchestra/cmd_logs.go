package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"orchestra/pkg/config"
	"orchestra/pkg/coordinator"
	"orchestra/pkg/eventlog"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

// logsConfig holds configuration for the logs command.
type logsConfig struct {
	tail   int
	follow bool
	raw    bool
	stderr bool
}

// followInterval is how often --follow polls for new events.
const followInterval = time.Second

func newLogsCmd(opts *rootOptions) *cobra.Command {
	var lc logsConfig

	cmd := &cobra.Command{
		Use:   "logs [agent-id]",
		Short: "Show lifecycle events or an agent's output",
		Long: "Displays events from the event log, optionally for one agent.\n" +
			"With --raw, prints the tail of the agent's captured stdout (or stderr).",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var agentID string
			if len(args) == 1 {
				agentID = args[0]
			}
			cfg, _, _, _, err := opts.loadConfig(cmd.Context())
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()

			if lc.raw {
				if agentID == "" {
					return errors.New("--raw requires an agent-id argument")
				}
				return printRawLog(opts.fs, w, cfg, agentID, lc)
			}

			r, err := eventlog.NewReader(cfg.EventDB)
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					fmt.Fprintln(w, "no events found")
					return nil
				}
				return err
			}
			defer func() { _ = r.Close() }()

			if lc.follow {
				return followLogs(cmd.Context(), r, w, agentID, lc.tail, opts.jsonOut)
			}
			return printLogs(cmd.Context(), r, w, agentID, lc.tail, opts.jsonOut)
		},
	}

	cmd.Flags().IntVar(&lc.tail, "tail", 20, "number of recent events or lines to show")
	cmd.Flags().BoolVarP(&lc.follow, "follow", "f", false, "poll for new events every second")
	cmd.Flags().BoolVar(&lc.raw, "raw", false, "print the agent's captured output instead of events")
	cmd.Flags().BoolVar(&lc.stderr, "stderr", false, "with --raw, read stderr.log instead of stdout.log")

	return cmd
}

// eventQuerier is the read side of the event log.
type eventQuerier interface {
	Query(ctx context.Context, opts eventlog.QueryOpts) ([]eventlog.Event, error)
}

// printLogs displays the last tail events, optionally for one agent.
func printLogs(ctx context.Context, q eventQuerier, w io.Writer, agentID string, tail int, jsonOut bool) error {
	events, err := q.Query(ctx, eventlog.QueryOpts{AgentID: agentID, Limit: tail})
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(w, events)
	}
	if len(events) == 0 {
		fmt.Fprintln(w, "no events found")
		return nil
	}
	for i := range events {
		formatEvent(w, &events[i])
	}
	return nil
}

// followLogs prints the tail, then polls for newer events until ctx ends.
func followLogs(ctx context.Context, q eventQuerier, w io.Writer, agentID string, tail int, jsonOut bool) error {
	events, err := q.Query(ctx, eventlog.QueryOpts{AgentID: agentID, Limit: tail})
	if err != nil {
		return err
	}
	var lastID int64
	for i := range events {
		emitEvent(w, &events[i], jsonOut)
		lastID = events[i].ID
	}

	ticker := time.NewTicker(followInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			newer, err := q.Query(ctx, eventlog.QueryOpts{AgentID: agentID, AfterID: lastID})
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			for i := range newer {
				emitEvent(w, &newer[i], jsonOut)
				lastID = newer[i].ID
			}
		}
	}
}

// emitEvent writes one event as a text line or a JSON line.
func emitEvent(w io.Writer, e *eventlog.Event, jsonOut bool) {
	if jsonOut {
		_ = printJSON(w, e)
		return
	}
	formatEvent(w, e)
}

// formatEvent writes a single event line.
func formatEvent(w io.Writer, e *eventlog.Event) {
	parts := []string{
		e.CreatedAt.Local().Format("2006-01-02 15:04:05"),
		padRight(e.AgentID, 8),
		padRight(string(e.Type), 12),
	}
	if e.Task != "" {
		parts = append(parts, coordinator.Truncate(e.Task, colTask))
	}
	if e.Payload != "" && e.Payload != "{}" {
		parts = append(parts, e.Payload)
	}
	fmt.Fprintln(w, strings.Join(parts, " | "))
}

// printRawLog prints the last tail lines of an agent's captured output.
func printRawLog(fs afero.Fs, w io.Writer, cfg config.Config, agentID string, lc logsConfig) error {
	name := "stdout.log"
	if lc.stderr {
		name = "stderr.log"
	}
	path := filepath.Join(cfg.LogDir, agentID, name)
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if lc.tail > 0 && len(lines) > lc.tail {
		lines = lines[len(lines)-lc.tail:]
	}
	for _, line := range lines {
		fmt.Fprintln(w, line)
	}
	return nil
}
