package main

import (
	"fmt"
	"strings"

	"orchestra/pkg/state"
)

// Column widths for the agents table.
const (
	colID        = 10
	colTask      = 40
	colStatus    = 10
	colProgress  = 5
	colActivity  = 30
	colHeartbeat = 9
)

func agentsHeader() string {
	return "  " + strings.Join([]string{
		padRight("ID", colID),
		padRight("TASK", colTask),
		padRight("STATUS", colStatus),
		padRight("PROG", colProgress),
		padRight("ACTIVITY", colActivity),
		padRight("HEARTBEAT", colHeartbeat),
	}, " ")
}

// agentRow renders one record. The first column carries the cursor marker.
func agentRow(rec state.AgentRecord, styler statusStyler, selected bool) string {
	marker := "  "
	if selected {
		marker = "> "
	}
	activity := rec.CurrentActivity
	if activity == "" && rec.ErrorMessage != "" {
		activity = rec.ErrorMessage
	}
	return marker + strings.Join([]string{
		cell(rec.AgentID, colID),
		cell(rec.Task, colTask),
		styler.render(rec.Status, colStatus),
		padRight(fmt.Sprintf("%3.0f%%", rec.Progress*100), colProgress),
		cell(activity, colActivity),
		padRight(clock(rec.LastHeartbeat), colHeartbeat),
	}, " ")
}

// renderAgentsTable renders records as a fixed-width table. cursor selects a
// row, or -1 for none.
func renderAgentsTable(agents []state.AgentRecord, styler statusStyler, cursor int) string {
	var b strings.Builder
	b.WriteString(agentsHeader())
	b.WriteString("\n")
	for i, rec := range agents {
		b.WriteString(agentRow(rec, styler, i == cursor))
		b.WriteString("\n")
	}
	return b.String()
}
