package main

import (
	"orchestra/pkg/protocol"

	"github.com/charmbracelet/lipgloss"
)

// Theme defines the colours used by status output and the watch view.
type Theme struct {
	Primary   lipgloss.Color
	Secondary lipgloss.Color
	Success   lipgloss.Color
	Warning   lipgloss.Color
	Error     lipgloss.Color
	Paused    lipgloss.Color
	Muted     lipgloss.Color
}

// DefaultTheme returns the default theme.
func DefaultTheme() Theme {
	return Theme{
		Primary:   lipgloss.Color("12"),  // Blue
		Secondary: lipgloss.Color("14"),  // Cyan
		Success:   lipgloss.Color("10"),  // Green
		Warning:   lipgloss.Color("11"),  // Yellow
		Error:     lipgloss.Color("9"),   // Red
		Paused:    lipgloss.Color("13"),  // Magenta
		Muted:     lipgloss.Color("240"), // Gray
	}
}

// StatusColor maps an agent status to its colour.
func (t Theme) StatusColor(s protocol.Status) lipgloss.Color {
	switch s {
	case protocol.StatusRunning:
		return t.Success
	case protocol.StatusCompleted:
		return t.Primary
	case protocol.StatusFailed:
		return t.Error
	case protocol.StatusStale:
		return t.Warning
	case protocol.StatusPaused:
		return t.Paused
	default:
		return t.Muted
	}
}

// statusStyler renders status words, in colour when enabled.
type statusStyler struct {
	theme Theme
	color bool
}

func (s statusStyler) render(status protocol.Status, width int) string {
	text := padRight(string(status), width)
	if !s.color {
		return text
	}
	return lipgloss.NewStyle().Foreground(s.theme.StatusColor(status)).Render(text)
}
