package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"orchestra/pkg/coordinator"
	"orchestra/pkg/protocol"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/fsnotify/fsnotify"
)

// watchKeys are the key bindings of the live view.
type watchKeys struct {
	Up     key.Binding
	Down   key.Binding
	Pause  key.Binding
	Resume key.Binding
	Quit   key.Binding
}

func defaultWatchKeys() watchKeys {
	return watchKeys{
		Up:     key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("↑/k", "up")),
		Down:   key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("↓/j", "down")),
		Pause:  key.NewBinding(key.WithKeys("p"), key.WithHelp("p", "pause")),
		Resume: key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "resume")),
		Quit:   key.NewBinding(key.WithKeys("q", "esc", "ctrl+c"), key.WithHelp("q", "quit")),
	}
}

type (
	summaryMsg struct {
		sum coordinator.Summary
		err error
	}
	tickMsg   time.Time
	actionMsg struct {
		notice string
		err    error
	}
)

type watchOptions struct {
	refresh   time.Duration
	watcher   *fsnotify.Watcher // nil polls only
	stateFile string
	supervise bool
	onResume  func(*coordinator.Handle)
}

// watchModel is the bubbletea model of the live agents view.
type watchModel struct {
	ctx   context.Context
	coord *coordinator.Coordinator
	opts  watchOptions

	theme   Theme
	styler  statusStyler
	keys    watchKeys
	spinner spinner.Model

	summary coordinator.Summary
	loaded  bool
	err     error
	notice  string
	cursor  int
	width   int
}

func newWatchModel(ctx context.Context, coord *coordinator.Coordinator, opts watchOptions) watchModel {
	if opts.refresh <= 0 {
		opts.refresh = 2 * time.Second
	}
	theme := DefaultTheme()
	return watchModel{
		ctx:    ctx,
		coord:  coord,
		opts:   opts,
		theme:  theme,
		styler: statusStyler{theme: theme, color: true},
		keys:   defaultWatchKeys(),
		spinner: spinner.New(
			spinner.WithSpinner(spinner.Dot),
			spinner.WithStyle(lipgloss.NewStyle().Foreground(theme.Success)),
		),
	}
}

func (m watchModel) Init() tea.Cmd {
	cmds := []tea.Cmd{m.refreshCmd(), m.tickCmd(), m.spinner.Tick}
	if m.opts.watcher != nil {
		cmds = append(cmds, runWatcher(m.opts.watcher, m.opts.stateFile))
	}
	return tea.Batch(cmds...)
}

func (m watchModel) tickCmd() tea.Cmd {
	return tea.Tick(m.opts.refresh, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// refreshCmd runs a status sweep, which also marks stale agents.
func (m watchModel) refreshCmd() tea.Cmd {
	ctx, coord := m.ctx, m.coord
	return func() tea.Msg {
		sum, err := coord.Status(ctx)
		return summaryMsg{sum: sum, err: err}
	}
}

func (m watchModel) pauseCmd(id string) tea.Cmd {
	ctx, coord := m.ctx, m.coord
	return func() tea.Msg {
		ok, err := coord.Pause(ctx, id)
		if err != nil {
			return actionMsg{err: err}
		}
		if !ok {
			return actionMsg{notice: fmt.Sprintf("%s is not running here", id)}
		}
		return actionMsg{notice: "paused " + id}
	}
}

func (m watchModel) resumeCmd(id string) tea.Cmd {
	ctx, coord, onResume := m.ctx, m.coord, m.opts.onResume
	return func() tea.Msg {
		h, err := coord.Resume(ctx, id)
		if err != nil {
			return actionMsg{err: err}
		}
		if h == nil {
			return actionMsg{notice: id + " is not paused"}
		}
		if onResume != nil {
			onResume(h)
		}
		return actionMsg{notice: fmt.Sprintf("resumed %s as %s", id, h.AgentID)}
	}
}

// selected returns the record under the cursor.
func (m watchModel) selected() (string, bool) {
	if m.cursor < 0 || m.cursor >= len(m.summary.Agents) {
		return "", false
	}
	return m.summary.Agents[m.cursor].AgentID, true
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case summaryMsg:
		m.loaded = true
		m.err = msg.err
		if msg.err == nil {
			m.summary = msg.sum
		}
		if n := len(m.summary.Agents); m.cursor >= n {
			m.cursor = max(n-1, 0)
		}
		return m, nil

	case tickMsg:
		return m, tea.Batch(m.refreshCmd(), m.tickCmd())

	case fsChangeMsg:
		return m, tea.Batch(m.refreshCmd(), runWatcher(m.opts.watcher, m.opts.stateFile))

	case actionMsg:
		m.notice = msg.notice
		if msg.err != nil {
			m.notice = "error: " + msg.err.Error()
		}
		return m, m.refreshCmd()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m watchModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit
	case key.Matches(msg, m.keys.Up):
		if m.cursor > 0 {
			m.cursor--
		}
	case key.Matches(msg, m.keys.Down):
		if m.cursor < len(m.summary.Agents)-1 {
			m.cursor++
		}
	case m.opts.supervise && key.Matches(msg, m.keys.Pause):
		if id, ok := m.selected(); ok {
			return m, m.pauseCmd(id)
		}
	case m.opts.supervise && key.Matches(msg, m.keys.Resume):
		if id, ok := m.selected(); ok {
			return m, m.resumeCmd(id)
		}
	}
	return m, nil
}

func (m watchModel) View() string {
	var b strings.Builder

	title := lipgloss.NewStyle().Bold(true).Foreground(m.theme.Primary).Render("orchestra")
	b.WriteString(title)
	if m.summary.Counts[protocol.StatusRunning] > 0 {
		b.WriteString(" " + m.spinner.View())
	}
	b.WriteString("\n\n")

	muted := lipgloss.NewStyle().Foreground(m.theme.Muted)
	switch {
	case !m.loaded:
		b.WriteString(muted.Render("loading..."))
		b.WriteString("\n")
	case m.summary.Total == 0:
		b.WriteString(muted.Render("No agents tracked"))
		b.WriteString("\n")
	default:
		b.WriteString(summaryLine(m.summary))
		b.WriteString("\n\n")
		b.WriteString(renderAgentsTable(m.summary.Agents, m.styler, m.cursor))
	}

	if m.err != nil {
		b.WriteString("\n")
		b.WriteString(lipgloss.NewStyle().Foreground(m.theme.Error).Render("error: " + m.err.Error()))
		b.WriteString("\n")
	}
	if m.notice != "" {
		b.WriteString("\n")
		b.WriteString(lipgloss.NewStyle().Foreground(m.theme.Secondary).Render(m.notice))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(muted.Render(m.helpLine()))

	out := b.String()
	if m.width > 0 {
		out = lipgloss.NewStyle().MaxWidth(m.width).Render(out)
	}
	return out
}

func (m watchModel) helpLine() string {
	bindings := []key.Binding{m.keys.Up, m.keys.Down}
	if m.opts.supervise {
		bindings = append(bindings, m.keys.Pause, m.keys.Resume)
	}
	bindings = append(bindings, m.keys.Quit)

	parts := make([]string, 0, len(bindings))
	for _, kb := range bindings {
		h := kb.Help()
		parts = append(parts, h.Key+" "+h.Desc)
	}
	return strings.Join(parts, " • ")
}
