package main

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"orchestra/pkg/config"
	"orchestra/pkg/coordinator"
	"orchestra/pkg/protocol"
	"orchestra/pkg/state"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/afero"
)

type modelHarness struct {
	coord   *coordinator.Coordinator
	store   *state.Store
	agentID string

	mu      sync.Mutex
	resumed []*coordinator.Handle
}

func newModelHarness(t *testing.T) *modelHarness {
	t.Helper()
	store := state.New(afero.NewMemMapFs(), "/state/state.json", nil)
	cfg := config.Default()
	cfg.PauseGrace = 10 * time.Millisecond
	cfg.LogDir = t.TempDir()

	coord := coordinator.New(cfg, "/repo", coordinator.Deps{
		Store:    store,
		Launcher: &fakeLauncher{block: true},
	})
	hs, err := coord.Spawn(context.Background(), []string{"task one"}, 1, false)
	if err != nil || len(hs) != 1 {
		t.Fatalf("spawn: %v %v", hs, err)
	}
	return &modelHarness{coord: coord, store: store, agentID: hs[0].AgentID}
}

func (h *modelHarness) model(supervise bool) watchModel {
	return newWatchModel(context.Background(), h.coord, watchOptions{
		refresh:   time.Hour,
		stateFile: "state.json",
		supervise: supervise,
		onResume: func(hd *coordinator.Handle) {
			h.mu.Lock()
			h.resumed = append(h.resumed, hd)
			h.mu.Unlock()
		},
	})
}

// step feeds msg to m and runs the returned command once, feeding its
// message back, so refreshes triggered by actions land.
func step(t *testing.T, m watchModel, msg tea.Msg) (watchModel, tea.Msg) {
	t.Helper()
	next, cmd := m.Update(msg)
	m = next.(watchModel)
	if cmd == nil {
		return m, nil
	}
	out := cmd()
	return m, out
}

func refreshed(t *testing.T, m watchModel) watchModel {
	t.Helper()
	next, _ := m.Update(m.refreshCmd()())
	return next.(watchModel)
}

func keyRune(r rune) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{r}}
}

func TestWatchModel_ShowsAgents(t *testing.T) {
	h := newModelHarness(t)
	m := h.model(false)

	if v := m.View(); !strings.Contains(v, "loading") {
		t.Errorf("before first refresh: %q", v)
	}

	m = refreshed(t, m)
	v := m.View()
	for _, want := range []string{h.agentID, "task one", "running: 1", "q quit"} {
		if !strings.Contains(v, want) {
			t.Errorf("view missing %q:\n%s", want, v)
		}
	}
	if strings.Contains(v, "p pause") {
		t.Error("pause help should only show when supervising")
	}
}

func TestWatchModel_PauseAndResume(t *testing.T) {
	h := newModelHarness(t)
	m := refreshed(t, h.model(true))

	m, msg := step(t, m, keyRune('p'))
	action, ok := msg.(actionMsg)
	if !ok || action.err != nil || action.notice != "paused "+h.agentID {
		t.Fatalf("pause action: %#v", msg)
	}
	m, msg = step(t, m, action)
	m, _ = step(t, m, msg)

	if rec, _ := h.store.Get(h.agentID); rec.Status != protocol.StatusPaused {
		t.Fatalf("record status: %s", rec.Status)
	}
	if !strings.Contains(m.View(), "paused "+h.agentID) {
		t.Errorf("notice not shown:\n%s", m.View())
	}

	m, msg = step(t, m, keyRune('r'))
	action, ok = msg.(actionMsg)
	if !ok || action.err != nil || !strings.HasPrefix(action.notice, "resumed "+h.agentID+" as ") {
		t.Fatalf("resume action: %#v", msg)
	}
	m, msg = step(t, m, action)
	m, _ = step(t, m, msg)

	h.mu.Lock()
	resumed := len(h.resumed)
	h.mu.Unlock()
	if resumed != 1 {
		t.Errorf("onResume called %d times", resumed)
	}
	if _, ok := h.store.Get(h.agentID); ok {
		t.Error("paused record should be replaced")
	}
	if m.summary.Counts[protocol.StatusRunning] != 1 {
		t.Errorf("counts after resume: %+v", m.summary.Counts)
	}
}

func TestWatchModel_ReadOnlyIgnoresActions(t *testing.T) {
	h := newModelHarness(t)
	m := refreshed(t, h.model(false))

	if _, cmd := m.Update(keyRune('p')); cmd != nil {
		t.Error("pause should be disabled without supervision")
	}
	if _, cmd := m.Update(keyRune('r')); cmd != nil {
		t.Error("resume should be disabled without supervision")
	}
}

func TestWatchModel_CursorAndQuit(t *testing.T) {
	h := newModelHarness(t)
	m := refreshed(t, h.model(true))

	next, _ := m.Update(tea.KeyMsg{Type: tea.KeyDown})
	m = next.(watchModel)
	if m.cursor != 0 {
		t.Errorf("cursor moved past the last row: %d", m.cursor)
	}

	_, cmd := m.Update(keyRune('q'))
	if cmd == nil {
		t.Fatal("q should quit")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("expected tea.QuitMsg")
	}
}

func TestWatchModel_TickSchedulesRefresh(t *testing.T) {
	h := newModelHarness(t)
	m := h.model(false)
	if _, cmd := m.Update(tickMsg(time.Now())); cmd == nil {
		t.Fatal("tick should schedule a refresh and the next tick")
	}
}

func TestWatchModel_ShowsRefreshError(t *testing.T) {
	h := newModelHarness(t)
	m := refreshed(t, h.model(false))

	next, _ := m.Update(summaryMsg{err: context.Canceled})
	m = next.(watchModel)
	if !strings.Contains(m.View(), "error: context canceled") {
		t.Errorf("view:\n%s", m.View())
	}
	if !strings.Contains(m.View(), h.agentID) {
		t.Error("last good summary should stay on screen")
	}
}
