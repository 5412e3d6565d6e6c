package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"orchestra/pkg/coordinator"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/fsnotify/fsnotify"
)

// fsChangeMsg is sent when the state file changes on disk.
type fsChangeMsg struct{}

// initWatcher creates a watcher on dir. It returns nil when dir does not
// exist or watching fails; the view then falls back to polling.
func initWatcher(dir string, logger *slog.Logger) *fsnotify.Watcher {
	if _, err := os.Stat(dir); err != nil {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("fsnotify: create watcher failed, falling back to polling", "err", err)
		return nil
	}

	// The directory, not the file: saves replace the file by rename.
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		logger.Warn("fsnotify: watch failed, falling back to polling", "dir", dir, "err", err)
		return nil
	}
	return watcher
}

// runWatcher returns a tea.Cmd that waits for changes to the file called
// name and reports them as one debounced fsChangeMsg.
func runWatcher(watcher *fsnotify.Watcher, name string) tea.Cmd {
	return func() tea.Msg {
		debounceTimer := newDebounceTimer()
		defer debounceTimer.Stop()

		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return nil
				}
				if filepath.Base(event.Name) != name {
					continue
				}
				resetDebounceTimer(debounceTimer)

			case <-debounceTimer.C:
				return fsChangeMsg{}

			case _, ok := <-watcher.Errors:
				if !ok {
					return nil
				}
				// Polling keeps the view current.
				return nil
			}
		}
	}
}

// newDebounceTimer creates a stopped timer for debouncing file system events.
func newDebounceTimer() *time.Timer {
	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	return timer
}

// resetDebounceTimer restarts the debounce window.
func resetDebounceTimer(timer *time.Timer) {
	const debounceDuration = 100 * time.Millisecond
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	timer.Reset(debounceDuration)
}

// runWatch shows the live view until the user quits or ctx ends. With
// supervise set, the view collects handles in the background and offers
// pause and resume.
func runWatch(ctx context.Context, a *app, w io.Writer, handles []*coordinator.Handle, supervise bool) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	collect := func(hs []*coordinator.Handle) {
		go func() {
			if _, err := a.coord.Collect(ctx, hs); err != nil && ctx.Err() == nil {
				a.logger.Warn("collect agents", "err", err)
			}
		}()
	}
	if supervise {
		collect(handles)
	}

	watcher := initWatcher(filepath.Dir(a.store.Path()), a.logger)
	if watcher != nil {
		defer func() { _ = watcher.Close() }()
	}

	m := newWatchModel(ctx, a.coord, watchOptions{
		refresh:   a.cfg.DashboardRefresh,
		watcher:   watcher,
		stateFile: filepath.Base(a.store.Path()),
		supervise: supervise,
		onResume:  func(h *coordinator.Handle) { collect([]*coordinator.Handle{h}) },
	})

	p := tea.NewProgram(m, tea.WithContext(ctx), tea.WithOutput(w), tea.WithAltScreen())
	_, err := p.Run()
	if err != nil && !errors.Is(err, tea.ErrProgramKilled) && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("watch view: %w", err)
	}

	if live := len(a.coord.Handles()); supervise && live > 0 {
		fmt.Fprintf(w, "%d agent(s) still running unsupervised; they are marked stale once heartbeats stop\n", live)
	}
	return nil
}
