package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"orchestra/pkg/config"
	"orchestra/pkg/coordinator"
	"orchestra/pkg/eventlog"
	"orchestra/pkg/merge"
	"orchestra/pkg/state"
	"orchestra/pkg/workspace"

	"github.com/spf13/cobra"
)

// app is the wired set of components one command invocation works with.
type app struct {
	cfg        config.Config
	configUsed string
	repoRoot   string
	logger     *slog.Logger
	store      *state.Store
	workspaces *workspace.Manager
	events     *eventlog.Log // nil when the event log could not be opened
	coord      *coordinator.Coordinator
}

// repoRoot returns --repo, else the top level of the enclosing git
// repository, else the working directory.
func (o *rootOptions) repoRoot(ctx context.Context) (string, error) {
	if o.repo != "" {
		return filepath.Abs(o.repo)
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get working directory: %w", err)
	}
	out, _, err := o.git.Run(ctx, wd, "rev-parse", "--show-toplevel")
	if top := strings.TrimSpace(out); err == nil && top != "" {
		return top, nil
	}
	return wd, nil
}

func (o *rootOptions) home() (string, error) {
	if o.homeDir != "" {
		return o.homeDir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return home, nil
}

func (o *rootOptions) newLogger(w io.Writer) *slog.Logger {
	level := slog.LevelWarn
	if o.verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// loadConfig resolves the repository and reads its configuration.
func (o *rootOptions) loadConfig(ctx context.Context) (cfg config.Config, used, repo, home string, err error) {
	repo, err = o.repoRoot(ctx)
	if err != nil {
		return config.Config{}, "", "", "", err
	}
	home, err = o.home()
	if err != nil {
		return config.Config{}, "", "", "", err
	}
	cfg, used, err = config.Load(config.LoadOptions{
		Fs:         o.fs,
		RepoRoot:   repo,
		HomeDir:    home,
		ConfigFile: o.configFile,
	})
	if err != nil {
		return config.Config{}, "", "", "", err
	}
	return cfg, used, repo, home, nil
}

// open wires config, state, workspaces, the event log and the coordinator.
// Callers must Close the result.
func (o *rootOptions) open(cmd *cobra.Command) (*app, error) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, used, repo, _, err := o.loadConfig(ctx)
	if err != nil {
		return nil, err
	}

	logger := o.newLogger(cmd.ErrOrStderr())
	logger.Debug("loaded config", "file", used, "repo", repo, "state_file", cfg.StateFile)
	if runner, ok := o.git.(*workspace.ExecGitRunner); ok && runner.Logger == nil {
		runner.Logger = logger
	}

	a := &app{
		cfg:        cfg,
		configUsed: used,
		repoRoot:   repo,
		logger:     logger,
		store:      state.New(o.fs, cfg.StateFile, logger),
		workspaces: workspace.NewManager(repo, o.git, workspace.Options{
			WorktreeDir:       cfg.WorktreeDir,
			BranchPrefix:      cfg.BranchPrefix,
			IntegrationBranch: cfg.IntegrationBranch,
			Logger:            logger,
		}),
	}

	deps := coordinator.Deps{
		Store:      a.store,
		Workspaces: a.workspaces,
		Launcher:   o.launcher,
		Merger:     merge.NewMerger(repo, cfg.IntegrationBranch, o.git, logger),
		Logger:     logger,
	}
	if events, err := eventlog.Open(cfg.EventDB); err != nil {
		logger.Warn("event log unavailable", "path", cfg.EventDB, "err", err)
	} else {
		a.events = events
		deps.Events = events
	}

	a.coord = coordinator.New(cfg, repo, deps)
	return a, nil
}

// Close releases the event log.
func (a *app) Close() error {
	if a.events == nil {
		return nil
	}
	if err := a.events.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		return fmt.Errorf("close event log: %w", err)
	}
	return nil
}

// withApp opens the app, runs fn and closes the app, joining close errors.
func (o *rootOptions) withApp(cmd *cobra.Command, fn func(a *app) error) (err error) {
	a, err := o.open(cmd)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, a.Close()) }()
	return fn(a)
}
