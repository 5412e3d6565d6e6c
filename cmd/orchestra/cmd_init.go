package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"orchestra/pkg/config"
	"orchestra/pkg/langprofile"
	"orchestra/pkg/protocol"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

// initConfig holds the flags for orchestra init.
type initConfig struct {
	format   string
	force    bool
	noDetect bool
}

func newInitCmd(opts *rootOptions) *cobra.Command {
	cfg := &initConfig{}
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config and prepare the repository",
		Long: "Writes .orchestra/config.<format> with default settings, creates the\n" +
			"worktree directory, and adds both to .gitignore. Toolchains detected in\n" +
			"the repository (go.mod, pyproject.toml, package.json, Cargo.toml) are\n" +
			"added to allowed_tools.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			repo, err := opts.repoRoot(cmd.Context())
			if err != nil {
				return err
			}
			return runInit(opts.fs, repo, cfg, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&cfg.format, "format", "yaml", "config format: "+strings.Join(config.Formats, ", "))
	cmd.Flags().BoolVar(&cfg.force, "force", false, "overwrite an existing config")
	cmd.Flags().BoolVar(&cfg.noDetect, "no-detect", false, "keep the default allowed_tools")
	return cmd
}

func runInit(fs afero.Fs, repo string, ic *initConfig, w io.Writer) error {
	if !slices.Contains(config.Formats, ic.format) {
		return fmt.Errorf("unsupported format %q (want one of %s)", ic.format, strings.Join(config.Formats, ", "))
	}

	dir := filepath.Join(repo, protocol.ProjectDir)
	if existing := existingConfig(fs, dir); existing != "" && !ic.force {
		return fmt.Errorf("already initialized: %s exists (use --force to overwrite)", existing)
	}

	defaults := config.Default()
	var detected []langprofile.Profile
	if !ic.noDetect {
		var err error
		if detected, err = langprofile.Detect(fs, repo); err != nil {
			return fmt.Errorf("detect languages: %w", err)
		}
		defaults.AllowedTools = langprofile.AllowedTools(defaults.AllowedTools, detected)
	}

	path := filepath.Join(dir, config.FileName+"."+ic.format)
	if err := config.Save(fs, path, defaults); err != nil {
		return err
	}

	worktrees := defaults.WorktreeDir
	if !filepath.IsAbs(worktrees) {
		worktrees = filepath.Join(repo, worktrees)
	}
	if err := fs.MkdirAll(worktrees, 0o755); err != nil {
		return fmt.Errorf("create worktree dir: %w", err)
	}

	added, err := ensureGitignore(fs, repo, []string{defaults.WorktreeDir + "/", protocol.ProjectDir + "/"})
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "Wrote %s\n", path)
	fmt.Fprintf(w, "Worktrees go in %s\n", worktrees)
	if len(detected) > 0 {
		fmt.Fprintf(w, "Detected %s; allowed_tools extended\n", strings.Join(langprofile.Languages(detected), ", "))
	}
	if len(added) > 0 {
		fmt.Fprintf(w, "Added to .gitignore: %s\n", strings.Join(added, ", "))
	}
	return nil
}

// existingConfig returns the first config file present in dir, or "".
func existingConfig(fs afero.Fs, dir string) string {
	for _, ext := range append([]string{"yml"}, config.Formats...) {
		path := filepath.Join(dir, config.FileName+"."+ext)
		if _, err := fs.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// ensureGitignore appends the entries missing from repo/.gitignore and
// returns them.
func ensureGitignore(fs afero.Fs, repo string, entries []string) ([]string, error) {
	path := filepath.Join(repo, ".gitignore")

	existing := ""
	data, err := afero.ReadFile(fs, path)
	switch {
	case err == nil:
		existing = string(data)
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("read .gitignore: %w", err)
	}

	var toAdd []string
	for _, entry := range entries {
		if !containsLine(existing, entry) && !containsLine(existing, strings.TrimSuffix(entry, "/")) {
			toAdd = append(toAdd, entry)
		}
	}
	if len(toAdd) == 0 {
		return nil, nil
	}

	var b strings.Builder
	b.WriteString(existing)
	if existing != "" && !strings.HasSuffix(existing, "\n") {
		b.WriteString("\n")
	}
	b.WriteString("# orchestra\n")
	for _, entry := range toAdd {
		b.WriteString(entry)
		b.WriteString("\n")
	}
	if err := afero.WriteFile(fs, path, []byte(b.String()), 0o644); err != nil {
		return nil, fmt.Errorf("write .gitignore: %w", err)
	}
	return toAdd, nil
}

func containsLine(content, line string) bool {
	for _, l := range strings.Split(content, "\n") {
		if strings.TrimSpace(l) == line {
			return true
		}
	}
	return false
}
