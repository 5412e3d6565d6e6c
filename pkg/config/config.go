// Package config loads the orchestra settings value that is passed explicitly
// into every component constructor.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"orchestra/pkg/protocol"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/afero"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	// FileName is the config file name without extension.
	FileName = "config"
	// EnvPrefix prefixes environment overrides, e.g. ORCHESTRA_MAX_PARALLEL.
	EnvPrefix = "ORCHESTRA"
)

// Config holds every tunable setting.
type Config struct {
	WorktreeDir       string        `mapstructure:"worktree_dir" validate:"required"`
	BranchPrefix      string        `mapstructure:"branch_prefix" validate:"required,excludesall=~^:?*["`
	IntegrationBranch string        `mapstructure:"integration_branch" validate:"required"`
	DefaultParallel   int           `mapstructure:"default_parallel" validate:"gte=1,ltefield=MaxParallel"`
	MaxParallel       int           `mapstructure:"max_parallel" validate:"gte=1"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" validate:"gt=0"`
	StaleThreshold    time.Duration `mapstructure:"stale_threshold" validate:"gt=0"`
	AgentCommand      string        `mapstructure:"agent_command" validate:"required"`
	AllowedTools      []string      `mapstructure:"allowed_tools" validate:"dive,required"`
	SkipPermissions   bool          `mapstructure:"skip_permissions"`
	PauseGrace        time.Duration `mapstructure:"pause_grace" validate:"gte=0"`
	StateFile         string        `mapstructure:"state_file" validate:"required"`
	EventDB           string        `mapstructure:"event_db"`
	LogDir            string        `mapstructure:"log_dir" validate:"required"`
	DashboardRefresh  time.Duration `mapstructure:"dashboard_refresh" validate:"gt=0"`
}

// DefaultAllowedTools is the permission allow-list passed to every agent.
var DefaultAllowedTools = []string{
	"Bash(git *)",
	"Bash(npm *)",
	"Bash(npx *)",
	"Read(*)",
	"Glob(*)",
	"Grep(*)",
	"Write(*)",
	"Edit(*)",
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		WorktreeDir:       protocol.WorktreesDir,
		BranchPrefix:      protocol.BranchPrefix,
		IntegrationBranch: "main",
		DefaultParallel:   3,
		MaxParallel:       8,
		HeartbeatInterval: 60 * time.Second,
		StaleThreshold:    300 * time.Second,
		AgentCommand:      "claude",
		AllowedTools:      append([]string(nil), DefaultAllowedTools...),
		SkipPermissions:   true,
		PauseGrace:        3 * time.Second,
		StateFile:         "~/.config/" + protocol.UserConfigDir + "/state.json",
		LogDir:            filepath.Join(protocol.ProjectDir, "agents"),
		DashboardRefresh:  2 * time.Second,
	}
}

var validate = validator.New()

// Validate checks field constraints.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// LoadOptions tells Load where to look.
type LoadOptions struct {
	Fs       afero.Fs // defaults to the OS filesystem
	RepoRoot string
	HomeDir  string
	// ConfigFile, when set, is the only file read and must exist.
	ConfigFile string
}

// Load builds a Config from defaults, the first config file found, a .env file
// in the repository root, and ORCHESTRA_* environment variables, in increasing
// order of precedence. Paths in the result are resolved (see Resolve). It
// returns the config file used, or "" when none was found.
func Load(opts LoadOptions) (Config, string, error) {
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}

	v := viper.New()
	v.SetFs(opts.Fs)
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
	} else {
		v.SetConfigName(FileName)
		for _, dir := range SearchPaths(opts.RepoRoot, opts.HomeDir) {
			v.AddConfigPath(dir)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, "", fmt.Errorf("read config: %w", err)
		}
	}

	if err := applyDotEnv(v, opts.Fs, filepath.Join(opts.RepoRoot, ".env")); err != nil {
		return Config{}, "", err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, "", fmt.Errorf("decode config: %w", err)
	}
	cfg = cfg.Resolve(opts.RepoRoot, opts.HomeDir)

	if err := cfg.Validate(); err != nil {
		return Config{}, "", err
	}
	return cfg, v.ConfigFileUsed(), nil
}

// SearchPaths lists the directories searched for config.{yaml,toml,json},
// most specific first.
func SearchPaths(repoRoot, homeDir string) []string {
	var dirs []string
	if repoRoot != "" {
		dirs = append(dirs, filepath.Join(repoRoot, protocol.ProjectDir))
	}
	if homeDir != "" {
		dirs = append(dirs, filepath.Join(homeDir, ".config", protocol.UserConfigDir))
	}
	return dirs
}

// applyDotEnv feeds ORCHESTRA_* entries from a .env file into v. Variables
// already present in the process environment win.
func applyDotEnv(v *viper.Viper, fs afero.Fs, path string) error {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil //nolint:nilerr // a missing .env is normal
	}
	env, err := godotenv.Unmarshal(string(data))
	if err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	for k, val := range env {
		key, ok := strings.CutPrefix(k, EnvPrefix+"_")
		if !ok {
			continue
		}
		if _, set := os.LookupEnv(k); set {
			continue
		}
		v.Set(strings.ToLower(key), val)
	}
	return nil
}

// Resolve expands "~/" against homeDir and anchors the log directory at
// repoRoot. An empty EventDB defaults to events.db next to the state file.
func (c Config) Resolve(repoRoot, homeDir string) Config {
	c.StateFile = expandHome(c.StateFile, homeDir)
	c.EventDB = expandHome(c.EventDB, homeDir)
	if c.EventDB == "" && c.StateFile != "" {
		c.EventDB = filepath.Join(filepath.Dir(c.StateFile), "events.db")
	}
	c.LogDir = expandHome(c.LogDir, homeDir)
	if c.LogDir != "" && !filepath.IsAbs(c.LogDir) && repoRoot != "" {
		c.LogDir = filepath.Join(repoRoot, c.LogDir)
	}
	c.AllowedTools = append([]string(nil), c.AllowedTools...)
	return c
}

func expandHome(p, homeDir string) string {
	if homeDir == "" {
		return p
	}
	if p == "~" {
		return homeDir
	}
	if rest, ok := strings.CutPrefix(p, "~/"); ok {
		return filepath.Join(homeDir, rest)
	}
	return p
}

func setDefaults(v *viper.Viper, cfg Config) {
	for key, val := range toDocument(cfg).fields() {
		v.SetDefault(key, val)
	}
}

// document is the on-disk shape; durations are written as "60s" strings.
type document struct {
	WorktreeDir       string   `yaml:"worktree_dir" toml:"worktree_dir" json:"worktree_dir"`
	BranchPrefix      string   `yaml:"branch_prefix" toml:"branch_prefix" json:"branch_prefix"`
	IntegrationBranch string   `yaml:"integration_branch" toml:"integration_branch" json:"integration_branch"`
	DefaultParallel   int      `yaml:"default_parallel" toml:"default_parallel" json:"default_parallel"`
	MaxParallel       int      `yaml:"max_parallel" toml:"max_parallel" json:"max_parallel"`
	HeartbeatInterval string   `yaml:"heartbeat_interval" toml:"heartbeat_interval" json:"heartbeat_interval"`
	StaleThreshold    string   `yaml:"stale_threshold" toml:"stale_threshold" json:"stale_threshold"`
	AgentCommand      string   `yaml:"agent_command" toml:"agent_command" json:"agent_command"`
	AllowedTools      []string `yaml:"allowed_tools" toml:"allowed_tools" json:"allowed_tools"`
	SkipPermissions   bool     `yaml:"skip_permissions" toml:"skip_permissions" json:"skip_permissions"`
	PauseGrace        string   `yaml:"pause_grace" toml:"pause_grace" json:"pause_grace"`
	StateFile         string   `yaml:"state_file" toml:"state_file" json:"state_file"`
	EventDB           string   `yaml:"event_db,omitempty" toml:"event_db,omitempty" json:"event_db,omitempty"`
	LogDir            string   `yaml:"log_dir" toml:"log_dir" json:"log_dir"`
	DashboardRefresh  string   `yaml:"dashboard_refresh" toml:"dashboard_refresh" json:"dashboard_refresh"`
}

func toDocument(c Config) document {
	return document{
		WorktreeDir:       c.WorktreeDir,
		BranchPrefix:      c.BranchPrefix,
		IntegrationBranch: c.IntegrationBranch,
		DefaultParallel:   c.DefaultParallel,
		MaxParallel:       c.MaxParallel,
		HeartbeatInterval: c.HeartbeatInterval.String(),
		StaleThreshold:    c.StaleThreshold.String(),
		AgentCommand:      c.AgentCommand,
		AllowedTools:      c.AllowedTools,
		SkipPermissions:   c.SkipPermissions,
		PauseGrace:        c.PauseGrace.String(),
		StateFile:         c.StateFile,
		EventDB:           c.EventDB,
		LogDir:            c.LogDir,
		DashboardRefresh:  c.DashboardRefresh.String(),
	}
}

func (d document) fields() map[string]any {
	return map[string]any{
		"worktree_dir":       d.WorktreeDir,
		"branch_prefix":      d.BranchPrefix,
		"integration_branch": d.IntegrationBranch,
		"default_parallel":   d.DefaultParallel,
		"max_parallel":       d.MaxParallel,
		"heartbeat_interval": d.HeartbeatInterval,
		"stale_threshold":    d.StaleThreshold,
		"agent_command":      d.AgentCommand,
		"allowed_tools":      d.AllowedTools,
		"skip_permissions":   d.SkipPermissions,
		"pause_grace":        d.PauseGrace,
		"state_file":         d.StateFile,
		"event_db":           d.EventDB,
		"log_dir":            d.LogDir,
		"dashboard_refresh":  d.DashboardRefresh,
	}
}

// Formats lists the file formats Save understands.
var Formats = []string{"yaml", "toml", "json"}

// Save writes cfg to path, encoding by extension (.yaml/.yml, .toml, .json).
func Save(fs afero.Fs, path string, cfg Config) error {
	doc := toDocument(cfg)

	var (
		data []byte
		err  error
	)
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(doc)
	case ".toml":
		data, err = toml.Marshal(doc)
	case ".json":
		data, err = json.MarshalIndent(doc, "", "  ")
		data = append(data, '\n')
	default:
		return fmt.Errorf("unsupported config format %q", ext)
	}
	if err != nil {
		return fmt.Errorf("encode config %s: %w", path, err)
	}

	if err := fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := afero.WriteFile(fs, path, data, 0o644); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}
