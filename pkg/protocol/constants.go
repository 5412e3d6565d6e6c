package protocol

// Directory and naming constants shared by the orchestra packages.
const (
	// WorktreesDir is the directory, relative to the repository root, where
	// agent worktrees are created.
	WorktreesDir = ".worktrees"

	// ProjectDir is the per-repository directory holding config and agent logs.
	ProjectDir = ".orchestra"

	// UserConfigDir is the directory under the user's config home
	// (e.g., ~/.config/claude-orchestra) holding the state file.
	UserConfigDir = "claude-orchestra"

	// BranchPrefix is the default git branch prefix for agent worktrees.
	// Branches are named <prefix>/<sanitized-task>.
	BranchPrefix = "orchestra"

	// WorktreeDirPrefix prefixes each worktree directory name.
	WorktreeDirPrefix = "task-"

	// MaxTaskKeyLen bounds the sanitized task key used for branch and path names.
	MaxTaskKeyLen = 50

	// ResultCap is the number of characters of agent output kept in the state file.
	ResultCap = 1000
)
