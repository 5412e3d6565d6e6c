// Package langprofile detects the languages used in a repository and the
// shell tools an agent needs permission to run for each of them.
package langprofile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/afero"
)

// Profile describes one language toolchain.
type Profile struct {
	Language string
	// Markers are files whose presence in the repository root means the
	// language is in use.
	Markers []string
	// Tools are command names agents may run, e.g. "go" or "pytest".
	Tools []string
}

// Profiles returns the built-in profiles in detection order.
func Profiles() []Profile {
	return []Profile{
		{Language: "go", Markers: []string{"go.mod"}, Tools: []string{"go", "gofmt"}},
		{
			Language: "python",
			Markers:  []string{"pyproject.toml", "setup.py", "requirements.txt"},
			Tools:    []string{"python", "python3", "pip", "pytest"},
		},
		{Language: "javascript", Markers: []string{"package.json"}, Tools: []string{"node", "npm", "npx"}},
		{Language: "rust", Markers: []string{"Cargo.toml"}, Tools: []string{"cargo"}},
	}
}

// Detect returns the profiles whose markers exist under root, with tools
// refined from the project's own manifests.
func Detect(fs afero.Fs, root string) ([]Profile, error) {
	var found []Profile
	for _, p := range Profiles() {
		ok, err := hasAny(fs, root, p.Markers)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		switch p.Language {
		case "python":
			p.Tools = append(p.Tools, pythonTools(fs, root)...)
		case "javascript":
			p.Tools = append(p.Tools, jsTools(fs, root)...)
		}
		found = append(found, p)
	}
	return found, nil
}

func hasAny(fs afero.Fs, root string, markers []string) (bool, error) {
	for _, m := range markers {
		_, err := fs.Stat(filepath.Join(root, m))
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return false, fmt.Errorf("stat %s: %w", m, err)
		}
	}
	return false, nil
}

// pythonTools reads [tool.*] tables from pyproject.toml. A missing or
// malformed file contributes nothing.
func pythonTools(fs afero.Fs, root string) []string {
	data, err := afero.ReadFile(fs, filepath.Join(root, "pyproject.toml"))
	if err != nil {
		return nil
	}
	var pyproject struct {
		Tool map[string]any `toml:"tool"`
	}
	if err := toml.Unmarshal(data, &pyproject); err != nil {
		return nil
	}
	var tools []string
	for _, name := range []string{"ruff", "black", "mypy", "poetry", "uv"} {
		if _, ok := pyproject.Tool[name]; ok {
			tools = append(tools, name)
		}
	}
	return tools
}

// jsTools picks up the package manager from lock files and linters from
// package.json dependencies.
func jsTools(fs afero.Fs, root string) []string {
	var tools []string
	for lock, tool := range map[string]string{"pnpm-lock.yaml": "pnpm", "yarn.lock": "yarn", "bun.lockb": "bun"} {
		if _, err := fs.Stat(filepath.Join(root, lock)); err == nil {
			tools = append(tools, tool)
		}
	}

	data, err := afero.ReadFile(fs, filepath.Join(root, "package.json"))
	if err == nil {
		var pkg struct {
			Dependencies    map[string]string `json:"dependencies"`
			DevDependencies map[string]string `json:"devDependencies"`
		}
		if json.Unmarshal(data, &pkg) == nil {
			for _, name := range []string{"eslint", "prettier", "tsc", "jest", "vitest"} {
				dep := name
				if name == "tsc" {
					dep = "typescript"
				}
				if hasPackage(pkg.Dependencies, dep) || hasPackage(pkg.DevDependencies, dep) {
					tools = append(tools, name)
				}
			}
		}
	}
	slices.Sort(tools)
	return tools
}

func hasPackage(deps map[string]string, name string) bool {
	for key := range deps {
		// Scoped packages such as @eslint/js count too.
		if key == name || strings.HasPrefix(key, "@"+name+"/") {
			return true
		}
	}
	return false
}

// AllowedTools turns profiles into permission patterns ("Bash(go *)"),
// appended to base without duplicates.
func AllowedTools(base []string, profiles []Profile) []string {
	out := append([]string(nil), base...)
	for _, p := range profiles {
		for _, tool := range p.Tools {
			pattern := "Bash(" + tool + " *)"
			if !slices.Contains(out, pattern) {
				out = append(out, pattern)
			}
		}
	}
	return out
}

// Languages returns the language names of profiles.
func Languages(profiles []Profile) []string {
	names := make([]string, len(profiles))
	for i, p := range profiles {
		names[i] = p.Language
	}
	return names
}
