// Package appversion reports which build of orchestra is running.
package appversion

import (
	"runtime/debug"
	"strings"
)

// Set at build time via -ldflags "-X orchestra/internal/appversion.version=...".
var (
	version = "dev" //nolint:gochecknoglobals // ldflags requires package-level var
	commit  = ""    //nolint:gochecknoglobals // ldflags requires package-level var
)

// readBuildInfo is swapped in tests.
var readBuildInfo = debug.ReadBuildInfo //nolint:gochecknoglobals // test seam

// String returns the version, followed by the short commit when known.
// Builds without ldflags fall back to the module version and VCS revision
// recorded by the go tool.
func String() string {
	v, rev := version, shortRev(commit)
	if v == "dev" || rev == "" {
		if info, ok := readBuildInfo(); ok {
			if v == "dev" && info.Main.Version != "" && info.Main.Version != "(devel)" {
				v = strings.TrimPrefix(info.Main.Version, "v")
			}
			if rev == "" {
				rev = vcsRevision(info)
			}
		}
	}
	if rev == "" {
		return v
	}
	return v + " (" + rev + ")"
}

func shortRev(rev string) string {
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}

func vcsRevision(info *debug.BuildInfo) string {
	var rev string
	dirty := false
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			rev = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	rev = shortRev(rev)
	if rev != "" && dirty {
		rev += "-dirty"
	}
	return rev
}
