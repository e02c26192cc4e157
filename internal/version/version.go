// Package version holds build-time version information for the apicache
// binaries. The variables are injected via -ldflags:
//
// -X github.com/adakings/apicache/internal/version.Version=v0.1.0
// -X github.com/adakings/apicache/internal/version.Commit=abc1234
// -X github.com/adakings/apicache/internal/version.Date=2026-02-25T00:00:00Z
//
// so local builds without ldflags still produce sensible output.
package version

import (
	"fmt"
	"runtime/debug"
)

// Variables set at link time. Default to dev values.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// String returns a single-line human-readable version string, e.g.:
//
// v0.1.0 (commit abc1234, built 2026-02-25T12:00:00Z)
func String() string {
	return fmt.Sprintf("%s (commit %s, built %s)", Short(), Commit, Date)
}

// Short returns just the version tag, e.g. "v0.1.0" or "dev". Binaries
// installed with go install report their module version instead of "dev".
func Short() string {
	if Version != "dev" {
		return Version
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return Version
}
