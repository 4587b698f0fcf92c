// This file holds build information injected through -ldflags at build time, e.g.
//   go build -ldflags "-X github.com/nobletooth/snapback/pkg/utils.Version=v0.3.1"
// CAUTION: TestMode is read in init(); tests of the invariant panics depend on it.

package utils

import (
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/mod/semver"
)

var (
	TestMode   string // Should be "true" when building test binaries that panic on invariants.
	IsTestMode bool
	Version    string
	Commit     string
	BuildTime  string
	StartTime  time.Time
)

// devVersion is reported for builds that were not stamped with a release version.
const devVersion = "v0.0.0-dev"

func init() {
	StartTime = time.Now()

	if Version == "" {
		Version = devVersion
	}
	if !semver.IsValid(Version) {
		slog.Warn("Build version is not a semantic version, using the dev version.",
			"version", Version, "fallback", devVersion)
		Version = devVersion
	}
	if Commit == "" {
		Commit = "unknown"
	}
	if BuildTime == "" {
		BuildTime = "unknown"
	}
	if len(TestMode) > 0 {
		if isTestMode, err := strconv.ParseBool(TestMode); err == nil {
			IsTestMode = isTestMode
		} else {
			slog.Warn("Failed to parse TestMode build flag, defaulting to false", "error", err)
		}
	}
}

// Uptime returns how long the process has been running.
func Uptime() time.Duration {
	return time.Since(StartTime)
}
