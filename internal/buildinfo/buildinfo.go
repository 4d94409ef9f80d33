// Package buildinfo reports the version of the running binary.
//
// Release builds stamp Version, GitCommit and BuildTime with -ldflags.
// Plain `go build` and `go install` leave them unset; the VCS settings
// the toolchain embeds are used instead.
package buildinfo

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"time"
)

// Stamped with -ldflags "-X github.com/wopr-bot/wopr/internal/buildinfo.Version=...".
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

var startTime = time.Now()

func init() {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	fillFromVCS(bi)
}

// fillFromVCS replaces unstamped fields with the embedded VCS settings.
func fillFromVCS(bi *debug.BuildInfo) {
	if Version == "dev" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		Version = bi.Main.Version
	}
	dirty := false
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if GitCommit == "unknown" {
				GitCommit = s.Value
				if len(GitCommit) > 12 {
					GitCommit = GitCommit[:12]
				}
			}
		case "vcs.time":
			if BuildTime == "unknown" {
				BuildTime = s.Value
			}
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if dirty && GitCommit != "unknown" {
		GitCommit += "-dirty"
	}
}

// Info is served by /version and printed by `wopr version`.
func Info() map[string]string {
	return map[string]string{
		"version":    Version,
		"git_commit": GitCommit,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"uptime":     Uptime().String(),
	}
}

// Uptime is the time since process start, to the second.
func Uptime() time.Duration {
	return time.Since(startTime).Truncate(time.Second)
}

// UserAgent is sent on outbound provider requests.
func UserAgent() string {
	return "WOPR/" + Version
}

func String() string {
	return fmt.Sprintf("WOPR %s (%s) built %s", Version, GitCommit, BuildTime)
}
