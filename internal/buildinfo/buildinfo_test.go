package buildinfo

import (
	"runtime/debug"
	"strings"
	"testing"
)

func stamp(t *testing.T, version, commit, built string) {
	t.Helper()
	oldV, oldC, oldB := Version, GitCommit, BuildTime
	Version, GitCommit, BuildTime = version, commit, built
	t.Cleanup(func() { Version, GitCommit, BuildTime = oldV, oldC, oldB })
}

func TestFillFromVCS(t *testing.T) {
	bi := &debug.BuildInfo{
		Main: debug.Module{Version: "v1.2.3"},
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "0123456789abcdef0123"},
			{Key: "vcs.time", Value: "2026-01-02T03:04:05Z"},
			{Key: "vcs.modified", Value: "true"},
		},
	}

	t.Run("unstamped", func(t *testing.T) {
		stamp(t, "dev", "unknown", "unknown")
		fillFromVCS(bi)
		if Version != "v1.2.3" || GitCommit != "0123456789ab-dirty" || BuildTime != "2026-01-02T03:04:05Z" {
			t.Errorf("got %s %s %s", Version, GitCommit, BuildTime)
		}
	})

	t.Run("ldflags win", func(t *testing.T) {
		stamp(t, "v9.0.0", "feedface", "yesterday")
		fillFromVCS(bi)
		if Version != "v9.0.0" || GitCommit != "feedface-dirty" || BuildTime != "yesterday" {
			t.Errorf("got %s %s %s", Version, GitCommit, BuildTime)
		}
	})

	t.Run("devel module version ignored", func(t *testing.T) {
		stamp(t, "dev", "unknown", "unknown")
		fillFromVCS(&debug.BuildInfo{Main: debug.Module{Version: "(devel)"}})
		if Version != "dev" || GitCommit != "unknown" {
			t.Errorf("got %s %s", Version, GitCommit)
		}
	})
}

func TestInfoAndString(t *testing.T) {
	stamp(t, "v1.0.0", "abc", "now")
	info := Info()
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch", "uptime"} {
		if info[k] == "" {
			t.Errorf("Info()[%q] is empty", k)
		}
	}
	if got := String(); got != "WOPR v1.0.0 (abc) built now" {
		t.Errorf("String() = %q", got)
	}
	if !strings.HasPrefix(UserAgent(), "WOPR/v1.0.0") {
		t.Errorf("UserAgent() = %q", UserAgent())
	}
}
