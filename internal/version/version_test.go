package version

import (
	"runtime/debug"
	"testing"
)

func TestResolvePrefersLinkerValues(t *testing.T) {
	t.Parallel()
	read := func() (*debug.BuildInfo, bool) {
		return &debug.BuildInfo{
			GoVersion: "go1.26.0",
			Main:      debug.Module{Version: "v0.3.0"},
			Settings:  []debug.BuildSetting{{Key: "vcs.revision", Value: "fromvcs"}},
		}, true
	}
	info := resolve("v1.0.0", "abc", "2026-01-01", read)
	if info.Version != "v1.0.0" || info.Commit != "abc" || info.BuildTime != "2026-01-01" {
		t.Fatalf("linker values overridden: %+v", info)
	}
	if info.GoVersion != "go1.26.0" {
		t.Fatalf("GoVersion = %q", info.GoVersion)
	}
}

func TestResolveFromBuildInfo(t *testing.T) {
	t.Parallel()
	read := func() (*debug.BuildInfo, bool) {
		return &debug.BuildInfo{
			Main: debug.Module{Version: "(devel)"},
			Settings: []debug.BuildSetting{
				{Key: "vcs.revision", Value: "0123456789abcdef"},
				{Key: "vcs.time", Value: "2026-10-01T00:00:00Z"},
				{Key: "vcs.modified", Value: "true"},
			},
		}, true
	}
	info := resolve("", "", "", read)
	if info.Version != "dev" || info.Commit != "0123456789abcdef" || !info.Modified || info.BuildTime == "" {
		t.Fatalf("build info not applied: %+v", info)
	}
	if got := shortCommit(info.Commit); got != "0123456789ab" {
		t.Fatalf("shortCommit = %q", got)
	}
}

func TestResolveWithoutBuildInfo(t *testing.T) {
	t.Parallel()
	info := resolve("", "", "", func() (*debug.BuildInfo, bool) { return nil, false })
	if info.Version != "dev" || info.GoVersion == "" {
		t.Fatalf("fallback = %+v", info)
	}
}
