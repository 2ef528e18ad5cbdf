package version

import (
	"runtime/debug"
	"testing"
)

func TestFillFromBuildInfoKeepsLinkerValues(t *testing.T) {
	bi := &debug.BuildInfo{
		GoVersion: "go1.25.0",
		Main:      debug.Module{Version: "v9.9.9"},
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "abc123"},
			{Key: "vcs.time", Value: "2026-01-01T00:00:00Z"},
		},
	}

	got := fillFromBuildInfo(Info{Version: "v1.2.3", Commit: "deadbeef", BuildTime: "yesterday"}, bi)
	if got.Version != "v1.2.3" || got.Commit != "deadbeef" || got.BuildTime != "yesterday" {
		t.Fatalf("linker values overwritten: %+v", got)
	}
	if got.GoVersion != "go1.25.0" {
		t.Fatalf("expected go version from build info, got %q", got.GoVersion)
	}
}

func TestFillFromBuildInfoFallsBackToVCS(t *testing.T) {
	bi := &debug.BuildInfo{
		GoVersion: "go1.25.0",
		Main:      debug.Module{Version: "(devel)"},
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "abc123"},
			{Key: "vcs.time", Value: "2026-01-01T00:00:00Z"},
			{Key: "vcs.modified", Value: "true"},
		},
	}

	got := fillFromBuildInfo(Info{}, bi)
	if got.Version != devVersion {
		t.Fatalf("expected %q for devel build, got %q", devVersion, got.Version)
	}
	if got.Commit != "abc123" {
		t.Fatalf("commit = %q", got.Commit)
	}
	if got.BuildTime != "2026-01-01T00:00:00Z" {
		t.Fatalf("build time = %q", got.BuildTime)
	}
	if !got.Modified {
		t.Fatal("expected modified flag")
	}
}

func TestFillFromBuildInfoModuleVersion(t *testing.T) {
	bi := &debug.BuildInfo{Main: debug.Module{Version: "v0.4.0"}}

	got := fillFromBuildInfo(Info{Version: devVersion}, bi)
	if got.Version != "v0.4.0" {
		t.Fatalf("expected module version, got %q", got.Version)
	}
}

func TestSetAndCurrent(t *testing.T) {
	t.Cleanup(func() { Set(Info{Version: devVersion}) })

	Set(Info{Version: "v2.0.0", Commit: "cafe"})
	got := Current()
	if got.Version != "v2.0.0" || got.Commit != "cafe" {
		t.Fatalf("unexpected current info: %+v", got)
	}
}
