package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadReturnsDefaultsWhenNoConfigFilePresent(t *testing.T) {
	t.Setenv("SPATIALSERVER_CONFIG", filepath.Join(t.TempDir(), "does-not-exist.json"))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Processing.ParallelJobs != defaultParallel {
		t.Fatalf("ParallelJobs = %d, want %d", cfg.Processing.ParallelJobs, defaultParallel)
	}
	if cfg.Tools.SfM.Preferred != "colmap" {
		t.Fatalf("Tools.SfM.Preferred = %q, want %q", cfg.Tools.SfM.Preferred, "colmap")
	}
	if !cfg.Geometry.ManhattanAlign {
		t.Fatalf("expected ManhattanAlign to default true")
	}
}

func TestLoadMergesConfigFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"processing":{"parallel_jobs":7}}`), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	t.Setenv("SPATIALSERVER_CONFIG", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Processing.ParallelJobs != 7 {
		t.Fatalf("ParallelJobs = %d, want 7", cfg.Processing.ParallelJobs)
	}
	// Fields the override didn't mention keep their defaults.
	if cfg.Tools.SfM.Preferred != "colmap" {
		t.Fatalf("Tools.SfM.Preferred = %q, want default %q to survive a partial override", cfg.Tools.SfM.Preferred, "colmap")
	}
}

func TestExpandUserExpandsHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home directory available: %v", err)
	}
	got, err := expandUser("~/foo/bar")
	if err != nil {
		t.Fatalf("expandUser: %v", err)
	}
	want := filepath.Join(home, "foo/bar")
	if got != want {
		t.Fatalf("expandUser(~/foo/bar) = %q, want %q", got, want)
	}
}

func TestExpandUserLeavesAbsolutePathAlone(t *testing.T) {
	got, err := expandUser("/etc/spatialserver/config.json")
	if err != nil {
		t.Fatalf("expandUser: %v", err)
	}
	if got != "/etc/spatialserver/config.json" {
		t.Fatalf("expandUser(absolute) = %q, want unchanged", got)
	}
}
