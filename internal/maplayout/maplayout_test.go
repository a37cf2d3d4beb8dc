package maplayout

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLayoutPaths(t *testing.T) {
	l := New("/data/maps", "lobby")

	cases := map[string]string{
		"ModelDir":         filepath.Join("/data/maps", "lobby", "sparse"),
		"ImagesDir":        filepath.Join("/data/maps", "lobby", "images"),
		"FeatureStorePath": filepath.Join("/data/maps", "lobby", "features.db"),
		"PCDPath":          filepath.Join("/data/maps", "lobby", "map.pcd"),
		"MeshPath":         filepath.Join("/data/maps", "lobby", "mesh.ply"),
		"ScalePath":        filepath.Join("/data/maps", "lobby", "scale.json"),
		"CapabilitiesPath": filepath.Join("/data/maps", "lobby", "capabilities.json"),
		"WaypointsPath":    filepath.Join("/data/maps", "lobby", "waypoints.json"),
	}

	got := map[string]string{
		"ModelDir":         l.ModelDir(),
		"ImagesDir":        l.ImagesDir(),
		"FeatureStorePath": l.FeatureStorePath(),
		"PCDPath":          l.PCDPath(),
		"MeshPath":         l.MeshPath(),
		"ScalePath":        l.ScalePath(),
		"CapabilitiesPath": l.CapabilitiesPath(),
		"WaypointsPath":    l.WaypointsPath(),
	}

	for k, want := range cases {
		if got[k] != want {
			t.Errorf("%s() = %q, want %q", k, got[k], want)
		}
	}
}

func TestEnsureDirsCreatesSkeleton(t *testing.T) {
	root := t.TempDir()
	l := New(root, "lobby")

	if err := l.EnsureDirs(); err != nil {
		t.Fatalf("EnsureDirs: %v", err)
	}
	for _, dir := range []string{l.Root, l.ModelDir(), l.ImagesDir()} {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			t.Fatalf("expected directory %q to exist", dir)
		}
	}
}

func TestDefaultCapabilities(t *testing.T) {
	caps := DefaultCapabilities("lobby")
	if caps.CommonName != "lobby" {
		t.Fatalf("CommonName = %q, want %q", caps.CommonName, "lobby")
	}
	if len(caps.Services) != 1 || caps.Services[0] != "localization" {
		t.Fatalf("Services = %v, want [localization]", caps.Services)
	}
}

func TestLoadOrDefaultCapabilitiesFallsBackWhenAbsent(t *testing.T) {
	root := t.TempDir()
	l := New(root, "lobby")

	caps, err := l.LoadOrDefaultCapabilities()
	if err != nil {
		t.Fatalf("LoadOrDefaultCapabilities: %v", err)
	}
	if caps.CommonName != "lobby" {
		t.Fatalf("CommonName = %q, want %q", caps.CommonName, "lobby")
	}
}

func TestLoadWaypointsEmptyWhenAbsent(t *testing.T) {
	root := t.TempDir()
	l := New(root, "lobby")

	wp, err := l.LoadWaypoints()
	if err != nil {
		t.Fatalf("LoadWaypoints: %v", err)
	}
	if len(wp) != 0 {
		t.Fatalf("expected no waypoints, got %v", wp)
	}
}
