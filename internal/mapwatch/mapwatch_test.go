package mapwatch

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
)

type fakeReloader struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeReloader) ReloadMap(mapName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, mapName)
	return nil
}

func (f *fakeReloader) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMapNameForPath(t *testing.T) {
	w := &Watcher{mapDataRoot: "/data/maps"}

	cases := map[string]string{
		filepath.Join("/data/maps", "lobby", "sparse", "images.bin"): "lobby",
		filepath.Join("/data/maps", "lobby"):                        "lobby",
		"/elsewhere/images.bin":                                     "",
	}
	for path, want := range cases {
		if got := w.mapNameForPath(path); got != want {
			t.Errorf("mapNameForPath(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestIsReloadTrigger(t *testing.T) {
	cases := []struct {
		event fsnotify.Event
		want  bool
	}{
		{fsnotify.Event{Name: "/m/sparse/images.bin", Op: fsnotify.Write}, true},
		{fsnotify.Event{Name: "/m/sparse/cameras.bin", Op: fsnotify.Create}, true},
		{fsnotify.Event{Name: "/m/sparse/points3D.bin", Op: fsnotify.Rename}, true},
		{fsnotify.Event{Name: "/m/sparse/images.bin", Op: fsnotify.Chmod}, false},
		{fsnotify.Event{Name: "/m/sparse/capabilities.json", Op: fsnotify.Write}, false},
	}
	for _, tc := range cases {
		if got := isReloadTrigger(tc.event); got != tc.want {
			t.Errorf("isReloadTrigger(%+v) = %v, want %v", tc.event, got, tc.want)
		}
	}
}

func TestWatcherReloadsOnModelFileChange(t *testing.T) {
	root := t.TempDir()
	mapDir := filepath.Join(root, "lobby", "sparse")
	if err := os.MkdirAll(mapDir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}

	reloader := &fakeReloader{}
	w, err := New(root, reloader, discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	w.debounce = 20 * time.Millisecond
	defer w.Stop()

	if err := w.Watch("lobby"); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	go w.Run()

	if err := os.WriteFile(filepath.Join(mapDir, "images.bin"), []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if reloader.callCount() > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected ReloadMap to be called after a model file write")
}
