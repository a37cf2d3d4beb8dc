// Package mapwatch watches each map's on-disk directory for changes to its
// reconstruction files and triggers a cache reload, so a map rebuilt or
// replaced out from under the running process (rsynced in, restored from
// backup, rebuilt by a process other than this one's own job controller)
// is picked up without a restart. Adapted from the teacher's
// internal/tasks.FileSystemWatcher, narrowed from "any photo/video file
// changed" to the three COLMAP reconstruction files a reload depends on.
package mapwatch

import (
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"spatialserver/internal/maplayout"
)

// watchedFiles are the files whose change should trigger a reload; a
// touch to capabilities.json or waypoints.json doesn't need one since
// those are read fresh on every localizer/CLI call, not cached.
var watchedFiles = []string{"cameras.bin", "images.bin", "points3D.bin", "cameras.txt", "images.txt", "points3D.txt"}

// Reloader is the subset of mapcache.Cache this package depends on, kept
// narrow so tests can supply a fake without building a real cache.
type Reloader interface {
	ReloadMap(mapName string) error
}

// Watcher monitors a map data root and reloads a map's cache entry
// whenever its reconstruction model directory changes.
type Watcher struct {
	fsw         *fsnotify.Watcher
	log         *slog.Logger
	reloader    Reloader
	mapDataRoot string
	debounce    time.Duration

	done chan struct{}
}

// New creates a Watcher rooted at mapDataRoot. Call Watch to begin
// monitoring a specific map's directory once it exists.
func New(mapDataRoot string, reloader Reloader, log *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		fsw:         fsw,
		log:         log,
		reloader:    reloader,
		mapDataRoot: mapDataRoot,
		debounce:    500 * time.Millisecond,
		done:        make(chan struct{}),
	}, nil
}

// Watch adds mapName's model directory to the watch list. Safe to call
// more than once for the same map; fsnotify de-duplicates internally.
func (w *Watcher) Watch(mapName string) error {
	layout := maplayout.New(w.mapDataRoot, mapName)
	return w.fsw.Add(layout.ModelDir())
}

// Run processes filesystem events until Stop is called. Intended to run
// in its own goroutine for the lifetime of the process.
func (w *Watcher) Run() {
	pending := make(map[string]*time.Timer)
	defer func() {
		for _, t := range pending {
			t.Stop()
		}
	}()

	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !isReloadTrigger(event) {
				continue
			}
			mapName := w.mapNameForPath(event.Name)
			if mapName == "" {
				continue
			}
			if t, exists := pending[mapName]; exists {
				t.Reset(w.debounce)
				continue
			}
			pending[mapName] = time.AfterFunc(w.debounce, func() {
				if err := w.reloader.ReloadMap(mapName); err != nil {
					w.log.Error("reload map after filesystem change", "map", mapName, "error", err)
				} else {
					w.log.Info("reloaded map after filesystem change", "map", mapName)
				}
			})

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Error("map watcher error", "error", err)

		case <-w.done:
			return
		}
	}
}

// Stop closes the underlying watcher and unblocks Run.
func (w *Watcher) Stop() error {
	close(w.done)
	return w.fsw.Close()
}

func isReloadTrigger(event fsnotify.Event) bool {
	switch {
	case event.Op&fsnotify.Write == fsnotify.Write:
	case event.Op&fsnotify.Create == fsnotify.Create:
	case event.Op&fsnotify.Rename == fsnotify.Rename:
	default:
		return false
	}

	name := filepath.Base(event.Name)
	for _, f := range watchedFiles {
		if name == f {
			return true
		}
	}
	return false
}

// mapNameForPath walks event.Name back up to mapDataRoot/<mapName>/sparse/...
// and returns <mapName>, or "" if the path isn't under mapDataRoot.
func (w *Watcher) mapNameForPath(path string) string {
	rel, err := filepath.Rel(w.mapDataRoot, path)
	if err != nil {
		return ""
	}
	first := rel
	if idx := indexOfSeparator(rel); idx >= 0 {
		first = rel[:idx]
	}
	if first == "." || first == ".." {
		return ""
	}
	return first
}

func indexOfSeparator(s string) int {
	for i, r := range s {
		if r == filepath.Separator {
			return i
		}
	}
	return -1
}
