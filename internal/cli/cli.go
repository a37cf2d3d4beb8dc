// Package cli wires the spatialserver subcommands (map creation, map
// transforms, localization, job status, serve) to the shared services a
// Root carries: config, logging, storage, the map cache, the capability
// registries, and the build job controller. Grounded on the teacher's
// Root/NewRoot split between wiring and command definitions.
package cli

import (
	"fmt"
	"log/slog"

	"spatialserver/internal/config"
	"spatialserver/internal/jobs"
	"spatialserver/internal/localizer"
	"spatialserver/internal/mapbuild"
	"spatialserver/internal/mapcache"
	"spatialserver/internal/maplayout"
	"spatialserver/internal/mapwatch"
	"spatialserver/internal/procrunner"
	"spatialserver/internal/storage"
)

// Root bundles every service a subcommand may need.
type Root struct {
	cfg        *config.Config
	log        *slog.Logger
	store      *storage.Store
	tools      *procrunner.Manager
	cache      *mapcache.Cache
	registries mapbuild.Registries
	localizer  *localizer.Localizer
	controller *jobs.Controller
	watcher    *mapwatch.Watcher // nil if filesystem watching is disabled
}

// NewRoot constructs the CLI root command context. watcher may be nil.
func NewRoot(cfg *config.Config, log *slog.Logger, store *storage.Store, tools *procrunner.Manager,
	cache *mapcache.Cache, registries mapbuild.Registries,
	localize *localizer.Localizer, controller *jobs.Controller, watcher *mapwatch.Watcher) *Root {
	return &Root{
		cfg:        cfg,
		log:        log,
		store:      store,
		tools:      tools,
		cache:      cache,
		registries: registries,
		localizer:  localize,
		controller: controller,
		watcher:    watcher,
	}
}

// builder constructs a mapbuild.Builder bound to this Root's services.
func (r *Root) builder() *mapbuild.Builder {
	return mapbuild.New(r.cfg, r.tools, r.registries)
}

func (r *Root) layout(mapName string) maplayout.Layout {
	return maplayout.New(r.cfg.Paths.MapDataRoot, mapName)
}

// loadMap reloads mapName's snapshot from disk into the shared cache, used
// both after a successful `map create` and by the explicit `map reload`
// command.
func (r *Root) loadMap(mapName string) error {
	snap, err := mapcache.LoadFromDisk(mapName, r.layout(mapName))
	if err != nil {
		return fmt.Errorf("load map %q: %w", mapName, err)
	}
	r.cache.Load(snap)
	if r.watcher != nil {
		if err := r.watcher.Watch(mapName); err != nil {
			r.log.Warn("watch map directory for changes", "map", mapName, "error", err)
		}
	}
	return nil
}
