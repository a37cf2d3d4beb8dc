// Command spatialserver builds visual-localization maps from captures and
// localizes query images against them.
package main

import (
	"context"
	"fmt"
	"os"

	"spatialserver/internal/capability"
	"spatialserver/internal/cli"
	"spatialserver/internal/config"
	"spatialserver/internal/geometry"
	"spatialserver/internal/jobs"
	"spatialserver/internal/localizer"
	"spatialserver/internal/logging"
	"spatialserver/internal/mapbuild"
	"spatialserver/internal/mapcache"
	"spatialserver/internal/mapwatch"
	"spatialserver/internal/procrunner"
	"spatialserver/internal/storage"
)

func main() {
	jobs.BuilderFactory = newBuilder
	jobs.Init() // exits here if this process is a re-exec'd build worker

	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logging.Setup(cfg)
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}

	store, err := storage.New(cfg.Paths.DatabasePath)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	tools := procrunner.NewManager(cfg)
	registries := newRegistries(cfg, tools)
	cache := mapcache.NewWithRoot(cfg.Paths.MapDataRoot)

	pnp := capability.NewRegistry[capability.PnPSolver]("")
	pnp.Register(newPnPBackend(cfg, tools))

	loc := localizer.New(cache, registries.Local, registries.Global, registries.Matcher, pnp, cfg.Localize)

	ctx := context.Background()
	controller := jobs.New(ctx, cfg, log, store)
	defer controller.Stop()

	watcher, err := mapwatch.New(cfg.Paths.MapDataRoot, cache, log)
	if err != nil {
		log.Warn("start map filesystem watcher", "error", err)
		watcher = nil
	} else {
		if err := watchExistingMaps(watcher, store); err != nil {
			log.Warn("watch existing maps", "error", err)
		}
		go watcher.Run()
		defer watcher.Stop()
	}

	root := cli.NewRoot(cfg, log, store, tools, cache, registries, loc, controller, watcher)
	rootCmd := cli.NewRootCmd(root)
	return rootCmd.Execute()
}

// watchExistingMaps registers every already-known map's directory with the
// watcher at startup, so a rebuild by another process is picked up without
// requiring a `map reload` first.
func watchExistingMaps(watcher *mapwatch.Watcher, store *storage.Store) error {
	recs, err := store.ListMaps()
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if err := watcher.Watch(rec.Name); err != nil {
			return fmt.Errorf("watch map %q: %w", rec.Name, err)
		}
	}
	return nil
}

// newBuilder is jobs.BuilderFactory: it runs inside the re-exec'd child
// process, so it builds its own service graph from scratch rather than
// sharing the parent's.
func newBuilder(cfg *config.Config) (*mapbuild.Builder, error) {
	tools := procrunner.NewManager(cfg)
	return mapbuild.New(cfg, tools, newRegistries(cfg, tools)), nil
}

func newRegistries(cfg *config.Config, tools *procrunner.Manager) mapbuild.Registries {
	local := capability.NewRegistry[capability.LocalFeatureExtractor]("")
	local.Register(newLocalFeatureBackend(cfg, tools))

	global := capability.NewRegistry[capability.GlobalDescriptorExtractor]("")
	global.Register(newGlobalDescriptorBackend(cfg, tools))

	matcher := capability.NewRegistry[capability.Matcher]("")
	matcher.Register(newMatcherBackend(cfg, tools))

	return mapbuild.Registries{
		Local:     local,
		Global:    global,
		Matcher:   matcher,
		Segmenter: geometry.NewSegmenter(tools, cfg.Tools.Segmentation),
	}
}
