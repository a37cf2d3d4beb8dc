package mapcache

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/mat"

	"spatialserver/internal/apperrors"
	"spatialserver/internal/colmap"
	"spatialserver/internal/featurestore"
	"spatialserver/internal/maplayout"
)

// ReloadMap re-reads mapName from mapDataRoot and installs it, satisfying
// mapwatch.Reloader. mapDataRoot is bound at Cache construction via
// NewWithRoot so a filesystem-triggered reload doesn't need a caller to
// thread layout information through the watcher callback.
func (c *Cache) ReloadMap(mapName string) error {
	if c.mapDataRoot == "" {
		return fmt.Errorf("reload map %q: cache has no map data root configured", mapName)
	}
	snap, err := LoadFromDisk(mapName, maplayout.New(c.mapDataRoot, mapName))
	if err != nil {
		return err
	}
	c.Load(snap)
	return nil
}

// LoadFromDisk reads a built map's COLMAP model and feature store off disk
// and assembles the in-memory Snapshot the localizer queries, replacing
// load_cache.py's eager load of global_features.h5 into a numpy matrix.
func LoadFromDisk(mapName string, layout maplayout.Layout) (*Snapshot, error) {
	model, err := colmap.ReadDir(layout.ModelDir())
	if err != nil {
		return nil, err
	}

	store, err := featurestore.Open(layout.FeatureStorePath())
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(model.Images))
	for _, img := range model.Images {
		names = append(names, img.Name)
	}
	sort.Strings(names)

	var descriptors *mat.Dense
	if len(names) > 0 {
		first, ok, err := store.GetGlobalDescriptor(names[0])
		if err != nil {
			store.Close()
			return nil, err
		}
		if !ok {
			store.Close()
			return nil, &apperrors.NotFound{Kind: "global_descriptor", ID: names[0]}
		}
		dim := len(first)
		descriptors = mat.NewDense(len(names), dim, nil)
		for i, name := range names {
			desc, ok, err := store.GetGlobalDescriptor(name)
			if err != nil {
				store.Close()
				return nil, err
			}
			if !ok {
				continue
			}
			for j := 0; j < dim && j < len(desc); j++ {
				descriptors.Set(i, j, float64(desc[j]))
			}
		}
	}

	return &Snapshot{
		MapName:     mapName,
		Model:       model,
		Descriptors: descriptors,
		ImageNames:  names,
		Features:    store,
	}, nil
}
