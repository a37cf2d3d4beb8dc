// Package mapcache holds the shared, process-wide cache of loaded map
// data the localizer reads on every request. It replaces the original
// load_cache.py global dict with an explicit handle: each map's snapshot
// (global descriptor matrix, image name vector, feature store handle) is
// held behind an atomic.Pointer so a background reload can swap in a new
// snapshot without blocking or racing concurrent readers.
package mapcache

import (
	"sync"
	"sync/atomic"

	"gonum.org/v1/gonum/mat"

	"spatialserver/internal/apperrors"
	"spatialserver/internal/colmap"
	"spatialserver/internal/featurestore"
)

// Snapshot is one map's immutable, fully-loaded in-memory state.
type Snapshot struct {
	MapName     string
	Model       *colmap.Model
	Descriptors *mat.Dense // NxD global descriptor matrix, row i <-> ImageNames[i]
	ImageNames  []string
	Features    *featurestore.Store
}

// entry holds one map's current snapshot behind an atomic pointer.
type entry struct {
	snap atomic.Pointer[Snapshot]
}

// Cache is the shared, process-wide map registry. Safe for concurrent use.
type Cache struct {
	mu          sync.RWMutex
	entries     map[string]*entry
	mapDataRoot string
}

// New returns an empty Cache with no known map data root; ReloadMap will
// fail until the cache is constructed with NewWithRoot.
func New() *Cache {
	return &Cache{entries: make(map[string]*entry)}
}

// NewWithRoot returns an empty Cache that knows where to find a map's
// files on disk, enabling ReloadMap for mapwatch-triggered reloads.
func NewWithRoot(mapDataRoot string) *Cache {
	return &Cache{entries: make(map[string]*entry), mapDataRoot: mapDataRoot}
}

// Load installs snap as the current snapshot for its MapName, replacing
// any prior snapshot atomically. Readers already holding a *Snapshot from
// Get continue to see the old, consistent data until they call Get again.
func (c *Cache) Load(snap *Snapshot) {
	c.mu.Lock()
	e, ok := c.entries[snap.MapName]
	if !ok {
		e = &entry{}
		c.entries[snap.MapName] = e
	}
	c.mu.Unlock()
	e.snap.Store(snap)
}

// Get returns the current snapshot for mapName.
func (c *Cache) Get(mapName string) (*Snapshot, error) {
	c.mu.RLock()
	e, ok := c.entries[mapName]
	c.mu.RUnlock()
	if !ok {
		return nil, &apperrors.NotFound{Kind: "map", ID: mapName}
	}
	snap := e.snap.Load()
	if snap == nil {
		return nil, &apperrors.NotFound{Kind: "map", ID: mapName}
	}
	return snap, nil
}

// Evict removes a map's snapshot from the cache (e.g. after a map is
// deleted or rebuilt and must be forced to reload on next use).
func (c *Cache) Evict(mapName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[mapName]; ok {
		if snap := e.snap.Load(); snap != nil && snap.Features != nil {
			snap.Features.Close()
		}
		delete(c.entries, mapName)
	}
}

// Names returns the names of all maps currently loaded.
func (c *Cache) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.entries))
	for name := range c.entries {
		names = append(names, name)
	}
	return names
}
