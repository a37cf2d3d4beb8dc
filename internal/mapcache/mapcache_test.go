package mapcache

import (
	"path/filepath"
	"sync"
	"testing"

	"spatialserver/internal/featurestore"
)

func TestCacheLoadAndGet(t *testing.T) {
	c := New()
	if _, err := c.Get("lobby"); err == nil {
		t.Fatalf("expected error getting an unloaded map")
	}

	snap1 := &Snapshot{MapName: "lobby", ImageNames: []string{"a.jpg"}}
	c.Load(snap1)

	got, err := c.Get("lobby")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != snap1 {
		t.Fatalf("Get returned a different snapshot than was loaded")
	}
}

func TestCacheLoadSwapsAtomically(t *testing.T) {
	c := New()
	snap1 := &Snapshot{MapName: "lobby", ImageNames: []string{"a.jpg"}}
	c.Load(snap1)

	held, err := c.Get("lobby")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	snap2 := &Snapshot{MapName: "lobby", ImageNames: []string{"a.jpg", "b.jpg"}}
	c.Load(snap2)

	// A snapshot obtained before the swap must stay exactly as it was;
	// Get called again must see the new one.
	if len(held.ImageNames) != 1 {
		t.Fatalf("previously held snapshot was mutated after Load swapped it")
	}
	fresh, err := c.Get("lobby")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if fresh != snap2 {
		t.Fatalf("Get after second Load did not return the new snapshot")
	}
}

func TestCacheConcurrentLoadAndGet(t *testing.T) {
	c := New()
	c.Load(&Snapshot{MapName: "lobby"})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			c.Load(&Snapshot{MapName: "lobby", ImageNames: []string{string(rune('a' + i%26))}})
		}(i)
		go func() {
			defer wg.Done()
			if _, err := c.Get("lobby"); err != nil {
				t.Errorf("Get during concurrent Load: %v", err)
			}
		}()
	}
	wg.Wait()
}

func TestCacheEvictClosesFeaturesAndRemovesEntry(t *testing.T) {
	store, err := featurestore.Open(filepath.Join(t.TempDir(), "features.db"))
	if err != nil {
		t.Fatalf("featurestore.Open: %v", err)
	}
	c := New()
	c.Load(&Snapshot{MapName: "lobby", Features: store})
	c.Evict("lobby")

	if _, err := c.Get("lobby"); err == nil {
		t.Fatalf("expected error after Evict")
	}
	if _, _, err := store.GetLocalFeatures("a.jpg"); err == nil {
		t.Fatalf("expected the evicted snapshot's feature store to be closed")
	}
	names := c.Names()
	if len(names) != 0 {
		t.Fatalf("Names() after Evict = %v, want empty", names)
	}
}

func TestCacheReloadMapRequiresRoot(t *testing.T) {
	c := New()
	if err := c.ReloadMap("lobby"); err == nil {
		t.Fatalf("expected error when ReloadMap is called without a configured map data root")
	}
}
