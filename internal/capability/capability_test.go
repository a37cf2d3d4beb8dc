package capability

import (
	"context"
	"testing"
)

// fakeLocal is a minimal LocalFeatureExtractor test double.
type fakeLocal struct {
	name      string
	available bool
	quality   float64
}

func (f fakeLocal) Name() string          { return f.name }
func (f fakeLocal) IsAvailable() bool     { return f.available }
func (f fakeLocal) EstimateQuality() float64 { return f.quality }
func (f fakeLocal) Extract(ctx context.Context, imagePath string) ([][2]float32, []float32, int, error) {
	return nil, nil, 0, nil
}

func TestRegistrySelectsHighestQualityAvailable(t *testing.T) {
	r := NewRegistry[fakeLocal]("")
	r.Register(fakeLocal{name: "low", available: true, quality: 0.3})
	r.Register(fakeLocal{name: "high", available: true, quality: 0.9})
	r.Register(fakeLocal{name: "unavailable", available: false, quality: 1.0})

	got, err := r.Select()
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if got.Name() != "high" {
		t.Fatalf("Select() = %q, want %q", got.Name(), "high")
	}
}

func TestRegistryDefaultOverridesQualityWhenAvailable(t *testing.T) {
	r := NewRegistry[fakeLocal]("preferred")
	r.Register(fakeLocal{name: "preferred", available: true, quality: 0.1})
	r.Register(fakeLocal{name: "better", available: true, quality: 0.9})

	got, err := r.Select()
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if got.Name() != "preferred" {
		t.Fatalf("Select() = %q, want the pinned default %q", got.Name(), "preferred")
	}
}

func TestRegistryFallsBackWhenDefaultUnavailable(t *testing.T) {
	r := NewRegistry[fakeLocal]("preferred")
	r.Register(fakeLocal{name: "preferred", available: false, quality: 0.1})
	r.Register(fakeLocal{name: "fallback", available: true, quality: 0.5})

	got, err := r.Select()
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if got.Name() != "fallback" {
		t.Fatalf("Select() = %q, want %q", got.Name(), "fallback")
	}
}

func TestRegistrySelectErrorsWhenNothingAvailable(t *testing.T) {
	r := NewRegistry[fakeLocal]("")
	r.Register(fakeLocal{name: "down", available: false, quality: 1.0})

	if _, err := r.Select(); err == nil {
		t.Fatalf("expected error when no backend is available")
	}
}
