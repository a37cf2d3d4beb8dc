package posefuse

import (
	"testing"

	"spatialserver/internal/spatialmath"
)

func TestFuseAppliesScaleBeforeFraming(t *testing.T) {
	mapPose := spatialmath.Identity().SetTranslation([3]float64{1, 1, 1})
	clientPose := spatialmath.Identity()

	unscaled, err := Fuse(mapPose, clientPose, 1.0)
	if err != nil {
		t.Fatalf("Fuse (unscaled): %v", err)
	}
	scaled, err := Fuse(mapPose, clientPose, 3.0)
	if err != nil {
		t.Fatalf("Fuse (scaled): %v", err)
	}

	ut := unscaled.Translation()
	st := scaled.Translation()
	for i := range ut {
		if ut[i] == 0 {
			continue
		}
		ratio := st[i] / ut[i]
		if ratio < 2.9 || ratio > 3.1 {
			t.Fatalf("axis %d: scaled/unscaled ratio = %v, want ~3", i, ratio)
		}
	}
}

func TestFuseSkipsScalingWhenScaleIsZeroOrOne(t *testing.T) {
	mapPose := spatialmath.Identity().SetTranslation([3]float64{1, 2, 3})
	clientPose := spatialmath.Identity()

	a, err := Fuse(mapPose, clientPose, 1.0)
	if err != nil {
		t.Fatalf("Fuse (scale=1): %v", err)
	}
	b, err := Fuse(mapPose, clientPose, 0)
	if err != nil {
		t.Fatalf("Fuse (scale=0): %v", err)
	}

	at, bt := a.Translation(), b.Translation()
	if at != bt {
		t.Fatalf("Fuse with scale=1 and scale=0 should behave identically (both skip scaling): %v vs %v", at, bt)
	}
}

func TestFusePropagatesNonInvertibleError(t *testing.T) {
	// HlocToGravity/GravityToClient are pure rotations (always invertible),
	// so a singular rotation block in mapPose stays singular all the way
	// through Fuse's internal framing, reaching FuseWithClient's Inverse.
	singular := spatialmath.Identity()
	singular.M.Set(0, 0, 0)
	singular.M.Set(1, 1, 0)
	singular.M.Set(2, 2, 0)

	_, err := Fuse(singular, spatialmath.Identity(), 1.0)
	if err == nil {
		t.Fatalf("expected Fuse to propagate a non-invertible-pose error")
	}
}
