package geometry

import (
	"math"
	"testing"

	"spatialserver/internal/colmap"
	"spatialserver/internal/config"
)

func TestElevateFindsFloorMode(t *testing.T) {
	m := colmap.NewModel()
	id := int64(1)

	// Spread floor points across many grid cells all at Y=2.0, plus a
	// handful of higher points (ceiling/clutter) that should not dominate
	// the histogram mode.
	for gx := int64(0); gx < 20; gx++ {
		for gz := int64(0); gz < 20; gz++ {
			m.Points[id] = &colmap.Point3D{
				ID: id,
				X:  float64(gx) * 0.5,
				Y:  2.0,
				Z:  float64(gz) * 0.5,
			}
			id++
		}
	}
	for i := 0; i < 5; i++ {
		m.Points[id] = &colmap.Point3D{ID: id, X: float64(i), Y: 8.0, Z: float64(i)}
		id++
	}

	m.Images[1] = &colmap.Image{ID: 1, TY: 2.0}

	res := Elevate(m, 0.5)

	if math.Abs(res.OffsetY-2.0) > 1e-9 {
		t.Fatalf("OffsetY = %v, want ~2.0", res.OffsetY)
	}
	if math.Abs(m.Images[1].TY) > 1e-9 {
		t.Fatalf("image TY after elevate = %v, want ~0", m.Images[1].TY)
	}

	if math.Abs(m.Points[1].Y) > 1e-9 {
		t.Fatalf("floor point Y after elevate = %v, want ~0", m.Points[1].Y)
	}
}

func TestElevateEmptyModelIsNoop(t *testing.T) {
	m := colmap.NewModel()
	res := Elevate(m, 0.5)
	if res.OffsetY != 0 {
		t.Fatalf("OffsetY = %v, want 0 for empty model", res.OffsetY)
	}
}

func TestCleanAndExportCropsOnElevatedYAxis(t *testing.T) {
	// Elevate zeroes Y as the ground axis; CleanAndExport must crop against
	// that same axis rather than reintroducing a Y/Z swap that would crop
	// against the unleveled forward axis instead.
	m := colmap.NewModel()
	m.Points[1] = &colmap.Point3D{ID: 1, X: 0, Y: 0, Z: 0, R: 1, G: 1, B: 1}
	m.Points[2] = &colmap.Point3D{ID: 2, X: 0, Y: 10, Z: 0, R: 1, G: 1, B: 1} // above the crop ceiling

	cfg := config.GeometryConfig{
		OutlierMeanK:    1,
		OutlierStdRatio: 100,
		VoxelSizeMeters: 0,
		CropYMeters:     5,
	}

	res, err := CleanAndExport(m, cfg, t.TempDir()+"/map.pcd")
	if err != nil {
		t.Fatalf("CleanAndExport: %v", err)
	}
	if res.OutputPoints != 1 {
		t.Fatalf("OutputPoints = %d, want 1 (the high point should be cropped on Y)", res.OutputPoints)
	}
}

func TestRotateModelXYZPreserveDistanceFromOrigin(t *testing.T) {
	m := colmap.NewModel()
	m.Points[1] = &colmap.Point3D{ID: 1, X: 1, Y: 2, Z: 3}
	before := m.Points[1].X*m.Points[1].X + m.Points[1].Y*m.Points[1].Y + m.Points[1].Z*m.Points[1].Z

	RotateModelX(m, 37)
	RotateModelY(m, -51)
	RotateModelZ(m, 12)

	after := m.Points[1].X*m.Points[1].X + m.Points[1].Y*m.Points[1].Y + m.Points[1].Z*m.Points[1].Z
	if math.Abs(before-after) > 1e-6 {
		t.Fatalf("distance from origin changed after rotation: before=%v after=%v", before, after)
	}
}
