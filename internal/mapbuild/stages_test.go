package mapbuild

import (
	"testing"

	"spatialserver/internal/colmap"
	"spatialserver/internal/featurestore"
)

// covisModel builds a small reconstruction where image 1 and 2 share two
// points, 1 and 3 share one point, and 4 is isolated, so covisibility
// ranking (not name/id adjacency) is what distinguishes the tests below.
func covisModel() *colmap.Model {
	m := colmap.NewModel()
	m.Cameras[1] = &colmap.Camera{ID: 1, Model: "PINHOLE", Width: 100, Height: 100, Params: []float64{1, 1, 50, 50}}
	for _, id := range []int64{1, 2, 3, 4} {
		m.Images[id] = &colmap.Image{
			ID: id, QW: 1, CameraID: 1, Name: imageName(id),
			Points2D: []colmap.Point2D{{Point3DID: -1}, {Point3DID: -1}},
		}
	}
	m.Points[1] = &colmap.Point3D{ID: 1, Track: []colmap.TrackElement{{ImageID: 1}, {ImageID: 2}}}
	m.Points[2] = &colmap.Point3D{ID: 2, Track: []colmap.TrackElement{{ImageID: 1}, {ImageID: 2}}}
	m.Points[3] = &colmap.Point3D{ID: 3, Track: []colmap.TrackElement{{ImageID: 1}, {ImageID: 3}}}
	return m
}

func imageName(id int64) string {
	switch id {
	case 1:
		return "f1.jpg"
	case 2:
		return "f2.jpg"
	case 3:
		return "f3.jpg"
	case 4:
		return "f4.jpg"
	}
	return "unknown"
}

func TestCoVisibilityPairsRanksByTrackOverlap(t *testing.T) {
	pairs := coVisibilityPairs(covisModel(), 1)

	want := map[imagePair]bool{
		{A: "f1.jpg", B: "f2.jpg"}: true,
	}
	if len(pairs) != len(want) {
		t.Fatalf("got %d pairs, want %d: %v", len(pairs), len(want), pairs)
	}
	for _, p := range pairs {
		if !want[p] {
			t.Fatalf("unexpected pair %+v; image 1's top-1 covisible neighbor is 2 (shares 2 points, vs 1 for image 3)", p)
		}
	}
}

func TestCoVisibilityPairsIncludesAllNeighborsWithinBudget(t *testing.T) {
	pairs := coVisibilityPairs(covisModel(), 20)

	want := map[imagePair]bool{
		{A: "f1.jpg", B: "f2.jpg"}: true,
		{A: "f1.jpg", B: "f3.jpg"}: true,
	}
	if len(pairs) != len(want) {
		t.Fatalf("got %d pairs, want %d: %v", len(pairs), len(want), pairs)
	}
	for _, p := range pairs {
		if !want[p] {
			t.Fatalf("unexpected pair %+v", p)
		}
	}
}

func TestCoVisibilityPairsIsolatedImageHasNoPairs(t *testing.T) {
	pairs := coVisibilityPairs(covisModel(), 20)
	for _, p := range pairs {
		if p.A == "f4.jpg" || p.B == "f4.jpg" {
			t.Fatalf("image 4 shares no points with any other image, expected no pairs involving it; got %+v", p)
		}
	}
}

func TestCoVisibilityPairsSingleImage(t *testing.T) {
	m := colmap.NewModel()
	m.Cameras[1] = &colmap.Camera{ID: 1, Model: "PINHOLE", Width: 100, Height: 100, Params: []float64{1, 1, 50, 50}}
	m.Images[1] = &colmap.Image{ID: 1, CameraID: 1, Name: "f0.jpg"}
	if pairs := coVisibilityPairs(m, 5); len(pairs) != 0 {
		t.Fatalf("expected no pairs for a single image, got %v", pairs)
	}
}

func TestCoVisibilityPairsZeroWindow(t *testing.T) {
	if pairs := coVisibilityPairs(covisModel(), 0); len(pairs) != 0 {
		t.Fatalf("expected no pairs with numMatched=0, got %v", pairs)
	}
}

func TestTriangulationInputMatchesFeatureStoreKeypointCount(t *testing.T) {
	dir := t.TempDir()
	fstore, err := featurestore.Open(dir + "/features.db")
	if err != nil {
		t.Fatalf("featurestore.Open: %v", err)
	}
	defer fstore.Close()

	model := covisModel()
	if err := fstore.PutLocalFeatures("f1.jpg", featurestore.LocalFeatures{
		Keypoints: []float32{1, 2, 3, 4, 5, 6}, Descriptors: make([]float32, 3*4), DescriptorDim: 4,
	}); err != nil {
		t.Fatalf("PutLocalFeatures: %v", err)
	}

	inputModel, rows, err := triangulationInput(model, fstore)
	if err != nil {
		t.Fatalf("triangulationInput: %v", err)
	}

	// Only f1.jpg has stored features; the others should be skipped rather
	// than seeded with zero keypoints.
	img := inputModel.Images[1]
	if img == nil || len(img.Points2D) != 3 {
		t.Fatalf("expected image 1 to carry 3 unobserved Points2D, got %+v", img)
	}
	for _, p := range img.Points2D {
		if p.Point3DID != -1 {
			t.Fatalf("expected a fresh triangulation input point to be unobserved, got Point3DID=%d", p.Point3DID)
		}
	}

	var gotRow *colmap.ImageFeatureRows
	for i := range rows {
		if rows[i].ImageID == 1 {
			gotRow = &rows[i]
		}
	}
	if gotRow == nil || len(gotRow.Keypoints) != 3 {
		t.Fatalf("expected 3 keypoint rows for image 1, got %+v", gotRow)
	}
	if gotRow.Keypoints[1] != [2]float32{3, 4} {
		t.Fatalf("keypoint 1 = %v, want [3 4]", gotRow.Keypoints[1])
	}

	if _, ok := inputModel.Images[2]; ok {
		t.Fatalf("image 2 has no stored features and should be omitted from the triangulation input")
	}
}

func TestTriangulationMatchesSkipsUnknownOrEmptyPairs(t *testing.T) {
	dir := t.TempDir()
	fstore, err := featurestore.Open(dir + "/features.db")
	if err != nil {
		t.Fatalf("featurestore.Open: %v", err)
	}
	defer fstore.Close()

	if err := fstore.PutMatches("f1.jpg", "f2.jpg", []featurestore.MatchPair{{IdxA: 0, IdxB: 1}}); err != nil {
		t.Fatalf("PutMatches: %v", err)
	}

	rows := []colmap.ImageFeatureRows{
		{ImageID: 1, Name: "f1.jpg"},
		{ImageID: 2, Name: "f2.jpg"},
	}
	pairs := []imagePair{
		{A: "f1.jpg", B: "f2.jpg"},
		{A: "f1.jpg", B: "f3.jpg"}, // f3.jpg never made it into imageRows
	}

	out := triangulationMatches(rows, pairs, fstore)
	if len(out) != 1 {
		t.Fatalf("expected exactly one resolvable match row, got %+v", out)
	}
	if out[0].ImageIDA != 1 || out[0].ImageIDB != 2 {
		t.Fatalf("match row image ids = (%d, %d), want (1, 2)", out[0].ImageIDA, out[0].ImageIDB)
	}
	if len(out[0].Pairs) != 1 || out[0].Pairs[0] != [2]int32{0, 1} {
		t.Fatalf("match row pairs = %v, want [[0 1]]", out[0].Pairs)
	}
}
