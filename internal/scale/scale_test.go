package scale

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"testing"

	"spatialserver/internal/localizer"
	"spatialserver/internal/spatialmath"
)

func pairAt(name string, reconX, clientX float64) PosePair {
	return PosePair{
		ImageName:  name,
		ReconPose:  spatialmath.Identity().SetTranslation([3]float64{reconX, 0, 0}),
		ClientPose: spatialmath.Identity().SetTranslation([3]float64{clientX, 0, 0}),
	}
}

func TestEstimateFromPairsMedianRatio(t *testing.T) {
	// Client frame is a uniform 2x metric scale of the reconstruction
	// frame, so every pairwise ratio should be exactly 2.
	pairs := []PosePair{
		pairAt("a", 0, 0),
		pairAt("b", 1, 2),
		pairAt("c", 3, 6),
		pairAt("d", 7, 14),
	}

	rec, err := EstimateFromPairs(pairs)
	if err != nil {
		t.Fatalf("EstimateFromPairs: %v", err)
	}
	if math.Abs(rec.Scale-2.0) > 1e-9 {
		t.Fatalf("Scale = %v, want 2.0", rec.Scale)
	}
	wantSamples := 6 // C(4,2)
	if rec.Samples != wantSamples {
		t.Fatalf("Samples = %d, want %d", rec.Samples, wantSamples)
	}
}

func TestEstimateFromPairsRobustToOutlierRatio(t *testing.T) {
	// One pair has a wildly different ratio (a mismatched correspondence);
	// the median should ignore it in favor of the dominant 2x ratio.
	pairs := []PosePair{
		pairAt("a", 0, 0),
		pairAt("b", 1, 2),
		pairAt("c", 2, 4),
		pairAt("d", 3, 6),
		pairAt("bad", 100, 5000), // ratio 50x vs the rest at 2x
	}

	rec, err := EstimateFromPairs(pairs)
	if err != nil {
		t.Fatalf("EstimateFromPairs: %v", err)
	}
	if math.Abs(rec.Scale-2.0) > 0.5 {
		t.Fatalf("Scale = %v, want ~2.0 (median should resist the outlier pair)", rec.Scale)
	}
}

func TestEstimateFromPairsRequiresTwoPairs(t *testing.T) {
	if _, err := EstimateFromPairs([]PosePair{pairAt("a", 0, 0)}); err == nil {
		t.Fatalf("expected error for fewer than two pose pairs")
	}
}

func TestEstimateFromPairsIgnoresZeroReconDistance(t *testing.T) {
	pairs := []PosePair{
		pairAt("a", 0, 0),
		pairAt("dup", 0, 0), // same reconstruction position, would divide by zero
		pairAt("b", 1, 3),
	}
	rec, err := EstimateFromPairs(pairs)
	if err != nil {
		t.Fatalf("EstimateFromPairs: %v", err)
	}
	if math.Abs(rec.Scale-3.0) > 1e-9 {
		t.Fatalf("Scale = %v, want 3.0", rec.Scale)
	}
}

func writePosedQuery(t *testing.T, root, name string, matrix [16]float64) {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "query_image.png"), []byte{0x89, 'P', 'N', 'G'}, 0o644); err != nil {
		t.Fatalf("write query_image.png: %v", err)
	}
	rec := clientPoseRecord{ClientMatrixRowMajor: matrix}
	data, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("marshal location_data.json: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "location_data.json"), data, 0o644); err != nil {
		t.Fatalf("write location_data.json: %v", err)
	}
}

func identityRowMajor(tx, ty, tz float64) [16]float64 {
	return [16]float64{
		1, 0, 0, tx,
		0, 1, 0, ty,
		0, 0, 1, tz,
		0, 0, 0, 1,
	}
}

func TestLoadPosedQueriesReadsImageAndPose(t *testing.T) {
	dir := t.TempDir()
	writePosedQuery(t, dir, "q1", identityRowMajor(1, 2, 3))
	writePosedQuery(t, dir, "q2", identityRowMajor(4, 5, 6))

	queries, err := LoadPosedQueries(dir)
	if err != nil {
		t.Fatalf("LoadPosedQueries: %v", err)
	}
	if len(queries) != 2 {
		t.Fatalf("len(queries) = %d, want 2", len(queries))
	}
	for _, q := range queries {
		if _, err := os.Stat(q.ImagePath); err != nil {
			t.Fatalf("ImagePath %q does not exist: %v", q.ImagePath, err)
		}
	}
}

func TestLoadPosedQueriesMissingDirIsNotError(t *testing.T) {
	queries, err := LoadPosedQueries(filepath.Join(t.TempDir(), "does-not-exist"))
	if err != nil {
		t.Fatalf("LoadPosedQueries: %v", err)
	}
	if queries != nil {
		t.Fatalf("queries = %v, want nil", queries)
	}
}

func TestLoadPosedQueriesSkipsDirsMissingSidecar(t *testing.T) {
	dir := t.TempDir()
	writePosedQuery(t, dir, "q1", identityRowMajor(1, 0, 0))
	// A subdirectory with no query image or pose data at all should simply
	// be skipped, not reported as an error.
	if err := os.MkdirAll(filepath.Join(dir, "not-a-query"), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}

	queries, err := LoadPosedQueries(dir)
	if err != nil {
		t.Fatalf("LoadPosedQueries: %v", err)
	}
	if len(queries) != 1 {
		t.Fatalf("len(queries) = %d, want 1", len(queries))
	}
}

type fakeLocalizer struct {
	results map[string]localizer.Result
	fail    map[string]bool
}

func (f *fakeLocalizer) Localize(ctx context.Context, req localizer.Request) (localizer.Result, error) {
	if f.fail[req.ImagePath] {
		return localizer.Result{}, errors.New("localization failed")
	}
	res, ok := f.results[req.ImagePath]
	if !ok {
		return localizer.Result{}, errors.New("no fixture result for " + req.ImagePath)
	}
	return res, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEstimateForMapComputesScaleFromLocalizedQueries(t *testing.T) {
	dir := t.TempDir()
	writePosedQuery(t, dir, "q1", identityRowMajor(0, 0, 0))
	writePosedQuery(t, dir, "q2", identityRowMajor(2, 0, 0))

	queries, err := LoadPosedQueries(dir)
	if err != nil {
		t.Fatalf("LoadPosedQueries: %v", err)
	}
	fake := &fakeLocalizer{results: map[string]localizer.Result{}}
	for _, q := range queries {
		x := 0.0
		if filepath.Base(filepath.Dir(q.ImagePath)) == "q2" {
			x = 1.0
		}
		fake.results[q.ImagePath] = localizer.Result{Pose: spatialmath.Identity().SetTranslation([3]float64{x, 0, 0})}
	}

	rec, err := EstimateForMap(context.Background(), fake, "test-map", dir, nil, discardLogger())
	if err != nil {
		t.Fatalf("EstimateForMap: %v", err)
	}
	if math.Abs(rec.Scale-2.0) > 1e-9 {
		t.Fatalf("Scale = %v, want 2.0", rec.Scale)
	}
}

func TestEstimateForMapFallsBackToOneWhenFewerThanTwoLocalize(t *testing.T) {
	dir := t.TempDir()
	writePosedQuery(t, dir, "q1", identityRowMajor(0, 0, 0))
	writePosedQuery(t, dir, "q2", identityRowMajor(2, 0, 0))

	fake := &fakeLocalizer{fail: map[string]bool{}}
	queries, err := LoadPosedQueries(dir)
	if err != nil {
		t.Fatalf("LoadPosedQueries: %v", err)
	}
	// Only the first query can localize; the second always fails.
	fake.results = map[string]localizer.Result{queries[0].ImagePath: {Pose: spatialmath.Identity()}}
	for _, q := range queries[1:] {
		fake.fail[q.ImagePath] = true
	}

	rec, err := EstimateForMap(context.Background(), fake, "test-map", dir, nil, discardLogger())
	if err != nil {
		t.Fatalf("EstimateForMap: %v", err)
	}
	if rec.Scale != 1.0 || rec.Samples != 0 {
		t.Fatalf("rec = %+v, want fallback Scale=1.0 Samples=0", rec)
	}
}

func TestEstimateForMapNoPosedQueriesFallsBackToOne(t *testing.T) {
	fake := &fakeLocalizer{}
	rec, err := EstimateForMap(context.Background(), fake, "test-map", filepath.Join(t.TempDir(), "missing"), nil, discardLogger())
	if err != nil {
		t.Fatalf("EstimateForMap: %v", err)
	}
	if rec.Scale != 1.0 {
		t.Fatalf("Scale = %v, want 1.0", rec.Scale)
	}
}
