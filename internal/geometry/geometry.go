// Package geometry implements the map post-processing pipeline stage:
// Manhattan alignment (via colmap's orientation aligner), ground-plane
// elevation, statistical outlier removal, voxel downsampling, ceiling
// cropping, and dynamic-object mask application. The operation sequence
// and parameters are grounded on map_aligner.py and map_cleaner.py.
package geometry

import (
	"context"
	"io"
	"math"
	"path/filepath"
	"sort"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/stat"

	"spatialserver/internal/apperrors"
	"spatialserver/internal/colmap"
	"spatialserver/internal/config"
	"spatialserver/internal/pointcloud"
	"spatialserver/internal/procrunner"
)

// ManhattanAlign invokes `colmap model_orientation_aligner` on the
// reconstruction at modelDir (writing the aligned model to outDir), then
// applies the fixed -90 degree X-axis rotation the original's
// rotate_existing_model performs on top of COLMAP's own alignment — with
// no translation, matching map_aligner.py exactly.
func ManhattanAlign(ctx context.Context, tools *procrunner.Manager, toolCfg config.ExternalToolConfig, modelDir, imageDir, outDir string, logWriter io.Writer) error {
	binary, err := tools.Resolve(toolCfg)
	if err != nil {
		return err
	}
	_, err = procrunner.Run(ctx, logWriter, "",
		binary, "model_orientation_aligner",
		"--image_path", imageDir,
		"--input_path", modelDir,
		"--output_path", outDir,
	)
	if err != nil {
		return err
	}

	m, err := colmap.ReadDir(outDir)
	if err != nil {
		return err
	}
	RotateModelX(m, -90)
	return colmap.WriteDir(outDir, m)
}

// RotateModelX rotates every camera pose and point in m by degrees about
// the X axis in place, with zero translation — the rotate_existing_model
// operation.
func RotateModelX(m *colmap.Model, degrees float64) {
	r := degrees * math.Pi / 180
	c, s := math.Cos(r), math.Sin(r)

	rotPoint := func(x, y, z float64) (float64, float64, float64) {
		return x, c*y - s*z, s*y + c*z
	}

	for _, p := range m.Points {
		p.X, p.Y, p.Z = rotPoint(p.X, p.Y, p.Z)
	}
	for _, img := range m.Images {
		// Rotate the stored (world-to-camera) translation the same way as
		// points; the stored quaternions are left unchanged.
		img.TX, img.TY, img.TZ = rotPoint(img.TX, img.TY, img.TZ)
	}
}

// RotateModelY rotates every point and camera translation in m by degrees
// about the Y axis in place, with zero translation.
func RotateModelY(m *colmap.Model, degrees float64) {
	r := degrees * math.Pi / 180
	c, s := math.Cos(r), math.Sin(r)

	rotPoint := func(x, y, z float64) (float64, float64, float64) {
		return c*x + s*z, y, -s*x + c*z
	}

	for _, p := range m.Points {
		p.X, p.Y, p.Z = rotPoint(p.X, p.Y, p.Z)
	}
	for _, img := range m.Images {
		img.TX, img.TY, img.TZ = rotPoint(img.TX, img.TY, img.TZ)
	}
}

// RotateModelZ rotates every point and camera translation in m by degrees
// about the Z axis in place, with zero translation.
func RotateModelZ(m *colmap.Model, degrees float64) {
	r := degrees * math.Pi / 180
	c, s := math.Cos(r), math.Sin(r)

	rotPoint := func(x, y, z float64) (float64, float64, float64) {
		return c*x - s*y, s*x + c*y, z
	}

	for _, p := range m.Points {
		p.X, p.Y, p.Z = rotPoint(p.X, p.Y, p.Z)
	}
	for _, img := range m.Images {
		img.TX, img.TY, img.TZ = rotPoint(img.TX, img.TY, img.TZ)
	}
}

// ElevateResult reports the computed ground offset.
type ElevateResult struct {
	OffsetY float64
}

// Elevate buckets every point's (X, Z) position into a bucketSize-meter
// grid cell, takes the minimum Y within each occupied cell, builds a
// histogram of those per-cell minimums, and shifts every point and camera
// translation by the mode of that histogram — matching
// elevate_existing_reconstruction's bucket-grid/histogram-mode ground
// estimate exactly.
func Elevate(m *colmap.Model, bucketSize float64) ElevateResult {
	type cellKey struct{ gx, gz int64 }
	minY := make(map[cellKey]float64)
	for _, p := range m.Points {
		k := cellKey{int64(math.Floor(p.X / bucketSize)), int64(math.Floor(p.Z / bucketSize))}
		if cur, ok := minY[k]; !ok || p.Y < cur {
			minY[k] = p.Y
		}
	}
	if len(minY) == 0 {
		return ElevateResult{}
	}

	vals := make([]float64, 0, len(minY))
	for _, v := range minY {
		vals = append(vals, v)
	}
	offset := histogramMode(vals)

	for _, p := range m.Points {
		p.Y -= offset
	}
	for _, img := range m.Images {
		img.TY -= offset
	}

	return ElevateResult{OffsetY: offset}
}

// histogramMode bins vals into a histogram whose bin count follows Sturges'
// rule and returns the center of the most populated bin. Only Sturges' rule
// is used; no Freedman-Diaconis estimate is taken into account.
func histogramMode(vals []float64) float64 {
	sorted := append([]float64(nil), vals...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n == 1 {
		return sorted[0]
	}

	numBins := int(math.Ceil(math.Log2(float64(n)))) + 1 // Sturges
	if numBins < 1 {
		numBins = 1
	}
	lo, hi := sorted[0], sorted[n-1]
	if hi == lo {
		return lo
	}
	width := (hi - lo) / float64(numBins)

	counts := make([]int, numBins)
	for _, v := range sorted {
		idx := int((v - lo) / width)
		if idx >= numBins {
			idx = numBins - 1
		}
		if idx < 0 {
			idx = 0
		}
		counts[idx]++
	}

	best := 0
	for i, c := range counts {
		if c > counts[best] {
			best = i
		}
	}
	return lo + width*(float64(best)+0.5)
}

// Median reports the median of xs using gonum/stat, used by the scale
// estimator as well as ad-hoc geometry diagnostics.
func Median(xs []float64) float64 {
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	return stat.Quantile(0.5, stat.Empirical, sorted, nil)
}

// CleanResult reports the point counts observed at each pipeline stage.
type CleanResult struct {
	InputPoints   int
	FilteredPoints int
	OutputPoints  int
}

// CleanAndExport runs statistical outlier removal, voxel downsampling, and
// ceiling cropping over m's points, then writes the result as a PCD file to
// pcdPath — the full clean_map.py stage. Y is already the vertical axis by
// this point (Elevate operates on m.Points' Y before this runs), so no
// further axis permutation is applied here.
func CleanAndExport(m *colmap.Model, cfg config.GeometryConfig, pcdPath string) (CleanResult, error) {
	cloud := pointcloud.NewWithCapacity(len(m.Points))
	for _, p := range m.Points {
		cloud.Set(pointcloud.Point{
			Position: r3.Vector{X: p.X, Y: p.Y, Z: p.Z},
			HasColor: true,
			R:        p.R, G: p.G, B: p.B,
		})
	}
	res := CleanResult{InputPoints: cloud.Size()}

	filterFn, err := pointcloud.StatisticalOutlierFilter(cfg.OutlierMeanK, cfg.OutlierStdRatio)
	if err != nil {
		return res, &apperrors.Internal{Op: "geometry.CleanAndExport", Err: err}
	}
	filtered, err := filterFn(cloud)
	if err != nil {
		return res, err
	}
	res.FilteredPoints = filtered.Size()

	downsampled := pointcloud.VoxelDownsample(filtered, cfg.VoxelSizeMeters)
	cropped := pointcloud.CropCeiling(downsampled, cfg.CropYMeters)
	res.OutputPoints = cropped.Size()

	if err := writePCD(pcdPath, cropped); err != nil {
		return res, err
	}
	return res, nil
}

func writePCD(path string, cloud *pointcloud.Cloud) error {
	return withCreatedFile(path, func(w io.Writer) error {
		return pointcloud.ToPCD(cloud, w, pointcloud.PCDBinary)
	})
}

func withCreatedFile(path string, fn func(io.Writer) error) error {
	if err := ensureDir(filepath.Dir(path)); err != nil {
		return err
	}
	f, err := createFile(path)
	if err != nil {
		return &apperrors.Internal{Op: "geometry.withCreatedFile", Err: err}
	}
	defer f.Close()
	return fn(f)
}
