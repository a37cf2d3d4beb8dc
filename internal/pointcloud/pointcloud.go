// Package pointcloud implements the dense-map post-processing geometry:
// a simple point cloud type, a KD-tree for nearest-neighbor queries, a
// statistical outlier filter, voxel downsampling, and PCD/PLY I/O. The
// KD-tree and outlier-filter API shapes are grounded on
// viamrobotics-rdk/pointcloud's test files (that repo ships only tests in
// the retrieval pack, so the implementation itself is original, built to
// match the observed API).
package pointcloud

import (
	"sort"

	"github.com/golang/geo/r3"
)

// Point is one cloud point with optional RGB color.
type Point struct {
	Position r3.Vector
	HasColor bool
	R, G, B  uint8
}

// Cloud is an unordered set of points.
type Cloud struct {
	points []Point
}

// New returns an empty Cloud.
func New() *Cloud { return &Cloud{} }

// NewWithCapacity returns an empty Cloud pre-sized for n points.
func NewWithCapacity(n int) *Cloud { return &Cloud{points: make([]Point, 0, n)} }

// Set appends a point to the cloud.
func (c *Cloud) Set(p Point) { c.points = append(c.points, p) }

// Size returns the number of points in the cloud.
func (c *Cloud) Size() int { return len(c.points) }

// At returns the i'th point.
func (c *Cloud) At(i int) Point { return c.points[i] }

// Points returns the underlying point slice. Callers must not mutate it.
func (c *Cloud) Points() []Point { return c.points }

// Iterate calls fn for every point until fn returns false.
func (c *Cloud) Iterate(fn func(p Point) bool) {
	for _, p := range c.points {
		if !fn(p) {
			return
		}
	}
}

// BoundingBox returns the axis-aligned min/max corners of the cloud.
func (c *Cloud) BoundingBox() (min, max r3.Vector) {
	if len(c.points) == 0 {
		return r3.Vector{}, r3.Vector{}
	}
	min, max = c.points[0].Position, c.points[0].Position
	for _, p := range c.points[1:] {
		min = r3.Vector{X: minf(min.X, p.Position.X), Y: minf(min.Y, p.Position.Y), Z: minf(min.Z, p.Position.Z)}
		max = r3.Vector{X: maxf(max.X, p.Position.X), Y: maxf(max.Y, p.Position.Y), Z: maxf(max.Z, p.Position.Z)}
	}
	return min, max
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// VoxelDownsample collapses all points within the same voxelSize-meter grid
// cell to their centroid, preserving average color, matching the original
// pipeline's voxel-grid downsampling stage.
func VoxelDownsample(c *Cloud, voxelSize float64) *Cloud {
	if voxelSize <= 0 {
		return c
	}
	type accum struct {
		sum    r3.Vector
		r, g, b int
		n      int
		hasColor bool
	}
	buckets := make(map[[3]int64]*accum)
	keyOf := func(p r3.Vector) [3]int64 {
		return [3]int64{int64(p.X / voxelSize), int64(p.Y / voxelSize), int64(p.Z / voxelSize)}
	}
	for _, p := range c.points {
		k := keyOf(p.Position)
		a, ok := buckets[k]
		if !ok {
			a = &accum{}
			buckets[k] = a
		}
		a.sum = a.sum.Add(p.Position)
		if p.HasColor {
			a.r += int(p.R)
			a.g += int(p.G)
			a.b += int(p.B)
			a.hasColor = true
		}
		a.n++
	}

	out := NewWithCapacity(len(buckets))
	for _, a := range buckets {
		pos := a.sum.Mul(1.0 / float64(a.n))
		pt := Point{Position: pos}
		if a.hasColor {
			pt.HasColor = true
			pt.R = uint8(a.r / a.n)
			pt.G = uint8(a.g / a.n)
			pt.B = uint8(a.b / a.n)
		}
		out.Set(pt)
	}
	return out
}

// CropCeiling removes points whose Y coordinate (the up axis throughout the
// reconstruction and geometry pipeline) exceeds the bounding box's maximum
// Y minus cropMeters, matching the original clean_map.py crop_y behavior of
// lowering the AABB ceiling rather than cropping from an absolute height.
func CropCeiling(c *Cloud, cropMeters float64) *Cloud {
	if cropMeters <= 0 {
		return c
	}
	_, max := c.BoundingBox()
	ceiling := max.Y - cropMeters
	out := NewWithCapacity(c.Size())
	for _, p := range c.points {
		if p.Position.Y <= ceiling {
			out.Set(p)
		}
	}
	return out
}

// SwapYZ permutes each point's axes from (x, y, z) to (x, z, y), i.e. the
// column reindex `points[:, [0, 2, 1]]`. Y is already
// the up axis by the time the geometry pipeline reaches export (geometry.
// Elevate zeroes Y, not Z), so this is not part of that pipeline; it is
// kept for callers feeding in a cloud from a source that still has Z as up.
func SwapYZ(c *Cloud) *Cloud {
	out := NewWithCapacity(c.Size())
	for _, p := range c.points {
		np := p
		np.Position = r3.Vector{X: p.Position.X, Y: p.Position.Z, Z: p.Position.Y}
		out.Set(np)
	}
	return out
}

// median returns the median of a float64 slice, sorting a copy.
func median(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	cp := append([]float64(nil), xs...)
	sort.Float64s(cp)
	n := len(cp)
	if n%2 == 1 {
		return cp[n/2]
	}
	return (cp[n/2-1] + cp[n/2]) / 2
}
