package pointcloud

import (
	"fmt"
	"math"
	"sort"

	"github.com/golang/geo/r3"
)

// KDTree is a static, balanced k-d tree over a Cloud's points, built once
// and queried many times during outlier filtering.
type KDTree struct {
	root *kdNode
}

type kdNode struct {
	point       Point
	axis        int
	left, right *kdNode
}

// NewKDTree builds a balanced KD-tree from cloud's current points.
func NewKDTree(cloud *Cloud) *KDTree {
	pts := append([]Point(nil), cloud.Points()...)
	return &KDTree{root: build(pts, 0)}
}

func build(pts []Point, depth int) *kdNode {
	if len(pts) == 0 {
		return nil
	}
	axis := depth % 3
	sort.Slice(pts, func(i, j int) bool {
		return axisValue(pts[i].Position, axis) < axisValue(pts[j].Position, axis)
	})
	mid := len(pts) / 2
	node := &kdNode{point: pts[mid], axis: axis}
	node.left = build(pts[:mid], depth+1)
	node.right = build(pts[mid+1:], depth+1)
	return node
}

func axisValue(p r3.Vector, axis int) float64 {
	switch axis {
	case 0:
		return p.X
	case 1:
		return p.Y
	default:
		return p.Z
	}
}

// NearestNeighbor returns the closest point to query, its distance, and
// whether the tree was non-empty.
func (k *KDTree) NearestNeighbor(query r3.Vector) (Point, float64, bool) {
	if k.root == nil {
		return Point{}, 0, false
	}
	best := k.root.point
	bestDist := best.Position.Sub(query).Norm()
	k.root.nearest(query, &best, &bestDist)
	return best, bestDist, true
}

func (n *kdNode) nearest(query r3.Vector, best *Point, bestDist *float64) {
	if n == nil {
		return
	}
	d := n.point.Position.Sub(query).Norm()
	if d < *bestDist {
		*bestDist = d
		*best = n.point
	}
	diff := axisValue(query, n.axis) - axisValue(n.point.Position, n.axis)
	near, far := n.left, n.right
	if diff > 0 {
		near, far = n.right, n.left
	}
	near.nearest(query, best, bestDist)
	if math.Abs(diff) < *bestDist {
		far.nearest(query, best, bestDist)
	}
}

// PointAndData pairs a found point with its distance from the query,
// returned sorted nearest-first.
type PointAndData struct {
	Point    Point
	Distance float64
}

// KNearestNeighbors returns the k closest points to query. If includeSelf
// is false, a point at zero distance (the query point itself, if present
// in the cloud) is excluded.
func (k *KDTree) KNearestNeighbors(query r3.Vector, n int, includeSelf bool) []*PointAndData {
	var all []*PointAndData
	k.root.collect(query, func(p Point, d float64) {
		if !includeSelf && d == 0 {
			return
		}
		all = append(all, &PointAndData{Point: p, Distance: d})
	})
	sort.Slice(all, func(i, j int) bool { return all[i].Distance < all[j].Distance })
	if len(all) > n {
		all = all[:n]
	}
	return all
}

func (n *kdNode) collect(query r3.Vector, fn func(Point, float64)) {
	if n == nil {
		return
	}
	fn(n.point, n.point.Position.Sub(query).Norm())
	n.left.collect(query, fn)
	n.right.collect(query, fn)
}

// StatisticalOutlierFilter returns a filter function that, given a Cloud,
// removes any point whose mean distance to its meanK nearest neighbors
// exceeds the cloud-wide mean by more than stdDevThresh standard
// deviations — the same meanK/std-ratio statistical outlier removal the
// original map_cleaner.py applies before voxel downsampling.
func StatisticalOutlierFilter(meanK int, stdDevThresh float64) (func(cloud *Cloud) (*Cloud, error), error) {
	if meanK <= 0 {
		return nil, fmt.Errorf("argument meanK must be a positive int, got %d", meanK)
	}
	if stdDevThresh <= 0 {
		return nil, fmt.Errorf("argument stdDevThresh must be a positive float, got %.2f", stdDevThresh)
	}

	return func(cloud *Cloud) (*Cloud, error) {
		n := cloud.Size()
		if n == 0 {
			return New(), nil
		}
		tree := NewKDTree(cloud)
		meanDists := make([]float64, n)
		for i, p := range cloud.Points() {
			neighbors := tree.KNearestNeighbors(p.Position, meanK, false)
			if len(neighbors) == 0 {
				meanDists[i] = 0
				continue
			}
			var sum float64
			for _, nb := range neighbors {
				sum += nb.Distance
			}
			meanDists[i] = sum / float64(len(neighbors))
		}

		var sum, sumSq float64
		for _, d := range meanDists {
			sum += d
			sumSq += d * d
		}
		mean := sum / float64(n)
		variance := sumSq/float64(n) - mean*mean
		if variance < 0 {
			variance = 0
		}
		stddev := math.Sqrt(variance)
		threshold := mean + stdDevThresh*stddev

		out := NewWithCapacity(n)
		for i, p := range cloud.Points() {
			if meanDists[i] <= threshold {
				out.Set(p)
			}
		}
		return out, nil
	}, nil
}
