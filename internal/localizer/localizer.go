// Package localizer implements the hierarchical localization pipeline:
// global-descriptor retrieval against a cached map, local feature matching
// against the retrieved candidates, and PnP+RANSAC pose recovery. The
// retrieval/matching/PnP sequence and the confidence definition are
// grounded on localizer.py — deliberately NOT reproducing that file's
// duplicated-inlier-count confidence bug (see DESIGN.md).
package localizer

import (
	"context"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"

	"spatialserver/internal/apperrors"
	"spatialserver/internal/capability"
	"spatialserver/internal/colmap"
	"spatialserver/internal/config"
	"spatialserver/internal/mapcache"
	"spatialserver/internal/spatialmath"
)

// Request is one localization query: a single query image's path plus the
// camera intrinsics it was captured with.
type Request struct {
	MapName    string
	ImagePath  string
	Intrinsics []float64
}

// Result is a successful localization: the recovered pose in the map's
// gravity-aligned frame plus diagnostic counts.
type Result struct {
	Pose           spatialmath.Pose
	Inliers        int
	MatchedKeypoints int
	Confidence     float64 // inliers / matched keypoints
	RetrievedImage string
}

// Localizer ties together the capability registries and the shared map
// cache to answer localization requests.
type Localizer struct {
	cache    *mapcache.Cache
	features *capability.Registry[capability.LocalFeatureExtractor]
	global   *capability.Registry[capability.GlobalDescriptorExtractor]
	matcher  *capability.Registry[capability.Matcher]
	pnp      *capability.Registry[capability.PnPSolver]
	cfg      config.LocalizeConfig
}

// New constructs a Localizer bound to the given registries and cache.
func New(cache *mapcache.Cache,
	features *capability.Registry[capability.LocalFeatureExtractor],
	global *capability.Registry[capability.GlobalDescriptorExtractor],
	matcher *capability.Registry[capability.Matcher],
	pnp *capability.Registry[capability.PnPSolver],
	cfg config.LocalizeConfig,
) *Localizer {
	return &Localizer{cache: cache, features: features, global: global, matcher: matcher, pnp: pnp, cfg: cfg}
}

// Localize runs the full retrieval -> matching -> PnP pipeline for req.
func (l *Localizer) Localize(ctx context.Context, req Request) (Result, error) {
	snap, err := l.cache.Get(req.MapName)
	if err != nil {
		return Result{}, err
	}

	globalExtractor, err := l.global.Select()
	if err != nil {
		return Result{}, err
	}
	queryDescriptor, err := globalExtractor.Extract(ctx, req.ImagePath)
	if err != nil {
		return Result{}, &apperrors.Model{Capability: "global_descriptor", Err: err}
	}

	topImages := retrieveTopK(snap.Descriptors, snap.ImageNames, queryDescriptor, l.cfg.RetrievalTopK)
	if len(topImages) == 0 {
		return Result{}, &apperrors.NotFound{Kind: "retrieval_candidate", ID: req.MapName}
	}

	localExtractor, err := l.features.Select()
	if err != nil {
		return Result{}, err
	}
	queryKeypoints, queryDescriptors, dim, err := localExtractor.Extract(ctx, req.ImagePath)
	if err != nil {
		return Result{}, &apperrors.Model{Capability: "local_features", Err: err}
	}

	matcher, err := l.matcher.Select()
	if err != nil {
		return Result{}, err
	}

	points2D, points3D, matchedCount, err := l.assembleCorrespondences(ctx, snap, topImages, queryKeypoints, queryDescriptors, dim, matcher)
	if err != nil {
		return Result{}, err
	}

	if matchedCount == 0 {
		return Result{}, &apperrors.PnPFailure{Inliers: 0, Matched: 0, Reason: "no 2D-3D correspondences assembled from retrieved candidates"}
	}

	solver, err := l.pnp.Select()
	if err != nil {
		return Result{}, err
	}
	rot, trans, inliers, err := solver.Solve(ctx, points2D, points3D, req.Intrinsics)
	if err != nil {
		return Result{}, &apperrors.Model{Capability: "pnp", Err: err}
	}

	ratio := float64(inliers) / float64(matchedCount)
	if inliers < l.cfg.MinInlierCount || ratio < l.cfg.MinInlierRatio {
		return Result{}, &apperrors.PnPFailure{Inliers: inliers, Matched: matchedCount, Reason: "inlier count/ratio below configured threshold"}
	}

	pose := spatialmath.Homogenize(rot, trans)

	return Result{
		Pose:             pose,
		Inliers:          inliers,
		MatchedKeypoints: matchedCount,
		Confidence:       ratio,
		RetrievedImage:   topImages[0],
	}, nil
}

// assembleCorrespondences matches the query image's local features against
// each retrieved candidate's stored local features and, for every matched
// keypoint that has a triangulated Point3D in the reconstruction, emits a
// 2D-3D correspondence pair for PnP.
func (l *Localizer) assembleCorrespondences(ctx context.Context, snap *mapcache.Snapshot, candidates []string, queryKP [][2]float32, queryDesc []float32, dim int, matcher capability.Matcher) ([][2]float64, [][3]float64, int, error) {
	var points2D [][2]float64
	var points3D [][3]float64
	matchedTotal := 0

	for _, candidateName := range candidates {
		candidateFeatures, ok, err := candidateLocalFeatures(snap, candidateName)
		if err != nil {
			return nil, nil, 0, err
		}
		if !ok {
			continue
		}

		pairs, err := matcher.Match(ctx, queryDesc, candidateFeatures.descriptors, dim)
		if err != nil {
			return nil, nil, 0, &apperrors.Model{Capability: "matcher", Err: err}
		}
		matchedTotal += len(pairs)

		candidateImage := findImageByName(snap.Model, candidateName)
		if candidateImage == nil {
			continue
		}

		for _, pair := range pairs {
			qIdx, cIdx := pair[0], pair[1]
			if int(cIdx) >= len(candidateImage.Points2D) {
				continue
			}
			kp := candidateImage.Points2D[cIdx]
			if kp.Point3DID < 0 {
				continue
			}
			pt3d, ok := snap.Model.Points[kp.Point3DID]
			if !ok {
				continue
			}
			if int(qIdx) >= len(queryKP) {
				continue
			}
			q := queryKP[qIdx]
			points2D = append(points2D, [2]float64{float64(q[0]), float64(q[1])})
			points3D = append(points3D, [3]float64{pt3d.X, pt3d.Y, pt3d.Z})
		}
	}

	return points2D, points3D, matchedTotal, nil
}

type localFeatures struct {
	descriptors []float32
}

func candidateLocalFeatures(snap *mapcache.Snapshot, name string) (localFeatures, bool, error) {
	if snap.Features == nil {
		return localFeatures{}, false, nil
	}
	lf, ok, err := snap.Features.GetLocalFeatures(name)
	if err != nil {
		return localFeatures{}, false, &apperrors.Internal{Op: "localizer.candidateLocalFeatures", Err: err}
	}
	if !ok {
		return localFeatures{}, false, nil
	}
	return localFeatures{descriptors: lf.Descriptors}, true, nil
}

func findImageByName(m *colmap.Model, name string) *colmap.Image {
	for _, img := range m.Images {
		if img.Name == name {
			return img
		}
	}
	return nil
}

// retrieveTopK ranks every row of descriptors by cosine similarity to
// query and returns the k closest image names, breaking ties
// deterministically by image name so retrieval is reproducible.
func retrieveTopK(descriptors *mat.Dense, names []string, query []float32, k int) []string {
	if descriptors == nil || len(names) == 0 {
		return nil
	}
	rows, _ := descriptors.Dims()

	type scored struct {
		name  string
		score float64
	}
	scores := make([]scored, 0, rows)
	for i := 0; i < rows && i < len(names); i++ {
		row := descriptors.RawRowView(i)
		scores = append(scores, scored{name: names[i], score: cosineSimilarity(row, query)})
	}

	sort.Slice(scores, func(i, j int) bool {
		if scores[i].score != scores[j].score {
			return scores[i].score > scores[j].score
		}
		return scores[i].name < scores[j].name
	})

	if k > len(scores) {
		k = len(scores)
	}
	out := make([]string, k)
	for i := 0; i < k; i++ {
		out[i] = scores[i].name
	}
	return out
}

func cosineSimilarity(a []float64, b []float32) float64 {
	var dot, normA, normB float64
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		bf := float64(b[i])
		dot += a[i] * bf
		normA += a[i] * a[i]
		normB += bf * bf
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
