package mapbuild

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"

	"spatialserver/internal/apperrors"
	"spatialserver/internal/colmap"
	"spatialserver/internal/featurestore"
	"spatialserver/internal/maplayout"
	"spatialserver/internal/procrunner"
)

// extractFeatures runs the configured local and global descriptor
// extractors over every captured frame and stores the results in fstore,
// mirroring map_creator.py's Superpoint/NetVLAD extraction stage.
func (b *Builder) extractFeatures(ctx context.Context, imagePaths []string, fstore *featurestore.Store) error {
	local, err := b.registries.Local.Select()
	if err != nil {
		return err
	}
	global, err := b.registries.Global.Select()
	if err != nil {
		return err
	}

	for _, path := range imagePaths {
		name := filepath.Base(path)

		keypoints, descriptors, dim, err := local.Extract(ctx, path)
		if err != nil {
			return &apperrors.Model{Capability: "local_features", Err: err}
		}
		flatKP := make([]float32, 0, len(keypoints)*2)
		for _, kp := range keypoints {
			flatKP = append(flatKP, kp[0], kp[1])
		}
		if err := fstore.PutLocalFeatures(name, featurestore.LocalFeatures{
			Keypoints: flatKP, Descriptors: descriptors, DescriptorDim: dim,
		}); err != nil {
			return &apperrors.Internal{Op: "mapbuild.extractFeatures", Err: err}
		}

		globalDesc, err := global.Extract(ctx, path)
		if err != nil {
			return &apperrors.Model{Capability: "global_descriptor", Err: err}
		}
		if err := fstore.PutGlobalDescriptor(name, globalDesc); err != nil {
			return &apperrors.Internal{Op: "mapbuild.extractFeatures", Err: err}
		}
	}
	return nil
}

// imagePair is one candidate image pair to match, selected by covisibility.
type imagePair struct {
	A, B string
}

// bootstrapModel runs COLMAP's own SIFT-based feature_extractor,
// exhaustive_matcher, and mapper once over framesDir, purely to obtain
// camera poses and a point track graph. This initial reconstruction feeds
// two later stages: coVisibilityPairs ranks pairs from its tracks, and
// triangulate fixes its camera poses as the --input_path point_triangulator
// refines with the hloc-extracted features instead. This mirrors how
// map_creator.py's video path runs ns-process-data's own COLMAP pass before
// hloc ever runs (colmap_model_path in create_map_from_colmap_data).
func (b *Builder) bootstrapModel(ctx context.Context, layout maplayout.Layout, framesDir string, logWriter io.Writer) (*colmap.Model, error) {
	binary, err := b.tools.Resolve(b.cfg.Tools.SfM)
	if err != nil {
		return nil, err
	}

	dbPath := filepath.Join(layout.Root, "initial_database.db")
	os.Remove(dbPath)
	if _, err := procrunner.Run(ctx, logWriter, "", binary, "database_creator", "--database_path", dbPath); err != nil {
		return nil, err
	}
	if _, err := procrunner.Run(ctx, logWriter, "", binary, "feature_extractor",
		"--database_path", dbPath, "--image_path", framesDir); err != nil {
		return nil, err
	}
	if _, err := procrunner.Run(ctx, logWriter, "", binary, "exhaustive_matcher", "--database_path", dbPath); err != nil {
		return nil, err
	}

	initialDir := filepath.Join(layout.Root, "sparse_initial")
	if err := os.MkdirAll(initialDir, 0o755); err != nil {
		return nil, &apperrors.Internal{Op: "mapbuild.bootstrapModel", Err: err}
	}
	if _, err := procrunner.Run(ctx, logWriter, "", binary, "mapper",
		"--database_path", dbPath, "--image_path", framesDir, "--output_path", initialDir); err != nil {
		return nil, err
	}

	return colmap.ReadDir(filepath.Join(initialDir, "0"))
}

// coVisibilityPairs ranks each image's top numMatched neighbors by how many
// Point3D observations they share in model's tracks, tie-broken by smaller
// neighbor image id, matching pairs_from_covisibility.main(model, output,
// num_matched=20): a retrieval step over an existing reconstruction's
// covisibility graph, not a proxy like frame-name adjacency.
func coVisibilityPairs(model *colmap.Model, numMatched int) []imagePair {
	covis := make(map[[2]int64]int)
	for _, pt := range model.Points {
		seen := make(map[int64]bool, len(pt.Track))
		var imgIDs []int64
		for _, te := range pt.Track {
			if !seen[te.ImageID] {
				seen[te.ImageID] = true
				imgIDs = append(imgIDs, te.ImageID)
			}
		}
		sort.Slice(imgIDs, func(i, j int) bool { return imgIDs[i] < imgIDs[j] })
		for i := 0; i < len(imgIDs); i++ {
			for j := i + 1; j < len(imgIDs); j++ {
				covis[[2]int64{imgIDs[i], imgIDs[j]}]++
			}
		}
	}

	neighbors := make(map[int64][]int64)
	for key := range covis {
		neighbors[key[0]] = append(neighbors[key[0]], key[1])
		neighbors[key[1]] = append(neighbors[key[1]], key[0])
	}

	imageIDs := make([]int64, 0, len(model.Images))
	for id := range model.Images {
		imageIDs = append(imageIDs, id)
	}
	sort.Slice(imageIDs, func(i, j int) bool { return imageIDs[i] < imageIDs[j] })

	pairSeen := make(map[[2]int64]bool)
	var pairs []imagePair
	for _, id := range imageIDs {
		ns := neighbors[id]
		sort.Slice(ns, func(i, j int) bool {
			ci, cj := covisCount(covis, id, ns[i]), covisCount(covis, id, ns[j])
			if ci != cj {
				return ci > cj
			}
			return ns[i] < ns[j]
		})
		if len(ns) > numMatched {
			ns = ns[:numMatched]
		}
		for _, nb := range ns {
			a, bID := id, nb
			if a > bID {
				a, bID = bID, a
			}
			key := [2]int64{a, bID}
			if pairSeen[key] {
				continue
			}
			pairSeen[key] = true
			pairs = append(pairs, imagePair{A: model.Images[a].Name, B: model.Images[bID].Name})
		}
	}
	return pairs
}

func covisCount(covis map[[2]int64]int, a, b int64) int {
	if a > b {
		a, b = b, a
	}
	return covis[[2]int64{a, b}]
}

// matchPairs runs the configured matcher over every candidate pair's
// stored local features and persists the result, mirroring
// match_features.main (SuperGlue).
func (b *Builder) matchPairs(ctx context.Context, pairs []imagePair, fstore *featurestore.Store) error {
	matcher, err := b.registries.Matcher.Select()
	if err != nil {
		return err
	}

	for _, pair := range pairs {
		featA, ok, err := fstore.GetLocalFeatures(pair.A)
		if err != nil || !ok {
			continue
		}
		featB, ok, err := fstore.GetLocalFeatures(pair.B)
		if err != nil || !ok {
			continue
		}

		indexPairs, err := matcher.Match(ctx, featA.Descriptors, featB.Descriptors, featA.DescriptorDim)
		if err != nil {
			return &apperrors.Model{Capability: "matcher", Err: err}
		}

		stored := make([]featurestore.MatchPair, 0, len(indexPairs))
		for _, p := range indexPairs {
			stored = append(stored, featurestore.MatchPair{IdxA: p[0], IdxB: p[1]})
		}
		if err := fstore.PutMatches(pair.A, pair.B, stored); err != nil {
			return &apperrors.Internal{Op: "mapbuild.matchPairs", Err: err}
		}
	}
	return nil
}

// triangulate seeds a fresh COLMAP database with the hloc-extracted local
// features and matches already stored in fstore (not COLMAP's own SIFT
// features), fixes camera poses from initialModel, and runs
// point_triangulator against that database. This preserves the invariant
// localizer.assembleCorrespondences depends on: a candidate image's Nth
// stored keypoint is the same keypoint as the model's Nth Points2D
// observation, because both originate from the same fstore record. This
// mirrors triangulation.main(sfm_dir, reference_model, image_dir, pairs,
// features, matches), which imports precomputed features/matches into a
// COLMAP database before triangulating against the reference model's poses.
func (b *Builder) triangulate(ctx context.Context, layout maplayout.Layout, framesDir string, initialModel *colmap.Model, pairs []imagePair, fstore *featurestore.Store, logWriter io.Writer) (*colmap.Model, error) {
	binary, err := b.tools.Resolve(b.cfg.Tools.SfM)
	if err != nil {
		return nil, err
	}

	inputModel, imageRows, err := triangulationInput(initialModel, fstore)
	if err != nil {
		return nil, err
	}

	inputDir := filepath.Join(layout.Root, "sparse_input")
	if err := colmap.WriteDir(inputDir, inputModel); err != nil {
		return nil, err
	}

	dbPath := filepath.Join(layout.Root, "database.db")
	os.Remove(dbPath)
	matchRows := triangulationMatches(imageRows, pairs, fstore)
	if err := colmap.WriteDatabase(dbPath, inputModel.Cameras, imageRows, matchRows); err != nil {
		return nil, err
	}

	if err := layout.EnsureDirs(); err != nil {
		return nil, &apperrors.Internal{Op: "mapbuild.triangulate", Err: err}
	}
	if _, err := procrunner.Run(ctx, logWriter, "", binary, "point_triangulator",
		"--database_path", dbPath,
		"--image_path", framesDir,
		"--input_path", inputDir,
		"--output_path", layout.ModelDir()); err != nil {
		return nil, err
	}

	return colmap.ReadDir(layout.ModelDir())
}

// triangulationInput builds the fixed-pose model point_triangulator expects
// as --input_path (initialModel's cameras and poses, but Points2D resized
// to fstore's keypoint count per image, all unobserved) and the parallel
// ImageFeatureRows colmap.WriteDatabase needs to seed keypoints, keeping the
// two in lockstep by construction.
func triangulationInput(initialModel *colmap.Model, fstore *featurestore.Store) (*colmap.Model, []colmap.ImageFeatureRows, error) {
	out := colmap.NewModel()
	for id, c := range initialModel.Cameras {
		cp := *c
		out.Cameras[id] = &cp
	}

	imageIDs := make([]int64, 0, len(initialModel.Images))
	for id := range initialModel.Images {
		imageIDs = append(imageIDs, id)
	}
	sort.Slice(imageIDs, func(i, j int) bool { return imageIDs[i] < imageIDs[j] })

	var rows []colmap.ImageFeatureRows
	for _, id := range imageIDs {
		src := initialModel.Images[id]
		feat, ok, err := fstore.GetLocalFeatures(src.Name)
		if err != nil {
			return nil, nil, &apperrors.Internal{Op: "mapbuild.triangulationInput", Err: err}
		}
		if !ok {
			continue
		}

		n := len(feat.Keypoints) / 2
		points2D := make([]colmap.Point2D, n)
		keypoints := make([][2]float32, n)
		for i := 0; i < n; i++ {
			x, y := feat.Keypoints[i*2], feat.Keypoints[i*2+1]
			points2D[i] = colmap.Point2D{X: float64(x), Y: float64(y), Point3DID: -1}
			keypoints[i] = [2]float32{x, y}
		}

		out.Images[id] = &colmap.Image{
			ID: id, QW: src.QW, QX: src.QX, QY: src.QY, QZ: src.QZ,
			TX: src.TX, TY: src.TY, TZ: src.TZ,
			CameraID: src.CameraID, Name: src.Name, Points2D: points2D,
		}
		rows = append(rows, colmap.ImageFeatureRows{
			ImageID: id, Name: src.Name, CameraID: src.CameraID, Keypoints: keypoints,
		})
	}
	return out, rows, nil
}

// triangulationMatches converts the covisibility pairs' stored keypoint
// index matches into colmap.MatchRows addressed by the image ids assigned
// in imageRows.
func triangulationMatches(imageRows []colmap.ImageFeatureRows, pairs []imagePair, fstore *featurestore.Store) []colmap.MatchRows {
	idByName := make(map[string]int64, len(imageRows))
	for _, r := range imageRows {
		idByName[r.Name] = r.ImageID
	}

	var out []colmap.MatchRows
	for _, pair := range pairs {
		idA, okA := idByName[pair.A]
		idB, okB := idByName[pair.B]
		if !okA || !okB {
			continue
		}
		stored, ok, err := fstore.GetMatches(pair.A, pair.B)
		if err != nil || !ok || len(stored) == 0 {
			continue
		}
		rowPairs := make([][2]int32, len(stored))
		for i, m := range stored {
			rowPairs[i] = [2]int32{m.IdxA, m.IdxB}
		}
		out = append(out, colmap.MatchRows{ImageIDA: idA, ImageIDB: idB, Pairs: rowPairs})
	}
	return out
}
