// Package scale estimates the scale factor between the COLMAP
// reconstruction frame and a client's real-world (metric) AR frame from a
// set of paired poses captured at known query images, matching
// get_scale.py's pairwise-distance-ratio median estimator.
package scale

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"gonum.org/v1/gonum/stat"

	"spatialserver/internal/apperrors"
	"spatialserver/internal/localizer"
	"spatialserver/internal/spatialmath"
)

// PosePair is one query image's reconstruction-frame pose alongside the
// client's AR-session pose recorded at capture time for that same image.
type PosePair struct {
	ImageName   string
	ReconPose   spatialmath.Pose
	ClientPose  spatialmath.Pose
}

// Record is the versioned scale estimate persisted to disk, replacing the
// legacy scale.pkl with a typed, schema-stable format per the redesign
// notes.
type Record struct {
	Version int     `json:"version"`
	Scale   float64 `json:"scale"`
	Samples int     `json:"samples"`
}

// EstimateFromPairs computes the scale factor as the median of all
// pairwise ratios (client-frame distance / reconstruction-frame distance)
// across every pair of query images, matching
// get_scale_from_image_pose_data.
func EstimateFromPairs(pairs []PosePair) (Record, error) {
	if len(pairs) < 2 {
		return Record{}, &apperrors.Input{Op: "scale.EstimateFromPairs", Err: errors.New("at least two pose pairs are required")}
	}

	var ratios []float64
	for i := 0; i < len(pairs); i++ {
		for j := i + 1; j < len(pairs); j++ {
			reconDist := dist(pairs[i].ReconPose.Translation(), pairs[j].ReconPose.Translation())
			clientDist := dist(pairs[i].ClientPose.Translation(), pairs[j].ClientPose.Translation())
			if reconDist == 0 {
				continue
			}
			ratios = append(ratios, clientDist/reconDist)
		}
	}
	if len(ratios) == 0 {
		return Record{}, &apperrors.Input{Op: "scale.EstimateFromPairs", Err: errors.New("no valid pose pairs (all reconstruction-frame distances were zero)")}
	}

	sort.Float64s(ratios)
	m := stat.Quantile(0.5, stat.Empirical, ratios, nil)
	return Record{Version: 2, Scale: m, Samples: len(ratios)}, nil
}

func dist(a, b [3]float64) float64 {
	dx, dy, dz := a[0]-b[0], a[1]-b[1], a[2]-b[2]
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

// PosedQuery is one capture under a map's images_with_pose directory: a
// query image plus the client's own AR-session pose recorded at capture
// time, matching the original's <images_with_pose>/<id>/{query_image.png,
// location_data.pkl} layout (here a JSON sidecar instead of a pickle).
type PosedQuery struct {
	Dir        string
	ImagePath  string
	ClientPose spatialmath.Pose
}

// clientPoseRecord is the JSON sidecar replacing location_data.pkl. The
// matrix is stored flattened row-major, matching aframe_camera_matrix_world
// before the original's .reshape((4, 4)).T.
type clientPoseRecord struct {
	ClientMatrixRowMajor [16]float64 `json:"clientMatrixRowMajor"`
}

// LoadPosedQueries walks dir for posed-query subdirectories, each holding a
// query image and a location_data.json sidecar. A missing dir is not an
// error — a map simply has no posed queries yet, matching the original's
// "no image pose data found" early return.
func LoadPosedQueries(dir string) ([]PosedQuery, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, &apperrors.Internal{Op: "scale.LoadPosedQueries", Err: err}
	}

	var queries []PosedQuery
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		sub := filepath.Join(dir, entry.Name())

		imgPath, ok, err := findQueryImage(sub)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}

		pose, ok, err := readClientPose(sub)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}

		queries = append(queries, PosedQuery{Dir: sub, ImagePath: imgPath, ClientPose: pose})
	}
	return queries, nil
}

func findQueryImage(dir string) (string, bool, error) {
	for _, name := range []string{"query_image.png", "query_image.jpg", "query_image.jpeg"} {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p, true, nil
		} else if !os.IsNotExist(err) {
			return "", false, &apperrors.Internal{Op: "scale.findQueryImage", Err: err}
		}
	}
	return "", false, nil
}

func readClientPose(dir string) (spatialmath.Pose, bool, error) {
	p := filepath.Join(dir, "location_data.json")
	data, err := os.ReadFile(p)
	if os.IsNotExist(err) {
		return spatialmath.Pose{}, false, nil
	}
	if err != nil {
		return spatialmath.Pose{}, false, &apperrors.Internal{Op: "scale.readClientPose", Err: err}
	}
	var rec clientPoseRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return spatialmath.Pose{}, false, &apperrors.Input{Op: "scale.readClientPose", Err: fmt.Errorf("%s: %w", p, err)}
	}
	return spatialmath.FromRowMajor16(rec.ClientMatrixRowMajor), true, nil
}

// Localizer is the narrow dependency EstimateForMap needs from
// *localizer.Localizer, kept as an interface so callers can substitute a
// fake in tests without constructing the full registry/cache stack.
type Localizer interface {
	Localize(ctx context.Context, req localizer.Request) (localizer.Result, error)
}

// EstimateForMap localizes every posed query under queriesDir against
// mapName and estimates the reconstruction-to-client scale factor from the
// resulting pairs, matching get_scale_from_image_pose_data. A query that
// fails to localize is skipped with a warning rather than aborting the
// whole estimate. Fewer than two successful localizations falls back to a
// scale of 1.0, also matching the original's behavior when no usable pose
// data is available.
func EstimateForMap(ctx context.Context, loc Localizer, mapName, queriesDir string, intrinsics []float64, log *slog.Logger) (Record, error) {
	queries, err := LoadPosedQueries(queriesDir)
	if err != nil {
		return Record{}, err
	}

	var pairs []PosePair
	for _, q := range queries {
		res, err := loc.Localize(ctx, localizer.Request{MapName: mapName, ImagePath: q.ImagePath, Intrinsics: intrinsics})
		if err != nil {
			log.Warn("scale: posed query failed to localize, skipping", "dir", q.Dir, "error", err)
			continue
		}
		pairs = append(pairs, PosePair{ImageName: q.Dir, ReconPose: res.Pose, ClientPose: q.ClientPose})
	}

	if len(pairs) < 2 {
		log.Warn("scale: fewer than two posed queries localized, defaulting scale to 1.0", "map", mapName, "localized", len(pairs))
		return Record{Version: 2, Scale: 1.0, Samples: 0}, nil
	}

	return EstimateFromPairs(pairs)
}

// WriteJSON persists a Record to path as the versioned JSON scale format.
func WriteJSON(path string, rec Record) error {
	f, err := os.Create(path)
	if err != nil {
		return &apperrors.Internal{Op: "scale.WriteJSON", Err: err}
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(rec)
}

// ReadJSON loads a versioned Record written by WriteJSON.
func ReadJSON(path string) (Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return Record{}, &apperrors.Input{Op: "scale.ReadJSON", Err: err}
	}
	defer f.Close()
	var rec Record
	if err := json.NewDecoder(f).Decode(&rec); err != nil {
		return Record{}, &apperrors.Input{Op: "scale.ReadJSON", Err: err}
	}
	return rec, nil
}

// ReadLegacyPickle extracts a single float scalar from a scale.pkl written
// by Python's pickle module (protocols 0-2, the BINFLOAT/FLOAT opcodes
// get_scale.py's `pickle.dump(scale, f)` produces for a bare float). This
// exists only so a map built before the JSON format was introduced keeps
// loading; new builds always write Record via WriteJSON.
func ReadLegacyPickle(path string) (float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, &apperrors.Input{Op: "scale.ReadLegacyPickle", Err: err}
	}
	for i := 0; i < len(data); i++ {
		switch data[i] {
		case 'G': // BINFLOAT: 8 bytes, big-endian IEEE 754 double
			if i+9 > len(data) {
				return 0, &apperrors.Input{Op: "scale.ReadLegacyPickle", Err: errors.New("truncated BINFLOAT opcode")}
			}
			bits := uint64(0)
			for _, b := range data[i+1 : i+9] {
				bits = bits<<8 | uint64(b)
			}
			return math.Float64frombits(bits), nil
		case 'F': // FLOAT: ASCII repr terminated by newline (protocol 0)
			end := i + 1
			for end < len(data) && data[end] != '\n' {
				end++
			}
			v, err := strconv.ParseFloat(string(data[i+1:end]), 64)
			if err != nil {
				return 0, &apperrors.Input{Op: "scale.ReadLegacyPickle", Err: err}
			}
			return v, nil
		}
	}
	return 0, &apperrors.Input{Op: "scale.ReadLegacyPickle", Err: errors.New("no float opcode found in pickle stream")}
}
