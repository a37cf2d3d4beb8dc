// Package maptransforms exposes the CLI-invokable map post-processing
// operations — rotate, elevate and clean/export — as a standalone step
// separate from the build pipeline, matching map_transforms.py's
// rotate_and_elevate entry point. Scale application and masking are not
// offered here.
package maptransforms

import (
	"fmt"
	"strconv"
	"strings"

	"spatialserver/internal/apperrors"
	"spatialserver/internal/colmap"
	"spatialserver/internal/config"
	"spatialserver/internal/geometry"
)

// Rotation is a single axis-angle rotation, parsed from strings like
// "x-90", "y90", "z180", matching map_transforms.py's --rotation flag.
type Rotation struct {
	Axis    byte
	Degrees float64
}

// ParseRotation parses a rotation spec of the form "<axis><degrees>",
// e.g. "x-90" or "z180".
func ParseRotation(spec string) (Rotation, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return Rotation{}, &apperrors.Input{Op: "maptransforms.ParseRotation", Err: fmt.Errorf("empty rotation spec")}
	}
	axis := spec[0]
	switch axis {
	case 'x', 'X', 'y', 'Y', 'z', 'Z':
	default:
		return Rotation{}, &apperrors.Input{Op: "maptransforms.ParseRotation", Err: fmt.Errorf("unknown rotation axis %q", axis)}
	}
	degrees, err := strconv.ParseFloat(spec[1:], 64)
	if err != nil {
		return Rotation{}, &apperrors.Input{Op: "maptransforms.ParseRotation", Err: fmt.Errorf("invalid rotation degrees in %q: %w", spec, err)}
	}
	return Rotation{Axis: axis | 0x20, Degrees: degrees}, nil
}

// ApplyRotation rotates m in place about the rotation's axis.
func ApplyRotation(m *colmap.Model, r Rotation) {
	switch r.Axis {
	case 'x':
		geometry.RotateModelX(m, r.Degrees)
	case 'y':
		geometry.RotateModelY(m, r.Degrees)
	case 'z':
		geometry.RotateModelZ(m, r.Degrees)
	}
}

// Options selects which transform steps Run applies, mirroring
// rotate_and_elevate's rotation/elevate/create_pcd flags.
type Options struct {
	Rotation   *Rotation
	Elevate    bool
	CreatePCD  bool
}

// Result reports what Run did.
type Result struct {
	Rotated     bool
	ElevateY    float64
	Elevated    bool
	CleanResult geometry.CleanResult
	Exported    bool
}

// Run reads the model at modelDir, applies the requested transforms in
// order (rotate, then elevate, then clean+export), and writes the model
// back if it was mutated. Elevation is idempotent: running it again on an
// already-elevated model only re-computes a near-zero ground offset. A
// rotation is not: each run with Options.Rotation set rotates the model
// again.
func Run(modelDir, pcdPath string, geomCfg config.GeometryConfig, opts Options) (Result, error) {
	m, err := colmap.ReadDir(modelDir)
	if err != nil {
		return Result{}, err
	}

	var res Result
	mutated := false

	if opts.Rotation != nil {
		ApplyRotation(m, *opts.Rotation)
		res.Rotated = true
		mutated = true
	}

	if opts.Elevate {
		elevateRes := geometry.Elevate(m, geomCfg.ElevationBucket)
		res.ElevateY = elevateRes.OffsetY
		res.Elevated = true
		mutated = true
	}

	if mutated {
		if err := colmap.WriteDir(modelDir, m); err != nil {
			return res, &apperrors.Internal{Op: "maptransforms.Run", Err: err}
		}
	}

	if opts.CreatePCD {
		cleanRes, err := geometry.CleanAndExport(m, geomCfg, pcdPath)
		if err != nil {
			return res, err
		}
		res.CleanResult = cleanRes
		res.Exported = true
	}

	return res, nil
}
