// Package mapbuild is the map builder pipeline (component F): it ingests a
// capture source (a video, a folder of images, a Polycam export, or a Kiri
// Engine export), extracts and matches features, triangulates a sparse
// reconstruction, and hands the result to the geometry post-processor.
// Scale estimation is not part of a build; it runs separately against a
// finished map. The stage order is grounded on map_creator.py (video
// path) and kiri_engine.py/polycam.py (known-pose path), restructured as a
// Job/Result/Processor pipeline the way internal/pipeline routed jobs by
// JobType in the teacher.
package mapbuild

import (
	"context"
	"fmt"
	"io"
	"path/filepath"

	"spatialserver/internal/apperrors"
	"spatialserver/internal/capability"
	"spatialserver/internal/colmap"
	"spatialserver/internal/config"
	"spatialserver/internal/featurestore"
	"spatialserver/internal/geometry"
	"spatialserver/internal/maplayout"
	"spatialserver/internal/procrunner"
)

// CaptureSource identifies the kind of capture a build job ingests.
type CaptureSource string

const (
	SourceVideo   CaptureSource = "video"
	SourceImages  CaptureSource = "images"
	SourcePolycam CaptureSource = "polycam"
	SourceKiri    CaptureSource = "kiri"
)

// Job is a single map-build request.
type Job struct {
	ID        string
	MapName   string
	Source    CaptureSource
	InputPath string
	Options   map[string]any
}

// Result captures the outcome of a build Job.
type Result struct {
	Job   Job
	Error error
	Meta  map[string]any
}

// Processor executes a build Job and returns a Result, matching the
// teacher's Processor contract.
type Processor interface {
	Process(ctx context.Context, job Job) Result
}

// Registries bundles the capability backends a build needs.
type Registries struct {
	Local    *capability.Registry[capability.LocalFeatureExtractor]
	Global   *capability.Registry[capability.GlobalDescriptorExtractor]
	Matcher  *capability.Registry[capability.Matcher]
	Segmenter *geometry.Segmenter
}

// Builder implements Processor, running the full ingest -> feature extract
// -> match -> triangulate -> geometry post-process pipeline.
type Builder struct {
	cfg        *config.Config
	tools      *procrunner.Manager
	registries Registries
	mapDataRoot string
}

// New constructs a Builder.
func New(cfg *config.Config, tools *procrunner.Manager, registries Registries) *Builder {
	return &Builder{cfg: cfg, tools: tools, registries: registries, mapDataRoot: cfg.Paths.MapDataRoot}
}

// Process runs one map build end to end.
func (b *Builder) Process(ctx context.Context, job Job) Result {
	layout := maplayout.New(b.mapDataRoot, job.MapName)
	if err := layout.EnsureDirs(); err != nil {
		return Result{Job: job, Error: &apperrors.Internal{Op: "mapbuild.Process", Err: err}}
	}

	logFile, err := procrunner.OpenAppendLog(layout.LogPath())
	if err != nil {
		return Result{Job: job, Error: &apperrors.Internal{Op: "mapbuild.Process", Err: err}}
	}
	defer logFile.Close()

	framesDir, err := b.ingest(ctx, job, layout, logFile)
	if err != nil {
		return Result{Job: job, Error: err}
	}

	fstore, err := featurestore.Open(layout.FeatureStorePath())
	if err != nil {
		return Result{Job: job, Error: err}
	}
	defer fstore.Close()

	imagePaths, err := listFrames(framesDir)
	if err != nil {
		return Result{Job: job, Error: &apperrors.Input{Op: "mapbuild.Process", Err: err}}
	}
	if err := b.extractFeatures(ctx, imagePaths, fstore); err != nil {
		return Result{Job: job, Error: err}
	}

	initialModel, err := b.bootstrapModel(ctx, layout, framesDir, logFile)
	if err != nil {
		return Result{Job: job, Error: err}
	}

	pairs := coVisibilityPairs(initialModel, b.numMatchedNeighbors(job))
	if err := b.matchPairs(ctx, pairs, fstore); err != nil {
		return Result{Job: job, Error: err}
	}

	model, err := b.triangulate(ctx, layout, framesDir, initialModel, pairs, fstore, logFile)
	if err != nil {
		return Result{Job: job, Error: err}
	}

	geomCfg := b.cfg.Geometry
	if geomCfg.ManhattanAlign {
		if err := geometry.ManhattanAlign(ctx, b.tools, b.cfg.Tools.SfM, layout.ModelDir(), framesDir, layout.ModelDir(), logFile); err != nil {
			return Result{Job: job, Error: err}
		}
		model, err = colmap.ReadDir(layout.ModelDir())
		if err != nil {
			return Result{Job: job, Error: err}
		}
	}

	if geomCfg.Elevate {
		geometry.Elevate(model, geomCfg.ElevationBucket)
	}

	if geomCfg.MaskDynamic && b.registries.Segmenter != nil {
		masks, err := b.segmentAll(ctx, imagePaths, layout, logFile)
		if err != nil {
			return Result{Job: job, Error: err}
		}
		masksByImage := make(map[int64]geometry.Mask)
		for _, img := range model.Images {
			if m, ok := masks[img.Name]; ok {
				masksByImage[img.ID] = m
			}
		}
		geometry.RemoveMaskedPoints3D(model, masksByImage)
	}

	if err := colmap.WriteDir(layout.ModelDir(), model); err != nil {
		return Result{Job: job, Error: &apperrors.Internal{Op: "mapbuild.Process", Err: err}}
	}

	cleanRes, err := geometry.CleanAndExport(model, geomCfg, layout.PCDPath())
	if err != nil {
		return Result{Job: job, Error: err}
	}

	return Result{Job: job, Meta: map[string]any{
		"images":          len(imagePaths),
		"points3d":        len(model.Points),
		"cleaned_points":  cleanRes.OutputPoints,
		"map_directory":   layout.Root,
	}}
}

func (b *Builder) numMatchedNeighbors(job Job) int {
	switch v := job.Options["num_matched"].(type) {
	case int:
		if v > 0 {
			return v
		}
	case float64: // a job decoded from JSON by the worker child
		if v > 0 {
			return int(v)
		}
	}
	return 20
}

func listFrames(dir string) ([]string, error) {
	return globImages(dir)
}

func globImages(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*"))
	if err != nil {
		return nil, err
	}
	var out []string
	for _, m := range matches {
		out = append(out, m)
	}
	return out, nil
}

func (b *Builder) segmentAll(ctx context.Context, images []string, layout maplayout.Layout, logWriter io.Writer) (map[string]geometry.Mask, error) {
	out := make(map[string]geometry.Mask, len(images))
	for _, img := range images {
		maskPath := filepath.Join(layout.Root, "masks", filepath.Base(img)+".pgm")
		mask, err := b.registries.Segmenter.Segment(ctx, img, maskPath, logWriter)
		if err != nil {
			return nil, err
		}
		out[filepath.Base(img)] = mask
	}
	return out, nil
}

// errUnsupportedSource is returned for a CaptureSource not handled by
// ingest.
func errUnsupportedSource(s CaptureSource) error {
	return &apperrors.Input{Op: "mapbuild.ingest", Err: fmt.Errorf("unsupported capture source %q", s)}
}
