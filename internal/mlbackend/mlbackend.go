// Package mlbackend provides the concrete capability implementations that
// shell out to external model runners (Superpoint, NetVLAD, SuperGlue,
// a PnP+RANSAC solver) via procrunner, the same way procrunner's other
// callers treat colmap and ffmpeg as black-box binaries. Each backend
// writes its request as JSON to a temp file, invokes the configured
// binary with that file's path plus an output path, and parses the
// binary's JSON result — this is the wire contract every registered
// model runner in this deployment is expected to speak.
package mlbackend

import (
	"context"
	"encoding/json"
	"os"

	"spatialserver/internal/apperrors"
	"spatialserver/internal/config"
	"spatialserver/internal/procrunner"
)

func writeJSONTemp(pattern string, v any) (string, error) {
	f, err := os.CreateTemp("", pattern)
	if err != nil {
		return "", err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	if err := enc.Encode(v); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

func readJSONTemp(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// LocalFeatureBackend runs an external Superpoint-style keypoint/descriptor
// extractor over a single image.
type LocalFeatureBackend struct {
	tools   *procrunner.Manager
	toolCfg config.ExternalToolConfig
	quality float64
}

// NewLocalFeatureBackend constructs a LocalFeatureBackend bound to toolCfg.
func NewLocalFeatureBackend(tools *procrunner.Manager, toolCfg config.ExternalToolConfig, quality float64) *LocalFeatureBackend {
	return &LocalFeatureBackend{tools: tools, toolCfg: toolCfg, quality: quality}
}

func (b *LocalFeatureBackend) Name() string           { return toolName(b.toolCfg) }
func (b *LocalFeatureBackend) IsAvailable() bool       { return b.checkAvailable() }
func (b *LocalFeatureBackend) EstimateQuality() float64 { return b.quality }

func (b *LocalFeatureBackend) checkAvailable() bool {
	_, err := b.tools.Resolve(b.toolCfg)
	return err == nil
}

type localFeatureResult struct {
	Keypoints   [][2]float32 `json:"keypoints"`
	Descriptors []float32    `json:"descriptors"`
	Dim         int          `json:"dim"`
}

// Extract runs the local-feature extractor over imagePath.
func (b *LocalFeatureBackend) Extract(ctx context.Context, imagePath string) ([][2]float32, []float32, int, error) {
	binary, err := b.tools.Resolve(b.toolCfg)
	if err != nil {
		return nil, nil, 0, err
	}

	outPath, err := tempOutputPath("local-features-*.json")
	if err != nil {
		return nil, nil, 0, &apperrors.Internal{Op: "mlbackend.Extract", Err: err}
	}
	defer os.Remove(outPath)

	if _, err := procrunner.Run(ctx, nil, "", binary, "extract-local", "--image", imagePath, "--out", outPath); err != nil {
		return nil, nil, 0, err
	}

	var res localFeatureResult
	if err := readJSONTemp(outPath, &res); err != nil {
		return nil, nil, 0, &apperrors.Internal{Op: "mlbackend.Extract", Err: err}
	}
	return res.Keypoints, res.Descriptors, res.Dim, nil
}

// GlobalDescriptorBackend runs an external NetVLAD-style whole-image
// retrieval descriptor extractor.
type GlobalDescriptorBackend struct {
	tools   *procrunner.Manager
	toolCfg config.ExternalToolConfig
	quality float64
}

// NewGlobalDescriptorBackend constructs a GlobalDescriptorBackend bound to toolCfg.
func NewGlobalDescriptorBackend(tools *procrunner.Manager, toolCfg config.ExternalToolConfig, quality float64) *GlobalDescriptorBackend {
	return &GlobalDescriptorBackend{tools: tools, toolCfg: toolCfg, quality: quality}
}

func (b *GlobalDescriptorBackend) Name() string            { return toolName(b.toolCfg) }
func (b *GlobalDescriptorBackend) IsAvailable() bool        { _, err := b.tools.Resolve(b.toolCfg); return err == nil }
func (b *GlobalDescriptorBackend) EstimateQuality() float64 { return b.quality }

type globalDescriptorResult struct {
	Descriptor []float32 `json:"descriptor"`
}

// Extract runs the global-descriptor extractor over imagePath.
func (b *GlobalDescriptorBackend) Extract(ctx context.Context, imagePath string) ([]float32, error) {
	binary, err := b.tools.Resolve(b.toolCfg)
	if err != nil {
		return nil, err
	}

	outPath, err := tempOutputPath("global-descriptor-*.json")
	if err != nil {
		return nil, &apperrors.Internal{Op: "mlbackend.Extract", Err: err}
	}
	defer os.Remove(outPath)

	if _, err := procrunner.Run(ctx, nil, "", binary, "extract-global", "--image", imagePath, "--out", outPath); err != nil {
		return nil, err
	}

	var res globalDescriptorResult
	if err := readJSONTemp(outPath, &res); err != nil {
		return nil, &apperrors.Internal{Op: "mlbackend.Extract", Err: err}
	}
	return res.Descriptor, nil
}

// MatcherBackend runs an external SuperGlue-style descriptor matcher.
type MatcherBackend struct {
	tools   *procrunner.Manager
	toolCfg config.ExternalToolConfig
	quality float64
}

// NewMatcherBackend constructs a MatcherBackend bound to toolCfg.
func NewMatcherBackend(tools *procrunner.Manager, toolCfg config.ExternalToolConfig, quality float64) *MatcherBackend {
	return &MatcherBackend{tools: tools, toolCfg: toolCfg, quality: quality}
}

func (b *MatcherBackend) Name() string            { return toolName(b.toolCfg) }
func (b *MatcherBackend) IsAvailable() bool        { _, err := b.tools.Resolve(b.toolCfg); return err == nil }
func (b *MatcherBackend) EstimateQuality() float64 { return b.quality }

type matchRequest struct {
	DescriptorsA []float32 `json:"descriptors_a"`
	DescriptorsB []float32 `json:"descriptors_b"`
	Dim          int       `json:"dim"`
}

type matchResult struct {
	Pairs [][2]int32 `json:"pairs"`
}

// Match runs the matcher over two images' flattened descriptor matrices.
func (b *MatcherBackend) Match(ctx context.Context, descA, descB []float32, dim int) ([][2]int32, error) {
	binary, err := b.tools.Resolve(b.toolCfg)
	if err != nil {
		return nil, err
	}

	reqPath, err := writeJSONTemp("match-request-*.json", matchRequest{DescriptorsA: descA, DescriptorsB: descB, Dim: dim})
	if err != nil {
		return nil, &apperrors.Internal{Op: "mlbackend.Match", Err: err}
	}
	defer os.Remove(reqPath)

	outPath, err := tempOutputPath("match-result-*.json")
	if err != nil {
		return nil, &apperrors.Internal{Op: "mlbackend.Match", Err: err}
	}
	defer os.Remove(outPath)

	if _, err := procrunner.Run(ctx, nil, "", binary, "match", "--request", reqPath, "--out", outPath); err != nil {
		return nil, err
	}

	var res matchResult
	if err := readJSONTemp(outPath, &res); err != nil {
		return nil, &apperrors.Internal{Op: "mlbackend.Match", Err: err}
	}
	return res.Pairs, nil
}

// PnPBackend runs an external PnP+RANSAC pose solver.
type PnPBackend struct {
	tools   *procrunner.Manager
	toolCfg config.ExternalToolConfig
	quality float64
}

// NewPnPBackend constructs a PnPBackend bound to toolCfg.
func NewPnPBackend(tools *procrunner.Manager, toolCfg config.ExternalToolConfig, quality float64) *PnPBackend {
	return &PnPBackend{tools: tools, toolCfg: toolCfg, quality: quality}
}

func (b *PnPBackend) Name() string            { return toolName(b.toolCfg) }
func (b *PnPBackend) IsAvailable() bool        { _, err := b.tools.Resolve(b.toolCfg); return err == nil }
func (b *PnPBackend) EstimateQuality() float64 { return b.quality }

type pnpRequest struct {
	Points2D   [][2]float64 `json:"points2d"`
	Points3D   [][3]float64 `json:"points3d"`
	Intrinsics []float64    `json:"intrinsics"`
}

type pnpResult struct {
	Rotation    [9]float64 `json:"rotation"`
	Translation [3]float64 `json:"translation"`
	Inliers     int        `json:"inliers"`
}

// Solve runs the PnP+RANSAC solver over the given 2D-3D correspondences.
func (b *PnPBackend) Solve(ctx context.Context, points2D [][2]float64, points3D [][3]float64, intrinsics []float64) ([9]float64, [3]float64, int, error) {
	binary, err := b.tools.Resolve(b.toolCfg)
	if err != nil {
		return [9]float64{}, [3]float64{}, 0, err
	}

	reqPath, err := writeJSONTemp("pnp-request-*.json", pnpRequest{Points2D: points2D, Points3D: points3D, Intrinsics: intrinsics})
	if err != nil {
		return [9]float64{}, [3]float64{}, 0, &apperrors.Internal{Op: "mlbackend.Solve", Err: err}
	}
	defer os.Remove(reqPath)

	outPath, err := tempOutputPath("pnp-result-*.json")
	if err != nil {
		return [9]float64{}, [3]float64{}, 0, &apperrors.Internal{Op: "mlbackend.Solve", Err: err}
	}
	defer os.Remove(outPath)

	if _, err := procrunner.Run(ctx, nil, "", binary, "solve-pnp", "--request", reqPath, "--out", outPath); err != nil {
		return [9]float64{}, [3]float64{}, 0, err
	}

	var res pnpResult
	if err := readJSONTemp(outPath, &res); err != nil {
		return [9]float64{}, [3]float64{}, 0, &apperrors.Internal{Op: "mlbackend.Solve", Err: err}
	}
	return res.Rotation, res.Translation, res.Inliers, nil
}

func toolName(cfg config.ExternalToolConfig) string {
	if cfg.Preferred != "" {
		return cfg.Preferred
	}
	return "unknown"
}

func tempOutputPath(pattern string) (string, error) {
	f, err := os.CreateTemp("", pattern)
	if err != nil {
		return "", err
	}
	name := f.Name()
	f.Close()
	os.Remove(name)
	return name, nil
}
