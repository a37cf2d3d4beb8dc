package geometry

import (
	"context"
	"io"

	"spatialserver/internal/colmap"
	"spatialserver/internal/config"
	"spatialserver/internal/procrunner"
)

// Mask is a per-image binary dynamic-object mask, true where a pixel
// belongs to a masked-out dynamic class (person, car, ...), matching the
// union-of-COCO-classes mask original's extract_masks produces.
type Mask struct {
	Width, Height int
	Bits          []bool // row-major, len == Width*Height
}

// At reports whether pixel (x, y) is masked.
func (m Mask) At(x, y int) bool {
	if x < 0 || y < 0 || x >= m.Width || y >= m.Height {
		return false
	}
	return m.Bits[y*m.Width+x]
}

// Segmenter produces a dynamic-object mask for one image by invoking the
// configured segmentation runner as an external process.
type Segmenter struct {
	tools  *procrunner.Manager
	toolCfg config.ExternalToolConfig
}

// NewSegmenter constructs a Segmenter bound to the configured segmentation
// tool chain.
func NewSegmenter(tools *procrunner.Manager, toolCfg config.ExternalToolConfig) *Segmenter {
	return &Segmenter{tools: tools, toolCfg: toolCfg}
}

// Segment runs the segmentation binary against imagePath and returns the
// resulting mask. The runner is expected to emit a single-channel PGM mask
// to maskOutPath, which is then read back.
func (s *Segmenter) Segment(ctx context.Context, imagePath, maskOutPath string, logWriter io.Writer) (Mask, error) {
	binary, err := s.tools.Resolve(s.toolCfg)
	if err != nil {
		return Mask{}, err
	}
	if _, err := procrunner.Run(ctx, logWriter, "", binary, "--image", imagePath, "--out", maskOutPath); err != nil {
		return Mask{}, err
	}
	return readPGMMask(maskOutPath)
}

// RemoveMaskedPoints3D deletes every Point3D whose track is MAJORITY
// observed within a dynamic-object mask. The original's
// remove_masked_points3d used an inverted predicate (it deleted points
// seen OUTSIDE the mask in at least one image, which discards nearly every
// static point a scene has); the corrected predicate implemented here
// requires more than half of a point's observations to fall inside a mask
// before the point is treated as belonging to a dynamic object and
// dropped.
func RemoveMaskedPoints3D(m *colmap.Model, masksByImage map[int64]Mask) int {
	toDelete := make([]int64, 0)
	for id, p := range m.Points {
		if len(p.Track) == 0 {
			continue
		}
		maskedObservations := 0
		for _, t := range p.Track {
			img, ok := m.Images[t.ImageID]
			if !ok {
				continue
			}
			mask, ok := masksByImage[t.ImageID]
			if !ok || t.Point2DIdx < 0 || int(t.Point2DIdx) >= len(img.Points2D) {
				continue
			}
			kp := img.Points2D[t.Point2DIdx]
			if mask.At(int(kp.X), int(kp.Y)) {
				maskedObservations++
			}
		}
		if maskedObservations*2 > len(p.Track) {
			toDelete = append(toDelete, id)
		}
	}
	for _, id := range toDelete {
		m.DeletePoint3D(id)
	}
	return len(toDelete)
}

func readPGMMask(path string) (Mask, error) {
	// Minimal binary-PGM (P5) reader: header "P5\nW H\n255\n" then W*H
	// single-byte samples, non-zero treated as masked. Grounded on the
	// original's mask_objects.py writing a single-channel uint8 mask array;
	// no third-party image codec in the pool handles raw PGM, so this is a
	// direct byte-format reader rather than a full image-decode stack
	// (see DESIGN.md).
	return readPGM(path)
}
