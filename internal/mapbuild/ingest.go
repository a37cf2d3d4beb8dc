package mapbuild

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"spatialserver/internal/apperrors"
	"spatialserver/internal/maplayout"
	"spatialserver/internal/pointcloud"
	"spatialserver/internal/procrunner"
)

// ingest dispatches on job.Source the way router.go dispatched on JobType
// in the teacher, populating layout.ImagesDir() with the frames the rest
// of the pipeline operates on.
func (b *Builder) ingest(ctx context.Context, job Job, layout maplayout.Layout, logWriter io.Writer) (string, error) {
	switch job.Source {
	case SourceVideo:
		return layout.ImagesDir(), b.ingestVideo(ctx, job, layout, logWriter)
	case SourceImages:
		return layout.ImagesDir(), b.ingestImages(job, layout)
	case SourcePolycam:
		return layout.ImagesDir(), b.ingestKnownPoseArchive(job, layout)
	case SourceKiri:
		return layout.ImagesDir(), b.ingestKnownPoseArchive(job, layout)
	default:
		return "", errUnsupportedSource(job.Source)
	}
}

// ingestVideo extracts frames from job.InputPath via the configured video
// ingest tool (ns-process-data, falling back to ffmpeg at the "fps" option's
// rate, default 2). No target frame count or frame ratio is passed:
// ns-process-data uses its own default frame selection.
func (b *Builder) ingestVideo(ctx context.Context, job Job, layout maplayout.Layout, logWriter io.Writer) error {
	binary, err := b.tools.Resolve(b.cfg.Tools.VideoIngest)
	if err != nil {
		return err
	}

	switch binary {
	case "ns-process-data":
		_, err := procrunner.Run(ctx, logWriter, "",
			"ns-process-data", "video",
			"--data", job.InputPath,
			"--output-dir", layout.ImagesDir(),
		)
		return err
	case "ffmpeg":
		fps := "2"
		if v, ok := job.Options["fps"].(string); ok && v != "" {
			fps = v
		}
		_, err := procrunner.Run(ctx, logWriter, "",
			"ffmpeg", "-i", job.InputPath,
			"-vf", fmt.Sprintf("fps=%s", fps),
			filepath.Join(layout.ImagesDir(), "frame_%05d.jpg"),
		)
		return err
	default:
		return &apperrors.ExternalTool{Tool: binary, Err: fmt.Errorf("no ingest strategy for resolved tool %q", binary)}
	}
}

// ingestImages copies (by hard link where possible) every file under
// job.InputPath into the map's images directory.
func (b *Builder) ingestImages(job Job, layout maplayout.Layout) error {
	entries, err := os.ReadDir(job.InputPath)
	if err != nil {
		return &apperrors.Input{Op: "mapbuild.ingestImages", Err: err}
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		src := filepath.Join(job.InputPath, e.Name())
		dst := filepath.Join(layout.ImagesDir(), e.Name())
		if err := linkOrCopy(src, dst); err != nil {
			return &apperrors.Internal{Op: "mapbuild.ingestImages", Err: err}
		}
	}
	return nil
}

// ingestKnownPoseArchive handles Polycam and Kiri Engine exports, which
// ship their own frames plus a known-pose manifest; both are treated
// identically at the ingest stage: the frames are linked in and a raw.glb
// mesh, if present, is copied through. The known-pose manifest is not
// read; camera poses come from the same bootstrap reconstruction the video
// and image sources use.
func (b *Builder) ingestKnownPoseArchive(job Job, layout maplayout.Layout) error {
	if err := b.ingestImages(job, layout); err != nil {
		return err
	}
	return copyThroughMesh(job, layout)
}

// copyThroughMesh decodes a Polycam/Kiri export's raw.glb, if present, and
// writes it back out as mesh.ply for inspection. A scan without a mesh
// (or whose mesh this decoder can't parse) is not an error — the mesh is
// optional, the triangulated sparse model is what localization needs.
func copyThroughMesh(job Job, layout maplayout.Layout) error {
	glbPath := filepath.Join(job.InputPath, "raw.glb")
	f, err := os.Open(glbPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return nil
	}
	defer f.Close()

	mesh, err := pointcloud.ReadGLBMesh(f)
	if err != nil {
		return nil
	}

	out, err := os.Create(layout.MeshPath())
	if err != nil {
		return &apperrors.Internal{Op: "mapbuild.copyThroughMesh", Err: err}
	}
	defer out.Close()

	return pointcloud.WritePLYMesh(out, mesh)
}

func linkOrCopy(src, dst string) error {
	if err := os.Link(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}
