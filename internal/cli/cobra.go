package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"spatialserver/internal/localizer"
	"spatialserver/internal/mapbuild"
	"spatialserver/internal/maptransforms"
	"spatialserver/internal/scale"
	"spatialserver/internal/storage"
)

// NewRootCmd builds the spatialserver cobra command tree off root.
func NewRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "spatialserver",
		Short: "Build and query visual-localization maps against 3D reconstructions",
		Long: `spatialserver ingests captures (video, image folders, Polycam/Kiri exports)
into COLMAP reconstructions, post-processes them into gravity-aligned point
clouds, and localizes query images against the result.`,
	}

	rootCmd.AddCommand(newMapCmd(root))
	rootCmd.AddCommand(newLocalizeCmd(root))
	rootCmd.AddCommand(newJobsCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

func newMapCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "map",
		Short: "Create, transform, and inspect maps",
	}
	cmd.AddCommand(newMapCreateCmd(root))
	cmd.AddCommand(newMapTransformCmd(root))
	cmd.AddCommand(newMapListCmd(root))
	cmd.AddCommand(newMapReloadCmd(root))
	cmd.AddCommand(newMapScaleCmd(root))
	return cmd
}

func newMapCreateCmd(root *Root) *cobra.Command {
	var (
		mapName    string
		numMatched int
		fps        string
	)

	cmd := &cobra.Command{
		Use:   "create <video|images|polycam|kiri> <input-path>",
		Short: "Build a new map from a capture source",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			source, err := parseSource(args[0])
			if err != nil {
				return err
			}
			inputPath := args[1]
			if mapName == "" {
				mapName = deriveMapName(inputPath)
			}

			job := mapbuild.Job{
				ID:        uuid.NewString(),
				MapName:   mapName,
				Source:    source,
				InputPath: inputPath,
				Options:   map[string]any{},
			}
			if numMatched > 0 {
				job.Options["num_matched"] = numMatched
			}
			if fps != "" {
				job.Options["fps"] = fps
			}

			layout := root.layout(mapName)
			if err := root.store.RegisterMap(storage.MapRecord{
				Name: mapName, Directory: layout.Root, CaptureSource: string(source),
			}); err != nil {
				return errf("register map", err)
			}

			result, err := root.submitAndWait(cmd.Context(), job)
			if err != nil {
				return err
			}
			if result.Error != nil {
				return errf("build failed", result.Error)
			}

			if err := root.loadMap(mapName); err != nil {
				root.log.Warn("build succeeded but cache reload failed", "map", mapName, "error", err)
			}

			fmt.Printf("map %q built: %+v\n", mapName, result.Meta)
			return nil
		},
	}

	cmd.Flags().StringVar(&mapName, "name", "", "map name (defaults to the input path's base name)")
	cmd.Flags().IntVar(&numMatched, "num-matched", 0, "covisibility pairs per image (default 20)")
	cmd.Flags().StringVar(&fps, "fps", "", "frame extraction rate for video ingest (ffmpeg fallback only)")
	return cmd
}

func newMapTransformCmd(root *Root) *cobra.Command {
	var (
		rotation  string
		elevate   bool
		exportPCD bool
	)

	cmd := &cobra.Command{
		Use:   "transform <map-name>",
		Short: "Apply rotate/elevate/export transforms to an existing map",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mapName := args[0]
			layout := root.layout(mapName)

			opts := maptransforms.Options{Elevate: elevate, CreatePCD: exportPCD}
			if rotation != "" {
				r, err := maptransforms.ParseRotation(rotation)
				if err != nil {
					return err
				}
				opts.Rotation = &r
			}

			res, err := maptransforms.Run(layout.ModelDir(), layout.PCDPath(), root.cfg.Geometry, opts)
			if err != nil {
				return err
			}
			fmt.Printf("transform applied to %q: %+v\n", mapName, res)
			return nil
		},
	}

	cmd.Flags().StringVar(&rotation, "rotate", "", `rotation spec, e.g. "x-90"`)
	cmd.Flags().BoolVar(&elevate, "elevate", false, "re-estimate and apply ground elevation")
	cmd.Flags().BoolVar(&exportPCD, "export-pcd", false, "clean and export the point cloud")
	return cmd
}

func newMapListCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered maps",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			recs, err := root.store.ListMaps()
			if err != nil {
				return errf("list maps", err)
			}
			for _, rec := range recs {
				fmt.Printf("%-24s ready=%-5t source=%-8s dir=%s\n", rec.Name, rec.Ready, rec.CaptureSource, rec.Directory)
			}
			return nil
		},
	}
}

func newMapReloadCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "reload <map-name>",
		Short: "Reload a map's snapshot into the shared cache",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.loadMap(args[0])
		},
	}
}

func newMapScaleCmd(root *Root) *cobra.Command {
	var intrinsics string

	cmd := &cobra.Command{
		Use:   "scale <map-name>",
		Short: "Estimate the reconstruction-to-client scale factor from posed query captures",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mapName := args[0]
			k, err := parseIntrinsics(intrinsics)
			if err != nil {
				return err
			}

			layout := root.layout(mapName)
			rec, err := scale.EstimateForMap(cmd.Context(), root.localizer, mapName, layout.PosedQueriesDir(), k, root.log)
			if err != nil {
				return errf("estimate scale", err)
			}
			if err := scale.WriteJSON(layout.ScalePath(), rec); err != nil {
				return errf("write scale record", err)
			}

			fmt.Printf("map %q scale estimated: factor=%.4f samples=%d\n", mapName, rec.Scale, rec.Samples)
			return nil
		},
	}
	cmd.Flags().StringVar(&intrinsics, "intrinsics", "", "comma-separated camera intrinsics (fx,fy,cx,cy) used for every posed query")
	return cmd
}

func newLocalizeCmd(root *Root) *cobra.Command {
	var intrinsics string

	cmd := &cobra.Command{
		Use:   "localize <map-name> <image-path>",
		Short: "Localize a query image against a built map",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := parseIntrinsics(intrinsics)
			if err != nil {
				return err
			}
			req := localizer.Request{MapName: args[0], ImagePath: args[1], Intrinsics: k}
			res, err := root.localizer.Localize(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Printf("pose recovered: inliers=%d matched=%d confidence=%.3f retrieved=%s\n",
				res.Inliers, res.MatchedKeypoints, res.Confidence, res.RetrievedImage)
			return nil
		},
	}
	cmd.Flags().StringVar(&intrinsics, "intrinsics", "", "comma-separated camera intrinsics (fx,fy,cx,cy)")
	return cmd
}

func newJobsCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect build job status",
	}
	cmd.AddCommand(newJobsStatusCmd(root))
	return cmd
}

func newJobsStatusCmd(root *Root) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show recent build jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			recs, err := root.store.RecentJobs(limit)
			if err != nil {
				return errf("list jobs", err)
			}
			for _, rec := range recs {
				fmt.Printf("%-36s %-10s %-10s attempt=%d map=%s\n", rec.ID, rec.JobType, rec.Status, rec.Attempt, rec.MapName)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of jobs to show")
	return cmd
}

func newServeCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the build job controller until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			root.log.Info("spatialserver controller running", "parallel_jobs", root.cfg.Processing.ParallelJobs)
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh
			root.log.Info("shutting down")
			root.controller.Stop()
			return nil
		},
	}
}

func parseSource(s string) (mapbuild.CaptureSource, error) {
	switch strings.ToLower(s) {
	case "video":
		return mapbuild.SourceVideo, nil
	case "images":
		return mapbuild.SourceImages, nil
	case "polycam":
		return mapbuild.SourcePolycam, nil
	case "kiri":
		return mapbuild.SourceKiri, nil
	default:
		return "", fmt.Errorf("unknown capture source %q (want video, images, polycam, or kiri)", s)
	}
}

func deriveMapName(inputPath string) string {
	base := inputPath
	for len(base) > 0 && (base[len(base)-1] == '/' || base[len(base)-1] == '\\') {
		base = base[:len(base)-1]
	}
	if idx := strings.LastIndexAny(base, "/\\"); idx >= 0 {
		base = base[idx+1:]
	}
	if idx := strings.LastIndex(base, "."); idx > 0 {
		base = base[:idx]
	}
	if base == "" {
		base = "map-" + uuid.NewString()[:8]
	}
	return base
}

func parseIntrinsics(s string) ([]float64, error) {
	if s == "" {
		return nil, fmt.Errorf("--intrinsics is required (fx,fy,cx,cy)")
	}
	parts := strings.Split(s, ",")
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid intrinsics value %q: %w", p, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// submitAndWait enqueues job on the controller and blocks until its result
// arrives on the result stream, giving up after a fixed 30-minute wait.
func (r *Root) submitAndWait(ctx context.Context, job mapbuild.Job) (mapbuild.Result, error) {
	ch, unsub := r.controller.Subscribe()
	defer unsub()

	if err := r.controller.Submit(job); err != nil {
		return mapbuild.Result{}, errf("submit job", err)
	}

	timeout := 30 * time.Minute
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return mapbuild.Result{}, ctx.Err()
		case <-timer.C:
			return mapbuild.Result{}, fmt.Errorf("timed out waiting for job %s", job.ID)
		case res, ok := <-ch:
			if !ok {
				return mapbuild.Result{}, fmt.Errorf("job stream closed before job %s completed", job.ID)
			}
			if res.Job.ID == job.ID {
				return res, nil
			}
		}
	}
}
