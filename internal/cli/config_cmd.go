package cli

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
)

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show the active configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configShow()
		},
	}
	return cmd
}

func (r *Root) configShow() error {
	cfgPath := os.Getenv("SPATIALSERVER_CONFIG")
	if cfgPath == "" {
		cfgPath = "(default) ~/.config/spatialserver/config.json"
	}
	fmt.Printf("Config file: %s\n", cfgPath)
	fmt.Printf("\nProcessing:\n")
	fmt.Printf("  Parallel jobs: %d\n", r.cfg.Processing.ParallelJobs)
	fmt.Printf("  Build hard limit: %s\n", r.cfg.Processing.BuildHardLimit)
	fmt.Printf("  Build soft limit: %s\n", r.cfg.Processing.BuildSoftLimit)
	fmt.Printf("  Max retries: %d (backoff %s)\n", r.cfg.Processing.MaxRetries, r.cfg.Processing.RetryBackoff)
	fmt.Printf("\nTools:\n")
	fmt.Printf("  SfM: %s %v\n", r.cfg.Tools.SfM.Preferred, r.cfg.Tools.SfM.Fallbacks)
	fmt.Printf("  Video ingest: %s %v\n", r.cfg.Tools.VideoIngest.Preferred, r.cfg.Tools.VideoIngest.Fallbacks)
	fmt.Printf("  Segmentation: %s %v\n", r.cfg.Tools.Segmentation.Preferred, r.cfg.Tools.Segmentation.Fallbacks)
	fmt.Printf("\nGeometry:\n")
	fmt.Printf("  Manhattan align: %t  Elevate: %t  Mask dynamic: %t\n",
		r.cfg.Geometry.ManhattanAlign, r.cfg.Geometry.Elevate, r.cfg.Geometry.MaskDynamic)
	fmt.Printf("  Voxel size: %.3fm  Crop ceiling: %.2fm\n", r.cfg.Geometry.VoxelSizeMeters, r.cfg.Geometry.CropYMeters)
	fmt.Printf("\nLocalize:\n")
	fmt.Printf("  Retrieval top-K: %d  Min inliers: %d  Min inlier ratio: %.2f\n",
		r.cfg.Localize.RetrievalTopK, r.cfg.Localize.MinInlierCount, r.cfg.Localize.MinInlierRatio)
	return nil
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build and runtime information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("spatialserver v1.0.0-dev\n")
			fmt.Printf("Built with Go %s\n", runtime.Version())
			for _, status := range probeTools(root) {
				fmt.Printf("  %-16s %s\n", status.name, status.state)
			}
			return nil
		},
	}
}

type toolProbeResult struct {
	name  string
	state string
}

func probeTools(root *Root) []toolProbeResult {
	candidates := []struct{ label, binary string }{
		{"colmap", root.cfg.Tools.SfM.Preferred},
		{"video ingest", root.cfg.Tools.VideoIngest.Preferred},
		{"segmentation", root.cfg.Tools.Segmentation.Preferred},
	}
	out := make([]toolProbeResult, 0, len(candidates))
	for _, c := range candidates {
		if c.binary == "" {
			out = append(out, toolProbeResult{name: c.label, state: "not configured"})
			continue
		}
		st := root.tools.CheckTool(c.binary)
		state := "unavailable"
		if st.Available {
			state = "available (" + st.Version + ")"
		}
		out = append(out, toolProbeResult{name: c.label, state: state})
	}
	return out
}
