// Package procrunner is the sole path by which this server shells out to
// external tools (colmap, ffmpeg, ns-process-data, the segmentation
// runner). Every invocation goes through Run, which execs an argv slice
// directly — never a shell string — and tees combined stdout+stderr to a
// per-map log file, matching the process-runner contract.
package procrunner

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"spatialserver/internal/apperrors"
	"spatialserver/internal/config"
)

// ToolStatus represents the availability of an external binary.
type ToolStatus struct {
	Available bool
	Version   string
	Path      string
	Err       error
}

// Manager resolves logical capability names ("sfm", "video_ingest",
// "segmentation") to a concrete, available binary using the configured
// preferred/fallback chain, generalizing the teacher's per-feature
// RAWToolConfig/PanoramicToolConfig shape into one ExternalToolConfig.
type Manager struct {
	cfg *config.Config
}

// NewManager constructs a Manager bound to cfg's tool preferences.
func NewManager(cfg *config.Config) *Manager {
	return &Manager{cfg: cfg}
}

// CheckTool verifies a binary is on PATH and, where a cheap version probe
// exists, runs it for diagnostic purposes.
func (m *Manager) CheckTool(binary string) ToolStatus {
	path, err := exec.LookPath(binary)
	if err != nil {
		return ToolStatus{Available: false, Err: err}
	}

	versionArgs := versionProbe(binary)
	if versionArgs == nil {
		return ToolStatus{Available: true, Path: path}
	}

	cmd := exec.Command(versionArgs[0], versionArgs[1:]...)
	out, err := cmd.CombinedOutput()
	if err != nil && len(out) == 0 {
		return ToolStatus{Available: false, Path: path, Err: err}
	}
	return ToolStatus{Available: true, Path: path, Version: firstLine(string(out))}
}

func versionProbe(binary string) []string {
	switch binary {
	case "colmap":
		return []string{"colmap", "--help"}
	case "ffmpeg":
		return []string{"ffmpeg", "-version"}
	case "ns-process-data":
		return []string{"ns-process-data", "--help"}
	default:
		return nil
	}
}

func firstLine(s string) string {
	lines := strings.SplitN(strings.TrimSpace(s), "\n", 2)
	if len(lines) == 0 {
		return "unknown"
	}
	return strings.TrimSpace(lines[0])
}

// Resolve walks cfg's Preferred/Fallbacks chain for toolCfg and returns the
// first available binary name.
func (m *Manager) Resolve(toolCfg config.ExternalToolConfig) (string, error) {
	candidates := append([]string{toolCfg.Preferred}, toolCfg.Fallbacks...)
	for _, c := range candidates {
		if c == "" {
			continue
		}
		if st := m.CheckTool(c); st.Available {
			return c, nil
		}
	}
	return "", &apperrors.ExternalTool{Tool: toolCfg.Preferred, Err: fmt.Errorf("no available tool in chain %v", candidates)}
}

// Run execs argv[0] with argv[1:] as literal arguments (never through a
// shell), tee-ing combined stdout+stderr to logWriter as well as returning
// it, and wraps a non-zero exit in apperrors.ExternalTool.
func Run(ctx context.Context, logWriter io.Writer, dir string, argv ...string) (string, error) {
	if len(argv) == 0 {
		return "", &apperrors.Internal{Op: "procrunner.Run", Err: fmt.Errorf("empty argv")}
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir

	var buf strings.Builder
	var w io.Writer = &buf
	if logWriter != nil {
		w = io.MultiWriter(&buf, logWriter)
	}
	cmd.Stdout = w
	cmd.Stderr = w

	err := cmd.Run()
	output := buf.String()
	if err != nil {
		exitCode := -1
		if ee, ok := err.(*exec.ExitError); ok {
			exitCode = ee.ExitCode()
		}
		return output, &apperrors.ExternalTool{Tool: argv[0], Args: argv[1:], ExitCode: exitCode, Err: err}
	}
	return output, nil
}

// OpenAppendLog opens (creating if needed) the per-map build transcript
// file that Run's logWriter tees into. Callers close it when the stage, or
// the whole build, finishes.
func OpenAppendLog(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}
