// Package apperrors defines the error taxonomy shared by the map builder,
// geometry post-processor, and localizer: callers switch on the concrete
// type (via errors.As) rather than parsing messages.
package apperrors

import "fmt"

// Input signals a malformed or missing caller-supplied argument (bad capture
// path, unknown map name, malformed config).
type Input struct {
	Op  string
	Err error
}

func (e *Input) Error() string { return fmt.Sprintf("input error in %s: %v", e.Op, e.Err) }
func (e *Input) Unwrap() error { return e.Err }

// ExternalTool signals a failing or unavailable external process (colmap,
// ffmpeg, ns-process-data, the segmentation runner).
type ExternalTool struct {
	Tool     string
	Args     []string
	ExitCode int
	Err      error
}

func (e *ExternalTool) Error() string {
	return fmt.Sprintf("external tool %q failed (exit %d): %v", e.Tool, e.ExitCode, e.Err)
}
func (e *ExternalTool) Unwrap() error { return e.Err }

// Model signals a failure inside a capability backend (feature extractor,
// descriptor extractor, matcher, segmenter) that is not itself an external
// process failure — e.g. a malformed checkpoint or unsupported input shape.
type Model struct {
	Capability string
	Err        error
}

func (e *Model) Error() string { return fmt.Sprintf("model error in %s: %v", e.Capability, e.Err) }
func (e *Model) Unwrap() error { return e.Err }

// PnPFailure signals the pose solver could not produce a pose meeting the
// configured inlier thresholds — a soft failure, not a crash.
type PnPFailure struct {
	Inliers int
	Matched int
	Reason  string
}

func (e *PnPFailure) Error() string {
	return fmt.Sprintf("pnp failed: %s (inliers=%d matched=%d)", e.Reason, e.Inliers, e.Matched)
}

// NotFound signals a referenced map, job, or file does not exist.
type NotFound struct {
	Kind string
	ID   string
}

func (e *NotFound) Error() string { return fmt.Sprintf("%s not found: %s", e.Kind, e.ID) }

// Internal wraps an unexpected invariant violation — a bug, not a user or
// environment error.
type Internal struct {
	Op  string
	Err error
}

func (e *Internal) Error() string { return fmt.Sprintf("internal error in %s: %v", e.Op, e.Err) }
func (e *Internal) Unwrap() error { return e.Err }
