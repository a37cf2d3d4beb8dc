package apperrors

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorMessagesIncludeContext(t *testing.T) {
	wrapped := errors.New("boom")

	cases := []struct {
		err  error
		want string
	}{
		{&Input{Op: "mapbuild.Ingest", Err: wrapped}, "input error in mapbuild.Ingest: boom"},
		{&ExternalTool{Tool: "colmap", ExitCode: 1, Err: wrapped}, `external tool "colmap" failed (exit 1): boom`},
		{&Model{Capability: "local_features", Err: wrapped}, "model error in local_features: boom"},
		{&PnPFailure{Inliers: 3, Matched: 40, Reason: "below threshold"}, "pnp failed: below threshold (inliers=3 matched=40)"},
		{&NotFound{Kind: "map", ID: "lobby"}, "map not found: lobby"},
		{&Internal{Op: "mapcache.Load", Err: wrapped}, "internal error in mapcache.Load: boom"},
	}
	for _, c := range cases {
		if got := c.err.Error(); got != c.want {
			t.Errorf("Error() = %q, want %q", got, c.want)
		}
	}
}

func TestUnwrappableErrorsSupportErrorsAs(t *testing.T) {
	wrapped := errors.New("disk full")
	err := fmt.Errorf("building map: %w", &Internal{Op: "mapbuild.Run", Err: wrapped})

	var internal *Internal
	if !errors.As(err, &internal) {
		t.Fatalf("expected errors.As to find *Internal in the chain")
	}
	if internal.Op != "mapbuild.Run" {
		t.Fatalf("Op = %q, want mapbuild.Run", internal.Op)
	}
	if !errors.Is(err, wrapped) {
		t.Fatalf("expected errors.Is to reach the wrapped sentinel")
	}
}

func TestPnPFailureAndNotFoundDoNotImplementUnwrap(t *testing.T) {
	// PnPFailure and NotFound carry no wrapped error; errors.As should still
	// match the concrete type without requiring Unwrap.
	err := fmt.Errorf("localize: %w", &PnPFailure{Inliers: 1, Matched: 5, Reason: "too few inliers"})
	var pnpErr *PnPFailure
	if !errors.As(err, &pnpErr) {
		t.Fatalf("expected errors.As to find *PnPFailure in the chain")
	}
	if pnpErr.Matched != 5 {
		t.Fatalf("Matched = %d, want 5", pnpErr.Matched)
	}
	if _, ok := any(&PnPFailure{}).(interface{ Unwrap() error }); ok {
		t.Fatalf("*PnPFailure unexpectedly implements Unwrap")
	}
	if _, ok := any(&NotFound{}).(interface{ Unwrap() error }); ok {
		t.Fatalf("*NotFound unexpectedly implements Unwrap")
	}
}
