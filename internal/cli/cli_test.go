package cli

import (
	"testing"

	"spatialserver/internal/mapbuild"
)

func TestParseSource(t *testing.T) {
	cases := map[string]mapbuild.CaptureSource{
		"video":   mapbuild.SourceVideo,
		"Images":  mapbuild.SourceImages,
		"POLYCAM": mapbuild.SourcePolycam,
		"kiri":    mapbuild.SourceKiri,
	}
	for in, want := range cases {
		got, err := parseSource(in)
		if err != nil {
			t.Fatalf("parseSource(%q): unexpected error: %v", in, err)
		}
		if got != want {
			t.Fatalf("parseSource(%q) = %v, want %v", in, got, want)
		}
	}

	if _, err := parseSource("lidar"); err == nil {
		t.Fatalf("expected error for unknown capture source")
	}
}

func TestDeriveMapName(t *testing.T) {
	cases := map[string]string{
		"/data/captures/lobby.mp4": "lobby",
		"/data/captures/lobby/":    "lobby",
		"lobby":                    "lobby",
	}
	for in, want := range cases {
		if got := deriveMapName(in); got != want {
			t.Fatalf("deriveMapName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseIntrinsics(t *testing.T) {
	got, err := parseIntrinsics("600.0, 600.0,320,240")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []float64{600, 600, 320, 240}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}

	if _, err := parseIntrinsics(""); err == nil {
		t.Fatalf("expected error for empty intrinsics")
	}
	if _, err := parseIntrinsics("600,abc"); err == nil {
		t.Fatalf("expected error for non-numeric intrinsics")
	}
}
