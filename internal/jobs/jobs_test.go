package jobs

import (
	"testing"
	"time"
)

func TestParseDurationOrValidDuration(t *testing.T) {
	got := parseDurationOr("90s", time.Minute)
	if got != 90*time.Second {
		t.Fatalf("parseDurationOr(%q) = %v, want 90s", "90s", got)
	}
}

func TestParseDurationOrFallsBackOnGarbage(t *testing.T) {
	got := parseDurationOr("not-a-duration", 5*time.Minute)
	if got != 5*time.Minute {
		t.Fatalf("parseDurationOr(garbage) = %v, want the 5m fallback", got)
	}
}

func TestParseDurationOrFallsBackOnNonPositive(t *testing.T) {
	got := parseDurationOr("0s", time.Minute)
	if got != time.Minute {
		t.Fatalf("parseDurationOr(0s) = %v, want the fallback since a zero hard limit makes no sense", got)
	}

	got = parseDurationOr("-5s", time.Minute)
	if got != time.Minute {
		t.Fatalf("parseDurationOr(negative) = %v, want the fallback", got)
	}
}

func TestParseDurationOrEmptyString(t *testing.T) {
	got := parseDurationOr("", 30*time.Second)
	if got != 30*time.Second {
		t.Fatalf("parseDurationOr(\"\") = %v, want the fallback", got)
	}
}
