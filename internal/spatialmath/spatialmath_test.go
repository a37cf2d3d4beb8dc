package spatialmath

import (
	"testing"

	"gonum.org/v1/gonum/mat"
)

func almostEqual(a, b, eps float64) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d < eps
}

func TestIdentityIsNoop(t *testing.T) {
	p := Identity()
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			want := 0.0
			if i == j {
				want = 1.0
			}
			if p.M.At(i, j) != want {
				t.Fatalf("Identity()[%d][%d] = %v, want %v", i, j, p.M.At(i, j), want)
			}
		}
	}
}

func TestRotationFromQuatWXYZIdentityQuaternion(t *testing.T) {
	p := RotationFromQuatWXYZ(1, 0, 0, 0)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			want := 0.0
			if i == j {
				want = 1.0
			}
			if !almostEqual(p.M.At(i, j), want, 1e-9) {
				t.Fatalf("rotation[%d][%d] = %v, want %v", i, j, p.M.At(i, j), want)
			}
		}
	}
}

func TestTranslationRoundTrip(t *testing.T) {
	p := Identity().SetTranslation([3]float64{1, 2, 3})
	got := p.Translation()
	want := [3]float64{1, 2, 3}
	if got != want {
		t.Fatalf("Translation() = %v, want %v", got, want)
	}
}

func TestScaleTranslation(t *testing.T) {
	p := Identity().SetTranslation([3]float64{1, 2, 3}).ScaleTranslation(2.0)
	want := [3]float64{2, 4, 6}
	if got := p.Translation(); got != want {
		t.Fatalf("ScaleTranslation result = %v, want %v", got, want)
	}
}

func TestHlocToGravityRotatesTranslationYZ(t *testing.T) {
	// A +180deg rotation about X negates Y and Z, leaves X unchanged.
	p := Identity().SetTranslation([3]float64{1, 2, 3})
	got := HlocToGravity(p).Translation()
	want := [3]float64{1, -2, -3}
	for i := range want {
		if !almostEqual(got[i], want[i], 1e-9) {
			t.Fatalf("HlocToGravity translation = %v, want %v", got, want)
		}
	}
}

func TestInverseRoundTrip(t *testing.T) {
	p := Identity().SetTranslation([3]float64{1, 2, 3})
	inv, err := p.Inverse()
	if err != nil {
		t.Fatalf("Inverse: %v", err)
	}
	back, err := inv.Inverse()
	if err != nil {
		t.Fatalf("Inverse (second): %v", err)
	}
	got := back.Translation()
	want := p.Translation()
	for i := range want {
		if !almostEqual(got[i], want[i], 1e-9) {
			t.Fatalf("double Inverse translation = %v, want %v", got, want)
		}
	}
}

func TestInverseRejectsSingularMatrix(t *testing.T) {
	m := mat.NewDense(4, 4, nil)
	m.Set(3, 3, 1) // rows 0-2 all zero: rank-deficient, not invertible
	p := Pose{M: m}

	if _, err := p.Inverse(); err == nil {
		t.Fatalf("expected an error inverting a singular pose matrix")
	}
}

func TestFuseWithClientAppliesInverseOfPoseGInClientFrame(t *testing.T) {
	// Pure-translation poses: FuseWithClient(poseG, clientMatrixC) must equal
	// clientMatrixC * inverse(poseG), i.e. clientMatrixC's translation plus
	// the negated poseG translation.
	poseG := Identity().SetTranslation([3]float64{1, 0, 0})
	clientMatrixC := Identity().SetTranslation([3]float64{0, 2, 0})

	fused, err := FuseWithClient(poseG, clientMatrixC)
	if err != nil {
		t.Fatalf("FuseWithClient: %v", err)
	}
	got := fused.Translation()
	want := [3]float64{-1, 2, 0}
	for i := range want {
		if !almostEqual(got[i], want[i], 1e-9) {
			t.Fatalf("FuseWithClient translation = %v, want %v", got, want)
		}
	}
}

func TestFuseWithClientErrorsOnNonInvertiblePoseG(t *testing.T) {
	m := mat.NewDense(4, 4, nil)
	m.Set(3, 3, 1)
	singular := Pose{M: m}

	if _, err := FuseWithClient(singular, Identity()); err == nil {
		t.Fatalf("expected an explicit error when poseGInClientFrame is non-invertible")
	}
}
