package localizer

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func TestRetrieveTopKOrdersByCosineSimilarity(t *testing.T) {
	names := []string{"far", "close", "exact"}
	descriptors := mat.NewDense(3, 2, []float64{
		0, 1, // far: orthogonal to query
		1, 1, // close: 45 degrees off
		1, 0, // exact: matches query direction
	})
	query := []float32{1, 0}

	got := retrieveTopK(descriptors, names, query, 2)

	want := []string{"exact", "close"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("retrieveTopK = %v, want %v", got, want)
		}
	}
}

func TestRetrieveTopKBreaksTiesByName(t *testing.T) {
	names := []string{"zebra", "alpha"}
	descriptors := mat.NewDense(2, 1, []float64{1, 1})
	query := []float32{1}

	got := retrieveTopK(descriptors, names, query, 2)
	if got[0] != "alpha" {
		t.Fatalf("got %v, want alpha to break the tie first", got)
	}
}

func TestRetrieveTopKClampsToAvailableRows(t *testing.T) {
	names := []string{"only"}
	descriptors := mat.NewDense(1, 1, []float64{1})
	got := retrieveTopK(descriptors, names, []float32{1}, 20)
	if len(got) != 1 {
		t.Fatalf("got %d results, want 1", len(got))
	}
}

func TestRetrieveTopKNilDescriptors(t *testing.T) {
	if got := retrieveTopK(nil, nil, []float32{1}, 5); got != nil {
		t.Fatalf("expected nil result for a nil descriptor matrix, got %v", got)
	}
}

func TestCosineSimilarityIdenticalVectors(t *testing.T) {
	sim := cosineSimilarity([]float64{1, 2, 3}, []float32{1, 2, 3})
	if math.Abs(sim-1.0) > 1e-9 {
		t.Fatalf("cosineSimilarity(identical) = %v, want 1.0", sim)
	}
}

func TestCosineSimilarityOrthogonalVectors(t *testing.T) {
	sim := cosineSimilarity([]float64{1, 0}, []float32{0, 1})
	if math.Abs(sim) > 1e-9 {
		t.Fatalf("cosineSimilarity(orthogonal) = %v, want 0", sim)
	}
}

func TestCosineSimilarityZeroVectorIsZero(t *testing.T) {
	if sim := cosineSimilarity([]float64{0, 0}, []float32{1, 1}); sim != 0 {
		t.Fatalf("cosineSimilarity(zero vector) = %v, want 0", sim)
	}
}
