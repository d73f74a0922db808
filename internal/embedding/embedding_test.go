package embedding

import "testing"

func TestVectorIsDeterministic(t *testing.T) {
	a := Vector("fix the login bug", 32)
	b := Vector("fix the login bug", 32)
	if Cosine(a, b) < 0.999999 {
		t.Fatalf("expected identical text to yield identical vectors, cosine=%v", Cosine(a, b))
	}
}

func TestVectorDiffersByText(t *testing.T) {
	a := Vector("fix the login bug", 32)
	b := Vector("refactor the parser", 32)
	if Cosine(a, b) > 0.9 {
		t.Fatalf("expected distinct text to yield dissimilar vectors, cosine=%v", Cosine(a, b))
	}
}

func TestVectorIsUnitLength(t *testing.T) {
	v := Vector("anything", 16)
	var sumSquares float64
	for _, x := range v {
		sumSquares += x * x
	}
	if sumSquares < 0.99 || sumSquares > 1.01 {
		t.Fatalf("expected unit-length vector, got squared norm %v", sumSquares)
	}
}

func TestCosineMismatchedLengthReturnsZero(t *testing.T) {
	if got := Cosine([]float64{1, 2}, []float64{1, 2, 3}); got != 0 {
		t.Fatalf("expected 0 for mismatched lengths, got %v", got)
	}
}
