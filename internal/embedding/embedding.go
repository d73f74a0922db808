// Package embedding provides a deterministic, hash-seeded stand-in for a
// real embedding model: no network collaborator is available for either
// the retriever or the PRD archive, so both derive a reproducible unit
// vector from the input text's FNV-1a hash instead. Dimensionality is
// chosen once per repository (config.yaml's retrieval.embedding_dimensions)
// and must stay fixed thereafter — vectors of different lengths are not
// comparable.
package embedding

import (
	"hash/fnv"
	"math"
	"math/rand"
)

const DefaultDimensions = 64

// Vector generates the deterministic unit-length embedding for text at the
// given dimensionality. The same (text, dimensions) pair always yields the
// same vector, in-process or across runs.
func Vector(text string, dimensions int) []float64 {
	if dimensions <= 0 {
		dimensions = DefaultDimensions
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	seed := int64(h.Sum64())

	rng := rand.New(rand.NewSource(seed))
	vec := make([]float64, dimensions)
	var norm float64
	for i := range vec {
		v := rng.NormFloat64()
		vec[i] = v
		norm += v * v
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return vec
	}
	for i := range vec {
		vec[i] /= norm
	}
	return vec
}

// Cosine returns the cosine similarity of a and b. Vectors of differing
// length or either all-zero return 0.
func Cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
