// Package vector provides the pure similarity primitives used throughout the
// re-identification engine: cosine similarity (single and batched), L2
// normalization, and the EMA blend used for scene baselines. All functions
// are stateless.
package vector

import (
	"fmt"
	"math"
)

// ErrDimensionMismatch is returned when two vectors of different lengths are
// compared.
type ErrDimensionMismatch struct {
	LenA, LenB int
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("vector dimension mismatch: %d vs %d", e.LenA, e.LenB)
}

// Cosine returns the cosine similarity between a and b, always in [-1,1].
// Vectors of different lengths produce an error. A zero-norm vector on
// either side yields 0.0 with no error: a zero vector has no direction, so
// "no similarity" is the meaningful answer, not a failure.
func Cosine(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, &ErrDimensionMismatch{LenA: len(a), LenB: len(b)}
	}

	var dot, normA, normB float64
	for i := range a {
		av := float64(a[i])
		bv := float64(b[i])
		dot += av * bv
		normA += av * av
		normB += bv * bv
	}

	if normA == 0 || normB == 0 {
		return 0, nil
	}

	return clamp(dot / (math.Sqrt(normA) * math.Sqrt(normB))), nil
}

// BatchCosine computes the cosine similarity of query against every
// candidate in a single pass. The result is index-aligned with candidates:
// zero-norm candidates contribute 0.0 at their index rather than being
// dropped. An empty candidate list returns an empty slice. Any candidate
// whose length differs from the query's fails the whole call.
//
// The results are numerically equivalent to calling Cosine once per
// candidate; the batched form exists for throughput when scanning many
// candidates.
func BatchCosine(query []float32, candidates [][]float32) ([]float64, error) {
	results := make([]float64, len(candidates))
	if len(candidates) == 0 {
		return results, nil
	}

	var normQ float64
	for _, v := range query {
		normQ += float64(v) * float64(v)
	}
	normQ = math.Sqrt(normQ)

	for i, cand := range candidates {
		if len(cand) != len(query) {
			return nil, &ErrDimensionMismatch{LenA: len(query), LenB: len(cand)}
		}
		if normQ == 0 {
			continue
		}

		var dot, normC float64
		for j := range cand {
			cv := float64(cand[j])
			dot += float64(query[j]) * cv
			normC += cv * cv
		}
		if normC == 0 {
			continue
		}
		results[i] = clamp(dot / (normQ * math.Sqrt(normC)))
	}

	return results, nil
}

// Norm returns the L2 norm of v.
func Norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// Normalize returns a unit-L2-norm copy of v. A zero vector is returned
// unchanged (as a copy) because it cannot be normalized.
func Normalize(v []float32) []float32 {
	out := make([]float32, len(v))
	n := Norm(v)
	if n == 0 {
		copy(out, v)
		return out
	}
	for i, x := range v {
		out[i] = float32(float64(x) / n)
	}
	return out
}

// Blend computes the elementwise exponential moving average
// decay*old + (1-decay)*next. Both inputs must have the same length.
func Blend(old, next []float32, decay float64) ([]float32, error) {
	if len(old) != len(next) {
		return nil, &ErrDimensionMismatch{LenA: len(old), LenB: len(next)}
	}
	out := make([]float32, len(old))
	for i := range old {
		out[i] = float32(decay*float64(old[i]) + (1-decay)*float64(next[i]))
	}
	return out, nil
}

// clamp bounds a cosine value to [-1,1]; floating accumulation can drift a
// hair past the bounds.
func clamp(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}
