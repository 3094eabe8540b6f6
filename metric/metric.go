package metric

import (
	"errors"
	"math"
)

// ErrSizeMismatch is returned when two vectors have different lengths.
var ErrSizeMismatch = errors.New("vector sizes do not match")

// Dot calculates the dot product of two float32 slices.
// The slices must have the same length.
func Dot(v1, v2 []float32) float32 {
	var sum float32
	for i := range v1 {
		sum += v1[i] * v2[i]
	}
	return sum
}

// Magnitude calculates the magnitude (length) of a float32 slice.
func Magnitude(v []float32) float32 {
	return float32(math.Sqrt(float64(Dot(v, v))))
}

// CosineSimilarity calculates the cosine similarity between two float32 slices.
func CosineSimilarity(v1, v2 []float32) (float32, error) {
	if len(v1) != len(v2) {
		return 0, ErrSizeMismatch
	}

	magnitudeA := Magnitude(v1)
	magnitudeB := Magnitude(v2)

	// Avoid division by zero
	if magnitudeA == 0 || magnitudeB == 0 {
		return 0, nil
	}

	return Dot(v1, v2) / (magnitudeA * magnitudeB), nil
}

// CosineDistance calculates the cosine distance (1 - similarity) between two
// float32 slices. Lower is closer.
func CosineDistance(v1, v2 []float32) (float32, error) {
	sim, err := CosineSimilarity(v1, v2)
	if err != nil {
		return 0, err
	}
	return 1 - sim, nil
}

// Normalize returns a unit-length copy of v. The zero vector is returned
// unchanged.
func Normalize(v []float32) []float32 {
	m := Magnitude(v)
	if m == 0 {
		return v
	}
	out := make([]float32, len(v))
	for i, f := range v {
		out[i] = f / m
	}
	return out
}
