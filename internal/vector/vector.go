// Package vector holds the on-disk embedding codec and the ranking math
// used by search.
package vector

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
)

// Encode serializes v as little-endian IEEE-754 float32s. The blob has no
// header; its length is exactly 4*len(v).
func Encode(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// Decode is the inverse of Encode. It rejects blobs whose length is not a
// multiple of 4.
func Decode(blob []byte) ([]float32, error) {
	if len(blob)%4 != 0 {
		return nil, fmt.Errorf("vector: blob length %d is not a multiple of 4", len(blob))
	}
	v := make([]float32, len(blob)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return v, nil
}

// Cosine returns dot(a,b)/(|a||b|). It is 0 when either vector has zero
// norm, the lengths differ, or a component is not finite.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	score := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	if math.IsNaN(score) || math.IsInf(score, 0) {
		return 0
	}
	return score
}

// Scored is a candidate index with its similarity.
type Scored struct {
	Index int
	Score float64
}

// Rank scores every candidate against query.
func Rank(query []float32, candidates [][]float32) []Scored {
	out := make([]Scored, len(candidates))
	for i, c := range candidates {
		out[i] = Scored{Index: i, Score: Cosine(query, c)}
	}
	return out
}

// TopK returns the k highest scores in descending order. Equal scores keep
// their input order. k larger than len(scored) is clamped.
func TopK(scored []Scored, k int) []Scored {
	if k <= 0 {
		return nil
	}
	sorted := make([]Scored, len(scored))
	copy(sorted, scored)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Score > sorted[j].Score
	})
	if k > len(sorted) {
		k = len(sorted)
	}
	return sorted[:k]
}
