package vectorindex

import (
	"cmp"
	"math"
	"slices"
)

// ScoreFromCosine maps a cosine similarity in [-1,1] onto [0,1]:
// score = (1 + cos) / 2. For a backend reporting cosine distance d = 1 - cos
// this is 1 - d/2. The mapping is monotonic, so ranking is unchanged.
func ScoreFromCosine(similarity float64) float64 {
	if math.IsNaN(similarity) {
		return 0
	}
	return clamp01((1 + similarity) / 2)
}

// ScoreFromCosineDistance converts a cosine distance in [0,2].
func ScoreFromCosineDistance(distance float64) float64 {
	return ScoreFromCosine(1 - distance)
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

// CompareCandidates is the global candidate order: score descending, then
// datasets before document chunks, then id ascending.
func CompareCandidates(a, b Candidate) int {
	if c := cmp.Compare(b.Score, a.Score); c != 0 {
		return c
	}
	if c := cmp.Compare(a.SourceType.Rank(), b.SourceType.Rank()); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

// SortCandidates orders candidates in place with CompareCandidates.
func SortCandidates(candidates []Candidate) {
	slices.SortStableFunc(candidates, CompareCandidates)
}

func cosineSimilarity(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
