package vectorindex

import (
	"math"
	"sort"
)

type candidate struct {
	hit    Hit
	vector []float32
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func newHit(c Chunk, sim float64) Hit {
	return Hit{Chunk: c, Score: sim, Distance: 1 - sim}
}

// sortCandidates orders by ascending distance; ties keep insertion order.
func sortCandidates(c []candidate) {
	sort.SliceStable(c, func(i, j int) bool { return c[i].hit.Distance < c[j].hit.Distance })
}

// selectMMR greedily picks k candidates maximizing
// lambda*sim(q,d) - (1-lambda)*max(sim(d, picked)).
// Candidates must carry their query similarity in hit.Score.
func selectMMR(cands []candidate, k int, lambda float64) []Hit {
	if k > len(cands) {
		k = len(cands)
	}
	picked := make([]int, 0, k)
	used := make([]bool, len(cands))
	// redundancy[i] = max similarity of candidate i to anything picked so far
	redundancy := make([]float64, len(cands))

	for len(picked) < k {
		best, bestScore := -1, math.Inf(-1)
		for i, c := range cands {
			if used[i] {
				continue
			}
			score := lambda * c.hit.Score
			if len(picked) > 0 {
				score -= (1 - lambda) * redundancy[i]
			}
			if score > bestScore {
				best, bestScore = i, score
			}
		}
		used[best] = true
		picked = append(picked, best)
		for i, c := range cands {
			if used[i] {
				continue
			}
			if s := cosine(c.vector, cands[best].vector); s > redundancy[i] || len(picked) == 1 {
				redundancy[i] = s
			}
		}
	}

	out := make([]Hit, len(picked))
	for i, idx := range picked {
		out[i] = cands[idx].hit
	}
	return out
}
