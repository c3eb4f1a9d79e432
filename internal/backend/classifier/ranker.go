package classifier

import (
	"math"
	"sort"
)

const DefaultTopK = 3

// Ranked is one class with its softmax probability in [0, 1].
type Ranked struct {
	Index       int
	Probability float64
}

// Softmax converts raw scores to probabilities summing to 1.
// The maximum is subtracted first so large logits do not overflow.
func Softmax(scores []float32) []float64 {
	if len(scores) == 0 {
		return nil
	}
	maxScore := float64(scores[0])
	for _, s := range scores[1:] {
		maxScore = math.Max(maxScore, float64(s))
	}

	probs := make([]float64, len(scores))
	var sum float64
	for i, s := range scores {
		probs[i] = math.Exp(float64(s) - maxScore)
		sum += probs[i]
	}
	for i := range probs {
		probs[i] /= sum
	}
	return probs
}

// TopK returns the k most probable classes, highest first. Equal
// probabilities are ordered by ascending class index. k is clamped to
// [1, len(probs)].
func TopK(probs []float64, k int) []Ranked {
	if len(probs) == 0 {
		return nil
	}
	k = min(max(k, 1), len(probs))

	ranked := make([]Ranked, len(probs))
	for i, p := range probs {
		ranked[i] = Ranked{Index: i, Probability: p}
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Probability != ranked[j].Probability {
			return ranked[i].Probability > ranked[j].Probability
		}
		return ranked[i].Index < ranked[j].Index
	})
	return ranked[:k]
}

// Ranker turns raw model output into the ordered top-k list.
type Ranker struct {
	k int
}

func NewRanker(k int) *Ranker {
	if k < 1 {
		k = DefaultTopK
	}
	return &Ranker{k: k}
}

// K returns the configured number of predictions.
func (r *Ranker) K() int {
	return r.k
}

// Rank applies softmax to scores and returns the top entries.
func (r *Ranker) Rank(scores []float32) []Ranked {
	return TopK(Softmax(scores), r.k)
}
