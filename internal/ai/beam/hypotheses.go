package beam

import (
	"math"
	"sort"
)

type hypothesis struct {
	tokens []int
	score  float64
}

// hypotheses keeps the n best finished sequences ordered by length-normalised score.
type hypotheses struct {
	n             int
	lengthPenalty float64
	earlyStopping bool
	items         []hypothesis
}

func newHypotheses(n int, lengthPenalty float64, earlyStopping bool) *hypotheses {
	return &hypotheses{n: n, lengthPenalty: lengthPenalty, earlyStopping: earlyStopping}
}

// normalise divides the summed log-probability by length^penalty. Penalties below 1 favour
// shorter sequences.
func (h *hypotheses) normalise(sumLogProbs float64, length int) float64 {
	if length <= 0 {
		length = 1
	}
	return sumLogProbs / math.Pow(float64(length), h.lengthPenalty)
}

func (h *hypotheses) add(tokens []int, sumLogProbs float64, length int) {
	score := h.normalise(sumLogProbs, length)
	if len(h.items) >= h.n && !(score > h.worst()) {
		return
	}

	h.items = append(h.items, hypothesis{tokens: tokens, score: score})
	sort.SliceStable(h.items, func(i, j int) bool {
		return h.items[i].score > h.items[j].score
	})
	if len(h.items) > h.n {
		h.items = h.items[:h.n]
	}
}

func (h *hypotheses) worst() float64 {
	if len(h.items) == 0 {
		return math.Inf(1)
	}
	return h.items[len(h.items)-1].score
}

// done reports whether no open beam can still enter the kept set. With early stopping the
// search ends as soon as n hypotheses are finished.
func (h *hypotheses) done(bestOpenSum float64, length int) bool {
	if len(h.items) < h.n {
		return false
	}
	if h.earlyStopping {
		return true
	}
	return h.worst() >= h.normalise(bestOpenSum, length)
}

func (h *hypotheses) best() (hypothesis, bool) {
	if len(h.items) == 0 {
		return hypothesis{}, false
	}
	return h.items[0], true
}
