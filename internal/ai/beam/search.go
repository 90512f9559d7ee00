// Package beam implements constrained beam search over an incremental decoder.
package beam

import (
	"context"
	"errors"
	"fmt"
	"math"
)

// initialBeamScore keeps the duplicated start hypotheses out of the first selection
// without producing NaN in sums.
const initialBeamScore = -1e9

// Session is an incremental decoder state holding one hypothesis per beam.
type Session interface {
	// Step appends tokens[i] to hypothesis i and returns the next-token logits of every hypothesis.
	Step(ctx context.Context, tokens []int) ([][]float32, error)
	// Reorder makes hypothesis i continue from the state of the previous hypothesis parents[i].
	Reorder(parents []int)
}

// Options configures a single search.
type Options struct {
	Beams         int
	MaxNewTokens  int
	NoRepeatNGram int
	LengthPenalty float64
	EarlyStopping bool
	StartToken    int
	EOSToken      int
}

// Result is the best finished hypothesis. Tokens excludes the start token and keeps EOS when
// the hypothesis finished on it.
type Result struct {
	Tokens []int
	Score  float64
}

type candidate struct {
	beam  int
	token int
	score float64
}

// Search runs beam search until enough hypotheses finish or MaxNewTokens tokens are generated.
// The context is checked before every decoder step.
func Search(ctx context.Context, s Session, opts Options) (*Result, error) {
	if s == nil {
		return nil, errors.New("decoder session is required")
	}
	if opts.Beams <= 0 {
		return nil, fmt.Errorf("beam count must be positive, got %d", opts.Beams)
	}
	if opts.MaxNewTokens <= 0 {
		return nil, fmt.Errorf("max new tokens must be positive, got %d", opts.MaxNewTokens)
	}

	seqs := make([][]int, opts.Beams)
	scores := make([]float64, opts.Beams)
	tokens := make([]int, opts.Beams)
	for i := range seqs {
		seqs[i] = []int{opts.StartToken}
		tokens[i] = opts.StartToken
		if i > 0 {
			scores[i] = initialBeamScore
		}
	}

	finished := newHypotheses(opts.Beams, opts.LengthPenalty, opts.EarlyStopping)

	for step := 0; step < opts.MaxNewTokens; step++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		logits, err := s.Step(ctx, tokens)
		if err != nil {
			return nil, fmt.Errorf("decoder step %d: %w", step, err)
		}
		if len(logits) != len(seqs) {
			return nil, fmt.Errorf("decoder returned %d rows for %d beams", len(logits), len(seqs))
		}

		cands := topCandidates(logits, seqs, scores, opts.NoRepeatNGram, 2*opts.Beams)

		nextSeqs := make([][]int, 0, opts.Beams)
		nextScores := make([]float64, 0, opts.Beams)
		parents := make([]int, 0, opts.Beams)
		for rank, c := range cands {
			if c.token == opts.EOSToken {
				if rank >= opts.Beams {
					continue
				}
				hyp := appendToken(seqs[c.beam], c.token)
				finished.add(hyp[1:], c.score, len(hyp)-1)
				continue
			}

			nextSeqs = append(nextSeqs, appendToken(seqs[c.beam], c.token))
			nextScores = append(nextScores, c.score)
			parents = append(parents, c.beam)
			if len(nextSeqs) == opts.Beams {
				break
			}
		}

		if len(nextSeqs) < opts.Beams {
			return nil, fmt.Errorf("only %d continuation candidates for %d beams", len(nextSeqs), opts.Beams)
		}

		seqs, scores = nextSeqs, nextScores
		if finished.done(scores[0], step+1) || step == opts.MaxNewTokens-1 {
			break
		}

		s.Reorder(parents)
		for i, seq := range seqs {
			tokens[i] = seq[len(seq)-1]
		}
	}

	if !finished.done(scores[0], len(seqs[0])-1) {
		for i, seq := range seqs {
			finished.add(seq[1:], scores[i], len(seq)-1)
		}
	}

	best, ok := finished.best()
	if !ok {
		return nil, errors.New("beam search produced no hypothesis")
	}

	return &Result{Tokens: best.tokens, Score: best.score}, nil
}

// topCandidates returns the k best (beam, token) continuations by cumulative log-probability,
// applying the no-repeat n-gram ban of every beam.
func topCandidates(logits [][]float32, seqs [][]int, scores []float64, ngram, k int) []candidate {
	top := make([]candidate, 0, k+1)
	for b, row := range logits {
		logProbs := logSoftmax(row)
		for _, t := range BannedTokens(seqs[b], ngram) {
			if t >= 0 && t < len(logProbs) {
				logProbs[t] = math.Inf(-1)
			}
		}

		for t, lp := range logProbs {
			score := scores[b] + lp
			if len(top) == k && !(score > top[k-1].score) {
				continue
			}

			// insertion keeps earlier (beam, token) pairs ahead on ties
			i := len(top)
			top = append(top, candidate{})
			for i > 0 && top[i-1].score < score {
				top[i] = top[i-1]
				i--
			}
			top[i] = candidate{beam: b, token: t, score: score}
			if len(top) > k {
				top = top[:k]
			}
		}
	}

	return top
}

// BannedTokens lists the tokens that would complete an n-gram already present in seq.
func BannedTokens(seq []int, n int) []int {
	if n <= 0 || len(seq)+1 < n {
		return nil
	}

	prefix := seq[len(seq)-(n-1):]
	var banned []int
	for i := 0; i+n <= len(seq); i++ {
		if equalTokens(seq[i:i+n-1], prefix) {
			banned = append(banned, seq[i+n-1])
		}
	}

	return banned
}

func equalTokens(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func appendToken(seq []int, token int) []int {
	out := make([]int, len(seq), len(seq)+1)
	copy(out, seq)
	return append(out, token)
}

func logSoftmax(row []float32) []float64 {
	out := make([]float64, len(row))
	if len(row) == 0 {
		return out
	}

	maxLogit := math.Inf(-1)
	for _, v := range row {
		if f := float64(v); f > maxLogit {
			maxLogit = f
		}
	}

	var sum float64
	for _, v := range row {
		sum += math.Exp(float64(v) - maxLogit)
	}
	logSum := math.Log(sum)

	for i, v := range row {
		out[i] = float64(v) - maxLogit - logSum
	}

	return out
}
