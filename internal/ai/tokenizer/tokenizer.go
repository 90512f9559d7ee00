// Package tokenizer implements the SentencePiece Unigram tokenizer used by T5 checkpoints,
// loaded from a Hugging Face tokenizer.json file.
package tokenizer

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"unicode/utf8"
)

const (
	// FileName is the tokenizer file expected in a model directory.
	FileName = "tokenizer.json"

	wordBoundary = "▁"
	unkPenalty   = 10.0

	eosPiece = "</s>"
	padPiece = "<pad>"
	unkPiece = "<unk>"
)

var cleanup = strings.NewReplacer(
	" .", ".",
	" ?", "?",
	" !", "!",
	" ,", ",",
	" ' ", "'",
	" n't", "n't",
	" 'm", "'m",
	" 's", "'s",
	" 've", "'ve",
	" 're", "'re",
)

// Tokenizer maps text to Unigram piece ids and back. It is read-only after Load and safe for
// concurrent use.
type Tokenizer struct {
	vocab     []string
	scores    []float64
	ids       map[string]int
	special   map[int]bool
	added     map[byte][]addedToken
	normalize normalizer
	maxPiece  int
	unkScore  float64

	unkID int
	eosID int
	padID int
}

type file struct {
	AddedTokens []struct {
		ID      int    `json:"id"`
		Content string `json:"content"`
		Special bool   `json:"special"`
	} `json:"added_tokens"`
	Normalizer *normalizerSpec `json:"normalizer"`
	Model      struct {
		Type  string       `json:"type"`
		UnkID *int         `json:"unk_id"`
		Vocab []vocabEntry `json:"vocab"`
	} `json:"model"`
}

// addedToken is matched verbatim in the input before normalization.
type addedToken struct {
	content string
	id      int
}

type vocabEntry struct {
	Piece string
	Score float64
}

func (e *vocabEntry) UnmarshalJSON(b []byte) error {
	var pair [2]json.RawMessage
	if err := json.Unmarshal(b, &pair); err != nil {
		return err
	}
	if err := json.Unmarshal(pair[0], &e.Piece); err != nil {
		return fmt.Errorf("vocab piece: %w", err)
	}
	if err := json.Unmarshal(pair[1], &e.Score); err != nil {
		return fmt.Errorf("vocab score: %w", err)
	}
	return nil
}

// Load reads a tokenizer.json file.
func Load(path string) (*Tokenizer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tokenizer: %w", err)
	}
	return FromJSON(data)
}

// FromJSON builds a tokenizer from the content of a tokenizer.json file.
func FromJSON(data []byte) (*Tokenizer, error) {
	var f file
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse tokenizer: %w", err)
	}
	if f.Model.Type != "Unigram" {
		return nil, fmt.Errorf("unsupported tokenizer model %q", f.Model.Type)
	}
	if len(f.Model.Vocab) == 0 {
		return nil, errors.New("tokenizer vocabulary is empty")
	}

	normalize, err := buildNormalizer(f.Normalizer)
	if err != nil {
		return nil, err
	}

	t := &Tokenizer{
		vocab:     make([]string, len(f.Model.Vocab)),
		scores:    make([]float64, len(f.Model.Vocab)),
		ids:       make(map[string]int, len(f.Model.Vocab)),
		special:   make(map[int]bool),
		added:     make(map[byte][]addedToken),
		normalize: normalize,
		unkID:     -1,
		eosID:     -1,
		padID:     -1,
	}

	minScore := 0.0
	for i, e := range f.Model.Vocab {
		t.vocab[i] = e.Piece
		t.scores[i] = e.Score
		if e.Score < minScore {
			minScore = e.Score
		}
	}
	t.unkScore = minScore - unkPenalty

	for _, added := range f.AddedTokens {
		if added.ID < 0 || added.ID >= len(t.vocab) {
			continue
		}
		if added.Special {
			t.special[added.ID] = true
		}
		if added.Content != "" {
			first := added.Content[0]
			t.added[first] = append(t.added[first], addedToken{content: added.Content, id: added.ID})
		}
		switch added.Content {
		case eosPiece:
			t.eosID = added.ID
		case padPiece:
			t.padID = added.ID
		case unkPiece:
			t.unkID = added.ID
		}
	}
	for _, candidates := range t.added {
		sort.SliceStable(candidates, func(i, j int) bool {
			return len(candidates[i].content) > len(candidates[j].content)
		})
	}
	if f.Model.UnkID != nil {
		t.unkID = *f.Model.UnkID
	}

	if t.eosID < 0 {
		return nil, fmt.Errorf("tokenizer has no %s token", eosPiece)
	}
	if t.unkID < 0 || t.unkID >= len(t.vocab) {
		return nil, errors.New("tokenizer has no unknown token")
	}
	t.special[t.eosID] = true
	t.special[t.unkID] = true
	if t.padID >= 0 {
		t.special[t.padID] = true
	}

	for id, piece := range t.vocab {
		if t.special[id] {
			continue
		}
		if _, dup := t.ids[piece]; dup {
			continue
		}
		t.ids[piece] = id
		if len(piece) > t.maxPiece {
			t.maxPiece = len(piece)
		}
	}

	return t, nil
}

// Encode tokenizes text and appends the end-of-sequence id. Added tokens such as </s> or
// <extra_id_0> are matched in the raw text first; the rest is normalized, split on
// whitespace and segmented word by word. When maxLen > 0 the result is truncated on the
// right to maxLen ids, keeping the end-of-sequence id last.
func (t *Tokenizer) Encode(text string, maxLen int) []int {
	var ids []int
	for _, s := range t.splitAdded(text) {
		if s.id >= 0 {
			ids = append(ids, s.id)
			continue
		}
		for _, word := range strings.Fields(t.normalize(s.text)) {
			ids = append(ids, t.segment(wordBoundary+word)...)
		}
	}

	if maxLen > 0 && len(ids) > maxLen-1 {
		ids = ids[:maxLen-1]
	}

	return append(ids, t.eosID)
}

// span is either plain text (id < 0) or one matched added token.
type span struct {
	text string
	id   int
}

// splitAdded cuts text around added tokens, taking the longest token at the leftmost
// position.
func (t *Tokenizer) splitAdded(text string) []span {
	if len(t.added) == 0 {
		return []span{{text: text, id: -1}}
	}

	var spans []span
	start := 0
	for i := 0; i < len(text); {
		token, ok := t.matchAdded(text[i:])
		if !ok {
			i++
			continue
		}
		if i > start {
			spans = append(spans, span{text: text[start:i], id: -1})
		}
		spans = append(spans, span{id: token.id})
		i += len(token.content)
		start = i
	}
	if start < len(text) {
		spans = append(spans, span{text: text[start:], id: -1})
	}

	return spans
}

func (t *Tokenizer) matchAdded(s string) (addedToken, bool) {
	for _, token := range t.added[s[0]] {
		if strings.HasPrefix(s, token.content) {
			return token, true
		}
	}
	return addedToken{}, false
}

// segment finds the highest scoring piece sequence of one word (Viterbi). Characters without
// a single-character piece fall back to the unknown id; runs of unknowns are fused.
func (t *Tokenizer) segment(word string) []int {
	type node struct {
		score float64
		start int
		id    int
		set   bool
	}

	n := len(word)
	best := make([]node, n+1)
	best[0].set = true

	for i := 0; i < n; {
		_, size := utf8.DecodeRuneInString(word[i:])
		if best[i].set {
			hasSingle := false
			for j := i + 1; j <= n && j-i <= t.maxPiece; j++ {
				if j < n && !utf8.RuneStart(word[j]) {
					continue
				}
				id, ok := t.ids[word[i:j]]
				if !ok {
					continue
				}
				if j == i+size {
					hasSingle = true
				}
				score := best[i].score + t.scores[id]
				if !best[j].set || score > best[j].score {
					best[j] = node{score: score, start: i, id: id, set: true}
				}
			}

			if !hasSingle {
				j := i + size
				score := best[i].score + t.unkScore
				if !best[j].set || score > best[j].score {
					best[j] = node{score: score, start: i, id: t.unkID, set: true}
				}
			}
		}
		i += size
	}

	var reversed []int
	for j := n; j > 0; j = best[j].start {
		reversed = append(reversed, best[j].id)
	}

	ids := make([]int, 0, len(reversed))
	for i := len(reversed) - 1; i >= 0; i-- {
		id := reversed[i]
		if id == t.unkID && len(ids) > 0 && ids[len(ids)-1] == t.unkID {
			continue
		}
		ids = append(ids, id)
	}

	return ids
}

// Decode joins the pieces of ids into text, skipping special tokens.
func (t *Tokenizer) Decode(ids []int) string {
	var b strings.Builder
	for _, id := range ids {
		if id < 0 || id >= len(t.vocab) || t.special[id] {
			continue
		}
		b.WriteString(t.vocab[id])
	}

	text := strings.ReplaceAll(b.String(), wordBoundary, " ")
	text = strings.TrimPrefix(text, " ")
	return strings.TrimSpace(cleanup.Replace(text))
}

func (t *Tokenizer) EOS() int { return t.eosID }

func (t *Tokenizer) Pad() int { return t.padID }

func (t *Tokenizer) VocabSize() int { return len(t.vocab) }

// IsSpecial reports whether id is a control token removed by Decode.
func (t *Tokenizer) IsSpecial(id int) bool { return t.special[id] }
