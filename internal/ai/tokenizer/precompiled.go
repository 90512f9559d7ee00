package tokenizer

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/rivo/uniseg"
)

// charsmap is a SentencePiece precompiled normalization map: a darts-clone double array
// trie over UTF-8 byte sequences whose leaves point into a blob of NUL-terminated
// replacement strings.
type charsmap struct {
	units      []uint32
	normalized []byte
}

func parseCharsmap(data []byte) (*charsmap, error) {
	if len(data) < 4 {
		return nil, errors.New("precompiled charsmap is truncated")
	}

	size := int(binary.LittleEndian.Uint32(data))
	if size%4 != 0 || size > len(data)-4 {
		return nil, fmt.Errorf("precompiled charsmap declares a %d byte trie in %d bytes", size, len(data))
	}

	units := make([]uint32, size/4)
	for i := range units {
		units[i] = binary.LittleEndian.Uint32(data[4+4*i:])
	}

	return &charsmap{units: units, normalized: data[4+size:]}, nil
}

func unitHasLeaf(unit uint32) bool { return (unit>>8)&1 == 1 }

func unitValue(unit uint32) uint32 { return unit & (1<<31 - 1) }

func unitLabel(unit uint32) uint32 { return unit & (1<<31 | 0xFF) }

func unitOffset(unit uint32) uint32 { return (unit >> 10) << ((unit & (1 << 9)) >> 6) }

// transform returns the replacement of the shortest key that prefixes chunk.
func (m *charsmap) transform(chunk string) (string, bool) {
	if len(m.units) == 0 {
		return "", false
	}

	pos := int(unitOffset(m.units[0]))
	for i := 0; i < len(chunk); i++ {
		c := chunk[i]
		if c == 0 {
			break
		}

		pos ^= int(c)
		if pos >= len(m.units) {
			return "", false
		}
		unit := m.units[pos]
		if unitLabel(unit) != uint32(c) {
			return "", false
		}

		pos ^= int(unitOffset(unit))
		if pos >= len(m.units) {
			return "", false
		}
		if !unitHasLeaf(unit) {
			continue
		}

		start := int(unitValue(m.units[pos]))
		if start >= len(m.normalized) {
			return "", false
		}
		end := bytes.IndexByte(m.normalized[start:], 0)
		if end < 0 {
			end = len(m.normalized) - start
		}
		return string(m.normalized[start : start+end]), true
	}

	return "", false
}

// normalize maps short grapheme clusters as a whole and everything else rune by rune.
func (m *charsmap) normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	g := uniseg.NewGraphemes(s)
	for g.Next() {
		grapheme := g.Str()
		if len(grapheme) < 6 {
			if replacement, ok := m.transform(grapheme); ok {
				b.WriteString(replacement)
				continue
			}
		}

		for i := 0; i < len(grapheme); {
			_, size := utf8.DecodeRuneInString(grapheme[i:])
			part := grapheme[i : i+size]
			if replacement, ok := m.transform(part); ok {
				b.WriteString(replacement)
			} else {
				b.WriteString(part)
			}
			i += size
		}
	}

	return b.String()
}
