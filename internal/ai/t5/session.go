package t5

import (
	"context"
	"fmt"

	"github.com/spigell/career-advice/internal/ai/device"
)

type layerCache struct {
	keys   []float32
	values []float32
}

func (c *layerCache) clone() *layerCache {
	return &layerCache{
		keys:   append([]float32(nil), c.keys...),
		values: append([]float32(nil), c.values...),
	}
}

// session is the incremental decoder state of one generation. It implements beam.Session.
type session struct {
	m   *model
	dev device.Device

	encLen      int
	crossKeys   [][]float32
	crossValues [][]float32

	// caches[beam][layer]
	caches [][]*layerCache
	length int
}

func (m *model) newSession(dev device.Device, encoded []float32, encLen, beams int) *session {
	s := &session{
		m:           m,
		dev:         dev,
		encLen:      encLen,
		crossKeys:   make([][]float32, len(m.decoder)),
		crossValues: make([][]float32, len(m.decoder)),
		caches:      make([][]*layerCache, beams),
	}

	for l, block := range m.decoder {
		s.crossKeys[l] = block.cross.k.apply(encoded, encLen)
		s.crossValues[l] = block.cross.v.apply(encoded, encLen)
	}

	for b := range s.caches {
		s.caches[b] = make([]*layerCache, len(m.decoder))
		for l := range s.caches[b] {
			s.caches[b][l] = &layerCache{}
		}
	}

	return s
}

func (s *session) Step(ctx context.Context, tokens []int) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(tokens) != len(s.caches) {
		return nil, fmt.Errorf("got %d tokens for %d beams", len(tokens), len(s.caches))
	}
	for _, t := range tokens {
		if t < 0 || t >= s.m.cfg.VocabSize {
			return nil, fmt.Errorf("token %d outside vocabulary", t)
		}
	}

	m := s.m
	rows := len(tokens)
	heads := m.cfg.NumHeads
	inner := m.cfg.innerDim()
	dkv := m.cfg.DKV
	eps := m.cfg.LayerNormEpsilon
	kLen := s.length + 1

	x := m.lookup(tokens)
	bias := m.positionBias(m.decoderBias, 1, kLen, s.length, false)

	for l, block := range m.decoder {
		h := rmsNorm(x, rows, block.selfNorm, eps)
		q := block.self.q.apply(h, rows)
		k := block.self.k.apply(h, rows)
		v := block.self.v.apply(h, rows)
		for b := 0; b < rows; b++ {
			c := s.caches[b][l]
			c.keys = append(c.keys, k[b*inner:(b+1)*inner]...)
			c.values = append(c.values, v[b*inner:(b+1)*inner]...)
		}

		attn := make([]float32, rows*inner)
		s.dev.ParallelFor(rows*heads, func(i int) {
			b, head := i/heads, i%heads
			off := head * dkv
			c := s.caches[b][l]
			attendRow(q[b*inner+off:b*inner+off+dkv], c.keys, c.values, kLen, inner, off,
				bias[head*kLen:(head+1)*kLen], attn[b*inner+off:])
		})
		addInPlace(x, block.self.o.apply(attn, rows))

		h = rmsNorm(x, rows, block.crossNorm, eps)
		q = block.cross.q.apply(h, rows)
		attn = make([]float32, rows*inner)
		s.dev.ParallelFor(rows*heads, func(i int) {
			b, head := i/heads, i%heads
			off := head * dkv
			attendRow(q[b*inner+off:b*inner+off+dkv], s.crossKeys[l], s.crossValues[l], s.encLen, inner, off,
				nil, attn[b*inner+off:])
		})
		addInPlace(x, block.cross.o.apply(attn, rows))

		h = rmsNorm(x, rows, block.ffNorm, eps)
		addInPlace(x, m.feedForward(block.ff, h, rows))
	}

	x = rmsNorm(x, rows, m.decoderNorm, eps)
	logits := m.logits(x, rows)
	s.length++

	vocab := m.cfg.VocabSize
	out := make([][]float32, rows)
	for b := range out {
		out[b] = logits[b*vocab : (b+1)*vocab]
	}

	return out, nil
}

// Reorder moves the caches to the surviving beams. The first child of a parent takes its
// cache over; further children get copies.
func (s *session) Reorder(parents []int) {
	taken := make([]bool, len(s.caches))
	next := make([][]*layerCache, len(parents))
	for i, p := range parents {
		if !taken[p] {
			taken[p] = true
			next[i] = s.caches[p]
			continue
		}

		next[i] = make([]*layerCache, len(s.caches[p]))
		for l, c := range s.caches[p] {
			next[i][l] = c.clone()
		}
	}
	s.caches = next
}
