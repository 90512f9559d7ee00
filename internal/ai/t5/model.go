package t5

import (
	"fmt"
	"math"

	"github.com/spigell/career-advice/internal/ai/device"
	"github.com/spigell/career-advice/internal/ai/safetensors"
)

type attention struct {
	q, k, v, o dense
}

type denseBlock struct {
	wi, wi0, wi1, wo dense
}

type encoderBlock struct {
	selfNorm []float32
	self     attention
	ffNorm   []float32
	ff       denseBlock
}

type decoderBlock struct {
	selfNorm  []float32
	self      attention
	crossNorm []float32
	cross     attention
	ffNorm    []float32
	ff        denseBlock
}

// model holds the float32 weights of a T5 encoder-decoder. It is read-only after newModel.
type model struct {
	cfg Config
	ff  feedForward

	embed     dense
	head      dense
	headScale float32

	encoder     []encoderBlock
	decoder     []decoderBlock
	encoderNorm []float32
	decoderNorm []float32

	// relative position bias tables of shape [buckets, heads], owned by the first block
	encoderBias []float32
	decoderBias []float32
}

type weightLoader struct {
	tensors map[string]*safetensors.Tensor
	err     error
}

func (l *weightLoader) has(name string) bool {
	_, ok := l.tensors[name]
	return ok
}

func (l *weightLoader) tensor(name string, shape ...int) []float32 {
	if l.err != nil {
		return nil
	}

	t, ok := l.tensors[name]
	if !ok {
		l.err = fmt.Errorf("missing weight %s", name)
		return nil
	}
	if !sameShape(t.Shape, shape) {
		l.err = fmt.Errorf("weight %s has shape %v, expected %v", name, t.Shape, shape)
		return nil
	}

	return t.Data
}

func (l *weightLoader) dense(name string, out, in int) dense {
	return dense{out: out, in: in, data: l.tensor(name, out, in)}
}

func (l *weightLoader) attention(prefix string, c Config) attention {
	inner := c.innerDim()
	return attention{
		q: l.dense(prefix+".q.weight", inner, c.DModel),
		k: l.dense(prefix+".k.weight", inner, c.DModel),
		v: l.dense(prefix+".v.weight", inner, c.DModel),
		o: l.dense(prefix+".o.weight", c.DModel, inner),
	}
}

func (l *weightLoader) denseBlock(prefix string, c Config, ff feedForward) denseBlock {
	block := denseBlock{wo: l.dense(prefix+".wo.weight", c.DModel, c.DFF)}
	if ff.gated {
		block.wi0 = l.dense(prefix+".wi_0.weight", c.DFF, c.DModel)
		block.wi1 = l.dense(prefix+".wi_1.weight", c.DFF, c.DModel)
	} else {
		block.wi = l.dense(prefix+".wi.weight", c.DFF, c.DModel)
	}
	return block
}

func sameShape(a, b []int) bool {
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

func newModel(cfg Config, tensors map[string]*safetensors.Tensor) (*model, error) {
	ff, err := cfg.feedForward()
	if err != nil {
		return nil, err
	}

	l := &weightLoader{tensors: tensors}
	m := &model{cfg: cfg, ff: ff}

	embedName := "shared.weight"
	if !l.has(embedName) {
		embedName = "encoder.embed_tokens.weight"
	}
	m.embed = l.dense(embedName, cfg.VocabSize, cfg.DModel)

	if cfg.TieWordEmbeddings {
		m.head = m.embed
		m.headScale = float32(1 / math.Sqrt(float64(cfg.DModel)))
	} else {
		m.head = l.dense("lm_head.weight", cfg.VocabSize, cfg.DModel)
		m.headScale = 1
	}

	m.encoderBias = l.tensor("encoder.block.0.layer.0.SelfAttention.relative_attention_bias.weight",
		cfg.RelativeAttentionNumBuckets, cfg.NumHeads)
	m.decoderBias = l.tensor("decoder.block.0.layer.0.SelfAttention.relative_attention_bias.weight",
		cfg.RelativeAttentionNumBuckets, cfg.NumHeads)

	m.encoder = make([]encoderBlock, cfg.NumLayers)
	for i := range m.encoder {
		p := fmt.Sprintf("encoder.block.%d.layer", i)
		m.encoder[i] = encoderBlock{
			selfNorm: l.tensor(p+".0.layer_norm.weight", cfg.DModel),
			self:     l.attention(p+".0.SelfAttention", cfg),
			ffNorm:   l.tensor(p+".1.layer_norm.weight", cfg.DModel),
			ff:       l.denseBlock(p+".1.DenseReluDense", cfg, ff),
		}
	}

	m.decoder = make([]decoderBlock, cfg.NumDecoderLayers)
	for i := range m.decoder {
		p := fmt.Sprintf("decoder.block.%d.layer", i)
		m.decoder[i] = decoderBlock{
			selfNorm:  l.tensor(p+".0.layer_norm.weight", cfg.DModel),
			self:      l.attention(p+".0.SelfAttention", cfg),
			crossNorm: l.tensor(p+".1.layer_norm.weight", cfg.DModel),
			cross:     l.attention(p+".1.EncDecAttention", cfg),
			ffNorm:    l.tensor(p+".2.layer_norm.weight", cfg.DModel),
			ff:        l.denseBlock(p+".2.DenseReluDense", cfg, ff),
		}
	}

	m.encoderNorm = l.tensor("encoder.final_layer_norm.weight", cfg.DModel)
	m.decoderNorm = l.tensor("decoder.final_layer_norm.weight", cfg.DModel)

	if l.err != nil {
		return nil, l.err
	}

	return m, nil
}

// lookup returns the embedding rows of ids.
func (m *model) lookup(ids []int) []float32 {
	d := m.cfg.DModel
	out := make([]float32, len(ids)*d)
	for i, id := range ids {
		copy(out[i*d:(i+1)*d], m.embed.data[id*d:(id+1)*d])
	}
	return out
}

// positionBias expands a bias table into [heads, qLen, kLen] for queries starting at qOffset.
func (m *model) positionBias(table []float32, qLen, kLen, qOffset int, bidirectional bool) []float32 {
	heads := m.cfg.NumHeads
	out := make([]float32, heads*qLen*kLen)
	for i := 0; i < qLen; i++ {
		for j := 0; j < kLen; j++ {
			bucket := relativeBucket(j-(i+qOffset), bidirectional,
				m.cfg.RelativeAttentionNumBuckets, m.cfg.RelativeAttentionMaxDistance)
			for h := 0; h < heads; h++ {
				out[(h*qLen+i)*kLen+j] = table[bucket*heads+h]
			}
		}
	}
	return out
}

func (m *model) feedForward(block denseBlock, x []float32, rows int) []float32 {
	var hidden []float32
	if m.ff.gated {
		hidden = block.wi0.apply(x, rows)
		linear := block.wi1.apply(x, rows)
		for i, v := range hidden {
			hidden[i] = m.ff.activation(v) * linear[i]
		}
	} else {
		hidden = block.wi.apply(x, rows)
		for i, v := range hidden {
			hidden[i] = m.ff.activation(v)
		}
	}
	return block.wo.apply(hidden, rows)
}

// encode runs the encoder stack over one sequence and returns its hidden states [n, d_model].
func (m *model) encode(dev device.Device, ids []int) []float32 {
	n := len(ids)
	inner := m.cfg.innerDim()
	dkv := m.cfg.DKV
	eps := m.cfg.LayerNormEpsilon

	x := m.lookup(ids)
	bias := m.positionBias(m.encoderBias, n, n, 0, true)

	for _, block := range m.encoder {
		h := rmsNorm(x, n, block.selfNorm, eps)
		q := block.self.q.apply(h, n)
		k := block.self.k.apply(h, n)
		v := block.self.v.apply(h, n)

		ctx := make([]float32, n*inner)
		dev.ParallelFor(m.cfg.NumHeads, func(head int) {
			off := head * dkv
			for i := 0; i < n; i++ {
				row := (head*n + i) * n
				attendRow(q[i*inner+off:i*inner+off+dkv], k, v, n, inner, off, bias[row:row+n], ctx[i*inner+off:])
			}
		})
		addInPlace(x, block.self.o.apply(ctx, n))

		h = rmsNorm(x, n, block.ffNorm, eps)
		addInPlace(x, m.feedForward(block.ff, h, n))
	}

	return rmsNorm(x, n, m.encoderNorm, eps)
}

// logits projects decoder hidden states to vocabulary scores.
func (m *model) logits(x []float32, rows int) []float32 {
	if m.headScale != 1 {
		scaled := make([]float32, len(x))
		for i, v := range x {
			scaled[i] = v * m.headScale
		}
		x = scaled
	}
	return m.head.apply(x, rows)
}
