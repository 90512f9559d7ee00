package t5

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/spigell/career-advice/internal/ai"
	"github.com/spigell/career-advice/internal/ai/device"
	"github.com/spigell/career-advice/internal/ai/safetensors"
	"github.com/spigell/career-advice/internal/ai/tokenizer"
)

const tinyTokenizerJSON = `{
  "added_tokens": [
    {"id": 0, "content": "<pad>", "special": true},
    {"id": 1, "content": "</s>", "special": true},
    {"id": 2, "content": "<unk>", "special": true}
  ],
  "model": {
    "type": "Unigram",
    "unk_id": 2,
    "vocab": [
      ["<pad>", 0], ["</s>", 0], ["<unk>", 0],
      ["▁Country", -3], [":", -2], ["▁France", -4], ["▁Learn", -4], ["▁Go", -4],
      ["▁and", -3], ["▁build", -4], ["▁projects", -5], [".", -2], ["▁", -2],
      ["▁cloud", -5]
    ]
  }
}`

func writeCheckpoint(t *testing.T, cfg Config) string {
	t.Helper()
	dir := t.TempDir()

	rawConfig, err := json.Marshal(cfg)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFile), rawConfig, 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, tokenizer.FileName), []byte(tinyTokenizerJSON), 0o600))

	weights, err := safetensors.Encode(randomWeights(cfg, 42))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, safetensors.SingleFile), weights, 0o600))

	return dir
}

func loadTiny(t *testing.T, logger *zap.Logger) *Runtime {
	t.Helper()

	dev, err := device.Select("cpu", 2, nil)
	require.NoError(t, err)

	rt, err := Load(writeCheckpoint(t, tinyConfig()), dev, ai.DefaultGenerationConfig(), logger)
	require.NoError(t, err)
	return rt
}

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(`{
		"vocab_size": 32128, "d_model": 512, "d_kv": 64, "d_ff": 1024,
		"num_layers": 8, "num_heads": 6, "feed_forward_proj": "gated-gelu",
		"tie_word_embeddings": false
	}`))
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.NumDecoderLayers)
	assert.Equal(t, 32, cfg.RelativeAttentionNumBuckets)
	assert.Equal(t, 128, cfg.RelativeAttentionMaxDistance)
	assert.Equal(t, 1, cfg.EOSTokenID)
	assert.Equal(t, 0, cfg.DecoderStartTokenID)
	assert.False(t, cfg.TieWordEmbeddings)

	ff, err := cfg.feedForward()
	require.NoError(t, err)
	assert.True(t, ff.gated)
	assert.InDelta(t, 0.8412, ff.activation(1), 1e-3)
}

func TestParseConfigRejectsInvalidFiles(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		data    string
		message string
	}{
		{name: "not json", data: "[", message: "parse model config"},
		{name: "missing sizes", data: `{"vocab_size": 10}`, message: "d_model must be positive"},
		{
			name:    "unknown activation",
			data:    `{"vocab_size":4,"d_model":4,"d_kv":2,"d_ff":4,"num_layers":1,"num_heads":2,"feed_forward_proj":"swish"}`,
			message: "unsupported feed_forward_proj",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := ParseConfig([]byte(tt.data))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.message)
		})
	}
}

func TestRuntimeGenerate(t *testing.T) {
	core, observed := observer.New(zapcore.DebugLevel)
	rt := loadTiny(t, zap.New(core))
	t.Cleanup(func() { _ = rt.Close() })

	assert.Equal(t, 1, observed.FilterMessage("model loaded").Len())

	first, err := rt.Generate(context.Background(), "Country: France\nLearn Go.\n")
	require.NoError(t, err)
	assert.NotContains(t, first, "</s>")
	assert.NotContains(t, first, "<pad>")
	assert.Equal(t, strings.TrimSpace(first), first)

	second, err := rt.Generate(context.Background(), "Country: France\nLearn Go.\n")
	require.NoError(t, err)
	assert.Equal(t, first, second, "decoding is deterministic")

	assert.Equal(t, 2, observed.FilterMessage("generation finished").Len())
	assert.Equal(t, device.KindCPU, rt.Device().Kind())
}

func TestRuntimeGenerateTruncatesLongPrompts(t *testing.T) {
	core, observed := observer.New(zapcore.DebugLevel)
	rt := loadTiny(t, zap.New(core))
	t.Cleanup(func() { _ = rt.Close() })

	gen := ai.DefaultGenerationConfig()
	prompt := strings.Repeat("Country: France\n", gen.MaxInputTokens)

	_, err := rt.Generate(context.Background(), prompt)
	require.NoError(t, err)

	entries := observed.FilterMessage("generation finished").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, int64(gen.MaxInputTokens), fields["input_tokens"])
	assert.LessOrEqual(t, fields["output_tokens"], int64(gen.MaxNewTokens))
}

func TestRuntimeGenerateHonoursContext(t *testing.T) {
	rt := loadTiny(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := rt.Generate(ctx, "Country: France")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	// the runtime stays usable
	_, err = rt.Generate(context.Background(), "Country: France")
	assert.NoError(t, err)
}

func TestRuntimeClose(t *testing.T) {
	rt := loadTiny(t, nil)

	require.NoError(t, rt.Close())
	require.NoError(t, rt.Close())

	_, err := rt.Generate(context.Background(), "Country: France")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestLoadFailures(t *testing.T) {
	dev, err := device.Select("cpu", 1, nil)
	require.NoError(t, err)
	gen := ai.DefaultGenerationConfig()

	t.Run("empty directory", func(t *testing.T) {
		_, err := Load(t.TempDir(), dev, gen, nil)
		assert.Error(t, err)
	})

	t.Run("tokenizer larger than the embedding table", func(t *testing.T) {
		cfg := tinyConfig()
		cfg.VocabSize = 8
		_, err := Load(writeCheckpoint(t, cfg), dev, gen, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "embeddings")
	})

	t.Run("missing weights", func(t *testing.T) {
		dir := writeCheckpoint(t, tinyConfig())
		require.NoError(t, os.Remove(filepath.Join(dir, safetensors.SingleFile)))
		_, err := Load(dir, dev, gen, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "load weights")
	})

	t.Run("invalid generation config", func(t *testing.T) {
		_, err := Load(writeCheckpoint(t, tinyConfig()), dev, ai.GenerationConfig{}, nil)
		assert.Error(t, err)
	})
}
