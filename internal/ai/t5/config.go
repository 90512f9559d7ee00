package t5

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
)

// ConfigFile is the model configuration file expected in a model directory.
const ConfigFile = "config.json"

// Config mirrors the fields of a Hugging Face T5 config.json that the forward pass needs.
type Config struct {
	VocabSize                    int     `json:"vocab_size"`
	DModel                       int     `json:"d_model"`
	DKV                          int     `json:"d_kv"`
	DFF                          int     `json:"d_ff"`
	NumLayers                    int     `json:"num_layers"`
	NumDecoderLayers             int     `json:"num_decoder_layers"`
	NumHeads                     int     `json:"num_heads"`
	RelativeAttentionNumBuckets  int     `json:"relative_attention_num_buckets"`
	RelativeAttentionMaxDistance int     `json:"relative_attention_max_distance"`
	FeedForwardProj              string  `json:"feed_forward_proj"`
	LayerNormEpsilon             float64 `json:"layer_norm_epsilon"`
	TieWordEmbeddings            bool    `json:"tie_word_embeddings"`
	DecoderStartTokenID          int     `json:"decoder_start_token_id"`
	EOSTokenID                   int     `json:"eos_token_id"`
	PadTokenID                   int     `json:"pad_token_id"`
}

func defaultConfig() Config {
	return Config{
		RelativeAttentionNumBuckets:  32,
		RelativeAttentionMaxDistance: 128,
		FeedForwardProj:              "relu",
		LayerNormEpsilon:             1e-6,
		TieWordEmbeddings:            true,
		DecoderStartTokenID:          0,
		EOSTokenID:                   1,
		PadTokenID:                   0,
	}
}

// LoadConfig reads config.json, filling the defaults of fields the file omits.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read model config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes config.json content.
func ParseConfig(data []byte) (Config, error) {
	cfg := defaultConfig()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse model config: %w", err)
	}
	if cfg.NumDecoderLayers == 0 {
		cfg.NumDecoderLayers = cfg.NumLayers
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	var errs []error
	for _, field := range []struct {
		key   string
		value int
	}{
		{"vocab_size", c.VocabSize},
		{"d_model", c.DModel},
		{"d_kv", c.DKV},
		{"d_ff", c.DFF},
		{"num_layers", c.NumLayers},
		{"num_decoder_layers", c.NumDecoderLayers},
		{"num_heads", c.NumHeads},
	} {
		if field.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", field.key, field.value))
		}
	}
	if c.RelativeAttentionNumBuckets < 4 {
		errs = append(errs, fmt.Errorf("relative_attention_num_buckets must be at least 4, got %d", c.RelativeAttentionNumBuckets))
	}
	if c.RelativeAttentionMaxDistance <= c.RelativeAttentionNumBuckets/2 {
		errs = append(errs, fmt.Errorf("relative_attention_max_distance %d is too small", c.RelativeAttentionMaxDistance))
	}
	if _, err := c.feedForward(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// feedForward describes the dense block selected by feed_forward_proj.
type feedForward struct {
	gated      bool
	activation activation
}

func (c Config) feedForward() (feedForward, error) {
	proj := strings.ToLower(strings.TrimSpace(c.FeedForwardProj))
	gated := strings.HasPrefix(proj, "gated-")
	name := strings.TrimPrefix(proj, "gated-")

	// gated-gelu checkpoints use the tanh approximation
	if gated && name == "gelu" {
		name = "gelu_new"
	}

	act, ok := activations[name]
	if !ok {
		return feedForward{}, fmt.Errorf("unsupported feed_forward_proj %q", c.FeedForwardProj)
	}
	return feedForward{gated: gated, activation: act}, nil
}

func (c Config) innerDim() int { return c.NumHeads * c.DKV }
