// Package t5 runs T5-family encoder-decoder checkpoints on the CPU with beam-search decoding.
package t5

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/spigell/career-advice/internal/ai"
	"github.com/spigell/career-advice/internal/ai/beam"
	"github.com/spigell/career-advice/internal/ai/device"
	"github.com/spigell/career-advice/internal/ai/safetensors"
	"github.com/spigell/career-advice/internal/ai/tokenizer"
)

// ErrClosed is returned by Generate after Close.
var ErrClosed = errors.New("model runtime is closed")

var _ ai.Generator = (*Runtime)(nil)

// Runtime owns a loaded model, its tokenizer and the device it runs on. Generate calls are
// serialised; waiting for the model honours the caller's context.
type Runtime struct {
	cfg    Config
	model  *model
	tok    *tokenizer.Tokenizer
	dev    device.Device
	gen    ai.GenerationConfig
	sem    *semaphore.Weighted
	closed atomic.Bool
	logger *zap.Logger
}

// Load reads config.json, tokenizer.json and the safetensors weights from dir.
func Load(dir string, dev device.Device, gen ai.GenerationConfig, logger *zap.Logger) (*Runtime, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if gen.NumBeams <= 0 || gen.MaxNewTokens <= 0 {
		return nil, fmt.Errorf("invalid generation config: %d beams, %d new tokens", gen.NumBeams, gen.MaxNewTokens)
	}

	started := time.Now()

	cfg, err := LoadConfig(filepath.Join(dir, ConfigFile))
	if err != nil {
		return nil, err
	}

	tok, err := tokenizer.Load(filepath.Join(dir, tokenizer.FileName))
	if err != nil {
		return nil, err
	}
	if tok.VocabSize() > cfg.VocabSize {
		return nil, fmt.Errorf("tokenizer has %d pieces but the model only %d embeddings", tok.VocabSize(), cfg.VocabSize)
	}

	tensors, err := safetensors.LoadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("load weights: %w", err)
	}

	m, err := newModel(cfg, tensors)
	if err != nil {
		return nil, fmt.Errorf("build model: %w", err)
	}

	logger.Info("model loaded",
		zap.String("dir", dir),
		zap.Int("layers", cfg.NumLayers),
		zap.Int("d_model", cfg.DModel),
		zap.Int("vocab", cfg.VocabSize),
		zap.Duration("took", time.Since(started)),
	)

	return &Runtime{
		cfg:    cfg,
		model:  m,
		tok:    tok,
		dev:    dev,
		gen:    gen,
		sem:    semaphore.NewWeighted(1),
		logger: logger,
	}, nil
}

// Generate encodes the prompt, runs beam search and decodes the best hypothesis.
func (r *Runtime) Generate(ctx context.Context, prompt string) (text string, err error) {
	if r.closed.Load() {
		return "", ErrClosed
	}

	if err := r.sem.Acquire(ctx, 1); err != nil {
		return "", fmt.Errorf("waiting for the model: %w", err)
	}
	defer r.sem.Release(1)

	if r.closed.Load() {
		return "", ErrClosed
	}

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("model panicked: %v", rec)
		}
	}()

	started := time.Now()
	ids := r.tok.Encode(prompt, r.gen.MaxInputTokens)
	encoded := r.model.encode(r.dev, ids)
	s := r.model.newSession(r.dev, encoded, len(ids), r.gen.NumBeams)

	res, err := beam.Search(ctx, s, beam.Options{
		Beams:         r.gen.NumBeams,
		MaxNewTokens:  r.gen.MaxNewTokens,
		NoRepeatNGram: r.gen.NoRepeatNGramSize,
		LengthPenalty: r.gen.LengthPenalty,
		EarlyStopping: r.gen.EarlyStopping,
		StartToken:    r.cfg.DecoderStartTokenID,
		EOSToken:      r.cfg.EOSTokenID,
	})
	if err != nil {
		return "", err
	}

	text = r.tok.Decode(res.Tokens)

	r.logger.Debug("generation finished",
		zap.Int("input_tokens", len(ids)),
		zap.Int("output_tokens", len(res.Tokens)),
		zap.Float64("score", res.Score),
		zap.Duration("took", time.Since(started)),
	)

	return text, nil
}

// Device returns the execution context the runtime was loaded with.
func (r *Runtime) Device() device.Device { return r.dev }

// Close releases the runtime. Calls already holding the model finish first.
func (r *Runtime) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := r.sem.Acquire(context.Background(), 1); err != nil {
		return err
	}
	r.model = nil
	r.sem.Release(1)
	return nil
}
