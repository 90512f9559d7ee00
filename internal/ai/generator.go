package ai

import (
	"context"
)

// Generator turns a prompt into generated text.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// GenerationConfig holds the decoding parameters shared by every request.
type GenerationConfig struct {
	MaxInputTokens    int
	MaxNewTokens      int
	NumBeams          int
	NoRepeatNGramSize int
	EarlyStopping     bool
	LengthPenalty     float64
}

// DefaultGenerationConfig returns the fixed decoding parameters of the advice model.
func DefaultGenerationConfig() GenerationConfig {
	return GenerationConfig{
		MaxInputTokens:    256,
		MaxNewTokens:      180,
		NumBeams:          4,
		NoRepeatNGramSize: 3,
		EarlyStopping:     true,
		LengthPenalty:     0.9,
	}
}
