// Package advice turns career profiles into generated advice.
package advice

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/spigell/career-advice/internal/ai"
	"github.com/spigell/career-advice/internal/metrics"
	"github.com/spigell/career-advice/internal/tracing"
	"github.com/spigell/career-advice/internal/utils"
)

// Result is the response of a successful request.
type Result struct {
	Advice string `json:"advice"`
}

// Service validates a profile, builds its prompt and asks the generator for advice.
type Service struct {
	generator    ai.Generator
	timeout      time.Duration
	maxLogLength int
	logger       *zap.Logger
}

// NewService creates the advice pipeline. timeout bounds every generation; zero disables it.
func NewService(generator ai.Generator, timeout time.Duration, maxLogLength int, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		generator:    generator,
		timeout:      timeout,
		maxLogLength: maxLogLength,
		logger:       logger,
	}
}

// Handle runs the whole pipeline for one decoded request payload. It returns a
// *ValidationError for bad input and an *InferenceError when generation fails.
func (s *Service) Handle(ctx context.Context, payload any) (*Result, error) {
	ctx, span := tracing.Tracer().Start(ctx, "advice.handle")
	defer span.End()

	profile, err := ValidateProfile(payload)
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			metrics.ValidationFailures.WithLabelValues(verr.Field).Inc()
			span.SetAttributes(attribute.String("validation.field", verr.Field))
		}
		metrics.AdviceRequests.WithLabelValues(metrics.OutcomeInvalid).Inc()
		span.SetStatus(codes.Error, "invalid profile")
		s.logger.Debug("profile rejected", zap.Error(err))
		return nil, err
	}

	return s.Advise(ctx, profile)
}

// Advise generates advice for an already validated profile.
func (s *Service) Advise(ctx context.Context, profile Profile) (*Result, error) {
	ctx, span := tracing.Tracer().Start(ctx, "advice.generate")
	defer span.End()

	prompt := BuildPrompt(profile)
	span.SetAttributes(
		attribute.String("profile.country", profile.Country),
		attribute.Bool("profile.skills", profile.Skills != ""),
		attribute.Int("prompt.length", utf8.RuneCountInString(prompt)),
	)

	s.logger.Debug("generating advice",
		zap.Int("prompt_length", utf8.RuneCountInString(prompt)),
		zap.String("prompt_preview", utils.TruncateForLog(prompt, s.maxLogLength)),
	)

	text, err := s.generate(ctx, prompt)
	if err != nil {
		metrics.AdviceRequests.WithLabelValues(metrics.OutcomeInference).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "generation failed")
		s.logger.Error("advice generation failed", zap.Error(err))
		return nil, &InferenceError{Cause: err}
	}

	s.logger.Debug("advice generated",
		zap.Int("advice_length", utf8.RuneCountInString(text)),
		zap.String("advice_preview", utils.TruncateForLog(text, s.maxLogLength)),
	)

	metrics.AdviceRequests.WithLabelValues(metrics.OutcomeSuccess).Inc()
	return &Result{Advice: text}, nil
}

func (s *Service) generate(ctx context.Context, prompt string) (string, error) {
	if s.generator == nil {
		return "", errors.New("no generator configured")
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	metrics.GenerationsInFlight.Inc()
	defer metrics.GenerationsInFlight.Dec()

	started := time.Now()
	text, err := s.generator.Generate(ctx, prompt)
	metrics.GenerationDuration.Observe(time.Since(started).Seconds())
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", fmt.Errorf("generation exceeded %s: %w", s.timeout, err)
		}
		return "", err
	}

	if strings.TrimSpace(text) == "" {
		return "", errors.New("model returned empty output")
	}

	return text, nil
}
