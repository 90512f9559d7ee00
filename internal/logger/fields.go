package logger

import (
	"strings"

	"go.uber.org/zap"
)

const (
	// FieldModel is the structured log field key for the model directory or name.
	FieldModel = "model"
	// FieldDevice is the structured log field key for the execution device.
	FieldDevice = "device"
	// FieldRequestID is the structured log field key for the HTTP request id.
	FieldRequestID = "request_id"
)

// StringField describes a string-valued structured logging field.
type StringField struct {
	Key   string
	Value string
}

// StringFields converts the provided key/value pairs into zap fields, trimming
// whitespace and omitting entries with empty keys or values.
func StringFields(fields ...StringField) []zap.Field {
	result := make([]zap.Field, 0, len(fields))
	for _, field := range fields {
		key := strings.TrimSpace(field.Key)
		if key == "" {
			continue
		}

		value := strings.TrimSpace(field.Value)
		if value == "" {
			continue
		}

		result = append(result, zap.String(key, value))
	}

	return result
}

// WithFields attaches the provided fields to the logger, defaulting to a no-op
// logger when nil.
func WithFields(logger *zap.Logger, fields ...zap.Field) *zap.Logger {
	if logger == nil {
		logger = zap.NewNop()
	}

	if len(fields) == 0 {
		return logger
	}

	return logger.With(fields...)
}

// CommonFields returns the fields describing the model and the device it runs on.
func CommonFields(model, device string) []zap.Field {
	return StringFields(
		StringField{Key: FieldModel, Value: model},
		StringField{Key: FieldDevice, Value: device},
	)
}

// WithCommonFields attaches the model and device fields to the logger.
func WithCommonFields(logger *zap.Logger, model, device string) *zap.Logger {
	return WithFields(logger, CommonFields(model, device)...)
}

// RequestFields returns the fields identifying one HTTP request.
func RequestFields(requestID string) []zap.Field {
	return StringFields(StringField{Key: FieldRequestID, Value: requestID})
}
