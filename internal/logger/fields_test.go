package logger

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestStringFields(t *testing.T) {
	fields := StringFields(
		StringField{Key: "  model  ", Value: "  ./career_model  "},
		StringField{Key: "ignored", Value: "   "},
		StringField{Key: "   ", Value: "empty key"},
	)

	if len(fields) != 1 {
		t.Fatalf("expected 1 field, got %d", len(fields))
	}

	if fields[0].Key != "model" || fields[0].String != "./career_model" {
		t.Fatalf("unexpected model field: %+v", fields[0])
	}

	empty := StringFields()
	if len(empty) != 0 {
		t.Fatalf("expected empty fields, got %d", len(empty))
	}
}

func TestWithFields(t *testing.T) {
	core, observed := observer.New(zapcore.InfoLevel)
	logger := zap.New(core)

	enriched := WithFields(logger, zap.String("foo", "bar"))
	enriched.Info("test log")

	entries := observed.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}

	ctx := entries[0].ContextMap()
	if ctx["foo"] != "bar" {
		t.Fatalf("expected field to be bar, got %q", ctx["foo"])
	}

	enriched = WithFields(nil, zap.String("baz", "qux"))
	if enriched == nil {
		t.Fatalf("expected fallback logger when nil provided")
	}

	// Ensure logging with the fallback logger does not panic.
	enriched.Info("another log")
}

func TestWithCommonFields(t *testing.T) {
	core, observed := observer.New(zapcore.InfoLevel)
	logger := zap.New(core)

	enriched := WithCommonFields(logger, "./career_model", "cpu(threads=4)")
	enriched.Info("test log")

	entries := observed.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}

	ctx := entries[0].ContextMap()
	if ctx[FieldModel] != "./career_model" {
		t.Fatalf("expected model field, got %q", ctx[FieldModel])
	}

	if ctx[FieldDevice] != "cpu(threads=4)" {
		t.Fatalf("expected device field, got %q", ctx[FieldDevice])
	}

	if len(CommonFields("", "")) != 0 {
		t.Fatalf("expected empty values to be dropped")
	}
}

func TestRequestFields(t *testing.T) {
	fields := RequestFields("abc")
	if len(fields) != 1 || fields[0].Key != FieldRequestID {
		t.Fatalf("unexpected request fields: %+v", fields)
	}

	if len(RequestFields(" ")) != 0 {
		t.Fatalf("expected blank request id to be dropped")
	}
}
