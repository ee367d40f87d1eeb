package quipodb

import (
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

var (
	_ Logger = &NoOpLogger{}
	_ Logger = &ZapLogger{}
)

func TestZapLoggerFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := NewZapLogger(zap.New(core))

	logger.Debug("debug message", "collection", "users")
	logger.Info("info message", "count", 3)
	logger.Warn("warn message")
	logger.Error("error message", "error", "boom")

	entries := logs.All()
	if len(entries) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(entries))
	}
	if entries[0].LoggerName != "quipodb" {
		t.Errorf("logger name = %q, want quipodb", entries[0].LoggerName)
	}
	if got := entries[0].ContextMap()["collection"]; got != "users" {
		t.Errorf("collection field = %v, want users", got)
	}
	if got := entries[1].ContextMap()["count"]; got != int64(3) {
		t.Errorf("count field = %v (%T), want 3", got, got)
	}
	if entries[3].Level != zapcore.ErrorLevel {
		t.Errorf("level = %v, want error", entries[3].Level)
	}
}

func TestNewProductionZapLogger(t *testing.T) {
	logger, err := NewProductionZapLogger("warn")
	if err != nil {
		t.Fatalf("failed to create production logger: %v", err)
	}
	logger.Info("suppressed", "key", "value")
	logger.Warn("visible", "key", "value")
	if err := logger.Sync(); err != nil {
		t.Logf("sync returned error (expected in tests): %v", err)
	}

	if _, err := NewProductionZapLogger("loud"); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig for bad level, got %v", err)
	}
}

func TestNewDevelopmentZapLogger(t *testing.T) {
	logger, err := NewDevelopmentZapLogger()
	if err != nil {
		t.Fatalf("failed to create development logger: %v", err)
	}
	logger.Debug("debug message", "key", "value")
}

func TestNoOpLogger(t *testing.T) {
	logger := &NoOpLogger{}
	logger.Debug("test message", "key", "value")
	logger.Info("test message", "key", "value")
	logger.Warn("test message", "key", "value")
	logger.Error("test message", "key", "value")
}
