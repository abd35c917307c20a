package logging

import (
	"context"
	"fmt"
	"log/slog"
	"testing"

	"github.com/scopekit/scopes/errors"
)

func TestNewLoggerLevels(t *testing.T) {
	tests := []struct {
		name    string
		level   string
		enabled slog.Level
	}{
		{"debug", "debug", slog.LevelDebug},
		{"info", "info", slog.LevelInfo},
		{"warn", "warn", slog.LevelWarn},
		{"error", "error", slog.LevelError},
		{"unknown defaults to info", "verbose", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewLogger(Config{Level: tt.level, Format: "text"})
			if l == nil {
				t.Fatal("NewLogger returned nil")
			}
			if !l.Enabled(context.Background(), tt.enabled) {
				t.Errorf("level %s should be enabled", tt.enabled)
			}
			if tt.enabled > slog.LevelDebug && l.Enabled(context.Background(), tt.enabled-4) {
				t.Errorf("level %s should be disabled", tt.enabled-4)
			}
		})
	}
}

func TestDefaultInitializesOnce(t *testing.T) {
	first := Default()
	if first == nil {
		t.Fatal("Default returned nil")
	}
	if Default() != first {
		t.Error("Default should return the same instance")
	}
}

func TestStoreErrorValuer(t *testing.T) {
	se := errors.NewDatabaseError(errors.OpStore, "storage/sqlite", fmt.Errorf("locked"))
	v := StoreErrorValuer{StoreError: se}.LogValue()

	if v.Kind() != slog.KindGroup {
		t.Fatalf("expected group value, got %s", v.Kind())
	}

	found := map[string]bool{}
	for _, attr := range v.Group() {
		found[attr.Key] = true
	}
	for _, key := range []string{"operation", "component", "code", "retryable", "error"} {
		if !found[key] {
			t.Errorf("group missing %q attribute", key)
		}
	}
}

func TestLogOperationPropagatesError(t *testing.T) {
	l := NewLogger(Config{Level: "error", Format: "text"})

	wantErr := fmt.Errorf("boom")
	err := l.LogOperation(context.Background(), Operation("store"), Component("test"), func() error {
		return wantErr
	})
	if err != wantErr {
		t.Errorf("LogOperation should return the callback error, got %v", err)
	}

	err = l.LogOperation(context.Background(), Operation("store"), Component("test"), func() error {
		return nil
	})
	if err != nil {
		t.Errorf("LogOperation should return nil on success, got %v", err)
	}
}
