package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":        slog.LevelInfo,
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNew_ErrorLevel(t *testing.T) {
	logger := New("error", "text")
	if logger.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("Expected info level to be disabled at error level")
	}
}

func TestNewWithWriter_JSONIncludesService(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "info", "json")
	logger.Info("escrow released", "escrowId", "esc_1")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("expected JSON output, got %q: %v", buf.String(), err)
	}
	if rec["service"] != "settlehub" {
		t.Errorf("expected service attribute, got %v", rec["service"])
	}
	if rec["escrowId"] != "esc_1" {
		t.Errorf("expected escrowId attribute, got %v", rec["escrowId"])
	}
}

func TestActor_DefaultsToSystem(t *testing.T) {
	ctx := context.Background()
	if got := Actor(ctx); got != "system" {
		t.Fatalf("expected system, got %q", got)
	}
	ctx = WithActor(ctx, "usr_admin")
	if got := Actor(ctx); got != "usr_admin" {
		t.Fatalf("expected usr_admin, got %q", got)
	}
}

func TestL_DecoratesWithRequestAndActor(t *testing.T) {
	var buf bytes.Buffer
	base := NewWithWriter(&buf, "info", "text")

	ctx := WithLogger(context.Background(), base)
	ctx = WithRequestID(ctx, "req-123")
	ctx = WithActor(ctx, "usr_buyer")

	L(ctx).Info("hello")

	out := buf.String()
	if !strings.Contains(out, "request_id=req-123") {
		t.Errorf("expected request_id in %q", out)
	}
	if !strings.Contains(out, "actor=usr_buyer") {
		t.Errorf("expected actor in %q", out)
	}
}

func TestFromContext_FallsBackToDefault(t *testing.T) {
	if FromContext(context.Background()) != slog.Default() {
		t.Error("expected slog.Default when no logger in context")
	}
}
