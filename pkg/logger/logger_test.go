package logger

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestFromContextAddsRequestID(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, nil))

	FromContext(context.Background(), base).Info("plain")
	if strings.Contains(buf.String(), "request_id") {
		t.Fatalf("unexpected request id: %s", buf.String())
	}

	buf.Reset()
	ctx := WithRequestID(context.Background(), "req-1")
	if RequestIDFromContext(ctx) != "req-1" {
		t.Fatalf("request id not stored")
	}
	FromContext(ctx, base).Info("tagged")
	if !strings.Contains(buf.String(), "request_id=req-1") {
		t.Fatalf("expected request id in output: %s", buf.String())
	}
}
