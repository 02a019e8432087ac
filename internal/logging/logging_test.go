package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestSetupFiltersByLevel(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	Setup(slog.LevelWarn, &buf)
	slog.Info("hidden")
	slog.Warn("failed to persist port", "port", 8080)

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info must be filtered: %q", out)
	}
	if !strings.Contains(out, "failed to persist port") || !strings.Contains(out, "port=8080") {
		t.Fatalf("unexpected output %q", out)
	}
}
