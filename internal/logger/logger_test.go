package logger

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestJSON(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := JSON(&buf, slog.LevelWarn)
	log.Info("should not appear")
	log.With("session", "abc").Warn("hello", "key", "value")

	out := buf.String()
	for _, want := range []string{"hello", `"key":"value"`, `"session":"abc"`, `"level":"WARN"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %s in output, got: %s", want, out)
		}
	}
	if strings.Contains(out, "should not appear") {
		t.Fatalf("info leaked at warn level: %s", out)
	}
}

func TestBuild(t *testing.T) {
	t.Parallel()
	for _, format := range []string{"", "pretty", "json", "text"} {
		for _, color := range []bool{false, true} {
			var buf bytes.Buffer
			log, err := Build(Config{Format: format, Level: slog.LevelInfo, Writer: &buf, Color: color})
			if err != nil {
				t.Fatalf("Build(%q): %v", format, err)
			}
			log.Info("formatted", "n", 1)
			if !strings.Contains(buf.String(), "formatted") {
				t.Fatalf("format %q color %v wrote %q", format, color, buf.String())
			}
		}
	}
	if _, err := Build(Config{Format: "xml"}); err == nil {
		t.Fatal("expected error for unknown format")
	}
}

func TestBuildPrettyWithoutColorIsLogfmt(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log, err := Build(Config{Format: "pretty", Level: slog.LevelInfo, Writer: &buf})
	if err != nil {
		t.Fatal(err)
	}
	log.Info("plain", "k", "v")
	if out := buf.String(); !strings.Contains(out, "level=INFO") || strings.Contains(out, "\x1b[") {
		t.Fatalf("expected logfmt without escapes, got %q", out)
	}
}

func TestNop(t *testing.T) {
	t.Parallel()
	log := Nop().With("a", 1).WithGroup("g")
	log.Error("dropped")
}

func TestContextRoundTrip(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	ctx := WithContext(context.Background(), JSON(&buf, slog.LevelInfo))
	FromContext(ctx).Info("roundtrip test")
	if !strings.Contains(buf.String(), "roundtrip test") {
		t.Fatalf("expected message via context logger, got: %s", buf.String())
	}
	if FromContext(context.Background()) == nil {
		t.Fatal("FromContext without a logger returned nil")
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"DEBUG":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
	}
	for in, want := range tests {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Errorf("ParseLevel(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestPrettyHandlerLine(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	h := NewPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}).WithoutColor()
	log := slog.New(h.WithAttrs([]slog.Attr{slog.String("service", "kvgen")}).WithGroup("gen"))
	log.Debug("step", "pos", 3, "text", "two words", "took", 1500*time.Microsecond)

	out := buf.String()
	if strings.Contains(out, "\033[") {
		t.Fatalf("WithoutColor emitted escapes: %q", out)
	}
	for _, want := range []string{"DEBUG step", "service=kvgen", "gen.pos=3", `gen.text="two words"`, "gen.took=1.5ms"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in %q", want, out)
		}
	}
}

func TestPrettyHandlerGroups(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	h := NewPrettyHandler(&buf, nil)
	if h.WithGroup("") != slog.Handler(h) {
		t.Fatal("WithGroup(\"\") should return the same handler")
	}
	slog.New(h.WithGroup("a").WithGroup("b")).Info("nested", "key", "val")
	if !strings.Contains(buf.String(), "a.b.key=val") {
		t.Fatalf("expected 'a.b.key=val' in output, got: %s", buf.String())
	}
	if h.Enabled(context.Background(), slog.LevelDebug) {
		t.Fatal("debug must be disabled by default")
	}
}

func TestNeedsQuoting(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]bool{
		"simple":    false,
		"has space": true,
		"a=b":       true,
		`q"uote`:    true,
		"":          false,
	} {
		if got := needsQuoting(in); got != want {
			t.Errorf("needsQuoting(%q) = %v, want %v", in, got, want)
		}
	}
}
