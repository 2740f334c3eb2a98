package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestComponentAddsAttribute(t *testing.T) {
	var buf bytes.Buffer
	l := Component(New(&buf, slog.LevelDebug), ComponentBridge)
	l.Info("hello")
	if !strings.Contains(buf.String(), "component=bridge") {
		t.Fatalf("expected component attribute, got %q", buf.String())
	}
}

func TestOnceSuppressesRepeats(t *testing.T) {
	var o Once
	if !o.Fail() {
		t.Fatalf("first failure should report")
	}
	if o.Fail() {
		t.Fatalf("second failure should be suppressed")
	}
	if !o.Failed() {
		t.Fatalf("expected latch set")
	}
	o.Reset()
	if !o.Fail() {
		t.Fatalf("failure after reset should report")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"WARN":  slog.LevelWarn,
		"error": slog.LevelError,
		"bogus": slog.LevelInfo,
	}
	for raw, want := range cases {
		if got := ParseLevel(raw); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", raw, got, want)
		}
	}
}
