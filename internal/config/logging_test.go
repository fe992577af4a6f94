package config

import (
	"log/slog"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	cases := []struct {
		in   string
		want slog.Level
	}{
		{"", slog.LevelInfo},
		{"info", slog.LevelInfo},
		{"INFO", slog.LevelInfo},
		{"  info  ", slog.LevelInfo},
		{"trace", LevelTrace},
		{"debug", slog.LevelDebug},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, c := range cases {
		got, err := ParseLogLevel(c.in)
		if err != nil {
			t.Errorf("ParseLogLevel(%q) returned error: %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestParseLogLevel_Unknown(t *testing.T) {
	if _, err := ParseLogLevel("verbose"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestReplaceLogLevelNames(t *testing.T) {
	attr := ReplaceLogLevelNames(nil, slog.Attr{Key: slog.LevelKey, Value: slog.AnyValue(LevelTrace)})
	if attr.Value.String() != "TRACE" {
		t.Errorf("got %q, want TRACE", attr.Value.String())
	}

	attr = ReplaceLogLevelNames(nil, slog.Attr{Key: slog.LevelKey, Value: slog.AnyValue(slog.LevelDebug)})
	if attr.Value.Any() != slog.LevelDebug {
		t.Errorf("non-trace level was rewritten: %v", attr.Value.Any())
	}

	attr = ReplaceLogLevelNames(nil, slog.Attr{Key: "msg", Value: slog.StringValue("hello")})
	if attr.Value.String() != "hello" {
		t.Errorf("non-level attr was modified: %v", attr.Value.Any())
	}
}
