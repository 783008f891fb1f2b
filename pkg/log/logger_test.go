package log

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", DebugLevel, false},
		{"INFO", InfoLevel, false},
		{"", InfoLevel, false},
		{"warning", WarnLevel, false},
		{"error", ErrorLevel, false},
		{"loud", InfoLevel, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Fatalf("ParseLevel(%q) err = %v", tt.in, err)
		}
		if got != tt.want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestLevelGating(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(WithLevel(WarnLevel), WithFormatter(&TextFormatter{}), WithOutput(NewWriterOutput(&buf)))
	l.Info("dropped")
	l.Warn("kept", Str("k", "v"))
	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Fatalf("info should be filtered: %q", out)
	}
	if !strings.Contains(out, "kept") || !strings.Contains(out, "k=v") {
		t.Fatalf("warn missing: %q", out)
	}

	l.SetLevel(DebugLevel)
	l.Debugf("n=%d", 3)
	if !strings.Contains(buf.String(), "n=3") {
		t.Fatalf("debug after SetLevel missing: %q", buf.String())
	}
}

func TestJSONWithFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(WithOutput(NewWriterOutput(&buf)))
	l.WithComponent("connmgr").WithError(errors.New("boom")).Info("fanout", Int("n", 2))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("decode %q: %v", buf.String(), err)
	}
	if m["component"] != "connmgr" || m["error"] != "boom" || m["msg"] != "fanout" {
		t.Fatalf("unexpected entry: %v", m)
	}
	if m["n"] != float64(2) {
		t.Fatalf("n = %v", m["n"])
	}
}

func TestApplyConfig(t *testing.T) {
	l, err := ApplyConfig(&Config{Level: "info", Format: "json", Output: "null", Redact: []string{"secret"}})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if l.GetLevel() != InfoLevel {
		t.Fatalf("level = %v", l.GetLevel())
	}
	if _, err := ApplyConfig(&Config{Format: "yaml"}); err == nil {
		t.Fatalf("expected unknown format error")
	}
}

func TestSampler(t *testing.T) {
	s := newSampler(2, 3)
	var kept int
	for i := 0; i < 8; i++ {
		if s.allow(0, "m") {
			kept++
		}
	}
	// first 2, then n=2,5 of the remaining
	if kept != 4 {
		t.Fatalf("kept = %d", kept)
	}
}
