package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{"debug": slog.LevelDebug, " WARN ": slog.LevelWarn, "error": slog.LevelError, "bogus": slog.LevelInfo}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestLoggerEmitsServiceAndFiltersLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewLoggerTo(&buf, "dispatch", "warn")
	log.Info("dropped")
	log.Warn("kept", "ride_id", "r1")

	var rec map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &rec); err != nil {
		t.Fatalf("expected exactly one JSON record, got %q: %v", buf.String(), err)
	}
	if rec["service"] != "dispatch" || rec["msg"] != "kept" || rec["ride_id"] != "r1" {
		t.Fatalf("unexpected record %v", rec)
	}
}
