package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestNewLoggerTo_TagsServiceAndFiltersLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerTo(&buf, "campus-api", "warn")
	l.Info("dropped")
	l.Warn("kept", "post_id", "p1")

	var rec map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &rec); err != nil {
		t.Fatalf("expected exactly one JSON record, got %q: %v", buf.String(), err)
	}
	if rec["service"] != "campus-api" || rec["msg"] != "kept" || rec["post_id"] != "p1" {
		t.Fatalf("unexpected record %v", rec)
	}
}

func TestLevelFromString(t *testing.T) {
	cases := map[string]slog.Level{"debug": slog.LevelDebug, " WARNING ": slog.LevelWarn, "error": slog.LevelError, "": slog.LevelInfo}
	for in, want := range cases {
		if got := levelFromString(in).Level(); got != want {
			t.Fatalf("%q: expected %v, got %v", in, want, got)
		}
	}
}
