package slogadapter

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

// Attributes added through With appear on every record
func TestWith(t *testing.T) {
	var buf bytes.Buffer
	l := New(slog.New(slog.NewJSONHandler(&buf, nil))).With("peer", "p1")

	l.Info("ack", "frame", 7)
	l.Debug("hidden")

	out := buf.String()
	for _, want := range []string{`"peer":"p1"`, `"frame":7`, `"msg":"ack"`} {
		if !strings.Contains(out, want) {
			t.Errorf("output %s misses %s", out, want)
		}
	}
	if strings.Contains(out, "hidden") {
		t.Errorf("debug record written at info level: %s", out)
	}
}
