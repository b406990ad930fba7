package slog

import (
	"bytes"
	"encoding/json"
	"errors"
	stdslog "log/slog"
	"testing"

	"github.com/DoctorEvidence/cobase/log"
)

func TestLogger_FieldsAndLevels(t *testing.T) {
	var buf bytes.Buffer
	l := New(stdslog.NewJSONHandler(&buf, &stdslog.HandlerOptions{Level: stdslog.LevelInfo}))

	l.Debug("hidden", log.Fields{"a": 1})
	l.Warn("commit failed", log.Fields{
		"err":  errors.New("boom"),
		"peer": log.Fields{"pid": 7},
	})

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("want exactly one JSON record, got %q: %v", buf.String(), err)
	}
	if rec["msg"] != "commit failed" || rec["level"] != "WARN" {
		t.Fatalf("record %v", rec)
	}
	if rec["err"] != "boom" || rec["component"] != "cobase" {
		t.Fatalf("record %v", rec)
	}
	peer, _ := rec["peer"].(map[string]any)
	if peer["pid"] != float64(7) {
		t.Fatalf("group %v", rec["peer"])
	}
}
