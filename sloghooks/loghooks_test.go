package sloghooks

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func newBuf() (*bytes.Buffer, *slog.Logger) {
	var buf bytes.Buffer
	return &buf, slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func TestHooks_Events(t *testing.T) {
	buf, l := newBuf()
	h := New(l, Options{})
	h.PeerLost("src", 42)
	h.RecomputeFailed("doubled", "7", errors.New("boom"))
	h.Rebuild("doubled", 3, true)

	out := buf.String()
	for _, want := range []string{
		"cobase.peer_lost", "pid=42",
		"cobase.recompute_failed", "err=boom",
		"cobase.rebuild", "ids=3", "cleared=true",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in:\n%s", want, out)
		}
	}
}

func TestHooks_Sampling(t *testing.T) {
	buf, l := newBuf()
	h := New(l, Options{CASRetryEvery: 3})
	for i := 1; i <= 9; i++ {
		h.CASRetry("src", "1", i)
	}
	if n := strings.Count(buf.String(), "cobase.cas_retry"); n != 3 {
		t.Fatalf("want 3 sampled lines, got %d:\n%s", n, buf.String())
	}
}

func TestHooks_NilLogger(t *testing.T) {
	h := New(nil, Options{})
	h.DataLoss("src", errors.New("corrupt"))
	h.InvalidationDeferred("src", "1", 7)
}
