package asynchook

import (
	"sync"
	"testing"

	"github.com/DoctorEvidence/cobase"
)

type recorder struct {
	cobase.NopHooks
	mu      sync.Mutex
	retries []int
	lost    []int
}

func (r *recorder) CASRetry(_, _ string, attempt int) {
	r.mu.Lock()
	r.retries = append(r.retries, attempt)
	r.mu.Unlock()
}

func (r *recorder) PeerLost(_ string, pid int) {
	r.mu.Lock()
	r.lost = append(r.lost, pid)
	r.mu.Unlock()
}

func TestAsync_DeliversBeforeClose(t *testing.T) {
	rec := &recorder{}
	h := New(rec, 2, 16)
	for i := 1; i <= 5; i++ {
		h.CASRetry("t", "1", i)
	}
	h.PeerLost("t", 42)
	h.Close()

	if len(rec.retries) != 5 {
		t.Fatalf("retries=%v", rec.retries)
	}
	if len(rec.lost) != 1 || rec.lost[0] != 42 {
		t.Fatalf("lost=%v", rec.lost)
	}
}

func TestAsync_DropsWhenFull(t *testing.T) {
	block := make(chan struct{})
	rec := &blocking{block: block}
	h := New(rec, 1, 1)
	for i := 0; i < 10; i++ {
		h.PeerLost("t", i)
	}
	close(block)
	h.Close()
	if h.Dropped() == 0 {
		t.Fatalf("expected drops with a queue of 1")
	}
}

type blocking struct {
	cobase.NopHooks
	block chan struct{}
}

func (b *blocking) PeerLost(string, int) { <-b.block }
