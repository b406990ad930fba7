package unixsock

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/DoctorEvidence/cobase/peer"
)

func listen(t *testing.T, dir string, pid int) *Messenger {
	t.Helper()
	m, err := Listen(Options{Dir: dir, PID: pid})
	if err != nil {
		t.Fatalf("Listen(%d): %v", pid, err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestSendDeliversToJoinedTable(t *testing.T) {
	dir := t.TempDir()
	a := listen(t, dir, 101)
	b := listen(t, dir, 102)

	got := make(chan peer.Message, 1)
	if err := b.Join("users", func(m peer.Message) { got <- m }); err != nil {
		t.Fatalf("Join: %v", err)
	}

	want := peer.Message{Table: "users", Kind: peer.KindUpdate, Event: 2, Key: []byte{0x0A, 1}, Version: 99, From: 101}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Send(ctx, 102, want); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case m := <-got:
		if m.Table != want.Table || m.Version != want.Version || m.From != 101 || string(m.Key) != string(want.Key) {
			t.Fatalf("received %+v, want %+v", m, want)
		}
	case <-ctx.Done():
		t.Fatalf("message not delivered")
	}
}

func TestSendToMissingPeer(t *testing.T) {
	a := listen(t, t.TempDir(), 201)
	err := a.Send(context.Background(), 202, peer.Message{Table: "x"})
	if !errors.Is(err, peer.ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable, got %v", err)
	}
}

func TestCloseRemovesSocket(t *testing.T) {
	dir := t.TempDir()
	m, err := Listen(Options{Dir: dir, PID: 301})
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := os.Stat(SocketPath(dir, 301)); !os.IsNotExist(err) {
		t.Fatalf("socket file left behind: %v", err)
	}
	if err := m.Join("t", func(peer.Message) {}); !errors.Is(err, peer.ErrClosed) {
		t.Fatalf("Join after Close: %v", err)
	}
}

func TestAliveUsesProcessTable(t *testing.T) {
	m := listen(t, t.TempDir(), 401)
	if !m.Alive(os.Getpid()) {
		t.Fatalf("own process must be alive")
	}
	if m.Alive(0) {
		t.Fatalf("pid 0 is never a peer")
	}
}
