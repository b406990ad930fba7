package peer

import (
	"context"
	"errors"
	"os"
	"testing"
)

func TestHubDeliversByTable(t *testing.T) {
	hub := NewHub()
	a, b := hub.Endpoint(1), hub.Endpoint(2)

	var got []Message
	_ = b.Join("users", func(m Message) { got = append(got, m) })

	ctx := context.Background()
	if err := a.Send(ctx, 2, Message{Table: "users", Kind: KindUpdate, Version: 7, From: 1}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	// b has not joined "orders": dropped silently
	if err := a.Send(ctx, 2, Message{Table: "orders", Kind: KindUpdate, From: 1}); err != nil {
		t.Fatalf("Send to unjoined table: %v", err)
	}
	if len(got) != 1 || got[0].Version != 7 {
		t.Fatalf("delivered: %+v", got)
	}
	if a.Sent() != 2 {
		t.Fatalf("Sent() = %d", a.Sent())
	}
}

func TestHubClosedEndpointIsDead(t *testing.T) {
	hub := NewHub()
	a, b := hub.Endpoint(1), hub.Endpoint(2)
	if !a.Alive(2) {
		t.Fatalf("open endpoint must be alive")
	}
	_ = b.Close()
	if a.Alive(2) {
		t.Fatalf("closed endpoint must be dead")
	}
	if err := a.Send(context.Background(), 2, Message{Table: "users"}); !errors.Is(err, ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable, got %v", err)
	}
	if hub.Endpoint(1) != a {
		t.Fatalf("Endpoint must return the existing endpoint")
	}
}

func TestMessageEncoding(t *testing.T) {
	in := Message{Table: "t", Kind: KindBye, Key: []byte{0x10, 'a'}, Version: 1 << 40, From: 9}
	b, err := Encode(in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	out, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if out.Table != in.Table || out.Kind != in.Kind || string(out.Key) != string(in.Key) ||
		out.Version != in.Version || out.From != in.From {
		t.Fatalf("decoded %+v, want %+v", out, in)
	}
}

func TestProcessAlive(t *testing.T) {
	if !ProcessAlive(os.Getpid()) {
		t.Fatalf("own pid must be alive")
	}
	if ProcessAlive(-1) || ProcessAlive(0) {
		t.Fatalf("non-positive pids are never alive")
	}
}
