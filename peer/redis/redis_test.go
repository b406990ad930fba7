package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/DoctorEvidence/cobase/peer"
	"github.com/redis/go-redis/v9"
)

// Runs against a live server: COBASE_TEST_REDIS=localhost:6379 go test ./peer/redis
func TestPublishBetweenProcesses(t *testing.T) {
	addr := os.Getenv("COBASE_TEST_REDIS")
	if addr == "" {
		t.Skip("COBASE_TEST_REDIS not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()

	prefix := "cobase-test-" + time.Now().Format("150405.000000")
	a, err := New(ctx, rdb, Options{Prefix: prefix, PID: 1})
	if err != nil {
		t.Fatalf("New a: %v", err)
	}
	defer a.Close()
	b, err := New(ctx, rdb, Options{Prefix: prefix, PID: 2})
	if err != nil {
		t.Fatalf("New b: %v", err)
	}
	defer b.Close()

	got := make(chan peer.Message, 1)
	_ = b.Join("orders", func(m peer.Message) { got <- m })
	if err := a.Send(ctx, 2, peer.Message{Table: "orders", Kind: peer.KindHello, From: 1}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case m := <-got:
		if m.Kind != peer.KindHello || m.From != 1 {
			t.Fatalf("received %+v", m)
		}
	case <-ctx.Done():
		t.Fatalf("message not delivered")
	}

	if err := a.Send(ctx, 3, peer.Message{Table: "orders"}); err == nil {
		t.Fatalf("expected an error publishing to a pid without subscriber")
	}
}
