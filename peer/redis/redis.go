// Package redis is a peer.Messenger over Redis pub/sub. Every process
// subscribes to <prefix>:<pid>; a publish that reaches no subscriber is
// reported as unreachable.
package redis

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/DoctorEvidence/cobase/log"
	"github.com/DoctorEvidence/cobase/peer"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/redis/go-redis/v9"
)

type Options struct {
	Prefix string     // channel prefix; "" => "cobase"
	PID    int        // 0 => os.Getpid()
	Logger log.Logger // nil => NopLogger
}

type Messenger struct {
	rdb    redis.UniversalClient
	prefix string
	pid    int
	log    log.Logger
	ps     *redis.PubSub

	handlers *xsync.MapOf[string, peer.Handler]
	closed   atomic.Bool
	wg       sync.WaitGroup
}

var _ peer.Messenger = (*Messenger)(nil)

// New subscribes to this process's channel. The client stays owned by the
// caller.
func New(ctx context.Context, rdb redis.UniversalClient, opts Options) (*Messenger, error) {
	if opts.Prefix == "" {
		opts.Prefix = "cobase"
	}
	if opts.PID == 0 {
		opts.PID = os.Getpid()
	}
	if opts.Logger == nil {
		opts.Logger = log.NopLogger{}
	}
	m := &Messenger{
		rdb:      rdb,
		prefix:   opts.Prefix,
		pid:      opts.PID,
		log:      log.With(opts.Logger, log.Fields{"pid": opts.PID}),
		handlers: xsync.NewMapOf[string, peer.Handler](),
	}
	m.ps = rdb.Subscribe(ctx, m.channel(m.pid))
	// wait for the subscription so messages sent right after New are not lost
	if _, err := m.ps.Receive(ctx); err != nil {
		_ = m.ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", m.channel(m.pid), err)
	}
	m.wg.Add(1)
	go m.receive()
	return m, nil
}

func (m *Messenger) channel(pid int) string { return fmt.Sprintf("%s:%d", m.prefix, pid) }

func (m *Messenger) PID() int { return m.pid }

func (m *Messenger) Join(table string, h peer.Handler) error {
	if m.closed.Load() {
		return peer.ErrClosed
	}
	m.handlers.Store(table, h)
	return nil
}

func (m *Messenger) Leave(table string) { m.handlers.Delete(table) }

func (m *Messenger) Alive(pid int) bool { return peer.ProcessAlive(pid) }

func (m *Messenger) receive() {
	defer m.wg.Done()
	for msg := range m.ps.Channel() {
		pm, err := peer.Decode([]byte(msg.Payload))
		if err != nil {
			m.log.Warn("undecodable peer message", log.Fields{"err": err})
			continue
		}
		if h, ok := m.handlers.Load(pm.Table); ok {
			h(pm)
		}
	}
}

func (m *Messenger) Send(ctx context.Context, pid int, msg peer.Message) error {
	if m.closed.Load() {
		return peer.ErrClosed
	}
	data, err := peer.Encode(msg)
	if err != nil {
		return err
	}
	n, err := m.rdb.Publish(ctx, m.channel(pid), data).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: pid %d has no subscriber", peer.ErrUnreachable, pid)
	}
	return nil
}

func (m *Messenger) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := m.ps.Close()
	m.wg.Wait()
	return err
}
