// Package unixsock is a peer.Messenger over per-process unix domain sockets.
// Every process listens on <dir>/cobase-<pid>.sock; senders dial the
// socket of the target pid on demand and keep the connection.
package unixsock

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/DoctorEvidence/cobase/log"
	"github.com/DoctorEvidence/cobase/peer"
	"github.com/puzpuzpuz/xsync/v3"
)

const (
	maxFrame    = 1 << 20
	dialTimeout = time.Second
)

// SocketPath is where the process pid listens.
func SocketPath(dir string, pid int) string {
	return filepath.Join(dir, fmt.Sprintf("cobase-%d.sock", pid))
}

type Options struct {
	Dir    string     // socket directory; "" => os.TempDir()
	PID    int        // 0 => os.Getpid()
	Logger log.Logger // nil => NopLogger
}

type Messenger struct {
	dir string
	pid int
	log log.Logger
	ln  net.Listener

	handlers *xsync.MapOf[string, peer.Handler]
	conns    *xsync.MapOf[int, *conn]
	inbound  *xsync.MapOf[net.Conn, struct{}]

	closed atomic.Bool
	wg     sync.WaitGroup
}

var _ peer.Messenger = (*Messenger)(nil)

type conn struct {
	mu sync.Mutex
	c  net.Conn
}

// Listen opens this process's socket and starts accepting peers.
func Listen(opts Options) (*Messenger, error) {
	if opts.Dir == "" {
		opts.Dir = os.TempDir()
	}
	if opts.PID == 0 {
		opts.PID = os.Getpid()
	}
	if opts.Logger == nil {
		opts.Logger = log.NopLogger{}
	}
	path := SocketPath(opts.Dir, opts.PID)
	// a previous process with our pid left its socket behind
	if err := os.RemoveAll(path); err != nil {
		return nil, fmt.Errorf("failed to remove existing socket: %w", err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("failed to create unix socket: %w", err)
	}
	m := &Messenger{
		dir:      opts.Dir,
		pid:      opts.PID,
		log:      log.With(opts.Logger, log.Fields{"pid": opts.PID}),
		ln:       ln,
		handlers: xsync.NewMapOf[string, peer.Handler](),
		conns:    xsync.NewMapOf[int, *conn](),
		inbound:  xsync.NewMapOf[net.Conn, struct{}](),
	}
	m.wg.Add(1)
	go m.accept()
	return m, nil
}

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

// --------------------------------------------------------------------------
// Receiving
// --------------------------------------------------------------------------

func (m *Messenger) accept() {
	defer m.wg.Done()
	for {
		c, err := m.ln.Accept()
		if err != nil {
			if m.closed.Load() {
				return
			}
			m.log.Warn("accept failed", log.Fields{"err": err})
			continue
		}
		m.inbound.Store(c, struct{}{})
		if m.closed.Load() {
			m.inbound.Delete(c)
			_ = c.Close()
			return
		}
		m.wg.Add(1)
		go m.serve(c)
	}
}

func (m *Messenger) serve(c net.Conn) {
	defer m.wg.Done()
	defer func() {
		m.inbound.Delete(c)
		_ = c.Close()
	}()
	var buf []byte
	for {
		data, err := readFrame(c, buf)
		if err != nil {
			if !errors.Is(err, io.EOF) && !m.closed.Load() {
				m.log.Debug("peer connection dropped", log.Fields{"err": err})
			}
			return
		}
		buf = data[:cap(data)]
		msg, err := peer.Decode(data)
		if err != nil {
			m.log.Warn("undecodable peer message", log.Fields{"err": err})
			continue
		}
		if h, ok := m.handlers.Load(msg.Table); ok {
			h(msg)
		}
	}
}

// --------------------------------------------------------------------------
// Sending
// --------------------------------------------------------------------------

func (m *Messenger) Send(ctx context.Context, pid int, msg peer.Message) error {
	if m.closed.Load() {
		return peer.ErrClosed
	}
	data, err := peer.Encode(msg)
	if err != nil {
		return err
	}
	c, err := m.dial(ctx, pid)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if dl, ok := ctx.Deadline(); ok {
		_ = c.c.SetWriteDeadline(dl)
	} else {
		_ = c.c.SetWriteDeadline(time.Time{})
	}
	if err := writeFrame(c.c, data); err != nil {
		m.conns.Delete(pid)
		_ = c.c.Close()
		return fmt.Errorf("%w: pid %d: %v", peer.ErrUnreachable, pid, err)
	}
	return nil
}

func (m *Messenger) dial(ctx context.Context, pid int) (*conn, error) {
	if c, ok := m.conns.Load(pid); ok {
		return c, nil
	}
	d := net.Dialer{Timeout: dialTimeout}
	nc, err := d.DialContext(ctx, "unix", SocketPath(m.dir, pid))
	if err != nil {
		return nil, fmt.Errorf("%w: pid %d: %v", peer.ErrUnreachable, pid, err)
	}
	c, loaded := m.conns.LoadOrStore(pid, &conn{c: nc})
	if loaded {
		_ = nc.Close()
	}
	return c, nil
}

func (m *Messenger) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := m.ln.Close()
	m.conns.Range(func(pid int, c *conn) bool {
		_ = c.c.Close()
		m.conns.Delete(pid)
		return true
	})
	m.inbound.Range(func(c net.Conn, _ struct{}) bool {
		_ = c.Close()
		return true
	})
	m.wg.Wait()
	_ = os.Remove(SocketPath(m.dir, m.pid))
	return err
}

// --------------------------------------------------------------------------
// Framing
// --------------------------------------------------------------------------

// writeFrame writes a 4-byte big-endian length followed by the payload.
func writeFrame(c net.Conn, data []byte) error {
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(data)))
	b := net.Buffers{header[:], data}
	_, err := b.WriteTo(c)
	return err
}

// readFrame reads one frame, reusing buf when it is large enough.
func readFrame(c net.Conn, buf []byte) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(c, header[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(header[:])
	if n > maxFrame {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit", n)
	}
	if cap(buf) < int(n) {
		buf = make([]byte, n)
	}
	buf = buf[:n]
	if _, err := io.ReadFull(c, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
