// Package peer carries update notifications between processes that share
// cobase tables on one host.
//
// A Messenger delivers Messages addressed to a table to the handler that
// process registered for that table. Delivery is best effort: a message to
// a dead or unreachable process is dropped with an error, and the caller
// decides whether to forget the peer.
package peer

import (
	"context"
	"errors"

	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sys/unix"
)

type Kind uint8

const (
	// KindHello announces a process that opened the table.
	KindHello Kind = iota + 1
	// KindUpdate reports a changed entity.
	KindUpdate
	// KindBye announces a process that closed the table.
	KindBye
)

// Message is one notification. Key is the encoded row key of the entity.
type Message struct {
	Table   string `msgpack:"t"`
	Kind    Kind   `msgpack:"k"`
	Event   uint8  `msgpack:"e,omitempty"`
	Key     []byte `msgpack:"i,omitempty"`
	Version uint64 `msgpack:"v,omitempty"`
	From    int    `msgpack:"p"`
}

// Handler consumes messages for one table. It runs on the messenger's
// goroutine and should not block for long.
type Handler func(Message)

type Messenger interface {
	// PID identifies this process to its peers.
	PID() int
	// Join registers h for messages addressed to table.
	Join(table string, h Handler) error
	Leave(table string)
	Send(ctx context.Context, pid int, m Message) error
	// Alive reports whether pid still runs.
	Alive(pid int) bool
	Close() error
}

var (
	ErrUnreachable = errors.New("cobase/peer: process unreachable")
	ErrClosed      = errors.New("cobase/peer: messenger closed")
)

func Encode(m Message) ([]byte, error) { return msgpack.Marshal(&m) }

func Decode(b []byte) (Message, error) {
	var m Message
	err := msgpack.Unmarshal(b, &m)
	return m, err
}

// ProcessAlive probes pid with signal 0. EPERM means the process exists but
// belongs to someone else.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
