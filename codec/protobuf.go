package codec

import "google.golang.org/protobuf/proto"

// Protobuf stores generated protobuf messages. newMsg returns an empty
// message for Decode to fill.
type Protobuf[T proto.Message] struct {
	newMsg func() T
	det    bool
}

var _ Reserver[proto.Message] = Protobuf[proto.Message]{}

func NewProtobuf[T proto.Message](newMsg func() T) Protobuf[T] {
	return Protobuf[T]{newMsg: newMsg}
}

// Deterministic returns a copy that orders map fields, so equal messages
// produce equal rows.
func (c Protobuf[T]) Deterministic() Protobuf[T] {
	c.det = true
	return c
}

func (c Protobuf[T]) opts() proto.MarshalOptions {
	return proto.MarshalOptions{Deterministic: c.det}
}

func (c Protobuf[T]) Encode(v T) ([]byte, error) { return c.opts().Marshal(v) }

// EncodeReserved appends the message after reserve zero bytes, sizing the
// buffer once.
func (c Protobuf[T]) EncodeReserved(v T, reserve int) ([]byte, error) {
	o := c.opts()
	buf := make([]byte, reserve, reserve+o.Size(v))
	return o.MarshalAppend(buf, v)
}

func (c Protobuf[T]) Decode(b []byte) (T, error) {
	m := c.newMsg()
	if err := proto.Unmarshal(b, m); err != nil {
		var zero T
		return zero, err
	}
	return m, nil
}
