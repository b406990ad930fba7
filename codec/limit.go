package codec

import (
	"errors"
	"fmt"
)

// ErrTooLarge is wrapped by SizeError.
var ErrTooLarge = errors.New("value too large")

// SizeError reports a value rejected by Limit.
type SizeError struct {
	Op    string // "encode" or "decode"
	Size  int
	Limit int
}

func (e *SizeError) Error() string {
	return fmt.Sprintf("codec: %s: %d bytes exceeds limit %d: %v", e.Op, e.Size, e.Limit, ErrTooLarge)
}

func (e *SizeError) Unwrap() error { return ErrTooLarge }

// Limit bounds the size of stored values. Encode refuses values whose
// encoding exceeds MaxEncode so oversized rows never reach the table;
// Decode refuses rows longer than MaxDecode without calling Inner. A limit
// <= 0 is off. Reserved encoding and aliasing of Inner are passed through.
type Limit[V any] struct {
	Inner     Codec[V]
	MaxEncode int
	MaxDecode int
}

var (
	_ Reserver[string] = Limit[string]{}
	_ Aliasing         = Limit[string]{}
)

func (c Limit[V]) Encode(v V) ([]byte, error) {
	b, err := c.Inner.Encode(v)
	if err != nil {
		return nil, err
	}
	if err := c.checkEncoded(len(b)); err != nil {
		return nil, err
	}
	return b, nil
}

func (c Limit[V]) EncodeReserved(v V, reserve int) ([]byte, error) {
	r, ok := c.Inner.(Reserver[V])
	if !ok {
		b, err := c.Encode(v)
		if err != nil {
			return nil, err
		}
		out := make([]byte, reserve+len(b))
		copy(out[reserve:], b)
		return out, nil
	}
	b, err := r.EncodeReserved(v, reserve)
	if err != nil {
		return nil, err
	}
	if err := c.checkEncoded(len(b) - reserve); err != nil {
		return nil, err
	}
	return b, nil
}

func (c Limit[V]) checkEncoded(n int) error {
	if c.MaxEncode > 0 && n > c.MaxEncode {
		return &SizeError{Op: "encode", Size: n, Limit: c.MaxEncode}
	}
	return nil
}

func (c Limit[V]) Decode(b []byte) (V, error) {
	if c.MaxDecode > 0 && len(b) > c.MaxDecode {
		var zero V
		return zero, &SizeError{Op: "decode", Size: len(b), Limit: c.MaxDecode}
	}
	return c.Inner.Decode(b)
}

func (c Limit[V]) Aliases() bool {
	a, ok := c.Inner.(Aliasing)
	return ok && a.Aliases()
}
