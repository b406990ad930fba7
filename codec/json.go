package codec

import (
	"bytes"
	"encoding/json"
)

// JSON stores values as JSON text without HTML escaping. The zero value is
// ready to use.
type JSON[V any] struct{}

var _ Reserver[struct{}] = JSON[struct{}]{}

func (c JSON[V]) Encode(v V) ([]byte, error) { return c.EncodeReserved(v, 0) }

// EncodeReserved writes v after reserve zero bytes. The newline the encoder
// terminates each value with is dropped.
func (JSON[V]) EncodeReserved(v V, reserve int) ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, reserve, reserve+64))
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	b := buf.Bytes()
	return b[:len(b)-1], nil
}

func (JSON[V]) Decode(b []byte) (V, error) {
	var v V
	err := json.Unmarshal(b, &v)
	return v, err
}
