package codec

import (
	"bytes"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// CBOR stores values as CBOR. Build it with NewCBOR; the zero value has no
// modes and panics on use.
//
// Deterministic tables use the RFC 8949 core deterministic encoding, which
// makes equal values produce equal rows. Times are written as RFC 3339 text.
// Untyped maps decode as map[string]any so dynamic values can be re-encoded
// as JSON.
type CBOR[V any] struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

var (
	_ Codec[struct{}]    = CBOR[struct{}]{}
	_ Reserver[struct{}] = CBOR[struct{}]{}
)

func NewCBOR[V any](deterministic bool) (CBOR[V], error) {
	eo := cbor.PreferredUnsortedEncOptions()
	if deterministic {
		eo = cbor.CoreDetEncOptions()
	}
	eo.Time = cbor.TimeRFC3339Nano
	em, err := eo.EncMode()
	if err != nil {
		return CBOR[V]{}, err
	}
	dm, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		return CBOR[V]{}, err
	}
	return CBOR[V]{enc: em, dec: dm}, nil
}

// MustCBOR panics where NewCBOR fails. Meant for package-level vars.
func MustCBOR[V any](deterministic bool) CBOR[V] {
	c, err := NewCBOR[V](deterministic)
	if err != nil {
		panic(err)
	}
	return c
}

func (c CBOR[V]) Encode(v V) ([]byte, error) { return c.enc.Marshal(v) }

func (c CBOR[V]) Decode(b []byte) (V, error) {
	var v V
	err := c.dec.Unmarshal(b, &v)
	return v, err
}

// EncodeReserved streams v after reserve zero bytes.
func (c CBOR[V]) EncodeReserved(v V, reserve int) ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, reserve, reserve+64))
	if err := c.enc.NewEncoder(buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
