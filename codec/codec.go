// Package codec holds the value codecs of cobase tables.
package codec

// Codec encodes/decodes values V to []byte for storage.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}

// Reserver is implemented by codecs that can leave reserve free bytes in
// front of the encoded value, so the entry header can be written in place.
// The encoded value starts at offset reserve of the returned slice.
type Reserver[V any] interface {
	EncodeReserved(v V, reserve int) ([]byte, error)
}

// Aliasing is implemented by codecs whose decoded values may share memory
// with the input; the caller copies the input first when it is borrowed.
type Aliasing interface {
	Aliases() bool
}
