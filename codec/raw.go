package codec

// Bytes stores []byte values verbatim. Decoded slices are the stored bytes
// themselves.
type Bytes struct{}

var (
	_ Reserver[[]byte] = Bytes{}
	_ Aliasing         = Bytes{}
)

func (Bytes) Encode(b []byte) ([]byte, error) { return b, nil }
func (Bytes) Decode(b []byte) ([]byte, error) { return b, nil }
func (Bytes) Aliases() bool                   { return true }

func (Bytes) EncodeReserved(b []byte, reserve int) ([]byte, error) {
	out := make([]byte, reserve+len(b))
	copy(out[reserve:], b)
	return out, nil
}

// String stores strings as their UTF-8 bytes, unvalidated.
type String struct{}

var _ Reserver[string] = String{}

func (String) Encode(s string) ([]byte, error) { return []byte(s), nil }
func (String) Decode(b []byte) (string, error) { return string(b), nil }

func (String) EncodeReserved(s string, reserve int) ([]byte, error) {
	out := make([]byte, reserve+len(s))
	copy(out[reserve:], s)
	return out, nil
}
