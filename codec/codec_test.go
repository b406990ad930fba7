package codec

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

type user struct {
	ID   int      `json:"id" msgpack:"id" cbor:"id"`
	Name string   `json:"name" msgpack:"name" cbor:"name"`
	Tags []string `json:"tags" msgpack:"tags" cbor:"tags"`
}

func roundTrip[V any](t *testing.T, c Codec[V], v V) V {
	t.Helper()
	b, err := c.Encode(v)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := c.Decode(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return out
}

func TestCodecs_RoundTrip(t *testing.T) {
	u := user{ID: 7, Name: "ada", Tags: []string{"a", "b"}}
	for name, c := range map[string]Codec[user]{
		"json":     JSON[user]{},
		"msgpack":  Msgpack[user]{},
		"cbor":     MustCBOR[user](false),
		"cbor-det": MustCBOR[user](true),
	} {
		t.Run(name, func(t *testing.T) {
			if diff := cmp.Diff(u, roundTrip(t, c, u)); diff != "" {
				t.Fatalf("mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestEncodeReserved_MatchesEncode(t *testing.T) {
	u := user{ID: 1, Name: "x<y>", Tags: []string{"t"}}
	for name, c := range map[string]Codec[user]{
		"json":    JSON[user]{},
		"msgpack": Msgpack[user]{},
		"cbor":    MustCBOR[user](true),
		"limit":   Limit[user]{Inner: Msgpack[user]{}, MaxEncode: 1 << 10},
	} {
		t.Run(name, func(t *testing.T) {
			plain, err := c.Encode(u)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			b, err := c.(Reserver[user]).EncodeReserved(u, 8)
			if err != nil {
				t.Fatalf("reserved: %v", err)
			}
			if !bytes.Equal(b[:8], make([]byte, 8)) {
				t.Fatalf("reserved prefix not zero: %x", b[:8])
			}
			if !bytes.Equal(b[8:], plain) {
				t.Fatalf("body differs from Encode:\n%x\n%x", b[8:], plain)
			}
		})
	}
}

func TestJSON_NoHTMLEscape(t *testing.T) {
	b, err := JSON[string]{}.Encode("<a&b>")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if string(b) != `"<a&b>"` {
		t.Fatalf("got %s", b)
	}
}

func TestCBOR_UntypedMapsUseStringKeys(t *testing.T) {
	c := MustCBOR[any](false)
	out := roundTrip[any](t, c, map[string]any{"name": "ada"})
	m, ok := out.(map[string]any)
	if !ok {
		t.Fatalf("decoded %T, want map[string]any", out)
	}
	if m["name"] != "ada" {
		t.Fatalf("got %v", m)
	}
}

func TestBytesAndString(t *testing.T) {
	in := []byte("raw")
	out := roundTrip[[]byte](t, Bytes{}, in)
	if &out[0] != &in[0] {
		t.Fatalf("Bytes should not copy")
	}
	if !(Bytes{}).Aliases() {
		t.Fatalf("Bytes must report aliasing")
	}
	if got := roundTrip[string](t, String{}, "héllo"); got != "héllo" {
		t.Fatalf("String round trip: %q", got)
	}
}

// ==================== Limit ====================

func TestLimit_Decode(t *testing.T) {
	c := Limit[string]{Inner: String{}, MaxDecode: 4}
	_, err := c.Decode([]byte("12345"))
	var se *SizeError
	if !errors.As(err, &se) || se.Op != "decode" || se.Size != 5 || se.Limit != 4 {
		t.Fatalf("want decode SizeError, got %v", err)
	}
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("SizeError should wrap ErrTooLarge")
	}
	if v, err := c.Decode([]byte("1234")); err != nil || v != "1234" {
		t.Fatalf("decode at limit: %q %v", v, err)
	}
}

func TestLimit_Encode(t *testing.T) {
	c := Limit[string]{Inner: String{}, MaxEncode: 3}
	if _, err := c.Encode("abcd"); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("Encode: want ErrTooLarge, got %v", err)
	}
	if _, err := c.EncodeReserved("abcd", 8); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("EncodeReserved: want ErrTooLarge, got %v", err)
	}
	b, err := c.EncodeReserved("abc", 8)
	if err != nil || string(b[8:]) != "abc" {
		t.Fatalf("EncodeReserved under limit: %q %v", b, err)
	}
	if (Limit[string]{Inner: String{}}).Aliases() {
		t.Fatalf("String does not alias")
	}
	if !(Limit[[]byte]{Inner: Bytes{}}).Aliases() {
		t.Fatalf("aliasing of Bytes should pass through")
	}
}

// ==================== Protobuf ====================

func TestProtobuf(t *testing.T) {
	c := NewProtobuf(func() *wrapperspb.StringValue { return &wrapperspb.StringValue{} })
	out := roundTrip[*wrapperspb.StringValue](t, c, wrapperspb.String("pb"))
	if out.GetValue() != "pb" {
		t.Fatalf("got %q", out.GetValue())
	}
	msg := wrapperspb.String("reserved")
	plain, err := c.Encode(msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	b, err := c.Deterministic().EncodeReserved(msg, 8)
	if err != nil {
		t.Fatalf("reserved: %v", err)
	}
	if !bytes.Equal(b[8:], plain) {
		t.Fatalf("body differs from Encode:\n%x\n%x", b[8:], plain)
	}
}
