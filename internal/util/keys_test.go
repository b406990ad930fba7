package util

import (
	"bytes"
	"sort"
	"strings"
	"testing"
)

func TestKeyOrderMatchesIDOrder(t *testing.T) {
	ids := []ID{
		NumID(1), NumID(2), NumID(255), NumID(256), NumID(1 << 40),
		StrID("a"), StrID("ab"), StrID("b"), StrID("user-9"),
	}
	keys := make([][]byte, len(ids))
	for i, id := range ids {
		keys[i] = id.Key()
	}
	shuffled := make([][]byte, 0, len(keys))
	for i := len(keys) - 1; i >= 0; i-- {
		shuffled = append(shuffled, keys[i])
	}
	sort.Slice(shuffled, func(i, j int) bool { return bytes.Compare(shuffled[i], shuffled[j]) < 0 })
	for i := range keys {
		if !bytes.Equal(keys[i], shuffled[i]) {
			t.Fatalf("position %d: key order differs from id order (%s)", i, ids[i])
		}
	}
}

func TestParseKeyRoundTrip(t *testing.T) {
	for _, id := range []ID{NumID(7), NumID(1<<63 + 5), StrID("héllo")} {
		got, err := ParseKey(id.Key())
		if err != nil {
			t.Fatalf("ParseKey(%s): %v", id, err)
		}
		if got != id {
			t.Fatalf("round trip: got %#v want %#v", got, id)
		}
		if !IsRowKey(id.Key()) {
			t.Fatalf("%s must be in the row space", id)
		}
	}
	if _, err := ParseKey([]byte{numTag, 1}); err != ErrBadKey {
		t.Fatalf("expected ErrBadKey for short numeric key, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		id   ID
		want error
	}{
		{NumID(1), nil},
		{NumID(0), ErrZeroID},
		{StrID(""), ErrZeroID},
		{StrID("42"), ErrNumericStrID},
		{StrID("1.5"), ErrNumericStrID},
		{StrID("-3e7"), ErrNumericStrID},
		{StrID(" .5 "), ErrNumericStrID},
		{StrID("abc"), nil},
		{StrID("42abc"), nil},
		{StrID("nan"), nil},
		{StrID("inf"), nil},
		{StrID("Infinity"), nil},
		{StrID("0x10"), nil},
		{StrID("1_000"), nil},
		{StrID(strings.Repeat("k", MaxKeySize-1)), nil},
		{StrID(strings.Repeat("k", MaxKeySize)), ErrIDTooLong},
	}
	for _, tc := range cases {
		if got := tc.id.Validate(); got != tc.want {
			t.Fatalf("Validate(%#v): got %v want %v", tc.id, got, tc.want)
		}
	}
}

func TestMetadataKeysStayOutOfRowSpace(t *testing.T) {
	for _, k := range [][]byte{KeyTableState, KeyLastVersion, KeyInitializing, ProcessKey(123)} {
		if IsRowKey(k) {
			t.Fatalf("metadata key %x falls in the row space", k)
		}
	}
	start, end := ProcessRange()
	k := ProcessKey(77)
	if bytes.Compare(k, start) < 0 || bytes.Compare(k, end) >= 0 {
		t.Fatalf("process key %x outside [%x, %x)", k, start, end)
	}
	if pid, ok := PIDFromKey(k); !ok || pid != 77 {
		t.Fatalf("PIDFromKey: got %d %v", pid, ok)
	}
}
