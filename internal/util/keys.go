package util

import (
	"encoding/binary"
	"errors"
	"regexp"
	"strconv"
	"strings"
)

// Key layout. Metadata lives under 0x01; entity rows start at RowStart so a
// scan from RowStart never sees bookkeeping keys. Numeric ids sort before
// string ids and both sort in natural order.
const (
	metaPrefix byte = 0x01

	numTag byte = 0x0A
	strTag byte = 0x10

	RowStart = numTag

	// MaxKeySize is the longest row key the store accepts.
	MaxKeySize = 511
)

var (
	// KeyTableState holds the durable (dbVersion, startVersion) pair.
	KeyTableState = []byte{metaPrefix, 1}
	// KeyLastVersion holds the table's high-water mark.
	KeyLastVersion = []byte{metaPrefix, 2}
	// KeyInitializing holds the pid of the process running data initialization.
	KeyInitializing = []byte{metaPrefix, 4}

	processPrefix = []byte{metaPrefix, 3}
)

var ErrBadKey = errors.New("cobase: malformed row key")

// ProcessKey is the liveness marker of pid.
func ProcessKey(pid int) []byte {
	k := make([]byte, len(processPrefix)+4)
	copy(k, processPrefix)
	binary.BigEndian.PutUint32(k[len(processPrefix):], uint32(pid))
	return k
}

// ProcessRange returns the [start, end) bounds covering every process marker.
func ProcessRange() (start, end []byte) {
	return processPrefix, []byte{metaPrefix, 4}
}

// PIDFromKey decodes a process marker key.
func PIDFromKey(k []byte) (int, bool) {
	if len(k) != len(processPrefix)+4 || k[0] != metaPrefix || k[1] != processPrefix[1] {
		return 0, false
	}
	return int(binary.BigEndian.Uint32(k[2:])), true
}

// ID identifies one entity. The zero value is invalid.
type ID struct {
	n   uint64
	s   string
	str bool
}

func NumID(n uint64) ID  { return ID{n: n} }
func StrID(s string) ID  { return ID{s: s, str: true} }
func (id ID) IsStr() bool { return id.str }
func (id ID) Num() uint64 { return id.n }
func (id ID) Str() string { return id.s }

func (id ID) String() string {
	if id.str {
		return id.s
	}
	return strconv.FormatUint(id.n, 10)
}

var (
	ErrZeroID       = errors.New("id must be a positive integer or a non-empty string")
	ErrNumericStrID = errors.New("string id must not be numeric")
	ErrIDTooLong    = errors.New("string id too long")
)

// Validate rejects zero ids, empty strings, strings that read as decimal
// numbers and strings whose key would exceed MaxKeySize. A numeric string
// would alias the integer id space.
func (id ID) Validate() error {
	if !id.str {
		if id.n == 0 {
			return ErrZeroID
		}
		return nil
	}
	if id.s == "" {
		return ErrZeroID
	}
	if looksNumeric(id.s) {
		return ErrNumericStrID
	}
	if 1+len(id.s) > MaxKeySize {
		return ErrIDTooLong
	}
	return nil
}

var decimal = regexp.MustCompile(`^[+-]?(\d+\.?\d*|\.\d+)([eE][+-]?\d+)?$`)

// looksNumeric matches plain decimal notation only; words such as "nan" or
// "inf" are ordinary ids.
func looksNumeric(s string) bool {
	return decimal.MatchString(strings.TrimSpace(s))
}

// Key returns the order-preserving row key of id.
func (id ID) Key() []byte {
	if id.str {
		k := make([]byte, 1+len(id.s))
		k[0] = strTag
		copy(k[1:], id.s)
		return k
	}
	k := make([]byte, 9)
	k[0] = numTag
	binary.BigEndian.PutUint64(k[1:], id.n)
	return k
}

// ParseKey is the inverse of ID.Key.
func ParseKey(k []byte) (ID, error) {
	if len(k) == 0 {
		return ID{}, ErrBadKey
	}
	switch k[0] {
	case numTag:
		if len(k) != 9 {
			return ID{}, ErrBadKey
		}
		return NumID(binary.BigEndian.Uint64(k[1:])), nil
	case strTag:
		return StrID(string(k[1:])), nil
	default:
		return ID{}, ErrBadKey
	}
}

// IsRowKey reports whether k belongs to the entity row space.
func IsRowKey(k []byte) bool {
	return len(k) > 0 && k[0] >= RowStart
}
