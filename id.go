package cobase

import (
	"strconv"

	"github.com/DoctorEvidence/cobase/internal/util"
)

// ID names one entity: a positive integer or a non-numeric string.
type ID = util.ID

func NumID(n uint64) ID { return util.NumID(n) }
func StrID(s string) ID { return util.StrID(s) }

// ParseID reads s as a numeric id when it is a positive integer and as a
// string id otherwise.
func ParseID(s string) ID {
	if n, err := strconv.ParseUint(s, 10, 64); err == nil && n > 0 {
		return util.NumID(n)
	}
	return util.StrID(s)
}

// IDVersion pairs an id with the version of its stored entry.
type IDVersion struct {
	ID      ID
	Version uint64
}

func validate(table string, id ID) error {
	if err := id.Validate(); err != nil {
		return &ValidationError{Table: table, ID: id, Err: err}
	}
	return nil
}
