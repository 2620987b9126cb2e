package lock

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	kerrors "github.com/mirkobrombin/go-keylock/v1/errors"
)

// Separator splits the timestamp from the owner token in a lock record.
const Separator = "$T$"

// Record is the value stored for a held polling lock.
type Record struct {
	AcquiredAt time.Time
	Owner      string
}

// Encode renders the record as "<epochMillis>$T$<owner>".
func (r Record) Encode() string {
	return strconv.FormatInt(r.AcquiredAt.UnixMilli(), 10) + Separator + r.Owner
}

// ParseRecord decodes a stored lock record. Owner tokens may themselves
// contain the separator; only the first occurrence splits the record.
func ParseRecord(raw string) (Record, error) {
	idx := strings.Index(raw, Separator)
	if idx <= 0 {
		return Record{}, kerrors.ErrMalformedRecord
	}
	ms, err := strconv.ParseInt(raw[:idx], 10, 64)
	if err != nil {
		return Record{}, kerrors.ErrMalformedRecord
	}
	return Record{AcquiredAt: time.UnixMilli(ms), Owner: raw[idx+len(Separator):]}, nil
}

// NewOwnerToken returns a random owner token.
func NewOwnerToken() string {
	return uuid.NewString()
}
