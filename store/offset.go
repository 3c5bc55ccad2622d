package store

import (
	"fmt"
	"strconv"
)

// Offset is a byte position within a stream. It is total-ordered and
// always aligned to a record boundary. The wire representation is a
// plain decimal string ("0", "5", ...) per the protocol's offset
// grammar; unlike a zero-padded fixed-width encoding, this is what
// conformance fixtures and HTTP clients expect to find in
// X-Stream-Next-Offset and in the ETag value.
type Offset uint64

// ZeroOffset is the starting offset for a newly created stream.
const ZeroOffset Offset = 0

// String returns the decimal representation of the offset.
func (o Offset) String() string {
	return strconv.FormatUint(uint64(o), 10)
}

// IsZero reports whether this is the starting offset.
func (o Offset) IsZero() bool {
	return o == ZeroOffset
}

// Add returns a new offset advanced by n bytes (or n records, in
// record-mode streams where the codec counts one "byte" per record).
func (o Offset) Add(n uint64) Offset {
	return o + Offset(n)
}

// ParseOffset parses an offset query/header value. "-1" and "" both mean
// "the current head at the moment the request is evaluated" and are
// resolved against a stream's head by the caller; ParseOffset itself just
// recognizes the sentinel and returns it unchanged as OffsetHead.
func ParseOffset(s string) (Offset, error) {
	if s == "" || s == "-1" {
		return OffsetHead, nil
	}
	if !isDecimal(s) {
		return 0, fmt.Errorf("invalid offset: must be a non-negative decimal integer or -1")
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid offset: %w", err)
	}
	return Offset(v), nil
}

// OffsetHead is the sentinel returned by ParseOffset for "-1"/"". It is
// never a real position; callers must resolve it against a stream's
// current head_offset before using it to read or await.
const OffsetHead Offset = 1<<64 - 1

// IsHeadSentinel reports whether the offset is the unresolved "-1" marker.
func (o Offset) IsHeadSentinel() bool {
	return o == OffsetHead
}

func isDecimal(s string) bool {
	if len(s) == 0 {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	// reject leading zeros other than "0" itself, matching the
	// protocol's canonical-encoding requirement for ETag comparisons
	if len(s) > 1 && s[0] == '0' {
		return false
	}
	return true
}

// Compare returns -1, 0, or 1 as a is less than, equal to, or greater
// than b.
func Compare(a, b Offset) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// LessThan reports whether o < other.
func (o Offset) LessThan(other Offset) bool { return o < other }

// LessThanOrEqual reports whether o <= other.
func (o Offset) LessThanOrEqual(other Offset) bool { return o <= other }

// Equal reports whether o == other.
func (o Offset) Equal(other Offset) bool { return o == other }

// Compare returns -1, 0, or 1 as o is less than, equal to, or greater
// than other.
func (o Offset) Compare(other Offset) int { return Compare(o, other) }

// Sub returns o - other. Both operands must satisfy other <= o.
func (o Offset) Sub(other Offset) uint64 { return uint64(o) - uint64(other) }
