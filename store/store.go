package store

import (
	"context"
	"errors"
	"time"
)

// Sentinel store errors. The protocol engine maps these to HTTP status
// codes at its boundary; store implementations never construct an
// HTTP status themselves.
var (
	ErrStreamNotFound      = errors.New("stream not found")
	ErrStreamExists        = errors.New("stream already exists")
	ErrContentTypeMismatch = errors.New("content type mismatch")
	ErrRangeNotSatisfiable = errors.New("offset is beyond the current head")
	ErrRecordTooLarge      = errors.New("record exceeds max_record_size")
	ErrStreamDegraded      = errors.New("stream is degraded and rejects further appends")
)

// Message is a single framed record (or, in byte-mode streams, an
// arbitrary-length slice of the byte log) returned by Read.
type Message struct {
	Data   []byte
	Offset Offset
}

// CreateOptions configures a new stream.
type CreateOptions struct {
	ContentType string
	// ItemContentType, when set, is the media type each appended item is
	// expected to carry rather than ContentType, which then describes
	// only the container (e.g. a stream of "application/json" items
	// inside a "application/x-ndjson" log). Whether reads count records
	// or bytes is decided by the codec registered for ContentType, not
	// by this field.
	ItemContentType string
	TTL             *time.Duration
	InitialData     []byte
}

// StreamMetadata describes a stream's durable configuration and
// current position. It never carries producer/epoch bookkeeping —
// there is no producer-fencing concept here.
type StreamMetadata struct {
	Path            string
	ContentType     string
	ItemContentType string
	Head            Offset
	TTL             *time.Duration
	CreatedAt       time.Time
	Degraded        bool
}

// IsExpired reports whether the stream's TTL has elapsed.
func (m *StreamMetadata) IsExpired() bool {
	if m.TTL == nil {
		return false
	}
	return time.Now().After(m.CreatedAt.Add(*m.TTL))
}

// ReadResult is the outcome of a successful Read.
type ReadResult struct {
	Messages    []Message
	NextOffset  Offset
	EndOfStream bool
}

// Store is the durable stream storage contract.
// Implementations must serialize concurrent appends to the same
// stream; operations on distinct streams must not contend on a single
// global lock.
type Store interface {
	// Create creates a new stream at path. If a live stream already
	// exists at path, Create returns ErrStreamExists — unconditionally,
	// regardless of whether opts matches the existing configuration.
	Create(path string, opts CreateOptions) (meta *StreamMetadata, created bool, err error)

	// Head returns metadata for a live stream, or ErrStreamNotFound.
	Head(path string) (*StreamMetadata, error)

	// Delete removes a stream. Returns ErrStreamNotFound if absent.
	// Any Dispatcher waiters on this stream must be woken with a
	// terminal signal by the caller after Delete succeeds.
	Delete(path string) error

	// Append appends data to a stream, returning the offset
	// immediately after the appended bytes. contentType is the
	// request's declared media type; itemContentType is the stream's
	// configured item content type (empty for byte-mode streams), and
	// is matched against contentType in place of the container content
	// type when set. Returns ErrStreamNotFound, ErrContentTypeMismatch,
	// ErrStreamDegraded, or the codec's framing error. The size limit
	// behind ErrRecordTooLarge is checked by the protocol engine, not
	// by Append.
	Append(path string, contentType string, itemContentType string, data []byte) (nextOffset Offset, err error)

	// Read returns up to maxBytes (or, in record-mode streams, up to
	// maxBytes records) starting at offset; maxBytes <= 0 means no
	// limit. Returns
	// ErrRangeNotSatisfiable if offset is past the current head, or
	// ErrStreamNotFound.
	Read(path string, offset Offset, maxBytes int) (ReadResult, error)

	// Await blocks until the stream's head advances past offset, the
	// stream is deleted, ctx is cancelled, or timeout elapses. It
	// returns true if new data is now available. A caller must treat
	// a spurious wake (returns true but no data after a subsequent
	// Read) as normal and simply re-check.
	Await(ctx context.Context, path string, offset Offset, timeout time.Duration) (bool, error)

	// Close releases resources (open file handles, background
	// goroutines) held by the store.
	Close() error
}

// ContentTypeMatches compares two content types, ignoring parameters
// (e.g. charset) and case.
func ContentTypeMatches(a, b string) bool {
	if a == "" {
		a = "application/octet-stream"
	}
	if b == "" {
		b = "application/octet-stream"
	}
	return equalFold(extractMediaType(a), extractMediaType(b))
}

// ExtractMediaType extracts the media type from a Content-Type header,
// dropping any parameters after a semicolon.
func ExtractMediaType(ct string) string {
	return extractMediaType(ct)
}

func extractMediaType(ct string) string {
	for i := 0; i < len(ct); i++ {
		if ct[i] == ';' {
			return ct[:i]
		}
	}
	return ct
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if ca >= 'A' && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if cb >= 'A' && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}
