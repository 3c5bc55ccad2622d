// Package codec implements the stream codec registry: a content-type
// keyed table of framers that split an append body into discrete
// records and rejoin records into a read response body.
package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
)

// ErrInvalidRecord is returned when an append body cannot be framed
// under the stream's codec (e.g. malformed JSON on a JSON-lines
// stream).
var ErrInvalidRecord = errors.New("codec: invalid record body")

// Codec frames and deframes record-oriented stream bodies.
type Codec interface {
	// Name identifies the codec, for logging.
	Name() string

	// RecordMode reports whether this codec's streams interpret a
	// read's length budget as a record count (true) or a byte count
	// (false).
	RecordMode() bool

	// FrameAppend splits one append request body into the individual
	// records it stores. A non-record codec always returns a single
	// one-element slice containing the whole body.
	FrameAppend(body []byte) ([][]byte, error)

	// Join reassembles a sequence of stored records into a read
	// response body.
	Join(records [][]byte) []byte
}

// Registry resolves a Content-Type to the Codec that should frame and
// deframe it.
type Registry struct {
	byType map[string]Codec
	def    Codec
}

// NewRegistry builds the default registry: application/json (and
// variants like application/x-ndjson) use the JSON-lines codec,
// everything else falls back to the pass-through byte codec.
func NewRegistry() *Registry {
	r := &Registry{
		byType: make(map[string]Codec),
		def:    passthroughCodec{},
	}
	jsonLines := jsonLinesCodec{}
	r.Register("application/json", jsonLines)
	r.Register("application/x-ndjson", jsonLines)
	return r
}

// Register associates a content type (matched case-insensitively,
// parameters ignored) with a codec.
func (r *Registry) Register(contentType string, c Codec) {
	r.byType[normalizeType(contentType)] = c
}

// Lookup returns the codec registered for contentType, or the
// pass-through codec if none matches.
func (r *Registry) Lookup(contentType string) Codec {
	if c, ok := r.byType[normalizeType(contentType)]; ok {
		return c
	}
	return r.def
}

func normalizeType(ct string) string {
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.ToLower(strings.TrimSpace(ct))
}

// passthroughCodec treats the entire append body as a single opaque
// record and counts length budgets in bytes.
type passthroughCodec struct{}

func (passthroughCodec) Name() string       { return "passthrough" }
func (passthroughCodec) RecordMode() bool   { return false }
func (passthroughCodec) FrameAppend(body []byte) ([][]byte, error) {
	return [][]byte{body}, nil
}
func (passthroughCodec) Join(records [][]byte) []byte {
	var buf bytes.Buffer
	for _, r := range records {
		buf.Write(r)
	}
	return buf.Bytes()
}

// jsonLinesCodec accepts either a single JSON value or a top-level
// JSON array per append; an array is flattened into one record per
// element. Reads rejoin records as a JSON array. Length budgets count
// records, not bytes.
type jsonLinesCodec struct{}

func (jsonLinesCodec) Name() string     { return "json-lines" }
func (jsonLinesCodec) RecordMode() bool { return true }

func (jsonLinesCodec) FrameAppend(body []byte) ([][]byte, error) {
	if !json.Valid(body) {
		return nil, ErrInvalidRecord
	}
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, ErrInvalidRecord
	}
	if trimmed[0] != '[' {
		return [][]byte{trimmed}, nil
	}

	var arr []json.RawMessage
	if err := json.Unmarshal(trimmed, &arr); err != nil {
		return nil, ErrInvalidRecord
	}
	records := make([][]byte, len(arr))
	for i, elem := range arr {
		records[i] = []byte(elem)
	}
	return records, nil
}

func (jsonLinesCodec) Join(records [][]byte) []byte {
	if len(records) == 0 {
		return []byte("[]")
	}
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, r := range records {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(r)
	}
	buf.WriteByte(']')
	return buf.Bytes()
}
