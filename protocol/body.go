package protocol

import "context"

// BodyKind tags the variant carried by a Body. Transport adapters type
// switch on Kind (or use the typed accessors) instead of the engine
// writing to any transport-specific writer directly.
type BodyKind int

const (
	// BodyEmpty carries no content.
	BodyEmpty BodyKind = iota
	// BodyBytes carries an in-memory byte slice.
	BodyBytes
	// BodyFileRegion names a byte range of a file the transport should
	// transfer with zero-copy where the platform supports it.
	BodyFileRegion
	// BodySSE carries a live SseStream the transport drains frame by
	// frame, flushing after each one.
	BodySSE
)

// FileRegion identifies a byte range within a file on disk.
type FileRegion struct {
	Path     string
	Position int64
	Length   int64
}

// SseFrame is a single Server-Sent Events frame. A Comment frame (with
// Comment set) renders as a bare `: text\n\n` line instead of an
// event/data/id block, used for keep-alive pings.
type SseFrame struct {
	Event   string
	Data    []byte
	ID      string
	Comment string
}

// SseStream is a pull-based iterator of SSE frames: the transport calls
// Next only when it is ready to send another frame, matching the
// "no frame produced until the consumer has requested it" contract
// without requiring a reactive-streams library. Next returns ok=false
// once the stream is over (session expired or terminal "closed" frame
// already delivered); it must not be called again afterward.
type SseStream interface {
	Next(ctx context.Context) (frame SseFrame, ok bool, err error)
	// Close ends the stream if the transport stops draining early, e.g.
	// on client disconnect; later Next calls report ok=false.
	Close()
}

// Body is the tagged response body variant. Exactly one of the typed
// fields is meaningful, selected by Kind.
type Body struct {
	Kind   BodyKind
	Bytes  []byte
	File   FileRegion
	Stream SseStream
}

// EmptyBody is the zero-value Body.
var EmptyBody = Body{Kind: BodyEmpty}

// BytesBody wraps a byte slice as a Body.
func BytesBody(b []byte) Body {
	return Body{Kind: BodyBytes, Bytes: b}
}

// FileRegionBody wraps a file region as a Body.
func FileRegionBody(path string, position, length int64) Body {
	return Body{Kind: BodyFileRegion, File: FileRegion{Path: path, Position: position, Length: length}}
}

// SseBody wraps an SseStream as a Body.
func SseBody(s SseStream) Body {
	return Body{Kind: BodySSE, Stream: s}
}
