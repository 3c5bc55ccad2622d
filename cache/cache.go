// Package cache computes the HTTP caching headers for stream read
// responses: Cache-Control, ETag, Last-Modified, Vary, and conditional
// If-None-Match evaluation. It generalizes the inline header-setting
// code a handler would otherwise repeat across every read path into one
// policy, since a historical read, a tail read, and a live-tail response
// each need a different Cache-Control but the same ETag/Vary mechanics.
package cache

import (
	"fmt"
	"net/http"
	"time"
)

// Mode selects the Cache-Control family for a response.
type Mode int

const (
	// ModeNoStore marks a response as never cacheable: live-tail
	// long-poll/SSE responses and anything still at the stream tail.
	ModeNoStore Mode = iota
	// ModePrivate marks a response cacheable only by the requesting
	// client's own cache, not by shared/CDN caches. ModeForRead picks it
	// for every read that ends behind the stream's current head.
	ModePrivate
	// ModePublic marks a response cacheable by shared/CDN caches.
	// ModeForRead never picks it; a caller selects it explicitly.
	ModePublic
)

// Policy computes caching headers for a single stream read response.
type Policy struct {
	// MaxAge is the max-age value used for ModePublic and ModePrivate
	// responses.
	MaxAge time.Duration
	// StaleWhileRevalidate, if non-zero, is appended to ModePublic and
	// ModePrivate Cache-Control values.
	StaleWhileRevalidate time.Duration
}

// DefaultPolicy mirrors what a historical (non-tail) stream read should
// carry: cacheable for a minute, servable stale for up
// to five minutes while revalidating in the background.
var DefaultPolicy = Policy{
	MaxAge:               60 * time.Second,
	StaleWhileRevalidate: 300 * time.Second,
}

// Headers is the set of caching-related header values computed for a
// response. Transport adapters copy these verbatim onto the outgoing
// response; a zero-value field means "do not set this header".
type Headers struct {
	CacheControl string
	ETag         string
	LastModified string
	Vary         string
}

// ForRead computes caching headers for a stream read at nextOffset under
// the given Mode. lastAppendAt is the instant of the most recent append
// to the stream, used for Last-Modified whenever the response is
// cacheable at all.
func (p Policy) ForRead(mode Mode, nextOffset string, lastAppendAt time.Time) Headers {
	h := Headers{
		ETag: fmt.Sprintf("%q", nextOffset),
		Vary: "Accept",
	}

	switch mode {
	case ModePublic:
		h.CacheControl = p.directive("public")
		h.LastModified = lastAppendAt.UTC().Format(http.TimeFormat)
	case ModePrivate:
		h.CacheControl = p.directive("private")
		h.LastModified = lastAppendAt.UTC().Format(http.TimeFormat)
	default:
		h.CacheControl = "no-store"
	}

	return h
}

// ForLiveTail computes caching headers for a long-poll or SSE response,
// which must never be cached by an intermediary since each response
// reflects a point-in-time wait outcome.
func ForLiveTail() Headers {
	return Headers{CacheControl: "no-store"}
}

func (p Policy) directive(visibility string) string {
	maxAge := int(p.MaxAge.Seconds())
	if p.StaleWhileRevalidate <= 0 {
		return fmt.Sprintf("%s, max-age=%d", visibility, maxAge)
	}
	swr := int(p.StaleWhileRevalidate.Seconds())
	return fmt.Sprintf("%s, max-age=%d, stale-while-revalidate=%d", visibility, maxAge, swr)
}

// NotModified reports whether the If-None-Match request header value
// matches the computed ETag, meaning the handler should respond 304
// instead of re-sending the body.
func NotModified(ifNoneMatch string, h Headers) bool {
	return ifNoneMatch != "" && h.ETag != "" && ifNoneMatch == h.ETag
}

// ModeForRead picks a Mode given whether the read landed at the current
// stream tail. A response still at the tail can change the moment a new
// append lands and so must never be cached; a response strictly behind
// the tail covers a byte range that will never change and defaults to
// private caching, matching the protocol's default mode.
func ModeForRead(atTail bool) Mode {
	if atTail {
		return ModeNoStore
	}
	return ModePrivate
}
