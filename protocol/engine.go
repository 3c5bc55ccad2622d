package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/durable-streams/engine/cache"
	"github.com/durable-streams/engine/codec"
	"github.com/durable-streams/engine/dispatch"
	"github.com/durable-streams/engine/store"
)

// Protocol header names, normalized to canonicalHeaderKey's form.
const (
	HeaderContentType     = "Content-Type"
	HeaderItemContentType = "Item-Content-Type"
	HeaderETag            = "Etag"
	HeaderLocation        = "Location"
	HeaderNextOffset      = "X-Stream-Next-Offset"
	HeaderCursor          = "X-Stream-Cursor"
	HeaderCacheControl    = "Cache-Control"
	HeaderLastModified    = "Last-Modified"
	HeaderVary            = "Vary"
	HeaderAllow           = "Allow"
	HeaderRetryAfter      = "Retry-After"
	HeaderIfNoneMatch     = "If-None-Match"
	HeaderLastEventID     = "Last-Event-Id"
	HeaderStreamTTL       = "Stream-Ttl"
)

// Config tunes the Engine's protocol-level knobs. NewEngine substitutes
// DefaultConfig as a whole when LongPollTimeoutDefault is zero or
// negative; otherwise every field is used as given.
type Config struct {
	// LongPollTimeoutDefault is used when a long-poll request omits
	// ?timeout.
	LongPollTimeoutDefault time.Duration
	// LongPollTimeoutMax is the upper clamp for ?timeout.
	LongPollTimeoutMax time.Duration
	// MaxReadLength bounds ?length on a plain read when the caller
	// omits it.
	MaxReadLength int
	// MaxRecordSize rejects POST bodies larger than this with 413.
	MaxRecordSize int
	// SSEMaxDuration bounds a single SSE connection's lifetime; the
	// client is expected to reconnect, which also rotates it across
	// load balancer nodes.
	SSEMaxDuration time.Duration
	// SSEKeepAliveInterval is how often an idle SSE connection emits a
	// comment ping.
	SSEKeepAliveInterval time.Duration
	// CachePolicy computes Cache-Control/ETag/Last-Modified/Vary for
	// historical reads.
	CachePolicy cache.Policy
}

// DefaultConfig holds the protocol's default timeouts and limits.
var DefaultConfig = Config{
	LongPollTimeoutDefault: 30 * time.Second,
	LongPollTimeoutMax:     55 * time.Second,
	MaxReadLength:          1 << 20,
	MaxRecordSize:          8 << 20,
	SSEMaxDuration:         60 * time.Second,
	SSEKeepAliveInterval:   15 * time.Second,
	CachePolicy:            cache.DefaultPolicy,
}

// Engine is the transport-independent HTTP request/response state
// machine. It owns no transport I/O; Handle consumes a ServerRequest and
// returns a ServerResponse, deferring to the Store for persistence, the
// Dispatcher for live-tail wakeups, and the CursorPolicy for resumption
// tokens.
type Engine struct {
	store      store.Store
	dispatcher *dispatch.Dispatcher
	cursors    *store.CursorPolicy
	codecs     *codec.Registry
	cfg        Config
	logger     *zap.Logger
}

// NewEngine builds an Engine over the given collaborators. logger may be
// nil, in which case a no-op logger is used. codecs may be nil, in which
// case codec.NewRegistry()'s defaults are used.
func NewEngine(st store.Store, d *dispatch.Dispatcher, cursors *store.CursorPolicy, codecs *codec.Registry, cfg Config, logger *zap.Logger) *Engine {
	if cfg.LongPollTimeoutDefault <= 0 {
		cfg = DefaultConfig
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if codecs == nil {
		codecs = codec.NewRegistry()
	}
	return &Engine{store: st, dispatcher: d, cursors: cursors, codecs: codecs, cfg: cfg, logger: logger}
}

// Handle routes req through the method/query decision tree and never
// panics or returns an error: every failure is rendered as a
// ServerResponse.
func (e *Engine) Handle(ctx context.Context, req ServerRequest) ServerResponse {
	requestID := uuid.NewString()
	e.logger.Debug("handling request",
		zap.String("request_id", requestID),
		zap.String("method", req.Method),
		zap.String("path", req.Path))

	if len(req.Query["offset"]) > 1 || len(req.Query["live"]) > 1 ||
		len(req.Query["cursor"]) > 1 || len(req.Query["timeout"]) > 1 ||
		len(req.Query["length"]) > 1 {
		return e.errorResponse(400, "duplicate query parameter")
	}

	switch req.Method {
	case "PUT":
		return e.handleCreate(req)
	case "POST":
		return e.handleAppend(req)
	case "GET":
		if live := req.Query.Get("live"); live != "" {
			return e.handleLiveTail(ctx, req, live)
		}
		return e.handleRead(req)
	case "HEAD":
		return e.handleHead(req)
	case "DELETE":
		return e.handleDelete(req)
	default:
		resp := e.errorResponse(405, "method not allowed")
		resp.Headers.Set(HeaderAllow, "GET, POST, PUT, DELETE, HEAD")
		return resp
	}
}

func (e *Engine) errorResponse(status int, msg string) ServerResponse {
	resp := newResponse(status)
	resp.Headers.Set(HeaderCacheControl, "no-store")
	if msg != "" {
		resp.Body = BytesBody([]byte(msg))
	}
	return resp
}

func (e *Engine) storeError(err error) ServerResponse {
	switch {
	case errors.Is(err, store.ErrStreamNotFound):
		return e.errorResponse(404, "stream not found")
	case errors.Is(err, store.ErrStreamExists):
		return e.errorResponse(409, "stream already exists")
	case errors.Is(err, store.ErrRangeNotSatisfiable):
		return e.errorResponse(416, "range not satisfiable")
	case errors.Is(err, store.ErrContentTypeMismatch):
		return e.errorResponse(415, "content type mismatch")
	case errors.Is(err, store.ErrRecordTooLarge):
		return e.errorResponse(413, "record too large")
	case errors.Is(err, store.ErrStreamDegraded):
		e.logger.Error("operation against degraded stream", zap.Error(err))
		return e.errorResponse(500, "")
	default:
		e.logger.Error("internal store error", zap.Error(err))
		return e.errorResponse(500, "")
	}
}

func (e *Engine) handleCreate(req ServerRequest) ServerResponse {
	contentType := req.Headers.Get(HeaderContentType)
	if contentType == "" {
		return e.errorResponse(400, "Content-Type header is required")
	}
	itemContentType := req.Headers.Get(HeaderItemContentType)

	var ttl *time.Duration
	if ttlStr := req.Headers.Get(HeaderStreamTTL); ttlStr != "" {
		secs, err := strconv.ParseInt(ttlStr, 10, 64)
		if err != nil || secs < 0 {
			return e.errorResponse(400, "invalid Stream-Ttl")
		}
		d := time.Duration(secs) * time.Second
		ttl = &d
	}

	var initialData []byte
	if req.Body != nil && req.ContentLength != 0 {
		data, err := io.ReadAll(req.Body)
		if err != nil {
			return e.errorResponse(400, "failed to read body")
		}
		initialData = data
	}

	meta, _, err := e.store.Create(req.Path, store.CreateOptions{
		ContentType:     contentType,
		ItemContentType: itemContentType,
		TTL:             ttl,
		InitialData:     initialData,
	})
	if err != nil {
		return e.storeError(err)
	}

	scheme := "http"
	if req.TLS {
		scheme = "https"
	}

	resp := newResponse(201)
	resp.Headers.Set(HeaderContentType, meta.ContentType)
	if meta.ItemContentType != "" {
		resp.Headers.Set(HeaderItemContentType, meta.ItemContentType)
	}
	resp.Headers.Set(HeaderNextOffset, meta.Head.String())
	resp.Headers.Set(HeaderETag, fmt.Sprintf("%q", meta.Head.String()))
	resp.Headers.Set(HeaderLocation, fmt.Sprintf("%s://%s%s", scheme, req.Host, req.Path))
	return resp
}

func (e *Engine) handleHead(req ServerRequest) ServerResponse {
	meta, err := e.store.Head(req.Path)
	if err != nil {
		return e.storeError(err)
	}

	resp := newResponse(200)
	resp.Headers.Set(HeaderContentType, meta.ContentType)
	if meta.ItemContentType != "" {
		resp.Headers.Set(HeaderItemContentType, meta.ItemContentType)
	}
	resp.Headers.Set(HeaderETag, fmt.Sprintf("%q", meta.Head.String()))
	resp.Headers.Set(HeaderLastModified, meta.CreatedAt.UTC().Format(httpTimeFormat))
	resp.Headers.Set(HeaderCacheControl, "no-store")
	return resp
}

func (e *Engine) handleDelete(req ServerRequest) ServerResponse {
	if err := e.store.Delete(req.Path); err != nil {
		return e.storeError(err)
	}
	if e.dispatcher != nil {
		e.dispatcher.NotifyDelete(req.Path)
	}
	return newResponse(204)
}

func (e *Engine) handleAppend(req ServerRequest) ServerResponse {
	meta, err := e.store.Head(req.Path)
	if err != nil {
		return e.storeError(err)
	}

	contentType := req.Headers.Get(HeaderContentType)
	if contentType == "" {
		return e.errorResponse(400, "Content-Type header is required")
	}
	// A record-mode stream (item_content_type set at creation) matches
	// appends against the per-item type, not the container type.
	expectedType := meta.ContentType
	if meta.ItemContentType != "" {
		expectedType = meta.ItemContentType
	}
	if !store.ContentTypeMatches(expectedType, contentType) {
		return e.errorResponse(415, "content type mismatch")
	}

	body, err := io.ReadAll(req.Body)
	if err != nil {
		return e.errorResponse(400, "failed to read body")
	}
	if len(body) > e.cfg.MaxRecordSize {
		return e.errorResponse(413, "record exceeds max_record_size")
	}

	newOffset, err := e.store.Append(req.Path, contentType, meta.ItemContentType, body)
	if err != nil {
		return e.storeError(err)
	}

	if e.dispatcher != nil {
		e.dispatcher.NotifyAppend(req.Path)
	}

	resp := newResponse(204)
	resp.Headers.Set(HeaderNextOffset, newOffset.String())
	resp.Headers.Set(HeaderETag, fmt.Sprintf("%q", newOffset.String()))
	return resp
}

func (e *Engine) parseReadOffset(req ServerRequest, meta *store.StreamMetadata) (store.Offset, error) {
	offsetStr := req.Query.Get("offset")
	offset, err := store.ParseOffset(offsetStr)
	if err != nil {
		return 0, err
	}
	if offset.IsHeadSentinel() {
		offset = meta.Head
	}
	return offset, nil
}

func (e *Engine) parseLength(req ServerRequest) (int, error) {
	lengthStr := req.Query.Get("length")
	if lengthStr == "" {
		return e.cfg.MaxReadLength, nil
	}
	n, err := strconv.Atoi(lengthStr)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid length")
	}
	return n, nil
}

func (e *Engine) handleRead(req ServerRequest) ServerResponse {
	meta, err := e.store.Head(req.Path)
	if err != nil {
		return e.storeError(err)
	}

	offset, err := e.parseReadOffset(req, meta)
	if err != nil {
		return e.errorResponse(400, "invalid offset")
	}
	length, err := e.parseLength(req)
	if err != nil {
		return e.errorResponse(400, err.Error())
	}
	if length == 0 {
		// The store treats a zero budget as "no limit", so an explicit
		// length=0 is answered here with an empty read at offset.
		if offset.Compare(meta.Head) > 0 {
			return e.storeError(store.ErrRangeNotSatisfiable)
		}
		resp := newResponse(200)
		resp.Headers.Set(HeaderContentType, meta.ContentType)
		resp.Headers.Set(HeaderNextOffset, offset.String())
		resp.Headers.Set(HeaderCacheControl, "no-store")
		resp.Body = BytesBody(e.codecs.Lookup(meta.ContentType).Join(nil))
		return resp
	}

	result, err := e.store.Read(req.Path, offset, length)
	if err != nil {
		return e.storeError(err)
	}

	codecBody := e.codecs.Lookup(meta.ContentType).Join(recordBytes(result.Messages))

	mode := cache.ModeForRead(result.EndOfStream && result.NextOffset == offset)
	hdrs := e.cfg.CachePolicy.ForRead(mode, result.NextOffset.String(), meta.CreatedAt)

	if ifNoneMatch := req.Headers.Get(HeaderIfNoneMatch); cache.NotModified(ifNoneMatch, hdrs) {
		resp := newResponse(304)
		resp.Headers.Set(HeaderCacheControl, hdrs.CacheControl)
		return resp
	}

	resp := newResponse(200)
	resp.Headers.Set(HeaderContentType, meta.ContentType)
	resp.Headers.Set(HeaderNextOffset, result.NextOffset.String())
	resp.Headers.Set(HeaderETag, hdrs.ETag)
	resp.Headers.Set(HeaderVary, hdrs.Vary)
	if hdrs.CacheControl != "" {
		resp.Headers.Set(HeaderCacheControl, hdrs.CacheControl)
	}
	if hdrs.LastModified != "" {
		resp.Headers.Set(HeaderLastModified, hdrs.LastModified)
	}
	resp.Body = BytesBody(codecBody)
	return resp
}

func recordBytes(messages []store.Message) [][]byte {
	out := make([][]byte, len(messages))
	for i, m := range messages {
		out[i] = m.Data
	}
	return out
}

const httpTimeFormat = "Mon, 02 Jan 2006 15:04:05 GMT"
