package protocol

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/durable-streams/engine/store"
)

func (e *Engine) handleLiveTail(ctx context.Context, req ServerRequest, mode string) ServerResponse {
	if mode != "long-poll" && mode != "sse" {
		return e.errorResponse(400, "live must be long-poll or sse")
	}
	if req.Query.Get("offset") == "" {
		return e.errorResponse(400, fmt.Sprintf("offset required for %s mode", mode))
	}

	meta, err := e.store.Head(req.Path)
	if err != nil {
		return e.storeError(err)
	}

	offset, err := e.parseReadOffset(req, meta)
	if err != nil {
		return e.errorResponse(400, "invalid offset")
	}

	if mode == "sse" {
		return e.handleSSE(req, meta, offset)
	}
	return e.handleLongPoll(ctx, req, meta, offset)
}

func (e *Engine) parseTimeout(req ServerRequest) (time.Duration, error) {
	s := req.Query.Get("timeout")
	if s == "" {
		return e.cfg.LongPollTimeoutDefault, nil
	}
	secs, err := strconv.ParseFloat(s, 64)
	if err != nil || secs <= 0 {
		return 0, fmt.Errorf("invalid timeout")
	}
	d := time.Duration(secs * float64(time.Second))
	if d < time.Second {
		d = time.Second
	}
	if d > e.cfg.LongPollTimeoutMax {
		d = e.cfg.LongPollTimeoutMax
	}
	return d, nil
}

// handleLongPoll implements the single-shot await-then-read long-poll
// response: a waiter registers before checking so an append landing in
// the race window is never missed (register-before-check discipline).
func (e *Engine) handleLongPoll(ctx context.Context, req ServerRequest, meta *store.StreamMetadata, offset store.Offset) ServerResponse {
	timeout, err := e.parseTimeout(req)
	if err != nil {
		return e.errorResponse(400, err.Error())
	}

	clientCursor := req.Query.Get("cursor")
	if clientCursor != "" && e.cursors != nil {
		if _, verr := e.cursors.Verify(req.Path, clientCursor); verr != nil {
			return e.errorResponse(410, "cursor invalid or expired")
		}
	}

	waiter, werr := e.dispatcher.RegisterWaiter(req.Path)
	if werr != nil {
		resp := e.errorResponse(503, "too many concurrent waiters")
		resp.Headers.Set(HeaderRetryAfter, "1")
		return resp
	}
	defer waiter.Release()

	result, err := e.store.Read(req.Path, offset, e.cfg.MaxReadLength)
	if err != nil {
		return e.storeError(err)
	}

	if len(result.Messages) == 0 {
		_, waitErr := waiter.Wait(ctx, timeout)
		if waitErr != nil {
			return e.timeoutResponse(req.Path, offset, meta, clientCursor)
		}
		// Re-read regardless of whether Wait was woken by a notify or
		// simply timed out: the store may already hold data appended
		// after the notify fired but before this re-Read runs, and a
		// bare timeout must not be answered with a stale empty 204 when
		// that's the case.
		result, err = e.store.Read(req.Path, offset, e.cfg.MaxReadLength)
		if err != nil {
			return e.storeError(err)
		}
		if len(result.Messages) == 0 {
			return e.timeoutResponse(req.Path, offset, meta, clientCursor)
		}
	}

	body := e.codecs.Lookup(meta.ContentType).Join(recordBytes(result.Messages))

	resp := newResponse(200)
	resp.Headers.Set(HeaderContentType, meta.ContentType)
	resp.Headers.Set(HeaderNextOffset, result.NextOffset.String())
	resp.Headers.Set(HeaderCacheControl, "no-store")
	if e.cursors != nil {
		resp.Headers.Set(HeaderCursor, e.cursors.Issue(req.Path, result.NextOffset))
	}
	resp.Body = BytesBody(body)
	return resp
}

func (e *Engine) timeoutResponse(path string, offset store.Offset, meta *store.StreamMetadata, clientCursor string) ServerResponse {
	resp := newResponse(204)
	resp.Headers.Set(HeaderNextOffset, offset.String())
	resp.Headers.Set(HeaderCacheControl, "no-store")
	if e.cursors != nil {
		if clientCursor != "" {
			resp.Headers.Set(HeaderCursor, clientCursor)
		} else {
			resp.Headers.Set(HeaderCursor, e.cursors.Issue(path, offset))
		}
	}
	return resp
}

// handleSSE validates the request and returns a 200 response whose body
// is a pull-based SseStream; the transport adapter drains it frame by
// frame.
func (e *Engine) handleSSE(req ServerRequest, meta *store.StreamMetadata, offset store.Offset) ServerResponse {
	ct := strings.ToLower(store.ExtractMediaType(meta.ContentType))
	if !strings.HasPrefix(ct, "text/") && ct != "application/json" {
		return e.errorResponse(400, "SSE mode requires text/* or application/json content type")
	}

	if lastEventID := req.Headers.Get(HeaderLastEventID); lastEventID != "" {
		if parsed, err := store.ParseOffset(lastEventID); err == nil && !parsed.IsHeadSentinel() {
			offset = parsed
		}
	}

	stream := newSseStream(e, req.Path, meta.ContentType, offset)

	resp := newResponse(200)
	resp.Headers.Set(HeaderContentType, "text/event-stream")
	resp.Headers.Set(HeaderCacheControl, "no-store")
	resp.Body = SseBody(stream)
	return resp
}
