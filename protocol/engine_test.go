package protocol

import (
	"context"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/durable-streams/engine/dispatch"
	"github.com/durable-streams/engine/store"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	st := store.NewMemoryStore(nil)
	t.Cleanup(func() { st.Close() })
	d := dispatch.New(0)
	cursors := store.NewCursorPolicy(time.Minute, nil)
	cfg := DefaultConfig
	cfg.LongPollTimeoutDefault = 300 * time.Millisecond
	cfg.LongPollTimeoutMax = 2 * time.Second
	return NewEngine(st, d, cursors, nil, cfg, nil)
}

func req(method, path, query string, headers Headers, body string) ServerRequest {
	if headers == nil {
		headers = Headers{}
	}
	q, _ := url.ParseQuery(query)
	var r ServerRequest
	r.Method = method
	r.Path = path
	r.Query = q
	r.Headers = headers
	r.ContentLength = int64(len(body))
	if body != "" {
		r.Body = strings.NewReader(body)
	} else {
		r.Body = strings.NewReader("")
	}
	return r
}

func TestEngineCreateAndRead(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	h := Headers{}
	h.Set(HeaderContentType, "text/plain")
	resp := e.Handle(ctx, req("PUT", "/a", "", h, ""))
	if resp.Status != 201 {
		t.Fatalf("expected 201, got %d", resp.Status)
	}

	resp = e.Handle(ctx, req("POST", "/a", "", h, "hello"))
	if resp.Status != 204 {
		t.Fatalf("expected 204, got %d", resp.Status)
	}
	if resp.Headers.Get(HeaderNextOffset) != "5" {
		t.Errorf("expected next offset 5, got %q", resp.Headers.Get(HeaderNextOffset))
	}

	resp = e.Handle(ctx, req("GET", "/a", "offset=0", nil, ""))
	if resp.Status != 200 {
		t.Fatalf("expected 200, got %d", resp.Status)
	}
	if string(resp.Body.Bytes) != "hello" {
		t.Errorf("expected body %q, got %q", "hello", resp.Body.Bytes)
	}
	if resp.Headers.Get(HeaderNextOffset) != "5" {
		t.Errorf("expected next offset 5, got %q", resp.Headers.Get(HeaderNextOffset))
	}

	resp = e.Handle(ctx, req("GET", "/a", "offset=-1", nil, ""))
	if resp.Status != 200 || len(resp.Body.Bytes) != 0 {
		t.Errorf("expected empty 200 at head, got status=%d body=%q", resp.Status, resp.Body.Bytes)
	}
}

func TestEngineCreateConflict(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	h := Headers{}
	h.Set(HeaderContentType, "text/plain")

	e.Handle(ctx, req("PUT", "/a", "", h, ""))
	// A second PUT always conflicts, even with an identical
	// Content-Type/TTL — there is no idempotent-PUT carve-out.
	resp := e.Handle(ctx, req("PUT", "/a", "", h, ""))
	if resp.Status != 409 {
		t.Errorf("expected 409 on re-create with matching config, got %d", resp.Status)
	}

	h2 := Headers{}
	h2.Set(HeaderContentType, "application/json")
	resp = e.Handle(ctx, req("PUT", "/a", "", h2, ""))
	if resp.Status != 409 {
		t.Errorf("expected 409 on config mismatch, got %d", resp.Status)
	}
}

func TestEngineContentTypeMismatch(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	h := Headers{}
	h.Set(HeaderContentType, "application/json")
	e.Handle(ctx, req("PUT", "/a", "", h, ""))

	h2 := Headers{}
	h2.Set(HeaderContentType, "text/plain")
	resp := e.Handle(ctx, req("POST", "/a", "", h2, "hi"))
	if resp.Status != 415 {
		t.Errorf("expected 415, got %d", resp.Status)
	}
}

func TestEngineNotFound(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	resp := e.Handle(ctx, req("GET", "/missing", "offset=0", nil, ""))
	if resp.Status != 404 {
		t.Errorf("expected 404, got %d", resp.Status)
	}
}

func TestEngineDuplicateQueryParam(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	resp := e.Handle(ctx, req("GET", "/a", "offset=1&offset=2", nil, ""))
	if resp.Status != 400 {
		t.Errorf("expected 400 on duplicate query key, got %d", resp.Status)
	}
}

func TestEngineMethodNotAllowed(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	resp := e.Handle(ctx, req("PATCH", "/a", "", nil, ""))
	if resp.Status != 405 {
		t.Errorf("expected 405, got %d", resp.Status)
	}
	if resp.Headers.Get(HeaderAllow) == "" {
		t.Error("expected Allow header on 405")
	}
}

func TestEngineLongPollWakesOnAppend(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	h := Headers{}
	h.Set(HeaderContentType, "text/plain")
	e.Handle(ctx, req("PUT", "/b", "", h, ""))

	done := make(chan ServerResponse, 1)
	go func() {
		done <- e.Handle(context.Background(), req("GET", "/b", "live=long-poll&offset=0&timeout=5", nil, ""))
	}()

	time.Sleep(100 * time.Millisecond)
	e.Handle(ctx, req("POST", "/b", "", h, "x"))

	select {
	case resp := <-done:
		if resp.Status != 200 {
			t.Fatalf("expected 200, got %d", resp.Status)
		}
		if string(resp.Body.Bytes) != "x" {
			t.Errorf("expected body %q, got %q", "x", resp.Body.Bytes)
		}
		if resp.Headers.Get(HeaderCursor) == "" {
			t.Error("expected a cursor header on long-poll success")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("long-poll did not return")
	}
}

func TestEngineLongPollTimesOut(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	h := Headers{}
	h.Set(HeaderContentType, "text/plain")
	e.Handle(ctx, req("PUT", "/c", "", h, ""))

	resp := e.Handle(ctx, req("GET", "/c", "live=long-poll&offset=0&timeout=1", nil, ""))
	if resp.Status != 204 {
		t.Fatalf("expected 204 on timeout, got %d", resp.Status)
	}
	if resp.Headers.Get(HeaderNextOffset) != "0" {
		t.Errorf("expected unchanged next offset, got %q", resp.Headers.Get(HeaderNextOffset))
	}
}

func TestEngineLiveTailRequiresOffset(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	h := Headers{}
	h.Set(HeaderContentType, "text/plain")
	e.Handle(ctx, req("PUT", "/d", "", h, ""))

	resp := e.Handle(ctx, req("GET", "/d", "live=long-poll", nil, ""))
	if resp.Status != 400 {
		t.Errorf("expected 400 without offset, got %d", resp.Status)
	}
}

func TestEngineSSEFramesAndCatchesUp(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	h := Headers{}
	h.Set(HeaderContentType, "text/plain")
	e.Handle(ctx, req("PUT", "/e", "", h, ""))
	e.Handle(ctx, req("POST", "/e", "", h, "AB"))
	e.Handle(ctx, req("POST", "/e", "", h, "CD"))

	resp := e.Handle(ctx, req("GET", "/e", "live=sse&offset=0", nil, ""))
	if resp.Status != 200 {
		t.Fatalf("expected 200, got %d", resp.Status)
	}
	if resp.Body.Kind != BodySSE {
		t.Fatalf("expected an SSE body")
	}
	defer resp.Body.Stream.Close()

	frame1, ok, err := resp.Body.Stream.Next(ctx)
	if err != nil || !ok {
		t.Fatalf("expected first frame: ok=%v err=%v", ok, err)
	}
	if string(frame1.Data) != "AB" || frame1.ID != "2" {
		t.Errorf("unexpected first frame: %+v", frame1)
	}

	frame2, ok, err := resp.Body.Stream.Next(ctx)
	if err != nil || !ok {
		t.Fatalf("expected second frame: ok=%v err=%v", ok, err)
	}
	if string(frame2.Data) != "CD" || frame2.ID != "4" {
		t.Errorf("unexpected second frame: %+v", frame2)
	}
}

func TestEngineSSERejectsBinaryContentType(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	h := Headers{}
	h.Set(HeaderContentType, "application/octet-stream")
	e.Handle(ctx, req("PUT", "/f", "", h, ""))

	resp := e.Handle(ctx, req("GET", "/f", "live=sse&offset=0", nil, ""))
	if resp.Status != 400 {
		t.Errorf("expected 400 for non-text SSE content type, got %d", resp.Status)
	}
}

func TestEngineDeleteNotifiesWaiters(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	h := Headers{}
	h.Set(HeaderContentType, "text/plain")
	e.Handle(ctx, req("PUT", "/g", "", h, ""))

	done := make(chan ServerResponse, 1)
	go func() {
		done <- e.Handle(context.Background(), req("GET", "/g", "live=long-poll&offset=0&timeout=5", nil, ""))
	}()

	time.Sleep(100 * time.Millisecond)
	delResp := e.Handle(ctx, req("DELETE", "/g", "", nil, ""))
	if delResp.Status != 204 {
		t.Fatalf("expected 204 on delete, got %d", delResp.Status)
	}

	select {
	case resp := <-done:
		if resp.Status != 404 {
			t.Errorf("expected 404 after delete wakes waiter and re-read finds it gone, got %d", resp.Status)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("long-poll did not return after delete")
	}
}
