package protocol

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/durable-streams/engine/store"
)

// sseStream is the pull-based SSE producer for one connection. Each call
// to Next alternates a catch-up read with an await, exactly mirroring
// the long-poll loop but bounded by sse_max_duration and emitting
// keep-alive comment frames on idle ticks instead of ending the request.
type sseStream struct {
	engine      *Engine
	path        string
	contentType string
	offset      store.Offset
	deadline    time.Time

	once   sync.Once
	closed bool
}

func newSseStream(e *Engine, path, contentType string, offset store.Offset) *sseStream {
	return &sseStream{
		engine:      e,
		path:        path,
		contentType: contentType,
		offset:      offset,
		deadline:    time.Now().Add(e.cfg.SSEMaxDuration),
	}
}

// Next implements protocol.SseStream.
func (s *sseStream) Next(ctx context.Context) (SseFrame, bool, error) {
	if s.closed {
		return SseFrame{}, false, nil
	}

	waiter, err := s.engine.dispatcher.RegisterWaiter(s.path)
	if err != nil {
		s.Close()
		return SseFrame{}, false, err
	}
	defer waiter.Release()

	for {
		result, err := s.engine.store.Read(s.path, s.offset, s.engine.cfg.MaxReadLength)
		if err != nil {
			s.Close()
			if errors.Is(err, store.ErrStreamNotFound) {
				return SseFrame{Event: "closed"}, true, nil
			}
			return SseFrame{}, false, err
		}

		if len(result.Messages) > 0 {
			// One frame per stored record, so each frame's id is the
			// offset right after that record's data.
			m := result.Messages[0]
			body := s.engine.codecs.Lookup(s.contentType).Join([][]byte{m.Data})
			s.offset = m.Offset
			return SseFrame{Event: "append", Data: body, ID: s.offset.String()}, true, nil
		}

		if time.Now().After(s.deadline) {
			s.Close()
			return SseFrame{}, false, nil
		}

		waitFor := s.engine.cfg.SSEKeepAliveInterval
		if remaining := time.Until(s.deadline); remaining < waitFor {
			waitFor = remaining
		}

		woke, err := waiter.Wait(ctx, waitFor)
		if err != nil {
			s.Close()
			return SseFrame{}, false, err
		}
		if !woke {
			if time.Now().After(s.deadline) {
				s.Close()
				return SseFrame{}, false, nil
			}
			return SseFrame{Comment: "ping"}, true, nil
		}
		// Woke on notify: loop to re-read, picking up the new data (or
		// discovering the stream was deleted).
	}
}

// Close implements protocol.SseStream.
func (s *sseStream) Close() {
	s.once.Do(func() {
		s.closed = true
	})
}
