package store

import (
	"context"
	"sync"
	"time"

	"github.com/durable-streams/engine/codec"
)

// MemoryStore is the reference in-memory implementation of Store: a
// per-stream lock guards an ordered list of records and the head
// offset; readers take a snapshot under the lock and release before
// copying bytes.
type MemoryStore struct {
	registry *codec.Registry

	mu      sync.RWMutex
	streams map[string]*memoryStream
}

type memoryStream struct {
	mu       sync.Mutex
	cond     *sync.Cond
	metadata StreamMetadata
	codec    codec.Codec
	records  []Message
	deleted  bool
}

// NewMemoryStore creates an empty in-memory store. registry resolves a
// stream's content type to the codec that frames its records; pass
// nil to use codec.NewRegistry()'s defaults.
func NewMemoryStore(registry *codec.Registry) *MemoryStore {
	if registry == nil {
		registry = codec.NewRegistry()
	}
	return &MemoryStore{
		registry: registry,
		streams:  make(map[string]*memoryStream),
	}
}

func (s *MemoryStore) lookup(path string) (*memoryStream, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.streams[path]
	if !ok || st.deleted || st.metadata.IsExpired() {
		return nil, false
	}
	return st, true
}

func (s *MemoryStore) Create(path string, opts CreateOptions) (*StreamMetadata, bool, error) {
	s.mu.Lock()
	if existing, ok := s.streams[path]; ok && !existing.deleted && !existing.metadata.IsExpired() {
		s.mu.Unlock()
		return nil, false, ErrStreamExists
	}

	contentType := opts.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	st := &memoryStream{
		metadata: StreamMetadata{
			Path:            path,
			ContentType:     contentType,
			ItemContentType: opts.ItemContentType,
			Head:            ZeroOffset,
			TTL:             opts.TTL,
			CreatedAt:       time.Now(),
		},
		codec: s.registry.Lookup(contentType),
	}
	st.cond = sync.NewCond(&st.mu)
	s.streams[path] = st
	s.mu.Unlock()

	if len(opts.InitialData) > 0 {
		if _, err := s.Append(path, contentType, opts.ItemContentType, opts.InitialData); err != nil {
			return nil, false, err
		}
	}

	st.mu.Lock()
	meta := st.metadata
	st.mu.Unlock()
	return &meta, true, nil
}

func (s *MemoryStore) Head(path string) (*StreamMetadata, error) {
	st, ok := s.lookup(path)
	if !ok {
		return nil, ErrStreamNotFound
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	meta := st.metadata
	return &meta, nil
}

func (s *MemoryStore) Delete(path string) error {
	s.mu.Lock()
	st, ok := s.streams[path]
	if !ok {
		s.mu.Unlock()
		return ErrStreamNotFound
	}
	delete(s.streams, path)
	s.mu.Unlock()

	st.mu.Lock()
	st.deleted = true
	st.cond.Broadcast()
	st.mu.Unlock()
	return nil
}

func (s *MemoryStore) Append(path string, contentType string, itemContentType string, data []byte) (Offset, error) {
	st, ok := s.lookup(path)
	if !ok {
		return 0, ErrStreamNotFound
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.deleted {
		return 0, ErrStreamNotFound
	}
	if st.metadata.Degraded {
		return 0, ErrStreamDegraded
	}
	expectedType := st.metadata.ContentType
	if itemContentType != "" {
		expectedType = itemContentType
	}
	if contentType != "" && !ContentTypeMatches(expectedType, contentType) {
		return 0, ErrContentTypeMismatch
	}

	records, err := st.codec.FrameAppend(data)
	if err != nil {
		return 0, err
	}

	head := st.metadata.Head
	for _, rec := range records {
		if st.codec.RecordMode() {
			head = head.Add(1)
		} else {
			head = head.Add(uint64(len(rec)))
		}
		st.records = append(st.records, Message{Data: rec, Offset: head})
	}
	st.metadata.Head = head
	st.cond.Broadcast()

	return head, nil
}

func (s *MemoryStore) Read(path string, offset Offset, maxN int) (ReadResult, error) {
	st, ok := s.lookup(path)
	if !ok {
		return ReadResult{}, ErrStreamNotFound
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	return st.readLocked(offset, maxN)
}

// readLocked assumes offset has already been resolved from any "-1"
// head sentinel by the caller (the protocol engine). Offsets are
// always record-boundary-aligned, so the starting record is the one
// immediately following a record whose own offset equals the
// requested start (or the very first record, if offset is zero).
func (st *memoryStream) readLocked(offset Offset, maxN int) (ReadResult, error) {
	head := st.metadata.Head

	if offset.Equal(head) {
		return ReadResult{NextOffset: offset, EndOfStream: true}, nil
	}
	if offset.Compare(head) > 0 {
		return ReadResult{}, ErrRangeNotSatisfiable
	}

	start := 0
	if !offset.IsZero() {
		for start < len(st.records) && !st.records[start].Offset.Equal(offset) {
			start++
		}
		if start >= len(st.records) {
			return ReadResult{}, ErrRangeNotSatisfiable
		}
		start++
	}

	var out []Message
	next := offset
	if st.codec.RecordMode() {
		end := start + maxN
		if maxN <= 0 || end > len(st.records) {
			end = len(st.records)
		}
		out = append(out, st.records[start:end]...)
	} else {
		budget := maxN
		prev := offset
		for i := start; i < len(st.records); i++ {
			rec := st.records[i]
			recLen := int(rec.Offset.Sub(prev))
			if maxN > 0 && recLen > budget {
				break
			}
			out = append(out, rec)
			budget -= recLen
			prev = rec.Offset
		}
	}
	if len(out) > 0 {
		next = out[len(out)-1].Offset
	}

	return ReadResult{
		Messages:    out,
		NextOffset:  next,
		EndOfStream: next.Equal(head),
	}, nil
}

func (s *MemoryStore) Await(ctx context.Context, path string, offset Offset, timeout time.Duration) (bool, error) {
	st, ok := s.lookup(path)
	if !ok {
		return false, ErrStreamNotFound
	}

	st.mu.Lock()
	if offset.Compare(st.metadata.Head) < 0 || st.deleted {
		deleted := st.deleted
		st.mu.Unlock()
		return !deleted, nil
	}
	st.mu.Unlock()

	woke := make(chan struct{})
	stop := make(chan struct{})
	go func() {
		st.mu.Lock()
		defer st.mu.Unlock()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if st.deleted || st.metadata.Head.Compare(offset) > 0 {
				close(woke)
				return
			}
			st.cond.Wait()
		}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-woke:
		st.mu.Lock()
		deleted := st.deleted
		st.mu.Unlock()
		return !deleted, nil
	case <-timer.C:
		close(stop)
		st.mu.Lock()
		st.cond.Broadcast() // unstick the waiter goroutine
		st.mu.Unlock()
		return false, nil
	case <-ctx.Done():
		close(stop)
		st.mu.Lock()
		st.cond.Broadcast()
		st.mu.Unlock()
		return false, ctx.Err()
	}
}

func (s *MemoryStore) Close() error {
	return nil
}
