// Package dispatch wakes live-tail waiters (long-poll and SSE) when a
// stream gains new data or is deleted, without handing every waiter its
// own goroutine or forcing writers through a fan-out loop.
//
// Each stream gets a topic holding a single channel. Notify closes that
// channel and replaces it with a fresh one, so every blocked waiter wakes
// in one op (the broadcast-without-thundering-herd idiom used by event
// buffers in pub/sub systems). Waiters never mutate the topic themselves;
// only Notify does, so no per-waiter lock is needed to observe a wakeup.
package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultMaxWaiters caps concurrent live-tail waiters across all streams.
// Past this, RegisterWaiter returns ErrTooManyWaiters so the caller can
// answer with 503 and a Retry-After hint instead of growing memory
// unbounded under a reconnect storm.
const DefaultMaxWaiters = 10000

// ErrTooManyWaiters is returned by RegisterWaiter when the soft waiter
// cap has been reached.
var ErrTooManyWaiters = errDispatch("too many concurrent live-tail waiters")

type errDispatch string

func (e errDispatch) Error() string { return string(e) }

type topic struct {
	mu   sync.Mutex
	wake chan struct{}
}

func newTopic() *topic {
	return &topic{wake: make(chan struct{})}
}

// notify closes the current wake channel and installs a new one, waking
// every waiter blocked on it.
func (t *topic) notify() {
	t.mu.Lock()
	close(t.wake)
	t.wake = make(chan struct{})
	t.mu.Unlock()
}

func (t *topic) channel() chan struct{} {
	t.mu.Lock()
	ch := t.wake
	t.mu.Unlock()
	return ch
}

// Dispatcher owns one topic per stream path and a soft cap on the number
// of concurrently registered waiters.
type Dispatcher struct {
	maxWaiters int64
	active     atomic.Int64

	mu     sync.Mutex
	topics map[string]*topic
}

// New returns a Dispatcher. maxWaiters <= 0 selects DefaultMaxWaiters.
func New(maxWaiters int) *Dispatcher {
	if maxWaiters <= 0 {
		maxWaiters = DefaultMaxWaiters
	}
	return &Dispatcher{
		maxWaiters: int64(maxWaiters),
		topics:     make(map[string]*topic),
	}
}

func (d *Dispatcher) topicFor(path string) *topic {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.topics[path]
	if !ok {
		t = newTopic()
		d.topics[path] = t
	}
	return t
}

// NotifyAppend wakes every waiter registered on path.
func (d *Dispatcher) NotifyAppend(path string) {
	d.topicFor(path).notify()
}

// NotifyDelete wakes every waiter registered on path and drops the topic,
// since no further data will ever arrive for a deleted stream.
func (d *Dispatcher) NotifyDelete(path string) {
	t := d.topicFor(path)
	t.notify()
	d.mu.Lock()
	delete(d.topics, path)
	d.mu.Unlock()
}

// Waiter is a single live-tail registration. It binds the topic's
// current wake channel at registration time, not lazily inside Wait, so
// an append's notify landing between registration and a caller's
// pre-wait catch-up read is still observed. Callers must call Release
// when done watching so the waiter count is accurate.
type Waiter struct {
	d    *Dispatcher
	path string
	ch   chan struct{}
}

// RegisterWaiter reserves a waiter slot for path and captures the
// topic's current wake channel, failing with ErrTooManyWaiters once the
// soft cap is reached. Callers must register before checking for
// already-available data, so a notify in between is caught by Wait
// rather than missed.
func (d *Dispatcher) RegisterWaiter(path string) (*Waiter, error) {
	if d.active.Add(1) > d.maxWaiters {
		d.active.Add(-1)
		return nil, ErrTooManyWaiters
	}
	return &Waiter{d: d, path: path, ch: d.topicFor(path).channel()}, nil
}

// Release frees the waiter's slot. Safe to call once; further calls are
// no-ops.
func (w *Waiter) Release() {
	if w == nil || w.d == nil {
		return
	}
	w.d.active.Add(-1)
	w.d = nil
}

// Wait blocks until the channel captured at registration fires, ctx is
// done, or timeout elapses. It returns true if woken by a notification,
// false on timeout.
func (w *Waiter) Wait(ctx context.Context, timeout time.Duration) (bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-w.ch:
		return true, nil
	case <-timer.C:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// ActiveWaiters reports the current number of registered waiters, for
// metrics and tests.
func (d *Dispatcher) ActiveWaiters() int64 {
	return d.active.Load()
}
