package dispatch

import (
	"sync"
	"sync/atomic"

	"github.com/durable-streams/engine/store"
)

// Mailbox coalesces append notifications for a single SSE connection. A
// fast producer and a slow consumer don't need one queued message per
// append; the consumer only cares about the latest known offset. Put
// overwrites any unread offset rather than queuing, so a burst of
// appends costs the slow reader one flush cycle, not one per append.
type Mailbox struct {
	mu      sync.Mutex
	pending bool
	latest  store.Offset
	signal  chan struct{}
}

// NewMailbox returns an empty, ready-to-use Mailbox.
func NewMailbox() *Mailbox {
	return &Mailbox{signal: make(chan struct{}, 1)}
}

// Put records offset as the latest known head and wakes a waiting Take,
// if any. Overwrites a previously-unread offset.
func (m *Mailbox) Put(offset store.Offset) {
	m.mu.Lock()
	m.latest = offset
	m.pending = true
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
}

// Take returns the latest pending offset and clears it, or ok=false if
// nothing is pending.
func (m *Mailbox) Take() (offset store.Offset, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.pending {
		return store.ZeroOffset, false
	}
	m.pending = false
	return m.latest, true
}

// Signal returns the channel that receives a value whenever Put makes
// new data available. It never blocks the producer.
func (m *Mailbox) Signal() <-chan struct{} {
	return m.signal
}

// Demand implements a pull-credit counter: a consumer grants credits as
// it can absorb more frames, and a producer only sends when credits are
// available. This bounds how far an SSE writer can get ahead of a slow
// client without unbounded buffering.
type Demand struct {
	credits atomic.Int64
}

// Grant adds n credits, allowing up to n more sends before the next Grant.
func (d *Demand) Grant(n int64) {
	d.credits.Add(n)
}

// TryConsume consumes one credit if available, reporting whether it did.
func (d *Demand) TryConsume() bool {
	for {
		cur := d.credits.Load()
		if cur <= 0 {
			return false
		}
		if d.credits.CompareAndSwap(cur, cur-1) {
			return true
		}
	}
}

// Available reports the current credit balance.
func (d *Demand) Available() int64 {
	return d.credits.Load()
}
