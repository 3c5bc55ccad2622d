package store

import (
	"container/list"
	"os"
	"sync"
)

// handleEntry is one open OS file handle tracked by a pool, keyed by the
// on-disk path of a stream's segment file (SegmentFileName).
type handleEntry struct {
	path    string
	file    *os.File
	element *list.Element
}

// handlePool bounds the number of concurrently open segment file handles
// a FileStore keeps alive across all of its live streams, evicting the
// least-recently-touched handle once maxSize is reached
// (max_file_handles). FilePool and ReaderPool are thin, mode-specific
// wrappers over one of these so the append-writer cache and the
// read-only cache share eviction logic instead of duplicating it.
type handlePool struct {
	mu      sync.Mutex
	maxSize int
	open    func(path string) (*os.File, error)
	entries map[string]*handleEntry
	lru     *list.List // front = most recently used
}

func newHandlePool(maxSize int, open func(path string) (*os.File, error)) *handlePool {
	if maxSize <= 0 {
		maxSize = 100
	}
	return &handlePool{
		maxSize: maxSize,
		open:    open,
		entries: make(map[string]*handleEntry),
		lru:     list.New(),
	}
}

// get returns the cached handle for path, opening it (and possibly
// evicting the coldest handle in the pool) if not already held.
func (p *handlePool) get(path string) (*os.File, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if entry, ok := p.entries[path]; ok {
		p.lru.MoveToFront(entry.element)
		return entry.file, nil
	}

	file, err := p.open(path)
	if err != nil {
		return nil, err
	}

	p.evictLocked()

	entry := &handleEntry{path: path, file: file}
	entry.element = p.lru.PushFront(entry)
	p.entries[path] = entry
	return file, nil
}

func (p *handlePool) sync(path string) error {
	p.mu.Lock()
	entry, ok := p.entries[path]
	p.mu.Unlock()
	if !ok {
		return nil // not open, nothing to flush
	}
	return entry.file.Sync()
}

func (p *handlePool) syncAll() error {
	p.mu.Lock()
	entries := make([]*handleEntry, 0, len(p.entries))
	for _, entry := range p.entries {
		entries = append(entries, entry)
	}
	p.mu.Unlock()

	var lastErr error
	for _, entry := range entries {
		if err := entry.file.Sync(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// remove closes and evicts path's handle. Delete and quarantining a
// stream's directory must call this first, or a renamed/removed segment
// file lingers open under the pool's old path key.
func (p *handlePool) remove(path string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.entries[path]
	if !ok {
		return nil
	}
	p.lru.Remove(entry.element)
	delete(p.entries, path)
	return entry.file.Close()
}

func (p *handlePool) close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var lastErr error
	for path, entry := range p.entries {
		if err := entry.file.Close(); err != nil {
			lastErr = err
		}
		delete(p.entries, path)
	}
	p.lru.Init()
	return lastErr
}

func (p *handlePool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// evictLocked closes the least-recently-touched handle once the pool is
// at capacity. Caller must hold p.mu.
func (p *handlePool) evictLocked() {
	if len(p.entries) < p.maxSize {
		return
	}
	elem := p.lru.Back()
	if elem == nil {
		return
	}
	entry := elem.Value.(*handleEntry)
	p.lru.Remove(elem)
	delete(p.entries, entry.path)
	entry.file.Close()
}

// FilePool bounds the number of open append-mode segment file handles a
// FileStore keeps alive across its live streams, under max_file_handles.
// An append against a stream whose handle has been evicted simply
// reopens it; eviction only bounds descriptor usage, it never loses data.
type FilePool struct {
	pool *handlePool
}

// NewFilePool creates a writer pool with room for maxSize concurrently
// open segment files.
func NewFilePool(maxSize int) *FilePool {
	return &FilePool{pool: newHandlePool(maxSize, func(path string) (*os.File, error) {
		return os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	})}
}

// GetWriter returns the append-mode handle for the segment file at path,
// opening it if the pool doesn't already hold it. The caller must not
// close the returned file; the pool owns its lifecycle.
func (p *FilePool) GetWriter(path string) (*os.File, error) { return p.pool.get(path) }

// Sync fsyncs one segment file, if currently held open.
func (p *FilePool) Sync(path string) error { return p.pool.sync(path) }

// SyncAll fsyncs every segment file currently held open.
func (p *FilePool) SyncAll() error { return p.pool.syncAll() }

// Remove closes and evicts path's handle, called when a stream is
// deleted so its segment file isn't held open under a quarantined
// directory.
func (p *FilePool) Remove(path string) error { return p.pool.remove(path) }

// Close closes every open writer handle.
func (p *FilePool) Close() error { return p.pool.close() }

// Size reports the number of segment files currently held open for
// writing.
func (p *FilePool) Size() int { return p.pool.size() }

// ReaderPool bounds the number of open read-only segment file handles a
// FileStore keeps alive for serving Read and live-tail requests, under
// max_file_handles.
type ReaderPool struct {
	pool *handlePool
}

// NewReaderPool creates a reader pool with room for maxSize concurrently
// open segment files.
func NewReaderPool(maxSize int) *ReaderPool {
	return &ReaderPool{pool: newHandlePool(maxSize, os.Open)}
}

// GetReader returns the read-only handle for the segment file at path,
// opening it if the pool doesn't already hold it.
func (p *ReaderPool) GetReader(path string) (*os.File, error) { return p.pool.get(path) }

// Remove closes and evicts path's handle.
func (p *ReaderPool) Remove(path string) error { return p.pool.remove(path) }

// Close closes every open reader handle.
func (p *ReaderPool) Close() error { return p.pool.close() }
