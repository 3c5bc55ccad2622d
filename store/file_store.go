package store

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/durable-streams/engine/codec"
)

// FileStore is the durable, file-backed Store implementation. Each
// stream owns a
// directory holding a length-prefixed segment log (segment.go) and a
// fixed-width offset index (index.go); a pluggable MetadataStore
// persists the stream's configuration and head offset across restarts.
type FileStore struct {
	dataDir    string
	metaStore  MetadataStore
	registry   *codec.Registry
	writerPool *FilePool
	readerPool *ReaderPool

	mu      sync.RWMutex
	streams map[string]*fileStream

	cleanupStop chan struct{}
	cleanupDone chan struct{}
}

type fileStream struct {
	mu       sync.Mutex
	cond     *sync.Cond
	metadata StreamMetadata
	dirName  string
	codec    codec.Codec
	index    []IndexEntry
	deleted  bool
}

// FileStoreConfig configures a FileStore.
type FileStoreConfig struct {
	DataDir         string
	MaxFileHandles  int
	MetadataBackend string        // "bbolt" (default) or "lmdb"
	Registry        *codec.Registry
	CleanupInterval time.Duration // 0 disables background TTL sweeping
}

// NewFileStore opens (creating if absent) a file-backed store rooted
// at cfg.DataDir.
func NewFileStore(cfg FileStoreConfig) (*FileStore, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	metaDir := filepath.Join(cfg.DataDir, "metadata")
	var metaStore MetadataStore
	var err error
	switch cfg.MetadataBackend {
	case "lmdb":
		metaStore, err = NewLMDBMetadataStore(metaDir)
	default:
		metaStore, err = NewBboltMetadataStore(metaDir)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata store: %w", err)
	}

	maxHandles := cfg.MaxFileHandles
	if maxHandles <= 0 {
		maxHandles = 100
	}

	registry := cfg.Registry
	if registry == nil {
		registry = codec.NewRegistry()
	}

	fs := &FileStore{
		dataDir:     cfg.DataDir,
		metaStore:   metaStore,
		registry:    registry,
		writerPool:  NewFilePool(maxHandles),
		readerPool:  NewReaderPool(maxHandles),
		streams:     make(map[string]*fileStream),
		cleanupStop: make(chan struct{}),
		cleanupDone: make(chan struct{}),
	}

	if err := fs.loadStreams(); err != nil {
		metaStore.Close()
		return nil, fmt.Errorf("failed to load streams: %w", err)
	}

	if cfg.CleanupInterval > 0 {
		go fs.backgroundCleanup(cfg.CleanupInterval)
	} else {
		close(fs.cleanupDone)
	}

	return fs, nil
}

func (s *FileStore) streamDir(dirName string) string {
	return filepath.Join(s.dataDir, "streams", dirName)
}

func (s *FileStore) segmentPath(dirName string) string {
	return filepath.Join(s.streamDir(dirName), SegmentFileName)
}

func (s *FileStore) indexPath(dirName string) string {
	return filepath.Join(s.streamDir(dirName), IndexFileName)
}

// loadStreams rebuilds the in-memory stream table from the metadata
// store, reconciling each stream's persisted head against the last
// complete entry of its index file (ReadIndex drops a trailing partial
// entry). The segment file is not scanned here; RecoverStore does that.
func (s *FileStore) loadStreams() error {
	return s.metaStore.ForEach(func(rec MetadataRecord) error {
		st := &fileStream{
			metadata: StreamMetadata{
				Path:            rec.Path,
				ContentType:     rec.ContentType,
				ItemContentType: rec.ItemContentType,
				Head:            rec.Head,
				TTL:             rec.TTL,
				CreatedAt:       rec.CreatedAt,
				Degraded:        rec.Degraded,
			},
			dirName: rec.DirectoryName,
			codec:   s.registry.Lookup(rec.ContentType),
		}
		st.cond = sync.NewCond(&st.mu)

		entries, err := ReadIndex(s.indexPath(rec.DirectoryName))
		if err != nil {
			return fmt.Errorf("failed to read index for %s: %w", rec.Path, err)
		}
		st.index = entries

		if len(entries) > 0 {
			recoveredHead := entries[len(entries)-1].Offset
			if !recoveredHead.Equal(st.metadata.Head) {
				st.metadata.Head = recoveredHead
				s.metaStore.UpdateHead(rec.Path, recoveredHead)
			}
		}

		s.streams[rec.Path] = st
		return nil
	})
}

func (s *FileStore) lookup(path string) (*fileStream, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.streams[path]
	if !ok || st.deleted || st.metadata.IsExpired() {
		return nil, false
	}
	return st, true
}

func (s *FileStore) Create(path string, opts CreateOptions) (*StreamMetadata, bool, error) {
	s.mu.Lock()
	if existing, ok := s.streams[path]; ok && !existing.deleted && !existing.metadata.IsExpired() {
		s.mu.Unlock()
		return nil, false, ErrStreamExists
	}

	dirName, err := generateDirectoryName(path)
	if err != nil {
		s.mu.Unlock()
		return nil, false, fmt.Errorf("failed to generate directory name: %w", err)
	}

	if err := os.MkdirAll(s.streamDir(dirName), 0755); err != nil {
		s.mu.Unlock()
		return nil, false, fmt.Errorf("failed to create stream directory: %w", err)
	}
	if err := CreateSegmentFile(s.segmentPath(dirName)); err != nil {
		os.RemoveAll(s.streamDir(dirName))
		s.mu.Unlock()
		return nil, false, err
	}

	contentType := opts.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	st := &fileStream{
		metadata: StreamMetadata{
			Path:            path,
			ContentType:     contentType,
			ItemContentType: opts.ItemContentType,
			Head:            ZeroOffset,
			TTL:             opts.TTL,
			CreatedAt:       time.Now(),
		},
		dirName: dirName,
		codec:   s.registry.Lookup(contentType),
	}
	st.cond = sync.NewCond(&st.mu)

	rec := MetadataRecord{
		Path:            path,
		ContentType:     contentType,
		ItemContentType: opts.ItemContentType,
		Head:            ZeroOffset,
		TTL:             opts.TTL,
		CreatedAt:       st.metadata.CreatedAt,
		DirectoryName:   dirName,
	}
	if err := s.metaStore.Put(rec); err != nil {
		os.RemoveAll(s.streamDir(dirName))
		s.mu.Unlock()
		return nil, false, fmt.Errorf("failed to store metadata: %w", err)
	}

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

func (s *FileStore) Head(path string) (*StreamMetadata, error) {
	st, ok := s.lookup(path)
	if !ok {
		return nil, ErrStreamNotFound
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	meta := st.metadata
	return &meta, nil
}

func (s *FileStore) Delete(path string) error {
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
	dirName := st.dirName
	st.cond.Broadcast()
	st.mu.Unlock()

	s.writerPool.Remove(s.segmentPath(dirName))
	s.readerPool.Remove(s.segmentPath(dirName))
	s.metaStore.Delete(path)

	s.quarantineDir(dirName)
	return nil
}

func (s *FileStore) quarantineDir(dirName string) {
	streamDir := s.streamDir(dirName)
	quarantined := filepath.Join(s.dataDir, "streams", ".deleted~"+dirName+"~"+fmt.Sprintf("%d", time.Now().UnixNano()))
	if err := os.Rename(streamDir, quarantined); err == nil {
		go os.RemoveAll(quarantined)
	}
}

func (s *FileStore) Append(path string, contentType string, itemContentType string, data []byte) (Offset, error) {
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

	segPath := s.segmentPath(st.dirName)
	file, err := s.writerPool.GetWriter(segPath)
	if err != nil {
		return 0, fmt.Errorf("failed to get writer: %w", err)
	}

	idxWriter, err := NewIndexWriter(s.indexPath(st.dirName))
	if err != nil {
		return 0, fmt.Errorf("failed to open index: %w", err)
	}
	defer idxWriter.Close()

	head := st.metadata.Head
	var newEntries []IndexEntry
	for _, rec := range records {
		n, err := WriteMessage(file, rec)
		if err != nil {
			st.metadata.Degraded = true
			s.metaStore.SetDegraded(path, true)
			return 0, fmt.Errorf("append failed, stream degraded: %w", err)
		}

		if st.codec.RecordMode() {
			head = head.Add(1)
		} else {
			head = head.Add(uint64(len(rec)))
		}

		entry := IndexEntry{Offset: head, Length: uint64(n)}
		if err := idxWriter.Append(entry); err != nil {
			st.metadata.Degraded = true
			s.metaStore.SetDegraded(path, true)
			return 0, fmt.Errorf("index append failed, stream degraded: %w", err)
		}
		newEntries = append(newEntries, entry)
	}

	if err := s.writerPool.Sync(segPath); err != nil {
		return 0, err
	}
	if err := idxWriter.Sync(); err != nil {
		return 0, err
	}

	st.index = append(st.index, newEntries...)
	st.metadata.Head = head
	s.metaStore.UpdateHead(path, head)
	st.cond.Broadcast()

	return head, nil
}

func (s *FileStore) Read(path string, offset Offset, maxN int) (ReadResult, error) {
	st, ok := s.lookup(path)
	if !ok {
		return ReadResult{}, ErrStreamNotFound
	}

	st.mu.Lock()
	head := st.metadata.Head
	index := st.index
	recordMode := st.codec.RecordMode()
	dirName := st.dirName
	st.mu.Unlock()

	if offset.Equal(head) {
		return ReadResult{NextOffset: offset, EndOfStream: true}, nil
	}
	if offset.Compare(head) > 0 {
		return ReadResult{}, ErrRangeNotSatisfiable
	}

	start := 0
	var startPos int64
	if !offset.IsZero() {
		for start < len(index) && !index[start].Offset.Equal(offset) {
			start++
		}
		if start >= len(index) {
			return ReadResult{}, ErrRangeNotSatisfiable
		}
		startPos = Position(index, start) + int64(index[start].Length)
		start++
	}

	file, err := s.readerPool.GetReader(s.segmentPath(dirName))
	if err != nil {
		return ReadResult{}, fmt.Errorf("failed to open segment: %w", err)
	}

	var maxRecords int
	if recordMode {
		maxRecords = maxN
		if maxRecords <= 0 {
			maxRecords = len(index) - start
		} else if start+maxRecords > len(index) {
			maxRecords = len(index) - start
		}
	} else {
		maxRecords = 0
		budget := maxN
		for i := start; i < len(index); i++ {
			recLen := int(index[i].Length) - LengthPrefixSize
			if maxN > 0 && maxRecords > 0 && recLen > budget {
				break
			}
			maxRecords++
			budget -= recLen
		}
	}

	if _, err := file.Seek(startPos, io.SeekStart); err != nil {
		return ReadResult{}, fmt.Errorf("failed to seek segment: %w", err)
	}
	br := bufio.NewReader(file)

	var out []Message
	next := offset
	for i := 0; i < maxRecords && start+i < len(index); i++ {
		data, err := ReadMessage(br)
		if err != nil {
			return ReadResult{}, fmt.Errorf("failed to read segment: %w", err)
		}
		entry := index[start+i]
		out = append(out, Message{Data: data, Offset: entry.Offset})
		next = entry.Offset
	}

	return ReadResult{
		Messages:    out,
		NextOffset:  next,
		EndOfStream: next.Equal(head),
	}, nil
}

func (s *FileStore) Await(ctx context.Context, path string, offset Offset, timeout time.Duration) (bool, error) {
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
		st.cond.Broadcast()
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

func (s *FileStore) Close() error {
	close(s.cleanupStop)
	<-s.cleanupDone

	var lastErr error
	if err := s.writerPool.Close(); err != nil {
		lastErr = err
	}
	if err := s.readerPool.Close(); err != nil {
		lastErr = err
	}
	if err := s.metaStore.Close(); err != nil {
		lastErr = err
	}
	return lastErr
}

func (s *FileStore) backgroundCleanup(interval time.Duration) {
	defer close(s.cleanupDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.cleanupStop:
			return
		case <-ticker.C:
			s.cleanupExpiredStreams()
		}
	}
}

func (s *FileStore) cleanupExpiredStreams() {
	s.mu.Lock()
	var expired []string
	for path, st := range s.streams {
		st.mu.Lock()
		isExpired := st.metadata.IsExpired()
		st.mu.Unlock()
		if isExpired {
			expired = append(expired, path)
		}
	}
	for _, path := range expired {
		delete(s.streams, path)
	}
	s.mu.Unlock()

	for _, path := range expired {
		s.metaStore.Delete(path)
	}
}

// generateDirectoryName builds a unique, filesystem-safe directory
// name for a stream: encoded_path~timestamp~random.
func generateDirectoryName(path string) (string, error) {
	encoded := url.PathEscape(path)
	timestamp := time.Now().UnixNano()

	randomBytes := make([]byte, 4)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", err
	}
	randomHex := hex.EncodeToString(randomBytes)

	return fmt.Sprintf("%s~%d~%s", encoded, timestamp, randomHex), nil
}

// RecoverStore reconciles a metadata store against its stream
// directories: orphaned metadata (no segment file) is dropped, and any
// stream whose index disagrees with its persisted head is corrected to
// the index's recovered value, matching loadStreams' in-process
// recovery path for a store that was never opened.
func RecoverStore(dataDir string, backend string) error {
	metaDir := filepath.Join(dataDir, "metadata")
	var metaStore MetadataStore
	var err error
	if backend == "lmdb" {
		metaStore, err = NewLMDBMetadataStore(metaDir)
	} else {
		metaStore, err = NewBboltMetadataStore(metaDir)
	}
	if err != nil {
		return fmt.Errorf("failed to open metadata store: %w", err)
	}
	defer metaStore.Close()

	streamsDir := filepath.Join(dataDir, "streams")

	return metaStore.ForEach(func(rec MetadataRecord) error {
		segPath := filepath.Join(streamsDir, rec.DirectoryName, SegmentFileName)
		idxPath := filepath.Join(streamsDir, rec.DirectoryName, IndexFileName)

		if _, err := os.Stat(segPath); os.IsNotExist(err) {
			return metaStore.Delete(rec.Path)
		}

		validSize, _, err := ScanSegment(segPath)
		if err != nil {
			return fmt.Errorf("failed to scan segment for %s: %w", rec.Path, err)
		}
		if info, statErr := os.Stat(segPath); statErr == nil && info.Size() != validSize {
			if f, openErr := os.OpenFile(segPath, os.O_WRONLY, 0644); openErr == nil {
				f.Truncate(validSize)
				f.Close()
			}
		}

		entries, err := ReadIndex(idxPath)
		if err != nil {
			return fmt.Errorf("failed to read index for %s: %w", rec.Path, err)
		}

		var recoveredHead Offset
		if len(entries) > 0 {
			recoveredHead = entries[len(entries)-1].Offset
		}
		if !rec.Head.Equal(recoveredHead) {
			if err := metaStore.UpdateHead(rec.Path, recoveredHead); err != nil {
				return fmt.Errorf("failed to update head for %s: %w", rec.Path, err)
			}
		}

		return nil
	})
}
