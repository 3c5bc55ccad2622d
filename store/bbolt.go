package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.etcd.io/bbolt"
)

// BboltMetadataStore is the default MetadataStore, backed by
// go.etcd.io/bbolt. One bucket holds one JSON document per stream
// path.
type BboltMetadataStore struct {
	db     *bbolt.DB
	mu     sync.RWMutex
	path   string
	closed bool
}

type bboltMetadata struct {
	Path            string `json:"path"`
	ContentType     string `json:"content_type"`
	ItemContentType string `json:"item_content_type,omitempty"`
	Head            string `json:"head"`
	TTLSeconds      *int64 `json:"ttl_seconds,omitempty"`
	CreatedAt       int64  `json:"created_at"`
	DirectoryName   string `json:"directory_name"`
	Degraded        bool   `json:"degraded,omitempty"`
}

var metadataBucket = []byte("metadata")

// NewBboltMetadataStore opens (creating if absent) a bbolt-backed
// metadata store under dataDir.
func NewBboltMetadataStore(dataDir string) (*BboltMetadataStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "metadata.db")
	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(metadataBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create metadata bucket: %w", err)
	}

	return &BboltMetadataStore{db: db, path: dataDir}, nil
}

func toBboltMetadata(rec MetadataRecord) bboltMetadata {
	bm := bboltMetadata{
		Path:            rec.Path,
		ContentType:     rec.ContentType,
		ItemContentType: rec.ItemContentType,
		Head:            rec.Head.String(),
		CreatedAt:       rec.CreatedAt.Unix(),
		DirectoryName:   rec.DirectoryName,
		Degraded:        rec.Degraded,
	}
	if rec.TTL != nil {
		secs := int64(rec.TTL.Seconds())
		bm.TTLSeconds = &secs
	}
	return bm
}

func fromBboltMetadata(bm bboltMetadata) (MetadataRecord, error) {
	head, err := ParseOffset(bm.Head)
	if err != nil {
		return MetadataRecord{}, fmt.Errorf("failed to parse offset: %w", err)
	}
	rec := MetadataRecord{
		Path:            bm.Path,
		ContentType:     bm.ContentType,
		ItemContentType: bm.ItemContentType,
		Head:            head,
		CreatedAt:       time.Unix(bm.CreatedAt, 0),
		DirectoryName:   bm.DirectoryName,
		Degraded:        bm.Degraded,
	}
	if bm.TTLSeconds != nil {
		d := time.Duration(*bm.TTLSeconds) * time.Second
		rec.TTL = &d
	}
	return rec, nil
}

func (s *BboltMetadataStore) Put(rec MetadataRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}

	data, err := json.Marshal(toBboltMetadata(rec))
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(metadataBucket).Put([]byte(rec.Path), data)
	})
}

func (s *BboltMetadataStore) Get(path string) (MetadataRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return MetadataRecord{}, fmt.Errorf("store is closed")
	}

	var rec MetadataRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(metadataBucket).Get([]byte(path))
		if data == nil {
			return ErrStreamNotFound
		}
		var bm bboltMetadata
		if err := json.Unmarshal(data, &bm); err != nil {
			return fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
		var err error
		rec, err = fromBboltMetadata(bm)
		return err
	})
	if err != nil {
		return MetadataRecord{}, err
	}
	return rec, nil
}

func (s *BboltMetadataStore) Has(path string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}

	exists := false
	s.db.View(func(tx *bbolt.Tx) error {
		exists = tx.Bucket(metadataBucket).Get([]byte(path)) != nil
		return nil
	})
	return exists
}

func (s *BboltMetadataStore) Delete(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(metadataBucket)
		if b.Get([]byte(path)) == nil {
			return ErrStreamNotFound
		}
		return b.Delete([]byte(path))
	})
}

func (s *BboltMetadataStore) UpdateHead(path string, head Offset) error {
	return s.mutate(path, func(bm *bboltMetadata) {
		bm.Head = head.String()
	})
}

func (s *BboltMetadataStore) SetDegraded(path string, degraded bool) error {
	return s.mutate(path, func(bm *bboltMetadata) {
		bm.Degraded = degraded
	})
}

func (s *BboltMetadataStore) mutate(path string, fn func(*bboltMetadata)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(metadataBucket)
		data := b.Get([]byte(path))
		if data == nil {
			return ErrStreamNotFound
		}
		var bm bboltMetadata
		if err := json.Unmarshal(data, &bm); err != nil {
			return err
		}
		fn(&bm)
		newData, err := json.Marshal(bm)
		if err != nil {
			return err
		}
		return b.Put([]byte(path), newData)
	})
}

func (s *BboltMetadataStore) List() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}

	var paths []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(metadataBucket).ForEach(func(k, v []byte) error {
			paths = append(paths, string(k))
			return nil
		})
	})
	return paths, err
}

func (s *BboltMetadataStore) ForEach(fn func(MetadataRecord) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}

	return s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(metadataBucket).ForEach(func(k, v []byte) error {
			var bm bboltMetadata
			if err := json.Unmarshal(v, &bm); err != nil {
				return err
			}
			rec, err := fromBboltMetadata(bm)
			if err != nil {
				return err
			}
			return fn(rec)
		})
	})
}

func (s *BboltMetadataStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *BboltMetadataStore) Sync() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}
	return s.db.Sync()
}

func (s *BboltMetadataStore) Path() string {
	return s.path
}
