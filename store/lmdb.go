package store

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/PowerDNS/lmdb-go/lmdb"
)

// LMDBMetadataStore is the second pluggable MetadataStore
// implementation, selected via `metadata_backend lmdb`. Same
// document-per-stream shape as BboltMetadataStore; LMDB write
// transactions require the calling goroutine to be locked to its OS
// thread for the duration of the transaction.
type LMDBMetadataStore struct {
	env    *lmdb.Env
	dbi    lmdb.DBI
	mu     sync.RWMutex
	path   string
	closed bool
}

type lmdbMetadata struct {
	Path            string `json:"path"`
	ContentType     string `json:"content_type"`
	ItemContentType string `json:"item_content_type,omitempty"`
	Head            string `json:"head"`
	TTLSeconds      *int64 `json:"ttl_seconds,omitempty"`
	CreatedAt       int64  `json:"created_at"`
	DirectoryName   string `json:"directory_name"`
	Degraded        bool   `json:"degraded,omitempty"`
}

// NewLMDBMetadataStore opens (creating if absent) an LMDB-backed
// metadata store under dataDir.
func NewLMDBMetadataStore(dataDir string) (*LMDBMetadataStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	env, err := lmdb.NewEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to create LMDB environment: %w", err)
	}

	if err := env.SetMapSize(1 << 30); err != nil {
		env.Close()
		return nil, fmt.Errorf("failed to set map size: %w", err)
	}
	if err := env.SetMaxDBs(1); err != nil {
		env.Close()
		return nil, fmt.Errorf("failed to set max dbs: %w", err)
	}
	if err := env.Open(dataDir, 0, 0755); err != nil {
		env.Close()
		return nil, fmt.Errorf("failed to open LMDB environment: %w", err)
	}

	var dbi lmdb.DBI
	err = env.Update(func(txn *lmdb.Txn) error {
		var err error
		dbi, err = txn.OpenDBI("metadata", lmdb.Create)
		return err
	})
	if err != nil {
		env.Close()
		return nil, fmt.Errorf("failed to open metadata database: %w", err)
	}

	return &LMDBMetadataStore{env: env, dbi: dbi, path: dataDir}, nil
}

func toLMDBMetadata(rec MetadataRecord) lmdbMetadata {
	lm := lmdbMetadata{
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
		lm.TTLSeconds = &secs
	}
	return lm
}

func fromLMDBMetadata(lm lmdbMetadata) (MetadataRecord, error) {
	head, err := ParseOffset(lm.Head)
	if err != nil {
		return MetadataRecord{}, fmt.Errorf("failed to parse offset: %w", err)
	}
	rec := MetadataRecord{
		Path:            lm.Path,
		ContentType:     lm.ContentType,
		ItemContentType: lm.ItemContentType,
		Head:            head,
		CreatedAt:       time.Unix(lm.CreatedAt, 0),
		DirectoryName:   lm.DirectoryName,
		Degraded:        lm.Degraded,
	}
	if lm.TTLSeconds != nil {
		d := time.Duration(*lm.TTLSeconds) * time.Second
		rec.TTL = &d
	}
	return rec, nil
}

func (s *LMDBMetadataStore) Put(rec MetadataRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}

	data, err := json.Marshal(toLMDBMetadata(rec))
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	return s.env.Update(func(txn *lmdb.Txn) error {
		return txn.Put(s.dbi, []byte(rec.Path), data, 0)
	})
}

func (s *LMDBMetadataStore) Get(path string) (MetadataRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return MetadataRecord{}, fmt.Errorf("store is closed")
	}

	var rec MetadataRecord
	err := s.env.View(func(txn *lmdb.Txn) error {
		data, err := txn.Get(s.dbi, []byte(path))
		if lmdb.IsNotFound(err) {
			return ErrStreamNotFound
		}
		if err != nil {
			return err
		}
		var lm lmdbMetadata
		if err := json.Unmarshal(data, &lm); err != nil {
			return fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
		rec, err = fromLMDBMetadata(lm)
		return err
	})
	if err != nil {
		return MetadataRecord{}, err
	}
	return rec, nil
}

func (s *LMDBMetadataStore) Has(path string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}

	exists := false
	s.env.View(func(txn *lmdb.Txn) error {
		_, err := txn.Get(s.dbi, []byte(path))
		exists = err == nil
		return nil
	})
	return exists
}

func (s *LMDBMetadataStore) Delete(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	return s.env.Update(func(txn *lmdb.Txn) error {
		err := txn.Del(s.dbi, []byte(path), nil)
		if lmdb.IsNotFound(err) {
			return ErrStreamNotFound
		}
		return err
	})
}

func (s *LMDBMetadataStore) UpdateHead(path string, head Offset) error {
	return s.mutate(path, func(lm *lmdbMetadata) {
		lm.Head = head.String()
	})
}

func (s *LMDBMetadataStore) SetDegraded(path string, degraded bool) error {
	return s.mutate(path, func(lm *lmdbMetadata) {
		lm.Degraded = degraded
	})
}

func (s *LMDBMetadataStore) mutate(path string, fn func(*lmdbMetadata)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	return s.env.Update(func(txn *lmdb.Txn) error {
		data, err := txn.Get(s.dbi, []byte(path))
		if lmdb.IsNotFound(err) {
			return ErrStreamNotFound
		}
		if err != nil {
			return err
		}
		var lm lmdbMetadata
		if err := json.Unmarshal(data, &lm); err != nil {
			return err
		}
		fn(&lm)
		newData, err := json.Marshal(lm)
		if err != nil {
			return err
		}
		return txn.Put(s.dbi, []byte(path), newData, 0)
	})
}

func (s *LMDBMetadataStore) List() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}

	var paths []string
	err := s.env.View(func(txn *lmdb.Txn) error {
		cursor, err := txn.OpenCursor(s.dbi)
		if err != nil {
			return err
		}
		defer cursor.Close()

		for {
			key, _, err := cursor.Get(nil, nil, lmdb.Next)
			if lmdb.IsNotFound(err) {
				break
			}
			if err != nil {
				return err
			}
			paths = append(paths, string(key))
		}
		return nil
	})

	return paths, err
}

func (s *LMDBMetadataStore) ForEach(fn func(MetadataRecord) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}

	return s.env.View(func(txn *lmdb.Txn) error {
		cursor, err := txn.OpenCursor(s.dbi)
		if err != nil {
			return err
		}
		defer cursor.Close()

		for {
			_, data, err := cursor.Get(nil, nil, lmdb.Next)
			if lmdb.IsNotFound(err) {
				break
			}
			if err != nil {
				return err
			}

			var lm lmdbMetadata
			if err := json.Unmarshal(data, &lm); err != nil {
				return err
			}
			rec, err := fromLMDBMetadata(lm)
			if err != nil {
				return err
			}
			if err := fn(rec); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *LMDBMetadataStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.env.Close()
}

func (s *LMDBMetadataStore) Sync() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}
	return s.env.Sync(true)
}

func (s *LMDBMetadataStore) Path() string {
	return s.path
}
