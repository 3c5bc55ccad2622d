package store

import "time"

// MetadataRecord is the durable, serialized form of a stream's
// configuration and position, independent of which embedded KV engine
// stores it.
type MetadataRecord struct {
	Path            string
	ContentType     string
	ItemContentType string
	Head            Offset
	TTL             *time.Duration
	CreatedAt       time.Time
	DirectoryName   string
	Degraded        bool
}

// MetadataStore persists StreamMetadata for the file-backed Store
// implementation. Two embedded engines implement it: bbolt (default)
// and lmdb, selected at startup via the `metadata_backend` directive.
// Both treat the data segment file as the source of truth for stream
// content; the metadata store exists to avoid a full directory scan on
// every lookup and to resolve a stream's on-disk directory name.
type MetadataStore interface {
	Put(rec MetadataRecord) error
	Get(path string) (MetadataRecord, error)
	Has(path string) bool
	Delete(path string) error

	// UpdateHead advances the recorded head offset for path.
	UpdateHead(path string, head Offset) error

	// SetDegraded marks a stream degraded after a partial append
	// failure: data and index fell out of sync and the stream rejects
	// further appends until an operator intervenes.
	SetDegraded(path string, degraded bool) error

	List() ([]string, error)
	ForEach(fn func(MetadataRecord) error) error

	Close() error
	Sync() error
	Path() string
}
