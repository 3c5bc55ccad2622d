package store

import (
	"context"
	"os"
	"testing"
	"time"
)

func TestStreamMetadata_IsExpired_TTL(t *testing.T) {
	ttl := time.Second
	meta := &StreamMetadata{
		Path:      "/test",
		TTL:       &ttl,
		CreatedAt: time.Now().Add(-2 * time.Second),
	}
	if !meta.IsExpired() {
		t.Error("stream with elapsed TTL should be expired")
	}

	meta.CreatedAt = time.Now()
	if meta.IsExpired() {
		t.Error("stream with non-elapsed TTL should not be expired")
	}
}

func TestStreamMetadata_IsExpired_NoTTL(t *testing.T) {
	meta := &StreamMetadata{
		Path:      "/test",
		CreatedAt: time.Now().Add(-24 * time.Hour),
	}
	if meta.IsExpired() {
		t.Error("stream without a TTL should never expire")
	}
}

func TestMemoryStore_ExpiryOnHead(t *testing.T) {
	st := NewMemoryStore(nil)
	defer st.Close()

	ttl := time.Second
	_, _, err := st.Create("/expiring", CreateOptions{ContentType: "text/plain", TTL: &ttl})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if _, err := st.Head("/expiring"); err != nil {
		t.Fatalf("Head failed immediately after create: %v", err)
	}

	time.Sleep(1100 * time.Millisecond)

	if _, err := st.Head("/expiring"); err != ErrStreamNotFound {
		t.Errorf("expected ErrStreamNotFound after expiry, got %v", err)
	}
}

func TestMemoryStore_ExpiryOnAppend(t *testing.T) {
	st := NewMemoryStore(nil)
	defer st.Close()

	ttl := time.Second
	st.Create("/expiring", CreateOptions{ContentType: "text/plain", TTL: &ttl})

	if _, err := st.Append("/expiring", "text/plain", "", []byte("data")); err != nil {
		t.Fatalf("Append failed before expiry: %v", err)
	}

	time.Sleep(1100 * time.Millisecond)

	if _, err := st.Append("/expiring", "text/plain", "", []byte("more")); err != ErrStreamNotFound {
		t.Errorf("expected ErrStreamNotFound on append after expiry, got %v", err)
	}
}

func TestMemoryStore_ExpiryOnRead(t *testing.T) {
	st := NewMemoryStore(nil)
	defer st.Close()

	ttl := time.Second
	st.Create("/expiring", CreateOptions{ContentType: "text/plain", TTL: &ttl})
	st.Append("/expiring", "text/plain", "", []byte("data"))

	if _, err := st.Read("/expiring", ZeroOffset, 0); err != nil {
		t.Fatalf("Read failed before expiry: %v", err)
	}

	time.Sleep(1100 * time.Millisecond)

	if _, err := st.Read("/expiring", ZeroOffset, 0); err != ErrStreamNotFound {
		t.Errorf("expected ErrStreamNotFound on read after expiry, got %v", err)
	}
}

func TestMemoryStore_ExpiryOnAwait(t *testing.T) {
	st := NewMemoryStore(nil)
	defer st.Close()

	ttl := time.Second
	st.Create("/expiring", CreateOptions{ContentType: "text/plain", TTL: &ttl})

	time.Sleep(1100 * time.Millisecond)

	if _, err := st.Await(context.Background(), "/expiring", ZeroOffset, 50*time.Millisecond); err != ErrStreamNotFound {
		t.Errorf("expected ErrStreamNotFound on await after expiry, got %v", err)
	}
}

func TestFileStore_ExpiryOnHead(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "filestore-expiry-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	st, err := NewFileStore(FileStoreConfig{DataDir: tmpDir})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer st.Close()

	ttl := time.Second
	_, _, err = st.Create("/expiring", CreateOptions{ContentType: "text/plain", TTL: &ttl})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if _, err := st.Head("/expiring"); err != nil {
		t.Fatalf("Head failed immediately: %v", err)
	}

	time.Sleep(1100 * time.Millisecond)

	if _, err := st.Head("/expiring"); err != ErrStreamNotFound {
		t.Errorf("expected ErrStreamNotFound after expiry, got %v", err)
	}
}

func TestFileStore_ExpiryOnAppend(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "filestore-expiry-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	st, err := NewFileStore(FileStoreConfig{DataDir: tmpDir})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer st.Close()

	ttl := time.Second
	st.Create("/expiring", CreateOptions{ContentType: "text/plain", TTL: &ttl})

	if _, err := st.Append("/expiring", "text/plain", "", []byte("data")); err != nil {
		t.Fatalf("Append failed before expiry: %v", err)
	}

	time.Sleep(1100 * time.Millisecond)

	if _, err := st.Append("/expiring", "text/plain", "", []byte("more")); err != ErrStreamNotFound {
		t.Errorf("expected ErrStreamNotFound on append after expiry, got %v", err)
	}
}

func TestFileStore_ExpiryOnRead(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "filestore-expiry-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	st, err := NewFileStore(FileStoreConfig{DataDir: tmpDir})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer st.Close()

	ttl := time.Second
	st.Create("/expiring", CreateOptions{ContentType: "text/plain", TTL: &ttl})
	st.Append("/expiring", "text/plain", "", []byte("data"))

	if _, err := st.Read("/expiring", ZeroOffset, 0); err != nil {
		t.Fatalf("Read failed before expiry: %v", err)
	}

	time.Sleep(1100 * time.Millisecond)

	if _, err := st.Read("/expiring", ZeroOffset, 0); err != ErrStreamNotFound {
		t.Errorf("expected ErrStreamNotFound on read after expiry, got %v", err)
	}
}

func TestFileStore_BackgroundCleanup(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "filestore-cleanup-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	st, err := NewFileStore(FileStoreConfig{
		DataDir:         tmpDir,
		CleanupInterval: 500 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer st.Close()

	ttl := time.Second
	st.Create("/expiring", CreateOptions{ContentType: "text/plain", TTL: &ttl})
	st.Append("/expiring", "text/plain", "", []byte("data"))

	st.Create("/permanent", CreateOptions{ContentType: "text/plain"})
	st.Append("/permanent", "text/plain", "", []byte("data"))

	if _, err := st.Head("/expiring"); err != nil {
		t.Error("expiring stream should exist before expiry")
	}
	if _, err := st.Head("/permanent"); err != nil {
		t.Error("permanent stream should exist")
	}

	time.Sleep(1600 * time.Millisecond)

	if _, err := st.Head("/expiring"); err != ErrStreamNotFound {
		t.Error("expiring stream should be gone after cleanup")
	}
	if _, err := st.Head("/permanent"); err != nil {
		t.Error("permanent stream should still exist after cleanup")
	}

	st.mu.RLock()
	_, inTable := st.streams["/expiring"]
	st.mu.RUnlock()
	if inTable {
		t.Error("expired stream should have been removed from the in-memory table by cleanup")
	}
}
