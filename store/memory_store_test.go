package store

import (
	"bytes"
	"context"
	"testing"
	"time"
)

func TestMemoryStore_CreateAndHead(t *testing.T) {
	st := NewMemoryStore(nil)
	defer st.Close()

	meta, created, err := st.Create("/test", CreateOptions{ContentType: "text/plain"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if !created {
		t.Error("expected created=true")
	}
	if !meta.Head.IsZero() {
		t.Error("new stream should start at zero offset")
	}

	got, err := st.Head("/test")
	if err != nil {
		t.Fatalf("Head failed: %v", err)
	}
	if got.Path != "/test" {
		t.Errorf("path mismatch: %q", got.Path)
	}
}

func TestMemoryStore_CreateExisting(t *testing.T) {
	st := NewMemoryStore(nil)
	defer st.Close()

	opts := CreateOptions{ContentType: "text/plain"}
	_, created1, err := st.Create("/test", opts)
	if err != nil || !created1 {
		t.Fatalf("first create: created=%v err=%v", created1, err)
	}

	// A second PUT against a live stream always conflicts, even with an
	// identical configuration; there is no idempotent-PUT carve-out.
	if _, _, err := st.Create("/test", opts); err != ErrStreamExists {
		t.Errorf("expected ErrStreamExists on matching re-create, got %v", err)
	}

	opts.ContentType = "application/json"
	if _, _, err := st.Create("/test", opts); err != ErrStreamExists {
		t.Errorf("expected ErrStreamExists, got %v", err)
	}
}

func TestMemoryStore_CreateNotFound(t *testing.T) {
	st := NewMemoryStore(nil)
	defer st.Close()

	if _, err := st.Head("/nope"); err != ErrStreamNotFound {
		t.Errorf("expected ErrStreamNotFound, got %v", err)
	}
}

func TestMemoryStore_AppendAndRead(t *testing.T) {
	st := NewMemoryStore(nil)
	defer st.Close()

	st.Create("/test", CreateOptions{ContentType: "text/plain"})

	offset, err := st.Append("/test", "text/plain", "", []byte("hello"))
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if offset.IsZero() {
		t.Error("offset should advance past zero")
	}

	result, err := st.Read("/test", ZeroOffset, 0)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(result.Messages) != 1 || !bytes.Equal(result.Messages[0].Data, []byte("hello")) {
		t.Errorf("unexpected messages: %+v", result.Messages)
	}
	if !result.EndOfStream {
		t.Error("expected EndOfStream after reading everything")
	}
}

func TestMemoryStore_AppendContentTypeMismatch(t *testing.T) {
	st := NewMemoryStore(nil)
	defer st.Close()

	st.Create("/test", CreateOptions{ContentType: "text/plain"})

	if _, err := st.Append("/test", "application/json", "", []byte("{}")); err != ErrContentTypeMismatch {
		t.Errorf("expected ErrContentTypeMismatch, got %v", err)
	}
}

func TestMemoryStore_AppendNotFound(t *testing.T) {
	st := NewMemoryStore(nil)
	defer st.Close()

	if _, err := st.Append("/missing", "text/plain", "", []byte("x")); err != ErrStreamNotFound {
		t.Errorf("expected ErrStreamNotFound, got %v", err)
	}
}

func TestMemoryStore_ReadRangeNotSatisfiable(t *testing.T) {
	st := NewMemoryStore(nil)
	defer st.Close()

	st.Create("/test", CreateOptions{ContentType: "text/plain"})
	head, _ := st.Append("/test", "text/plain", "", []byte("x"))

	if _, err := st.Read("/test", head.Add(1), 0); err != ErrRangeNotSatisfiable {
		t.Errorf("expected ErrRangeNotSatisfiable, got %v", err)
	}
}

func TestMemoryStore_ReadJSONRecordMode(t *testing.T) {
	st := NewMemoryStore(nil)
	defer st.Close()

	st.Create("/json", CreateOptions{ContentType: "application/json"})
	st.Append("/json", "application/json", "", []byte(`[{"a":1},{"a":2},{"a":3}]`))

	result, err := st.Read("/json", ZeroOffset, 2)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(result.Messages) != 2 {
		t.Fatalf("expected 2 records (maxN=2 in record mode), got %d", len(result.Messages))
	}
	if result.EndOfStream {
		t.Error("should not be at end of stream with a third record remaining")
	}

	result2, err := st.Read("/json", result.NextOffset, 0)
	if err != nil {
		t.Fatalf("second Read failed: %v", err)
	}
	if len(result2.Messages) != 1 {
		t.Fatalf("expected 1 remaining record, got %d", len(result2.Messages))
	}
	if !result2.EndOfStream {
		t.Error("expected EndOfStream after consuming the final record")
	}
}

func TestMemoryStore_ReadByteModeRespectsBudget(t *testing.T) {
	st := NewMemoryStore(nil)
	defer st.Close()

	st.Create("/bytes", CreateOptions{ContentType: "application/octet-stream"})
	st.Append("/bytes", "application/octet-stream", "", []byte("aaaaa"))
	st.Append("/bytes", "application/octet-stream", "", []byte("bbbbb"))

	result, err := st.Read("/bytes", ZeroOffset, 5)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(result.Messages) != 1 {
		t.Fatalf("expected 1 message within a 5-byte budget, got %d", len(result.Messages))
	}
}

func TestMemoryStore_Delete(t *testing.T) {
	st := NewMemoryStore(nil)
	defer st.Close()

	st.Create("/test", CreateOptions{ContentType: "text/plain"})
	if err := st.Delete("/test"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	if _, err := st.Head("/test"); err != ErrStreamNotFound {
		t.Error("stream should be gone after delete")
	}
	if err := st.Delete("/test"); err != ErrStreamNotFound {
		t.Errorf("expected ErrStreamNotFound deleting twice, got %v", err)
	}
}

func TestMemoryStore_AwaitWakesOnAppend(t *testing.T) {
	st := NewMemoryStore(nil)
	defer st.Close()

	st.Create("/test", CreateOptions{ContentType: "text/plain"})

	done := make(chan bool, 1)
	go func() {
		woke, _ := st.Await(context.Background(), "/test", ZeroOffset, 2*time.Second)
		done <- woke
	}()

	time.Sleep(50 * time.Millisecond)
	st.Append("/test", "text/plain", "", []byte("x"))

	select {
	case woke := <-done:
		if !woke {
			t.Error("Await should report new data available")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Await did not return")
	}
}

func TestMemoryStore_AwaitTimesOut(t *testing.T) {
	st := NewMemoryStore(nil)
	defer st.Close()

	st.Create("/test", CreateOptions{ContentType: "text/plain"})

	woke, err := st.Await(context.Background(), "/test", ZeroOffset, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Await failed: %v", err)
	}
	if woke {
		t.Error("Await should time out with no new data")
	}
}

func TestMemoryStore_AwaitWakesOnDelete(t *testing.T) {
	st := NewMemoryStore(nil)
	defer st.Close()

	st.Create("/test", CreateOptions{ContentType: "text/plain"})

	done := make(chan bool, 1)
	go func() {
		woke, _ := st.Await(context.Background(), "/test", ZeroOffset, 2*time.Second)
		done <- woke
	}()

	time.Sleep(50 * time.Millisecond)
	st.Delete("/test")

	select {
	case woke := <-done:
		if woke {
			t.Error("Await should report false (deleted, not new data) on delete")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Await did not return after delete")
	}
}

func TestMemoryStore_AwaitRespectsContextCancellation(t *testing.T) {
	st := NewMemoryStore(nil)
	defer st.Close()

	st.Create("/test", CreateOptions{ContentType: "text/plain"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := st.Await(ctx, "/test", ZeroOffset, 2*time.Second)
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Error("expected context cancellation error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Await did not return after cancellation")
	}
}
