package session

import (
	"context"
	"testing"
	"time"

	"github.com/gezibash/vault-node/internal/chunker"
	"github.com/gezibash/vault-node/internal/fault"
	"github.com/gezibash/vault-node/internal/observability"
)

func newTestStore(t *testing.T, ttl time.Duration) *Store {
	t.Helper()
	return NewStore(nil, ttl, observability.NewMetrics())
}

func testMeta(fileID string) *chunker.Metadata {
	return &chunker.Metadata{
		FileID:           fileID,
		OriginalFilename: "f.txt",
		ContentType:      "text/plain",
		ChunkCount:       3,
	}
}

func TestPutGet(t *testing.T) {
	store := newTestStore(t, time.Hour)
	ctx := context.Background()

	sess := New("key-1", testMeta("file-1"), 3)
	store.Put(ctx, sess)

	got, err := store.Get(ctx, "key-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.FileID != "file-1" || got.Status != StatusUploading {
		t.Errorf("got %+v", got)
	}
}

func TestGetMissing(t *testing.T) {
	store := newTestStore(t, time.Hour)

	_, err := store.Get(context.Background(), "nope")
	if !fault.IsCode(err, fault.CodeSessionNotFound) {
		t.Errorf("expected SESSION_NOT_FOUND, got %v", err)
	}
}

func TestGetByFileID(t *testing.T) {
	store := newTestStore(t, time.Hour)
	ctx := context.Background()

	store.Put(ctx, New("key-1", testMeta("file-1"), 3))

	got, err := store.GetByFileID(ctx, "file-1")
	if err != nil {
		t.Fatalf("GetByFileID: %v", err)
	}
	if got.IdempotencyKey != "key-1" {
		t.Errorf("idempotency key = %q", got.IdempotencyKey)
	}

	if _, err := store.GetByFileID(ctx, "other"); !fault.IsCode(err, fault.CodeSessionNotFound) {
		t.Errorf("expected SESSION_NOT_FOUND, got %v", err)
	}
}

func TestReadersSeeSnapshots(t *testing.T) {
	store := newTestStore(t, time.Hour)
	ctx := context.Background()

	sess := New("key-1", testMeta("file-1"), 3)
	store.Put(ctx, sess)

	got, err := store.Get(ctx, "key-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	got.MarkReceived(0, 1, 2)

	again, err := store.Get(ctx, "key-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if again.ChunksUploaded != 0 {
		t.Error("mutating a read snapshot must not affect the store")
	}
}

func TestProgressMonotonic(t *testing.T) {
	sess := New("k", testMeta("f"), 5)

	sess.MarkReceived(0, 1)
	if sess.ChunksUploaded != 2 {
		t.Errorf("uploaded = %d, want 2", sess.ChunksUploaded)
	}

	// Re-marking already-received chunks must not regress or double-count.
	sess.MarkReceived(1, 2)
	if sess.ChunksUploaded != 3 {
		t.Errorf("uploaded = %d, want 3", sess.ChunksUploaded)
	}
	if sess.LastChunkUploadedAt == nil {
		t.Error("last chunk timestamp not set")
	}
	for i := 1; i < len(sess.ChunksReceived); i++ {
		if sess.ChunksReceived[i] <= sess.ChunksReceived[i-1] {
			t.Error("chunks received not sorted")
		}
	}
}

func TestLifecycle(t *testing.T) {
	sess := New("k", testMeta("f"), 1)
	if sess.Terminal() {
		t.Error("fresh session should not be terminal")
	}

	sess.Complete()
	if !sess.Terminal() || sess.Status != StatusCompleted || !sess.Completed {
		t.Errorf("after Complete: %+v", sess)
	}

	failed := New("k2", testMeta("f2"), 1)
	failed.Fail("ledger unavailable")
	if !failed.Terminal() || failed.Status != StatusFailed || failed.Error == "" {
		t.Errorf("after Fail: %+v", failed)
	}
}

func TestTTLExpiry(t *testing.T) {
	store := newTestStore(t, 10*time.Millisecond)
	ctx := context.Background()

	store.Put(ctx, New("key-1", testMeta("file-1"), 1))
	time.Sleep(20 * time.Millisecond)

	if _, err := store.Get(ctx, "key-1"); !fault.IsCode(err, fault.CodeSessionNotFound) {
		t.Errorf("expected expiry, got %v", err)
	}
}

func TestSweep(t *testing.T) {
	store := newTestStore(t, 10*time.Millisecond)
	ctx := context.Background()

	store.Put(ctx, New("key-1", testMeta("file-1"), 1))
	store.Put(ctx, New("key-2", testMeta("file-2"), 1))
	time.Sleep(20 * time.Millisecond)

	if removed := store.Sweep(); removed != 2 {
		t.Errorf("swept %d, want 2", removed)
	}
}

func TestDelete(t *testing.T) {
	store := newTestStore(t, time.Hour)
	ctx := context.Background()

	store.Put(ctx, New("key-1", testMeta("file-1"), 1))
	store.Delete(ctx, "key-1")

	if _, err := store.Get(ctx, "key-1"); err == nil {
		t.Error("session survived delete")
	}
	if _, err := store.GetByFileID(ctx, "file-1"); err == nil {
		t.Error("file-id index survived delete")
	}
}
