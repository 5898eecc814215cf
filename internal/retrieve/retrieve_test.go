package retrieve

import (
	"bytes"
	"context"
	"crypto/rand"
	"testing"
	"time"

	attrmemory "github.com/gezibash/vault-node/internal/attrindex/physical/memory"
	entityphysical "github.com/gezibash/vault-node/internal/entitystore/physical"
	_ "github.com/gezibash/vault-node/internal/entitystore/physical/memory"
	"github.com/gezibash/vault-node/internal/fault"
	"github.com/gezibash/vault-node/internal/ingest"
	"github.com/gezibash/vault-node/internal/keyindex"
	"github.com/gezibash/vault-node/internal/ledger"
	"github.com/gezibash/vault-node/internal/ledger/local"
	"github.com/gezibash/vault-node/internal/ledger/pool"
	"github.com/gezibash/vault-node/internal/observability"
	"github.com/gezibash/vault-node/internal/quota"
	"github.com/gezibash/vault-node/internal/session"
)

type testEnv struct {
	ingest   *ingest.Pipeline
	retrieve *Pipeline
	sessions *session.Store
	keys     *keyindex.Cache
	ledger   *local.Ledger
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	entities, err := entityphysical.New(context.Background(), "memory", nil)
	if err != nil {
		t.Fatalf("create entity backend: %v", err)
	}
	lgr := local.New(entities, attrmemory.New())
	t.Cleanup(func() { _ = lgr.Close() })

	metrics := observability.NewMetrics()
	dial := func(ctx context.Context) (ledger.Client, error) { return nopClose{lgr}, nil }
	p := pool.New(pool.Config{}, dial, dial, metrics)
	t.Cleanup(p.Close)

	sessions := session.NewStore(nil, time.Hour, metrics)
	keys, err := keyindex.New(nil, time.Hour, time.Second, metrics)
	if err != nil {
		t.Fatalf("create key index: %v", err)
	}
	t.Cleanup(func() { _ = keys.Close() })

	q := quota.New(quota.Config{
		Limits:   quota.Limits{MaxBytes: 1 << 30, MaxUploadsPerDay: 1000},
		CacheTTL: time.Minute,
	}, nil, nil)

	fast := pool.Policy{Attempts: 2, Base: time.Millisecond, Cap: 5 * time.Millisecond}
	ing := ingest.New(ingest.Config{
		MaxFileSize:         1 << 20,
		ChunkSize:           1024,
		AllowedContentTypes: []string{"text/", "application/octet-stream"},
		BatchSize:           4,
		BatchPolicy:         fast,
		SinglePolicy:        fast,
	}, sessions, keys, q, p, metrics)

	return &testEnv{
		ingest:   ing,
		retrieve: New(p, keys, metrics),
		sessions: sessions,
		keys:     keys,
		ledger:   lgr,
	}
}

type nopClose struct{ *local.Ledger }

func (nopClose) Close() error { return nil }

func (env *testEnv) upload(t *testing.T, payload []byte, key string) string {
	t.Helper()
	res, err := env.ingest.InitiateUpload(context.Background(), ingest.UploadRequest{
		Payload:        payload,
		Filename:       "data.bin",
		ContentType:    "application/octet-stream",
		Owner:          "alice",
		IdempotencyKey: key,
		BTLDays:        7,
		UserID:         "user-1",
	})
	if err != nil {
		t.Fatalf("InitiateUpload: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		sess, err := env.sessions.Get(context.Background(), key)
		if err == nil && sess.Terminal() {
			if sess.Status != session.StatusCompleted {
				t.Fatalf("upload failed: %s", sess.Error)
			}
			return res.FileID
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("upload did not complete")
	return ""
}

func TestRoundTripViaKeyCache(t *testing.T) {
	env := newTestEnv(t)
	payload := make([]byte, 10_000)
	if _, err := rand.Read(payload); err != nil {
		t.Fatalf("rand: %v", err)
	}

	fileID := env.upload(t, payload, "roundtrip-key-1")

	file, err := env.retrieve.GetFile(context.Background(), fileID)
	if err != nil {
		t.Fatalf("GetFile: %v", err)
	}
	if !bytes.Equal(file.Data, payload) {
		t.Error("retrieved bytes differ from upload")
	}
	if file.Meta.ContentType != "application/octet-stream" {
		t.Errorf("content type = %q", file.Meta.ContentType)
	}
}

func TestRoundTripViaScan(t *testing.T) {
	env := newTestEnv(t)
	payload := make([]byte, 5_000)
	if _, err := rand.Read(payload); err != nil {
		t.Fatalf("rand: %v", err)
	}

	fileID := env.upload(t, payload, "scan-key-12345")

	// Drop the key cache so retrieval must use the attribute query path.
	env.keys.Delete(context.Background(), fileID)

	file, err := env.retrieve.GetFile(context.Background(), fileID)
	if err != nil {
		t.Fatalf("GetFile via scan: %v", err)
	}
	if !bytes.Equal(file.Data, payload) {
		t.Error("retrieved bytes differ from upload")
	}
}

func TestGetFileNotFound(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.retrieve.GetFile(context.Background(), "no-such-file")
	if !fault.IsCode(err, fault.CodeNotFound) {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
}

func TestGetFileIncomplete(t *testing.T) {
	env := newTestEnv(t)
	payload := make([]byte, 3_000) // 3 chunks

	fileID := env.upload(t, payload, "truncated-key-1")

	// Simulate a missing chunk: confirm all three chunks are stored, then
	// replace one cached chunk key with a key the ledger does not hold.
	keys, ok := env.keys.Get(context.Background(), fileID)
	if !ok {
		t.Fatal("expected cached keys")
	}
	chunks, err := env.ledger.Query(context.Background(), ledger.QueryRequest{
		Attributes: map[string]string{ledger.AttrType: ledger.TypeChunk, ledger.AttrFileID: fileID},
	})
	if err != nil || len(chunks.Entities) != 3 {
		t.Fatalf("chunk query: %v (%d entities)", err, len(chunks.Entities))
	}

	// Missing chunk through the key-cache path: point one key at nothing.
	stale := &keyindex.Keys{MetadataKey: keys.MetadataKey, ChunkKeys: append([]string(nil), keys.ChunkKeys...)}
	stale.ChunkKeys[1] = "gone-key"
	env.keys.Put(context.Background(), fileID, stale)

	_, err = env.retrieve.GetFile(context.Background(), fileID)
	if !fault.IsCode(err, fault.CodeFileIncomplete) {
		t.Errorf("expected FILE_INCOMPLETE, got %v", err)
	}
}

func TestEntityKeysBackfill(t *testing.T) {
	env := newTestEnv(t)
	payload := make([]byte, 2_500)

	fileID := env.upload(t, payload, "entities-key-1")
	env.keys.Delete(context.Background(), fileID)

	keys, err := env.retrieve.EntityKeys(context.Background(), fileID)
	if err != nil {
		t.Fatalf("EntityKeys: %v", err)
	}
	if keys.MetadataKey == "" || len(keys.ChunkKeys) != 3 {
		t.Errorf("keys = %+v", keys)
	}

	// The scan result should have been written back to the cache.
	if _, ok := env.keys.Get(context.Background(), fileID); !ok {
		t.Error("entity keys not backfilled into the cache")
	}
}

func TestGetMetadata(t *testing.T) {
	env := newTestEnv(t)
	fileID := env.upload(t, []byte("hello metadata"), "metadata-key-1")

	meta, err := env.retrieve.GetMetadata(context.Background(), fileID)
	if err != nil {
		t.Fatalf("GetMetadata: %v", err)
	}
	if meta.FileID != fileID || meta.TotalSize != 14 {
		t.Errorf("meta = %+v", meta)
	}
}
