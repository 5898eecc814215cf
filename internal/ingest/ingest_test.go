package ingest

import (
	"bytes"
	"context"
	"sync/atomic"
	"testing"
	"time"

	attrmemory "github.com/gezibash/vault-node/internal/attrindex/physical/memory"
	entityphysical "github.com/gezibash/vault-node/internal/entitystore/physical"
	_ "github.com/gezibash/vault-node/internal/entitystore/physical/memory"
	"github.com/gezibash/vault-node/internal/fault"
	"github.com/gezibash/vault-node/internal/keyindex"
	"github.com/gezibash/vault-node/internal/ledger"
	"github.com/gezibash/vault-node/internal/ledger/local"
	"github.com/gezibash/vault-node/internal/ledger/pool"
	"github.com/gezibash/vault-node/internal/observability"
	"github.com/gezibash/vault-node/internal/quota"
	"github.com/gezibash/vault-node/internal/session"
)

// flakyClient injects failures ahead of a real local ledger.
type flakyClient struct {
	*local.Ledger
	failBatches atomic.Int32 // fail this many CreateBatch calls
	batchAlways bool         // fail every CreateBatch call
	failSingles atomic.Int32 // fail this many Create calls
	batchCalls  atomic.Int32
	singleCalls atomic.Int32
}

func (f *flakyClient) CreateBatch(ctx context.Context, entities []*ledger.Entity) ([]string, error) {
	f.batchCalls.Add(1)
	if f.batchAlways {
		return nil, ledger.ErrUnavailable
	}
	if f.failBatches.Load() > 0 {
		f.failBatches.Add(-1)
		return nil, ledger.ErrUnavailable
	}
	return f.Ledger.CreateBatch(ctx, entities)
}

func (f *flakyClient) Create(ctx context.Context, e *ledger.Entity) (string, error) {
	f.singleCalls.Add(1)
	if f.failSingles.Load() > 0 {
		f.failSingles.Add(-1)
		return "", ledger.ErrUnavailable
	}
	return f.Ledger.Create(ctx, e)
}

func (f *flakyClient) Close() error { return nil }

type testEnv struct {
	pipeline *Pipeline
	sessions *session.Store
	keys     *keyindex.Cache
	ledger   *flakyClient
	pool     *pool.Pool
}

func fastPolicy(attempts int) pool.Policy {
	return pool.Policy{Attempts: attempts, Base: time.Millisecond, Cap: 5 * time.Millisecond}
}

func newTestEnv(t *testing.T, cfg Config, limits quota.Limits) *testEnv {
	t.Helper()

	entities, err := entityphysical.New(context.Background(), "memory", nil)
	if err != nil {
		t.Fatalf("create entity backend: %v", err)
	}
	lgr := local.New(entities, attrmemory.New())
	t.Cleanup(func() { _ = lgr.Close() })

	flaky := &flakyClient{Ledger: lgr}
	metrics := observability.NewMetrics()

	dial := func(ctx context.Context) (ledger.Client, error) { return flaky, nil }
	p := pool.New(pool.Config{}, dial, dial, metrics)
	t.Cleanup(p.Close)

	sessions := session.NewStore(nil, time.Hour, metrics)
	keys, err := keyindex.New(nil, time.Hour, time.Second, metrics)
	if err != nil {
		t.Fatalf("create key index: %v", err)
	}
	t.Cleanup(func() { _ = keys.Close() })

	q := quota.New(quota.Config{Limits: limits, BypassKey: "bypass-me", CacheTTL: time.Minute}, nil, nil)

	if cfg.MaxFileSize == 0 {
		cfg.MaxFileSize = 1 << 20
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = 1024
	}
	if len(cfg.AllowedContentTypes) == 0 {
		cfg.AllowedContentTypes = []string{"text/", "application/octet-stream"}
	}
	if cfg.BatchPolicy.Attempts == 0 {
		cfg.BatchPolicy = fastPolicy(3)
	}
	if cfg.SinglePolicy.Attempts == 0 {
		cfg.SinglePolicy = fastPolicy(3)
	}

	return &testEnv{
		pipeline: New(cfg, sessions, keys, q, p, metrics),
		sessions: sessions,
		keys:     keys,
		ledger:   flaky,
		pool:     p,
	}
}

func validRequest(payload []byte, key string) UploadRequest {
	return UploadRequest{
		Payload:        payload,
		Filename:       "notes.txt",
		ContentType:    "text/plain",
		Owner:          "alice",
		IdempotencyKey: key,
		BTLDays:        7,
		UserID:         "user-1",
	}
}

func waitTerminal(t *testing.T, env *testEnv, idempotencyKey string) *session.Session {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		sess, err := env.sessions.Get(context.Background(), idempotencyKey)
		if err == nil && sess.Terminal() {
			return sess
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("session did not reach a terminal state")
	return nil
}

func TestUploadHappyPath(t *testing.T) {
	env := newTestEnv(t, Config{BatchSize: 4}, quota.Limits{MaxBytes: 1 << 30, MaxUploadsPerDay: 100})
	payload := bytes.Repeat([]byte("vault"), 2000) // 10000 bytes -> 10 chunks of 1024

	res, err := env.pipeline.InitiateUpload(context.Background(), validRequest(payload, "upload-key-1"))
	if err != nil {
		t.Fatalf("InitiateUpload: %v", err)
	}
	if res.FileID == "" || res.Existing {
		t.Fatalf("unexpected result %+v", res)
	}

	sess := waitTerminal(t, env, "upload-key-1")
	if sess.Status != session.StatusCompleted {
		t.Fatalf("status = %s, error = %s", sess.Status, sess.Error)
	}
	if sess.ChunksUploaded != sess.TotalChunks {
		t.Errorf("uploaded %d of %d chunks", sess.ChunksUploaded, sess.TotalChunks)
	}
	if sess.Metadata.LedgerKey == "" {
		t.Error("metadata ledger key not recorded")
	}

	keys, ok := env.keys.Get(context.Background(), res.FileID)
	if !ok {
		t.Fatal("entity keys not published on completion")
	}
	if keys.MetadataKey == "" || len(keys.ChunkKeys) != sess.TotalChunks {
		t.Errorf("published keys incomplete: %+v", keys)
	}
	for i, k := range keys.ChunkKeys {
		if k == "" {
			t.Errorf("chunk %d has no ledger key", i)
		}
	}
}

func TestUploadIdempotency(t *testing.T) {
	env := newTestEnv(t, Config{}, quota.Limits{MaxBytes: 1 << 30, MaxUploadsPerDay: 100})
	ctx := context.Background()

	first, err := env.pipeline.InitiateUpload(ctx, validRequest([]byte("same body"), "idem-key-1"))
	if err != nil {
		t.Fatalf("first upload: %v", err)
	}

	second, err := env.pipeline.InitiateUpload(ctx, validRequest([]byte("same body"), "idem-key-1"))
	if err != nil {
		t.Fatalf("second upload: %v", err)
	}
	if second.FileID != first.FileID || !second.Existing {
		t.Errorf("replay returned %+v, want file %s", second, first.FileID)
	}

	// The session is keyed on the idempotency key alone: a different body
	// still replays the original upload.
	third, err := env.pipeline.InitiateUpload(ctx, validRequest([]byte("different body"), "idem-key-1"))
	if err != nil {
		t.Fatalf("third upload: %v", err)
	}
	if third.FileID != first.FileID {
		t.Errorf("different body minted new file %s", third.FileID)
	}
}

func TestUploadTooLarge(t *testing.T) {
	env := newTestEnv(t, Config{MaxFileSize: 100}, quota.Limits{MaxBytes: 1 << 30, MaxUploadsPerDay: 100})

	_, err := env.pipeline.InitiateUpload(context.Background(), validRequest(make([]byte, 101), "toolarge-key"))
	if !fault.IsCode(err, fault.CodeTooLarge) {
		t.Fatalf("expected TOO_LARGE, got %v", err)
	}

	// Rejected uploads must not leave a session behind.
	if _, err := env.sessions.Get(context.Background(), "toolarge-key"); err == nil {
		t.Error("session created for rejected upload")
	}
}

func TestUploadUnsupportedType(t *testing.T) {
	env := newTestEnv(t, Config{}, quota.Limits{MaxBytes: 1 << 30, MaxUploadsPerDay: 100})

	req := validRequest([]byte("x"), "unsupported-key")
	req.ContentType = "application/x-msdownload"
	_, err := env.pipeline.InitiateUpload(context.Background(), req)
	if !fault.IsCode(err, fault.CodeUnsupportedType) {
		t.Fatalf("expected UNSUPPORTED_TYPE, got %v", err)
	}
}

func TestUploadValidation(t *testing.T) {
	env := newTestEnv(t, Config{}, quota.Limits{MaxBytes: 1 << 30, MaxUploadsPerDay: 100})
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*UploadRequest)
	}{
		{"short idempotency key", func(r *UploadRequest) { r.IdempotencyKey = "short" }},
		{"invalid idempotency chars", func(r *UploadRequest) { r.IdempotencyKey = "bad key with spaces!" }},
		{"long owner", func(r *UploadRequest) { r.Owner = string(make([]byte, 101)) }},
		{"empty payload", func(r *UploadRequest) { r.Payload = nil }},
		{"negative btl", func(r *UploadRequest) { r.BTLDays = -1 }},
		{"missing content type", func(r *UploadRequest) { r.ContentType = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest([]byte("payload"), "valid-key-12345")
			tt.mutate(&req)
			_, err := env.pipeline.InitiateUpload(ctx, req)
			if !fault.IsCode(err, fault.CodeValidation) {
				t.Errorf("expected VALIDATION, got %v", err)
			}
		})
	}
}

func TestUploadQuotaDenied(t *testing.T) {
	env := newTestEnv(t, Config{}, quota.Limits{MaxBytes: 10, MaxUploadsPerDay: 100})

	_, err := env.pipeline.InitiateUpload(context.Background(), validRequest(make([]byte, 11), "quota-key-1"))
	if !fault.IsCode(err, fault.CodeQuotaExceeded) {
		t.Fatalf("expected QUOTA_EXCEEDED, got %v", err)
	}
}

func TestUploadQuotaBypass(t *testing.T) {
	env := newTestEnv(t, Config{}, quota.Limits{MaxBytes: 10, MaxUploadsPerDay: 100})

	req := validRequest(make([]byte, 100), "bypass-key-123")
	req.BypassKey = "bypass-me"
	if _, err := env.pipeline.InitiateUpload(context.Background(), req); err != nil {
		t.Fatalf("bypass upload: %v", err)
	}
}

func TestWriterRecoversFromTransientOutage(t *testing.T) {
	env := newTestEnv(t, Config{BatchSize: 4, BatchPolicy: fastPolicy(5)}, quota.Limits{MaxBytes: 1 << 30, MaxUploadsPerDay: 100})
	env.ledger.failBatches.Store(2)

	payload := bytes.Repeat([]byte("x"), 5000)
	res, err := env.pipeline.InitiateUpload(context.Background(), validRequest(payload, "outage-key-1"))
	if err != nil {
		t.Fatalf("InitiateUpload: %v", err)
	}

	sess := waitTerminal(t, env, "outage-key-1")
	if sess.Status != session.StatusCompleted {
		t.Fatalf("status = %s, error = %s", sess.Status, sess.Error)
	}
	if env.ledger.batchCalls.Load() < 3 {
		t.Errorf("expected retried batch calls, got %d", env.ledger.batchCalls.Load())
	}
	if _, ok := env.keys.Get(context.Background(), res.FileID); !ok {
		t.Error("entity keys missing after recovery")
	}
}

func TestWriterFallsBackToIndividualWrites(t *testing.T) {
	env := newTestEnv(t, Config{BatchSize: 4, BatchPolicy: fastPolicy(2)}, quota.Limits{MaxBytes: 1 << 30, MaxUploadsPerDay: 100})
	env.ledger.batchAlways = true

	payload := bytes.Repeat([]byte("y"), 3000) // 3 chunks of 1024
	res, err := env.pipeline.InitiateUpload(context.Background(), validRequest(payload, "fallback-key-1"))
	if err != nil {
		t.Fatalf("InitiateUpload: %v", err)
	}

	sess := waitTerminal(t, env, "fallback-key-1")
	if sess.Status != session.StatusCompleted {
		t.Fatalf("status = %s, error = %s", sess.Status, sess.Error)
	}

	// Metadata plus every chunk written individually.
	if got := env.ledger.singleCalls.Load(); got != 4 {
		t.Errorf("individual writes = %d, want 4", got)
	}

	keys, ok := env.keys.Get(context.Background(), res.FileID)
	if !ok || keys.MetadataKey == "" || len(keys.ChunkKeys) != 3 {
		t.Errorf("keys after fallback: %+v (ok=%v)", keys, ok)
	}
}

func TestWriterTerminalFailure(t *testing.T) {
	env := newTestEnv(t, Config{BatchSize: 4, BatchPolicy: fastPolicy(2), SinglePolicy: fastPolicy(2)}, quota.Limits{MaxBytes: 1 << 30, MaxUploadsPerDay: 100})
	env.ledger.batchAlways = true
	env.ledger.failSingles.Store(1000)

	_, err := env.pipeline.InitiateUpload(context.Background(), validRequest([]byte("doomed"), "doomed-key-1"))
	if err != nil {
		t.Fatalf("InitiateUpload: %v", err)
	}

	sess := waitTerminal(t, env, "doomed-key-1")
	if sess.Status != session.StatusFailed {
		t.Fatalf("status = %s, want FAILED", sess.Status)
	}
	if sess.Error == "" {
		t.Error("failed session carries no error")
	}
}

func TestShutdownRefusesNewUploads(t *testing.T) {
	env := newTestEnv(t, Config{}, quota.Limits{MaxBytes: 1 << 30, MaxUploadsPerDay: 100})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	env.pipeline.Shutdown(ctx)

	_, err := env.pipeline.InitiateUpload(context.Background(), validRequest([]byte("late"), "late-key-123"))
	if !fault.IsCode(err, fault.CodeLedgerUnavailable) {
		t.Errorf("expected LEDGER_UNAVAILABLE after shutdown, got %v", err)
	}
}
