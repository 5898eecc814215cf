// Package ingest admits upload requests and persists their chunks to the
// ledger through an asynchronous batched writer.
package ingest

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/gezibash/vault-node/internal/chunker"
	"github.com/gezibash/vault-node/internal/fault"
	"github.com/gezibash/vault-node/internal/keyindex"
	"github.com/gezibash/vault-node/internal/ledger/pool"
	"github.com/gezibash/vault-node/internal/observability"
	"github.com/gezibash/vault-node/internal/quota"
	"github.com/gezibash/vault-node/internal/session"
)

// Config holds admission limits and writer tuning.
type Config struct {
	MaxFileSize         int64
	ChunkSize           int
	AllowedContentTypes []string
	DefaultBTLDays      int
	BatchSize           int

	// Retry policies are configurable so tests can shrink the backoff.
	BatchPolicy  pool.Policy
	SinglePolicy pool.Policy
}

// UploadRequest carries one admission attempt. UserID and BypassKey come
// from the authenticated request context upstream.
type UploadRequest struct {
	Payload        []byte
	Filename       string
	ContentType    string
	Owner          string
	IdempotencyKey string
	BTLDays        int
	UserID         string
	BypassKey      string
}

// UploadResult is the synchronous answer: the file id is returned without
// waiting for ledger persistence.
type UploadResult struct {
	FileID   string
	Existing bool
}

// Pipeline is the ingestion component.
type Pipeline struct {
	cfg      Config
	sessions *session.Store
	keys     *keyindex.Cache
	quota    *quota.Accountant
	pool     *pool.Pool
	metrics  *observability.Metrics

	writers sync.WaitGroup
	closed  atomic.Bool
}

var idempotencyKeyRE = regexp.MustCompile(`^[A-Za-z0-9_-]{8,128}$`)

// New creates the pipeline.
func New(cfg Config, sessions *session.Store, keys *keyindex.Cache, q *quota.Accountant, p *pool.Pool, metrics *observability.Metrics) *Pipeline {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 16
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = chunker.DefaultChunkSize
	}
	if cfg.DefaultBTLDays <= 0 {
		cfg.DefaultBTLDays = 30
	}
	if cfg.BatchPolicy.Attempts == 0 {
		cfg.BatchPolicy = pool.BatchCallPolicy
	}
	if cfg.SinglePolicy.Attempts == 0 {
		cfg.SinglePolicy = pool.SingleCallPolicy
	}
	return &Pipeline{
		cfg:      cfg,
		sessions: sessions,
		keys:     keys,
		quota:    q,
		pool:     p,
		metrics:  metrics,
	}
}

// InitiateUpload runs admission and schedules the async writer. It returns
// as soon as the session is persisted; ledger writes continue in the
// background.
func (p *Pipeline) InitiateUpload(ctx context.Context, req UploadRequest) (UploadResult, error) {
	if p.closed.Load() {
		return UploadResult{}, fault.New(fault.CodeLedgerUnavailable, "service is shutting down")
	}

	if err := p.validate(req); err != nil {
		return UploadResult{}, err
	}

	if int64(len(req.Payload)) > p.cfg.MaxFileSize {
		return UploadResult{}, fault.Newf(fault.CodeTooLarge,
			"payload of %d bytes exceeds the %d byte limit", len(req.Payload), p.cfg.MaxFileSize)
	}

	if !p.contentTypeAllowed(req.ContentType) {
		return UploadResult{}, fault.Newf(fault.CodeUnsupportedType,
			"content type %q is not allowed", req.ContentType)
	}

	if err := p.quota.Check(ctx, req.UserID, int64(len(req.Payload)), req.BypassKey); err != nil {
		return UploadResult{}, err
	}

	// Idempotent replay: an existing session answers without scheduling
	// new work, regardless of the new payload.
	if existing, err := p.sessions.Get(ctx, req.IdempotencyKey); err == nil {
		return UploadResult{FileID: existing.FileID, Existing: true}, nil
	}

	fileID := uuid.NewString()

	btlDays := req.BTLDays
	if btlDays <= 0 {
		btlDays = p.cfg.DefaultBTLDays
	}
	expirationBlock := p.pool.ExpirationBlock(btlDays)

	meta, chunks, err := chunker.Split(req.Payload, fileID, req.Filename, req.ContentType, req.Owner, btlDays, expirationBlock, p.cfg.ChunkSize)
	if err != nil {
		return UploadResult{}, err
	}

	sess := session.New(req.IdempotencyKey, meta, len(chunks))
	p.sessions.Put(ctx, sess)

	p.quota.Commit(ctx, req.UserID, int64(len(req.Payload)), req.BypassKey)

	if p.metrics != nil {
		p.metrics.BytesProcessed.WithLabelValues("in").Add(float64(len(req.Payload)))
	}

	p.writers.Add(1)
	go p.runWriter(sess, meta, chunks)

	return UploadResult{FileID: fileID}, nil
}

// Shutdown refuses new uploads and waits for in-flight writers, bounded by
// ctx.
func (p *Pipeline) Shutdown(ctx context.Context) {
	p.closed.Store(true)

	done := make(chan struct{})
	go func() {
		p.writers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (p *Pipeline) validate(req UploadRequest) error {
	if len(req.Payload) == 0 {
		return fault.New(fault.CodeValidation, "payload is empty")
	}
	if !idempotencyKeyRE.MatchString(req.IdempotencyKey) {
		return fault.New(fault.CodeValidation,
			"idempotency key must be 8-128 characters of [A-Za-z0-9_-]")
	}
	if len(req.Owner) > 100 {
		return fault.New(fault.CodeValidation, "owner must be at most 100 characters")
	}
	if req.BTLDays < 0 {
		return fault.New(fault.CodeValidation, "btl days must be positive")
	}
	if req.ContentType == "" {
		return fault.New(fault.CodeValidation, "content type is required")
	}
	return nil
}

func (p *Pipeline) contentTypeAllowed(ct string) bool {
	ct = strings.ToLower(strings.TrimSpace(ct))
	for _, allowed := range p.cfg.AllowedContentTypes {
		if strings.HasPrefix(ct, strings.ToLower(allowed)) {
			return true
		}
	}
	return false
}
