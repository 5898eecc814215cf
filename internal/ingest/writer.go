package ingest

import (
	"context"
	"log/slog"

	"github.com/gezibash/vault-node/internal/chunker"
	"github.com/gezibash/vault-node/internal/fault"
	"github.com/gezibash/vault-node/internal/keyindex"
	"github.com/gezibash/vault-node/internal/ledger"
	"github.com/gezibash/vault-node/internal/ledger/pool"
	"github.com/gezibash/vault-node/internal/session"
)

// runWriter pushes one session's entities to the ledger. It is the single
// writer for its session: nobody else mutates the record until it reaches a
// terminal state. It is detached from the originating request and uses its
// own context.
func (p *Pipeline) runWriter(sess *session.Session, meta *chunker.Metadata, chunks []*chunker.Chunk) {
	defer p.writers.Done()

	if p.metrics != nil {
		p.metrics.SessionsActive.Inc()
		defer p.metrics.SessionsActive.Dec()
	}

	ctx := context.Background()
	logger := slog.With("file_id", meta.FileID, "chunks", len(chunks))

	keys := &keyindex.Keys{ChunkKeys: make([]string, len(chunks))}

	err := p.writeBatches(ctx, sess, meta, chunks, keys)
	if err != nil {
		logger.Warn("batch write path failed, falling back to individual writes", "error", err)
		err = p.writeIndividually(ctx, sess, meta, chunks, keys)
	}

	if err != nil {
		logger.Error("upload failed", "error", err)
		sess.Fail(fault.PublicMessage(err))
		p.sessions.Put(ctx, sess)
		return
	}

	p.keys.Put(ctx, meta.FileID, keys)
	sess.Complete()
	p.sessions.Put(ctx, sess)
	logger.Info("upload completed", "metadata_key", keys.MetadataKey)
}

// writeBatches attempts the batched path: the first batch carries the
// metadata entity plus the first chunk group, subsequent batches are
// chunk-only. Chunks are written in ascending index order.
func (p *Pipeline) writeBatches(ctx context.Context, sess *session.Session, meta *chunker.Metadata, chunks []*chunker.Chunk, keys *keyindex.Keys) error {
	for start := 0; start < len(chunks); start += p.cfg.BatchSize {
		end := start + p.cfg.BatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		group := chunks[start:end]

		entities := make([]*ledger.Entity, 0, len(group)+1)
		if start == 0 {
			metaEntity, err := ledger.MetadataEntity(meta)
			if err != nil {
				return err
			}
			entities = append(entities, metaEntity)
		}
		for _, c := range group {
			entities = append(entities, ledger.ChunkEntity(c))
		}

		var minted []string
		err := p.pool.Do(ctx, pool.KindWrite, p.cfg.BatchPolicy, func(ctx context.Context, c ledger.Client) error {
			var err error
			minted, err = c.CreateBatch(ctx, entities)
			return err
		})
		if err != nil {
			return err
		}

		offset := 0
		if start == 0 {
			meta.LedgerKey = minted[0]
			keys.MetadataKey = minted[0]
			offset = 1
		}
		indices := make([]int, len(group))
		for i, c := range group {
			c.LedgerKey = minted[offset+i]
			keys.ChunkKeys[c.Index] = minted[offset+i]
			indices[i] = c.Index
		}

		p.advance(ctx, sess, indices)
	}
	return nil
}

// writeIndividually is the graceful fallback: every entity that has no
// ledger key yet is written one call at a time under the single-call
// policy.
func (p *Pipeline) writeIndividually(ctx context.Context, sess *session.Session, meta *chunker.Metadata, chunks []*chunker.Chunk, keys *keyindex.Keys) error {
	if keys.MetadataKey == "" {
		metaEntity, err := ledger.MetadataEntity(meta)
		if err != nil {
			return err
		}
		var key string
		err = p.pool.Do(ctx, pool.KindWrite, p.cfg.SinglePolicy, func(ctx context.Context, c ledger.Client) error {
			var err error
			key, err = c.Create(ctx, metaEntity)
			return err
		})
		if err != nil {
			return err
		}
		meta.LedgerKey = key
		keys.MetadataKey = key
	}

	for _, c := range chunks {
		if c.LedgerKey != "" {
			continue
		}
		entity := ledger.ChunkEntity(c)

		var key string
		err := p.pool.Do(ctx, pool.KindWrite, p.cfg.SinglePolicy, func(ctx context.Context, cl ledger.Client) error {
			var err error
			key, err = cl.Create(ctx, entity)
			return err
		})
		if err != nil {
			return err
		}
		c.LedgerKey = key
		keys.ChunkKeys[c.Index] = key

		p.advance(ctx, sess, []int{c.Index})
	}
	return nil
}

// advance records freshly persisted chunk indices on the session.
func (p *Pipeline) advance(ctx context.Context, sess *session.Session, indices []int) {
	sess.MarkReceived(indices...)
	p.sessions.Put(ctx, sess)
	if p.metrics != nil {
		p.metrics.ChunksWritten.Add(float64(len(indices)))
	}
}
