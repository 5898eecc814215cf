// Package retrieve reassembles stored files from their ledger entities.
package retrieve

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/gezibash/vault-node/internal/chunker"
	"github.com/gezibash/vault-node/internal/fault"
	"github.com/gezibash/vault-node/internal/keyindex"
	"github.com/gezibash/vault-node/internal/ledger"
	"github.com/gezibash/vault-node/internal/ledger/pool"
	"github.com/gezibash/vault-node/internal/observability"
)

// queryPageSize bounds chunk scans when the key cache cannot help.
const queryPageSize = 256

// File is a reassembled payload with its metadata.
type File struct {
	Data []byte
	Meta *chunker.Metadata
}

// Pipeline is the retrieval component.
type Pipeline struct {
	pool    *pool.Pool
	keys    *keyindex.Cache
	metrics *observability.Metrics
}

// New creates the pipeline.
func New(p *pool.Pool, keys *keyindex.Cache, metrics *observability.Metrics) *Pipeline {
	return &Pipeline{pool: p, keys: keys, metrics: metrics}
}

// GetFile fetches metadata and chunks, reassembles, and verifies integrity.
// A concurrent writer is never waited for: missing chunks surface as
// FILE_INCOMPLETE, which the client may retry.
func (p *Pipeline) GetFile(ctx context.Context, fileID string) (*File, error) {
	cached, hit := p.keys.Get(ctx, fileID)

	meta, err := p.getMetadata(ctx, fileID, cached)
	if err != nil {
		return nil, err
	}

	var chunks []*chunker.Chunk
	if hit && len(cached.ChunkKeys) > 0 {
		chunks, err = p.chunksByKeys(ctx, cached.ChunkKeys)
	} else {
		chunks, err = p.chunksByScan(ctx, fileID)
	}
	if err != nil {
		return nil, err
	}

	data, err := chunker.Reassemble(meta, chunks)
	if err != nil {
		return nil, err
	}

	if p.metrics != nil {
		p.metrics.BytesProcessed.WithLabelValues("out").Add(float64(len(data)))
	}
	return &File{Data: data, Meta: meta}, nil
}

// GetMetadata fetches only the file descriptor.
func (p *Pipeline) GetMetadata(ctx context.Context, fileID string) (*chunker.Metadata, error) {
	cached, _ := p.keys.Get(ctx, fileID)
	return p.getMetadata(ctx, fileID, cached)
}

// EntityKeys returns the ledger keys behind a file, preferring the cache
// and falling back to an attribute scan.
func (p *Pipeline) EntityKeys(ctx context.Context, fileID string) (*keyindex.Keys, error) {
	if cached, ok := p.keys.Get(ctx, fileID); ok {
		return cached, nil
	}

	meta, err := p.getMetadata(ctx, fileID, nil)
	if err != nil {
		return nil, err
	}

	chunks, err := p.chunksByScan(ctx, fileID)
	if err != nil && !fault.IsCode(err, fault.CodeFileIncomplete) {
		return nil, err
	}

	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Index < chunks[j].Index })
	keys := &keyindex.Keys{MetadataKey: meta.LedgerKey}
	for _, c := range chunks {
		keys.ChunkKeys = append(keys.ChunkKeys, c.LedgerKey)
	}

	// Backfill the cache only when the chunk set is complete.
	if len(keys.ChunkKeys) == meta.ChunkCount {
		p.keys.Put(ctx, fileID, keys)
	}
	return keys, nil
}

func (p *Pipeline) getMetadata(ctx context.Context, fileID string, cached *keyindex.Keys) (*chunker.Metadata, error) {
	if cached != nil && cached.MetadataKey != "" {
		var entity *ledger.Entity
		err := p.pool.WithRead(ctx, func(ctx context.Context, c ledger.Client) error {
			var err error
			entity, err = c.GetByKey(ctx, cached.MetadataKey)
			return err
		})
		if err == nil {
			return ledger.DecodeMetadata(entity)
		}
		if !errors.Is(err, ledger.ErrNotFound) {
			return nil, mapLedgerError(err)
		}
		// Stale cache entry; fall through to the scan.
	}

	var page ledger.QueryPage
	err := p.pool.WithRead(ctx, func(ctx context.Context, c ledger.Client) error {
		var err error
		page, err = c.Query(ctx, ledger.QueryRequest{
			Attributes: map[string]string{
				ledger.AttrType:   ledger.TypeMetadata,
				ledger.AttrFileID: fileID,
			},
			Limit: 1,
		})
		return err
	})
	if err != nil {
		return nil, mapLedgerError(err)
	}
	if len(page.Entities) == 0 {
		return nil, fault.Newf(fault.CodeNotFound, "file %q not found", fileID)
	}
	return ledger.DecodeMetadata(page.Entities[0])
}

// chunksByKeys fetches chunk entities in parallel by their ledger keys.
// Pool bounds keep the fan-out from exceeding read capacity.
func (p *Pipeline) chunksByKeys(ctx context.Context, chunkKeys []string) ([]*chunker.Chunk, error) {
	chunks := make([]*chunker.Chunk, len(chunkKeys))
	errs := make([]error, len(chunkKeys))

	var wg sync.WaitGroup
	for i, key := range chunkKeys {
		if key == "" {
			errs[i] = fault.Newf(fault.CodeFileIncomplete, "chunk %d has no ledger key", i)
			continue
		}
		wg.Add(1)
		go func(i int, key string) {
			defer wg.Done()
			err := p.pool.WithRead(ctx, func(ctx context.Context, c ledger.Client) error {
				entity, err := c.GetByKey(ctx, key)
				if err != nil {
					return err
				}
				chunk, err := ledger.DecodeChunk(entity)
				if err != nil {
					return err
				}
				chunks[i] = chunk
				return nil
			})
			errs[i] = err
		}(i, key)
	}
	wg.Wait()

	for i, err := range errs {
		if err == nil {
			continue
		}
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, fault.Newf(fault.CodeFileIncomplete, "chunk %d expired or missing", i)
		}
		return nil, mapLedgerError(err)
	}
	return chunks, nil
}

// chunksByScan drains the paginated attribute query for a file's chunks.
func (p *Pipeline) chunksByScan(ctx context.Context, fileID string) ([]*chunker.Chunk, error) {
	var chunks []*chunker.Chunk
	cursor := ""
	for {
		var page ledger.QueryPage
		err := p.pool.WithRead(ctx, func(ctx context.Context, c ledger.Client) error {
			var err error
			page, err = c.Query(ctx, ledger.QueryRequest{
				Attributes: map[string]string{
					ledger.AttrType:   ledger.TypeChunk,
					ledger.AttrFileID: fileID,
				},
				Limit:  queryPageSize,
				Cursor: cursor,
			})
			return err
		})
		if err != nil {
			return nil, mapLedgerError(err)
		}

		for _, entity := range page.Entities {
			chunk, err := ledger.DecodeChunk(entity)
			if err != nil {
				return nil, err
			}
			chunks = append(chunks, chunk)
		}

		if !page.HasMore {
			break
		}
		cursor = page.NextCursor
	}

	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Index < chunks[j].Index })
	return chunks, nil
}

func mapLedgerError(err error) error {
	switch {
	case fault.IsCode(err, fault.CodeRetryExhausted),
		fault.IsCode(err, fault.CodeTimeout),
		fault.IsCode(err, fault.CodeConnectionError),
		fault.IsCode(err, fault.CodeLedgerUnavailable):
		return err
	case errors.Is(err, ledger.ErrUnavailable):
		return fault.Wrap(fault.CodeLedgerUnavailable, "ledger unavailable", err)
	default:
		return err
	}
}
