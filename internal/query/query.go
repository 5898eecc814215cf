// Package query lists stored files by owner, extension, and content type
// over the ledger attribute index.
package query

import (
	"context"
	"time"

	"github.com/gezibash/vault-node/internal/chunker"
	"github.com/gezibash/vault-node/internal/fault"
	"github.com/gezibash/vault-node/internal/ledger"
	"github.com/gezibash/vault-node/internal/ledger/pool"
)

// queryPageSize is the per-page limit when draining the ledger index.
const queryPageSize = 256

// FileSummary is one listing row, decoded from a metadata entity.
type FileSummary struct {
	FileID           string    `json:"file_id"`
	OriginalFilename string    `json:"original_filename"`
	ContentType      string    `json:"content_type"`
	FileExtension    string    `json:"file_extension"`
	TotalSize        int64     `json:"total_size"`
	ChunkCount       int       `json:"chunk_count"`
	Checksum         string    `json:"checksum"`
	CreatedAt        time.Time `json:"created_at"`
	Owner            string    `json:"owner,omitempty"`
}

// Service answers listing queries.
type Service struct {
	pool *pool.Pool
	eval *Evaluator
}

// New creates the service.
func New(p *pool.Pool) (*Service, error) {
	eval, err := NewEvaluator()
	if err != nil {
		return nil, err
	}
	return &Service{pool: p, eval: eval}, nil
}

// ByOwner lists files owned by the given address, newest first. filter is
// an optional CEL expression over the summaries.
func (s *Service) ByOwner(ctx context.Context, owner, filter string) ([]FileSummary, error) {
	return s.list(ctx, map[string]string{
		ledger.AttrType:  ledger.TypeMetadata,
		ledger.AttrOwner: owner,
	}, true, filter)
}

// ByExtension lists files with the given (lowercased) extension. In ledger
// mode the result may legitimately lag behind recent uploads until the
// ledger index catches up.
func (s *Service) ByExtension(ctx context.Context, ext, filter string) ([]FileSummary, error) {
	return s.list(ctx, map[string]string{
		ledger.AttrType:      ledger.TypeMetadata,
		ledger.AttrExtension: ext,
	}, false, filter)
}

// ByContentType lists files with the given content type.
func (s *Service) ByContentType(ctx context.Context, contentType, filter string) ([]FileSummary, error) {
	return s.list(ctx, map[string]string{
		ledger.AttrType:    ledger.TypeMetadata,
		ledger.AttrContent: contentType,
	}, false, filter)
}

// list drains every page of a metadata query, decodes summaries, and
// applies the optional CEL filter.
func (s *Service) list(ctx context.Context, attrs map[string]string, descending bool, filter string) ([]FileSummary, error) {
	if filter != "" {
		if err := s.eval.Validate(ctx, filter); err != nil {
			return nil, fault.Wrap(fault.CodeValidation, "invalid filter expression", err)
		}
	}

	var summaries []FileSummary
	cursor := ""
	for {
		var page ledger.QueryPage
		err := s.pool.WithRead(ctx, func(ctx context.Context, c ledger.Client) error {
			var err error
			page, err = c.Query(ctx, ledger.QueryRequest{
				Attributes: attrs,
				Limit:      queryPageSize,
				Cursor:     cursor,
				Descending: descending,
			})
			return err
		})
		if err != nil {
			return nil, err
		}

		for _, entity := range page.Entities {
			meta, err := ledger.DecodeMetadata(entity)
			if err != nil {
				// A malformed entity must not poison the listing.
				continue
			}
			summaries = append(summaries, toSummary(meta))
		}

		if !page.HasMore {
			break
		}
		cursor = page.NextCursor
	}

	if filter != "" {
		return s.eval.Filter(ctx, filter, summaries)
	}
	return summaries, nil
}

func toSummary(meta *chunker.Metadata) FileSummary {
	return FileSummary{
		FileID:           meta.FileID,
		OriginalFilename: meta.OriginalFilename,
		ContentType:      meta.ContentType,
		FileExtension:    meta.FileExtension,
		TotalSize:        meta.TotalSize,
		ChunkCount:       meta.ChunkCount,
		Checksum:         meta.Checksum,
		CreatedAt:        meta.CreatedAt,
		Owner:            meta.Owner,
	}
}
