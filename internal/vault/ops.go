package vault

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/gezibash/vault-node/internal/ingest"
	"github.com/gezibash/vault-node/internal/ledger"
	"github.com/gezibash/vault-node/internal/observability"
	"github.com/gezibash/vault-node/internal/quota"
	"github.com/gezibash/vault-node/internal/session"
)

// InitiateUpload admits a payload and returns its file id without waiting
// for ledger persistence.
func (s *Service) InitiateUpload(ctx context.Context, req ingest.UploadRequest) (UploadResponse, error) {
	op, ctx := observability.StartOperation(ctx, s.obs.Metrics, "vault.upload",
		attribute.Int("payload_bytes", len(req.Payload)))
	var err error
	defer func() { op.End(err) }()

	result, err := s.ingest.InitiateUpload(ctx, req)
	if err != nil {
		return UploadResponse{}, err
	}

	msg := "Upload successful"
	if result.Existing {
		msg = "Upload already in progress"
	}
	return UploadResponse{FileID: result.FileID, Message: msg}, nil
}

// GetFile reassembles and verifies a stored file.
func (s *Service) GetFile(ctx context.Context, fileID string) (*FileContent, error) {
	op, ctx := observability.StartOperation(ctx, s.obs.Metrics, "vault.get_file",
		attribute.String("file_id", fileID))
	var err error
	defer func() { op.End(err) }()

	file, err := s.ret.GetFile(ctx, fileID)
	if err != nil {
		return nil, err
	}
	return &FileContent{
		Data:          file.Data,
		ContentType:   file.Meta.ContentType,
		ContentLength: file.Meta.TotalSize,
		FileExtension: file.Meta.FileExtension,
		UploadDate:    file.Meta.CreatedAt,
		Filename:      file.Meta.OriginalFilename,
	}, nil
}

// GetFileInfo returns the file descriptor with its ledger entity keys.
func (s *Service) GetFileInfo(ctx context.Context, fileID string) (*FileInfo, error) {
	op, ctx := observability.StartOperation(ctx, s.obs.Metrics, "vault.file_info",
		attribute.String("file_id", fileID))
	var err error
	defer func() { op.End(err) }()

	meta, err := s.ret.GetMetadata(ctx, fileID)
	if err != nil {
		return nil, err
	}
	keys, err := s.ret.EntityKeys(ctx, fileID)
	if err != nil {
		return nil, err
	}

	info := &FileInfo{
		FileID:              meta.FileID,
		OriginalFilename:    meta.OriginalFilename,
		ContentType:         meta.ContentType,
		FileExtension:       meta.FileExtension,
		TotalSize:           meta.TotalSize,
		ChunkCount:          meta.ChunkCount,
		Checksum:            meta.Checksum,
		CreatedAt:           meta.CreatedAt,
		BTLDays:             meta.BTLDays,
		Owner:               meta.Owner,
		MetadataEntityKey:   keys.MetadataKey,
		ChunkEntityKeys:     keys.ChunkKeys,
		TotalLedgerEntities: keys.Total(),
	}
	if meta.ExpirationBlock > 0 {
		info.ExpiresAt = s.expiresAt(meta.ExpirationBlock)
	}
	return info, nil
}

// GetFileEntities lists the ledger keys behind a file.
func (s *Service) GetFileEntities(ctx context.Context, fileID string) (*FileEntities, error) {
	op, ctx := observability.StartOperation(ctx, s.obs.Metrics, "vault.file_entities",
		attribute.String("file_id", fileID))
	var err error
	defer func() { op.End(err) }()

	keys, err := s.ret.EntityKeys(ctx, fileID)
	if err != nil {
		return nil, err
	}
	return &FileEntities{
		MetadataEntityKey: keys.MetadataKey,
		ChunkEntityKeys:   keys.ChunkKeys,
		TotalEntities:     keys.Total(),
	}, nil
}

// UploadStatus reports writer progress for a file id.
func (s *Service) UploadStatus(ctx context.Context, fileID string) (*UploadStatus, error) {
	sess, err := s.session.GetByFileID(ctx, fileID)
	if err != nil {
		return nil, err
	}
	return statusOf(sess), nil
}

// UploadStatusByKey reports writer progress for an idempotency key.
func (s *Service) UploadStatusByKey(ctx context.Context, idempotencyKey string) (*UploadStatus, error) {
	sess, err := s.session.Get(ctx, idempotencyKey)
	if err != nil {
		return nil, err
	}
	return statusOf(sess), nil
}

// FilesByOwner lists an owner's files, newest first.
func (s *Service) FilesByOwner(ctx context.Context, owner, filter string) (*OwnerListing, error) {
	op, ctx := observability.StartOperation(ctx, s.obs.Metrics, "vault.query_owner",
		attribute.String("owner", owner))
	var err error
	defer func() { op.End(err) }()

	files, err := s.query.ByOwner(ctx, owner, filter)
	if err != nil {
		return nil, err
	}
	return &OwnerListing{Owner: owner, Count: len(files), Files: files}, nil
}

// FilesByExtension lists files by extension. In ledger mode the listing may
// lag recent uploads until the ledger index catches up.
func (s *Service) FilesByExtension(ctx context.Context, ext, filter string) (*ExtensionListing, error) {
	op, ctx := observability.StartOperation(ctx, s.obs.Metrics, "vault.query_extension",
		attribute.String("extension", ext))
	var err error
	defer func() { op.End(err) }()

	files, err := s.query.ByExtension(ctx, ext, filter)
	if err != nil {
		return nil, err
	}
	return &ExtensionListing{Extension: ext, Count: len(files), Files: files}, nil
}

// FilesByContentType lists files by content type.
func (s *Service) FilesByContentType(ctx context.Context, contentType, filter string) (*ContentTypeListing, error) {
	op, ctx := observability.StartOperation(ctx, s.obs.Metrics, "vault.query_content_type",
		attribute.String("content_type", contentType))
	var err error
	defer func() { op.End(err) }()

	files, err := s.query.ByContentType(ctx, contentType, filter)
	if err != nil {
		return nil, err
	}
	return &ContentTypeListing{ContentType: contentType, Count: len(files), Files: files}, nil
}

// Quota reports current usage for a user.
func (s *Service) Quota(ctx context.Context, userID string) quota.Status {
	return s.quota.Status(ctx, userID)
}

// Health reports component status. It never fails: degradation is carried
// in the body.
func (s *Service) Health(ctx context.Context) HealthStatus {
	services := map[string]string{}

	if err := s.session.Ping(ctx); err != nil {
		services["redis"] = "unavailable"
	} else {
		services["redis"] = "ok"
	}

	ledgerStatus := "ok"
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err := s.pool.WithRead(probeCtx, func(ctx context.Context, c ledger.Client) error {
		_, err := c.ChainInfo(ctx)
		return err
	})
	cancel()
	if err != nil {
		ledgerStatus = "unavailable"
	}
	services["ledger"] = ledgerStatus

	status := "ok"
	for name, st := range services {
		if st != "ok" {
			// Redis is optional in memory deployments; only the ledger
			// degrades overall status on its own.
			if name == "ledger" || s.cfg.Redis.Addr != "" {
				status = "degraded"
			}
		}
	}

	return HealthStatus{
		Status:    status,
		Timestamp: time.Now().UTC(),
		Services:  services,
	}
}

// expiresAt converts a target block to wall time using cached block timing.
func (s *Service) expiresAt(expirationBlock uint64) *time.Time {
	current := s.pool.CurrentBlock()
	var t time.Time
	if expirationBlock >= current {
		t = time.Now().Add(time.Duration(expirationBlock-current) * s.pool.BlockDuration())
	} else {
		t = time.Now().Add(-time.Duration(current-expirationBlock) * s.pool.BlockDuration())
	}
	t = t.UTC()
	return &t
}

func statusOf(sess *session.Session) *UploadStatus {
	return &UploadStatus{
		FileID:         sess.FileID,
		IdempotencyKey: sess.IdempotencyKey,
		Status:         statusString(sess.Status),
		Completed:      sess.Completed,
		Error:          sess.Error,
		StartedAt:      sess.StartedAt,
		Progress:       progressOf(sess),
	}
}

// Mode reports the configured storage mode.
func (s *Service) Mode() string {
	return s.cfg.Storage.Mode
}
