package vault

import (
	"time"

	"github.com/gezibash/vault-node/internal/query"
	"github.com/gezibash/vault-node/internal/session"
)

// UploadResponse answers InitiateUpload.
type UploadResponse struct {
	FileID  string `json:"file_id"`
	Message string `json:"message"`
}

// FileContent is a retrieved payload with response headers' worth of
// metadata.
type FileContent struct {
	Data          []byte    `json:"-"`
	ContentType   string    `json:"content_type"`
	ContentLength int64     `json:"content_length"`
	FileExtension string    `json:"file_extension"`
	UploadDate    time.Time `json:"upload_date"`
	Filename      string    `json:"filename"`
}

// FileInfo is the full descriptor view.
type FileInfo struct {
	FileID              string     `json:"file_id"`
	OriginalFilename    string     `json:"original_filename"`
	ContentType         string     `json:"content_type"`
	FileExtension       string     `json:"file_extension"`
	TotalSize           int64      `json:"total_size"`
	ChunkCount          int        `json:"chunk_count"`
	Checksum            string     `json:"checksum"`
	CreatedAt           time.Time  `json:"created_at"`
	ExpiresAt           *time.Time `json:"expires_at,omitempty"`
	BTLDays             int        `json:"btl_days"`
	Owner               string     `json:"owner,omitempty"`
	MetadataEntityKey   string     `json:"metadata_entity_key,omitempty"`
	ChunkEntityKeys     []string   `json:"chunk_entity_keys"`
	TotalLedgerEntities int        `json:"total_blockchain_entities"`
}

// FileEntities lists the ledger keys behind a file.
type FileEntities struct {
	MetadataEntityKey string   `json:"metadata_entity_key,omitempty"`
	ChunkEntityKeys   []string `json:"chunk_entity_keys"`
	TotalEntities     int      `json:"total_entities"`
}

// Progress describes writer advancement for status responses.
type Progress struct {
	ChunksUploaded            int        `json:"chunks_uploaded"`
	TotalChunks               int        `json:"total_chunks"`
	Percentage                float64    `json:"percentage"`
	RemainingChunks           int        `json:"remaining_chunks"`
	ElapsedSeconds            float64    `json:"elapsed_seconds"`
	EstimatedRemainingSeconds *float64   `json:"estimated_remaining_seconds,omitempty"`
	LastChunkUploadedAt       *time.Time `json:"last_chunk_uploaded_at,omitempty"`
}

// UploadStatus is the status view of one session.
type UploadStatus struct {
	FileID         string    `json:"file_id"`
	IdempotencyKey string    `json:"idempotency_key"`
	Status         string    `json:"status"`
	Completed      bool      `json:"completed"`
	Error          string    `json:"error,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	Progress       Progress  `json:"progress"`
}

// OwnerListing answers FilesByOwner.
type OwnerListing struct {
	Owner string              `json:"owner"`
	Count int                 `json:"count"`
	Files []query.FileSummary `json:"files"`
}

// ExtensionListing answers FilesByExtension.
type ExtensionListing struct {
	Extension string              `json:"extension"`
	Count     int                 `json:"count"`
	Files     []query.FileSummary `json:"files"`
}

// ContentTypeListing answers FilesByContentType.
type ContentTypeListing struct {
	ContentType string              `json:"content_type"`
	Count       int                 `json:"count"`
	Files       []query.FileSummary `json:"files"`
}

// HealthStatus is always returned with HTTP 200; degradation is signalled
// in the body so orchestrators treat reachability and correctness
// separately.
type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Services  map[string]string `json:"services"`
}

func statusString(s session.Status) string {
	switch s {
	case session.StatusUploading:
		return "uploading"
	case session.StatusCompleted:
		return "completed"
	case session.StatusFailed:
		return "failed"
	default:
		return string(s)
	}
}

func progressOf(sess *session.Session) Progress {
	p := Progress{
		ChunksUploaded:      sess.ChunksUploaded,
		TotalChunks:         sess.TotalChunks,
		RemainingChunks:     sess.TotalChunks - sess.ChunksUploaded,
		ElapsedSeconds:      time.Since(sess.StartedAt).Seconds(),
		LastChunkUploadedAt: sess.LastChunkUploadedAt,
	}
	if sess.TotalChunks > 0 {
		p.Percentage = float64(sess.ChunksUploaded) / float64(sess.TotalChunks) * 100
	}
	// The estimate needs at least one landed chunk to average over.
	if sess.ChunksUploaded > 0 && p.RemainingChunks > 0 {
		avg := p.ElapsedSeconds / float64(sess.ChunksUploaded)
		est := avg * float64(p.RemainingChunks)
		p.EstimatedRemainingSeconds = &est
	}
	return p
}
