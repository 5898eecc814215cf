// Package session persists upload sessions keyed by idempotency key, with
// Redis as the primary store and an in-process fallback.
package session

import (
	"sort"
	"time"

	"github.com/gezibash/vault-node/internal/chunker"
)

// Status is the lifecycle state of an upload session.
type Status string

const (
	StatusUploading Status = "UPLOADING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Session is the stateful record of one in-flight or terminal upload. It is
// mutated only by the async writer that owns it; readers observe snapshots.
type Session struct {
	FileID              string            `json:"file_id"`
	IdempotencyKey      string            `json:"idempotency_key"`
	Metadata            *chunker.Metadata `json:"metadata"`
	ChunksReceived      []int             `json:"chunks_received"`
	Completed           bool              `json:"completed"`
	Status              Status            `json:"status"`
	Error               string            `json:"error,omitempty"`
	ChunksUploaded      int               `json:"chunks_uploaded_to_ledger"`
	TotalChunks         int               `json:"total_chunks"`
	StartedAt           time.Time         `json:"started_at"`
	LastChunkUploadedAt *time.Time        `json:"last_chunk_uploaded_at,omitempty"`
}

// New creates an UPLOADING session for the given file.
func New(idempotencyKey string, meta *chunker.Metadata, totalChunks int) *Session {
	return &Session{
		FileID:         meta.FileID,
		IdempotencyKey: idempotencyKey,
		Metadata:       meta,
		Status:         StatusUploading,
		TotalChunks:    totalChunks,
		StartedAt:      time.Now().UTC(),
	}
}

// MarkReceived records ledger persistence of the given chunk indices and
// advances progress. Progress is monotonically non-decreasing.
func (s *Session) MarkReceived(indices ...int) {
	seen := make(map[int]bool, len(s.ChunksReceived))
	for _, i := range s.ChunksReceived {
		seen[i] = true
	}
	for _, i := range indices {
		if !seen[i] {
			s.ChunksReceived = append(s.ChunksReceived, i)
			seen[i] = true
		}
	}
	sort.Ints(s.ChunksReceived)
	s.ChunksUploaded = len(s.ChunksReceived)
	now := time.Now().UTC()
	s.LastChunkUploadedAt = &now
}

// Complete marks the session terminal-successful.
func (s *Session) Complete() {
	s.Status = StatusCompleted
	s.Completed = true
}

// Fail marks the session terminal-failed with the given reason.
func (s *Session) Fail(reason string) {
	s.Status = StatusFailed
	s.Error = reason
}

// Terminal reports whether the session will no longer change.
func (s *Session) Terminal() bool {
	return s.Status != StatusUploading
}

// Clone returns a deep copy safe to hand to readers.
func (s *Session) Clone() *Session {
	out := *s
	out.ChunksReceived = append([]int(nil), s.ChunksReceived...)
	if s.Metadata != nil {
		meta := *s.Metadata
		out.Metadata = &meta
	}
	if s.LastChunkUploadedAt != nil {
		ts := *s.LastChunkUploadedAt
		out.LastChunkUploadedAt = &ts
	}
	return &out
}
