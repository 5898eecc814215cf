// Package ledger defines the contract with the external content-addressed
// ledger: write-once entities carrying an opaque payload, string and numeric
// attributes, and a block-based expiration.
package ledger

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound indicates the requested entity was not found.
	ErrNotFound = errors.New("entity not found")

	// ErrUnavailable indicates the ledger could not be reached.
	ErrUnavailable = errors.New("ledger unavailable")
)

// Attribute names shared by all entity types.
const (
	AttrType      = "type"
	AttrFileID    = "file_id"
	AttrOwner     = "owner"
	AttrFilename  = "original_filename"
	AttrContent   = "content_type"
	AttrExtension = "file_extension"
	AttrChecksum  = "checksum"
	AttrIndex     = "chunk_index"
	AttrCreatedAt = "created_at"
	AttrUser      = "user_address"
	AttrDate      = "date"
)

// Entity type attribute values.
const (
	TypeMetadata = "metadata"
	TypeChunk    = "chunk"
	TypeQuota    = "quota"
)

// Entity is one ledger record. The ledger mints Key on create; entities are
// write-once and expire at ExpirationBlock.
type Entity struct {
	Key               string            `json:"key,omitempty"`
	Payload           []byte            `json:"payload"`
	Attributes        map[string]string `json:"attributes"`
	NumericAttributes map[string]int64  `json:"numeric_attributes,omitempty"`
	ExpirationBlock   uint64            `json:"expiration_block"`
	CreatedAt         time.Time         `json:"created_at"`
}

// QueryRequest selects entities by exact attribute match.
type QueryRequest struct {
	Attributes map[string]string
	Limit      int
	Cursor     string
	Descending bool
}

// QueryPage is one page of query results.
type QueryPage struct {
	Entities   []*Entity
	NextCursor string
	HasMore    bool
}

// ChainInfo reports ledger timing.
type ChainInfo struct {
	CurrentBlock  uint64
	BlockDuration time.Duration
}

// Client is one handle onto the ledger. Implementations must be safe for
// use by a single goroutine at a time; concurrency is managed by the pool.
type Client interface {
	// Create persists one entity and returns its minted key.
	Create(ctx context.Context, e *Entity) (string, error)

	// CreateBatch persists entities in one transaction, returning minted
	// keys in input order. It either succeeds for the whole batch or fails
	// without returning partial keys.
	CreateBatch(ctx context.Context, entities []*Entity) ([]string, error)

	// GetByKey fetches one entity by its ledger key.
	GetByKey(ctx context.Context, key string) (*Entity, error)

	// Query returns one page of entities matching the attribute filter.
	Query(ctx context.Context, req QueryRequest) (QueryPage, error)

	// ChainInfo returns the current block and block duration.
	ChainInfo(ctx context.Context) (ChainInfo, error)

	Close() error
}

// Credentialed is implemented by clients that can prove write access.
// Only credentialed clients may occupy the write pool.
type Credentialed interface {
	HasCredentials() bool
}

// CanWrite reports whether a client is allowed in the write pool. Clients
// that do not implement Credentialed are assumed writable (local ledgers).
func CanWrite(c Client) bool {
	if cr, ok := c.(Credentialed); ok {
		return cr.HasCredentials()
	}
	return true
}
