package ledger

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/gezibash/vault-node/internal/chunker"
)

// metadataPayload is the UTF-8 JSON body of a metadata entity.
type metadataPayload struct {
	FileID           string `json:"file_id"`
	OriginalFilename string `json:"original_filename"`
	ContentType      string `json:"content_type"`
	FileExtension    string `json:"file_extension"`
	TotalSize        int64  `json:"total_size"`
	ChunkCount       int    `json:"chunk_count"`
	Checksum         string `json:"checksum"`
	CreatedAt        string `json:"created_at"`
	BTLDays          int    `json:"btl_days"`
	Owner            string `json:"owner,omitempty"`
}

// MetadataEntity encodes file metadata as a ledger entity.
func MetadataEntity(meta *chunker.Metadata) (*Entity, error) {
	payload, err := json.Marshal(metadataPayload{
		FileID:           meta.FileID,
		OriginalFilename: meta.OriginalFilename,
		ContentType:      meta.ContentType,
		FileExtension:    meta.FileExtension,
		TotalSize:        meta.TotalSize,
		ChunkCount:       meta.ChunkCount,
		Checksum:         meta.Checksum,
		CreatedAt:        meta.CreatedAt.Format(time.RFC3339Nano),
		BTLDays:          meta.BTLDays,
		Owner:            meta.Owner,
	})
	if err != nil {
		return nil, fmt.Errorf("encode metadata payload: %w", err)
	}

	attrs := map[string]string{
		AttrType:      TypeMetadata,
		AttrFileID:    meta.FileID,
		AttrFilename:  meta.OriginalFilename,
		AttrContent:   meta.ContentType,
		AttrExtension: meta.FileExtension,
		AttrChecksum:  meta.Checksum,
	}
	if meta.Owner != "" {
		attrs[AttrOwner] = meta.Owner
	}

	return &Entity{
		Payload:    payload,
		Attributes: attrs,
		NumericAttributes: map[string]int64{
			"total_size":       meta.TotalSize,
			"chunk_count":      int64(meta.ChunkCount),
			"expiration_block": int64(meta.ExpirationBlock),
			"btl_days":         int64(meta.BTLDays),
		},
		ExpirationBlock: meta.ExpirationBlock,
		CreatedAt:       meta.CreatedAt,
	}, nil
}

// DecodeMetadata decodes a metadata entity back into the file descriptor.
func DecodeMetadata(e *Entity) (*chunker.Metadata, error) {
	if e.Attributes[AttrType] != TypeMetadata {
		return nil, fmt.Errorf("entity %s is not metadata", e.Key)
	}

	var p metadataPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode metadata payload: %w", err)
	}

	createdAt, err := time.Parse(time.RFC3339Nano, p.CreatedAt)
	if err != nil {
		createdAt = e.CreatedAt
	}

	return &chunker.Metadata{
		FileID:           p.FileID,
		OriginalFilename: p.OriginalFilename,
		ContentType:      p.ContentType,
		FileExtension:    p.FileExtension,
		TotalSize:        p.TotalSize,
		ChunkCount:       p.ChunkCount,
		Checksum:         p.Checksum,
		CreatedAt:        createdAt,
		ExpirationBlock:  e.ExpirationBlock,
		BTLDays:          p.BTLDays,
		LedgerKey:        e.Key,
		Owner:            p.Owner,
	}, nil
}

// ChunkEntity encodes a compressed chunk as a ledger entity. The payload is
// the gzip-compressed chunk bytes; the plaintext checksum travels in the
// attributes.
func ChunkEntity(c *chunker.Chunk) *Entity {
	return &Entity{
		Payload: c.Data,
		Attributes: map[string]string{
			AttrType:      TypeChunk,
			AttrFileID:    c.FileID,
			AttrIndex:     strconv.Itoa(c.Index),
			AttrChecksum:  c.Checksum,
			AttrCreatedAt: c.CreatedAt.Format(time.RFC3339Nano),
		},
		NumericAttributes: map[string]int64{
			"chunk_size":       int64(c.OriginalSize),
			"expiration_block": int64(c.ExpirationBlock),
		},
		ExpirationBlock: c.ExpirationBlock,
		CreatedAt:       c.CreatedAt,
	}
}

// DecodeChunk decodes a chunk entity. The chunk index convention is
// zero-based; entities with unparseable indices are rejected.
func DecodeChunk(e *Entity) (*chunker.Chunk, error) {
	if e.Attributes[AttrType] != TypeChunk {
		return nil, fmt.Errorf("entity %s is not a chunk", e.Key)
	}

	idx, err := strconv.Atoi(e.Attributes[AttrIndex])
	if err != nil {
		return nil, fmt.Errorf("entity %s has invalid chunk_index %q", e.Key, e.Attributes[AttrIndex])
	}

	createdAt, err := time.Parse(time.RFC3339Nano, e.Attributes[AttrCreatedAt])
	if err != nil {
		createdAt = e.CreatedAt
	}

	return &chunker.Chunk{
		FileID:          e.Attributes[AttrFileID],
		Index:           idx,
		Data:            e.Payload,
		CompressedSize:  len(e.Payload),
		OriginalSize:    int(e.NumericAttributes["chunk_size"]),
		Checksum:        e.Attributes[AttrChecksum],
		CreatedAt:       createdAt,
		ExpirationBlock: e.ExpirationBlock,
		LedgerKey:       e.Key,
	}, nil
}
