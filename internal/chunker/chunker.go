// Package chunker splits payloads into fixed-size compressed chunks and
// reassembles them with integrity verification.
package chunker

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"

	"github.com/gezibash/vault-node/internal/fault"
)

// DefaultChunkSize is the uncompressed chunk window when none is configured.
const DefaultChunkSize = 32 << 10

// Chunk is one compressed fragment of a payload. Checksum covers the
// uncompressed slice.
type Chunk struct {
	ID              string
	FileID          string
	Index           int
	Data            []byte
	OriginalSize    int
	CompressedSize  int
	Checksum        string
	CreatedAt       time.Time
	ExpirationBlock uint64
	LedgerKey       string
}

// Metadata describes a stored file. Checksum is the SHA-256 of the whole
// uncompressed payload.
type Metadata struct {
	FileID           string
	OriginalFilename string
	ContentType      string
	FileExtension    string
	TotalSize        int64
	ChunkCount       int
	Checksum         string
	CreatedAt        time.Time
	ExpirationBlock  uint64
	BTLDays          int
	LedgerKey        string
	Owner            string
}

// Split slices payload into windows of chunkSize, compresses each window,
// and returns the chunk sequence in ascending index order together with the
// file metadata descriptor.
func Split(payload []byte, fileID, filename, contentType, owner string, btlDays int, expirationBlock uint64, chunkSize int) (*Metadata, []*Chunk, error) {
	if len(payload) == 0 {
		return nil, nil, fault.New(fault.CodeValidation, "payload is empty")
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	now := time.Now().UTC()
	count := (len(payload) + chunkSize - 1) / chunkSize
	chunks := make([]*Chunk, 0, count)

	for off := 0; off < len(payload); off += chunkSize {
		end := off + chunkSize
		if end > len(payload) {
			end = len(payload)
		}
		window := payload[off:end]

		compressed, err := compress(window)
		if err != nil {
			return nil, nil, fmt.Errorf("compress chunk %d: %w", off/chunkSize, err)
		}

		sum := sha256.Sum256(window)
		chunks = append(chunks, &Chunk{
			ID:              uuid.NewString(),
			FileID:          fileID,
			Index:           off / chunkSize,
			Data:            compressed,
			OriginalSize:    len(window),
			CompressedSize:  len(compressed),
			Checksum:        hex.EncodeToString(sum[:]),
			CreatedAt:       now,
			ExpirationBlock: expirationBlock,
		})
	}

	whole := sha256.Sum256(payload)
	meta := &Metadata{
		FileID:           fileID,
		OriginalFilename: filename,
		ContentType:      contentType,
		FileExtension:    Extension(filename),
		TotalSize:        int64(len(payload)),
		ChunkCount:       count,
		Checksum:         hex.EncodeToString(whole[:]),
		CreatedAt:        now,
		ExpirationBlock:  expirationBlock,
		BTLDays:          btlDays,
		Owner:            owner,
	}
	return meta, chunks, nil
}

// Reassemble decompresses and concatenates chunks in index order and
// verifies the result against the metadata checksum.
func Reassemble(meta *Metadata, chunks []*Chunk) ([]byte, error) {
	if len(chunks) != meta.ChunkCount {
		return nil, fault.Newf(fault.CodeFileIncomplete,
			"file has %d of %d chunks", len(chunks), meta.ChunkCount)
	}

	sorted := make([]*Chunk, len(chunks))
	copy(sorted, chunks)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

	var buf bytes.Buffer
	buf.Grow(int(meta.TotalSize))
	for i, c := range sorted {
		if c.Index != i {
			return nil, fault.Newf(fault.CodeFileIncomplete,
				"chunk index %d missing", i)
		}
		plain, err := decompress(c.Data)
		if err != nil {
			return nil, fault.Wrap(fault.CodeIntegrityFailed,
				fmt.Sprintf("chunk %d is corrupt", i), err)
		}
		buf.Write(plain)
	}

	sum := sha256.Sum256(buf.Bytes())
	if hex.EncodeToString(sum[:]) != meta.Checksum {
		return nil, fault.New(fault.CodeIntegrityFailed, "file checksum mismatch")
	}
	return buf.Bytes(), nil
}

// VerifyChunk recomputes a chunk's plaintext checksum.
func VerifyChunk(c *Chunk) error {
	plain, err := decompress(c.Data)
	if err != nil {
		return fault.Wrap(fault.CodeIntegrityFailed, "chunk is corrupt", err)
	}
	sum := sha256.Sum256(plain)
	if hex.EncodeToString(sum[:]) != c.Checksum {
		return fault.Newf(fault.CodeIntegrityFailed, "chunk %d checksum mismatch", c.Index)
	}
	return nil
}

// Extension returns the lowercased suffix after the last dot, or "" when the
// filename has no extension. A leading dot alone is not an extension.
func Extension(filename string) string {
	idx := strings.LastIndex(filename, ".")
	if idx <= 0 || idx == len(filename)-1 {
		return ""
	}
	return strings.ToLower(filename[idx+1:])
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer func() { _ = r.Close() }()
	return io.ReadAll(r)
}
