// Package local implements the ledger contract on top of a payload backend
// and an attribute index, for single-node and memory-mode deployments.
package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	attrphysical "github.com/gezibash/vault-node/internal/attrindex/physical"
	entityphysical "github.com/gezibash/vault-node/internal/entitystore/physical"
	"github.com/gezibash/vault-node/internal/ledger"
)

// BlockDuration is the synthetic block time of the local ledger. It matches
// the 2880 blocks/day the external ledger advertises.
const BlockDuration = 30 * time.Second

// envelope is the stored form of an entity: the payload plus everything the
// attribute index does not carry.
type envelope struct {
	Payload           []byte            `json:"payload"`
	Attributes        map[string]string `json:"attributes"`
	NumericAttributes map[string]int64  `json:"numeric_attributes,omitempty"`
	ExpirationBlock   uint64            `json:"expiration_block"`
	CreatedAt         time.Time         `json:"created_at"`
}

// Ledger implements ledger.Client against local storage backends.
type Ledger struct {
	entities entityphysical.Backend
	index    attrphysical.Backend
}

// New creates a local ledger over the given backends. The ledger takes
// ownership of both and closes them on Close.
func New(entities entityphysical.Backend, index attrphysical.Backend) *Ledger {
	return &Ledger{entities: entities, index: index}
}

// Create persists one entity and returns its minted key.
func (l *Ledger) Create(ctx context.Context, e *ledger.Entity) (string, error) {
	key := mintKey()
	if err := l.store(ctx, key, e); err != nil {
		return "", err
	}
	return key, nil
}

// CreateBatch persists entities in one index transaction, returning minted
// keys in input order.
func (l *Ledger) CreateBatch(ctx context.Context, entities []*ledger.Entity) ([]string, error) {
	keys := make([]string, len(entities))
	entries := make([]*attrphysical.Entry, len(entities))

	for i, e := range entities {
		keys[i] = mintKey()
		data, err := encodeEnvelope(e)
		if err != nil {
			return nil, err
		}
		if err := l.entities.Put(ctx, keys[i], data); err != nil {
			return nil, fmt.Errorf("store entity payload: %w", err)
		}
		entries[i] = l.indexEntry(keys[i], e)
	}

	if err := l.index.PutBatch(ctx, entries); err != nil {
		return nil, fmt.Errorf("index entities: %w", err)
	}
	return keys, nil
}

// GetByKey fetches one entity by its key.
func (l *Ledger) GetByKey(ctx context.Context, key string) (*ledger.Entity, error) {
	data, err := l.entities.Get(ctx, key)
	if errors.Is(err, entityphysical.ErrNotFound) {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetch entity payload: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode entity envelope: %w", err)
	}

	// Expiry is enforced at read time as well; the index sweep removes only
	// index entries, so the payload stays stored after it expires.
	if expired(env.ExpirationBlock) {
		return nil, ledger.ErrNotFound
	}

	return &ledger.Entity{
		Key:               key,
		Payload:           env.Payload,
		Attributes:        env.Attributes,
		NumericAttributes: env.NumericAttributes,
		ExpirationBlock:   env.ExpirationBlock,
		CreatedAt:         env.CreatedAt,
	}, nil
}

// Query returns one page of entities matching the attribute filter.
func (l *Ledger) Query(ctx context.Context, req ledger.QueryRequest) (ledger.QueryPage, error) {
	res, err := l.index.Query(ctx, &attrphysical.QueryOptions{
		Labels:     req.Attributes,
		Limit:      req.Limit,
		Cursor:     req.Cursor,
		Descending: req.Descending,
	})
	if err != nil {
		return ledger.QueryPage{}, fmt.Errorf("index query: %w", err)
	}

	page := ledger.QueryPage{
		NextCursor: res.NextCursor,
		HasMore:    res.HasMore,
	}
	for _, entry := range res.Entries {
		entity, err := l.GetByKey(ctx, entry.Key)
		if errors.Is(err, ledger.ErrNotFound) {
			// Index entry outlived its payload; skip.
			continue
		}
		if err != nil {
			return ledger.QueryPage{}, err
		}
		page.Entities = append(page.Entities, entity)
	}
	return page, nil
}

// ChainInfo reports the synthetic chain position derived from wall time.
func (l *Ledger) ChainInfo(_ context.Context) (ledger.ChainInfo, error) {
	return ledger.ChainInfo{
		CurrentBlock:  CurrentBlock(),
		BlockDuration: BlockDuration,
	}, nil
}

// DeleteExpired sweeps expired index entries. Their payloads are not deleted
// from the entity backend; GetByKey hides them by its read-time expiry check.
func (l *Ledger) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	return l.index.DeleteExpired(ctx, now)
}

// Close closes both backends.
func (l *Ledger) Close() error {
	indexErr := l.index.Close()
	entityErr := l.entities.Close()
	if indexErr != nil {
		return indexErr
	}
	return entityErr
}

func (l *Ledger) store(ctx context.Context, key string, e *ledger.Entity) error {
	data, err := encodeEnvelope(e)
	if err != nil {
		return err
	}
	if err := l.entities.Put(ctx, key, data); err != nil {
		return fmt.Errorf("store entity payload: %w", err)
	}
	if err := l.index.Put(ctx, l.indexEntry(key, e)); err != nil {
		return fmt.Errorf("index entity: %w", err)
	}
	return nil
}

func (l *Ledger) indexEntry(key string, e *ledger.Entity) *attrphysical.Entry {
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	var expiresAt int64
	if e.ExpirationBlock > 0 {
		remaining := int64(e.ExpirationBlock) - int64(CurrentBlock())
		expiresAt = time.Now().Add(time.Duration(remaining) * BlockDuration).UnixNano()
	}

	return &attrphysical.Entry{
		Key:       key,
		Labels:    e.Attributes,
		Timestamp: createdAt.UnixNano(),
		ExpiresAt: expiresAt,
	}
}

func encodeEnvelope(e *ledger.Entity) ([]byte, error) {
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	data, err := json.Marshal(envelope{
		Payload:           e.Payload,
		Attributes:        e.Attributes,
		NumericAttributes: e.NumericAttributes,
		ExpirationBlock:   e.ExpirationBlock,
		CreatedAt:         createdAt,
	})
	if err != nil {
		return nil, fmt.Errorf("encode entity envelope: %w", err)
	}
	return data, nil
}

// CurrentBlock derives the synthetic block height from the Unix epoch.
func CurrentBlock() uint64 {
	return uint64(time.Now().Unix()) / uint64(BlockDuration/time.Second)
}

func expired(expirationBlock uint64) bool {
	return expirationBlock > 0 && expirationBlock <= CurrentBlock()
}

func mintKey() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
