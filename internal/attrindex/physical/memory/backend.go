// Package memory provides an in-memory attribute index backend.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gezibash/vault-node/internal/attrindex/physical"
)

func init() {
	physical.Register("memory", NewFactory, Defaults)
}

// Defaults returns the default configuration for the memory backend.
func Defaults() map[string]string {
	return map[string]string{}
}

// NewFactory creates a new in-memory backend.
func NewFactory(_ context.Context, _ map[string]string) (physical.Backend, error) {
	return New(), nil
}

// Backend is a map-backed implementation of physical.Backend.
type Backend struct {
	mu      sync.RWMutex
	entries map[string]*physical.Entry
	closed  bool
}

// New creates an empty in-memory backend.
func New() *Backend {
	return &Backend{entries: make(map[string]*physical.Entry)}
}

func (b *Backend) Put(_ context.Context, entry *physical.Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return physical.ErrClosed
	}
	b.entries[entry.Key] = cloneEntry(entry)
	return nil
}

func (b *Backend) PutBatch(_ context.Context, entries []*physical.Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return physical.ErrClosed
	}
	for _, entry := range entries {
		b.entries[entry.Key] = cloneEntry(entry)
	}
	return nil
}

func (b *Backend) Get(_ context.Context, key string) (*physical.Entry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, physical.ErrClosed
	}
	entry, ok := b.entries[key]
	if !ok {
		return nil, physical.ErrNotFound
	}
	return cloneEntry(entry), nil
}

func (b *Backend) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return physical.ErrClosed
	}
	delete(b.entries, key)
	return nil
}

func (b *Backend) Query(_ context.Context, opts *physical.QueryOptions) (*physical.QueryResult, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, physical.ErrClosed
	}

	if opts == nil {
		opts = &physical.QueryOptions{}
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 1000
	}

	now := time.Now().UnixNano()
	cursorTS, cursorKey, hasCursor := parseCursor(opts.Cursor)

	matched := make([]*physical.Entry, 0)
	for _, entry := range b.entries {
		if !opts.IncludeExpired && entry.ExpiresAt > 0 && entry.ExpiresAt <= now {
			continue
		}
		if !matchLabels(entry.Labels, opts.Labels) {
			continue
		}
		if hasCursor {
			cmp := compareCursor(entry.Timestamp, entry.Key, cursorTS, cursorKey)
			if opts.Descending {
				if cmp >= 0 {
					continue
				}
			} else if cmp <= 0 {
				continue
			}
		}
		matched = append(matched, entry)
	}

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Timestamp == matched[j].Timestamp {
			if opts.Descending {
				return matched[i].Key > matched[j].Key
			}
			return matched[i].Key < matched[j].Key
		}
		if opts.Descending {
			return matched[i].Timestamp > matched[j].Timestamp
		}
		return matched[i].Timestamp < matched[j].Timestamp
	})

	hasMore := len(matched) > limit
	if hasMore {
		matched = matched[:limit]
	}

	entries := make([]*physical.Entry, len(matched))
	for i, e := range matched {
		entries[i] = cloneEntry(e)
	}

	nextCursor := ""
	if hasMore && len(entries) > 0 {
		last := entries[len(entries)-1]
		nextCursor = fmt.Sprintf("%016x/%s", last.Timestamp, last.Key)
	}

	return &physical.QueryResult{
		Entries:    entries,
		NextCursor: nextCursor,
		HasMore:    hasMore,
	}, nil
}

func (b *Backend) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, physical.ErrClosed
	}

	nowNano := now.UnixNano()
	deleted := 0
	for key, entry := range b.entries {
		if entry.ExpiresAt > 0 && entry.ExpiresAt <= nowNano {
			delete(b.entries, key)
			deleted++
		}
	}
	return deleted, nil
}

func (b *Backend) Stats(_ context.Context) (*physical.Stats, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, physical.ErrClosed
	}
	return &physical.Stats{
		SizeBytes:   -1,
		BackendType: "memory",
	}, nil
}

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.entries = nil
	return nil
}

func cloneEntry(e *physical.Entry) *physical.Entry {
	labels := make(map[string]string, len(e.Labels))
	for k, v := range e.Labels {
		labels[k] = v
	}
	return &physical.Entry{
		Key:       e.Key,
		Labels:    labels,
		Timestamp: e.Timestamp,
		ExpiresAt: e.ExpiresAt,
	}
}

func matchLabels(have, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}

func parseCursor(cursor string) (int64, string, bool) {
	if cursor == "" {
		return 0, "", false
	}
	parts := strings.SplitN(cursor, "/", 2)
	if len(parts) != 2 {
		return 0, "", false
	}
	var ts int64
	if _, err := fmt.Sscanf(parts[0], "%016x", &ts); err != nil {
		return 0, "", false
	}
	return ts, parts[1], true
}

func compareCursor(ts int64, key string, cursorTS int64, cursorKey string) int {
	if ts < cursorTS {
		return -1
	}
	if ts > cursorTS {
		return 1
	}
	return strings.Compare(key, cursorKey)
}
