package keyindex

import (
	"context"
	"testing"
	"time"

	"github.com/gezibash/vault-node/internal/observability"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := New(nil, time.Hour, time.Second, observability.NewMetrics())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestPutGet(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	keys := &Keys{
		MetadataKey: "meta-1",
		ChunkKeys:   []string{"c0", "c1", "c2"},
	}
	c.Put(ctx, "file-1", keys)

	got, ok := c.Get(ctx, "file-1")
	if !ok {
		t.Fatal("expected cache hit")
	}
	if got.MetadataKey != "meta-1" || len(got.ChunkKeys) != 3 {
		t.Errorf("got %+v", got)
	}
	if got.ChunkKeys[1] != "c1" {
		t.Error("chunk key order not preserved")
	}
}

func TestGetMiss(t *testing.T) {
	c := newTestCache(t)

	if _, ok := c.Get(context.Background(), "absent"); ok {
		t.Error("expected cache miss")
	}
}

func TestDelete(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	c.Put(ctx, "file-1", &Keys{ChunkKeys: []string{"c0"}})
	c.Delete(ctx, "file-1")

	if _, ok := c.Get(ctx, "file-1"); ok {
		t.Error("entry survived delete")
	}
}

func TestTotal(t *testing.T) {
	keys := &Keys{MetadataKey: "m", ChunkKeys: []string{"a", "b"}}
	if keys.Total() != 3 {
		t.Errorf("Total = %d, want 3", keys.Total())
	}

	noMeta := &Keys{ChunkKeys: []string{"a"}}
	if noMeta.Total() != 1 {
		t.Errorf("Total = %d, want 1", noMeta.Total())
	}
}
