package memory

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/gezibash/vault-node/internal/attrindex/physical"
)

func TestPutGetDelete(t *testing.T) {
	b := New()
	t.Cleanup(func() { _ = b.Close() })
	ctx := context.Background()

	entry := &physical.Entry{
		Key:       "k1",
		Labels:    map[string]string{"type": "metadata", "owner": "alice"},
		Timestamp: 100,
	}
	if err := b.Put(ctx, entry); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := b.Get(ctx, "k1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Labels["owner"] != "alice" {
		t.Errorf("labels = %v", got.Labels)
	}

	if err := b.Delete(ctx, "k1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := b.Get(ctx, "k1"); !errors.Is(err, physical.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestQueryByLabels(t *testing.T) {
	b := New()
	t.Cleanup(func() { _ = b.Close() })
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		owner := "alice"
		if i%2 == 1 {
			owner = "bob"
		}
		entry := &physical.Entry{
			Key:       fmt.Sprintf("k%d", i),
			Labels:    map[string]string{"type": "metadata", "owner": owner},
			Timestamp: int64(i),
		}
		if err := b.Put(ctx, entry); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	res, err := b.Query(ctx, &physical.QueryOptions{
		Labels: map[string]string{"owner": "alice"},
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(res.Entries) != 3 {
		t.Errorf("got %d entries, want 3", len(res.Entries))
	}

	// Ascending timestamp order.
	for i := 1; i < len(res.Entries); i++ {
		if res.Entries[i].Timestamp < res.Entries[i-1].Timestamp {
			t.Error("entries not in ascending timestamp order")
		}
	}
}

func TestQueryDescending(t *testing.T) {
	b := New()
	t.Cleanup(func() { _ = b.Close() })
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = b.Put(ctx, &physical.Entry{
			Key:       fmt.Sprintf("k%d", i),
			Labels:    map[string]string{"type": "chunk"},
			Timestamp: int64(i * 10),
		})
	}

	res, err := b.Query(ctx, &physical.QueryOptions{Descending: true})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if res.Entries[0].Timestamp != 20 {
		t.Errorf("first entry ts = %d, want 20", res.Entries[0].Timestamp)
	}
}

func TestQueryPagination(t *testing.T) {
	b := New()
	t.Cleanup(func() { _ = b.Close() })
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_ = b.Put(ctx, &physical.Entry{
			Key:       fmt.Sprintf("k%02d", i),
			Labels:    map[string]string{"type": "chunk"},
			Timestamp: int64(i),
		})
	}

	seen := make(map[string]bool)
	cursor := ""
	pages := 0
	for {
		res, err := b.Query(ctx, &physical.QueryOptions{Limit: 3, Cursor: cursor})
		if err != nil {
			t.Fatalf("Query page %d: %v", pages, err)
		}
		for _, e := range res.Entries {
			if seen[e.Key] {
				t.Errorf("key %s returned twice", e.Key)
			}
			seen[e.Key] = true
		}
		pages++
		if !res.HasMore {
			break
		}
		cursor = res.NextCursor
	}

	if len(seen) != 10 {
		t.Errorf("drained %d entries over %d pages, want 10", len(seen), pages)
	}
	if pages != 4 {
		t.Errorf("pages = %d, want 4", pages)
	}
}

func TestExpiry(t *testing.T) {
	b := New()
	t.Cleanup(func() { _ = b.Close() })
	ctx := context.Background()

	past := time.Now().Add(-time.Hour).UnixNano()
	future := time.Now().Add(time.Hour).UnixNano()

	_ = b.Put(ctx, &physical.Entry{Key: "old", Timestamp: 1, ExpiresAt: past})
	_ = b.Put(ctx, &physical.Entry{Key: "new", Timestamp: 2, ExpiresAt: future})

	res, err := b.Query(ctx, &physical.QueryOptions{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(res.Entries) != 1 || res.Entries[0].Key != "new" {
		t.Errorf("expired entry visible: %+v", res.Entries)
	}

	n, err := b.DeleteExpired(ctx, time.Now())
	if err != nil {
		t.Fatalf("DeleteExpired: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted %d, want 1", n)
	}
}
