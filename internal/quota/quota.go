// Package quota enforces per-user byte and upload ceilings as a concurrent
// reservation/commit mechanism over a slow source of truth.
//
// The in-process counters answer immediately; a short-TTL cache layer
// (Redis, when configured) shares counters between processes, and in ledger
// mode a daily quota entity is committed asynchronously as the durable
// record.
package quota

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gezibash/vault-node/internal/fault"
	"github.com/gezibash/vault-node/internal/ledger"
	"github.com/gezibash/vault-node/internal/ledger/pool"
)

const cacheKeyPrefix = "vault:quota:"

// Record is one user's usage for one calendar date.
type Record struct {
	UserID       string `json:"user_address"`
	UsedBytes    int64  `json:"used_bytes"`
	UploadsToday int    `json:"uploads_today"`
	Date         string `json:"date"`
	LastUpdated  string `json:"last_updated,omitempty"`
}

// Limits are the enforced ceilings.
type Limits struct {
	MaxBytes         int64
	MaxUploadsPerDay int
}

// Status is the quota view returned to callers.
type Status struct {
	UsedBytes        int64   `json:"used_bytes"`
	MaxBytes         int64   `json:"max_bytes"`
	UploadsToday     int     `json:"uploads_today"`
	MaxUploadsPerDay int     `json:"max_uploads_per_day"`
	UsagePercentage  float64 `json:"usage_percentage"`
}

// Config holds accountant settings.
type Config struct {
	Limits        Limits
	BypassKey     string
	CacheTTL      time.Duration
	CommitTimeout time.Duration
}

type cacheEntry struct {
	record    *Record
	fetchedAt time.Time
}

// Accountant tracks usage. ledgerPool may be nil (memory mode); rdb may be
// nil (single-process mode).
type Accountant struct {
	cfg        Config
	rdb        *redis.Client
	ledgerPool *pool.Pool

	mu      sync.Mutex
	entries map[string]*cacheEntry

	commitWG sync.WaitGroup
}

// New creates an accountant.
func New(cfg Config, rdb *redis.Client, ledgerPool *pool.Pool) *Accountant {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 10 * time.Minute
	}
	if cfg.CommitTimeout <= 0 {
		cfg.CommitTimeout = 30 * time.Second
	}
	return &Accountant{
		cfg:        cfg,
		rdb:        rdb,
		ledgerPool: ledgerPool,
		entries:    make(map[string]*cacheEntry),
	}
}

// Check admits or denies an upload of the given size. A matching bypass key
// always admits.
func (a *Accountant) Check(ctx context.Context, userID string, bytes int64, bypassKey string) error {
	if a.bypassed(bypassKey) {
		return nil
	}

	rec := a.current(ctx, userID)

	if rec.UploadsToday >= a.cfg.Limits.MaxUploadsPerDay {
		return fault.Newf(fault.CodeQuotaExceeded,
			"daily upload limit reached (%d/%d)", rec.UploadsToday, a.cfg.Limits.MaxUploadsPerDay)
	}
	if rec.UsedBytes+bytes > a.cfg.Limits.MaxBytes {
		return fault.Newf(fault.CodeQuotaExceeded,
			"storage quota exceeded (%d of %d bytes used)", rec.UsedBytes, a.cfg.Limits.MaxBytes)
	}
	return nil
}

// Commit records accepted usage. The in-process counter and cache update
// immediately; the durable ledger write is scheduled best-effort and its
// failure is logged, never surfaced.
func (a *Accountant) Commit(ctx context.Context, userID string, bytes int64, bypassKey string) {
	if a.bypassed(bypassKey) {
		return
	}

	a.mu.Lock()
	rec := a.currentLocked(ctx, userID)
	rec.UsedBytes += bytes
	rec.UploadsToday++
	rec.LastUpdated = time.Now().UTC().Format(time.RFC3339)
	snapshot := *rec
	a.mu.Unlock()

	a.writeCache(ctx, &snapshot)

	if a.ledgerPool != nil {
		a.commitWG.Add(1)
		go a.commitToLedger(&snapshot)
	}
}

// Status reports current usage for the quota endpoint.
func (a *Accountant) Status(ctx context.Context, userID string) Status {
	rec := a.current(ctx, userID)

	pct := 0.0
	if a.cfg.Limits.MaxBytes > 0 {
		pct = float64(rec.UsedBytes) / float64(a.cfg.Limits.MaxBytes) * 100
	}
	return Status{
		UsedBytes:        rec.UsedBytes,
		MaxBytes:         a.cfg.Limits.MaxBytes,
		UploadsToday:     rec.UploadsToday,
		MaxUploadsPerDay: a.cfg.Limits.MaxUploadsPerDay,
		UsagePercentage:  pct,
	}
}

// Drain waits for outstanding ledger commits, bounded by ctx.
func (a *Accountant) Drain(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		a.commitWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (a *Accountant) bypassed(key string) bool {
	return a.cfg.BypassKey != "" && key == a.cfg.BypassKey
}

func today() string {
	return time.Now().UTC().Format("2006-01-02")
}

// current returns the user's record for today, applying daily rollover and
// read-through on cache miss.
func (a *Accountant) current(ctx context.Context, userID string) Record {
	a.mu.Lock()
	defer a.mu.Unlock()
	return *a.currentLocked(ctx, userID)
}

func (a *Accountant) currentLocked(ctx context.Context, userID string) *Record {
	date := today()

	entry, ok := a.entries[userID]
	if ok && entry.record.Date == date && time.Since(entry.fetchedAt) < a.cfg.CacheTTL {
		return entry.record
	}

	// Rollover: a stale date resets the daily counter and invalidates the
	// cache entry.
	if ok && entry.record.Date != date {
		delete(a.entries, userID)
		ok = false
	}

	rec := a.readThrough(ctx, userID, date)
	if rec == nil {
		if ok {
			// Read-through failed but the local record is for today: keep
			// counting on it rather than forgetting usage.
			entry.fetchedAt = time.Now()
			return entry.record
		}
		rec = &Record{UserID: userID, Date: date}
	} else if ok && entry.record.Date == date {
		// Never let a stale backing read regress local counters.
		if entry.record.UsedBytes > rec.UsedBytes {
			rec.UsedBytes = entry.record.UsedBytes
		}
		if entry.record.UploadsToday > rec.UploadsToday {
			rec.UploadsToday = entry.record.UploadsToday
		}
	}

	a.entries[userID] = &cacheEntry{record: rec, fetchedAt: time.Now()}
	return rec
}

// readThrough consults Redis first, then the ledger. Returns nil when
// neither store has a record for today.
func (a *Accountant) readThrough(ctx context.Context, userID, date string) *Record {
	if a.rdb != nil {
		data, err := a.rdb.Get(ctx, cacheKeyPrefix+userID).Bytes()
		if err == nil {
			var rec Record
			if json.Unmarshal(data, &rec) == nil && rec.Date == date {
				return &rec
			}
		} else if !errors.Is(err, redis.Nil) {
			slog.DebugContext(ctx, "quota: cache read failed", "user", userID, "error", err)
		}
	}

	if a.ledgerPool == nil {
		return nil
	}

	var rec *Record
	err := a.ledgerPool.WithRead(ctx, func(ctx context.Context, c ledger.Client) error {
		page, err := c.Query(ctx, ledger.QueryRequest{
			Attributes: map[string]string{
				ledger.AttrType: ledger.TypeQuota,
				ledger.AttrUser: userID,
				ledger.AttrDate: date,
			},
			Limit:      1,
			Descending: true,
		})
		if err != nil {
			return err
		}
		if len(page.Entities) == 0 {
			return nil
		}
		var r Record
		if err := json.Unmarshal(page.Entities[0].Payload, &r); err != nil {
			return fmt.Errorf("decode quota entity: %w", err)
		}
		rec = &r
		return nil
	})
	if err != nil {
		slog.DebugContext(ctx, "quota: ledger read failed", "user", userID, "error", err)
		return nil
	}
	return rec
}

func (a *Accountant) writeCache(ctx context.Context, rec *Record) {
	if a.rdb == nil {
		return
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if err := a.rdb.Set(ctx, cacheKeyPrefix+rec.UserID, data, a.cfg.CacheTTL).Err(); err != nil {
		slog.DebugContext(ctx, "quota: cache write failed", "user", rec.UserID, "error", err)
	}
}

// commitToLedger writes the daily quota entity with a bounded deadline.
func (a *Accountant) commitToLedger(rec *Record) {
	defer a.commitWG.Done()

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.CommitTimeout)
	defer cancel()

	payload, err := json.Marshal(rec)
	if err != nil {
		slog.Error("quota: encode record", "user", rec.UserID, "error", err)
		return
	}

	entity := &ledger.Entity{
		Payload: payload,
		Attributes: map[string]string{
			ledger.AttrType: ledger.TypeQuota,
			ledger.AttrUser: rec.UserID,
			ledger.AttrDate: rec.Date,
		},
		NumericAttributes: map[string]int64{
			"used_bytes":    rec.UsedBytes,
			"uploads_today": int64(rec.UploadsToday),
		},
		ExpirationBlock: a.ledgerPool.ExpirationBlock(1),
		CreatedAt:       time.Now().UTC(),
	}

	err = a.ledgerPool.WithWrite(ctx, func(ctx context.Context, c ledger.Client) error {
		_, err := c.Create(ctx, entity)
		return err
	})
	if err != nil {
		slog.Warn("quota: ledger commit failed", "user", rec.UserID, "error", err)
	}
}
