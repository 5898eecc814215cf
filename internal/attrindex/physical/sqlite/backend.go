// Package sqlite provides a SQLite-backed attribute index backend.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/gezibash/vault-node/internal/attrindex/physical"
	"github.com/gezibash/vault-node/internal/storage"
)

const (
	KeyPath        = "path"
	KeyJournalMode = "journal_mode"
	KeyBusyTimeout = "busy_timeout"
	KeyCacheSize   = "cache_size"
)

func init() {
	physical.Register("sqlite", NewFactory, Defaults)
}

// Defaults returns the default configuration for the SQLite backend.
func Defaults() map[string]string {
	return map[string]string{
		KeyPath:        "~/.vault/index.db",
		KeyJournalMode: "wal",
		KeyBusyTimeout: "5000",
		KeyCacheSize:   "-64000",
	}
}

const schema = `
CREATE TABLE IF NOT EXISTS entries (
    entity_key  TEXT PRIMARY KEY,
    timestamp   INTEGER NOT NULL,
    expires_at  INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS labels (
    entity_key  TEXT NOT NULL,
    key         TEXT NOT NULL,
    value       TEXT NOT NULL,
    timestamp   INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (entity_key, key),
    FOREIGN KEY (entity_key) REFERENCES entries(entity_key) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_entries_timestamp ON entries(timestamp);
CREATE INDEX IF NOT EXISTS idx_entries_expires ON entries(expires_at) WHERE expires_at > 0;
CREATE INDEX IF NOT EXISTS idx_labels_kv ON labels(key, value);
CREATE INDEX IF NOT EXISTS idx_labels_kvt ON labels(key, value, timestamp, entity_key);
CREATE INDEX IF NOT EXISTS idx_entries_ts_key ON entries(timestamp, entity_key);
`

// NewFactory creates a new SQLite backend from a configuration map.
func NewFactory(_ context.Context, config map[string]string) (physical.Backend, error) {
	path := storage.GetString(config, KeyPath, "")
	if path == "" {
		return nil, storage.NewConfigError("sqlite", KeyPath, "cannot be empty")
	}
	path = storage.ExpandPath(path)

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, storage.NewConfigErrorWithCause("sqlite", KeyPath, "failed to create directory", err)
	}

	journalMode := storage.GetString(config, KeyJournalMode, "wal")
	busyTimeout := storage.GetString(config, KeyBusyTimeout, "5000")
	cacheSize := storage.GetString(config, KeyCacheSize, "-64000")

	dsn := fmt.Sprintf("file:%s?_journal_mode=%s&_busy_timeout=%s&_cache_size=%s&_foreign_keys=on",
		path, journalMode, busyTimeout, cacheSize)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, storage.NewConfigErrorWithCause("sqlite", KeyPath, "failed to open database", err)
	}

	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, storage.NewConfigErrorWithCause("sqlite", KeyPath, "failed to initialize schema", err)
	}

	slog.Info("sqlite attrindex initialized", "path", path, "journal_mode", journalMode)
	return &Backend{db: db}, nil
}

// Backend is a SQLite implementation of physical.Backend.
type Backend struct {
	db     *sql.DB
	closed atomic.Bool
}

// Put stores an entry.
func (b *Backend) Put(ctx context.Context, entry *physical.Entry) error {
	if b.closed.Load() {
		return physical.ErrClosed
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite put: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := b.putInTx(ctx, tx, entry); err != nil {
		return err
	}
	return tx.Commit()
}

// PutBatch stores multiple entries in a single transaction.
func (b *Backend) PutBatch(ctx context.Context, entries []*physical.Entry) error {
	if b.closed.Load() {
		return physical.ErrClosed
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite put batch: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, entry := range entries {
		if err := b.putInTx(ctx, tx, entry); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (b *Backend) putInTx(ctx context.Context, tx *sql.Tx, entry *physical.Entry) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO entries (entity_key, timestamp, expires_at) VALUES (?, ?, ?)`,
		entry.Key, entry.Timestamp, entry.ExpiresAt,
	); err != nil {
		return fmt.Errorf("sqlite put: insert entry: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM labels WHERE entity_key = ?`, entry.Key); err != nil {
		return fmt.Errorf("sqlite put: delete labels: %w", err)
	}

	if len(entry.Labels) > 0 {
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO labels (entity_key, key, value, timestamp) VALUES (?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("sqlite put: prepare label insert: %w", err)
		}
		defer stmt.Close()

		for k, v := range entry.Labels {
			if _, err := stmt.ExecContext(ctx, entry.Key, k, v, entry.Timestamp); err != nil {
				return fmt.Errorf("sqlite put: insert label: %w", err)
			}
		}
	}

	return nil
}

// Get retrieves an entry by entity key.
func (b *Backend) Get(ctx context.Context, key string) (*physical.Entry, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}

	var ts, expiresAt int64
	err := b.db.QueryRowContext(ctx,
		`SELECT timestamp, expires_at FROM entries WHERE entity_key = ?`, key,
	).Scan(&ts, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, physical.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite get: %w", err)
	}

	entry := &physical.Entry{
		Key:       key,
		Timestamp: ts,
		ExpiresAt: expiresAt,
		Labels:    make(map[string]string),
	}

	rows, err := b.db.QueryContext(ctx, `SELECT key, value FROM labels WHERE entity_key = ?`, key)
	if err != nil {
		return nil, fmt.Errorf("sqlite get labels: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("sqlite get: scan label: %w", err)
		}
		entry.Labels[k] = v
	}

	return entry, rows.Err()
}

// Delete removes an entry by entity key.
func (b *Backend) Delete(ctx context.Context, key string) error {
	if b.closed.Load() {
		return physical.ErrClosed
	}

	_, err := b.db.ExecContext(ctx, `DELETE FROM entries WHERE entity_key = ?`, key)
	if err != nil {
		return fmt.Errorf("sqlite delete: %w", err)
	}
	return nil
}

// Query returns entries matching the given options.
func (b *Backend) Query(ctx context.Context, opts *physical.QueryOptions) (*physical.QueryResult, error) {
	if b.closed.Load() {
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

	// Parse cursor: "{timestamp}/{entityKey}"
	var cursorTS int64
	var cursorKey string
	if opts.Cursor != "" {
		parts := strings.SplitN(opts.Cursor, "/", 2)
		if len(parts) == 2 {
			fmt.Sscanf(parts[0], "%x", &cursorTS)
			cursorKey = parts[1]
		}
	}

	var qb strings.Builder
	var args []any

	qb.WriteString("SELECT e.entity_key, e.timestamp, e.expires_at FROM entries e")

	if len(opts.Labels) > 0 {
		i := 0
		for k, v := range opts.Labels {
			alias := fmt.Sprintf("l%d", i)
			qb.WriteString(fmt.Sprintf(" JOIN labels %s ON %s.entity_key = e.entity_key AND %s.key = ? AND %s.value = ?",
				alias, alias, alias, alias))
			args = append(args, k, v)
			i++
		}
	}

	qb.WriteString(" WHERE 1=1")

	if !opts.IncludeExpired {
		qb.WriteString(" AND (e.expires_at = 0 OR e.expires_at > ?)")
		args = append(args, now)
	}
	if opts.Cursor != "" {
		if opts.Descending {
			qb.WriteString(" AND (e.timestamp < ? OR (e.timestamp = ? AND e.entity_key < ?))")
		} else {
			qb.WriteString(" AND (e.timestamp > ? OR (e.timestamp = ? AND e.entity_key > ?))")
		}
		args = append(args, cursorTS, cursorTS, cursorKey)
	}
	if opts.Descending {
		qb.WriteString(" ORDER BY e.timestamp DESC, e.entity_key DESC")
	} else {
		qb.WriteString(" ORDER BY e.timestamp ASC, e.entity_key ASC")
	}

	qb.WriteString(" LIMIT ?")
	args = append(args, limit+1)

	rows, err := b.db.QueryContext(ctx, qb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite query: %w", err)
	}
	defer rows.Close()

	var entries []*physical.Entry
	for rows.Next() {
		var key string
		var ts, expiresAt int64
		if err := rows.Scan(&key, &ts, &expiresAt); err != nil {
			return nil, fmt.Errorf("sqlite query: scan: %w", err)
		}
		entries = append(entries, &physical.Entry{
			Key:       key,
			Timestamp: ts,
			ExpiresAt: expiresAt,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite query: rows: %w", err)
	}

	hasMore := len(entries) > limit
	if hasMore {
		entries = entries[:limit]
	}

	if len(entries) > 0 {
		if err := b.fetchLabels(ctx, entries); err != nil {
			return nil, err
		}
	}

	var nextCursor string
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

func (b *Backend) fetchLabels(ctx context.Context, entries []*physical.Entry) error {
	byKey := make(map[string]*physical.Entry, len(entries))
	placeholders := make([]string, len(entries))
	args := make([]any, len(entries))
	for i, e := range entries {
		byKey[e.Key] = e
		e.Labels = make(map[string]string)
		placeholders[i] = "?"
		args[i] = e.Key
	}

	q := fmt.Sprintf("SELECT entity_key, key, value FROM labels WHERE entity_key IN (%s)",
		strings.Join(placeholders, ","))

	rows, err := b.db.QueryContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("sqlite fetch labels: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var ek, k, v string
		if err := rows.Scan(&ek, &k, &v); err != nil {
			return fmt.Errorf("sqlite fetch labels: scan: %w", err)
		}
		if e, ok := byKey[ek]; ok {
			e.Labels[k] = v
		}
	}
	return rows.Err()
}

// DeleteExpired removes all expired entries.
func (b *Backend) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	if b.closed.Load() {
		return 0, physical.ErrClosed
	}

	result, err := b.db.ExecContext(ctx,
		`DELETE FROM entries WHERE expires_at > 0 AND expires_at <= ?`, now.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("sqlite delete expired: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite delete expired: rows affected: %w", err)
	}
	return int(n), nil
}

// Stats returns storage statistics.
func (b *Backend) Stats(ctx context.Context) (*physical.Stats, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}

	var sizeBytes int64
	err := b.db.QueryRowContext(ctx,
		`SELECT page_count * page_size FROM pragma_page_count, pragma_page_size`).Scan(&sizeBytes)
	if err != nil {
		return nil, fmt.Errorf("sqlite stats: %w", err)
	}

	return &physical.Stats{
		SizeBytes:   sizeBytes,
		BackendType: "sqlite",
	}, nil
}

// Close closes the SQLite database.
func (b *Backend) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	return b.db.Close()
}
