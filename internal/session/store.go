package session

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
	"github.com/gezibash/vault-node/internal/observability"
)

// Key namespaces. Sessions and the file-id secondary index live under
// separate prefixes so the schemas cannot collide.
const (
	sessionKeyPrefix = "vault:session:"
	fileIDKeyPrefix  = "vault:fileid:"
)

// errLogInterval rate-limits cache failure logging.
const errLogInterval = time.Minute

// Store persists sessions in Redis with an in-process fallback. The
// fallback is authoritative only for sessions it originated; Redis wins
// whenever it answers.
type Store struct {
	rdb     *redis.Client
	ttl     time.Duration
	metrics *observability.Metrics

	mu     sync.RWMutex
	mem    map[string]*memEntry // idempotency key -> session
	byFile map[string]string    // file id -> idempotency key

	lastErrLog time.Time
	errLogMu   sync.Mutex
}

type memEntry struct {
	session   *Session
	expiresAt time.Time
}

// NewStore creates a session store. rdb may be nil for memory-only
// operation.
func NewStore(rdb *redis.Client, ttl time.Duration, metrics *observability.Metrics) *Store {
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return &Store{
		rdb:     rdb,
		ttl:     ttl,
		metrics: metrics,
		mem:     make(map[string]*memEntry),
		byFile:  make(map[string]string),
	}
}

// Put persists a session best-effort: Redis first, memory always. Cache
// failures degrade to memory and never surface to the caller.
func (s *Store) Put(ctx context.Context, sess *Session) {
	s.putMemory(sess)

	if s.rdb == nil {
		return
	}

	data, err := json.Marshal(sess)
	if err != nil {
		s.logCacheError(ctx, "encode session", err)
		return
	}

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, sessionKeyPrefix+sess.IdempotencyKey, data, s.ttl)
	pipe.Set(ctx, fileIDKeyPrefix+sess.FileID, sess.IdempotencyKey, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		s.fallback("session")
		s.logCacheError(ctx, "write session to cache", err)
	}
}

// Get fetches a session by idempotency key: Redis first, memory next.
func (s *Store) Get(ctx context.Context, idempotencyKey string) (*Session, error) {
	if s.rdb != nil {
		data, err := s.rdb.Get(ctx, sessionKeyPrefix+idempotencyKey).Bytes()
		if err == nil {
			var sess Session
			if err := json.Unmarshal(data, &sess); err == nil {
				return &sess, nil
			}
			s.logCacheError(ctx, "decode cached session", err)
		} else if !errors.Is(err, redis.Nil) {
			s.fallback("session")
			s.logCacheError(ctx, "read session from cache", err)
		}
	}

	if sess, ok := s.getMemory(idempotencyKey); ok {
		return sess, nil
	}
	return nil, fault.Newf(fault.CodeSessionNotFound, "no session for idempotency key %q", idempotencyKey)
}

// GetByFileID fetches a session through the file-id secondary index.
func (s *Store) GetByFileID(ctx context.Context, fileID string) (*Session, error) {
	if s.rdb != nil {
		key, err := s.rdb.Get(ctx, fileIDKeyPrefix+fileID).Result()
		if err == nil {
			return s.Get(ctx, key)
		}
		if !errors.Is(err, redis.Nil) {
			s.fallback("session")
			s.logCacheError(ctx, "read file-id index from cache", err)
		}
	}

	s.mu.RLock()
	key, ok := s.byFile[fileID]
	s.mu.RUnlock()
	if ok {
		if sess, found := s.getMemory(key); found {
			return sess, nil
		}
	}
	return nil, fault.Newf(fault.CodeSessionNotFound, "no session for file %q", fileID)
}

// ExtendTTL refreshes the expiry of a session and its file-id index entry.
func (s *Store) ExtendTTL(ctx context.Context, idempotencyKey string) {
	s.mu.Lock()
	if entry, ok := s.mem[idempotencyKey]; ok {
		entry.expiresAt = time.Now().Add(s.ttl)
	}
	s.mu.Unlock()

	if s.rdb == nil {
		return
	}
	sess, err := s.Get(ctx, idempotencyKey)
	if err != nil {
		return
	}
	pipe := s.rdb.TxPipeline()
	pipe.Expire(ctx, sessionKeyPrefix+idempotencyKey, s.ttl)
	pipe.Expire(ctx, fileIDKeyPrefix+sess.FileID, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		s.logCacheError(ctx, "extend session ttl", err)
	}
}

// Delete removes a session from both stores.
func (s *Store) Delete(ctx context.Context, idempotencyKey string) {
	s.mu.Lock()
	if entry, ok := s.mem[idempotencyKey]; ok {
		delete(s.byFile, entry.session.FileID)
		delete(s.mem, idempotencyKey)
	}
	s.mu.Unlock()

	if s.rdb == nil {
		return
	}
	sess, err := s.Get(ctx, idempotencyKey)
	if err == nil {
		s.rdb.Del(ctx, fileIDKeyPrefix+sess.FileID)
	}
	s.rdb.Del(ctx, sessionKeyPrefix+idempotencyKey)
}

// Sweep drops expired fallback entries. Redis entries expire via TTL; only
// the in-process map needs an explicit sweep.
func (s *Store) Sweep() int {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, entry := range s.mem {
		if entry.expiresAt.Before(now) {
			delete(s.byFile, entry.session.FileID)
			delete(s.mem, key)
			removed++
		}
	}
	return removed
}

// Ping probes Redis reachability. A nil client reports an error so health
// output distinguishes "not configured" from "reachable".
func (s *Store) Ping(ctx context.Context) error {
	if s.rdb == nil {
		return errors.New("redis not configured")
	}
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) putMemory(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mem[sess.IdempotencyKey] = &memEntry{
		session:   sess.Clone(),
		expiresAt: time.Now().Add(s.ttl),
	}
	s.byFile[sess.FileID] = sess.IdempotencyKey
}

func (s *Store) getMemory(idempotencyKey string) (*Session, bool) {
	s.mu.RLock()
	entry, ok := s.mem[idempotencyKey]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if entry.expiresAt.Before(time.Now()) {
		s.mu.Lock()
		delete(s.byFile, entry.session.FileID)
		delete(s.mem, idempotencyKey)
		s.mu.Unlock()
		return nil, false
	}
	return entry.session.Clone(), true
}

func (s *Store) fallback(cache string) {
	if s.metrics != nil {
		s.metrics.CacheFallbacks.WithLabelValues(cache).Inc()
	}
}

// logCacheError logs cache failures at most once per minute so an outage
// does not flood the log.
func (s *Store) logCacheError(ctx context.Context, msg string, err error) {
	s.errLogMu.Lock()
	defer s.errLogMu.Unlock()
	if time.Since(s.lastErrLog) < errLogInterval {
		return
	}
	s.lastErrLog = time.Now()
	slog.WarnContext(ctx, fmt.Sprintf("session store: %s", msg),
		"error", err, "fallback", "memory")
}
