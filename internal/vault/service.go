// Package vault is the composition root: it wires the stores, pools, and
// pipelines at boot and exposes the request-level operations any transport
// can drive.
package vault

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	attrphysical "github.com/gezibash/vault-node/internal/attrindex/physical"
	"github.com/gezibash/vault-node/internal/config"
	entityphysical "github.com/gezibash/vault-node/internal/entitystore/physical"
	"github.com/gezibash/vault-node/internal/ingest"
	"github.com/gezibash/vault-node/internal/keyindex"
	"github.com/gezibash/vault-node/internal/ledger"
	"github.com/gezibash/vault-node/internal/ledger/gateway"
	"github.com/gezibash/vault-node/internal/ledger/local"
	"github.com/gezibash/vault-node/internal/ledger/pool"
	"github.com/gezibash/vault-node/internal/observability"
	"github.com/gezibash/vault-node/internal/query"
	"github.com/gezibash/vault-node/internal/quota"
	"github.com/gezibash/vault-node/internal/retrieve"
	"github.com/gezibash/vault-node/internal/session"
)

// Service owns all core components for the lifetime of the process.
type Service struct {
	cfg     config.Config
	obs     *observability.Observability
	rdb     *redis.Client
	local   *local.Ledger
	pool    *pool.Pool
	session *session.Store
	keys    *keyindex.Cache
	quota   *quota.Accountant
	ingest  *ingest.Pipeline
	ret     *retrieve.Pipeline
	query   *query.Service

	janitorCancel context.CancelFunc
	janitorDone   chan struct{}
	closeOnce     sync.Once
}

// New builds and starts the service.
func New(ctx context.Context, cfg config.Config, obs *observability.Observability) (*Service, error) {
	s := &Service{cfg: cfg, obs: obs, janitorDone: make(chan struct{})}

	if cfg.Redis.Addr != "" {
		s.rdb = redis.NewClient(&redis.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
		pingCtx, cancel := context.WithTimeout(ctx, cfg.Redis.DialTimeout)
		err := s.rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			// Redis is an accelerator, not a dependency: fall back to the
			// in-process stores and keep going.
			slog.WarnContext(ctx, "redis unreachable at startup, using memory fallback",
				"addr", cfg.Redis.Addr, "error", err)
		}
	}

	readDialer, writeDialer, err := s.dialers(ctx)
	if err != nil {
		return nil, err
	}

	s.pool = pool.New(pool.Config{
		ReadMax:              cfg.Pool.ReadMax,
		WriteMax:             cfg.Pool.WriteMax,
		IdleTimeout:          cfg.Pool.IdleTimeout,
		HealthInterval:       cfg.Pool.HealthInterval,
		ConnectTimeout:       cfg.Pool.ConnectTimeout,
		CallTimeout:          cfg.Ledger.CallTimeout,
		FallbackBlocksPerDay: cfg.Ledger.BlocksPerDay,
	}, readDialer, writeDialer, obs.Metrics)
	s.pool.Start(ctx)

	s.session = session.NewStore(s.rdb, cfg.Session.TTL, obs.Metrics)

	s.keys, err = keyindex.New(s.rdb, cfg.KeyIndex.TTL, cfg.KeyIndex.GetTimeout, obs.Metrics)
	if err != nil {
		return nil, fmt.Errorf("create key index: %w", err)
	}

	var quotaPool *pool.Pool
	if cfg.Storage.Mode == config.ModeLedger {
		quotaPool = s.pool
	}
	s.quota = quota.New(quota.Config{
		Limits: quota.Limits{
			MaxBytes:         cfg.Quota.MaxBytes,
			MaxUploadsPerDay: cfg.Quota.MaxUploadsPerDay,
		},
		BypassKey:     cfg.Quota.BypassKey,
		CacheTTL:      cfg.Quota.CacheTTL,
		CommitTimeout: cfg.Quota.CommitTimeout,
	}, s.rdb, quotaPool)

	s.ingest = ingest.New(ingest.Config{
		MaxFileSize:         cfg.Limits.MaxFileSize,
		ChunkSize:           cfg.Limits.ChunkSize,
		AllowedContentTypes: cfg.Limits.AllowedContentTypes,
		DefaultBTLDays:      cfg.Ledger.DefaultBTLDays,
		BatchSize:           cfg.Ingest.BatchSize,
	}, s.session, s.keys, s.quota, s.pool, obs.Metrics)

	s.ret = retrieve.New(s.pool, s.keys, obs.Metrics)

	s.query, err = query.New(s.pool)
	if err != nil {
		return nil, fmt.Errorf("create query service: %w", err)
	}

	janitorCtx, cancel := context.WithCancel(context.Background())
	s.janitorCancel = cancel
	go s.janitor(janitorCtx)

	return s, nil
}

// dialers builds the pool dialers for the configured storage mode.
func (s *Service) dialers(ctx context.Context) (pool.Dialer, pool.Dialer, error) {
	if s.cfg.Storage.Mode == config.ModeLedger {
		readCfg := gateway.Config{
			BaseURL: s.cfg.Ledger.GatewayURL,
			Timeout: s.cfg.Ledger.CallTimeout,
		}
		writeCfg := readCfg
		writeCfg.APIKey = s.cfg.Ledger.APIKey

		read := func(ctx context.Context) (ledger.Client, error) {
			return gateway.New(readCfg)
		}
		write := func(ctx context.Context) (ledger.Client, error) {
			return gateway.New(writeCfg)
		}
		return read, write, nil
	}

	entities, err := entityphysical.New(ctx, s.cfg.Storage.Entities.Backend, s.cfg.Storage.Entities.Config)
	if err != nil {
		return nil, nil, fmt.Errorf("create entity backend: %w", err)
	}
	index, err := attrphysical.New(ctx, s.cfg.Storage.Index.Backend, s.cfg.Storage.Index.Config)
	if err != nil {
		_ = entities.Close()
		return nil, nil, fmt.Errorf("create index backend: %w", err)
	}

	s.local = local.New(entities, index)

	// The local ledger is one shared instance owned by the service; pool
	// handles must not close it on eviction.
	dial := func(ctx context.Context) (ledger.Client, error) {
		return sharedClient{s.local}, nil
	}
	return dial, dial, nil
}

// janitor sweeps the in-process session fallback and, in memory mode, the
// local ledger's expired entities.
func (s *Service) janitor(ctx context.Context) {
	defer close(s.janitorDone)

	interval := s.cfg.Pool.HealthInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.session.Sweep()
			if s.local != nil {
				if n, err := s.local.DeleteExpired(ctx, time.Now()); err == nil && n > 0 {
					slog.Debug("swept expired ledger entities", "count", n)
				}
			}
		}
	}
}

// Close drains writers and shuts components down in dependency order.
func (s *Service) Close(ctx context.Context) {
	s.closeOnce.Do(func() {
		s.ingest.Shutdown(ctx)
		s.quota.Drain(ctx)

		s.janitorCancel()
		<-s.janitorDone

		s.pool.Close()
		if s.local != nil {
			_ = s.local.Close()
		}
		_ = s.keys.Close()
		if s.rdb != nil {
			_ = s.rdb.Close()
		}
	})
}

// sharedClient adapts the process-wide local ledger to the pool's
// per-handle lifecycle: Close is a no-op because the service owns the
// ledger.
type sharedClient struct {
	*local.Ledger
}

func (sharedClient) Close() error { return nil }
