package pool

import (
	"context"
	"sync"
	"time"

	"github.com/gezibash/vault-node/internal/fault"
	"github.com/gezibash/vault-node/internal/ledger"
	"github.com/gezibash/vault-node/internal/observability"
)

// handle is one pooled client with its idle bookkeeping.
type handle struct {
	client   ledger.Client
	lastUsed time.Time
}

// subPool is one bounded pool (read or write). Waiters are served strictly
// FIFO; in-use + idle never exceeds max.
type subPool struct {
	kind           Kind
	max            int
	dialer         Dialer
	connectTimeout time.Duration
	metrics        *observability.Metrics

	mu      sync.Mutex
	idle    []*handle
	inUse   int
	waiters []chan *handle
	closed  bool
}

func newSubPool(kind Kind, max int, dialer Dialer, connectTimeout time.Duration, metrics *observability.Metrics) *subPool {
	return &subPool{
		kind:           kind,
		max:            max,
		dialer:         dialer,
		connectTimeout: connectTimeout,
		metrics:        metrics,
	}
}

func (sp *subPool) acquire(ctx context.Context) (*handle, error) {
	sp.mu.Lock()

	if sp.closed {
		sp.mu.Unlock()
		return nil, fault.New(fault.CodeLedgerUnavailable, "ledger pool is shutting down")
	}

	// Reuse the most recently used idle handle; older ones age toward
	// eviction.
	if n := len(sp.idle); n > 0 {
		h := sp.idle[n-1]
		sp.idle = sp.idle[:n-1]
		sp.inUse++
		sp.gauge()
		sp.mu.Unlock()
		return h, nil
	}

	if sp.inUse+len(sp.idle) < sp.max {
		// Reserve the slot before dialing so concurrent acquirers cannot
		// overshoot max.
		sp.inUse++
		sp.gauge()
		sp.mu.Unlock()

		dialCtx, cancel := context.WithTimeout(ctx, sp.connectTimeout)
		client, err := sp.dialer(dialCtx)
		cancel()
		if err != nil {
			sp.mu.Lock()
			sp.inUse--
			sp.gauge()
			sp.mu.Unlock()
			return nil, fault.Wrap(fault.CodeConnectionError, "failed to connect to ledger", err)
		}
		if sp.kind == KindWrite && !ledger.CanWrite(client) {
			_ = client.Close()
			sp.mu.Lock()
			sp.inUse--
			sp.gauge()
			sp.mu.Unlock()
			return nil, fault.New(fault.CodeLedgerUnavailable, "client lacks write credentials")
		}
		return &handle{client: client}, nil
	}

	// At capacity: join the FIFO waiter queue.
	waiter := make(chan *handle, 1)
	sp.waiters = append(sp.waiters, waiter)
	sp.mu.Unlock()

	select {
	case h, ok := <-waiter:
		if !ok {
			return nil, fault.New(fault.CodeLedgerUnavailable, "ledger pool is shutting down")
		}
		return h, nil
	case <-ctx.Done():
		sp.mu.Lock()
		for i, w := range sp.waiters {
			if w == waiter {
				sp.waiters = append(sp.waiters[:i], sp.waiters[i+1:]...)
				break
			}
		}
		sp.mu.Unlock()

		// A release may have handed us a handle before we left the queue.
		select {
		case h, ok := <-waiter:
			if ok {
				sp.release(h)
			}
		default:
		}
		return nil, fault.Wrap(fault.CodeTimeout, "timed out waiting for a ledger handle", ctx.Err())
	}
}

func (sp *subPool) release(h *handle) {
	sp.mu.Lock()

	if sp.closed {
		sp.inUse--
		sp.gauge()
		sp.mu.Unlock()
		_ = h.client.Close()
		return
	}

	// Hand the handle to the oldest waiter; the slot stays in use.
	if len(sp.waiters) > 0 {
		waiter := sp.waiters[0]
		sp.waiters = sp.waiters[1:]
		sp.mu.Unlock()
		waiter <- h
		return
	}

	h.lastUsed = time.Now()
	sp.idle = append(sp.idle, h)
	sp.inUse--
	sp.gauge()
	sp.mu.Unlock()
}

func (sp *subPool) evictIdle(idleTimeout time.Duration) {
	cutoff := time.Now().Add(-idleTimeout)

	sp.mu.Lock()
	var keep []*handle
	var evict []*handle
	for _, h := range sp.idle {
		if h.lastUsed.Before(cutoff) {
			evict = append(evict, h)
		} else {
			keep = append(keep, h)
		}
	}
	sp.idle = keep
	sp.gauge()
	sp.mu.Unlock()

	for _, h := range evict {
		_ = h.client.Close()
	}
}

func (sp *subPool) close() {
	sp.mu.Lock()
	sp.closed = true
	waiters := sp.waiters
	sp.waiters = nil
	idle := sp.idle
	sp.idle = nil
	sp.gauge()
	sp.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
	for _, h := range idle {
		_ = h.client.Close()
	}
}

func (sp *subPool) stats() (inUse, idle int) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return sp.inUse, len(sp.idle)
}

// gauge publishes occupancy; callers hold sp.mu.
func (sp *subPool) gauge() {
	if sp.metrics != nil {
		sp.metrics.PoolInUse.WithLabelValues(string(sp.kind)).Set(float64(sp.inUse))
	}
}
