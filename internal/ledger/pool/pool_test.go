package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gezibash/vault-node/internal/fault"
	"github.com/gezibash/vault-node/internal/ledger"
	"github.com/gezibash/vault-node/internal/observability"
)

// fakeClient is a scriptable ledger client for pool tests.
type fakeClient struct {
	chainInfo  ledger.ChainInfo
	chainErr   error
	createErr  error
	closed     atomic.Bool
	writable   bool
	hasCredSet bool
}

func (f *fakeClient) Create(_ context.Context, _ *ledger.Entity) (string, error) {
	if f.createErr != nil {
		return "", f.createErr
	}
	return "key", nil
}

func (f *fakeClient) CreateBatch(_ context.Context, entities []*ledger.Entity) ([]string, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	keys := make([]string, len(entities))
	for i := range keys {
		keys[i] = "key"
	}
	return keys, nil
}

func (f *fakeClient) GetByKey(_ context.Context, _ string) (*ledger.Entity, error) {
	return nil, ledger.ErrNotFound
}

func (f *fakeClient) Query(_ context.Context, _ ledger.QueryRequest) (ledger.QueryPage, error) {
	return ledger.QueryPage{}, nil
}

func (f *fakeClient) ChainInfo(_ context.Context) (ledger.ChainInfo, error) {
	if f.chainErr != nil {
		return ledger.ChainInfo{}, f.chainErr
	}
	return f.chainInfo, nil
}

func (f *fakeClient) Close() error {
	f.closed.Store(true)
	return nil
}

func (f *fakeClient) HasCredentials() bool {
	if f.hasCredSet {
		return f.writable
	}
	return true
}

func fastPolicy(attempts int) Policy {
	return Policy{Attempts: attempts, Base: time.Millisecond, Cap: 5 * time.Millisecond}
}

func newTestPool(t *testing.T, cfg Config, dial Dialer) *Pool {
	t.Helper()
	p := New(cfg, dial, dial, observability.NewMetrics())
	t.Cleanup(p.Close)
	return p
}

func TestDoRunsOp(t *testing.T) {
	p := newTestPool(t, Config{}, func(ctx context.Context) (ledger.Client, error) {
		return &fakeClient{}, nil
	})

	var ran bool
	err := p.Do(context.Background(), KindRead, fastPolicy(1), func(ctx context.Context, c ledger.Client) error {
		ran = true
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if !ran {
		t.Error("op did not run")
	}
}

func TestPoolCapAndFIFO(t *testing.T) {
	var dials atomic.Int32
	p := newTestPool(t, Config{WriteMax: 1, ReadMax: 1}, func(ctx context.Context) (ledger.Client, error) {
		dials.Add(1)
		return &fakeClient{}, nil
	})

	blocker := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = p.Do(context.Background(), KindWrite, fastPolicy(1), func(ctx context.Context, c ledger.Client) error {
			close(started)
			<-blocker
			return nil
		})
	}()
	<-started

	// FIFO: the first waiter must complete before the second.
	var order []int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 1; i <= 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.Do(context.Background(), KindWrite, fastPolicy(1), func(ctx context.Context, c ledger.Client) error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
		}()
		// Give each waiter time to enqueue so queue order is deterministic.
		time.Sleep(20 * time.Millisecond)
	}

	close(blocker)
	wg.Wait()

	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Errorf("waiter order = %v, want [1 2]", order)
	}
	if got := dials.Load(); got != 1 {
		t.Errorf("dialed %d clients for a max-1 pool", got)
	}

	st := p.Stats()
	if st.WriteInUse != 0 || st.WriteIdle > 1 {
		t.Errorf("stats after drain = %+v", st)
	}
}

func TestAcquireTimeout(t *testing.T) {
	p := newTestPool(t, Config{WriteMax: 1}, func(ctx context.Context) (ledger.Client, error) {
		return &fakeClient{}, nil
	})

	blocker := make(chan struct{})
	started := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.Do(context.Background(), KindWrite, fastPolicy(1), func(ctx context.Context, c ledger.Client) error {
			close(started)
			<-blocker
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := p.Do(ctx, KindWrite, fastPolicy(1), func(ctx context.Context, c ledger.Client) error {
		return nil
	})
	if !fault.IsCode(err, fault.CodeTimeout) {
		t.Errorf("expected TIMEOUT, got %v", err)
	}

	close(blocker)
	<-done
}

func TestRetryThenSuccess(t *testing.T) {
	var calls atomic.Int32
	p := newTestPool(t, Config{}, func(ctx context.Context) (ledger.Client, error) {
		return &fakeClient{}, nil
	})

	err := p.Do(context.Background(), KindRead, fastPolicy(3), func(ctx context.Context, c ledger.Client) error {
		if calls.Add(1) < 3 {
			return ledger.ErrUnavailable
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("op ran %d times, want 3", calls.Load())
	}
}

func TestRetryExhausted(t *testing.T) {
	p := newTestPool(t, Config{}, func(ctx context.Context) (ledger.Client, error) {
		return &fakeClient{}, nil
	})

	var calls atomic.Int32
	err := p.Do(context.Background(), KindRead, fastPolicy(3), func(ctx context.Context, c ledger.Client) error {
		calls.Add(1)
		return ledger.ErrUnavailable
	})
	if !fault.IsCode(err, fault.CodeRetryExhausted) {
		t.Errorf("expected RETRY_EXHAUSTED, got %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("op ran %d times, want 3", calls.Load())
	}
}

func TestNotFoundIsNotRetried(t *testing.T) {
	p := newTestPool(t, Config{}, func(ctx context.Context) (ledger.Client, error) {
		return &fakeClient{}, nil
	})

	var calls atomic.Int32
	err := p.Do(context.Background(), KindRead, fastPolicy(5), func(ctx context.Context, c ledger.Client) error {
		calls.Add(1)
		return ledger.ErrNotFound
	})
	if !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("op ran %d times, want 1", calls.Load())
	}
}

func TestWritePoolRejectsUncredentialed(t *testing.T) {
	p := newTestPool(t, Config{}, func(ctx context.Context) (ledger.Client, error) {
		return &fakeClient{hasCredSet: true, writable: false}, nil
	})

	err := p.Do(context.Background(), KindWrite, fastPolicy(1), func(ctx context.Context, c ledger.Client) error {
		return nil
	})
	if !fault.IsCode(err, fault.CodeLedgerUnavailable) {
		t.Errorf("expected LEDGER_UNAVAILABLE, got %v", err)
	}
}

func TestCloseRefusesAcquire(t *testing.T) {
	p := New(Config{}, func(ctx context.Context) (ledger.Client, error) {
		return &fakeClient{}, nil
	}, func(ctx context.Context) (ledger.Client, error) {
		return &fakeClient{}, nil
	}, observability.NewMetrics())
	p.Close()

	err := p.Do(context.Background(), KindRead, fastPolicy(1), func(ctx context.Context, c ledger.Client) error {
		return nil
	})
	if !fault.IsCode(err, fault.CodeLedgerUnavailable) {
		t.Errorf("expected LEDGER_UNAVAILABLE after close, got %v", err)
	}
}

func TestCloseDrainsWaiters(t *testing.T) {
	p := New(Config{WriteMax: 1}, func(ctx context.Context) (ledger.Client, error) {
		return &fakeClient{}, nil
	}, func(ctx context.Context) (ledger.Client, error) {
		return &fakeClient{}, nil
	}, observability.NewMetrics())

	blocker := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = p.Do(context.Background(), KindWrite, fastPolicy(1), func(ctx context.Context, c ledger.Client) error {
			close(started)
			<-blocker
			return nil
		})
	}()
	<-started

	waiterErr := make(chan error, 1)
	go func() {
		waiterErr <- p.Do(context.Background(), KindWrite, fastPolicy(1), func(ctx context.Context, c ledger.Client) error {
			return nil
		})
	}()
	time.Sleep(20 * time.Millisecond)

	go p.Close()
	time.Sleep(20 * time.Millisecond)
	close(blocker)

	select {
	case err := <-waiterErr:
		if !fault.IsCode(err, fault.CodeLedgerUnavailable) {
			t.Errorf("waiter error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter was not drained on close")
	}
}

func TestExpirationBlock(t *testing.T) {
	p := newTestPool(t, Config{}, func(ctx context.Context) (ledger.Client, error) {
		return &fakeClient{chainInfo: ledger.ChainInfo{CurrentBlock: 1000, BlockDuration: 30 * time.Second}}, nil
	})
	p.Start(context.Background())

	// 7 days at 30s blocks = 7 * 2880 blocks.
	got := p.ExpirationBlock(7)
	want := p.CurrentBlock() + 7*2880
	if got != want {
		t.Errorf("ExpirationBlock(7) = %d, want %d", got, want)
	}

	if p.ExpirationBlock(0) <= p.CurrentBlock() {
		t.Error("expiration block must be in the future")
	}
}

func TestChainProbeSeedsTiming(t *testing.T) {
	p := newTestPool(t, Config{}, func(ctx context.Context) (ledger.Client, error) {
		return &fakeClient{chainInfo: ledger.ChainInfo{CurrentBlock: 42, BlockDuration: 15 * time.Second}}, nil
	})
	p.Start(context.Background())

	if p.BlockDuration() != 15*time.Second {
		t.Errorf("block duration = %v, want 15s", p.BlockDuration())
	}
	if cb := p.CurrentBlock(); cb < 42 {
		t.Errorf("current block = %d, want >= 42", cb)
	}
}
