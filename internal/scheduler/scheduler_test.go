package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	rediscache "github.com/evetabi/yesno/internal/cache/redis"
	"github.com/evetabi/yesno/internal/config"
	"github.com/evetabi/yesno/internal/domain"
	"github.com/evetabi/yesno/internal/ledger"
	"github.com/evetabi/yesno/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
)

type fakeSettler struct {
	calls atomic.Int32
	n     int
	err   error
	panic bool
}

func (f *fakeSettler) SettleDue(context.Context) (int, error) {
	f.calls.Add(1)
	if f.panic {
		panic("boom")
	}
	return f.n, f.err
}

type fakeMarkets struct{ synced atomic.Int32 }

func (f *fakeMarkets) SyncCatalog(context.Context) (int, error) {
	f.synced.Add(1)
	return 0, nil
}

func (f *fakeMarkets) Summaries() []domain.MarketSummary {
	return []domain.MarketSummary{{Slug: "btc-75k-friday"}}
}

type fakeHub struct {
	mu     sync.Mutex
	prices map[domain.Asset]decimal.Decimal
	count  int
}

func (h *fakeHub) BroadcastMarkets(markets []domain.MarketSummary, prices map[domain.Asset]decimal.Decimal) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.prices = prices
	h.count += len(markets)
}

type onePrice struct{}

func (onePrice) GetCachedPrice(a domain.Asset) (decimal.Decimal, bool) {
	if a == domain.AssetBTC {
		return decimal.NewFromInt(80000), true
	}
	return decimal.Zero, false
}

type heldLock struct{ err error }

func (l heldLock) Acquire(context.Context, string, time.Duration) (func(), error) {
	if l.err != nil {
		return nil, l.err
	}
	return func() {}, nil
}

type fakeArchiver struct{ uploads atomic.Int32 }

func (a *fakeArchiver) Upload(_ context.Context, snap *ledger.Snapshot) (string, error) {
	a.uploads.Add(1)
	return "snap", nil
}

func testCfg() *config.Config {
	return &config.Config{
		Scheduler: config.SchedulerConfig{
			SettleInterval:    time.Millisecond,
			BroadcastInterval: time.Millisecond,
			ArchiveInterval:   time.Hour,
		},
		Redis: config.RedisConfig{LockKey: "yesno:settler", LockTTL: time.Second},
	}
}

func TestSettle_CountsSettlements(t *testing.T) {
	m := metrics.New()
	settler := &fakeSettler{n: 2}
	s := NewScheduler(Deps{Settler: settler, Markets: &fakeMarkets{}, Metrics: m}, testCfg(), nil)

	s.settle(context.Background())
	if got := testutil.ToFloat64(m.Settlements.WithLabelValues("ok")); got != 2 {
		t.Errorf("settlements ok = %v, want 2", got)
	}

	settler.err = errors.New("oracle down")
	s.settle(context.Background())
	if got := testutil.ToFloat64(m.Settlements.WithLabelValues("error")); got != 1 {
		t.Errorf("settlements error = %v, want 1", got)
	}
}

func TestSettle_SkipsWithoutLock(t *testing.T) {
	settler := &fakeSettler{}
	s := NewScheduler(Deps{Settler: settler, Markets: &fakeMarkets{}, Locker: heldLock{err: rediscache.ErrLockHeld}}, testCfg(), nil)
	s.settle(context.Background())
	if settler.calls.Load() != 0 {
		t.Error("SettleDue ran while another instance held the lock")
	}

	s.deps.Locker = heldLock{}
	s.settle(context.Background())
	if settler.calls.Load() != 1 {
		t.Errorf("SettleDue calls = %d, want 1", settler.calls.Load())
	}
}

func TestBroadcast_UsesCachedPrices(t *testing.T) {
	hub := &fakeHub{}
	s := NewScheduler(Deps{Settler: &fakeSettler{}, Markets: &fakeMarkets{}, Hub: hub, Prices: onePrice{}}, testCfg(), nil)
	s.broadcast(context.Background())

	if hub.count != 1 {
		t.Errorf("broadcast markets = %d, want 1", hub.count)
	}
	if len(hub.prices) != 1 || !hub.prices[domain.AssetBTC].Equal(decimal.NewFromInt(80000)) {
		t.Errorf("prices = %v, want only BTC 80000", hub.prices)
	}
}

func TestRun_RecoversPanicsAndArchivesOnShutdown(t *testing.T) {
	settler := &fakeSettler{panic: true}
	archiver := &fakeArchiver{}
	markets := &fakeMarkets{}
	s := NewScheduler(Deps{
		Settler:  settler,
		Markets:  markets,
		Hub:      &fakeHub{},
		Archiver: archiver,
		Snapshot: func() *ledger.Snapshot { return &ledger.Snapshot{Seq: 7} },
	}, testCfg(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.Now().Add(time.Second)
	for settler.calls.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if settler.calls.Load() < 3 {
		t.Fatalf("settlement loop stopped after a panic: %d calls", settler.calls.Load())
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if archiver.uploads.Load() != 1 {
		t.Errorf("uploads = %d, want 1 final snapshot", archiver.uploads.Load())
	}
	if markets.synced.Load() != 0 {
		t.Error("catalog loop ran with RefreshInterval 0")
	}
}
