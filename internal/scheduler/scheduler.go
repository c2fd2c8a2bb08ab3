// Package scheduler runs the background loops around the ledger:
//  1. settlementLoop – resolves markets whose settlement time has passed.
//  2. catalogLoop    – opens catalog markets the ledger does not know yet.
//  3. broadcastLoop  – pushes market summaries and prices to WS clients.
//  4. archiveLoop    – uploads ledger snapshots to object storage.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	rediscache "github.com/evetabi/yesno/internal/cache/redis"
	"github.com/evetabi/yesno/internal/config"
	"github.com/evetabi/yesno/internal/domain"
	"github.com/evetabi/yesno/internal/ledger"
	"github.com/evetabi/yesno/internal/metrics"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// ──────────────────────────────────────────────────────────────────────────────
// Dependencies
// ──────────────────────────────────────────────────────────────────────────────

// Settler resolves due markets. *service.SettlementService satisfies it.
type Settler interface {
	SettleDue(ctx context.Context) (int, error)
}

// CatalogSyncer opens new catalog markets. *service.MarketService satisfies it.
type CatalogSyncer interface {
	SyncCatalog(ctx context.Context) (int, error)
	Summaries() []domain.MarketSummary
}

// PriceCache serves the last fetched price per asset.
type PriceCache interface {
	GetCachedPrice(asset domain.Asset) (decimal.Decimal, bool)
}

// WsHub is the broadcast side of the WebSocket hub.
type WsHub interface {
	BroadcastMarkets(markets []domain.MarketSummary, prices map[domain.Asset]decimal.Decimal)
}

// Archiver stores a ledger snapshot and returns its key.
type Archiver interface {
	Upload(ctx context.Context, snap *ledger.Snapshot) (string, error)
}

// Locker hands out a cluster-wide lock. The rediscache LockManager satisfies it.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// Deps are the scheduler's collaborators. Every field but Settler and Markets
// is optional; a nil field disables the loop that needs it.
type Deps struct {
	Settler  Settler
	Markets  CatalogSyncer
	Prices   PriceCache
	Hub      WsHub
	Archiver Archiver
	Snapshot func() *ledger.Snapshot
	Locker   Locker
	Metrics  *metrics.Metrics
}

// ──────────────────────────────────────────────────────────────────────────────
// Scheduler
// ──────────────────────────────────────────────────────────────────────────────

// Scheduler runs the background loops. Call Run(ctx) once from main(); cancel
// the context to shut it down gracefully.
type Scheduler struct {
	deps   Deps
	cfg    *config.Config
	logger *slog.Logger
}

// NewScheduler creates a Scheduler.
func NewScheduler(deps Deps, cfg *config.Config, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{deps: deps, cfg: cfg, logger: logger.With("component", "scheduler")}
}

// Run starts the enabled loops and blocks until ctx is cancelled and every
// loop has returned.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.every(ctx, "settlement", s.cfg.Scheduler.SettleInterval, s.settle)
		return nil
	})
	if s.cfg.Catalog.RefreshInterval > 0 {
		g.Go(func() error {
			s.every(ctx, "catalog", s.cfg.Catalog.RefreshInterval, s.syncCatalog)
			return nil
		})
	}
	if s.deps.Hub != nil {
		g.Go(func() error {
			s.every(ctx, "broadcast", s.cfg.Scheduler.BroadcastInterval, s.broadcast)
			return nil
		})
	}
	if s.deps.Archiver != nil && s.deps.Snapshot != nil && s.cfg.Scheduler.ArchiveInterval > 0 {
		g.Go(func() error {
			s.every(ctx, "archive", s.cfg.Scheduler.ArchiveInterval, s.archive)
			// final snapshot on the way out
			actx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			s.runTick("archive", func() { s.archive(actx) })
			return nil
		})
	}

	s.logger.Info("scheduler started",
		"settle_interval", s.cfg.Scheduler.SettleInterval,
		"catalog_interval", s.cfg.Catalog.RefreshInterval,
		"broadcast", s.deps.Hub != nil,
		"archive", s.deps.Archiver != nil)
	return g.Wait()
}

// every calls fn on each tick of interval until ctx is done. A panic in one
// tick is logged and the loop carries on.
func (s *Scheduler) every(ctx context.Context, loop string, interval time.Duration, fn func(context.Context)) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("loop shutting down", "loop", loop)
			return
		case <-ticker.C:
			s.runTick(loop, func() { fn(ctx) })
		}
	}
}

func (s *Scheduler) runTick(loop string, fn func()) {
	defer s.recoverAndLog(loop)
	fn()
}

// ──────────────────────────────────────────────────────────────────────────────
// settlementLoop
// ──────────────────────────────────────────────────────────────────────────────

// settle resolves due markets. With a Locker only the instance holding the
// settlement lock does so on a given tick.
func (s *Scheduler) settle(ctx context.Context) {
	if s.deps.Locker != nil {
		release, err := s.deps.Locker.Acquire(ctx, s.cfg.Redis.LockKey, s.cfg.Redis.LockTTL)
		if err != nil {
			if !errors.Is(err, rediscache.ErrLockHeld) {
				s.logger.Warn("settlement lock unavailable", "err", err)
			}
			return
		}
		defer release()
	}

	n, err := s.deps.Settler.SettleDue(ctx)
	if s.deps.Metrics != nil {
		s.deps.Metrics.Settlements.WithLabelValues("ok").Add(float64(n))
		if err != nil {
			s.deps.Metrics.Settlements.WithLabelValues("error").Inc()
		}
	}
	if err != nil {
		s.logger.Error("settlementLoop: SettleDue", "settled", n, "err", err)
		return
	}
	if n > 0 {
		s.logger.Info("markets settled", "count", n)
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// catalogLoop
// ──────────────────────────────────────────────────────────────────────────────

func (s *Scheduler) syncCatalog(ctx context.Context) {
	n, err := s.deps.Markets.SyncCatalog(ctx)
	if err != nil {
		s.logger.Error("catalogLoop: SyncCatalog", "added", n, "err", err)
		return
	}
	if n > 0 {
		s.logger.Info("catalog synced", "added", n)
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// broadcastLoop
// ──────────────────────────────────────────────────────────────────────────────

// broadcast sends every market summary with the cached price of each asset.
// It never fetches: assets with no cached price are left out.
func (s *Scheduler) broadcast(context.Context) {
	prices := make(map[domain.Asset]decimal.Decimal)
	if s.deps.Prices != nil {
		for _, a := range domain.Assets() {
			if p, ok := s.deps.Prices.GetCachedPrice(a.Symbol); ok {
				prices[a.Symbol] = p
			}
		}
	}
	s.deps.Hub.BroadcastMarkets(s.deps.Markets.Summaries(), prices)
}

// ──────────────────────────────────────────────────────────────────────────────
// archiveLoop
// ──────────────────────────────────────────────────────────────────────────────

func (s *Scheduler) archive(ctx context.Context) {
	snap := s.deps.Snapshot()
	key, err := s.deps.Archiver.Upload(ctx, snap)
	if err != nil {
		s.logger.Error("archiveLoop: Upload", "seq", snap.Seq, "err", err)
		return
	}
	s.logger.Info("snapshot archived", "seq", snap.Seq, "key", key)
}

// ──────────────────────────────────────────────────────────────────────────────
// Panic recovery
// ──────────────────────────────────────────────────────────────────────────────

// recoverAndLog is deferred around each tick to catch unexpected panics and
// log them so the loop keeps running.
func (s *Scheduler) recoverAndLog(loop string) {
	if r := recover(); r != nil {
		s.logger.Error("PANIC recovered in scheduler loop",
			"loop", loop, "panic", r)
	}
}
