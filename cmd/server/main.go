// Package main is the entry point for the yesno ledger server. It restores the
// ledger, wires its sinks, and serves the participant API, the back-office API
// and the WebSocket hub alongside the background scheduler.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/evetabi/yesno/internal/api"
	"github.com/evetabi/yesno/internal/api/middleware"
	"github.com/evetabi/yesno/internal/archive"
	"github.com/evetabi/yesno/internal/backoffice"
	rediscache "github.com/evetabi/yesno/internal/cache/redis"
	"github.com/evetabi/yesno/internal/catalog"
	"github.com/evetabi/yesno/internal/config"
	"github.com/evetabi/yesno/internal/domain"
	"github.com/evetabi/yesno/internal/ledger"
	"github.com/evetabi/yesno/internal/metrics"
	"github.com/evetabi/yesno/internal/notify"
	"github.com/evetabi/yesno/internal/repository"
	"github.com/evetabi/yesno/internal/scheduler"
	"github.com/evetabi/yesno/internal/service"
	"github.com/evetabi/yesno/internal/sink"
	"github.com/evetabi/yesno/internal/stream"
	"github.com/evetabi/yesno/internal/ws"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", "err", err)
		os.Exit(1)
	}
}

func run() error {
	// ── 1. Config + logger ────────────────────────────────────────────────────
	cfg := config.MustLoad()

	var logHandler slog.Handler
	if cfg.IsProd() {
		logHandler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	} else {
		logHandler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})
	}
	logger := slog.New(logHandler)
	slog.SetDefault(logger)

	logger.Info("starting yesno server",
		"env", cfg.Server.Env, "port", cfg.Server.Port, "backoffice_port", cfg.Server.BackofficePort,
		"two_phase_commit", cfg.Ledger.TwoPhaseCommit)

	// ── 2. Root context + signal handling ─────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fees, err := domain.NewFeePolicy(cfg.Ledger.SettlementFeeRate, cfg.Ledger.EarlyExitFeeRate)
	if err != nil {
		return fmt.Errorf("fee policy: %w", err)
	}
	reserve, err := decimal.NewFromString(cfg.Ledger.SolvencyReserve)
	if err != nil {
		return fmt.Errorf("LEDGER_SOLVENCY_RESERVE: %w", err)
	}
	defaultBalance, err := decimal.NewFromString(cfg.Ledger.DefaultBalance)
	if err != nil {
		return fmt.Errorf("LEDGER_DEFAULT_BALANCE: %w", err)
	}

	m := metrics.New()
	hub := ws.NewHub([]byte(cfg.JWT.AccessSecret), cfg.Server.Origins(), fees, logger)

	// ── 3. Backends ───────────────────────────────────────────────────────────
	var store *repository.Store
	if cfg.DB.Enabled {
		db, err := repository.Open(ctx, cfg.DB)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := repository.Migrate(ctx, db); err != nil {
			return err
		}
		store = repository.NewStore(db)
		logger.Info("database connected")
	}

	var publisher *stream.Publisher
	if cfg.NATS.Enabled {
		if publisher, err = stream.Connect(ctx, cfg.NATS, logger); err != nil {
			return err
		}
		defer publisher.Close()
	}

	var rc *rediscache.Client
	if cfg.Redis.Enabled {
		if rc, err = rediscache.New(ctx, cfg.Redis); err != nil {
			return err
		}
		defer rc.Close()
		logger.Info("redis connected", "addr", cfg.Redis.Addr)
	}

	var archiver *archive.Archiver
	if cfg.S3.Enabled {
		if archiver, err = archive.New(ctx, cfg.S3, logger); err != nil {
			return err
		}
	}

	var telegram *notify.Telegram
	if cfg.Telegram.Enabled {
		if telegram, err = notify.NewTelegram(cfg.Telegram.BotToken, cfg.Telegram.ChatID); err != nil {
			return err
		}
	}

	// ── 4. Sinks ──────────────────────────────────────────────────────────────
	var workers []*sink.Worker
	async := func(name string, next ledger.Sink) ledger.Sink {
		w := sink.NewWorker(name, next, sink.WorkerOptions{
			QueueSize:  cfg.Sink.QueueSize,
			MaxRetries: cfg.Sink.MaxRetries,
			RetryBase:  cfg.Sink.RetryBase,
			RetryMax:   cfg.Sink.RetryMax,
			Observer:   m,
			Logger:     logger,
		})
		m.QueueDepth(name, w.Pending)
		workers = append(workers, w)
		return w
	}

	followers := sink.Fanout{m, async("ws", hub)}
	if publisher != nil {
		followers = append(followers, async("nats", publisher))
	}
	if rc != nil {
		followers = append(followers, async("redis", rediscache.NewBus(rc, cfg.Redis.Channel)))
	}
	if telegram != nil {
		followers = append(followers, async("telegram", sink.Filter(telegram, ledger.OpMarketResolved)))
	}

	var ledgerSink ledger.Sink = followers
	switch {
	case store != nil && cfg.Ledger.TwoPhaseCommit:
		ledgerSink = sink.Primary(store, followers, logger)
	case store != nil:
		ledgerSink = append(followers, async("postgres", store))
	}

	// ── 5. Ledger (restore, then catalog) ─────────────────────────────────────
	build := func() (*ledger.Ledger, error) {
		return ledger.New(nil, ledger.Options{
			Fees:             &fees,
			Sink:             ledgerSink,
			TwoPhaseCommit:   cfg.Ledger.TwoPhaseCommit && store != nil,
			CommitTimeout:    cfg.Ledger.CommitTimeout,
			StrictSettlement: cfg.Ledger.StrictSettlement,
			SolvencyReserve:  reserve,
			Logger:           logger,
		})
	}
	l, restoredFrom, err := ledger.RestoreFirst(ctx, build, snapshotSources(store, archiver), logger)
	if err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	if restoredFrom != "" {
		snap := l.Snapshot()
		logger.Info("ledger restored", "source", restoredFrom, "seq", snap.Seq, "markets", len(snap.Markets), "accounts", len(snap.Accounts))
	}

	// ── 6. Services ───────────────────────────────────────────────────────────
	var source catalog.Source
	var balances service.BalanceSource = service.FixedBalance(defaultBalance)
	switch {
	case cfg.Catalog.Source == "postgres" && store != nil:
		source = store.Definitions
	default:
		source = fileCatalog(cfg.Catalog.Path, logger)
	}
	if store != nil {
		balances = store.Wallets
	}

	priceSvc := service.NewPriceService(cfg, logger)
	marketSvc := service.NewMarketService(l, source, logger)
	positionSvc := service.NewPositionService(l, logger)
	walletSvc := service.NewWalletService(l)
	settlementSvc := service.NewSettlementService(l, priceSvc, logger)
	authSvc := service.NewAuthService(l, balances, cfg, logger)
	if store != nil {
		marketSvc.SetDefinitionStore(store.Definitions)
		walletSvc.SetEntryStore(store.Wallets)
		authSvc.SetParticipantStore(store.Participants)
	}

	// ── 7. Background work ────────────────────────────────────────────────────
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	for _, w := range workers {
		go func() { _ = w.Run(workerCtx) }()
	}

	if n, err := marketSvc.SyncCatalog(ctx); err != nil {
		logger.Error("initial catalog sync", "added", n, "err", err)
	} else {
		logger.Info("catalog loaded", "added", n, "markets", len(l.Markets()))
	}

	deps := scheduler.Deps{
		Settler: settlementSvc,
		Markets: marketSvc,
		Prices:  priceSvc,
		Hub:     hub,
		Metrics: m,
	}
	if archiver != nil {
		deps.Archiver, deps.Snapshot = archiver, l.Snapshot
	}
	var limiter middleware.Limiter
	if rc != nil {
		deps.Locker = rediscache.NewLockManager(rc)
		limiter = rediscache.NewRateLimiter(rc, 30, time.Second)
	}
	sched := scheduler.NewScheduler(deps, cfg, logger)

	// ── 8. HTTP servers ───────────────────────────────────────────────────────
	apiSrv := &http.Server{
		Addr: ":" + cfg.Server.Port,
		Handler: api.SetupRouter(api.RouterDeps{
			AuthSvc:     authSvc,
			MarketSvc:   marketSvc,
			PositionSvc: positionSvc,
			WalletSvc:   walletSvc,
			Hub:         hub,
			Metrics:     m,
			Limiter:     limiter,
			Cfg:         cfg,
		}),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	boDeps := backoffice.BackofficeDeps{
		AuthSvc:       authSvc,
		MarketSvc:     marketSvc,
		SettlementSvc: settlementSvc,
		PositionSvc:   positionSvc,
		WalletSvc:     walletSvc,
		Ledger:        l,
		Prices:        priceSvc,
		Hub:           hub,
		SinkQueue: func() map[string]int {
			out := make(map[string]int, len(workers))
			for _, w := range workers {
				out[w.Name()] = w.Pending()
			}
			return out
		},
		Metrics: m,
		Cfg:     cfg,
	}
	if store != nil {
		boDeps.Participants = store.Participants
		boDeps.Grants = store.Wallets
		boDeps.Definitions = store.Definitions
	}
	boSrv := &http.Server{
		Addr:         ":" + cfg.Server.BackofficePort,
		Handler:      backoffice.SetupBackofficeRouter(boDeps),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// ── 9. Run until signalled ────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error { return sched.Run(gctx) })
	for _, srv := range []*http.Server{apiSrv, boSrv} {
		g.Go(func() error {
			logger.Info("http server listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http %s: %w", srv.Addr, err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error("http shutdown error", "addr", srv.Addr, "err", err)
			}
			return nil
		})
	}

	runErr := g.Wait()
	logger.Info("shutdown: draining sinks", "workers", len(workers))

	// ── 10. Drain sinks last so no accepted delta is lost ─────────────────────
	stopWorkers()
	for _, w := range workers {
		<-w.Done()
	}
	logger.Info("server stopped cleanly")
	return runErr
}

// snapshotSources lists where ledger state is restored from: the database
// first, then the newest archived snapshot.
func snapshotSources(store *repository.Store, archiver *archive.Archiver) []ledger.SnapshotSource {
	var sources []ledger.SnapshotSource
	if store != nil {
		sources = append(sources, ledger.SnapshotSource{Name: "postgres", Load: func(ctx context.Context) (*ledger.Snapshot, error) {
			snap, err := store.LoadSnapshot(ctx)
			if err != nil || snap.Seq == 0 {
				return nil, err
			}
			return snap, nil
		}})
	}
	if archiver != nil {
		sources = append(sources, ledger.SnapshotSource{Name: "s3", Load: func(ctx context.Context) (*ledger.Snapshot, error) {
			snap, err := archiver.Latest(ctx)
			if errors.Is(err, archive.ErrNoSnapshot) {
				return nil, nil
			}
			return snap, err
		}})
	}
	return sources
}

// fileCatalog reads the TOML catalog at path, or the demo catalog when the
// file does not exist.
func fileCatalog(path string, logger *slog.Logger) catalog.Source {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		logger.Warn("catalog file not found, using demo markets", "path", path)
		return catalog.Demo(time.Now())
	}
	return catalog.File{Path: path}
}
