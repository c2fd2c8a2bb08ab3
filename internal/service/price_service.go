package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/evetabi/yesno/internal/config"
	"github.com/evetabi/yesno/internal/domain"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// ──────────────────────────────────────────────────────────────────────────────
// Exchange weight constants
// ──────────────────────────────────────────────────────────────────────────────

const (
	exchangeBinance = "binance"
	exchangeBybit   = "bybit"
	exchangeOKX     = "okx"
)

// exchangeDef describes a single price-feed source.
type exchangeDef struct {
	name   string
	weight decimal.Decimal // 0–100
	fetch  func(ctx context.Context, asset domain.Asset) (decimal.Decimal, error)
}

// priceEntry is one asset's cached weighted price.
type priceEntry struct {
	price   decimal.Decimal
	at      time.Time
	sources []domain.PriceSource
}

// ──────────────────────────────────────────────────────────────────────────────
// PriceService
// ──────────────────────────────────────────────────────────────────────────────

// PriceService fetches USDT spot prices for every catalog asset from multiple
// exchanges in parallel, computes a weighted average, and caches it per asset.
type PriceService struct {
	client *http.Client
	cfg    *config.PriceConfig
	log    *slog.Logger

	mu    sync.RWMutex
	cache map[domain.Asset]priceEntry

	// per-exchange last-success timestamp (for ExchangeStatus)
	statusMu    sync.RWMutex
	lastSuccess map[string]time.Time
	exchanges   []exchangeDef
}

// NewPriceService constructs a PriceService from the given config.
func NewPriceService(cfg *config.Config, logger *slog.Logger) *PriceService {
	if logger == nil {
		logger = slog.Default()
	}
	ps := &PriceService{
		client: &http.Client{Timeout: cfg.Price.FetchTimeout},
		cfg:    &cfg.Price,
		log:    logger.With("component", "price_service"),
		cache:  make(map[domain.Asset]priceEntry),
		lastSuccess: map[string]time.Time{
			exchangeBinance: {},
			exchangeBybit:   {},
			exchangeOKX:     {},
		},
	}

	ps.exchanges = []exchangeDef{
		{name: exchangeBinance, weight: decimal.NewFromInt(int64(cfg.Price.BinanceWeight)), fetch: ps.fetchBinance},
		{name: exchangeBybit, weight: decimal.NewFromInt(int64(cfg.Price.BybitWeight)), fetch: ps.fetchBybit},
		{name: exchangeOKX, weight: decimal.NewFromInt(int64(cfg.Price.OKXWeight)), fetch: ps.fetchOKX},
	}
	return ps
}

// ──────────────────────────────────────────────────────────────────────────────
// Public API
// ──────────────────────────────────────────────────────────────────────────────

// GetWeightedPrice returns the current asset/USDT price as a weighted average
// of all configured exchanges. A cached value younger than CacheTTL is returned
// immediately.
//
// Partial failures re-normalise the weights over the sources that answered; at
// least one must succeed.
func (ps *PriceService) GetWeightedPrice(ctx context.Context, asset domain.Asset) (decimal.Decimal, []domain.PriceSource, error) {
	if !asset.IsValid() {
		return decimal.Zero, nil, fmt.Errorf("price_service: %w: %q", domain.ErrUnknownAsset, asset)
	}

	// ── Cache check ──────────────────────────────────────────────────────────
	if e, ok := ps.cached(asset); ok {
		return e.price, e.sources, nil
	}

	// ── Parallel fetch with per-exchange timeout ──────────────────────────────
	fetchCtx, cancel := context.WithTimeout(ctx, ps.client.Timeout)
	defer cancel()

	prices := make([]decimal.Decimal, len(ps.exchanges))
	errs := make([]error, len(ps.exchanges))
	var g errgroup.Group
	for i, ex := range ps.exchanges {
		g.Go(func() error {
			p, err := ex.fetch(fetchCtx, asset)
			if err != nil {
				errs[i] = err
				return err
			}
			prices[i] = p
			return nil
		})
	}
	// A failed exchange only drops out of the average.
	if err := g.Wait(); err != nil {
		for i, ex := range ps.exchanges {
			if errs[i] != nil {
				ps.log.Warn("price fetch failed", "exchange", ex.name, "asset", asset, "err", errs[i])
			}
		}
	}

	// ── Build sources list & compute weighted average ─────────────────────────
	var sources []domain.PriceSource
	now := time.Now()
	for i, ex := range ps.exchanges {
		if prices[i].IsZero() {
			continue
		}
		sources = append(sources, domain.PriceSource{
			Exchange:  ex.name,
			Price:     prices[i],
			Weight:    ex.weight,
			FetchedAt: now,
		})
		ps.statusMu.Lock()
		ps.lastSuccess[ex.name] = now
		ps.statusMu.Unlock()
	}

	weighted := domain.WeightedPrice(sources)
	if weighted.IsZero() {
		return decimal.Zero, nil, fmt.Errorf("price_service: all exchange fetches failed for %s: %w", asset, errors.Join(errs...))
	}

	// ── Update cache ─────────────────────────────────────────────────────────
	ps.mu.Lock()
	ps.cache[asset] = priceEntry{price: weighted, at: now, sources: sources}
	ps.mu.Unlock()

	return weighted, sources, nil
}

// GetCachedPrice returns the most recently cached price for asset and true if
// the cache is still within its TTL.
func (ps *PriceService) GetCachedPrice(asset domain.Asset) (decimal.Decimal, bool) {
	e, ok := ps.cached(asset)
	return e.price, ok
}

// ExchangeStatus returns a map of exchange name → whether it was reachable in
// the last 5 seconds.  Used by the back-office health dashboard.
func (ps *PriceService) ExchangeStatus() map[string]bool {
	threshold := 5 * time.Second
	ps.statusMu.RLock()
	defer ps.statusMu.RUnlock()

	status := make(map[string]bool, len(ps.lastSuccess))
	for name, t := range ps.lastSuccess {
		status[name] = !t.IsZero() && time.Since(t) < threshold
	}
	return status
}

func (ps *PriceService) cached(asset domain.Asset) (priceEntry, bool) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	e, ok := ps.cache[asset]
	if !ok || time.Since(e.at) >= ps.cfg.CacheTTL {
		return priceEntry{}, false
	}
	return e, true
}

// ──────────────────────────────────────────────────────────────────────────────
// Exchange fetchers
// ──────────────────────────────────────────────────────────────────────────────

// spotSymbol is the concatenated USDT pair ("BTCUSDT") used by Binance and Bybit.
func spotSymbol(asset domain.Asset) string { return string(asset) + "USDT" }

// instrumentID is the dashed USDT pair ("BTC-USDT") used by OKX.
func instrumentID(asset domain.Asset) string { return string(asset) + "-USDT" }

// fetchBinance fetches the spot price from Binance REST API.
//
//	GET /api/v3/ticker/price?symbol=BTCUSDT
//	{"symbol":"BTCUSDT","price":"87350.00"}
func (ps *PriceService) fetchBinance(ctx context.Context, asset domain.Asset) (decimal.Decimal, error) {
	url := ps.cfg.BinanceURL + "/api/v3/ticker/price?symbol=" + spotSymbol(asset)
	var resp struct {
		Price string `json:"price"`
	}
	if err := ps.getJSON(ctx, url, &resp); err != nil {
		return decimal.Zero, fmt.Errorf("binance: %w", err)
	}
	return parsePrice(exchangeBinance, resp.Price)
}

// fetchBybit fetches the spot price from Bybit REST API.
//
//	GET /v5/market/tickers?category=spot&symbol=BTCUSDT
//	{"result":{"list":[{"lastPrice":"87350.00",...}]}}
func (ps *PriceService) fetchBybit(ctx context.Context, asset domain.Asset) (decimal.Decimal, error) {
	url := ps.cfg.BybitURL + "/v5/market/tickers?category=spot&symbol=" + spotSymbol(asset)
	var resp struct {
		Result struct {
			List []struct {
				LastPrice string `json:"lastPrice"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := ps.getJSON(ctx, url, &resp); err != nil {
		return decimal.Zero, fmt.Errorf("bybit: %w", err)
	}
	if len(resp.Result.List) == 0 {
		return decimal.Zero, fmt.Errorf("bybit: empty result list")
	}
	return parsePrice(exchangeBybit, resp.Result.List[0].LastPrice)
}

// fetchOKX fetches the spot price from OKX REST API.
//
//	GET /api/v5/market/ticker?instId=BTC-USDT
//	{"data":[{"last":"87350.00",...}]}
func (ps *PriceService) fetchOKX(ctx context.Context, asset domain.Asset) (decimal.Decimal, error) {
	url := ps.cfg.OKXURL + "/api/v5/market/ticker?instId=" + instrumentID(asset)
	var resp struct {
		Data []struct {
			Last string `json:"last"`
		} `json:"data"`
	}
	if err := ps.getJSON(ctx, url, &resp); err != nil {
		return decimal.Zero, fmt.Errorf("okx: %w", err)
	}
	if len(resp.Data) == 0 {
		return decimal.Zero, fmt.Errorf("okx: empty data field")
	}
	return parsePrice(exchangeOKX, resp.Data[0].Last)
}

func parsePrice(exchange, raw string) (decimal.Decimal, error) {
	if strings.TrimSpace(raw) == "" {
		return decimal.Zero, fmt.Errorf("%s: empty price field", exchange)
	}
	price, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s decimal: %w", exchange, err)
	}
	return price, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// HTTP helper
// ──────────────────────────────────────────────────────────────────────────────

// getJSON performs an HTTP GET with the service's client and decodes the body
// into out. Any non-200 status code is an error.
func (ps *PriceService) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", "evetabi-yesno/1.0")

	resp, err := ps.client.Do(req)
	if err != nil {
		return fmt.Errorf("http get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	return nil
}
