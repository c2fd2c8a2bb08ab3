package service_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/evetabi/yesno/internal/config"
	"github.com/evetabi/yesno/internal/domain"
	"github.com/evetabi/yesno/internal/service"
	"github.com/shopspring/decimal"
)

// ── Fake exchanges ────────────────────────────────────────────────────────────

// exchanges runs one httptest server per price source. An empty price makes
// that source answer 503.
type exchanges struct {
	binance, bybit, okx *httptest.Server

	mu      sync.Mutex
	symbols map[string]string
}

func startExchanges(t *testing.T, binance, bybit, okx string) *exchanges {
	t.Helper()
	e := &exchanges{symbols: map[string]string{}}
	e.binance = httptest.NewServer(e.handler("binance", "symbol", binance, func(p string) any {
		return map[string]string{"price": p}
	}))
	e.bybit = httptest.NewServer(e.handler("bybit", "symbol", bybit, func(p string) any {
		return map[string]any{"result": map[string]any{"list": []map[string]string{{"lastPrice": p}}}}
	}))
	e.okx = httptest.NewServer(e.handler("okx", "instId", okx, func(p string) any {
		return map[string]any{"data": []map[string]string{{"last": p}}}
	}))
	t.Cleanup(func() {
		e.binance.Close()
		e.bybit.Close()
		e.okx.Close()
	})
	return e
}

func (e *exchanges) handler(name, param, price string, body func(string) any) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		e.mu.Lock()
		e.symbols[name] = r.URL.Query().Get(param)
		e.mu.Unlock()
		if price == "" {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(body(price))
	})
}

func (e *exchanges) service(cacheTTL time.Duration) *service.PriceService {
	return e.serviceWithLog(cacheTTL, nil)
}

func (e *exchanges) serviceWithLog(cacheTTL time.Duration, logger *slog.Logger) *service.PriceService {
	return service.NewPriceService(&config.Config{
		Price: config.PriceConfig{
			BinanceURL:    e.binance.URL,
			BybitURL:      e.bybit.URL,
			OKXURL:        e.okx.URL,
			FetchTimeout:  3 * time.Second,
			CacheTTL:      cacheTTL,
			BinanceWeight: 50,
			BybitWeight:   30,
			OKXWeight:     20,
		},
	}, logger)
}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestPriceService_WeightedPrice(t *testing.T) {
	cases := []struct {
		name                string
		binance, bybit, okx string
		want                string
		sources             int
	}{
		// 90000×50 + 91000×30 + 92000×20 = 9070000 / 100
		{"all sources", "90000", "91000", "92000", "90700", 3},
		// 91000×30 + 92000×20 = 4570000 / 50
		{"binance down", "", "91000", "92000", "91400", 2},
		{"only okx", "", "", "50000", "50000", 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := startExchanges(t, tc.binance, tc.bybit, tc.okx).service(0)
			price, sources, err := svc.GetWeightedPrice(context.Background(), domain.AssetBTC)
			if err != nil {
				t.Fatalf("GetWeightedPrice: %v", err)
			}
			if !price.Equal(decimal.RequireFromString(tc.want)) {
				t.Errorf("price = %s, want %s", price, tc.want)
			}
			if len(sources) != tc.sources {
				t.Errorf("sources = %d, want %d", len(sources), tc.sources)
			}
		})
	}
}

func TestPriceService_AllSourcesDown(t *testing.T) {
	svc := startExchanges(t, "", "", "").service(0)
	_, _, err := svc.GetWeightedPrice(context.Background(), domain.AssetBTC)
	if err == nil {
		t.Fatal("GetWeightedPrice succeeded with every source down")
	}
	if !strings.Contains(err.Error(), "unexpected status 503") {
		t.Errorf("err = %v, want the exchange failures attached", err)
	}
}

func TestPriceService_LogsFailedExchange(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	svc := startExchanges(t, "", "91000", "92000").serviceWithLog(0, logger)

	if _, _, err := svc.GetWeightedPrice(context.Background(), domain.AssetBTC); err != nil {
		t.Fatalf("GetWeightedPrice: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "price fetch failed") || !strings.Contains(out, "exchange=binance") {
		t.Errorf("log = %q, want a warning naming binance", out)
	}
	if strings.Contains(out, "exchange=bybit") || strings.Contains(out, "exchange=okx") {
		t.Errorf("log = %q, healthy exchanges were reported", out)
	}
}

func TestPriceService_Cache(t *testing.T) {
	ex := startExchanges(t, "87000", "87000", "87000")

	warm := ex.service(time.Minute)
	if _, _, err := warm.GetWeightedPrice(context.Background(), domain.AssetBTC); err != nil {
		t.Fatalf("GetWeightedPrice: %v", err)
	}
	if p, ok := warm.GetCachedPrice(domain.AssetBTC); !ok || !p.Equal(decimal.NewFromInt(87000)) {
		t.Errorf("cached price = %s, %v; want 87000, true", p, ok)
	}
	if _, ok := warm.GetCachedPrice(domain.AssetETH); ok {
		t.Error("ETH cached after a BTC fetch")
	}

	stale := ex.service(0)
	if _, _, err := stale.GetWeightedPrice(context.Background(), domain.AssetBTC); err != nil {
		t.Fatalf("GetWeightedPrice: %v", err)
	}
	if _, ok := stale.GetCachedPrice(domain.AssetBTC); ok {
		t.Error("cache hit with a zero TTL")
	}
}

func TestPriceService_PerAssetSymbols(t *testing.T) {
	ex := startExchanges(t, "0.25", "0.25", "0.25")
	price, _, err := ex.service(time.Minute).GetWeightedPrice(context.Background(), domain.AssetDOGE)
	if err != nil {
		t.Fatalf("GetWeightedPrice: %v", err)
	}
	if !price.Equal(decimal.RequireFromString("0.25")) {
		t.Errorf("DOGE price = %s, want 0.25", price)
	}
	want := map[string]string{"binance": "DOGEUSDT", "bybit": "DOGEUSDT", "okx": "DOGE-USDT"}
	for name, sym := range want {
		if ex.symbols[name] != sym {
			t.Errorf("%s symbol = %q, want %q", name, ex.symbols[name], sym)
		}
	}
}

func TestPriceService_UnknownAsset(t *testing.T) {
	svc := startExchanges(t, "1", "1", "1").service(0)
	if _, _, err := svc.GetWeightedPrice(context.Background(), domain.Asset("XRP")); !errors.Is(err, domain.ErrUnknownAsset) {
		t.Errorf("err = %v, want ErrUnknownAsset", err)
	}
}
