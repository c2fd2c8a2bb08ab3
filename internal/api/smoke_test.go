// Package api_test runs HTTP-level smoke tests using net/http/httptest.
// These tests do NOT require a PostgreSQL database. They verify:
//   - Gin router routing and middleware wiring
//   - Request validation error responses (400)
//   - JWT auth middleware (401 without token, 401 with bad token)
//   - Response format consistency (success/error envelope)
//   - CORS preflight handling
//   - A connect, stake, close round trip against an in-memory ledger
package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/evetabi/yesno/internal/api"
	"github.com/evetabi/yesno/internal/catalog"
	"github.com/evetabi/yesno/internal/config"
	"github.com/evetabi/yesno/internal/ledger"
	"github.com/evetabi/yesno/internal/metrics"
	"github.com/evetabi/yesno/internal/service"
	"github.com/shopspring/decimal"
)

const wallet = "7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU"

// ── Test helpers ──────────────────────────────────────────────────────────────

func testCfg() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Env:  "development",
			Port: "8080",
		},
		JWT: config.JWTConfig{
			AccessSecret: "test-access-secret-abcdefghijklmnop",
			AccessTTL:    15 * time.Minute,
			RefreshTTL:   30 * 24 * time.Hour,
		},
	}
}

type testEnv struct {
	h        http.Handler
	ledger   *ledger.Ledger
	marketID string
}

// buildTestRouter wires the router to real services over an in-memory ledger
// seeded with the demo catalog.
func buildTestRouter(t *testing.T) testEnv {
	t.Helper()
	cfg := testCfg()
	defs := catalog.Demo(time.Now())
	l, err := ledger.New(defs, ledger.Options{})
	if err != nil {
		t.Fatalf("ledger.New: %v", err)
	}

	r := api.SetupRouter(api.RouterDeps{
		AuthSvc:     service.NewAuthService(l, service.FixedBalance(decimal.RequireFromString("10.5")), cfg, nil),
		MarketSvc:   service.NewMarketService(l, defs, nil),
		PositionSvc: service.NewPositionService(l, nil),
		WalletSvc:   service.NewWalletService(l),
		Metrics:     metrics.New(),
		Cfg:         cfg,
	})
	return testEnv{h: r, ledger: l, marketID: defs[0].StableID().String()}
}

func do(t *testing.T, h http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.NewDecoder(rr.Body).Decode(&m); err != nil {
		t.Fatalf("response is not valid JSON: %v, body: %s", err, rr.Body.String())
	}
	return m
}

// connect returns an Authorization header for a freshly connected wallet.
func connect(t *testing.T, h http.Handler) map[string]string {
	t.Helper()
	rr := do(t, h, http.MethodPost, "/api/auth/connect", `{"address":"`+wallet+`"}`, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("POST /api/auth/connect = %d, body: %s", rr.Code, rr.Body.String())
	}
	data := decodeBody(t, rr)["data"].(map[string]any)
	return map[string]string{"Authorization": "Bearer " + data["access_token"].(string)}
}

// ── /health ───────────────────────────────────────────────────────────────────

func TestHealthEndpoint(t *testing.T) {
	env := buildTestRouter(t)
	rr := do(t, env.h, http.MethodGet, "/health", "", nil)
	if rr.Code != http.StatusOK {
		t.Errorf("GET /health = %d, want 200", rr.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := buildTestRouter(t)
	do(t, env.h, http.MethodGet, "/health", "", nil)
	rr := do(t, env.h, http.MethodGet, "/metrics", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("GET /metrics = %d, want 200", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "yesno_http_requests_total") {
		t.Error("/metrics does not expose the request counter")
	}
}

// ── Auth endpoints, validation layer ──────────────────────────────────────────

func TestConnect_MissingFields(t *testing.T) {
	env := buildTestRouter(t)
	rr := do(t, env.h, http.MethodPost, "/api/auth/connect", `{}`, nil)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("POST /api/auth/connect empty body = %d, want 400", rr.Code)
	}
	body := decodeBody(t, rr)
	if body["success"] != false {
		t.Errorf("response.success should be false on error, got %v", body["success"])
	}
	if body["code"] == nil {
		t.Errorf("error envelope missing 'code', got: %v", body)
	}
}

func TestConnect_InvalidAddress(t *testing.T) {
	env := buildTestRouter(t)
	rr := do(t, env.h, http.MethodPost, "/api/auth/connect", `{"address":"0xnot-base58"}`, nil)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("connect with invalid address = %d, want 400", rr.Code)
	}
	if code := decodeBody(t, rr)["code"]; code != "ERR_INVALID_ADDRESS" {
		t.Errorf("code = %v, want ERR_INVALID_ADDRESS", code)
	}
}

func TestRefresh_MissingFields(t *testing.T) {
	env := buildTestRouter(t)
	rr := do(t, env.h, http.MethodPost, "/api/auth/refresh", `{}`, nil)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("POST /api/auth/refresh empty = %d, want 400", rr.Code)
	}
}

// ── JWT auth middleware (no token → 401) ──────────────────────────────────────

func TestProtectedRoutes_NoToken_Return401(t *testing.T) {
	env := buildTestRouter(t)
	routes := []struct{ method, path, body string }{
		{http.MethodGet, "/api/me", ""},
		{http.MethodGet, "/api/positions/my", ""},
		{http.MethodPost, "/api/positions", `{"market_id":"11111111-1111-1111-1111-111111111111","side":"YES","amount":"1"}`},
		{http.MethodGet, "/api/wallet/balance", ""},
		{http.MethodGet, "/api/wallet/entries", ""},
	}
	for _, rt := range routes {
		rr := do(t, env.h, rt.method, rt.path, rt.body, nil)
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("%s %s without token = %d, want 401", rt.method, rt.path, rr.Code)
		}
	}
}

// ── JWT auth middleware (invalid token → 401) ─────────────────────────────────

func TestMe_InvalidToken_Returns401(t *testing.T) {
	env := buildTestRouter(t)
	rr := do(t, env.h, http.MethodGet, "/api/me", "", map[string]string{
		"Authorization": "Bearer not.a.valid.jwt",
	})
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("GET /api/me with bad JWT = %d, want 401", rr.Code)
	}
}

func TestTakeSide_InvalidToken_Returns401(t *testing.T) {
	env := buildTestRouter(t)
	payload := `{"market_id":"` + env.marketID + `","side":"YES","amount":"1"}`
	// A well-formed JWT header+payload but wrong secret: ParseAccessToken rejects it
	fakeJWT := "eyJhbGciOiJIUzI1NiIsInR5cCI6IkpXVCJ9" +
		".eyJzdWIiOiIxMjM0NTY3ODkwIiwicm9sZSI6InBhcnRpY2lwYW50IiwidHlwZSI6ImFjY2VzcyJ9" +
		".BADSIG"
	rr := do(t, env.h, http.MethodPost, "/api/positions", payload, map[string]string{
		"Authorization": "Bearer " + fakeJWT,
	})
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("POST /api/positions with invalid JWT = %d, want 401", rr.Code)
	}
}

func TestRefreshToken_RejectedAsAccess(t *testing.T) {
	env := buildTestRouter(t)
	rr := do(t, env.h, http.MethodPost, "/api/auth/connect", `{"address":"`+wallet+`"}`, nil)
	data := decodeBody(t, rr)["data"].(map[string]any)
	rr = do(t, env.h, http.MethodGet, "/api/me", "", map[string]string{
		"Authorization": "Bearer " + data["refresh_token"].(string),
	})
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("GET /api/me with refresh token = %d, want 401", rr.Code)
	}
}

// ── Markets public endpoints ───────────────────────────────────────────────────

func TestMarkets_ArePublic(t *testing.T) {
	env := buildTestRouter(t)
	for _, path := range []string{
		"/api/assets",
		"/api/markets",
		"/api/markets?state=open&asset=BTC",
		"/api/markets/" + env.marketID,
		"/api/markets/btc-75k-friday",
		"/api/markets/btc-75k-friday/quote?side=YES&amount=10",
	} {
		rr := do(t, env.h, http.MethodGet, path, "", nil)
		if rr.Code != http.StatusOK {
			t.Errorf("GET %s = %d, want 200, body: %s", path, rr.Code, rr.Body.String())
		}
	}
}

func TestMarkets_ListMeta(t *testing.T) {
	env := buildTestRouter(t)
	rr := do(t, env.h, http.MethodGet, "/api/markets?page=1&limit=1", "", nil)
	meta, ok := decodeBody(t, rr)["meta"].(map[string]any)
	if !ok {
		t.Fatal("list response missing meta")
	}
	if meta["limit"] != float64(1) || meta["page"] != float64(1) {
		t.Errorf("meta = %v, want page 1 limit 1", meta)
	}
}

func TestMarkets_NotFound(t *testing.T) {
	env := buildTestRouter(t)
	rr := do(t, env.h, http.MethodGet, "/api/markets/no-such-market", "", nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("GET unknown market = %d, want 404", rr.Code)
	}
}

func TestQuote_Validation(t *testing.T) {
	env := buildTestRouter(t)
	cases := map[string]string{
		"missing amount": "/api/markets/btc-75k-friday/quote?side=YES",
		"bad side":       "/api/markets/btc-75k-friday/quote?side=MAYBE&amount=1",
		"zero amount":    "/api/markets/btc-75k-friday/quote?side=NO&amount=0",
		"huge exponent":  "/api/markets/btc-75k-friday/quote?side=YES&amount=1e20000000",
		"not storable":   "/api/markets/btc-75k-friday/quote?side=YES&amount=1e29",
	}
	for name, path := range cases {
		rr := do(t, env.h, http.MethodGet, path, "", nil)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("%s: GET %s = %d, want 400", name, path, rr.Code)
		}
	}
}

// ── Participant flow ──────────────────────────────────────────────────────────

func TestTakeSideAndClose(t *testing.T) {
	env := buildTestRouter(t)
	auth := connect(t, env.h)

	rr := do(t, env.h, http.MethodPost, "/api/positions",
		`{"market_id":"`+env.marketID+`","side":"YES","amount":3}`, auth)
	if rr.Code != http.StatusCreated {
		t.Fatalf("POST /api/positions = %d, body: %s", rr.Code, rr.Body.String())
	}
	position := decodeBody(t, rr)["data"].(map[string]any)
	id, _ := position["id"].(string)

	rr = do(t, env.h, http.MethodGet, "/api/wallet/balance", "", auth)
	acct := decodeBody(t, rr)["data"].(map[string]any)
	if acct["balance"] != "7.5" {
		t.Errorf("balance after stake = %v, want 7.5", acct["balance"])
	}

	rr = do(t, env.h, http.MethodGet, "/api/positions/my?status=active", "", auth)
	if total := decodeBody(t, rr)["meta"].(map[string]any)["total"]; total != float64(1) {
		t.Errorf("active positions = %v, want 1", total)
	}

	rr = do(t, env.h, http.MethodPost, "/api/positions/"+id+"/close", "", auth)
	if rr.Code != http.StatusOK {
		t.Fatalf("POST close = %d, body: %s", rr.Code, rr.Body.String())
	}
	rr = do(t, env.h, http.MethodPost, "/api/positions/"+id+"/close", "", auth)
	if rr.Code != http.StatusConflict {
		t.Errorf("second close = %d, want 409", rr.Code)
	}

	rr = do(t, env.h, http.MethodGet, "/api/wallet/entries", "", auth)
	if total := decodeBody(t, rr)["meta"].(map[string]any)["total"]; total != float64(3) {
		t.Errorf("entries = %v, want 3 (opening, stake, refund)", total)
	}
}

func TestTakeSide_InsufficientBalance(t *testing.T) {
	env := buildTestRouter(t)
	auth := connect(t, env.h)
	rr := do(t, env.h, http.MethodPost, "/api/positions",
		`{"market_id":"`+env.marketID+`","side":"NO","amount":"11"}`, auth)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Errorf("stake above balance = %d, want 422", rr.Code)
	}
	if code := decodeBody(t, rr)["code"]; code != "ERR_INSUFFICIENT_BALANCE" {
		t.Errorf("code = %v, want ERR_INSUFFICIENT_BALANCE", code)
	}
}

// ── Error envelope format ─────────────────────────────────────────────────────

func TestErrorEnvelope_HasRequiredFields(t *testing.T) {
	env := buildTestRouter(t)
	rr := do(t, env.h, http.MethodPost, "/api/auth/connect", `{}`, nil)
	body := decodeBody(t, rr)

	for _, field := range []string{"success", "error", "code"} {
		if _, ok := body[field]; !ok {
			t.Errorf("error envelope missing field %q, got: %v", field, body)
		}
	}
	if body["success"] != false {
		t.Errorf("error envelope.success = %v, want false", body["success"])
	}
}

// ── CORS headers ──────────────────────────────────────────────────────────────

func TestCORSOptionsRequest(t *testing.T) {
	env := buildTestRouter(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/auth/connect", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rr := httptest.NewRecorder()
	env.h.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent && rr.Code != http.StatusOK {
		t.Errorf("OPTIONS /api/auth/connect = %d, want 204 or 200", rr.Code)
	}
	allow := rr.Header().Get("Access-Control-Allow-Methods")
	if !strings.Contains(allow, "POST") {
		t.Errorf("Access-Control-Allow-Methods missing POST, got %q", allow)
	}
}

func TestCORSAllowOrigin_Dev(t *testing.T) {
	env := buildTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rr := httptest.NewRecorder()
	env.h.ServeHTTP(rr, req)

	origin := rr.Header().Get("Access-Control-Allow-Origin")
	if origin != "*" {
		t.Errorf("Dev CORS origin = %q, want *", origin)
	}
}
