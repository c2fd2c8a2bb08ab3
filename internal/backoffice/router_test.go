package backoffice_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/evetabi/yesno/internal/backoffice"
	"github.com/evetabi/yesno/internal/config"
	"github.com/evetabi/yesno/internal/ledger"
	"github.com/evetabi/yesno/internal/service"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"
)

const wallet = "7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU"

func testCfg(t *testing.T) *config.Config {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter22"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	return &config.Config{
		Server: config.ServerConfig{Env: "development"},
		JWT: config.JWTConfig{
			AccessSecret: "test-access-secret-abcdefghijklmnop",
			AccessTTL:    15 * time.Minute,
			RefreshTTL:   time.Hour,
		},
		Admin: config.AdminConfig{Username: "admin", PasswordHash: string(hash)},
	}
}

type env struct {
	h    http.Handler
	auth *service.AuthService
	l    *ledger.Ledger
}

func newEnv(t *testing.T, cfg *config.Config) env {
	t.Helper()
	l, err := ledger.New(nil, ledger.Options{})
	if err != nil {
		t.Fatal(err)
	}
	auth := service.NewAuthService(l, service.FixedBalance(decimal.NewFromInt(10)), cfg, nil)
	r := backoffice.SetupBackofficeRouter(backoffice.BackofficeDeps{
		AuthSvc:       auth,
		MarketSvc:     service.NewMarketService(l, nil, nil),
		SettlementSvc: service.NewSettlementService(l, nil, nil),
		PositionSvc:   service.NewPositionService(l, nil),
		WalletSvc:     service.NewWalletService(l),
		Ledger:        l,
		Cfg:           cfg,
	})
	return env{h: r, auth: auth, l: l}
}

func do(t *testing.T, h http.Handler, method, path, body, token string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	var m map[string]any
	_ = json.Unmarshal(rr.Body.Bytes(), &m)
	return rr.Code, m
}

func login(t *testing.T, h http.Handler) string {
	t.Helper()
	code, body := do(t, h, http.MethodPost, "/admin/login", `{"username":"admin","password":"hunter22"}`, "")
	if code != http.StatusOK {
		t.Fatalf("POST /admin/login = %d, body: %v", code, body)
	}
	return body["data"].(map[string]any)["access_token"].(string)
}

func TestLogin_WrongPassword(t *testing.T) {
	e := newEnv(t, testCfg(t))
	code, body := do(t, e.h, http.MethodPost, "/admin/login", `{"username":"admin","password":"nope"}`, "")
	if code != http.StatusUnauthorized {
		t.Errorf("login with wrong password = %d, want 401", code)
	}
	if body["code"] != "ERR_INVALID_CREDENTIALS" {
		t.Errorf("code = %v, want ERR_INVALID_CREDENTIALS", body["code"])
	}
}

func TestAdminRoutes_RequireAdminToken(t *testing.T) {
	e := newEnv(t, testCfg(t))
	if code, _ := do(t, e.h, http.MethodGet, "/admin/dashboard", "", ""); code != http.StatusUnauthorized {
		t.Errorf("dashboard without token = %d, want 401", code)
	}

	resp, err := e.auth.Connect(t.Context(), service.ConnectRequest{Address: wallet})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if code, _ := do(t, e.h, http.MethodGet, "/admin/dashboard", "", resp.AccessToken); code != http.StatusForbidden {
		t.Errorf("dashboard with participant token = %d, want 403", code)
	}
}

func TestCreateAndResolveMarket(t *testing.T) {
	e := newEnv(t, testCfg(t))
	token := login(t, e.h)

	settles := time.Now().Add(24 * time.Hour).UTC().Format(time.RFC3339)
	payload := `{"slug":"eth-5k","asset":"ETH","question":"Will ETH be above $5,000?",` +
		`"target_price":"5000","settlement_time":"` + settles + `","seed_yes":"100","seed_no":"100"}`
	code, body := do(t, e.h, http.MethodPost, "/admin/markets", payload, token)
	if code != http.StatusCreated {
		t.Fatalf("POST /admin/markets = %d, body: %v", code, body)
	}
	if code, _ = do(t, e.h, http.MethodPost, "/admin/markets", payload, token); code != http.StatusConflict {
		t.Errorf("duplicate create = %d, want 409", code)
	}

	if code, _ = do(t, e.h, http.MethodPost, "/admin/markets/eth-5k/resolve", `{"outcome":"YES"}`, token); code != http.StatusConflict {
		t.Errorf("resolve before settlement time = %d, want 409", code)
	}
	code, body = do(t, e.h, http.MethodPost, "/admin/markets/eth-5k/resolve", `{"outcome":"YES","override":true}`, token)
	if code != http.StatusOK {
		t.Fatalf("resolve with override = %d, body: %v", code, body)
	}
	market := body["data"].(map[string]any)
	if market["state"] != "resolved" || market["resolved_by"] != "admin" {
		t.Errorf("resolved market = %v, want state resolved by admin", market)
	}

	code, body = do(t, e.h, http.MethodGet, "/admin/ledger/audit", "", token)
	if code != http.StatusOK {
		t.Fatalf("audit = %d, body: %v", code, body)
	}
	if body["data"].(map[string]any)["consistent"] != true {
		t.Errorf("audit not consistent: %v", body["data"])
	}
}

func TestCreateMarket_Validation(t *testing.T) {
	e := newEnv(t, testCfg(t))
	token := login(t, e.h)
	settles := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	cases := map[string]string{
		"unknown asset": `{"slug":"x","asset":"XRP","question":"q","target_price":"1","settlement_time":"` + settles + `"}`,
		"zero target":   `{"slug":"x","asset":"BTC","question":"q","target_price":"0","settlement_time":"` + settles + `"}`,
		"missing slug":  `{"asset":"BTC","question":"q","target_price":"1","settlement_time":"` + settles + `"}`,
	}
	for name, payload := range cases {
		if code, body := do(t, e.h, http.MethodPost, "/admin/markets", payload, token); code != http.StatusBadRequest {
			t.Errorf("%s: create = %d, want 400, body: %v", name, code, body)
		}
	}
}

func TestParticipants_WithoutStore(t *testing.T) {
	e := newEnv(t, testCfg(t))
	token := login(t, e.h)
	if code, _ := do(t, e.h, http.MethodGet, "/admin/participants", "", token); code != http.StatusServiceUnavailable {
		t.Errorf("participants without store = %d, want 503", code)
	}

	resp, err := e.auth.Connect(t.Context(), service.ConnectRequest{Address: wallet})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	code, body := do(t, e.h, http.MethodGet, "/admin/participants/"+resp.Participant.ID.String(), "", token)
	if code != http.StatusOK {
		t.Fatalf("participant detail = %d, body: %v", code, body)
	}
	acct := body["data"].(map[string]any)["account"].(map[string]any)
	if acct["balance"] != "10" {
		t.Errorf("balance = %v, want 10", acct["balance"])
	}
}

func TestIPWhitelist(t *testing.T) {
	cfg := testCfg(t)
	cfg.Server.BackofficeAllowedIPs = "10.0.0.1"
	e := newEnv(t, cfg)
	// httptest requests originate from 192.0.2.1
	if code, _ := do(t, e.h, http.MethodGet, "/health", "", ""); code != http.StatusForbidden {
		t.Errorf("request from unlisted IP = %d, want 403", code)
	}
}
