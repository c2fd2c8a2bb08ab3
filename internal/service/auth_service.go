package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/evetabi/yesno/internal/config"
	"github.com/evetabi/yesno/internal/domain"
	"github.com/evetabi/yesno/internal/ledger"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"
)

// ──────────────────────────────────────────────────────────────────────────────
// Request / Response types
// ──────────────────────────────────────────────────────────────────────────────

// ConnectRequest identifies a participant by wallet address.
type ConnectRequest struct {
	Address string `json:"address" binding:"required"`
}

// ConnectResponse is returned on a successful wallet connection.
type ConnectResponse struct {
	Participant  domain.Participant `json:"participant"`
	Account      domain.Account     `json:"account"`
	AccessToken  string             `json:"access_token"`
	RefreshToken string             `json:"refresh_token"`
}

// AdminLoginRequest carries back-office credentials.
type AdminLoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// TokenPair holds both tokens returned by generateTokenPair.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

// ──────────────────────────────────────────────────────────────────────────────
// JWT claims
// ──────────────────────────────────────────────────────────────────────────────

// AppClaims extends jwt.RegisteredClaims with application-specific fields.
// Subject is the participant id; admins carry their username instead.
type AppClaims struct {
	jwt.RegisteredClaims
	Role      string `json:"role"`
	Address   string `json:"addr,omitempty"`
	TokenType string `json:"type"` // "access" or "refresh"
}

// ──────────────────────────────────────────────────────────────────────────────
// Pluggable sources
// ──────────────────────────────────────────────────────────────────────────────

// BalanceSource supplies the opening balance of a newly connected wallet.
type BalanceSource interface {
	ExternalBalance(ctx context.Context, address string) (decimal.Decimal, error)
}

// FixedBalance gives every new wallet the same opening balance.
type FixedBalance decimal.Decimal

// ExternalBalance returns b.
func (b FixedBalance) ExternalBalance(context.Context, string) (decimal.Decimal, error) {
	return decimal.Decimal(b), nil
}

// ParticipantStore records connected identities. Optional.
type ParticipantStore interface {
	UpsertParticipant(ctx context.Context, p *domain.Participant) error
}

// ──────────────────────────────────────────────────────────────────────────────
// AuthService
// ──────────────────────────────────────────────────────────────────────────────

// AuthService connects wallets to ledger accounts, logs admins in, and issues
// and parses JWTs.
type AuthService struct {
	ledger       *ledger.Ledger
	balances     BalanceSource
	participants ParticipantStore // nil without persistence
	cfg          *config.Config
	log          *slog.Logger
}

// NewAuthService creates an AuthService.
func NewAuthService(l *ledger.Ledger, balances BalanceSource, cfg *config.Config, logger *slog.Logger) *AuthService {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthService{
		ledger:   l,
		balances: balances,
		cfg:      cfg,
		log:      logger.With("component", "auth_service"),
	}
}

// SetParticipantStore injects the participant registry post-construction.
func (s *AuthService) SetParticipantStore(ps ParticipantStore) { s.participants = ps }

// ──────────────────────────────────────────────────────────────────────────────
// Connect
// ──────────────────────────────────────────────────────────────────────────────

// Connect maps a wallet address to its participant, opens the ledger account
// on first connection, and returns a fresh token pair. Reconnecting never
// changes an existing balance.
func (s *AuthService) Connect(ctx context.Context, req ConnectRequest) (*ConnectResponse, error) {
	// ── 1. Validate address ──────────────────────────────────────────────────
	address := strings.TrimSpace(req.Address)
	if err := domain.ValidateAddress(address); err != nil {
		return nil, err
	}
	p := domain.Participant{
		ID:        domain.ParticipantIDFor(address),
		Address:   address,
		Role:      domain.RoleParticipant,
		CreatedAt: time.Now().UTC(),
	}

	// ── 2. Open the account (no-op when it exists) ───────────────────────────
	acct, err := s.ledger.Account(p.ID)
	if errors.Is(err, domain.ErrAccountNotFound) {
		initial, berr := s.balances.ExternalBalance(ctx, address)
		if berr != nil {
			return nil, fmt.Errorf("auth_service.Connect: external balance: %w", berr)
		}
		if acct, err = s.ledger.EnsureAccount(ctx, p.ID, domain.Quantize(initial)); err != nil {
			return nil, fmt.Errorf("auth_service.Connect: open account: %w", err)
		}
		s.log.Info("participant connected", "participant_id", p.ID, "opening_balance", acct.Balance.String())
	} else if err != nil {
		return nil, fmt.Errorf("auth_service.Connect: %w", err)
	}

	// ── 3. Record identity ───────────────────────────────────────────────────
	if s.participants != nil {
		if err := s.participants.UpsertParticipant(ctx, &p); err != nil {
			return nil, fmt.Errorf("auth_service.Connect: record participant: %w", err)
		}
	}

	// ── 4. Issue tokens ──────────────────────────────────────────────────────
	pair, err := s.generateTokenPair(p.ID.String(), p.Role, address)
	if err != nil {
		return nil, fmt.Errorf("auth_service.Connect: tokens: %w", err)
	}
	return &ConnectResponse{
		Participant:  p,
		Account:      acct,
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
	}, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// AdminLogin
// ──────────────────────────────────────────────────────────────────────────────

// AdminLogin checks the back-office credential and returns an admin access
// token.
func (s *AuthService) AdminLogin(_ context.Context, req AdminLoginRequest) (string, error) {
	if s.cfg.Admin.PasswordHash == "" || req.Username != s.cfg.Admin.Username {
		return "", domain.ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(s.cfg.Admin.PasswordHash), []byte(req.Password)); err != nil {
		return "", domain.ErrInvalidCredentials
	}
	pair, err := s.generateTokenPair(req.Username, domain.RoleAdmin, "")
	if err != nil {
		return "", fmt.Errorf("auth_service.AdminLogin: tokens: %w", err)
	}
	s.log.Info("admin login", "username", req.Username)
	return pair.AccessToken, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// RefreshToken
// ──────────────────────────────────────────────────────────────────────────────

// RefreshToken validates a participant refresh token and issues a new pair.
func (s *AuthService) RefreshToken(_ context.Context, refreshToken string) (string, string, error) {
	claims, err := s.parseToken(refreshToken)
	if err != nil {
		return "", "", err
	}
	if claims.TokenType != "refresh" {
		return "", "", domain.ErrTokenInvalid
	}
	id, err := uuid.Parse(claims.Subject)
	if err != nil {
		return "", "", domain.ErrTokenInvalid
	}
	if _, err := s.ledger.Account(id); err != nil {
		return "", "", domain.ErrUnauthorized
	}
	pair, err := s.generateTokenPair(claims.Subject, domain.Role(claims.Role), claims.Address)
	if err != nil {
		return "", "", fmt.Errorf("auth_service.RefreshToken: %w", err)
	}
	return pair.AccessToken, pair.RefreshToken, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Token helpers
// ──────────────────────────────────────────────────────────────────────────────

// generateTokenPair creates a signed access token (AccessTTL) and a signed
// refresh token (RefreshTTL) for the given subject.
func (s *AuthService) generateTokenPair(subject string, role domain.Role, address string) (TokenPair, error) {
	now := time.Now().UTC()
	secret := []byte(s.cfg.JWT.AccessSecret) // same secret for both; type claim differentiates

	accessClaims := AppClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.JWT.AccessTTL)),
		},
		Role:      string(role),
		Address:   address,
		TokenType: "access",
	}
	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, accessClaims).SignedString(secret)
	if err != nil {
		return TokenPair{}, fmt.Errorf("sign access token: %w", err)
	}

	refreshClaims := AppClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.JWT.RefreshTTL)),
		},
		Role:      string(role),
		Address:   address,
		TokenType: "refresh",
	}
	refresh, err := jwt.NewWithClaims(jwt.SigningMethodHS256, refreshClaims).SignedString(secret)
	if err != nil {
		return TokenPair{}, fmt.Errorf("sign refresh token: %w", err)
	}

	return TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

// parseToken validates the token signature, algorithm, and expiry.
func (s *AuthService) parseToken(tokenString string) (*AppClaims, error) {
	secret := []byte(s.cfg.JWT.AccessSecret)
	tok, err := jwt.ParseWithClaims(tokenString, &AppClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	})
	if errors.Is(err, jwt.ErrTokenExpired) {
		return nil, domain.ErrTokenExpired
	}
	if err != nil || !tok.Valid {
		return nil, domain.ErrTokenInvalid
	}
	claims, ok := tok.Claims.(*AppClaims)
	if !ok {
		return nil, domain.ErrTokenInvalid
	}
	return claims, nil
}

// ParseAccessToken is exported for use by the JWT middleware.
func (s *AuthService) ParseAccessToken(tokenString string) (*AppClaims, error) {
	claims, err := s.parseToken(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.TokenType != "access" {
		return nil, domain.ErrTokenInvalid
	}
	return claims, nil
}
