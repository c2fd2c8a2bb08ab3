// Package config provides application configuration loaded from environment variables.
// Use the package-level Get() function to obtain the singleton Config instance.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

// ──────────────────────────────────────────────────────────────────────────────
// Sub-config structs
// ──────────────────────────────────────────────────────────────────────────────

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port                 string        // e.g. "8080"
	BackofficePort       string        // e.g. "8081"
	Env                  string        // "development" | "production"
	ReadTimeout          time.Duration // default 10s
	WriteTimeout         time.Duration // default 10s
	BackofficeAllowedIPs string        // comma-separated IPs; "" = allow all
	CORSOrigins          string        // comma-separated; "" = "*"
}

// DBConfig holds PostgreSQL connection settings.
type DBConfig struct {
	Enabled         bool          // default true; false runs the ledger without persistence
	DSN             string        // full postgres DSN
	MaxOpenConns    int           // default 25
	MaxIdleConns    int           // default 10
	ConnMaxLifetime time.Duration // default 5m
}

// JWTConfig holds JWT signing settings.
type JWTConfig struct {
	AccessSecret string        // must be set
	AccessTTL    time.Duration // default 15m
	RefreshTTL   time.Duration // default 720h (30 days)
}

// AdminConfig holds the single back-office operator credential.
type AdminConfig struct {
	Username     string // default "admin"
	PasswordHash string // bcrypt hash; empty disables admin login
}

// LedgerConfig holds fee and settlement policy.
type LedgerConfig struct {
	SettlementFeeRate float64       // fee on gross winnings, default 0.01
	EarlyExitFeeRate  float64       // fee on principal for early close, default 0.05
	DefaultBalance    string        // opening balance when no wallet source, default "10.5"
	SolvencyReserve   string        // extra cover per market, default "0"
	StrictSettlement  bool          // refuse early resolution overrides
	TwoPhaseCommit    bool          // commit to the store before applying
	CommitTimeout     time.Duration // bound on a two-phase commit, default 2s
}

// CatalogConfig selects where market definitions come from.
type CatalogConfig struct {
	Source          string        // "file" | "postgres", default "file"
	Path            string        // TOML file for Source=file
	RefreshInterval time.Duration // default 1m; 0 disables refresh
}

// PriceConfig holds exchange API settings.
type PriceConfig struct {
	BinanceURL   string        // default "https://api.binance.com"
	BybitURL     string        // default "https://api.bybit.com"
	OKXURL       string        // default "https://www.okx.com"
	FetchTimeout time.Duration // default 2s
	CacheTTL     time.Duration // default 1s
	// Weight percentages (must sum to 100)
	BinanceWeight int // default 50
	BybitWeight   int // default 30
	OKXWeight     int // default 20
}

// SchedulerConfig holds background loop intervals.
type SchedulerConfig struct {
	SettleInterval    time.Duration // default 10s
	BroadcastInterval time.Duration // default 2s
	ArchiveInterval   time.Duration // default 15m
}

// SinkConfig tunes asynchronous delta delivery.
type SinkConfig struct {
	QueueSize  int           // per-sink buffer, default 1024
	MaxRetries int           // default 5
	RetryBase  time.Duration // default 100ms
	RetryMax   time.Duration // default 30s
}

// NATSConfig holds JetStream publisher settings.
type NATSConfig struct {
	Enabled  bool
	URL      string        // default "nats://localhost:4222"
	Stream   string        // default "YESNO_LEDGER"
	Subject  string        // subject prefix, default "yesno.ledger"
	MaxAge   time.Duration // stream retention, default 168h
	Replicas int           // default 1
}

// RedisConfig holds the signal bus and leader lock settings.
type RedisConfig struct {
	Enabled  bool
	Addr     string // default "localhost:6379"
	Password string
	DB       int
	PoolSize int           // default 10
	Channel  string        // pub/sub channel, default "yesno:ledger"
	LockKey  string        // scheduler leader lock, default "yesno:settler"
	LockTTL  time.Duration // default 30s
}

// S3Config holds snapshot archive settings.
type S3Config struct {
	Enabled      bool
	Endpoint     string // empty = AWS default
	Region       string // default "us-east-1"
	Bucket       string
	Prefix       string // default "snapshots/"
	AccessKey    string
	SecretKey    string
	UsePathStyle bool // true for MinIO
}

// TelegramConfig holds resolution notification settings.
type TelegramConfig struct {
	Enabled  bool
	BotToken string
	ChatID   int64
}

// ──────────────────────────────────────────────────────────────────────────────
// Top-level Config
// ──────────────────────────────────────────────────────────────────────────────

// Config is the root configuration object for the entire application.
type Config struct {
	Server    ServerConfig
	DB        DBConfig
	JWT       JWTConfig
	Admin     AdminConfig
	Ledger    LedgerConfig
	Catalog   CatalogConfig
	Price     PriceConfig
	Scheduler SchedulerConfig
	Sink      SinkConfig
	NATS      NATSConfig
	Redis     RedisConfig
	S3        S3Config
	Telegram  TelegramConfig
}

// IsProd returns true when running in the production environment.
func (c *Config) IsProd() bool {
	return c.Server.Env == "production"
}

// Validate checks that all required configuration values are present and valid.
// Every problem is reported, joined into one error.
func (c *Config) Validate() error {
	var errs []error

	// JWT secret is mandatory
	if c.JWT.AccessSecret == "" {
		errs = append(errs, errors.New("JWT_ACCESS_SECRET must be set"))
	}

	// In production, persistence must be on with an explicit DSN
	if c.IsProd() && (!c.DB.Enabled || os.Getenv("DATABASE_DSN") == "") {
		errs = append(errs, errors.New("DATABASE_DSN must be set in production"))
	}
	if c.Ledger.TwoPhaseCommit && !c.DB.Enabled {
		errs = append(errs, errors.New("LEDGER_TWO_PHASE_COMMIT requires DB_ENABLED"))
	}

	// Price weights must sum to 100
	total := c.Price.BinanceWeight + c.Price.BybitWeight + c.Price.OKXWeight
	if total != 100 {
		errs = append(errs, fmt.Errorf(
			"price weights must sum to 100, got %d (Binance=%d Bybit=%d OKX=%d)",
			total, c.Price.BinanceWeight, c.Price.BybitWeight, c.Price.OKXWeight,
		))
	}

	// Fee sanity check
	if c.Ledger.SettlementFeeRate < 0 || c.Ledger.SettlementFeeRate >= 1 {
		errs = append(errs, fmt.Errorf(
			"LEDGER_SETTLEMENT_FEE_RATE must be in [0, 1), got %.4f", c.Ledger.SettlementFeeRate))
	}
	if c.Ledger.EarlyExitFeeRate < 0 || c.Ledger.EarlyExitFeeRate >= 1 {
		errs = append(errs, fmt.Errorf(
			"LEDGER_EARLY_EXIT_FEE_RATE must be in [0, 1), got %.4f", c.Ledger.EarlyExitFeeRate))
	}

	switch c.Catalog.Source {
	case "file":
		if c.Catalog.Path == "" {
			errs = append(errs, errors.New("CATALOG_PATH must be set when CATALOG_SOURCE=file"))
		}
	case "postgres":
		if !c.DB.Enabled {
			errs = append(errs, errors.New("CATALOG_SOURCE=postgres requires DB_ENABLED"))
		}
	default:
		errs = append(errs, fmt.Errorf("CATALOG_SOURCE must be file or postgres, got %q", c.Catalog.Source))
	}

	if c.S3.Enabled && c.S3.Bucket == "" {
		errs = append(errs, errors.New("S3_BUCKET must be set when S3_ENABLED"))
	}
	if c.Telegram.Enabled && (c.Telegram.BotToken == "" || c.Telegram.ChatID == 0) {
		errs = append(errs, errors.New("TELEGRAM_BOT_TOKEN and TELEGRAM_CHAT_ID must be set when TELEGRAM_ENABLED"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// AllowedIPs splits BackofficeAllowedIPs.
func (s ServerConfig) AllowedIPs() []string {
	return splitList(s.BackofficeAllowedIPs)
}

// Origins splits CORSOrigins.
func (s ServerConfig) Origins() []string {
	return splitList(s.CORSOrigins)
}

// ──────────────────────────────────────────────────────────────────────────────
// Singleton
// ──────────────────────────────────────────────────────────────────────────────

var (
	instance *Config
	once     sync.Once
	loadErr  error
)

// Get returns the singleton Config, loading it once from environment variables.
// Panics if loading fails. Call it early in main() to catch misconfigurations
// at startup.
func Get() *Config {
	once.Do(func() {
		instance, loadErr = load()
	})
	if loadErr != nil {
		panic(fmt.Sprintf("config: failed to load: %v", loadErr))
	}
	return instance
}

// MustLoad loads and validates configuration. Intended for use in main().
// Panics on any error so misconfiguration is caught immediately at boot.
func MustLoad() *Config {
	cfg := Get()
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("config: validation failed: %v", err))
	}
	return cfg
}

// Load reads configuration without the singleton. Used by tests.
func Load() (*Config, error) {
	return load()
}

// ──────────────────────────────────────────────────────────────────────────────
// Internal loader
// ──────────────────────────────────────────────────────────────────────────────

func load() (*Config, error) {
	// A missing .env is fine; real environment variables always win.
	_ = godotenv.Load()

	cfg := &Config{}
	var errs []error
	num := func(key string, def int) int {
		n, err := getInt(key, def)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
		return n
	}
	flt := func(key string, def float64) float64 {
		f, err := getFloat(key, def)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
		return f
	}

	// ── Server ────────────────────────────────────────────────────────────────
	cfg.Server = ServerConfig{
		Port:                 getEnv("SERVER_PORT", "8080"),
		BackofficePort:       getEnv("BACKOFFICE_PORT", "8081"),
		Env:                  getEnv("ENVIRONMENT", "development"),
		ReadTimeout:          getDuration("SERVER_READ_TIMEOUT", 10*time.Second),
		WriteTimeout:         getDuration("SERVER_WRITE_TIMEOUT", 10*time.Second),
		BackofficeAllowedIPs: getEnv("BACKOFFICE_ALLOWED_IPS", ""),
		CORSOrigins:          getEnv("CORS_ORIGINS", ""),
	}

	// ── Database ──────────────────────────────────────────────────────────────
	dsn := os.Getenv("DATABASE_DSN")
	if dsn == "" {
		// Build DSN from individual components for convenience in dev
		dsn = fmt.Sprintf(
			"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
			getEnv("DB_HOST", "localhost"),
			getEnv("DB_PORT", "5432"),
			getEnv("DB_USER", "postgres"),
			getEnv("DB_PASSWORD", ""),
			getEnv("DB_NAME", "yesno_ledger"),
			getEnv("DB_SSLMODE", "disable"),
		)
	}
	cfg.DB = DBConfig{
		Enabled:         getBool("DB_ENABLED", true),
		DSN:             dsn,
		MaxOpenConns:    num("DB_MAX_OPEN_CONNS", 25),
		MaxIdleConns:    num("DB_MAX_IDLE_CONNS", 10),
		ConnMaxLifetime: getDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
	}

	// ── JWT / admin ───────────────────────────────────────────────────────────
	cfg.JWT = JWTConfig{
		AccessSecret: getEnv("JWT_ACCESS_SECRET", ""),
		AccessTTL:    getDuration("JWT_ACCESS_TTL", 15*time.Minute),
		RefreshTTL:   getDuration("JWT_REFRESH_TTL", 30*24*time.Hour),
	}
	cfg.Admin = AdminConfig{
		Username:     getEnv("ADMIN_USERNAME", "admin"),
		PasswordHash: getEnv("ADMIN_PASSWORD_HASH", ""),
	}

	// ── Ledger ────────────────────────────────────────────────────────────────
	cfg.Ledger = LedgerConfig{
		SettlementFeeRate: flt("LEDGER_SETTLEMENT_FEE_RATE", 0.01),
		EarlyExitFeeRate:  flt("LEDGER_EARLY_EXIT_FEE_RATE", 0.05),
		DefaultBalance:    getEnv("LEDGER_DEFAULT_BALANCE", "10.5"),
		SolvencyReserve:   getEnv("LEDGER_SOLVENCY_RESERVE", "0"),
		StrictSettlement:  getBool("LEDGER_STRICT_SETTLEMENT", false),
		TwoPhaseCommit:    getBool("LEDGER_TWO_PHASE_COMMIT", false),
		CommitTimeout:     getDuration("LEDGER_COMMIT_TIMEOUT", 2*time.Second),
	}
	cfg.Catalog = CatalogConfig{
		Source:          getEnv("CATALOG_SOURCE", "file"),
		Path:            getEnv("CATALOG_PATH", "configs/catalog.toml"),
		RefreshInterval: getDuration("CATALOG_REFRESH_INTERVAL", time.Minute),
	}

	// ── Price ─────────────────────────────────────────────────────────────────
	cfg.Price = PriceConfig{
		BinanceURL:    getEnv("PRICE_BINANCE_URL", "https://api.binance.com"),
		BybitURL:      getEnv("PRICE_BYBIT_URL", "https://api.bybit.com"),
		OKXURL:        getEnv("PRICE_OKX_URL", "https://www.okx.com"),
		FetchTimeout:  getDuration("PRICE_FETCH_TIMEOUT", 2*time.Second),
		CacheTTL:      getDuration("PRICE_CACHE_TTL", 1*time.Second),
		BinanceWeight: num("PRICE_BINANCE_WEIGHT", 50),
		BybitWeight:   num("PRICE_BYBIT_WEIGHT", 30),
		OKXWeight:     num("PRICE_OKX_WEIGHT", 20),
	}

	// ── Background work ───────────────────────────────────────────────────────
	cfg.Scheduler = SchedulerConfig{
		SettleInterval:    getDuration("SCHED_SETTLE_INTERVAL", 10*time.Second),
		BroadcastInterval: getDuration("SCHED_BROADCAST_INTERVAL", 2*time.Second),
		ArchiveInterval:   getDuration("SCHED_ARCHIVE_INTERVAL", 15*time.Minute),
	}
	cfg.Sink = SinkConfig{
		QueueSize:  num("SINK_QUEUE_SIZE", 1024),
		MaxRetries: num("SINK_MAX_RETRIES", 5),
		RetryBase:  getDuration("SINK_RETRY_BASE", 100*time.Millisecond),
		RetryMax:   getDuration("SINK_RETRY_MAX", 30*time.Second),
	}

	// ── Integrations ──────────────────────────────────────────────────────────
	cfg.NATS = NATSConfig{
		Enabled:  getBool("NATS_ENABLED", false),
		URL:      getEnv("NATS_URL", "nats://localhost:4222"),
		Stream:   getEnv("NATS_STREAM", "YESNO_LEDGER"),
		Subject:  getEnv("NATS_SUBJECT", "yesno.ledger"),
		MaxAge:   getDuration("NATS_MAX_AGE", 7*24*time.Hour),
		Replicas: num("NATS_REPLICAS", 1),
	}
	cfg.Redis = RedisConfig{
		Enabled:  getBool("REDIS_ENABLED", false),
		Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
		Password: getEnv("REDIS_PASSWORD", ""),
		DB:       num("REDIS_DB", 0),
		PoolSize: num("REDIS_POOL_SIZE", 10),
		Channel:  getEnv("REDIS_CHANNEL", "yesno:ledger"),
		LockKey:  getEnv("REDIS_LOCK_KEY", "yesno:settler"),
		LockTTL:  getDuration("REDIS_LOCK_TTL", 30*time.Second),
	}
	cfg.S3 = S3Config{
		Enabled:      getBool("S3_ENABLED", false),
		Endpoint:     getEnv("S3_ENDPOINT", ""),
		Region:       getEnv("S3_REGION", "us-east-1"),
		Bucket:       getEnv("S3_BUCKET", ""),
		Prefix:       getEnv("S3_PREFIX", "snapshots/"),
		AccessKey:    getEnv("S3_ACCESS_KEY", ""),
		SecretKey:    getEnv("S3_SECRET_KEY", ""),
		UsePathStyle: getBool("S3_USE_PATH_STYLE", false),
	}

	chatID := int64(0)
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("TELEGRAM_CHAT_ID: invalid integer %q", v))
		}
		chatID = id
	}
	cfg.Telegram = TelegramConfig{
		Enabled:  getBool("TELEGRAM_ENABLED", false),
		BotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		ChatID:   chatID,
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return cfg, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Helper functions
// ──────────────────────────────────────────────────────────────────────────────

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q", v)
	}
	return n, nil
}

func getFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid float %q", v)
	}
	return f, nil
}

// getBool accepts the strconv.ParseBool forms; anything else falls back.
func getBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

// getDuration parses an env var as a Go duration string (e.g. "15m", "2s").
// Falls back to defaultVal if the variable is unset or empty.
func getDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		// Log warning and fall back to default; do not crash on parse error
		return defaultVal
	}
	return d
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
