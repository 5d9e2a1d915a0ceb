// Package config holds the explicitly constructed configuration passed to
// every component at construction time.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// StepUpPolicy decides what happens when a login scores above the step-up
// threshold but below the block threshold.
type StepUpPolicy string

const (
	StepUpPolicyFlag  StepUpPolicy = "flag"
	StepUpPolicyBlock StepUpPolicy = "block"
)

type Config struct {
	Env       string
	Challenge ChallengeConfig
	RateLimit RateLimitConfig
	Session   SessionConfig
	DPoP      DPoPConfig
	Risk      RiskConfig
	StepUp    StepUpConfig
	Store     StoreConfig
	Keys      KeysConfig
	HTTP      HTTPConfig
	Log       LogConfig

	HousekeepingInterval time.Duration
}

type ChallengeConfig struct {
	TTL       time.Duration // Default 5m
	GCGrace   time.Duration // Kept this long past expiry before deletion
	Domain    string        // Domain separator shown to the signer
	URI       string
	ChainID   int64
	Statement string
}

type RateLimitConfig struct {
	IssuePerAddress int
	IssuePerIP      int
	Window          time.Duration
}

type SessionConfig struct {
	Issuer       string
	AccessTTL    time.Duration // Default 15m
	RefreshTTL   time.Duration // Default 24h, up to 7d
	StepUpPolicy StepUpPolicy
}

type DPoPConfig struct {
	Window time.Duration // Accepted clock skew either side, default 60s
}

type RiskConfig struct {
	MonitorThreshold int
	StepUpThreshold  int
	BlockThreshold   int

	WeightOddHour             int
	WeightLocation            int
	WeightVelocity            int
	WeightLargeValue          int
	WeightFailedVerifications int

	HistoryLookback      time.Duration
	HistoryLimit         int
	MinHistory           int
	VelocityWindow       time.Duration
	VelocityFloor        int
	LargeValueMultiplier decimal.Decimal
	LargeValueCeiling    decimal.Decimal // Absolute value flagged even without history
	FailedAttempts       int
	FailedWindow         time.Duration
	MaxTravelSpeedKmh    float64
	Retention            time.Duration
}

type StepUpConfig struct {
	Grace           time.Duration   // Default 15m
	MediumThreshold decimal.Decimal // Amounts at or above are medium
	HighThreshold   decimal.Decimal // Amounts at or above are high
}

type StoreConfig struct {
	RedisURL   string // Empty selects in-memory stores
	KeyPrefix  string
	Timeout    time.Duration
	SQLitePath string // Empty keeps risk events in the primary store
	// Approximate length cap for each event stream in redis.
	StreamMaxLen int64
}

type KeysConfig struct {
	Algorithm      string // ES256 or EdDSA
	PrivateKeyPath string // PKCS8 PEM; empty generates an ephemeral key
	KeyID          string
}

type HTTPConfig struct {
	Addr          string
	ShutdownGrace time.Duration
	// TrustedProxies lists the IPs or CIDRs whose X-Forwarded-* headers are
	// believed. Empty trusts none.
	TrustedProxies []string
	// Per-client request throttle on /auth; zero disables it.
	RequestsPerMinute int
	RequestBurst      int
}

type LogConfig struct {
	Level  string
	Format string
}

// Default returns the documented defaults.
func Default() Config {
	return Config{
		Env: "dev",
		Challenge: ChallengeConfig{
			TTL:       5 * time.Minute,
			GCGrace:   10 * time.Minute,
			Domain:    "localhost",
			URI:       "http://localhost:9000",
			ChainID:   1,
			Statement: "Sign in to prove you control this account.",
		},
		RateLimit: RateLimitConfig{
			IssuePerAddress: 5,
			IssuePerIP:      5,
			Window:          5 * time.Minute,
		},
		Session: SessionConfig{
			Issuer:       "walletauth",
			AccessTTL:    15 * time.Minute,
			RefreshTTL:   24 * time.Hour,
			StepUpPolicy: StepUpPolicyFlag,
		},
		DPoP: DPoPConfig{Window: 60 * time.Second},
		Risk: RiskConfig{
			MonitorThreshold: 25,
			StepUpThreshold:  50,
			BlockThreshold:   70,

			WeightOddHour:             15,
			WeightLocation:            20,
			WeightVelocity:            25,
			WeightLargeValue:          30,
			WeightFailedVerifications: 35,

			HistoryLookback:      30 * 24 * time.Hour,
			HistoryLimit:         200,
			MinHistory:           3,
			VelocityWindow:       5 * time.Minute,
			VelocityFloor:        10,
			LargeValueMultiplier: decimal.NewFromInt(5),
			LargeValueCeiling:    decimal.NewFromInt(1_000_000),
			FailedAttempts:       3,
			FailedWindow:         15 * time.Minute,
			MaxTravelSpeedKmh:    900,
			Retention:            90 * 24 * time.Hour,
		},
		StepUp: StepUpConfig{
			Grace:           15 * time.Minute,
			MediumThreshold: decimal.NewFromInt(1_000),
			HighThreshold:   decimal.NewFromInt(10_000),
		},
		Store: StoreConfig{
			KeyPrefix:    "walletauth",
			Timeout:      250 * time.Millisecond,
			StreamMaxLen: 10_000,
		},
		Keys: KeysConfig{
			Algorithm: "ES256",
			KeyID:     "walletauth-1",
		},
		HTTP: HTTPConfig{
			Addr:              ":9000",
			ShutdownGrace:     10 * time.Second,
			RequestsPerMinute: 120,
			RequestBurst:      30,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		HousekeepingInterval: time.Minute,
	}
}

// Load overlays environment variables on Default.
func Load() (Config, error) {
	cfg := Default()

	cfg.Env = getEnvOrDefault("ENV", cfg.Env)

	cfg.Challenge.TTL = getEnvDurationOrDefault("CHALLENGE_TTL", cfg.Challenge.TTL)
	cfg.Challenge.GCGrace = getEnvDurationOrDefault("CHALLENGE_GC_GRACE", cfg.Challenge.GCGrace)
	cfg.Challenge.Domain = getEnvOrDefault("CHALLENGE_DOMAIN", cfg.Challenge.Domain)
	cfg.Challenge.URI = getEnvOrDefault("CHALLENGE_URI", cfg.Challenge.URI)
	cfg.Challenge.ChainID = int64(getEnvIntOrDefault("CHALLENGE_CHAIN_ID", int(cfg.Challenge.ChainID)))
	cfg.Challenge.Statement = getEnvOrDefault("CHALLENGE_STATEMENT", cfg.Challenge.Statement)

	cfg.RateLimit.IssuePerAddress = getEnvIntOrDefault("RATELIMIT_ISSUE_PER_ADDRESS", cfg.RateLimit.IssuePerAddress)
	cfg.RateLimit.IssuePerIP = getEnvIntOrDefault("RATELIMIT_ISSUE_PER_IP", cfg.RateLimit.IssuePerIP)
	cfg.RateLimit.Window = getEnvDurationOrDefault("RATELIMIT_WINDOW", cfg.RateLimit.Window)

	cfg.Session.Issuer = getEnvOrDefault("SESSION_ISSUER", cfg.Session.Issuer)
	cfg.Session.AccessTTL = getEnvDurationOrDefault("SESSION_ACCESS_TTL", cfg.Session.AccessTTL)
	cfg.Session.RefreshTTL = getEnvDurationOrDefault("SESSION_REFRESH_TTL", cfg.Session.RefreshTTL)
	cfg.Session.StepUpPolicy = StepUpPolicy(getEnvOrDefault("SESSION_STEP_UP_POLICY", string(cfg.Session.StepUpPolicy)))

	cfg.DPoP.Window = getEnvDurationOrDefault("DPOP_WINDOW", cfg.DPoP.Window)

	cfg.Risk.MonitorThreshold = getEnvIntOrDefault("RISK_MONITOR_THRESHOLD", cfg.Risk.MonitorThreshold)
	cfg.Risk.StepUpThreshold = getEnvIntOrDefault("RISK_STEP_UP_THRESHOLD", cfg.Risk.StepUpThreshold)
	cfg.Risk.BlockThreshold = getEnvIntOrDefault("RISK_BLOCK_THRESHOLD", cfg.Risk.BlockThreshold)
	cfg.Risk.Retention = getEnvDurationOrDefault("RISK_RETENTION", cfg.Risk.Retention)

	cfg.StepUp.Grace = getEnvDurationOrDefault("STEP_UP_GRACE", cfg.StepUp.Grace)
	var err error
	if cfg.StepUp.MediumThreshold, err = getEnvDecimalOrDefault("STEP_UP_MEDIUM_AMOUNT", cfg.StepUp.MediumThreshold); err != nil {
		return cfg, err
	}
	if cfg.StepUp.HighThreshold, err = getEnvDecimalOrDefault("STEP_UP_HIGH_AMOUNT", cfg.StepUp.HighThreshold); err != nil {
		return cfg, err
	}

	cfg.Store.RedisURL = os.Getenv("REDIS_URL")
	cfg.Store.KeyPrefix = getEnvOrDefault("STORE_KEY_PREFIX", cfg.Store.KeyPrefix)
	cfg.Store.Timeout = getEnvDurationOrDefault("STORE_TIMEOUT", cfg.Store.Timeout)
	cfg.Store.SQLitePath = os.Getenv("RISK_SQLITE_PATH")
	cfg.Store.StreamMaxLen = int64(getEnvIntOrDefault("STORE_STREAM_MAXLEN", int(cfg.Store.StreamMaxLen)))

	cfg.Keys.Algorithm = getEnvOrDefault("KEYS_ALGORITHM", cfg.Keys.Algorithm)
	cfg.Keys.PrivateKeyPath = os.Getenv("KEYS_PRIVATE_KEY_PATH")
	cfg.Keys.KeyID = getEnvOrDefault("KEYS_KEY_ID", cfg.Keys.KeyID)

	cfg.HTTP.Addr = getEnvOrDefault("HTTP_ADDR", cfg.HTTP.Addr)
	cfg.HTTP.ShutdownGrace = getEnvDurationOrDefault("SHUTDOWN_GRACE_PERIOD", cfg.HTTP.ShutdownGrace)
	cfg.HTTP.TrustedProxies = getEnvListOrDefault("HTTP_TRUSTED_PROXIES", cfg.HTTP.TrustedProxies)
	cfg.HTTP.RequestsPerMinute = getEnvIntOrDefault("HTTP_REQUESTS_PER_MINUTE", cfg.HTTP.RequestsPerMinute)
	cfg.HTTP.RequestBurst = getEnvIntOrDefault("HTTP_REQUEST_BURST", cfg.HTTP.RequestBurst)

	cfg.Log.Level = getEnvOrDefault("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getEnvOrDefault("LOG_FORMAT", cfg.Log.Format)

	cfg.HousekeepingInterval = getEnvDurationOrDefault("HOUSEKEEPING_INTERVAL", cfg.HousekeepingInterval)

	return cfg, cfg.Validate()
}

// Validate rejects configurations that would weaken the protocol.
func (c Config) Validate() error {
	var errs []error
	if c.Challenge.TTL <= 0 {
		errs = append(errs, errors.New("challenge ttl must be positive"))
	}
	if c.Challenge.Domain == "" {
		errs = append(errs, errors.New("challenge domain is required"))
	}
	if c.RateLimit.IssuePerAddress <= 0 || c.RateLimit.IssuePerIP <= 0 || c.RateLimit.Window <= 0 {
		errs = append(errs, errors.New("rate limits must be positive"))
	}
	if c.Session.AccessTTL <= 0 || c.Session.RefreshTTL <= 0 {
		errs = append(errs, errors.New("session ttls must be positive"))
	}
	if c.Session.RefreshTTL < c.Session.AccessTTL {
		errs = append(errs, errors.New("refresh ttl must not be shorter than access ttl"))
	}
	switch c.Session.StepUpPolicy {
	case StepUpPolicyFlag, StepUpPolicyBlock:
	default:
		errs = append(errs, fmt.Errorf("unknown step-up policy %q", c.Session.StepUpPolicy))
	}
	if c.DPoP.Window <= 0 {
		errs = append(errs, errors.New("dpop window must be positive"))
	}
	r := c.Risk
	if !(0 <= r.MonitorThreshold && r.MonitorThreshold <= r.StepUpThreshold &&
		r.StepUpThreshold <= r.BlockThreshold && r.BlockThreshold <= 100) {
		errs = append(errs, errors.New("risk thresholds must satisfy 0 <= monitor <= step-up <= block <= 100"))
	}
	if c.StepUp.Grace <= 0 {
		errs = append(errs, errors.New("step-up grace must be positive"))
	}
	if c.StepUp.HighThreshold.LessThan(c.StepUp.MediumThreshold) {
		errs = append(errs, errors.New("step-up high amount must not be below medium amount"))
	}
	if c.Store.Timeout <= 0 {
		errs = append(errs, errors.New("store timeout must be positive"))
	}
	if c.Store.StreamMaxLen <= 0 {
		errs = append(errs, errors.New("stream max length must be positive"))
	}
	if c.HTTP.RequestsPerMinute < 0 || c.HTTP.RequestBurst < 0 {
		errs = append(errs, errors.New("request throttle must not be negative"))
	}
	for _, p := range c.HTTP.TrustedProxies {
		if !validProxy(p) {
			errs = append(errs, fmt.Errorf("invalid trusted proxy %q", p))
		}
	}
	switch c.Keys.Algorithm {
	case "ES256", "EdDSA":
	default:
		errs = append(errs, fmt.Errorf("unsupported signing algorithm %q", c.Keys.Algorithm))
	}
	return errors.Join(errs...)
}

func validProxy(p string) bool {
	if strings.Contains(p, "/") {
		_, _, err := net.ParseCIDR(p)
		return err == nil
	}
	return net.ParseIP(p) != nil
}

func getEnvListOrDefault(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	if intValue, err := strconv.Atoi(value); err == nil {
		return intValue
	}

	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	if duration, err := time.ParseDuration(value); err == nil {
		return duration
	}

	// Bare integers are seconds
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}

	return defaultValue
}

func getEnvDecimalOrDefault(key string, defaultValue decimal.Decimal) (decimal.Decimal, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return defaultValue, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
