package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Config struct {
	HTTPAddr          string
	DBDSN             string
	JWTIssuer         string
	JWTSecret         string
	JWTTTL            time.Duration
	WebSocketOrigin   string
	FeedURL           string
	FeedGrace         time.Duration
	FeedBackoffMin    time.Duration
	FeedBackoffMax    time.Duration
	RiskWorkerEnabled bool
	RiskInterval      time.Duration
	RiskLeaseKey      int64
	QuoteWait         time.Duration
	StreamBuffer      int
	BrokerageFlat     decimal.Decimal
	BrokerageRate     decimal.Decimal
	StartingBalance   decimal.Decimal
	FaucetEnabled     bool
	FaucetMax         decimal.Decimal
	Symbols           string
	PyroscopeServer   string
	LogLevel          string
}

// Load reads a .env file when one exists and then the process environment.
func Load() (Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return Config{}, err
		}
	}
	return FromEnv(os.Getenv)
}

func FromEnv(getenv func(string) string) (Config, error) {
	var c Config
	var missing []string
	c.HTTPAddr = getenv("HTTP_ADDR")
	if c.HTTPAddr == "" {
		missing = append(missing, "HTTP_ADDR")
	}
	c.JWTIssuer = getenv("JWT_ISSUER")
	if c.JWTIssuer == "" {
		missing = append(missing, "JWT_ISSUER")
	}
	c.JWTSecret = getenv("JWT_SECRET")
	if c.JWTSecret == "" {
		missing = append(missing, "JWT_SECRET")
	}
	c.WebSocketOrigin = getenv("WS_ORIGIN")
	if c.WebSocketOrigin == "" {
		missing = append(missing, "WS_ORIGIN")
	}
	if len(missing) > 0 {
		return c, errors.New("missing required env: " + strings.Join(missing, ","))
	}
	c.DBDSN = strings.TrimSpace(getenv("DB_DSN"))
	c.FeedURL = strings.TrimSpace(getenv("FEED_URL"))
	c.Symbols = strings.TrimSpace(getenv("SYMBOLS"))
	c.PyroscopeServer = strings.TrimSpace(getenv("PYROSCOPE_SERVER"))
	c.LogLevel = strings.ToLower(strings.TrimSpace(getenv("LOG_LEVEL")))
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	var err error
	if c.JWTTTL, err = duration(getenv, "JWT_TTL", 24*time.Hour); err != nil {
		return c, err
	}
	if c.FeedGrace, err = duration(getenv, "FEED_GRACE", 3*time.Second); err != nil {
		return c, err
	}
	if c.FeedBackoffMin, err = duration(getenv, "FEED_BACKOFF_MIN", 250*time.Millisecond); err != nil {
		return c, err
	}
	if c.FeedBackoffMax, err = duration(getenv, "FEED_BACKOFF_MAX", 10*time.Second); err != nil {
		return c, err
	}
	if c.RiskInterval, err = duration(getenv, "RISK_INTERVAL", 2*time.Second); err != nil {
		return c, err
	}
	if c.RiskInterval <= 0 {
		return c, errors.New("invalid RISK_INTERVAL: must be positive")
	}
	if c.QuoteWait, err = duration(getenv, "QUOTE_WAIT", 2*time.Second); err != nil {
		return c, err
	}
	if c.RiskWorkerEnabled, err = boolean(getenv, "RISK_WORKER_ENABLED", true); err != nil {
		return c, err
	}
	if c.FaucetEnabled, err = boolean(getenv, "FAUCET_ENABLED", true); err != nil {
		return c, err
	}
	if c.BrokerageFlat, err = amount(getenv, "BROKERAGE_FLAT", "20"); err != nil {
		return c, err
	}
	if c.BrokerageRate, err = amount(getenv, "BROKERAGE_RATE", "0"); err != nil {
		return c, err
	}
	if c.StartingBalance, err = amount(getenv, "STARTING_BALANCE", "1000000"); err != nil {
		return c, err
	}
	if c.FaucetMax, err = amount(getenv, "FAUCET_MAX", "100000"); err != nil {
		return c, err
	}

	c.StreamBuffer = 64
	if raw := strings.TrimSpace(getenv("STREAM_BUFFER")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return c, errors.New("invalid STREAM_BUFFER")
		}
		c.StreamBuffer = n
	}
	c.RiskLeaseKey = 7_340_001
	if raw := strings.TrimSpace(getenv("RISK_LEASE_KEY")); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return c, errors.New("invalid RISK_LEASE_KEY")
		}
		c.RiskLeaseKey = n
	}
	return c, nil
}

func duration(getenv func(string) string, key string, def time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(getenv(key))
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, errors.New("invalid " + key + ": " + err.Error())
	}
	return d, nil
}

func boolean(getenv func(string) string, key string, def bool) (bool, error) {
	raw := strings.TrimSpace(getenv(key))
	if raw == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, errors.New("invalid " + key)
	}
	return b, nil
}

func amount(getenv func(string) string, key, def string) (decimal.Decimal, error) {
	raw := strings.TrimSpace(getenv(key))
	if raw == "" {
		raw = def
	}
	v, err := decimal.NewFromString(raw)
	if err != nil || v.IsNegative() {
		return decimal.Zero, errors.New("invalid " + key)
	}
	return v, nil
}
