package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Environment string

const (
	EnvSandbox    Environment = "sandbox"
	EnvProduction Environment = "production"
)

const (
	ProviderCashfree = "cashfree"
	ProviderStripe   = "stripe"
)

var defaultBaseURLs = map[string]map[Environment]string{
	ProviderCashfree: {
		EnvSandbox:    "https://sandbox.cashfree.com/pg",
		EnvProduction: "https://api.cashfree.com/pg",
	},
	ProviderStripe: {
		EnvSandbox:    "https://api.stripe.com",
		EnvProduction: "https://api.stripe.com",
	},
}

// GatewayCredentials are only ever handed to the gateway client.
type GatewayCredentials struct {
	ClientID     string
	ClientSecret string
}

type Gateway struct {
	Provider    string
	BaseURL     string
	APIVersion  string
	ReturnURL   string
	NotifyURL   string
	HTTPTimeout time.Duration
	Credentials GatewayCredentials
}

type Retry struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
}

type Webhook struct {
	// Secret is only ever handed to the webhook codec.
	Secret          string
	FreshnessWindow time.Duration
	DedupTTL        time.Duration
}

type Sweep struct {
	Interval   time.Duration
	StaleAfter time.Duration
	BatchSize  int
}

type Config struct {
	Env            Environment
	DebugMode      bool
	Port           string
	Currency       string
	PaymentTimeout time.Duration

	Gateway Gateway
	Retry   Retry
	Webhook Webhook
	Sweep   Sweep

	DatabaseURL         string
	RedisURL            string
	KafkaBrokers        []string
	KafkaTopic          string
	NATSURL             string
	WalletSubjectPrefix string
	OTLPEndpoint        string
}

// Load reads configuration from the environment, after loading the nearest .env
// file found walking up from the working directory, and validates it.
func Load() (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}
	return FromLookup(os.LookupEnv)
}

func loadDotEnv() error {
	dir, err := os.Getwd()
	if err != nil {
		return nil
	}
	for {
		envPath := filepath.Join(dir, ".env")
		if _, err := os.Stat(envPath); err == nil {
			if err := godotenv.Load(envPath); err != nil {
				return fmt.Errorf("failed to load .env file: %w", err)
			}
			return nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return nil
		}
		dir = parent
	}
}

// FromLookup builds a Config from an arbitrary variable source.
func FromLookup(lookup func(string) (string, bool)) (*Config, error) {
	r := reader{lookup: lookup}

	cfg := &Config{
		Env:            Environment(strings.ToLower(r.str("APP_ENV", string(EnvSandbox)))),
		DebugMode:      r.boolean("DEBUG_MODE", false),
		Port:           r.str("PORT", "8082"),
		Currency:       strings.ToUpper(r.str("PAYMENT_CURRENCY", "INR")),
		PaymentTimeout: r.duration("PAYMENT_TIMEOUT", 300*time.Second),
		Gateway: Gateway{
			Provider:    strings.ToLower(r.str("GATEWAY_PROVIDER", ProviderCashfree)),
			BaseURL:     r.str("GATEWAY_BASE_URL", ""),
			APIVersion:  r.str("GATEWAY_API_VERSION", "2023-08-01"),
			ReturnURL:   r.str("GATEWAY_RETURN_URL", ""),
			NotifyURL:   r.str("GATEWAY_NOTIFY_URL", ""),
			HTTPTimeout: r.duration("GATEWAY_HTTP_TIMEOUT", 30*time.Second),
			Credentials: GatewayCredentials{
				ClientID:     r.str("GATEWAY_CLIENT_ID", ""),
				ClientSecret: r.str("GATEWAY_CLIENT_SECRET", ""),
			},
		},
		Retry: Retry{
			MaxAttempts: r.integer("RETRY_MAX_ATTEMPTS", 3),
			BaseDelay:   r.duration("RETRY_BASE_DELAY", time.Second),
			Multiplier:  r.float("RETRY_MULTIPLIER", 2),
		},
		Webhook: Webhook{
			Secret:          r.str("GATEWAY_WEBHOOK_SECRET", ""),
			FreshnessWindow: r.duration("WEBHOOK_FRESHNESS_WINDOW", 5*time.Minute),
			DedupTTL:        r.duration("WEBHOOK_DEDUP_TTL", 24*time.Hour),
		},
		Sweep: Sweep{
			Interval:   r.duration("SWEEP_INTERVAL", time.Minute),
			StaleAfter: r.duration("SWEEP_STALE_AFTER", 10*time.Minute),
			BatchSize:  r.integer("SWEEP_BATCH_SIZE", 100),
		},
		DatabaseURL:         r.str("DATABASE_URL", ""),
		RedisURL:            r.str("REDIS_URL", ""),
		KafkaBrokers:        r.list("KAFKA_BROKERS"),
		KafkaTopic:          r.str("KAFKA_TOPIC", "payment.status.changed"),
		NATSURL:             r.str("NATS_URL", ""),
		WalletSubjectPrefix: r.str("WALLET_SUBJECT_PREFIX", "wallet"),
		OTLPEndpoint:        r.str("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
	}

	if cfg.Gateway.BaseURL == "" {
		cfg.Gateway.BaseURL = defaultBaseURLs[cfg.Gateway.Provider][cfg.Env]
	}

	if len(r.errs) > 0 {
		return nil, errors.Join(r.errs...)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the service must not run payment traffic with.
func (c *Config) Validate() error {
	var errs []error

	switch c.Env {
	case EnvSandbox, EnvProduction:
	default:
		errs = append(errs, fmt.Errorf("APP_ENV must be %q or %q, got %q", EnvSandbox, EnvProduction, c.Env))
	}
	if c.Env == EnvProduction && c.DebugMode {
		errs = append(errs, errors.New("DEBUG_MODE is not allowed in production"))
	}

	switch c.Gateway.Provider {
	case ProviderCashfree:
		if c.Gateway.Credentials.ClientID == "" {
			errs = append(errs, errors.New("missing required environment variable: GATEWAY_CLIENT_ID"))
		}
	case ProviderStripe:
	default:
		errs = append(errs, fmt.Errorf("unsupported GATEWAY_PROVIDER %q", c.Gateway.Provider))
	}
	if c.Gateway.Credentials.ClientSecret == "" {
		errs = append(errs, errors.New("missing required environment variable: GATEWAY_CLIENT_SECRET"))
	}
	if c.Webhook.Secret == "" {
		errs = append(errs, errors.New("missing required environment variable: GATEWAY_WEBHOOK_SECRET"))
	}

	if err := c.checkEndpoint("GATEWAY_BASE_URL", c.Gateway.BaseURL, true); err != nil {
		errs = append(errs, err)
	}
	if err := c.checkEndpoint("GATEWAY_RETURN_URL", c.Gateway.ReturnURL, false); err != nil {
		errs = append(errs, err)
	}
	if err := c.checkEndpoint("GATEWAY_NOTIFY_URL", c.Gateway.NotifyURL, false); err != nil {
		errs = append(errs, err)
	}

	if len(c.Currency) != 3 {
		errs = append(errs, fmt.Errorf("PAYMENT_CURRENCY must be an ISO 4217 code, got %q", c.Currency))
	}
	if c.PaymentTimeout <= 0 {
		errs = append(errs, errors.New("PAYMENT_TIMEOUT must be positive"))
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("RETRY_MAX_ATTEMPTS must be at least 1"))
	}
	if c.Retry.Multiplier < 1 {
		errs = append(errs, errors.New("RETRY_MULTIPLIER must be at least 1"))
	}
	if c.Webhook.FreshnessWindow <= 0 {
		errs = append(errs, errors.New("WEBHOOK_FRESHNESS_WINDOW must be positive"))
	}
	if c.Sweep.Interval <= 0 || c.Sweep.StaleAfter <= 0 || c.Sweep.BatchSize <= 0 {
		errs = append(errs, errors.New("SWEEP_INTERVAL, SWEEP_STALE_AFTER and SWEEP_BATCH_SIZE must be positive"))
	}
	if c.DatabaseURL == "" && !c.DebugMode {
		errs = append(errs, errors.New("missing required environment variable: DATABASE_URL"))
	}

	return errors.Join(errs...)
}

// checkEndpoint enforces HTTPS everywhere except local debug mode.
func (c *Config) checkEndpoint(name, raw string, required bool) error {
	if raw == "" {
		if required {
			return fmt.Errorf("missing required environment variable: %s", name)
		}
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return fmt.Errorf("%s is not a valid URL: %q", name, raw)
	}
	switch u.Scheme {
	case "https":
		return nil
	case "http":
		if c.DebugMode {
			return nil
		}
		return fmt.Errorf("%s must use https outside debug mode", name)
	default:
		return fmt.Errorf("%s has unsupported scheme %q", name, u.Scheme)
	}
}

type reader struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (r *reader) str(key, def string) string {
	if v, ok := r.lookup(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func (r *reader) list(key string) []string {
	raw := r.str(key, "")
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (r *reader) boolean(key string, def bool) bool {
	raw := r.str(key, "")
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return v
}

func (r *reader) integer(key string, def int) int {
	raw := r.str(key, "")
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return v
}

func (r *reader) float(key string, def float64) float64 {
	raw := r.str(key, "")
	if raw == "" {
		return def
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return v
}

func (r *reader) duration(key string, def time.Duration) time.Duration {
	raw := r.str(key, "")
	if raw == "" {
		return def
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return v
}
