package app

import (
	"os"
	"strings"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"

	"github.com/xenking/bazaar-checkout/internal/domain/order"
	"github.com/xenking/bazaar-checkout/internal/domain/pricing"
)

const defaultAddr = "0.0.0.0:8080"

// Storage backends.
const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

// Config holds the complete application configuration, loadable from
// environment variables (BAZAAR_ prefix), flags, or YAML config files.
type Config struct {
	Addr        string `default:"0.0.0.0:8080" usage:"API server listen address"`
	Storage     string `default:"postgres" usage:"Storage backend: postgres or memory"`
	DatabaseURL string `usage:"PostgreSQL connection URL (BAZAAR_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	Pricing     PricingConfig
	Checkout    CheckoutConfig
	Cart        CartConfig
	Redis       RedisConfig
	Kafka       KafkaConfig
	Notify      NotifyConfig
	Auth        AuthConfig
	RateLimit   RateLimitConfig
	CORS        CORSConfig
	Graceful    GracefulConfig
}

// PricingConfig selects how promotions are picked for a line.
type PricingConfig struct {
	PromotionPolicy string `default:"first" usage:"Promotion selection: first or best" flag:"promotion-policy"`
}

// CheckoutConfig controls order creation.
type CheckoutConfig struct {
	PricePolicy string `default:"checkout" usage:"Prices frozen into orders: checkout or cart" flag:"price-policy"`
	ListLimit   int    `default:"100" usage:"Max orders returned per customer listing" flag:"list-limit"`
}

// CartConfig controls cart lifetime.
type CartConfig struct {
	TTL time.Duration `default:"720h" usage:"Lifetime of a cart since its last renewal" flag:"cart-ttl"`
}

// RedisConfig enables the distributed checkout lock when URL is set.
type RedisConfig struct {
	URL     string        `usage:"Redis URL for checkout locks (BAZAAR_REDIS_URL or REDIS_URL)" flag:"redis-url"`
	LockTTL time.Duration `default:"30s" usage:"Checkout lock expiry" flag:"lock-ttl"`
}

// KafkaConfig enables publishing order events to Kafka when Brokers is set.
type KafkaConfig struct {
	Brokers []string `usage:"Kafka broker addresses"`
	Topic   string   `default:"bazaar.orders" usage:"Topic for order events"`
}

// NotifyConfig controls the outbox relay.
type NotifyConfig struct {
	Interval        time.Duration `default:"1s" usage:"Outbox poll interval" flag:"notify-interval"`
	Batch           int           `default:"100" usage:"Events published per poll" flag:"notify-batch"`
	BreakerFailures uint32        `default:"5" usage:"Consecutive publish failures that open the breaker" flag:"breaker-failures"`
	BreakerCooldown time.Duration `default:"30s" usage:"Time the breaker stays open" flag:"breaker-cooldown"`
}

// AuthConfig controls API key checks on /api.
type AuthConfig struct {
	Enabled bool   `default:"false" usage:"Require an api_key header on /api routes" flag:"auth-enabled"`
	Pepper  string `usage:"HMAC pepper for API key hashing (BAZAAR_AUTH_PEPPER)" flag:"api-key-pepper"`
	// Keys are raw keys accepted in memory mode.
	Keys []string `usage:"Static API keys for memory storage" flag:"api-keys"`
}

// RateLimitConfig controls the per-client sliding window rate limiter.
type RateLimitConfig struct {
	Max    int           `default:"100" usage:"Max requests per window"`
	Window time.Duration `default:"1m"  usage:"Rate limit window duration"`
}

// CORSConfig controls Cross-Origin Resource Sharing headers.
type CORSConfig struct {
	Origins          []string `default:"*" usage:"Allowed CORS origins"`
	AllowCredentials bool     `default:"false" usage:"Allow credentials (cookies, auth headers)" flag:"cors-credentials"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables, YAML config files,
// and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	return loadConfig(aconfig.Config{
		EnvPrefix: "BAZAAR",
		Files:     []string{"config.yaml", "/etc/bazaar/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
}

func loadConfig(ac aconfig.Config) (*Config, error) {
	var cfg Config
	if err := aconfig.LoaderFor(&cfg, ac).Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values the loader cannot.
func (c *Config) Validate() error {
	switch c.Storage {
	case StoragePostgres:
		if c.DatabaseURL == "" {
			return errors.New("database URL is required: set BAZAAR_DATABASE_URL or DATABASE_URL")
		}
	case StorageMemory:
	default:
		return errors.Errorf("unknown storage %q", c.Storage)
	}
	if _, err := pricing.ParsePolicy(c.Pricing.PromotionPolicy); err != nil {
		return errors.Wrap(err, "pricing")
	}
	if _, err := order.ParsePricePolicy(c.Checkout.PricePolicy); err != nil {
		return errors.Wrap(err, "checkout")
	}
	if c.Auth.Enabled && c.Auth.Pepper == "" {
		return errors.New("auth pepper is required when auth is enabled")
	}
	return nil
}

// applyPlatformDefaults maps platform-provided environment variables that use
// standard names like DATABASE_URL, REDIS_URL and PORT to the application's
// BAZAAR_-prefixed configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		c.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	if c.Redis.URL == "" {
		c.Redis.URL = os.Getenv("REDIS_URL")
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == defaultAddr {
		c.Addr = "0.0.0.0:" + port
	}
	c.Storage = strings.ToLower(strings.TrimSpace(c.Storage))
}
