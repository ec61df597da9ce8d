package app

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLoader(files ...string) aconfig.Config {
	return aconfig.Config{
		EnvPrefix: "BAZAAR",
		SkipFlags: true,
		Files:     files,
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("BAZAAR_STORAGE", "memory")

	cfg, err := loadConfig(testLoader())
	require.NoError(t, err)
	assert.Equal(t, StorageMemory, cfg.Storage)
	assert.Equal(t, defaultAddr, cfg.Addr)
	assert.Equal(t, "first", cfg.Pricing.PromotionPolicy)
	assert.Equal(t, "checkout", cfg.Checkout.PricePolicy)
	assert.Equal(t, 720*time.Hour, cfg.Cart.TTL)
	assert.Equal(t, time.Second, cfg.Notify.Interval)
	assert.Equal(t, uint32(5), cfg.Notify.BreakerFailures)
	assert.Equal(t, "bazaar.orders", cfg.Kafka.Topic)
	assert.False(t, cfg.Auth.Enabled)
}

func TestLoadConfig_PlatformDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://u:p@db:5432/bazaar")
	t.Setenv("REDIS_URL", "redis://cache:6379/0")
	t.Setenv("PORT", "9000")

	cfg, err := loadConfig(testLoader())
	require.NoError(t, err)
	assert.Equal(t, StoragePostgres, cfg.Storage)
	assert.Equal(t, "postgres://u:p@db:5432/bazaar", cfg.DatabaseURL)
	assert.Equal(t, "redis://cache:6379/0", cfg.Redis.URL)
	assert.Equal(t, "0.0.0.0:9000", cfg.Addr)
}

func TestLoadConfig_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
storage: memory
pricing:
  promotion_policy: best
checkout:
  price_policy: cart
kafka:
  brokers: ["k1:9092", "k2:9092"]
`), 0o600))

	cfg, err := loadConfig(testLoader(path))
	require.NoError(t, err)
	assert.Equal(t, "best", cfg.Pricing.PromotionPolicy)
	assert.Equal(t, "cart", cfg.Checkout.PricePolicy)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
}

func TestConfig_Validate(t *testing.T) {
	valid := func() Config {
		return Config{
			Storage:  StorageMemory,
			Pricing:  PricingConfig{PromotionPolicy: "first"},
			Checkout: CheckoutConfig{PricePolicy: "checkout"},
		}
	}

	for _, tt := range []struct {
		name   string
		mutate func(c *Config)
		errMsg string
	}{
		{"Valid", func(*Config) {}, ""},
		{"PostgresWithoutURL", func(c *Config) { c.Storage = StoragePostgres }, "database URL is required"},
		{"UnknownStorage", func(c *Config) { c.Storage = "sqlite" }, "unknown storage"},
		{"UnknownPromotionPolicy", func(c *Config) { c.Pricing.PromotionPolicy = "random" }, "unknown promotion policy"},
		{"UnknownPricePolicy", func(c *Config) { c.Checkout.PricePolicy = "never" }, "unknown price policy"},
		{"AuthWithoutPepper", func(c *Config) { c.Auth.Enabled = true }, "pepper is required"},
	} {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.errMsg == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}
