// Command seed-db migrates the database and loads a catalog seed file.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"

	"github.com/go-faster/errors"

	"github.com/xenking/bazaar-checkout/db"
	"github.com/xenking/bazaar-checkout/internal/domain/auth"
	"github.com/xenking/bazaar-checkout/internal/domain/inventory"
	"github.com/xenking/bazaar-checkout/internal/seed"
	"github.com/xenking/bazaar-checkout/internal/storage/postgres"
)

type options struct {
	databaseURL string
	seedFile    string
	apiKey      string
	pepper      string
}

func main() {
	var opts options

	flag.StringVar(&opts.databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&opts.seedFile, "seed-file", "", "catalog seed JSON; the embedded catalog when empty")
	flag.StringVar(&opts.apiKey, "api-key", "", "API key to register (or BAZAAR_SEED_API_KEY env)")
	flag.StringVar(&opts.pepper, "api-key-pepper", "", "HMAC pepper for API key hashing (or BAZAAR_AUTH_PEPPER env)")
	flag.Parse()

	if opts.databaseURL == "" {
		opts.databaseURL = os.Getenv("DATABASE_URL")
	}
	if opts.databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}
	if opts.apiKey == "" {
		opts.apiKey = os.Getenv("BAZAAR_SEED_API_KEY")
	}
	if opts.pepper == "" {
		opts.pepper = os.Getenv("BAZAAR_AUTH_PEPPER")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, opts); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	slog.Info("seed completed successfully")
}

func run(ctx context.Context, opts options) error {
	raw := db.Seed
	if opts.seedFile != "" {
		slog.Info("reading seed file", slog.String("path", opts.seedFile))
		b, err := os.ReadFile(opts.seedFile)
		if err != nil {
			return errors.Wrap(err, "read seed file")
		}
		raw = b
	}
	data, err := seed.Decode(raw)
	if err != nil {
		return errors.Wrap(err, "decode seed")
	}

	slog.Info("running migrations")
	if err := postgres.Migrate(opts.databaseURL); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	pool, err := postgres.NewPool(ctx, opts.databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	tx := postgres.NewTxManager(pool)
	stock := inventory.NewService(postgres.NewInventoryRepository(pool), tx)

	// One transaction so a partial seed never lands.
	err = tx.InTx(ctx, func(ctx context.Context) error {
		if err := seed.Apply(ctx, data,
			postgres.NewCatalogRepository(pool),
			stock,
			postgres.NewCouponRepository(pool),
		); err != nil {
			return err
		}
		if opts.apiKey == "" {
			return nil
		}
		return postgres.NewAPIKeyRepository(pool).Put(ctx, auth.APIKeyInfo{
			ID:      "default",
			KeyHash: auth.Hash(opts.apiKey, []byte(opts.pepper)),
			Name:    "Default storefront key",
			Scopes:  []string{"cart", "checkout"},
		})
	})
	if err != nil {
		return err
	}

	slog.Info("seeded catalog",
		slog.Int("products", len(data.Products)),
		slog.Int("coupons", len(data.Coupons)),
		slog.Bool("api_key", opts.apiKey != ""),
	)
	return nil
}
