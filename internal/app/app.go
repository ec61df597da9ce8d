package app

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/bazaar-checkout/db"
	"github.com/xenking/bazaar-checkout/internal/domain/auth"
	"github.com/xenking/bazaar-checkout/internal/domain/cart"
	"github.com/xenking/bazaar-checkout/internal/domain/coupon"
	"github.com/xenking/bazaar-checkout/internal/domain/inventory"
	"github.com/xenking/bazaar-checkout/internal/domain/order"
	"github.com/xenking/bazaar-checkout/internal/domain/pricing"
	"github.com/xenking/bazaar-checkout/internal/domain/product"
	"github.com/xenking/bazaar-checkout/internal/domain/txn"
	"github.com/xenking/bazaar-checkout/internal/handler"
	"github.com/xenking/bazaar-checkout/internal/notify"
	"github.com/xenking/bazaar-checkout/internal/seed"
	"github.com/xenking/bazaar-checkout/internal/storage/memory"
	"github.com/xenking/bazaar-checkout/internal/storage/postgres"
	"github.com/xenking/bazaar-checkout/internal/storage/redis"
	"github.com/xenking/bazaar-checkout/pkg/health"
	"github.com/xenking/bazaar-checkout/pkg/httpmiddleware"
)

// repos is the storage surface shared by both backends.
type repos struct {
	tx      txn.Manager
	catalog product.Catalog
	carts   cart.Repository
	stock   inventory.Repository
	orders  order.Repository
	outbox  interface {
		order.EventLog
		notify.Outbox
	}
	coupons coupon.Repository
	apiKeys auth.Repository
}

// Run creates all dependencies, starts the HTTP server and the outbox relay,
// and handles graceful shutdown. It is the single wiring point for the
// application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing",
		zap.String("addr", cfg.Addr),
		zap.String("storage", cfg.Storage),
	)

	healthSvc := health.New()
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))

	var (
		r   *repos
		err error
	)
	switch cfg.Storage {
	case StorageMemory:
		r, err = memoryRepos(ctx, cfg)
	default:
		var cleanup func()
		r, cleanup, err = postgresRepos(ctx, cfg, healthSvc)
		if cleanup != nil {
			defer cleanup()
		}
	}
	if err != nil {
		return err
	}

	var locker order.Locker
	if cfg.Redis.URL != "" {
		client, err := redis.NewClient(cfg.Redis.URL)
		if err != nil {
			return errors.Wrap(err, "redis")
		}
		defer func() { _ = client.Close() }()
		l := redis.NewLocker(client, "bazaar:checkout:", cfg.Redis.LockTTL)
		healthSvc.AddReadinessCheck("redis", 2*time.Second, health.PingCheck("redis", l),
			health.WithThresholds(3, 1),
		)
		locker = l
	}

	promotionPolicy, _ := pricing.ParsePolicy(cfg.Pricing.PromotionPolicy)
	pricePolicy, _ := order.ParsePricePolicy(cfg.Checkout.PricePolicy)

	engine := pricing.NewEngine(promotionPolicy)
	stock := inventory.NewService(r.stock, r.tx)
	coupons := coupon.NewRepoValidator(r.coupons)
	carts := cart.NewService(r.carts, r.catalog, engine, stock, r.tx, cfg.Cart.TTL, cart.WithCoupons(coupons))
	orders, err := order.NewService(order.Deps{
		Carts:     r.carts,
		Catalog:   r.catalog,
		Engine:    engine,
		Stock:     stock,
		Orders:    r.orders,
		Events:    r.outbox,
		Coupons:   coupons,
		Tx:        r.tx,
		Locker:    locker,
		Policy:    pricePolicy,
		Meter:     m.MeterProvider(),
		Tracer:    m.TracerProvider(),
		ListLimit: cfg.Checkout.ListLimit,
	})
	if err != nil {
		return errors.Wrap(err, "order service")
	}

	var authenticator handler.Authenticator
	if cfg.Auth.Enabled {
		authenticator = auth.NewAuthenticator(r.apiKeys, []byte(cfg.Auth.Pepper))
	}

	pub, closePub := publisher(cfg, lg)
	defer closePub()
	poller := notify.NewPoller(r.outbox, r.tx, pub, notify.PollerConfig{
		Interval: cfg.Notify.Interval,
		Batch:    cfg.Notify.Batch,
	})

	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)

	h := handler.NewHandler(carts, orders, authenticator)
	routes := h.Routes(func(r chi.Router) {
		r.Get("/livez", healthSvc.LiveEndpoint)
		r.Get("/readyz", healthSvc.ReadyEndpoint)
	})

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: httpmiddleware.Wrap(routes,
			handler.RouteContext,
			httpmiddleware.Recovery(),
			httpmiddleware.CORS(httpmiddleware.CORSConfig{
				AllowOrigins:     cfg.CORS.Origins,
				AllowHeaders:     []string{"Content-Type", "Authorization", handler.APIKeyHeader, handler.CustomerHeader},
				AllowCredentials: cfg.CORS.AllowCredentials,
				MaxAge:           86400,
			}),
			httpmiddleware.RateLimitWithCleanup(ctx, httpmiddleware.RateLimitConfig{
				Max:    cfg.RateLimit.Max,
				Window: cfg.RateLimit.Window,
			}),
			httpmiddleware.RequestID(),
			httpmiddleware.InjectLogger(zctx.From(ctx)),
			httpmiddleware.Instrument("bazaar-api", handler.RouteFinder, m.TracerProvider(), m.MeterProvider()),
			httpmiddleware.LogRequests(handler.RouteFinder),
		),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return poller.Run(gctx)
	})
	g.Go(func() error {
		lg.Info("Server listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "server")
		}
		return nil
	})
	// Graceful shutdown: wait for cancellation, drain, then stop.
	g.Go(func() error {
		<-gctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		healthSvc.Stop()
		return nil
	})
	return g.Wait()
}

func postgresRepos(ctx context.Context, cfg *Config, hs *health.Health) (*repos, func(), error) {
	if err := postgres.Migrate(cfg.DatabaseURL); err != nil {
		return nil, nil, errors.Wrap(err, "run migrations")
	}
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, errors.Wrap(err, "create db pool")
	}
	hs.AddReadinessCheck("postgres", 5*time.Second, health.PingCheck("postgres", pool))

	return &repos{
		tx:      postgres.NewTxManager(pool),
		catalog: postgres.NewCatalogRepository(pool),
		carts:   postgres.NewCartRepository(pool),
		stock:   postgres.NewInventoryRepository(pool),
		orders:  postgres.NewOrderRepository(pool),
		outbox:  postgres.NewOutboxRepository(pool),
		coupons: postgres.NewCouponRepository(pool),
		apiKeys: postgres.NewAPIKeyRepository(pool),
	}, pool.Close, nil
}

// memoryRepos builds a seeded in-process store. API keys come from config.
func memoryRepos(ctx context.Context, cfg *Config) (*repos, error) {
	store := memory.New()
	d, err := seed.Decode(db.Seed)
	if err != nil {
		return nil, errors.Wrap(err, "decode seed")
	}
	stock := inventory.NewService(store.Stock(), store)
	if err := seed.Apply(ctx, d, store.Catalog(), stock, store.Coupons()); err != nil {
		return nil, errors.Wrap(err, "apply seed")
	}

	keys := make(auth.StaticKeys, len(cfg.Auth.Keys))
	for i, raw := range cfg.Auth.Keys {
		hash := auth.Hash(raw, []byte(cfg.Auth.Pepper))
		keys[hash] = auth.APIKeyInfo{
			ID:      "static-" + strconv.Itoa(i+1),
			KeyHash: hash,
			Name:    "static",
		}
	}

	return &repos{
		tx:      store,
		catalog: store.Catalog(),
		carts:   store.Carts(),
		stock:   store.Stock(),
		orders:  store.Orders(),
		outbox:  store.Events(),
		coupons: store.Coupons(),
		apiKeys: keys,
	}, nil
}

// publisher picks Kafka when brokers are configured and logs events
// otherwise. Either way publishes go through a circuit breaker.
func publisher(cfg *Config, lg *zap.Logger) (notify.Publisher, func()) {
	var (
		next    notify.Publisher = notify.LogPublisher{}
		closeFn                  = func() {}
	)
	if len(cfg.Kafka.Brokers) > 0 {
		kp := notify.NewKafkaPublisher(cfg.Kafka.Topic, cfg.Kafka.Brokers...)
		next = kp
		closeFn = func() {
			if err := kp.Close(); err != nil {
				lg.Warn("Close kafka writer", zap.Error(err))
			}
		}
	}
	return notify.NewBreaker(next, notify.BreakerConfig{
		Failures: cfg.Notify.BreakerFailures,
		Cooldown: cfg.Notify.BreakerCooldown,
	}, lg), closeFn
}
