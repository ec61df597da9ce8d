//go:build integration

package postgres_test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/xenking/bazaar-checkout/db"
	"github.com/xenking/bazaar-checkout/internal/domain/auth"
	"github.com/xenking/bazaar-checkout/internal/domain/cart"
	"github.com/xenking/bazaar-checkout/internal/domain/coupon"
	"github.com/xenking/bazaar-checkout/internal/domain/inventory"
	"github.com/xenking/bazaar-checkout/internal/domain/order"
	"github.com/xenking/bazaar-checkout/internal/domain/pricing"
	"github.com/xenking/bazaar-checkout/internal/seed"
	"github.com/xenking/bazaar-checkout/internal/storage/postgres"
)

var (
	pool *pgxpool.Pool
	dsn  string
)

func TestMain(m *testing.M) {
	os.Exit(run(m))
}

func run(m *testing.M) int {
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("bazaar"),
		tcpostgres.WithUsername("bazaar"),
		tcpostgres.WithPassword("bazaar"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "start postgres: %v\n", err)
		return 1
	}
	defer func() { _ = container.Terminate(ctx) }()

	dsn, err = container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		fmt.Fprintf(os.Stderr, "connection string: %v\n", err)
		return 1
	}
	if err := postgres.Migrate(dsn); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		return 1
	}
	pool, err = postgres.NewPool(ctx, dsn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pool: %v\n", err)
		return 1
	}
	defer pool.Close()

	return m.Run()
}

type env struct {
	tx      *postgres.TxManager
	catalog *postgres.CatalogRepository
	carts   *cart.Service
	stock   *inventory.Service
	orders  *order.Service
	outbox  *postgres.OutboxRepository
	coupons *postgres.CouponRepository
}

var seedOnce sync.Once

func newEnv(t *testing.T) *env {
	t.Helper()

	tx := postgres.NewTxManager(pool)
	e := &env{
		tx:      tx,
		catalog: postgres.NewCatalogRepository(pool),
		stock:   inventory.NewService(postgres.NewInventoryRepository(pool), tx),
		outbox:  postgres.NewOutboxRepository(pool),
		coupons: postgres.NewCouponRepository(pool),
	}

	seedOnce.Do(func() {
		d, err := seed.Decode(db.Seed)
		require.NoError(t, err)
		require.NoError(t, seed.Apply(context.Background(), d, e.catalog, e.stock, e.coupons))
	})

	engine := pricing.NewEngine(pricing.PolicyFirst)
	cartRepo := postgres.NewCartRepository(pool)
	e.carts = cart.NewService(cartRepo, e.catalog, engine, e.stock, tx, time.Hour)

	svc, err := order.NewService(order.Deps{
		Carts:   cartRepo,
		Catalog: e.catalog,
		Engine:  engine,
		Stock:   e.stock,
		Orders:  postgres.NewOrderRepository(pool),
		Events:  e.outbox,
		Coupons: coupon.NewRepoValidator(e.coupons),
		Tx:      tx,
	})
	require.NoError(t, err)
	e.orders = svc
	return e
}

func customer(t *testing.T) string {
	return "it-" + t.Name() + "-" + fmt.Sprint(time.Now().UnixNano())
}

func (e *env) reserved(t *testing.T, productID string) int {
	t.Helper()

	s, err := e.stock.Lookup(context.Background(), inventory.Key{ProductID: productID})
	require.NoError(t, err)
	return s.Reserved
}

func TestMigrate_Idempotent(t *testing.T) {
	require.NoError(t, postgres.Migrate(dsn))
}

func TestCatalog_SeededProduct(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	p, err := e.catalog.GetByID(ctx, "cotton-panjabi")
	require.NoError(t, err)
	assert.True(t, p.BasePrice.Valid)

	v, err := e.catalog.GetVariant(ctx, "cotton-panjabi", "xl")
	require.NoError(t, err)
	assert.Equal(t, "cotton-panjabi", v.ProductID)

	_, err = e.catalog.GetByID(ctx, "missing")
	assert.Error(t, err)
}

func TestCart_AddAndUpdate(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	cust := customer(t)

	c, err := e.carts.AddItem(ctx, cart.AddItemRequest{CustomerID: cust, ProductID: "hilsa-pickle", Quantity: 2})
	require.NoError(t, err)
	require.Len(t, c.Items, 1)
	assert.Equal(t, int64(1), c.Version)

	c, err = e.carts.AddItem(ctx, cart.AddItemRequest{CustomerID: cust, ProductID: "hilsa-pickle", Quantity: 1})
	require.NoError(t, err)
	require.Len(t, c.Items, 1)
	assert.Equal(t, 3, c.Items[0].Quantity)

	c, err = e.carts.UpdateItemQuantity(ctx, c.Items[0].ID, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, c.ItemCount)

	got, err := e.carts.Get(ctx, cust)
	require.NoError(t, err)
	assert.Equal(t, c.Version, got.Version)
	assert.True(t, c.Total.Equal(got.Total), "total %s != %s", c.Total, got.Total)
}

func TestCart_ConcurrentAddsForNewCustomer(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	cust := customer(t)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = e.carts.AddItem(ctx, cart.AddItemRequest{CustomerID: cust, ProductID: "nakshi-kantha", Quantity: 1})
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	c, err := e.carts.Get(ctx, cust)
	require.NoError(t, err)
	require.Len(t, c.Items, 1)
	assert.Equal(t, 2, c.Items[0].Quantity)
}

func TestCheckout_ReservesAndCancelReleases(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	cust := customer(t)

	before := e.reserved(t, "hilsa-pickle")
	_, err := e.carts.AddItem(ctx, cart.AddItemRequest{CustomerID: cust, ProductID: "hilsa-pickle", Quantity: 2})
	require.NoError(t, err)

	o, err := e.orders.Checkout(ctx, cust)
	require.NoError(t, err)
	assert.Equal(t, order.StatusPending, o.Status)
	assert.Equal(t, before+2, e.reserved(t, "hilsa-pickle"))

	stored, err := e.orders.Get(ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, stored.Items, 1)
	assert.True(t, o.Total.Equal(stored.Total))

	c, err := e.carts.Get(ctx, cust)
	require.NoError(t, err)
	assert.Empty(t, c.Items)
	assert.Equal(t, cart.StateCheckedOut, c.State(time.Now()))

	list, err := e.orders.ListByCustomer(ctx, cust)
	require.NoError(t, err)
	require.Len(t, list, 1)

	cancelled, err := e.orders.Cancel(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusCancelled, cancelled.Status)
	assert.Equal(t, before, e.reserved(t, "hilsa-pickle"))

	_, err = e.orders.Cancel(ctx, o.ID)
	assert.ErrorIs(t, err, order.ErrInvalidStatus)
}

func TestCheckout_InsufficientStockRollsBack(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	cust := customer(t)

	key := inventory.Key{ProductID: "jamdani-saree"}
	_, err := e.carts.AddItem(ctx, cart.AddItemRequest{CustomerID: cust, ProductID: "cotton-panjabi", VariantID: "m", Quantity: 1})
	require.NoError(t, err)
	_, err = e.carts.AddItem(ctx, cart.AddItemRequest{CustomerID: cust, ProductID: key.ProductID, Quantity: 1})
	require.NoError(t, err)

	// Drain the saree after it was carted so the reservation fails at checkout.
	st, err := e.stock.Lookup(ctx, key)
	require.NoError(t, err)
	_, err = e.stock.Restock(ctx, key, st.Reserved)
	require.NoError(t, err)
	t.Cleanup(func() { _, _ = e.stock.Restock(ctx, key, st.Total) })

	panjabi, err := e.stock.Lookup(ctx, inventory.Key{ProductID: "cotton-panjabi", VariantID: "m"})
	require.NoError(t, err)

	_, err = e.orders.Checkout(ctx, cust)
	require.ErrorIs(t, err, inventory.ErrInsufficientStock)

	after, err := e.stock.Lookup(ctx, inventory.Key{ProductID: "cotton-panjabi", VariantID: "m"})
	require.NoError(t, err)
	assert.Equal(t, panjabi.Reserved, after.Reserved)

	c, err := e.carts.Get(ctx, cust)
	require.NoError(t, err)
	assert.Len(t, c.Items, 2)
}

func TestInventory_CheckConstraint(t *testing.T) {
	ctx := context.Background()
	_, err := pool.Exec(ctx, `UPDATE inventory SET reserved = stock + 1 WHERE product_id = 'hilsa-pickle' AND variant_id = ''`)
	assert.Error(t, err)
}

func TestCart_StaleVersionRejected(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	cust := customer(t)

	c, err := e.carts.AddItem(ctx, cart.AddItemRequest{CustomerID: cust, ProductID: "hilsa-pickle", Quantity: 1})
	require.NoError(t, err)

	repo := postgres.NewCartRepository(pool)
	// Replaying the already stored version must not overwrite it.
	stale := *c
	err = repo.Save(ctx, &stale)
	assert.ErrorIs(t, err, cart.ErrConcurrentModification)
}

func TestCoupon_IncrementUsesEnforcesLimit(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	code := fmt.Sprintf("LIMIT%d", time.Now().UnixNano())
	require.NoError(t, e.coupons.PutCoupon(ctx, coupon.Rule{
		Code:         code,
		DiscountType: coupon.DiscountFixed,
		Value:        decimal.NewFromInt(10),
		MaxUses:      1,
	}))

	rule, err := e.coupons.FindByCode(ctx, code)
	require.NoError(t, err)
	assert.Equal(t, code, rule.Code)

	require.NoError(t, e.coupons.IncrementUses(ctx, code))
	assert.ErrorIs(t, e.coupons.IncrementUses(ctx, code), coupon.ErrCouponUsageLimitReached)
}

func TestOutbox_PendingAndMarkPublished(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	cust := customer(t)

	_, err := e.carts.AddItem(ctx, cart.AddItemRequest{CustomerID: cust, ProductID: "nakshi-kantha", Quantity: 1})
	require.NoError(t, err)
	o, err := e.orders.Checkout(ctx, cust)
	require.NoError(t, err)

	var found *order.Event
	err = e.tx.InTx(ctx, func(ctx context.Context) error {
		events, err := e.outbox.Pending(ctx, 1000)
		if err != nil {
			return err
		}
		ids := make([]int64, 0, len(events))
		for i := range events {
			ids = append(ids, events[i].ID)
			if events[i].OrderID == o.ID {
				found = &events[i]
			}
		}
		if found == nil {
			return errors.New("order event not pending")
		}
		return e.outbox.MarkPublished(ctx, ids, time.Now())
	})
	require.NoError(t, err)
	assert.Equal(t, order.EventPlaced, found.Type)

	events, err := e.outbox.Pending(ctx, 1000)
	require.NoError(t, err)
	for _, ev := range events {
		assert.NotEqual(t, o.ID, ev.OrderID)
	}
}

func TestAPIKeys_PutAndFind(t *testing.T) {
	ctx := context.Background()
	repo := postgres.NewAPIKeyRepository(pool)
	pepper := []byte("pepper")

	raw := fmt.Sprintf("key-%d", time.Now().UnixNano())
	require.NoError(t, repo.Put(ctx, auth.APIKeyInfo{
		ID:      raw,
		KeyHash: auth.Hash(raw, pepper),
		Name:    "integration",
		Scopes:  []string{"orders:write"},
	}))

	info, err := auth.NewAuthenticator(repo, pepper).Authenticate(ctx, raw)
	require.NoError(t, err)
	assert.Equal(t, "integration", info.Name)

	_, err = repo.FindByHash(ctx, "nope")
	assert.ErrorIs(t, err, auth.ErrNotFound)
}
