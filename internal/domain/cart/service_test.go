package cart_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/bazaar-checkout/internal/domain/cart"
	"github.com/xenking/bazaar-checkout/internal/domain/coupon"
	"github.com/xenking/bazaar-checkout/internal/domain/inventory"
	"github.com/xenking/bazaar-checkout/internal/domain/pricing"
	"github.com/xenking/bazaar-checkout/internal/domain/product"
	"github.com/xenking/bazaar-checkout/internal/domain/txn"
	"github.com/xenking/bazaar-checkout/internal/storage/memory"
)

func money(s string) decimal.NullDecimal {
	return decimal.NewNullDecimal(decimal.RequireFromString(s))
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type fixture struct {
	store *memory.Store
	svc   *cart.Service
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	ctx := context.Background()
	st := memory.New()
	st.Catalog().Put(product.Product{
		ID:        "p1",
		Name:      "Kurta",
		BasePrice: money("100"),
		TaxRate:   money("0.05"),
	})
	st.Catalog().Put(product.Product{
		ID:        "p2",
		Name:      "Saree",
		BasePrice: money("100"),
		TaxRate:   money("0.05"),
		Promotions: []product.Promotion{
			{ID: "promo20", DiscountValue: dec("20"), IsPercentage: true},
		},
	})
	st.Catalog().Put(product.Product{
		ID:        "p3",
		Name:      "Lungi",
		SalePrice: money("40"),
	}, product.Variant{ID: "v1", SKU: "LUNGI-XL", BasePrice: money("55")})
	st.Catalog().Put(product.Product{ID: "unpriced", Name: "Mystery"})

	inv := st.Stock()
	for _, s := range []inventory.Stock{
		{Key: inventory.Key{ProductID: "p1"}, Total: 10},
		{Key: inventory.Key{ProductID: "p2"}, Total: 10},
		{Key: inventory.Key{ProductID: "p3"}, Total: 3},
		{Key: inventory.Key{ProductID: "unpriced"}, Total: 10},
	} {
		require.NoError(t, inv.Upsert(ctx, &s))
	}

	f := &fixture{store: st, now: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)}
	f.svc = f.newService(st)
	return f
}

func (f *fixture) newService(tx txn.Manager, opts ...cart.Option) *cart.Service {
	svc := cart.NewService(
		f.store.Carts(),
		f.store.Catalog(),
		pricing.NewEngine(pricing.PolicyFirst),
		inventory.NewService(f.store.Stock(), f.store),
		tx,
		time.Hour,
		opts...,
	)
	svc.SetClock(func() time.Time { return f.now })
	return svc
}

// useCoupons stores rules and switches the service to re-price coupons
// against them.
func (f *fixture) useCoupons(rules ...coupon.Rule) {
	for _, r := range rules {
		f.store.Coupons().Put(r)
	}
	f.svc = f.newService(f.store, cart.WithCoupons(coupon.NewRepoValidator(f.store.Coupons())))
}

// assertTotals checks the aggregates against sums over the lines.
func assertTotals(t *testing.T, c *cart.Cart) {
	t.Helper()

	subtotal, discount, tax := decimal.Zero, decimal.Zero, decimal.Zero
	count := 0
	for _, it := range c.Items {
		q := decimal.NewFromInt(int64(it.Quantity))
		subtotal = subtotal.Add(it.UnitPrice.Mul(q))
		discount = discount.Add(it.Discount.Mul(q))
		tax = tax.Add(it.Tax.Mul(q))
		count += it.Quantity
	}
	assert.True(t, subtotal.Equal(c.Subtotal), "subtotal %s != %s", c.Subtotal, subtotal)
	assert.True(t, discount.Equal(c.Discount), "discount %s != %s", c.Discount, discount)
	assert.True(t, tax.Equal(c.Tax), "tax %s != %s", c.Tax, tax)
	assert.Equal(t, count, c.ItemCount)

	total := subtotal.Sub(discount).Add(tax)
	if c.CouponCode != "" {
		total = decimal.Max(total.Sub(c.CouponDiscount), decimal.Zero)
	}
	assert.True(t, total.Equal(c.Total), "total %s != %s", c.Total, total)
}

func TestService_AddItem(t *testing.T) {
	ctx := context.Background()

	t.Run("no promotion", func(t *testing.T) {
		f := newFixture(t)

		c, err := f.svc.AddItem(ctx, cart.AddItemRequest{CustomerID: "u1", ProductID: "p1", Quantity: 2})
		require.NoError(t, err)
		require.Len(t, c.Items, 1)

		it := c.Items[0]
		assert.True(t, dec("100").Equal(it.UnitPrice))
		assert.True(t, dec("5").Equal(it.Tax))
		assert.True(t, it.Discount.IsZero())
		assert.True(t, dec("210").Equal(it.LineTotal))

		assert.True(t, dec("200").Equal(c.Subtotal))
		assert.True(t, c.Discount.IsZero())
		assert.True(t, dec("10").Equal(c.Tax))
		assert.True(t, dec("210").Equal(c.Total))
		assert.Equal(t, 2, c.ItemCount)
		assert.Equal(t, cart.StateActive, c.State(f.now))
	})

	t.Run("percentage promotion", func(t *testing.T) {
		f := newFixture(t)

		c, err := f.svc.AddItem(ctx, cart.AddItemRequest{CustomerID: "u1", ProductID: "p2", Quantity: 2})
		require.NoError(t, err)

		it := c.Items[0]
		assert.True(t, dec("20").Equal(it.Discount))
		assert.True(t, dec("170").Equal(it.LineTotal))
		assert.Equal(t, "promo20", it.PromotionID)
		assert.True(t, dec("170").Equal(c.Total))
	})

	t.Run("merges same product", func(t *testing.T) {
		f := newFixture(t)

		_, err := f.svc.AddItem(ctx, cart.AddItemRequest{CustomerID: "u1", ProductID: "p1", Quantity: 1})
		require.NoError(t, err)
		c, err := f.svc.AddItem(ctx, cart.AddItemRequest{CustomerID: "u1", ProductID: "p1", Quantity: 2})
		require.NoError(t, err)

		require.Len(t, c.Items, 1)
		assert.Equal(t, 3, c.Items[0].Quantity)
		assert.True(t, dec("315").Equal(c.Total))
		assertTotals(t, c)
	})

	t.Run("variant price wins over product sale price", func(t *testing.T) {
		f := newFixture(t)

		c, err := f.svc.AddItem(ctx, cart.AddItemRequest{CustomerID: "u1", ProductID: "p3", VariantID: "v1", Quantity: 1})
		require.NoError(t, err)
		assert.True(t, dec("55").Equal(c.Items[0].UnitPrice))

		c, err = f.svc.AddItem(ctx, cart.AddItemRequest{CustomerID: "u1", ProductID: "p3", Quantity: 1})
		require.NoError(t, err)
		require.Len(t, c.Items, 2, "variant and plain product are separate lines")
		assert.True(t, dec("95").Equal(c.Subtotal))
	})

	t.Run("invalid quantity", func(t *testing.T) {
		f := newFixture(t)

		_, err := f.svc.AddItem(ctx, cart.AddItemRequest{CustomerID: "u1", ProductID: "p1", Quantity: 0})
		require.ErrorIs(t, err, cart.ErrInvalidQuantity)
	})

	t.Run("unknown product", func(t *testing.T) {
		f := newFixture(t)

		_, err := f.svc.AddItem(ctx, cart.AddItemRequest{CustomerID: "u1", ProductID: "nope", Quantity: 1})
		require.ErrorIs(t, err, product.ErrNotFound)

		var nf *product.NotFoundError
		require.ErrorAs(t, err, &nf)
		assert.Equal(t, "nope", nf.ProductID)
	})

	t.Run("unknown variant", func(t *testing.T) {
		f := newFixture(t)

		_, err := f.svc.AddItem(ctx, cart.AddItemRequest{CustomerID: "u1", ProductID: "p3", VariantID: "v9", Quantity: 1})
		require.ErrorIs(t, err, product.ErrNotFound)
	})

	t.Run("unresolvable price leaves cart untouched", func(t *testing.T) {
		f := newFixture(t)

		before, err := f.svc.AddItem(ctx, cart.AddItemRequest{CustomerID: "u1", ProductID: "p1", Quantity: 1})
		require.NoError(t, err)

		_, err = f.svc.AddItem(ctx, cart.AddItemRequest{CustomerID: "u1", ProductID: "unpriced", Quantity: 1})
		require.ErrorIs(t, err, pricing.ErrPriceUnresolvable)

		after, err := f.svc.Get(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, before.Version, after.Version)
		assert.Len(t, after.Items, 1)
		assert.True(t, before.Total.Equal(after.Total))
	})

	t.Run("insufficient stock counts existing line", func(t *testing.T) {
		f := newFixture(t)

		_, err := f.svc.AddItem(ctx, cart.AddItemRequest{CustomerID: "u1", ProductID: "p3", Quantity: 2})
		require.NoError(t, err)

		_, err = f.svc.AddItem(ctx, cart.AddItemRequest{CustomerID: "u1", ProductID: "p3", Quantity: 2})
		require.ErrorIs(t, err, inventory.ErrInsufficientStock)

		var se *inventory.ShortageError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, 4, se.Requested)
		assert.Equal(t, 3, se.Available)

		c, err := f.svc.Get(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, 2, c.Items[0].Quantity)
	})
}

func TestService_UpdateItemQuantity(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	c, err := f.svc.AddItem(ctx, cart.AddItemRequest{CustomerID: "u1", ProductID: "p1", Quantity: 2})
	require.NoError(t, err)
	itemID := c.Items[0].ID

	_, err = f.svc.UpdateItemQuantity(ctx, itemID, 0)
	require.ErrorIs(t, err, cart.ErrInvalidQuantity)

	c, err = f.svc.UpdateItemQuantity(ctx, itemID, 5)
	require.NoError(t, err)
	assert.Equal(t, 5, c.Items[0].Quantity)
	assert.True(t, dec("525").Equal(c.Items[0].LineTotal))
	assert.True(t, dec("525").Equal(c.Total))
	assertTotals(t, c)

	_, err = f.svc.UpdateItemQuantity(ctx, itemID, 11)
	require.ErrorIs(t, err, inventory.ErrInsufficientStock)

	_, err = f.svc.UpdateItemQuantity(ctx, "missing", 1)
	require.ErrorIs(t, err, cart.ErrItemNotFound)
}

func TestService_RemoveItem(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.AddItem(ctx, cart.AddItemRequest{CustomerID: "u1", ProductID: "p1", Quantity: 1})
	require.NoError(t, err)
	before, err := f.svc.AddItem(ctx, cart.AddItemRequest{CustomerID: "u1", ProductID: "p2", Quantity: 3})
	require.NoError(t, err)

	after, err := f.svc.RemoveItem(ctx, before.Items[1].ID)
	require.NoError(t, err)

	require.Len(t, after.Items, 1)
	assert.True(t, after.Total.LessThanOrEqual(before.Total))
	assert.True(t, after.Subtotal.LessThanOrEqual(before.Subtotal))
	assert.Equal(t, before.ItemCount-3, after.ItemCount)
	assert.Greater(t, after.Version, before.Version)
	assertTotals(t, after)

	after, err = f.svc.RemoveItem(ctx, after.Items[0].ID)
	require.NoError(t, err)
	assert.Empty(t, after.Items)
	assert.True(t, after.Total.IsZero())
	assert.Equal(t, cart.StateEmpty, after.State(f.now))

	_, err = f.svc.RemoveItem(ctx, "missing")
	require.ErrorIs(t, err, cart.ErrItemNotFound)
}

func TestService_GetOrCreate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.Get(ctx, "u1")
	require.ErrorIs(t, err, cart.ErrNotFound)

	first, err := f.svc.GetOrCreate(ctx, "u1")
	require.NoError(t, err)
	second, err := f.svc.GetOrCreate(ctx, "u1")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.True(t, second.Total.IsZero())
	assert.Equal(t, cart.StateEmpty, second.State(f.now))
	assert.Equal(t, f.now.Add(time.Hour), second.ExpiresAt)
}

// gatedTx holds every transaction until release is closed and fails it if
// the caller's context is done by then.
type gatedTx struct {
	txn.Manager
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	g.once.Do(func() { close(g.entered) })
	<-g.release
	if err := ctx.Err(); err != nil {
		return err
	}
	return g.Manager.InTx(ctx, fn)
}

func TestService_GetOrCreateSharedFlight(t *testing.T) {
	f := newFixture(t)
	gate := &gatedTx{Manager: f.store, entered: make(chan struct{}), release: make(chan struct{})}
	svc := f.newService(gate)

	leaderCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		wg             sync.WaitGroup
		leader, follow *cart.Cart
		leaderErr      error
		followErr      error
	)
	wg.Go(func() { leader, leaderErr = svc.GetOrCreate(leaderCtx, "u1") })
	<-gate.entered
	wg.Go(func() { follow, followErr = svc.GetOrCreate(context.Background(), "u1") })
	time.Sleep(20 * time.Millisecond)

	cancel()
	close(gate.release)
	wg.Wait()

	require.NoError(t, followErr, "cancelling the first caller must not fail the others")
	require.NoError(t, leaderErr)
	assert.Equal(t, leader.ID, follow.ID)
	assert.NotSame(t, leader, follow)

	leader.CouponCode = "MINE"
	assert.Empty(t, follow.CouponCode)
}

func TestCart_Clone(t *testing.T) {
	at := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	c := &cart.Cart{ID: "c1", Items: []cart.Item{{ID: "i1", Quantity: 1}}, CheckedOutAt: &at}

	cp := c.Clone()
	cp.Items[0].Quantity = 5
	*cp.CheckedOutAt = at.Add(time.Hour)

	assert.Equal(t, 1, c.Items[0].Quantity)
	assert.Equal(t, at, *c.CheckedOutAt)
}

func TestService_ConcurrentAddForNewCustomer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	const workers = 8
	ids := make([]string, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := f.svc.AddItem(ctx, cart.AddItemRequest{CustomerID: "fresh", ProductID: "p1", Quantity: 1})
			if assert.NoError(t, err) {
				ids[i] = c.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids[1:] {
		assert.Equal(t, ids[0], id)
	}

	c, err := f.svc.Get(ctx, "fresh")
	require.NoError(t, err)
	require.Len(t, c.Items, 1)
	assert.Equal(t, workers, c.Items[0].Quantity)
	assertTotals(t, c)
}

func TestService_Clear(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.Clear(ctx, "u1")
	require.ErrorIs(t, err, cart.ErrNotFound)

	_, err = f.svc.AddItem(ctx, cart.AddItemRequest{CustomerID: "u1", ProductID: "p1", Quantity: 1})
	require.NoError(t, err)
	_, err = f.svc.ApplyCoupon(ctx, "u1", "WELCOME", dec("10"))
	require.NoError(t, err)

	c, err := f.svc.Clear(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, c.Items)
	assert.Empty(t, c.CouponCode)
	assert.True(t, c.Total.IsZero())
}

func TestService_ApplyCoupon(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.AddItem(ctx, cart.AddItemRequest{CustomerID: "u1", ProductID: "p1", Quantity: 1})
	require.NoError(t, err)

	c, err := f.svc.ApplyCoupon(ctx, "u1", "TEN", dec("10.004"))
	require.NoError(t, err)
	assert.Equal(t, "TEN", c.CouponCode)
	assert.True(t, dec("10").Equal(c.CouponDiscount))
	assert.True(t, dec("95").Equal(c.Total))
	assert.True(t, c.Discount.IsZero(), "coupon is not a line discount")

	c, err = f.svc.ApplyCoupon(ctx, "u1", "HUGE", dec("1000"))
	require.NoError(t, err)
	assert.True(t, c.Total.IsZero())

	c, err = f.svc.ApplyCoupon(ctx, "u1", "", dec("5"))
	require.NoError(t, err)
	assert.Empty(t, c.CouponCode)
	assert.True(t, dec("105").Equal(c.Total))

	_, err = f.svc.ApplyCoupon(ctx, "u1", "NEG", dec("-1"))
	require.ErrorIs(t, err, cart.ErrInvalidCoupon)
}

func TestService_Expiry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	c, err := f.svc.AddItem(ctx, cart.AddItemRequest{CustomerID: "u1", ProductID: "p1", Quantity: 1})
	require.NoError(t, err)
	itemID := c.Items[0].ID

	f.now = f.now.Add(2 * time.Hour)
	assert.Equal(t, cart.StateExpired, c.State(f.now))

	_, err = f.svc.UpdateItemQuantity(ctx, itemID, 2)
	require.ErrorIs(t, err, cart.ErrCartExpired)
	_, err = f.svc.RemoveItem(ctx, itemID)
	require.ErrorIs(t, err, cart.ErrCartExpired)
	_, err = f.svc.ApplyCoupon(ctx, "u1", "X", dec("1"))
	require.ErrorIs(t, err, cart.ErrCartExpired)

	c, err = f.svc.AddItem(ctx, cart.AddItemRequest{CustomerID: "u1", ProductID: "p2", Quantity: 1})
	require.NoError(t, err)
	require.Len(t, c.Items, 1, "expired contents are dropped")
	assert.Equal(t, "p2", c.Items[0].ProductID)
	assert.Equal(t, f.now.Add(time.Hour), c.ExpiresAt)
}

func TestService_CouponRepricedOnMutation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.useCoupons(
		coupon.Rule{Code: "PCT18", DiscountType: coupon.DiscountPercentage, Value: dec("18")},
		coupon.Rule{Code: "PAIR", DiscountType: coupon.DiscountFreeLowest, MinItems: 2},
	)

	c, err := f.svc.AddItem(ctx, cart.AddItemRequest{CustomerID: "u1", ProductID: "p1", Quantity: 10})
	require.NoError(t, err)
	itemID := c.Items[0].ID

	c, err = f.svc.ApplyCouponCode(ctx, "u1", "PCT18")
	require.NoError(t, err)
	assert.Equal(t, "PCT18", c.CouponCode)
	assert.True(t, dec("180").Equal(c.CouponDiscount), "discount %s", c.CouponDiscount)
	assert.True(t, dec("870").Equal(c.Total), "total %s", c.Total)
	assertTotals(t, c)

	t.Run("shrinking re-prices", func(t *testing.T) {
		c, err := f.svc.UpdateItemQuantity(ctx, itemID, 1)
		require.NoError(t, err)
		assert.Equal(t, "PCT18", c.CouponCode)
		assert.True(t, dec("18").Equal(c.CouponDiscount), "discount %s", c.CouponDiscount)
		assert.True(t, dec("87").Equal(c.Total), "total %s", c.Total)
		assertTotals(t, c)

		stored, err := f.svc.Get(ctx, "u1")
		require.NoError(t, err)
		assert.True(t, dec("18").Equal(stored.CouponDiscount))
	})

	t.Run("rule that does not hold is refused", func(t *testing.T) {
		_, err := f.svc.ApplyCouponCode(ctx, "u1", "PAIR")
		require.ErrorIs(t, err, coupon.ErrInvalidCoupon)

		c, err := f.svc.Get(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, "PCT18", c.CouponCode, "failed apply keeps the previous coupon")
	})

	t.Run("rule that stops holding is dropped", func(t *testing.T) {
		_, err := f.svc.UpdateItemQuantity(ctx, itemID, 2)
		require.NoError(t, err)
		c, err := f.svc.ApplyCouponCode(ctx, "u1", "PAIR")
		require.NoError(t, err)
		assert.True(t, dec("100").Equal(c.CouponDiscount), "discount %s", c.CouponDiscount)
		assert.True(t, dec("110").Equal(c.Total), "total %s", c.Total)

		c, err = f.svc.UpdateItemQuantity(ctx, itemID, 1)
		require.NoError(t, err)
		assert.Empty(t, c.CouponCode)
		assert.True(t, c.CouponDiscount.IsZero())
		assert.True(t, dec("105").Equal(c.Total), "total %s", c.Total)
		assertTotals(t, c)
	})

	t.Run("removing the last line drops a fixed coupon", func(t *testing.T) {
		f.store.Coupons().Put(coupon.Rule{Code: "FLAT50", DiscountType: coupon.DiscountFixed, Value: dec("50"), MinItems: 1})
		c, err := f.svc.ApplyCouponCode(ctx, "u1", "FLAT50")
		require.NoError(t, err)
		assert.True(t, dec("55").Equal(c.Total), "total %s", c.Total)

		c, err = f.svc.RemoveItem(ctx, itemID)
		require.NoError(t, err)
		assert.Empty(t, c.CouponCode)
		assert.True(t, c.Total.IsZero())
	})

	t.Run("unknown and empty codes", func(t *testing.T) {
		_, err := f.svc.ApplyCouponCode(ctx, "u1", "NOPE")
		require.ErrorIs(t, err, coupon.ErrInvalidCoupon)

		c, err := f.svc.ApplyCouponCode(ctx, "u1", "")
		require.NoError(t, err)
		assert.Empty(t, c.CouponCode)
		assert.True(t, c.CouponDiscount.IsZero())
	})
}

func TestService_ApplyCouponCodeWithoutPricer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.AddItem(ctx, cart.AddItemRequest{CustomerID: "u1", ProductID: "p1", Quantity: 1})
	require.NoError(t, err)

	_, err = f.svc.ApplyCouponCode(ctx, "u1", "PCT18")
	require.ErrorIs(t, err, coupon.ErrInvalidCoupon)
}
