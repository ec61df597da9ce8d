package order_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cucumber/godog"
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/bazaar-checkout/internal/domain/cart"
	"github.com/xenking/bazaar-checkout/internal/domain/inventory"
	"github.com/xenking/bazaar-checkout/internal/domain/order"
	"github.com/xenking/bazaar-checkout/internal/domain/pricing"
	"github.com/xenking/bazaar-checkout/internal/domain/product"
	"github.com/xenking/bazaar-checkout/internal/storage/memory"
)

var featureErrors = map[string]error{
	"invalid quantity":   cart.ErrInvalidQuantity,
	"empty cart":         order.ErrEmptyCart,
	"insufficient stock": inventory.ErrInsufficientStock,
}

type checkoutFeature struct {
	store    *memory.Store
	products map[string]product.Product
	stock    *inventory.Service
	carts    *cart.Service
	orders   *order.Service
	last     *cart.Cart
	order    *order.Order
	err      error
}

func (f *checkoutFeature) reset() error {
	f.store = memory.New()
	f.products = map[string]product.Product{}
	f.stock = inventory.NewService(f.store.Stock(), f.store)

	engine := pricing.NewEngine(pricing.PolicyFirst)
	f.carts = cart.NewService(f.store.Carts(), f.store.Catalog(), engine, f.stock, f.store, time.Hour)

	svc, err := order.NewService(order.Deps{
		Carts:   f.store.Carts(),
		Catalog: f.store.Catalog(),
		Engine:  engine,
		Stock:   f.stock,
		Orders:  f.store.Orders(),
		Events:  f.store.Events(),
		Tx:      f.store,
	})
	if err != nil {
		return err
	}
	f.orders = svc
	f.last, f.order, f.err = nil, nil, nil
	return nil
}

func parseDecimal(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, errors.Wrapf(err, "parse %q", s)
	}
	return d, nil
}

func expectEqual(name string, want string, got decimal.Decimal) error {
	w, err := parseDecimal(want)
	if err != nil {
		return err
	}
	if !w.Equal(got) {
		return fmt.Errorf("%s: want %s, got %s", name, w, got)
	}
	return nil
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (f *checkoutFeature) aProductPricedWithTaxRate(id, price, rate string) error {
	p, err := parseDecimal(price)
	if err != nil {
		return err
	}
	r, err := parseDecimal(rate)
	if err != nil {
		return err
	}
	prod := product.Product{ID: id, BasePrice: decimal.NewNullDecimal(p), TaxRate: decimal.NewNullDecimal(r)}
	f.products[id] = prod
	f.store.Catalog().Put(prod)
	return nil
}

func (f *checkoutFeature) productHasAPercentPromotion(id string, percent int, promoID string) error {
	prod, ok := f.products[id]
	if !ok {
		return fmt.Errorf("unknown product %q", id)
	}
	prod.Promotions = append(prod.Promotions, product.Promotion{
		ID:            promoID,
		DiscountValue: decimal.NewFromInt(int64(percent)),
		IsPercentage:  true,
	})
	f.products[id] = prod
	f.store.Catalog().Put(prod)
	return nil
}

func (f *checkoutFeature) unitsInStock(total int, id string) error {
	_, err := f.stock.Restock(context.Background(), inventory.Key{ProductID: id}, total)
	return err
}

func (f *checkoutFeature) customerAdds(customer string, qty int, id string) error {
	f.last, f.err = f.carts.AddItem(context.Background(), cart.AddItemRequest{
		CustomerID: customer,
		ProductID:  id,
		Quantity:   qty,
	})
	return nil
}

func (f *checkoutFeature) customerAdded(customer string, qty int, id string) error {
	if err := f.customerAdds(customer, qty, id); err != nil {
		return err
	}
	return f.err
}

func (f *checkoutFeature) customerAddsConcurrently(customer string, qty int, id string, n int) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.carts.AddItem(context.Background(), cart.AddItemRequest{
				CustomerID: customer,
				ProductID:  id,
				Quantity:   qty,
			})
			if err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

func (f *checkoutFeature) customerSetsQuantity(customer, id string, qty int) error {
	c, err := f.carts.Get(context.Background(), customer)
	if err != nil {
		return err
	}
	it, ok := c.Match(id, "")
	if !ok {
		return fmt.Errorf("no line for %q", id)
	}
	f.last, f.err = f.carts.UpdateItemQuantity(context.Background(), it.ID, qty)
	return nil
}

func (f *checkoutFeature) customerChecksOut(customer string) error {
	f.order, f.err = f.orders.Checkout(context.Background(), customer)
	return nil
}

func (f *checkoutFeature) theRequestFailsWith(name string) error {
	want, ok := featureErrors[name]
	if !ok {
		return fmt.Errorf("unknown error %q", name)
	}
	if !errors.Is(f.err, want) {
		return fmt.Errorf("want %v, got %v", want, f.err)
	}
	return nil
}

func (f *checkoutFeature) theCartLineHas(id, unit, discount, tax, total string) error {
	if f.err != nil {
		return f.err
	}
	it, ok := f.last.Match(id, "")
	if !ok {
		return fmt.Errorf("no line for %q", id)
	}
	return firstErr(
		expectEqual("unit price", unit, it.UnitPrice),
		expectEqual("discount", discount, it.Discount),
		expectEqual("tax", tax, it.Tax),
		expectEqual("line total", total, it.LineTotal),
	)
}

func (f *checkoutFeature) theCartHas(customer, subtotal, discount, tax, total string) error {
	c, err := f.carts.Get(context.Background(), customer)
	if err != nil {
		return err
	}
	return firstErr(
		expectEqual("subtotal", subtotal, c.Subtotal),
		expectEqual("discount", discount, c.Discount),
		expectEqual("tax", tax, c.Tax),
		expectEqual("total", total, c.Total),
	)
}

func (f *checkoutFeature) customerHasOneCartLine(customer string, qty int, id string) error {
	c, err := f.carts.Get(context.Background(), customer)
	if err != nil {
		return err
	}
	if len(c.Items) != 1 {
		return fmt.Errorf("want 1 line, got %d", len(c.Items))
	}
	if it := c.Items[0]; it.ProductID != id || it.Quantity != qty {
		return fmt.Errorf("want %d of %s, got %d of %s", qty, id, it.Quantity, it.ProductID)
	}
	return nil
}

func (f *checkoutFeature) customerHasOrders(customer string, n int) error {
	list, err := f.orders.ListByCustomer(context.Background(), customer)
	if err != nil {
		return err
	}
	if len(list) != n {
		return fmt.Errorf("want %d orders, got %d", n, len(list))
	}
	return nil
}

func (f *checkoutFeature) theOrderIsPendingWithTotal(total string) error {
	if f.err != nil {
		return f.err
	}
	if f.order.Status != order.StatusPending {
		return fmt.Errorf("want %s, got %s", order.StatusPending, f.order.Status)
	}
	return expectEqual("order total", total, f.order.Total)
}

func (f *checkoutFeature) unitsAreAvailable(n int, id string) error {
	s, err := f.stock.Lookup(context.Background(), inventory.Key{ProductID: id})
	if err != nil {
		return err
	}
	if s.Available() != n {
		return fmt.Errorf("want %d available, got %d", n, s.Available())
	}
	return nil
}

func InitializeScenario(ctx *godog.ScenarioContext) {
	f := &checkoutFeature{}

	ctx.Before(func(ctx context.Context, _ *godog.Scenario) (context.Context, error) {
		return ctx, f.reset()
	})

	ctx.Step(`^a product "([^"]*)" priced (\S+) with tax rate (\S+)$`, f.aProductPricedWithTaxRate)
	ctx.Step(`^product "([^"]*)" has a (\d+)% promotion "([^"]*)"$`, f.productHasAPercentPromotion)
	ctx.Step(`^(\d+) units of "([^"]*)" in stock$`, f.unitsInStock)
	ctx.Step(`^only (\d+) units of "([^"]*)" are in stock$`, f.unitsInStock)
	ctx.Step(`^customer "([^"]*)" added (\d+) of "([^"]*)"$`, f.customerAdded)

	ctx.Step(`^customer "([^"]*)" adds (\d+) of "([^"]*)"$`, f.customerAdds)
	ctx.Step(`^customer "([^"]*)" adds (\d+) of "([^"]*)" from (\d+) concurrent requests$`, f.customerAddsConcurrently)
	ctx.Step(`^customer "([^"]*)" sets the quantity of "([^"]*)" to (\d+)$`, f.customerSetsQuantity)
	ctx.Step(`^customer "([^"]*)" checks out$`, f.customerChecksOut)

	ctx.Step(`^the request fails with "([^"]*)"$`, f.theRequestFailsWith)
	ctx.Step(`^the cart line for "([^"]*)" has unit price (\S+), discount (\S+), tax (\S+) and total (\S+)$`, f.theCartLineHas)
	ctx.Step(`^the cart of customer "([^"]*)" has subtotal (\S+), discount (\S+), tax (\S+) and total (\S+)$`, f.theCartHas)
	ctx.Step(`^customer "([^"]*)" has one cart line with (\d+) of "([^"]*)"$`, f.customerHasOneCartLine)
	ctx.Step(`^customer "([^"]*)" has (\d+) orders$`, f.customerHasOrders)
	ctx.Step(`^the order is pending with total (\S+)$`, f.theOrderIsPendingWithTotal)
	ctx.Step(`^(\d+) units of "([^"]*)" are available$`, f.unitsAreAvailable)
}

func TestFeatures(t *testing.T) {
	suite := godog.TestSuite{
		ScenarioInitializer: InitializeScenario,
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"testdata/checkout.feature"},
			TestingT: t,
			Strict:   true,
		},
	}

	if suite.Run() != 0 {
		t.Fatal("non-zero status returned, failed to run feature tests")
	}
}
