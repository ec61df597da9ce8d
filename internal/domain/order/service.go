package order

import (
	"context"
	"slices"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xenking/bazaar-checkout/internal/domain/cart"
	"github.com/xenking/bazaar-checkout/internal/domain/coupon"
	"github.com/xenking/bazaar-checkout/internal/domain/inventory"
	"github.com/xenking/bazaar-checkout/internal/domain/pricing"
	"github.com/xenking/bazaar-checkout/internal/domain/product"
	"github.com/xenking/bazaar-checkout/internal/domain/txn"
)

// DefaultListLimit caps ListByCustomer.
const DefaultListLimit = 100

// Stock reserves and releases inventory for order lines.
type Stock interface {
	Reserve(ctx context.Context, key inventory.Key, qty int) (*inventory.Stock, error)
	Release(ctx context.Context, key inventory.Key, qty int) (*inventory.Stock, error)
}

// Coupons prices a coupon against the order lines and redeems it once per
// placed order.
type Coupons interface {
	Validate(ctx context.Context, code string, items []coupon.Item) (*coupon.Discount, error)
	Redeem(ctx context.Context, code string) error
}

// Locker guards a key across processes. Acquire reports false when another
// holder owns the key; release must be called only after a successful
// acquire.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), ok bool, err error)
}

type nopLocker struct{}

func (nopLocker) Acquire(context.Context, string) (func(), bool, error) {
	return func() {}, true, nil
}

// Deps are the collaborators of Service.
type Deps struct {
	Carts     cart.Repository
	Catalog   product.Catalog
	Engine    *pricing.Engine
	Stock     Stock
	Orders    Repository
	Events    EventLog
	Coupons   Coupons
	Tx        txn.Manager
	Locker    Locker
	Policy    PricePolicy
	Meter     metric.MeterProvider
	Tracer    trace.TracerProvider
	ListLimit int
}

// Service converts carts into orders and manages the order lifecycle.
type Service struct {
	carts   cart.Repository
	catalog product.Catalog
	engine  *pricing.Engine
	stock   Stock
	orders  Repository
	events  EventLog
	coupons Coupons
	tx      txn.Manager
	locker  Locker
	policy  PricePolicy
	limit   int

	tracer    trace.Tracer
	checkouts metric.Int64Counter
	cancels   metric.Int64Counter
	duration  metric.Float64Histogram

	now   func() time.Time
	newID func() string
}

// NewService creates an order Service. Nil Locker, Coupons and telemetry
// providers fall back to no-op or global implementations.
func NewService(d Deps) (*Service, error) {
	if d.Locker == nil {
		d.Locker = nopLocker{}
	}
	if d.Policy == "" {
		d.Policy = PriceAtCheckout
	}
	if d.ListLimit <= 0 {
		d.ListLimit = DefaultListLimit
	}
	if d.Meter == nil {
		d.Meter = otel.GetMeterProvider()
	}
	if d.Tracer == nil {
		d.Tracer = otel.GetTracerProvider()
	}

	const name = "github.com/xenking/bazaar-checkout/internal/domain/order"
	meter := d.Meter.Meter(name)

	s := &Service{
		carts:   d.Carts,
		catalog: d.Catalog,
		engine:  d.Engine,
		stock:   d.Stock,
		orders:  d.Orders,
		events:  d.Events,
		coupons: d.Coupons,
		tx:      d.Tx,
		locker:  d.Locker,
		policy:  d.Policy,
		limit:   d.ListLimit,
		tracer:  d.Tracer.Tracer(name),
		now:     time.Now,
		newID:   func() string { return uuid.New().String() },
	}

	var err error
	if s.checkouts, err = meter.Int64Counter("bazaar.checkout.count",
		metric.WithDescription("Checkout attempts by outcome"),
	); err != nil {
		return nil, errors.Wrap(err, "checkout counter")
	}
	if s.cancels, err = meter.Int64Counter("bazaar.order.cancel.count",
		metric.WithDescription("Order cancellations by outcome"),
	); err != nil {
		return nil, errors.Wrap(err, "cancel counter")
	}
	if s.duration, err = meter.Float64Histogram("bazaar.checkout.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Checkout latency"),
	); err != nil {
		return nil, errors.Wrap(err, "checkout histogram")
	}
	return s, nil
}

// Checkout turns the customer's cart into a PENDING order. Reservation,
// order creation, cart emptying and the outbox event commit together or not
// at all.
func (s *Service) Checkout(ctx context.Context, customerID string) (_ *Order, rerr error) {
	ctx, span := s.tracer.Start(ctx, "order.Checkout",
		trace.WithAttributes(attribute.String("customer.id", customerID)),
	)
	start := s.now()
	defer func() {
		outcome := outcomeOf(rerr)
		attrs := metric.WithAttributes(attribute.String("outcome", outcome))
		s.checkouts.Add(ctx, 1, attrs)
		s.duration.Record(ctx, s.now().Sub(start).Seconds(), attrs)
		if rerr != nil {
			span.RecordError(rerr)
			span.SetStatus(codes.Error, outcome)
		}
		span.End()
	}()

	release, ok, err := s.locker.Acquire(ctx, "checkout:"+customerID)
	if err != nil {
		return nil, errors.Wrap(err, "acquire checkout lock")
	}
	if !ok {
		return nil, ErrCheckoutInProgress
	}
	defer release()

	var o *Order
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		c, err := s.carts.GetByCustomerForUpdate(ctx, customerID)
		switch {
		case errors.Is(err, cart.ErrNotFound):
			return ErrEmptyCart
		case err != nil:
			return err
		}
		now := s.now()
		if c.State(now) == cart.StateExpired {
			return cart.ErrCartExpired
		}
		if len(c.Items) == 0 {
			return ErrEmptyCart
		}

		items, err := s.freeze(ctx, c.Items)
		if err != nil {
			return err
		}
		if err := s.reserve(ctx, items); err != nil {
			return err
		}
		couponDiscount, err := s.redeem(ctx, c.CouponCode, items)
		if err != nil {
			return err
		}

		o = s.build(c, items, couponDiscount, now)
		if err := s.orders.Create(ctx, o); err != nil {
			return errors.Wrap(err, "create order")
		}

		if err := s.carts.DeleteItems(ctx, c.ID); err != nil {
			return errors.Wrap(err, "clear cart")
		}
		c.Empty()
		c.CheckedOutAt = &now
		c.Version++
		c.UpdatedAt = now
		if err := s.carts.Save(ctx, c); err != nil {
			return errors.Wrap(err, "save cart")
		}

		if err := s.events.Append(ctx, newEvent(EventPlaced, o, now)); err != nil {
			return errors.Wrap(err, "append event")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.String("order.id", o.ID))
	zctx.From(ctx).Info("Order placed",
		zap.String("order_id", o.ID),
		zap.String("customer_id", customerID),
		zap.Int("items", len(o.Items)),
		zap.String("total", o.Total.StringFixed(2)),
	)
	return o, nil
}

// Get returns an order snapshot.
func (s *Service) Get(ctx context.Context, orderID string) (*Order, error) {
	return s.orders.Get(ctx, orderID)
}

// ListByCustomer returns the customer's orders, newest first.
func (s *Service) ListByCustomer(ctx context.Context, customerID string) ([]Order, error) {
	return s.orders.ListByCustomer(ctx, customerID, s.limit)
}

// Cancel moves a PENDING order to CANCELLED and releases its reservations.
func (s *Service) Cancel(ctx context.Context, orderID string) (_ *Order, rerr error) {
	ctx, span := s.tracer.Start(ctx, "order.Cancel",
		trace.WithAttributes(attribute.String("order.id", orderID)),
	)
	defer func() {
		s.cancels.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcomeOf(rerr))))
		if rerr != nil {
			span.RecordError(rerr)
			span.SetStatus(codes.Error, "cancel failed")
		}
		span.End()
	}()

	var o *Order
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		o, err = s.orders.GetForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if o.Status != StatusPending {
			return errors.Wrapf(ErrInvalidStatus, "order %s is %s", o.ID, o.Status)
		}

		for _, it := range o.Items {
			key := inventory.Key{ProductID: it.ProductID, VariantID: it.VariantID}
			if _, err := s.stock.Release(ctx, key, it.Quantity); err != nil {
				return err
			}
		}

		now := s.now()
		if err := s.orders.UpdateStatus(ctx, o.ID, StatusCancelled, now); err != nil {
			return errors.Wrap(err, "update status")
		}
		o.Status = StatusCancelled
		o.UpdatedAt = now

		if err := s.events.Append(ctx, newEvent(EventCancelled, o, now)); err != nil {
			return errors.Wrap(err, "append event")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	zctx.From(ctx).Info("Order cancelled", zap.String("order_id", o.ID))
	return o, nil
}

// freeze prices the cart lines for the order according to the price policy.
func (s *Service) freeze(ctx context.Context, lines []cart.Item) ([]Item, error) {
	items := make([]Item, 0, len(lines))
	for _, l := range lines {
		it := Item{
			ID:        s.newID(),
			ProductID: l.ProductID,
			VariantID: l.VariantID,
			Quantity:  l.Quantity,
			Price:     l.UnitPrice,
			Discount:  l.Discount,
			Tax:       l.Tax,
			LineTotal: l.LineTotal,
		}
		if s.policy == PriceAtCheckout {
			q, err := s.quote(ctx, l)
			if err != nil {
				return nil, err
			}
			it.Price = q.UnitPrice
			it.Discount = q.Discount
			it.Tax = q.Tax
			it.LineTotal = q.LineTotal
		}
		items = append(items, it)
	}
	return items, nil
}

func (s *Service) quote(ctx context.Context, l cart.Item) (pricing.Quote, error) {
	p, err := s.catalog.GetByID(ctx, l.ProductID)
	if err != nil {
		return pricing.Quote{}, err
	}
	var v *product.Variant
	if l.VariantID != "" {
		if v, err = s.catalog.GetVariant(ctx, l.ProductID, l.VariantID); err != nil {
			return pricing.Quote{}, err
		}
	}
	return s.engine.Quote(p, v, l.Quantity)
}

// reserve takes stock for every line in key order, so concurrent checkouts
// lock inventory rows in the same sequence.
func (s *Service) reserve(ctx context.Context, items []Item) error {
	keys := make([]inventory.Key, 0, len(items))
	qty := make(map[inventory.Key]int, len(items))
	for _, it := range items {
		key := inventory.Key{ProductID: it.ProductID, VariantID: it.VariantID}
		if _, ok := qty[key]; !ok {
			keys = append(keys, key)
		}
		qty[key] += it.Quantity
	}
	slices.SortFunc(keys, inventory.Key.Compare)
	for _, key := range keys {
		if _, err := s.stock.Reserve(ctx, key, qty[key]); err != nil {
			return err
		}
	}
	return nil
}

// redeem prices code against the frozen lines and consumes one use. The
// amount stored on the cart is not trusted.
func (s *Service) redeem(ctx context.Context, code string, items []Item) (decimal.Decimal, error) {
	if code == "" {
		return decimal.Zero, nil
	}
	if s.coupons == nil {
		return decimal.Zero, coupon.ErrInvalidCoupon
	}
	lines := make([]coupon.Item, 0, len(items))
	for _, it := range items {
		lines = append(lines, coupon.Item{
			ProductID: it.ProductID,
			Price:     it.Price.Sub(it.Discount),
			Quantity:  it.Quantity,
		})
	}
	d, err := s.coupons.Validate(ctx, code, lines)
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "price coupon")
	}
	if err := s.coupons.Redeem(ctx, code); err != nil {
		return decimal.Zero, errors.Wrap(err, "redeem coupon")
	}
	return d.Amount, nil
}

func (s *Service) build(c *cart.Cart, items []Item, couponDiscount decimal.Decimal, now time.Time) *Order {
	o := &Order{
		ID:             s.newID(),
		CustomerID:     c.CustomerID,
		CartID:         c.ID,
		Status:         StatusPending,
		Items:          items,
		Subtotal:       decimal.Zero,
		Discount:       decimal.Zero,
		Tax:            decimal.Zero,
		CouponCode:     c.CouponCode,
		CouponDiscount: couponDiscount,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	for _, it := range items {
		q := decimal.NewFromInt(int64(it.Quantity))
		o.Subtotal = o.Subtotal.Add(it.Price.Mul(q))
		o.Discount = o.Discount.Add(it.Discount.Mul(q))
		o.Tax = o.Tax.Add(it.Tax.Mul(q))
	}
	o.Total = o.Subtotal.Sub(o.Discount).Add(o.Tax).Sub(o.CouponDiscount)
	if o.Total.IsNegative() {
		o.Total = decimal.Zero
	}
	return o
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrEmptyCart):
		return "empty_cart"
	case errors.Is(err, inventory.ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, ErrCheckoutInProgress):
		return "in_progress"
	case errors.Is(err, ErrInvalidStatus):
		return "invalid_status"
	default:
		return "error"
	}
}
