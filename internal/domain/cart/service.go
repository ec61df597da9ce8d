package cart

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/xenking/bazaar-checkout/internal/domain/coupon"
	"github.com/xenking/bazaar-checkout/internal/domain/inventory"
	"github.com/xenking/bazaar-checkout/internal/domain/pricing"
	"github.com/xenking/bazaar-checkout/internal/domain/product"
	"github.com/xenking/bazaar-checkout/internal/domain/txn"
)

// DefaultTTL is the lifetime of a new or renewed cart.
const DefaultTTL = 30 * 24 * time.Hour

// StockLookup reports the stock ledger backing a product or variant.
type StockLookup interface {
	Lookup(ctx context.Context, key inventory.Key) (*inventory.Stock, error)
}

// CouponPricer prices a coupon code against cart lines.
type CouponPricer interface {
	Validate(ctx context.Context, code string, items []coupon.Item) (*coupon.Discount, error)
}

// Option configures a Service.
type Option func(s *Service)

// WithCoupons makes every mutation re-price the stored coupon from the
// current lines. A coupon whose rule no longer holds is dropped.
func WithCoupons(p CouponPricer) Option {
	return func(s *Service) { s.coupons = p }
}

// AddItemRequest holds the input of AddItem.
type AddItemRequest struct {
	CustomerID string
	ProductID  string
	VariantID  string
	Quantity   int
}

// Service owns cart mutation. Every mutation runs in one transaction that
// locks the cart row, rescans all items and recomputes the aggregates, so
// concurrent edits of the same cart serialize.
type Service struct {
	repo    Repository
	catalog product.Catalog
	engine  *pricing.Engine
	stock   StockLookup
	coupons CouponPricer
	tx      txn.Manager
	ttl     time.Duration
	now     func() time.Time
	newID   func() string
	creates singleflight.Group
}

// NewService creates a cart Service. A zero ttl selects DefaultTTL.
func NewService(
	repo Repository,
	catalog product.Catalog,
	engine *pricing.Engine,
	stock StockLookup,
	tx txn.Manager,
	ttl time.Duration,
	opts ...Option,
) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s := &Service{
		repo:    repo,
		catalog: catalog,
		engine:  engine,
		stock:   stock,
		tx:      tx,
		ttl:     ttl,
		now:     time.Now,
		newID:   func() string { return uuid.New().String() },
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Get returns the customer's cart without creating one.
func (s *Service) Get(ctx context.Context, customerID string) (*Cart, error) {
	return s.repo.GetByCustomer(ctx, customerID)
}

// GetOrCreate returns the customer's cart, creating it with a fresh expiry
// on first use. Concurrent calls for one customer share a single round trip
// and storage guarantees one cart per customer. The shared round trip is
// detached from the cancellation of whichever caller started it, and every
// caller gets its own copy of the cart.
func (s *Service) GetOrCreate(ctx context.Context, customerID string) (*Cart, error) {
	v, err, _ := s.creates.Do(customerID, func() (any, error) {
		var c *Cart
		err := s.tx.InTx(context.WithoutCancel(ctx), func(ctx context.Context) error {
			var err error
			c, err = s.lockOrCreate(ctx, customerID)
			return err
		})
		return c, err
	})
	if err != nil {
		return nil, err
	}
	return v.(*Cart).Clone(), nil
}

// AddItem prices req and merges it into the matching (product, variant) line
// or appends a new line.
func (s *Service) AddItem(ctx context.Context, req AddItemRequest) (*Cart, error) {
	if req.Quantity <= 0 {
		return nil, ErrInvalidQuantity
	}

	var c *Cart
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		p, v, err := s.resolve(ctx, req.ProductID, req.VariantID)
		if err != nil {
			return err
		}

		c, err = s.lockOrCreate(ctx, req.CustomerID)
		if err != nil {
			return err
		}

		now := s.now()
		item, exists := c.Match(req.ProductID, req.VariantID)
		qty := req.Quantity
		if exists {
			qty += item.Quantity
		}
		if err := s.checkStock(ctx, req.ProductID, req.VariantID, qty); err != nil {
			return err
		}

		q, err := s.engine.Quote(p, v, qty)
		if err != nil {
			return err
		}

		if exists {
			item.Apply(q)
			item.UpdatedAt = now
			if err := s.repo.UpdateItem(ctx, item); err != nil {
				return errors.Wrap(err, "update item")
			}
		} else {
			it := Item{
				ID:        s.newID(),
				CartID:    c.ID,
				ProductID: req.ProductID,
				VariantID: req.VariantID,
				CreatedAt: now,
				UpdatedAt: now,
			}
			it.Apply(q)
			if err := s.repo.InsertItem(ctx, &it); err != nil {
				return errors.Wrap(err, "insert item")
			}
			c.Items = append(c.Items, it)
		}

		return s.commit(ctx, c)
	})
	if err != nil {
		return nil, err
	}

	zctx.From(ctx).Debug("Cart item added",
		zap.String("cart_id", c.ID),
		zap.String("product_id", req.ProductID),
		zap.Int("quantity", req.Quantity),
	)
	return c, nil
}

// UpdateItemQuantity sets the quantity of a line and re-prices it. Zero is
// rejected; use RemoveItem instead.
func (s *Service) UpdateItemQuantity(ctx context.Context, itemID string, quantity int) (*Cart, error) {
	if quantity <= 0 {
		return nil, ErrInvalidQuantity
	}

	var c *Cart
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		var (
			item *Item
			err  error
		)
		c, item, err = s.lockItem(ctx, itemID)
		if err != nil {
			return err
		}

		p, v, err := s.resolve(ctx, item.ProductID, item.VariantID)
		if err != nil {
			return err
		}
		if err := s.checkStock(ctx, item.ProductID, item.VariantID, quantity); err != nil {
			return err
		}
		q, err := s.engine.Quote(p, v, quantity)
		if err != nil {
			return err
		}

		item.Apply(q)
		item.UpdatedAt = s.now()
		if err := s.repo.UpdateItem(ctx, item); err != nil {
			return errors.Wrap(err, "update item")
		}
		return s.commit(ctx, c)
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// RemoveItem deletes a line and recomputes the cart.
func (s *Service) RemoveItem(ctx context.Context, itemID string) (*Cart, error) {
	var c *Cart
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		c, _, err = s.lockItem(ctx, itemID)
		if err != nil {
			return err
		}
		if err := s.repo.DeleteItem(ctx, itemID); err != nil {
			return errors.Wrap(err, "delete item")
		}
		c.Remove(itemID)
		return s.commit(ctx, c)
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Clear deletes every line and the coupon of the customer's cart.
func (s *Service) Clear(ctx context.Context, customerID string) (*Cart, error) {
	var c *Cart
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		c, err = s.repo.GetByCustomerForUpdate(ctx, customerID)
		if err != nil {
			return err
		}
		if err := s.repo.DeleteItems(ctx, c.ID); err != nil {
			return errors.Wrap(err, "delete items")
		}
		c.Empty()
		return s.save(ctx, c)
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ApplyCoupon stores a coupon on the cart. The discount only reduces the
// cart total. An empty code removes the coupon.
func (s *Service) ApplyCoupon(ctx context.Context, customerID, code string, discount decimal.Decimal) (*Cart, error) {
	if discount.IsNegative() {
		return nil, ErrInvalidCoupon
	}
	if code == "" {
		discount = decimal.Zero
	}

	var c *Cart
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		c, err = s.repo.GetByCustomerForUpdate(ctx, customerID)
		if err != nil {
			return err
		}
		if c.State(s.now()) == StateExpired {
			return ErrCartExpired
		}
		c.CouponCode = code
		c.CouponDiscount = discount.Round(2)
		return s.save(ctx, c)
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ApplyCouponCode prices code against the locked cart's lines and stores
// the result. A rule that does not hold fails the call. An empty code
// removes the coupon.
func (s *Service) ApplyCouponCode(ctx context.Context, customerID, code string) (*Cart, error) {
	if code != "" && s.coupons == nil {
		return nil, coupon.ErrInvalidCoupon
	}

	var c *Cart
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		c, err = s.lockOrCreate(ctx, customerID)
		if err != nil {
			return err
		}
		c.CouponCode = code
		c.CouponDiscount = decimal.Zero
		if code != "" {
			d, err := s.coupons.Validate(ctx, code, c.CouponItems())
			if err != nil {
				return err
			}
			c.CouponCode, c.CouponDiscount = d.Code, d.Amount
		}
		return s.save(ctx, c)
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// repriceCoupon re-derives the coupon amount from the current lines. Rules
// that no longer hold drop the coupon; other failures abort the mutation.
func (s *Service) repriceCoupon(ctx context.Context, c *Cart) error {
	if s.coupons == nil || c.CouponCode == "" {
		return nil
	}
	d, err := s.coupons.Validate(ctx, c.CouponCode, c.CouponItems())
	switch {
	case err == nil:
		c.CouponDiscount = d.Amount
	case coupon.IsRejected(err):
		zctx.From(ctx).Info("Coupon dropped",
			zap.String("cart_id", c.ID),
			zap.String("code", c.CouponCode),
			zap.Error(err),
		)
		c.CouponCode = ""
		c.CouponDiscount = decimal.Zero
	default:
		return errors.Wrap(err, "reprice coupon")
	}
	return nil
}

// lockOrCreate locks the customer's cart, creating it when missing. An
// expired cart is reset in place: items and coupon are dropped and the
// expiry renewed.
func (s *Service) lockOrCreate(ctx context.Context, customerID string) (*Cart, error) {
	c, err := s.repo.GetByCustomerForUpdate(ctx, customerID)
	if errors.Is(err, ErrNotFound) {
		now := s.now()
		fresh := &Cart{
			ID:             s.newID(),
			CustomerID:     customerID,
			CouponDiscount: decimal.Zero,
			CreatedAt:      now,
			UpdatedAt:      now,
			ExpiresAt:      now.Add(s.ttl),
		}
		fresh.Recompute()
		if err := s.repo.CreateIfMissing(ctx, fresh); err != nil {
			return nil, errors.Wrap(err, "create cart")
		}
		c, err = s.repo.GetByCustomerForUpdate(ctx, customerID)
	}
	if err != nil {
		return nil, err
	}

	if now := s.now(); c.State(now) == StateExpired {
		if err := s.repo.DeleteItems(ctx, c.ID); err != nil {
			return nil, errors.Wrap(err, "reset expired cart")
		}
		c.Empty()
		c.ExpiresAt = now.Add(s.ttl)
		if err := s.save(ctx, c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (s *Service) lockItem(ctx context.Context, itemID string) (*Cart, *Item, error) {
	c, err := s.repo.GetByItemForUpdate(ctx, itemID)
	if err != nil {
		return nil, nil, err
	}
	if c.State(s.now()) == StateExpired {
		return nil, nil, ErrCartExpired
	}
	item, ok := c.Item(itemID)
	if !ok {
		return nil, nil, &ItemNotFoundError{ItemID: itemID}
	}
	return c, item, nil
}

func (s *Service) resolve(ctx context.Context, productID, variantID string) (*product.Product, *product.Variant, error) {
	p, err := s.catalog.GetByID(ctx, productID)
	if err != nil {
		return nil, nil, err
	}
	if variantID == "" {
		return p, nil, nil
	}
	v, err := s.catalog.GetVariant(ctx, productID, variantID)
	if err != nil {
		return nil, nil, err
	}
	return p, v, nil
}

func (s *Service) checkStock(ctx context.Context, productID, variantID string, qty int) error {
	key := inventory.Key{ProductID: productID, VariantID: variantID}
	st, err := s.stock.Lookup(ctx, key)
	if err != nil {
		return err
	}
	if st.Available() < qty {
		return &inventory.ShortageError{Key: st.Key, Requested: qty, Available: st.Available(), Err: inventory.ErrInsufficientStock}
	}
	return nil
}

// commit re-prices the coupon and saves the cart.
func (s *Service) commit(ctx context.Context, c *Cart) error {
	if err := s.repriceCoupon(ctx, c); err != nil {
		return err
	}
	return s.save(ctx, c)
}

func (s *Service) save(ctx context.Context, c *Cart) error {
	c.Recompute()
	c.Version++
	c.UpdatedAt = s.now()
	if err := s.repo.Save(ctx, c); err != nil {
		return errors.Wrap(err, "save cart")
	}
	return nil
}
