package cart

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/bazaar-checkout/internal/domain/coupon"
	"github.com/xenking/bazaar-checkout/internal/domain/pricing"
)

var (
	// ErrNotFound is returned when the customer has no cart.
	ErrNotFound = errors.New("cart not found")
	// ErrItemNotFound is returned when a cart item does not exist.
	ErrItemNotFound = errors.New("cart item not found")
	// ErrCartExpired is returned when mutating a cart past its expiry.
	ErrCartExpired = errors.New("cart expired")
	// ErrInvalidQuantity is returned for non-positive quantities.
	ErrInvalidQuantity = pricing.ErrInvalidQuantity
	// ErrInvalidCoupon is returned for a negative coupon discount.
	ErrInvalidCoupon = errors.New("coupon discount must not be negative")
	// ErrConcurrentModification is returned when the stored cart version no
	// longer matches the one that was read.
	ErrConcurrentModification = errors.New("cart modified concurrently")
)

// ItemNotFoundError identifies the missing cart item. It matches
// ErrItemNotFound via errors.Is.
type ItemNotFoundError struct {
	ItemID string
}

func (e *ItemNotFoundError) Error() string {
	return fmt.Sprintf("cart item %s not found", e.ItemID)
}

// Is reports whether target is ErrItemNotFound.
func (e *ItemNotFoundError) Is(target error) bool {
	return target == ErrItemNotFound
}

// State is the lifecycle position of a cart.
type State string

const (
	StateEmpty      State = "EMPTY"
	StateActive     State = "ACTIVE"
	StateCheckedOut State = "CHECKED_OUT"
	StateExpired    State = "EXPIRED"
)

// Item is a cart line. UnitPrice, Discount, Tax and LineTotal are derived by
// the pricing engine and are never set by hand.
type Item struct {
	ID          string
	CartID      string
	ProductID   string
	VariantID   string
	Quantity    int
	UnitPrice   decimal.Decimal
	Discount    decimal.Decimal
	Tax         decimal.Decimal
	LineTotal   decimal.Decimal
	PromotionID string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Apply copies the derived pricing fields of q onto the item.
func (i *Item) Apply(q pricing.Quote) {
	i.Quantity = q.Quantity
	i.UnitPrice = q.UnitPrice
	i.Discount = q.Discount
	i.Tax = q.Tax
	i.LineTotal = q.LineTotal
	i.PromotionID = q.PromotionID
}

// Totals are the cart-level aggregates.
type Totals struct {
	Subtotal  decimal.Decimal
	Discount  decimal.Decimal
	Tax       decimal.Decimal
	Total     decimal.Decimal
	ItemCount int
}

// Recompute scans every item. Discount holds line discounts only; the coupon
// discount is subtracted from Total alone, and Total never goes below zero.
func Recompute(items []Item, couponDiscount decimal.Decimal) Totals {
	t := Totals{
		Subtotal: decimal.Zero,
		Discount: decimal.Zero,
		Tax:      decimal.Zero,
	}
	for _, it := range items {
		q := decimal.NewFromInt(int64(it.Quantity))
		t.Subtotal = t.Subtotal.Add(it.UnitPrice.Mul(q))
		t.Discount = t.Discount.Add(it.Discount.Mul(q))
		t.Tax = t.Tax.Add(it.Tax.Mul(q))
		t.ItemCount += it.Quantity
	}
	t.Total = t.Subtotal.Sub(t.Discount).Add(t.Tax).Sub(couponDiscount)
	if t.Total.IsNegative() {
		t.Total = decimal.Zero
	}
	return t
}

// Cart is the single cart of a customer.
type Cart struct {
	ID         string
	CustomerID string
	Items      []Item
	Totals
	CouponCode     string
	CouponDiscount decimal.Decimal
	// Version increases on every persisted mutation.
	Version      int64
	CheckedOutAt *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
	ExpiresAt    time.Time
}

// State derives the lifecycle state at now.
func (c *Cart) State(now time.Time) State {
	switch {
	case !now.Before(c.ExpiresAt):
		return StateExpired
	case len(c.Items) > 0:
		return StateActive
	case c.CheckedOutAt != nil:
		return StateCheckedOut
	default:
		return StateEmpty
	}
}

// Recompute refreshes the aggregates from the current items.
func (c *Cart) Recompute() {
	c.Totals = Recompute(c.Items, c.CouponDiscount)
}

// Item returns the line with the given id.
func (c *Cart) Item(id string) (*Item, bool) {
	for i := range c.Items {
		if c.Items[i].ID == id {
			return &c.Items[i], true
		}
	}
	return nil, false
}

// Match returns the line for a product/variant pair.
func (c *Cart) Match(productID, variantID string) (*Item, bool) {
	for i := range c.Items {
		if c.Items[i].ProductID == productID && c.Items[i].VariantID == variantID {
			return &c.Items[i], true
		}
	}
	return nil, false
}

// Remove drops the line with the given id.
func (c *Cart) Remove(id string) bool {
	for i := range c.Items {
		if c.Items[i].ID == id {
			c.Items = append(c.Items[:i], c.Items[i+1:]...)
			return true
		}
	}
	return false
}

// CouponItems returns the lines as coupon rules see them, priced after line
// promotions.
func (c *Cart) CouponItems() []coupon.Item {
	items := make([]coupon.Item, 0, len(c.Items))
	for _, it := range c.Items {
		items = append(items, coupon.Item{
			ProductID: it.ProductID,
			Price:     it.UnitPrice.Sub(it.Discount),
			Quantity:  it.Quantity,
		})
	}
	return items
}

// Clone returns a copy of c that shares no items with it.
func (c *Cart) Clone() *Cart {
	out := *c
	out.Items = slices.Clone(c.Items)
	if c.CheckedOutAt != nil {
		at := *c.CheckedOutAt
		out.CheckedOutAt = &at
	}
	return &out
}

// Empty drops every line and the coupon, then recomputes.
func (c *Cart) Empty() {
	c.Items = nil
	c.CouponCode = ""
	c.CouponDiscount = decimal.Zero
	c.Recompute()
}

// Repository persists carts and their items. Methods named ForUpdate lock
// the cart row until the surrounding transaction ends.
type Repository interface {
	// CreateIfMissing inserts c unless the customer already has a cart.
	CreateIfMissing(ctx context.Context, c *Cart) error
	// GetByCustomer loads a cart with its items without locking.
	GetByCustomer(ctx context.Context, customerID string) (*Cart, error)
	// GetByCustomerForUpdate loads and locks a cart, or returns ErrNotFound.
	GetByCustomerForUpdate(ctx context.Context, customerID string) (*Cart, error)
	// GetByItemForUpdate loads and locks the cart owning itemID, or returns
	// an error matching ErrItemNotFound.
	GetByItemForUpdate(ctx context.Context, itemID string) (*Cart, error)
	InsertItem(ctx context.Context, it *Item) error
	UpdateItem(ctx context.Context, it *Item) error
	DeleteItem(ctx context.Context, itemID string) error
	DeleteItems(ctx context.Context, cartID string) error
	// Save writes the cart header. It fails with ErrConcurrentModification
	// unless the stored version is c.Version-1.
	Save(ctx context.Context, c *Cart) error
}
