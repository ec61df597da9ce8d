package coupon

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// DiscountType enumerates the supported coupon discount strategies.
type DiscountType string

const (
	// DiscountPercentage takes a percentage off the discounted cart subtotal.
	DiscountPercentage DiscountType = "percentage"
	// DiscountFixed takes a fixed amount off, capped at the subtotal.
	DiscountFixed DiscountType = "fixed"
	// DiscountFreeLowest removes the cost of one unit of the cheapest line.
	DiscountFreeLowest DiscountType = "free_lowest"
)

var (
	// ErrInvalidCoupon is returned when a code is unknown or the cart does
	// not satisfy the rule's minimum item count.
	ErrInvalidCoupon = errors.New("invalid coupon code")
	// ErrCouponExpired is returned outside the rule's validity window.
	ErrCouponExpired = errors.New("coupon expired")
	// ErrCouponUsageLimitReached is returned once MaxUses redemptions exist.
	ErrCouponUsageLimitReached = errors.New("coupon usage limit reached")
)

// IsRejected reports whether err means the rule does not apply, as opposed
// to a storage failure.
func IsRejected(err error) bool {
	return errors.Is(err, ErrInvalidCoupon) ||
		errors.Is(err, ErrCouponExpired) ||
		errors.Is(err, ErrCouponUsageLimitReached)
}

// Rule defines a coupon's discount behaviour and eligibility constraints.
type Rule struct {
	Code         string
	DiscountType DiscountType
	Value        decimal.Decimal
	MinItems     int
	Description  string
	ValidFrom    *time.Time
	ValidUntil   *time.Time
	// MaxUses of zero means unlimited.
	MaxUses int
	Uses    int
	// MaxDiscount caps the amount when positive.
	MaxDiscount decimal.Decimal
}

// Discount is the amount a rule takes off a cart.
type Discount struct {
	Code        string
	Amount      decimal.Decimal
	Description string
}

// Item is a cart line as seen by coupon rules. Price is the unit price after
// line promotions.
type Item struct {
	ProductID string
	Price     decimal.Decimal
	Quantity  int
}

// Repository provides lookup and mutation of coupon rules.
type Repository interface {
	// FindByCode returns ErrInvalidCoupon for unknown codes.
	FindByCode(ctx context.Context, code string) (*Rule, error)
	// IncrementUses records one redemption. It returns
	// ErrCouponUsageLimitReached when the limit was hit concurrently.
	IncrementUses(ctx context.Context, code string) error
}
