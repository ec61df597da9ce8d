// Package pricing derives per-unit price, discount and tax for a cart or
// order line from its product, optional variant and promotions.
//
// Everything here is a pure function of its inputs. Per-unit discount and
// tax are rounded to two decimal places; line totals are exact products of
// the rounded per-unit values.
package pricing

import (
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/bazaar-checkout/internal/domain/product"
)

var (
	// ErrPriceUnresolvable is returned when neither the variant nor the
	// product carries a usable base or sale price.
	ErrPriceUnresolvable = errors.New("price unresolvable")
	// ErrInvalidQuantity is returned for non-positive quantities.
	ErrInvalidQuantity = errors.New("quantity must be greater than 0")
	// ErrInvalidPromotion is returned for promotions with a negative value.
	ErrInvalidPromotion = errors.New("promotion discount must not be negative")
)

var hundred = decimal.NewFromInt(100)

// Quote is the priced form of one line.
type Quote struct {
	UnitPrice decimal.Decimal
	// Discount and Tax are per unit.
	Discount decimal.Decimal
	Tax      decimal.Decimal
	Quantity int
	// LineTotal is (UnitPrice - Discount + Tax) * Quantity.
	LineTotal decimal.Decimal
	// PromotionID is empty when no promotion applied.
	PromotionID string
}

// Engine prices lines under a promotion selection policy.
type Engine struct {
	policy Policy
	now    func() time.Time
}

// NewEngine returns an Engine using the given promotion policy.
func NewEngine(policy Policy) *Engine {
	return &Engine{policy: policy, now: time.Now}
}

// Policy returns the promotion selection policy of the engine.
func (e *Engine) Policy() Policy {
	return e.policy
}

// Quote prices quantity units of p (with optional variant v).
func (e *Engine) Quote(p *product.Product, v *product.Variant, quantity int) (Quote, error) {
	if quantity <= 0 {
		return Quote{}, ErrInvalidQuantity
	}

	unit, err := UnitPrice(p, v)
	if err != nil {
		return Quote{}, err
	}
	tax := unit.Mul(TaxRate(p, v)).Round(2)

	promo, err := e.policy.Select(unit, activePromotions(p.Promotions, e.now()))
	if err != nil {
		return Quote{}, err
	}

	q := Quote{
		UnitPrice: unit,
		Discount:  decimal.Zero,
		Tax:       tax,
		Quantity:  quantity,
	}
	if promo != nil {
		q.Discount = Discount(unit, promo)
		q.PromotionID = promo.ID
	}
	q.LineTotal = LineTotal(q.UnitPrice, q.Discount, q.Tax, quantity)
	return q, nil
}

// UnitPrice resolves variant sale, variant base, product sale, product base
// in that order, taking the first price present.
func UnitPrice(p *product.Product, v *product.Variant) (decimal.Decimal, error) {
	chain := make([]decimal.NullDecimal, 0, 4)
	if v != nil {
		chain = append(chain, v.SalePrice, v.BasePrice)
	}
	chain = append(chain, p.SalePrice, p.BasePrice)
	for _, price := range chain {
		if price.Valid {
			return price.Decimal, nil
		}
	}
	if v != nil {
		return decimal.Zero, errors.Wrapf(ErrPriceUnresolvable, "product %s variant %s", p.ID, v.ID)
	}
	return decimal.Zero, errors.Wrapf(ErrPriceUnresolvable, "product %s", p.ID)
}

// TaxRate returns the variant rate when a variant is present, else the
// product rate. Absent rates are zero.
func TaxRate(p *product.Product, v *product.Variant) decimal.Decimal {
	if v != nil {
		if v.TaxRate.Valid {
			return v.TaxRate.Decimal
		}
		return decimal.Zero
	}
	if p.TaxRate.Valid {
		return p.TaxRate.Decimal
	}
	return decimal.Zero
}

// Discount returns the per-unit discount of promo against unitPrice, capped
// at unitPrice. A nil promotion yields zero.
func Discount(unitPrice decimal.Decimal, promo *product.Promotion) decimal.Decimal {
	if promo == nil {
		return decimal.Zero
	}
	d := promo.DiscountValue
	if promo.IsPercentage {
		d = unitPrice.Mul(promo.DiscountValue).Div(hundred)
	}
	return decimal.Min(d, unitPrice).Round(2)
}

// LineTotal computes (unitPrice - discount + tax) * quantity. The operation
// order is fixed.
func LineTotal(unitPrice, discount, tax decimal.Decimal, quantity int) decimal.Decimal {
	return unitPrice.Sub(discount).Add(tax).Mul(decimal.NewFromInt(int64(quantity)))
}

func activePromotions(promos []product.Promotion, now time.Time) []product.Promotion {
	active := make([]product.Promotion, 0, len(promos))
	for _, p := range promos {
		if p.ActiveAt(now) {
			active = append(active, p)
		}
	}
	return active
}
