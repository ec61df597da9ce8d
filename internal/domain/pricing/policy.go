package pricing

import (
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/bazaar-checkout/internal/domain/product"
)

// Policy selects at most one promotion for a line.
type Policy string

const (
	// PolicyFirst applies the first promotion in catalog order.
	PolicyFirst Policy = "first"
	// PolicyBestDiscount applies the promotion with the largest per-unit
	// discount; ties go to the earlier promotion.
	PolicyBestDiscount Policy = "best"
)

// ParsePolicy validates a configured policy name.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case PolicyFirst, PolicyBestDiscount:
		return p, nil
	case "":
		return PolicyFirst, nil
	default:
		return "", errors.Errorf("unknown promotion policy %q", s)
	}
}

// Select returns the promotion to apply, or nil when promos is empty.
func (p Policy) Select(unitPrice decimal.Decimal, promos []product.Promotion) (*product.Promotion, error) {
	for i := range promos {
		if promos[i].DiscountValue.IsNegative() {
			return nil, errors.Wrapf(ErrInvalidPromotion, "promotion %s", promos[i].ID)
		}
	}
	if len(promos) == 0 {
		return nil, nil
	}

	switch p {
	case PolicyBestDiscount:
		best := 0
		bestAmount := Discount(unitPrice, &promos[0])
		for i := 1; i < len(promos); i++ {
			if d := Discount(unitPrice, &promos[i]); d.GreaterThan(bestAmount) {
				best, bestAmount = i, d
			}
		}
		return &promos[best], nil
	case PolicyFirst, "":
		return &promos[0], nil
	default:
		return nil, errors.Errorf("unknown promotion policy %q", string(p))
	}
}
