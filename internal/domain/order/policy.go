package order

import "github.com/go-faster/errors"

// PricePolicy decides which prices an order freezes when the catalog changed
// after items were added to the cart.
type PricePolicy string

const (
	// PriceAtCheckout re-prices every line from the current catalog.
	PriceAtCheckout PricePolicy = "checkout"
	// PriceFromCart keeps the pricing stored on the cart lines.
	PriceFromCart PricePolicy = "cart"
)

// ParsePricePolicy validates a configured policy name. Empty selects
// PriceAtCheckout.
func ParsePricePolicy(s string) (PricePolicy, error) {
	switch p := PricePolicy(s); p {
	case PriceAtCheckout, PriceFromCart:
		return p, nil
	case "":
		return PriceAtCheckout, nil
	default:
		return "", errors.Errorf("unknown price policy %q", s)
	}
}
