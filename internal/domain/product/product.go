package product

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when a requested product or variant does not exist.
var ErrNotFound = errors.New("product not found")

// NotFoundError identifies the missing product or variant. It matches
// ErrNotFound via errors.Is.
type NotFoundError struct {
	ProductID string
	VariantID string
}

func (e *NotFoundError) Error() string {
	if e.VariantID != "" {
		return fmt.Sprintf("variant %s of product %s not found", e.VariantID, e.ProductID)
	}
	return fmt.Sprintf("product %s not found", e.ProductID)
}

// Is reports whether target is ErrNotFound.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// StockStatus is the merchandising stock flag shown on the storefront.
type StockStatus string

const (
	InStock    StockStatus = "in_stock"
	OutOfStock StockStatus = "out_of_stock"
	Preorder   StockStatus = "preorder"
)

// Product is a sellable catalog item owned by a vendor.
type Product struct {
	ID          string
	VendorID    string
	Name        string
	BasePrice   decimal.NullDecimal
	SalePrice   decimal.NullDecimal
	TaxRate     decimal.NullDecimal
	StockStatus StockStatus
	// Promotions are ordered as stored; the pricing policy decides which one applies.
	Promotions []Promotion
}

// Variant overrides product pricing for one SKU combination.
type Variant struct {
	ID        string
	ProductID string
	SKU       string
	BasePrice decimal.NullDecimal
	SalePrice decimal.NullDecimal
	TaxRate   decimal.NullDecimal
}

// Promotion is a discount rule attached to a product.
type Promotion struct {
	ID            string
	DiscountValue decimal.Decimal
	IsPercentage  bool
	StartsAt      *time.Time
	EndsAt        *time.Time
}

// ActiveAt reports whether the promotion window contains t. Open bounds
// are unbounded.
func (p Promotion) ActiveAt(t time.Time) bool {
	if p.StartsAt != nil && t.Before(*p.StartsAt) {
		return false
	}
	if p.EndsAt != nil && !t.Before(*p.EndsAt) {
		return false
	}
	return true
}

// Catalog is the read-only product/variant/promotion lookup consumed by
// pricing and checkout.
type Catalog interface {
	// GetByID returns the product with its promotions, or an error matching
	// ErrNotFound.
	GetByID(ctx context.Context, id string) (*Product, error)
	// GetVariant returns the variant belonging to productID, or an error
	// matching ErrNotFound.
	GetVariant(ctx context.Context, productID, variantID string) (*Variant, error)
}
