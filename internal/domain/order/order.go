package order

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned when an order does not exist.
	ErrNotFound = errors.New("order not found")
	// ErrEmptyCart is returned when checking out a cart without items.
	ErrEmptyCart = errors.New("cart is empty")
	// ErrInvalidStatus is returned for a transition the order status does not allow.
	ErrInvalidStatus = errors.New("invalid order status transition")
	// ErrCheckoutInProgress is returned when another checkout for the same
	// customer holds the checkout lock.
	ErrCheckoutInProgress = errors.New("checkout already in progress")
)

// Status is the order lifecycle state.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCancelled Status = "CANCELLED"
)

// Item is a line frozen at purchase time. It is never updated after the
// order is created.
type Item struct {
	ID        string
	ProductID string
	VariantID string
	Quantity  int
	Price     decimal.Decimal
	Discount  decimal.Decimal
	Tax       decimal.Decimal
	LineTotal decimal.Decimal
}

// Order is an immutable snapshot of a checked-out cart. Only Status and
// UpdatedAt change after creation.
type Order struct {
	ID         string
	CustomerID string
	CartID     string
	Status     Status
	Items      []Item
	// Subtotal is the sum of quantity * price over the items.
	Subtotal       decimal.Decimal
	Discount       decimal.Decimal
	Tax            decimal.Decimal
	CouponCode     string
	CouponDiscount decimal.Decimal
	Total          decimal.Decimal
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Repository persists orders.
type Repository interface {
	Create(ctx context.Context, o *Order) error
	// Get returns the order with its items, or ErrNotFound.
	Get(ctx context.Context, id string) (*Order, error)
	// GetForUpdate is Get with the order row locked for the surrounding
	// transaction.
	GetForUpdate(ctx context.Context, id string) (*Order, error)
	// ListByCustomer returns up to limit orders, newest first.
	ListByCustomer(ctx context.Context, customerID string, limit int) ([]Order, error)
	UpdateStatus(ctx context.Context, id string, status Status, at time.Time) error
}
