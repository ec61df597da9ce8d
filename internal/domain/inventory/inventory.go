package inventory

import (
	"cmp"
	"context"
	"fmt"
	"strings"

	"github.com/go-faster/errors"
)

var (
	// ErrNotFound is returned when no stock ledger exists for a key.
	ErrNotFound = errors.New("stock not found")
	// ErrInsufficientStock is returned when a reservation would exceed total stock.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrInsufficientReservedStock is returned when a release exceeds the
	// currently reserved quantity.
	ErrInsufficientReservedStock = errors.New("insufficient reserved stock")
	// ErrInvalidQuantity is returned for non-positive adjustments.
	ErrInvalidQuantity = errors.New("quantity must be greater than 0")
)

// Key identifies a stock ledger: a product, or one variant of it.
type Key struct {
	ProductID string
	VariantID string
}

func (k Key) String() string {
	if k.VariantID == "" {
		return k.ProductID
	}
	return k.ProductID + "/" + k.VariantID
}

// Compare orders keys by product, then variant.
func (k Key) Compare(o Key) int {
	return cmp.Or(
		strings.Compare(k.ProductID, o.ProductID),
		strings.Compare(k.VariantID, o.VariantID),
	)
}

// Stock is the ledger for one key. 0 <= Reserved <= Total holds after every
// successful mutation.
type Stock struct {
	Key      Key
	Total    int
	Reserved int
}

// Available returns Total - Reserved.
func (s Stock) Available() int {
	return s.Total - s.Reserved
}

// Reserve moves qty units from available to reserved.
func (s *Stock) Reserve(qty int) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}
	if s.Available() < qty {
		return &ShortageError{Key: s.Key, Requested: qty, Available: s.Available(), Err: ErrInsufficientStock}
	}
	s.Reserved += qty
	return nil
}

// Release returns qty reserved units to available.
func (s *Stock) Release(qty int) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}
	if s.Reserved < qty {
		return &ShortageError{Key: s.Key, Requested: qty, Available: s.Reserved, Err: ErrInsufficientReservedStock}
	}
	s.Reserved -= qty
	return nil
}

// Restock sets the total on hand. It cannot drop below what is reserved.
func (s *Stock) Restock(total int) error {
	if total < s.Reserved {
		return &ShortageError{Key: s.Key, Requested: s.Reserved, Available: total, Err: ErrInsufficientStock}
	}
	s.Total = total
	return nil
}

// ShortageError reports the key and amounts of a failed adjustment. It
// unwraps to ErrInsufficientStock or ErrInsufficientReservedStock.
type ShortageError struct {
	Key       Key
	Requested int
	Available int
	Err       error
}

func (e *ShortageError) Error() string {
	return fmt.Sprintf("%s for %s: requested %d, available %d", e.Err, e.Key, e.Requested, e.Available)
}

func (e *ShortageError) Unwrap() error {
	return e.Err
}

// Repository persists stock ledgers. Implementations must lock the returned
// row for the rest of the surrounding transaction.
type Repository interface {
	// Get reads the ledger for key without locking it, or returns ErrNotFound.
	Get(ctx context.Context, key Key) (*Stock, error)
	// GetForUpdate returns the ledger for key, or ErrNotFound.
	GetForUpdate(ctx context.Context, key Key) (*Stock, error)
	Update(ctx context.Context, s *Stock) error
	Upsert(ctx context.Context, s *Stock) error
}
