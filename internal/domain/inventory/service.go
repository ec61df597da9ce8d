package inventory

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/bazaar-checkout/internal/domain/txn"
)

// Service adjusts stock ledgers. Each call is atomic on its own and joins
// the caller's transaction when one is bound to ctx.
type Service struct {
	repo Repository
	tx   txn.Manager
}

// NewService creates an inventory Service.
func NewService(repo Repository, tx txn.Manager) *Service {
	return &Service{repo: repo, tx: tx}
}

// Lookup returns the ledger that backs key: the variant row when one exists,
// otherwise the product row. It takes no lock, so the result is advisory;
// Reserve is the authoritative check.
func (s *Service) Lookup(ctx context.Context, key Key) (*Stock, error) {
	st, err := s.repo.Get(ctx, key)
	if errors.Is(err, ErrNotFound) && key.VariantID != "" {
		return s.repo.Get(ctx, Key{ProductID: key.ProductID})
	}
	return st, err
}

// Reserve moves qty units of key from available to reserved and returns the
// updated snapshot.
func (s *Service) Reserve(ctx context.Context, key Key, qty int) (*Stock, error) {
	return s.adjust(ctx, key, "reserve", func(st *Stock) error { return st.Reserve(qty) })
}

// Release returns qty reserved units of key to available.
func (s *Service) Release(ctx context.Context, key Key, qty int) (*Stock, error) {
	return s.adjust(ctx, key, "release", func(st *Stock) error { return st.Release(qty) })
}

// Restock sets the total on hand for key, creating the ledger if needed.
func (s *Service) Restock(ctx context.Context, key Key, total int) (*Stock, error) {
	if total < 0 {
		return nil, ErrInvalidQuantity
	}

	var stock *Stock
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		st, err := s.repo.GetForUpdate(ctx, key)
		if errors.Is(err, ErrNotFound) {
			st = &Stock{Key: key}
		} else if err != nil {
			return err
		}
		if err := st.Restock(total); err != nil {
			return err
		}
		if err := s.repo.Upsert(ctx, st); err != nil {
			return errors.Wrap(err, "upsert stock")
		}
		stock = st
		return nil
	})
	return stock, err
}

func (s *Service) adjust(ctx context.Context, key Key, op string, fn func(*Stock) error) (*Stock, error) {
	var stock *Stock
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		st, err := s.resolve(ctx, key)
		if err != nil {
			return err
		}
		if err := fn(st); err != nil {
			return err
		}
		if err := s.repo.Update(ctx, st); err != nil {
			return errors.Wrapf(err, "%s stock %s", op, st.Key)
		}
		stock = st
		return nil
	})
	if err != nil {
		return nil, err
	}

	zctx.From(ctx).Debug("Stock adjusted",
		zap.String("op", op),
		zap.Stringer("key", stock.Key),
		zap.Int("total", stock.Total),
		zap.Int("reserved", stock.Reserved),
	)
	return stock, nil
}

func (s *Service) resolve(ctx context.Context, key Key) (*Stock, error) {
	st, err := s.repo.GetForUpdate(ctx, key)
	if errors.Is(err, ErrNotFound) && key.VariantID != "" {
		return s.repo.GetForUpdate(ctx, Key{ProductID: key.ProductID})
	}
	return st, err
}
