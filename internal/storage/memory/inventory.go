package memory

import (
	"context"

	"github.com/xenking/bazaar-checkout/internal/domain/inventory"
)

// Stock implements inventory.Repository.
type Stock struct {
	s *Store
}

func (r *Stock) Get(ctx context.Context, key inventory.Key) (*inventory.Stock, error) {
	return r.GetForUpdate(ctx, key)
}

func (r *Stock) GetForUpdate(_ context.Context, key inventory.Key) (*inventory.Stock, error) {
	var (
		v  inventory.Stock
		ok bool
	)
	r.s.read(func(st *state) { v, ok = st.stock[key] })
	if !ok {
		return nil, inventory.ErrNotFound
	}
	return &v, nil
}

func (r *Stock) Update(_ context.Context, v *inventory.Stock) error {
	return r.s.write(func(st *state) error {
		if _, ok := st.stock[v.Key]; !ok {
			return inventory.ErrNotFound
		}
		st.stock[v.Key] = *v
		return nil
	})
}

func (r *Stock) Upsert(_ context.Context, v *inventory.Stock) error {
	return r.s.write(func(st *state) error {
		st.stock[v.Key] = *v
		return nil
	})
}
