package memory

import (
	"context"

	"github.com/go-faster/errors"

	"github.com/xenking/bazaar-checkout/internal/domain/cart"
)

// Carts implements cart.Repository.
type Carts struct {
	s *Store
}

func (st *state) loadCart(id string) cart.Cart {
	c := st.carts[id]
	c.Items = append([]cart.Item(nil), st.items[id]...)
	return c
}

func (r *Carts) CreateIfMissing(_ context.Context, c *cart.Cart) error {
	return r.s.write(func(st *state) error {
		if _, ok := st.customers[c.CustomerID]; ok {
			return nil
		}
		h := *c
		h.Items = nil
		st.carts[c.ID] = h
		st.customers[c.CustomerID] = c.ID
		return nil
	})
}

func (r *Carts) GetByCustomer(_ context.Context, customerID string) (*cart.Cart, error) {
	var (
		c  cart.Cart
		ok bool
	)
	r.s.read(func(st *state) {
		var id string
		if id, ok = st.customers[customerID]; ok {
			c = st.loadCart(id)
		}
	})
	if !ok {
		return nil, cart.ErrNotFound
	}
	return &c, nil
}

func (r *Carts) GetByCustomerForUpdate(ctx context.Context, customerID string) (*cart.Cart, error) {
	return r.GetByCustomer(ctx, customerID)
}

func (r *Carts) GetByItemForUpdate(_ context.Context, itemID string) (*cart.Cart, error) {
	var (
		c  cart.Cart
		ok bool
	)
	r.s.read(func(st *state) {
		var id string
		if id, ok = st.itemCarts[itemID]; ok {
			c = st.loadCart(id)
		}
	})
	if !ok {
		return nil, &cart.ItemNotFoundError{ItemID: itemID}
	}
	return &c, nil
}

func (r *Carts) InsertItem(_ context.Context, it *cart.Item) error {
	return r.s.write(func(st *state) error {
		if _, ok := st.carts[it.CartID]; !ok {
			return cart.ErrNotFound
		}
		for _, existing := range st.items[it.CartID] {
			if existing.ProductID == it.ProductID && existing.VariantID == it.VariantID {
				return errors.Errorf("duplicate line %s/%s in cart %s", it.ProductID, it.VariantID, it.CartID)
			}
		}
		st.items[it.CartID] = append(st.items[it.CartID], *it)
		st.itemCarts[it.ID] = it.CartID
		return nil
	})
}

func (r *Carts) UpdateItem(_ context.Context, it *cart.Item) error {
	return r.s.write(func(st *state) error {
		items := st.items[st.itemCarts[it.ID]]
		for i := range items {
			if items[i].ID == it.ID {
				items[i] = *it
				return nil
			}
		}
		return &cart.ItemNotFoundError{ItemID: it.ID}
	})
}

func (r *Carts) DeleteItem(_ context.Context, itemID string) error {
	return r.s.write(func(st *state) error {
		cartID, ok := st.itemCarts[itemID]
		if !ok {
			return &cart.ItemNotFoundError{ItemID: itemID}
		}
		items := st.items[cartID]
		for i := range items {
			if items[i].ID == itemID {
				st.items[cartID] = append(items[:i:i], items[i+1:]...)
				break
			}
		}
		delete(st.itemCarts, itemID)
		return nil
	})
}

func (r *Carts) DeleteItems(_ context.Context, cartID string) error {
	return r.s.write(func(st *state) error {
		for _, it := range st.items[cartID] {
			delete(st.itemCarts, it.ID)
		}
		delete(st.items, cartID)
		return nil
	})
}

func (r *Carts) Save(_ context.Context, c *cart.Cart) error {
	return r.s.write(func(st *state) error {
		stored, ok := st.carts[c.ID]
		if !ok {
			return cart.ErrNotFound
		}
		if stored.Version != c.Version-1 {
			return cart.ErrConcurrentModification
		}
		h := *c
		h.Items = nil
		st.carts[c.ID] = h
		return nil
	})
}
