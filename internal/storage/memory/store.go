// Package memory implements every repository on in-process maps.
//
// Transactions are serialized by a single lock and rolled back by restoring
// a snapshot taken at begin. Reads outside a transaction see the latest
// written state, including writes of a transaction still in flight.
package memory

import (
	"context"
	"sync"

	"github.com/xenking/bazaar-checkout/internal/domain/cart"
	"github.com/xenking/bazaar-checkout/internal/domain/coupon"
	"github.com/xenking/bazaar-checkout/internal/domain/inventory"
	"github.com/xenking/bazaar-checkout/internal/domain/order"
	"github.com/xenking/bazaar-checkout/internal/domain/product"
)

type state struct {
	products  map[string]product.Product
	variants  map[string]product.Variant
	carts     map[string]cart.Cart
	customers map[string]string
	items     map[string][]cart.Item
	itemCarts map[string]string
	stock     map[inventory.Key]inventory.Stock
	orders    map[string]order.Order
	events    []order.Event
	coupons   map[string]coupon.Rule
	eventSeq  int64
}

func newState() *state {
	return &state{
		products:  map[string]product.Product{},
		variants:  map[string]product.Variant{},
		carts:     map[string]cart.Cart{},
		customers: map[string]string{},
		items:     map[string][]cart.Item{},
		itemCarts: map[string]string{},
		stock:     map[inventory.Key]inventory.Stock{},
		orders:    map[string]order.Order{},
		coupons:   map[string]coupon.Rule{},
	}
}

// clone copies every map. Catalog entries are never mutated in place, so
// they are shared.
func (st *state) clone() *state {
	c := &state{
		products:  make(map[string]product.Product, len(st.products)),
		variants:  make(map[string]product.Variant, len(st.variants)),
		carts:     make(map[string]cart.Cart, len(st.carts)),
		customers: make(map[string]string, len(st.customers)),
		items:     make(map[string][]cart.Item, len(st.items)),
		itemCarts: make(map[string]string, len(st.itemCarts)),
		stock:     make(map[inventory.Key]inventory.Stock, len(st.stock)),
		orders:    make(map[string]order.Order, len(st.orders)),
		events:    make([]order.Event, len(st.events)),
		coupons:   make(map[string]coupon.Rule, len(st.coupons)),
		eventSeq:  st.eventSeq,
	}
	for k, v := range st.products {
		c.products[k] = v
	}
	for k, v := range st.variants {
		c.variants[k] = v
	}
	for k, v := range st.carts {
		c.carts[k] = v
	}
	for k, v := range st.customers {
		c.customers[k] = v
	}
	for k, v := range st.items {
		c.items[k] = append([]cart.Item(nil), v...)
	}
	for k, v := range st.itemCarts {
		c.itemCarts[k] = v
	}
	for k, v := range st.stock {
		c.stock[k] = v
	}
	for k, v := range st.orders {
		c.orders[k] = v
	}
	copy(c.events, st.events)
	for k, v := range st.coupons {
		c.coupons[k] = v
	}
	return c
}

// Store holds all state. Use the accessor methods to get a repository view.
type Store struct {
	tx sync.Mutex
	mu sync.Mutex
	st *state
}

// New creates an empty Store.
func New() *Store {
	return &Store{st: newState()}
}

type txKey struct{}

// InTx implements txn.Manager.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(txKey{}) != nil {
		return fn(ctx)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.tx.Lock()
	defer s.tx.Unlock()

	s.mu.Lock()
	snapshot := s.st.clone()
	s.mu.Unlock()

	if err := fn(context.WithValue(ctx, txKey{}, true)); err != nil {
		s.mu.Lock()
		s.st = snapshot
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *Store) read(fn func(st *state)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.st)
}

func (s *Store) write(fn func(st *state) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.st)
}

// Catalog returns the product catalog view.
func (s *Store) Catalog() *Catalog { return &Catalog{s: s} }

// Carts returns the cart repository view.
func (s *Store) Carts() *Carts { return &Carts{s: s} }

// Stock returns the inventory repository view.
func (s *Store) Stock() *Stock { return &Stock{s: s} }

// Orders returns the order repository view.
func (s *Store) Orders() *Orders { return &Orders{s: s} }

// Events returns the outbox view.
func (s *Store) Events() *Events { return &Events{s: s} }

// Coupons returns the coupon repository view.
func (s *Store) Coupons() *Coupons { return &Coupons{s: s} }
