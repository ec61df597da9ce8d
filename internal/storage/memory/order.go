package memory

import (
	"context"
	"sort"
	"time"

	"github.com/xenking/bazaar-checkout/internal/domain/order"
)

// Orders implements order.Repository.
type Orders struct {
	s *Store
}

func copyOrder(o order.Order) order.Order {
	o.Items = append([]order.Item(nil), o.Items...)
	return o
}

func (r *Orders) Create(_ context.Context, o *order.Order) error {
	return r.s.write(func(st *state) error {
		st.orders[o.ID] = copyOrder(*o)
		return nil
	})
}

func (r *Orders) Get(_ context.Context, id string) (*order.Order, error) {
	var (
		o  order.Order
		ok bool
	)
	r.s.read(func(st *state) {
		if o, ok = st.orders[id]; ok {
			o = copyOrder(o)
		}
	})
	if !ok {
		return nil, order.ErrNotFound
	}
	return &o, nil
}

func (r *Orders) GetForUpdate(ctx context.Context, id string) (*order.Order, error) {
	return r.Get(ctx, id)
}

func (r *Orders) ListByCustomer(_ context.Context, customerID string, limit int) ([]order.Order, error) {
	var out []order.Order
	r.s.read(func(st *state) {
		for _, o := range st.orders {
			if o.CustomerID == customerID {
				out = append(out, copyOrder(o))
			}
		}
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *Orders) UpdateStatus(_ context.Context, id string, status order.Status, at time.Time) error {
	return r.s.write(func(st *state) error {
		o, ok := st.orders[id]
		if !ok {
			return order.ErrNotFound
		}
		o.Status = status
		o.UpdatedAt = at
		st.orders[id] = o
		return nil
	})
}

// Events is the in-memory outbox.
type Events struct {
	s *Store
}

func (r *Events) Append(_ context.Context, e *order.Event) error {
	return r.s.write(func(st *state) error {
		st.eventSeq++
		e.ID = st.eventSeq
		ev := *e
		ev.Payload = append([]byte(nil), e.Payload...)
		st.events = append(st.events, ev)
		return nil
	})
}

// Pending returns up to limit unpublished events in append order.
func (r *Events) Pending(_ context.Context, limit int) ([]order.Event, error) {
	var out []order.Event
	r.s.read(func(st *state) {
		for _, e := range st.events {
			if e.PublishedAt != nil {
				continue
			}
			out = append(out, e)
			if limit > 0 && len(out) == limit {
				return
			}
		}
	})
	return out, nil
}

// MarkPublished stamps the given events as published.
func (r *Events) MarkPublished(_ context.Context, ids []int64, at time.Time) error {
	set := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return r.s.write(func(st *state) error {
		for i := range st.events {
			if _, ok := set[st.events[i].ID]; ok {
				t := at
				st.events[i].PublishedAt = &t
			}
		}
		return nil
	})
}
