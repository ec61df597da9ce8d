package order

import (
	"context"
	"time"

	"github.com/go-faster/jx"
)

// Event types appended to the outbox.
const (
	EventPlaced    = "order.placed"
	EventCancelled = "order.cancelled"
)

// Event is an outbox record describing an order change. It is written in the
// same transaction as the change and published after commit.
type Event struct {
	ID          int64
	OrderID     string
	Type        string
	Payload     []byte
	CreatedAt   time.Time
	PublishedAt *time.Time
}

// EventLog appends outbox events.
type EventLog interface {
	Append(ctx context.Context, e *Event) error
}

func newEvent(typ string, o *Order, at time.Time) *Event {
	return &Event{
		OrderID:   o.ID,
		Type:      typ,
		Payload:   encodePayload(typ, o, at),
		CreatedAt: at,
	}
}

func encodePayload(typ string, o *Order, at time.Time) []byte {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)

	e.ObjStart()
	e.FieldStart("type")
	e.Str(typ)
	e.FieldStart("order_id")
	e.Str(o.ID)
	e.FieldStart("customer_id")
	e.Str(o.CustomerID)
	e.FieldStart("status")
	e.Str(string(o.Status))
	e.FieldStart("total")
	e.Str(o.Total.StringFixed(2))
	if o.CouponCode != "" {
		e.FieldStart("coupon_code")
		e.Str(o.CouponCode)
	}
	e.FieldStart("items")
	e.ArrStart()
	for _, it := range o.Items {
		e.ObjStart()
		e.FieldStart("product_id")
		e.Str(it.ProductID)
		if it.VariantID != "" {
			e.FieldStart("variant_id")
			e.Str(it.VariantID)
		}
		e.FieldStart("quantity")
		e.Int(it.Quantity)
		e.FieldStart("price")
		e.Str(it.Price.StringFixed(2))
		e.ObjEnd()
	}
	e.ArrEnd()
	e.FieldStart("occurred_at")
	e.Str(at.UTC().Format(time.RFC3339Nano))
	e.ObjEnd()

	return append([]byte(nil), e.Bytes()...)
}
