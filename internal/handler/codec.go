package handler

import (
	"io"
	"net/http"
	"time"

	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/bazaar-checkout/internal/domain/cart"
	"github.com/xenking/bazaar-checkout/internal/domain/order"
)

const maxBody = 1 << 20

type addItemRequest struct {
	CustomerID string
	ProductID  string
	VariantID  string
	Quantity   int
}

type updateItemRequest struct {
	CartItemID string
	Quantity   int
}

type couponRequest struct {
	CustomerID string
	Code       string
}

// decodeBody reads a JSON object and hands each field to fn.
func decodeBody(r *http.Request, fn func(d *jx.Decoder, key string) error) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		return badRequest("read body: %v", err)
	}
	if len(data) == 0 {
		return badRequest("empty body")
	}
	if err := jx.DecodeBytes(data).Obj(fn); err != nil {
		return badRequest("malformed body: %v", err)
	}
	return nil
}

func (req *addItemRequest) decode(r *http.Request) error {
	err := decodeBody(r, func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "customerId":
			req.CustomerID, err = d.Str()
		case "productId":
			req.ProductID, err = d.Str()
		case "variantId":
			req.VariantID, err = optStr(d)
		case "quantity":
			req.Quantity, err = d.Int()
		default:
			err = d.Skip()
		}
		return err
	})
	if err != nil {
		return err
	}
	switch {
	case req.CustomerID == "":
		return badRequest("customerId is required")
	case req.ProductID == "":
		return badRequest("productId is required")
	}
	return nil
}

func (req *updateItemRequest) decode(r *http.Request) error {
	err := decodeBody(r, func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "cartItemId":
			req.CartItemID, err = d.Str()
		case "quantity":
			req.Quantity, err = d.Int()
		default:
			err = d.Skip()
		}
		return err
	})
	if err != nil {
		return err
	}
	if req.CartItemID == "" {
		return badRequest("cartItemId is required")
	}
	return nil
}

func (req *couponRequest) decode(r *http.Request) error {
	err := decodeBody(r, func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "customerId":
			req.CustomerID, err = d.Str()
		case "code":
			req.Code, err = optStr(d)
		default:
			err = d.Skip()
		}
		return err
	})
	if err != nil {
		return err
	}
	if req.CustomerID == "" {
		return badRequest("customerId is required")
	}
	return nil
}

// optStr accepts a string or null.
func optStr(d *jx.Decoder) (string, error) {
	if d.Next() == jx.Null {
		return "", d.Null()
	}
	return d.Str()
}

func money(e *jx.Encoder, field string, v decimal.Decimal) {
	e.FieldStart(field)
	e.Raw([]byte(v.StringFixed(2)))
}

func timestamp(e *jx.Encoder, field string, t time.Time) {
	e.FieldStart(field)
	e.Str(t.UTC().Format(time.RFC3339Nano))
}

func encodeCart(e *jx.Encoder, c *cart.Cart, now time.Time) {
	e.ObjStart()
	e.FieldStart("id")
	e.Str(c.ID)
	e.FieldStart("customerId")
	e.Str(c.CustomerID)
	e.FieldStart("state")
	e.Str(string(c.State(now)))

	e.FieldStart("items")
	e.ArrStart()
	for i := range c.Items {
		it := &c.Items[i]
		e.ObjStart()
		e.FieldStart("id")
		e.Str(it.ID)
		e.FieldStart("productId")
		e.Str(it.ProductID)
		if it.VariantID != "" {
			e.FieldStart("variantId")
			e.Str(it.VariantID)
		}
		e.FieldStart("quantity")
		e.Int(it.Quantity)
		money(e, "unitPrice", it.UnitPrice)
		money(e, "discount", it.Discount)
		money(e, "tax", it.Tax)
		money(e, "lineTotal", it.LineTotal)
		if it.PromotionID != "" {
			e.FieldStart("promotionId")
			e.Str(it.PromotionID)
		}
		e.ObjEnd()
	}
	e.ArrEnd()

	money(e, "subtotal", c.Subtotal)
	money(e, "discount", c.Discount)
	money(e, "tax", c.Tax)
	if c.CouponCode != "" {
		e.FieldStart("couponCode")
		e.Str(c.CouponCode)
	}
	money(e, "couponDiscount", c.CouponDiscount)
	money(e, "total", c.Total)
	e.FieldStart("itemCount")
	e.Int(c.ItemCount)
	e.FieldStart("version")
	e.Int64(c.Version)
	timestamp(e, "expiresAt", c.ExpiresAt)
	if c.CheckedOutAt != nil {
		timestamp(e, "checkedOutAt", *c.CheckedOutAt)
	}
	timestamp(e, "updatedAt", c.UpdatedAt)
	e.ObjEnd()
}

func encodeOrder(e *jx.Encoder, o *order.Order) {
	e.ObjStart()
	e.FieldStart("id")
	e.Str(o.ID)
	e.FieldStart("customerId")
	e.Str(o.CustomerID)
	e.FieldStart("cartId")
	e.Str(o.CartID)
	e.FieldStart("status")
	e.Str(string(o.Status))

	e.FieldStart("items")
	e.ArrStart()
	for i := range o.Items {
		it := &o.Items[i]
		e.ObjStart()
		e.FieldStart("productId")
		e.Str(it.ProductID)
		if it.VariantID != "" {
			e.FieldStart("variantId")
			e.Str(it.VariantID)
		}
		e.FieldStart("quantity")
		e.Int(it.Quantity)
		money(e, "price", it.Price)
		money(e, "discount", it.Discount)
		money(e, "tax", it.Tax)
		money(e, "lineTotal", it.LineTotal)
		e.ObjEnd()
	}
	e.ArrEnd()

	money(e, "subtotal", o.Subtotal)
	money(e, "discount", o.Discount)
	money(e, "tax", o.Tax)
	if o.CouponCode != "" {
		e.FieldStart("couponCode")
		e.Str(o.CouponCode)
	}
	money(e, "couponDiscount", o.CouponDiscount)
	money(e, "total", o.Total)
	timestamp(e, "createdAt", o.CreatedAt)
	timestamp(e, "updatedAt", o.UpdatedAt)
	e.ObjEnd()
}

func writeJSON(w http.ResponseWriter, status int, fn func(e *jx.Encoder)) {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)

	fn(e)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}
