// Package seed loads the bootstrap catalog, stock levels and coupon rules.
package seed

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/bazaar-checkout/internal/domain/coupon"
	"github.com/xenking/bazaar-checkout/internal/domain/inventory"
	"github.com/xenking/bazaar-checkout/internal/domain/product"
)

// Variant is a seeded variant. A nil Stock means the variant shares the
// product's stock row.
type Variant struct {
	product.Variant
	Stock *int
}

// Product is a seeded product with its initial stock.
type Product struct {
	product.Product
	Stock    int
	Variants []Variant
}

// Data is the decoded seed file.
type Data struct {
	Products []Product
	Coupons  []coupon.Rule
}

// ProductWriter upserts a product with its variants and promotions.
type ProductWriter interface {
	PutProduct(ctx context.Context, p product.Product, variants []product.Variant) error
}

// CouponWriter upserts a coupon rule.
type CouponWriter interface {
	PutCoupon(ctx context.Context, rule coupon.Rule) error
}

// Restocker sets stock totals.
type Restocker interface {
	Restock(ctx context.Context, key inventory.Key, total int) (*inventory.Stock, error)
}

// Apply writes d through the given writers.
func Apply(ctx context.Context, d *Data, products ProductWriter, stock Restocker, coupons CouponWriter) error {
	for _, p := range d.Products {
		variants := make([]product.Variant, 0, len(p.Variants))
		for _, v := range p.Variants {
			variants = append(variants, v.Variant)
		}
		if err := products.PutProduct(ctx, p.Product, variants); err != nil {
			return errors.Wrapf(err, "put product %s", p.ID)
		}
		if _, err := stock.Restock(ctx, inventory.Key{ProductID: p.ID}, p.Stock); err != nil {
			return errors.Wrapf(err, "restock %s", p.ID)
		}
		for _, v := range p.Variants {
			if v.Stock == nil {
				continue
			}
			key := inventory.Key{ProductID: p.ID, VariantID: v.ID}
			if _, err := stock.Restock(ctx, key, *v.Stock); err != nil {
				return errors.Wrapf(err, "restock %s", key)
			}
		}
	}
	for _, c := range d.Coupons {
		if err := coupons.PutCoupon(ctx, c); err != nil {
			return errors.Wrapf(err, "put coupon %s", c.Code)
		}
	}
	return nil
}

// Decode parses a seed file.
func Decode(data []byte) (*Data, error) {
	var out Data
	d := jx.DecodeBytes(data)
	if err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		switch string(key) {
		case "products":
			return d.Arr(func(d *jx.Decoder) error {
				p, err := decodeProduct(d)
				if err != nil {
					return err
				}
				out.Products = append(out.Products, p)
				return nil
			})
		case "coupons":
			return d.Arr(func(d *jx.Decoder) error {
				c, err := decodeCoupon(d)
				if err != nil {
					return err
				}
				out.Coupons = append(out.Coupons, c)
				return nil
			})
		default:
			return d.Skip()
		}
	}); err != nil {
		return nil, errors.Wrap(err, "decode seed")
	}
	return &out, nil
}

func decodeProduct(d *jx.Decoder) (Product, error) {
	p := Product{Product: product.Product{StockStatus: product.InStock}}
	err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		var err error
		switch string(key) {
		case "id":
			p.ID, err = d.Str()
		case "vendor_id":
			p.VendorID, err = d.Str()
		case "name":
			p.Name, err = d.Str()
		case "base_price":
			p.BasePrice, err = nullDecimal(d)
		case "sale_price":
			p.SalePrice, err = nullDecimal(d)
		case "tax_rate":
			p.TaxRate, err = nullDecimal(d)
		case "stock_status":
			var s string
			s, err = d.Str()
			p.StockStatus = product.StockStatus(s)
		case "stock":
			p.Stock, err = d.Int()
		case "promotions":
			err = d.Arr(func(d *jx.Decoder) error {
				promo, err := decodePromotion(d)
				if err != nil {
					return err
				}
				p.Promotions = append(p.Promotions, promo)
				return nil
			})
		case "variants":
			err = d.Arr(func(d *jx.Decoder) error {
				v, err := decodeVariant(d)
				if err != nil {
					return err
				}
				v.ProductID = p.ID
				p.Variants = append(p.Variants, v)
				return nil
			})
		default:
			err = d.Skip()
		}
		return field("product", key, err)
	})
	if err == nil && p.ID == "" {
		err = errors.New("product without id")
	}
	return p, err
}

func decodeVariant(d *jx.Decoder) (Variant, error) {
	var v Variant
	err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		var err error
		switch string(key) {
		case "id":
			v.ID, err = d.Str()
		case "sku":
			v.SKU, err = d.Str()
		case "base_price":
			v.BasePrice, err = nullDecimal(d)
		case "sale_price":
			v.SalePrice, err = nullDecimal(d)
		case "tax_rate":
			v.TaxRate, err = nullDecimal(d)
		case "stock":
			var n int
			if n, err = d.Int(); err == nil {
				v.Stock = &n
			}
		default:
			err = d.Skip()
		}
		return field("variant", key, err)
	})
	return v, err
}

func decodePromotion(d *jx.Decoder) (product.Promotion, error) {
	var p product.Promotion
	err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		var err error
		switch string(key) {
		case "id":
			p.ID, err = d.Str()
		case "discount_value":
			p.DiscountValue, err = decimalStr(d)
		case "is_percentage":
			p.IsPercentage, err = d.Bool()
		case "starts_at":
			p.StartsAt, err = timestamp(d)
		case "ends_at":
			p.EndsAt, err = timestamp(d)
		default:
			err = d.Skip()
		}
		return field("promotion", key, err)
	})
	return p, err
}

func decodeCoupon(d *jx.Decoder) (coupon.Rule, error) {
	r := coupon.Rule{Value: decimal.Zero, MaxDiscount: decimal.Zero}
	err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		var err error
		switch string(key) {
		case "code":
			r.Code, err = d.Str()
		case "discount_type":
			var s string
			s, err = d.Str()
			r.DiscountType = coupon.DiscountType(s)
		case "value":
			r.Value, err = decimalStr(d)
		case "min_items":
			r.MinItems, err = d.Int()
		case "description":
			r.Description, err = d.Str()
		case "max_uses":
			r.MaxUses, err = d.Int()
		case "max_discount":
			r.MaxDiscount, err = decimalStr(d)
		case "valid_from":
			r.ValidFrom, err = timestamp(d)
		case "valid_until":
			r.ValidUntil, err = timestamp(d)
		default:
			err = d.Skip()
		}
		return field("coupon", key, err)
	})
	return r, err
}

func decimalStr(d *jx.Decoder) (decimal.Decimal, error) {
	s, err := d.Str()
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(s)
}

func nullDecimal(d *jx.Decoder) (decimal.NullDecimal, error) {
	if d.Next() == jx.Null {
		return decimal.NullDecimal{}, d.Null()
	}
	v, err := decimalStr(d)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return decimal.NewNullDecimal(v), nil
}

func timestamp(d *jx.Decoder) (*time.Time, error) {
	if d.Next() == jx.Null {
		return nil, d.Null()
	}
	s, err := d.Str()
	if err != nil {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func field(obj string, key []byte, err error) error {
	if err == nil {
		return nil
	}
	return errors.Wrapf(err, "%s.%s", obj, key)
}
