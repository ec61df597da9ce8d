package memory

import (
	"context"

	"github.com/xenking/bazaar-checkout/internal/domain/product"
)

// Catalog implements product.Catalog.
type Catalog struct {
	s *Store
}

func variantKey(productID, variantID string) string {
	return productID + "/" + variantID
}

// Put adds or replaces a product with its variants.
func (c *Catalog) Put(p product.Product, variants ...product.Variant) {
	p.Promotions = append([]product.Promotion(nil), p.Promotions...)
	_ = c.s.write(func(st *state) error {
		st.products[p.ID] = p
		for _, v := range variants {
			v.ProductID = p.ID
			st.variants[variantKey(p.ID, v.ID)] = v
		}
		return nil
	})
}

func (c *Catalog) GetByID(_ context.Context, id string) (*product.Product, error) {
	var (
		p  product.Product
		ok bool
	)
	c.s.read(func(st *state) { p, ok = st.products[id] })
	if !ok {
		return nil, &product.NotFoundError{ProductID: id}
	}
	return &p, nil
}

func (c *Catalog) GetVariant(_ context.Context, productID, variantID string) (*product.Variant, error) {
	var (
		v  product.Variant
		ok bool
	)
	c.s.read(func(st *state) { v, ok = st.variants[variantKey(productID, variantID)] })
	if !ok {
		return nil, &product.NotFoundError{ProductID: productID, VariantID: variantID}
	}
	return &v, nil
}

// PutProduct implements seed.ProductWriter.
func (c *Catalog) PutProduct(_ context.Context, p product.Product, variants []product.Variant) error {
	c.Put(p, variants...)
	return nil
}
