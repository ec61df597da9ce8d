package postgres

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/bazaar-checkout/internal/domain/product"
)

const (
	getProductSQL = `SELECT id, vendor_id, name, base_price, sale_price, tax_rate, stock_status
		FROM products WHERE id = $1`

	listPromotionsSQL = `SELECT id, discount_value, is_percentage, starts_at, ends_at
		FROM promotions WHERE product_id = $1 ORDER BY position, id`

	getVariantSQL = `SELECT id, product_id, sku, base_price, sale_price, tax_rate
		FROM product_variants WHERE product_id = $1 AND id = $2`

	upsertProductSQL = `INSERT INTO products (id, vendor_id, name, base_price, sale_price, tax_rate, stock_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			vendor_id = EXCLUDED.vendor_id,
			name = EXCLUDED.name,
			base_price = EXCLUDED.base_price,
			sale_price = EXCLUDED.sale_price,
			tax_rate = EXCLUDED.tax_rate,
			stock_status = EXCLUDED.stock_status,
			updated_at = now()`

	upsertVariantSQL = `INSERT INTO product_variants (product_id, id, sku, base_price, sale_price, tax_rate)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (product_id, id) DO UPDATE SET
			sku = EXCLUDED.sku,
			base_price = EXCLUDED.base_price,
			sale_price = EXCLUDED.sale_price,
			tax_rate = EXCLUDED.tax_rate`

	deletePromotionsSQL = `DELETE FROM promotions WHERE product_id = $1`

	insertPromotionSQL = `INSERT INTO promotions (id, product_id, position, discount_value, is_percentage, starts_at, ends_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
)

// CatalogRepository implements product.Catalog backed by PostgreSQL.
type CatalogRepository struct {
	pool *pgxpool.Pool
}

// NewCatalogRepository returns a CatalogRepository that uses the given pool.
func NewCatalogRepository(pool *pgxpool.Pool) *CatalogRepository {
	return &CatalogRepository{pool: pool}
}

// GetByID returns a product with its promotions in stored order.
func (r *CatalogRepository) GetByID(ctx context.Context, id string) (*product.Product, error) {
	q := conn(ctx, r.pool)

	rows, err := q.Query(ctx, getProductSQL, id)
	if err != nil {
		return nil, errors.Wrapf(err, "get product %q", id)
	}
	p, err := pgx.CollectExactlyOneRow(rows, scanProduct)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &product.NotFoundError{ProductID: id}
		}
		return nil, errors.Wrapf(err, "get product %q", id)
	}

	rows, err = q.Query(ctx, listPromotionsSQL, id)
	if err != nil {
		return nil, errors.Wrapf(err, "list promotions of %q", id)
	}
	if p.Promotions, err = pgx.CollectRows(rows, scanPromotion); err != nil {
		return nil, errors.Wrapf(err, "list promotions of %q", id)
	}
	return &p, nil
}

// GetVariant returns a variant of productID.
func (r *CatalogRepository) GetVariant(ctx context.Context, productID, variantID string) (*product.Variant, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, getVariantSQL, productID, variantID)
	if err != nil {
		return nil, errors.Wrapf(err, "get variant %q of %q", variantID, productID)
	}
	v, err := pgx.CollectExactlyOneRow(rows, scanVariant)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &product.NotFoundError{ProductID: productID, VariantID: variantID}
		}
		return nil, errors.Wrapf(err, "get variant %q of %q", variantID, productID)
	}
	return &v, nil
}

// PutProduct upserts a product and its variants and replaces its promotions.
func (r *CatalogRepository) PutProduct(ctx context.Context, p product.Product, variants []product.Variant) error {
	b := &pgx.Batch{}
	b.Queue(upsertProductSQL, p.ID, p.VendorID, p.Name, p.BasePrice, p.SalePrice, p.TaxRate, string(p.StockStatus))
	for _, v := range variants {
		b.Queue(upsertVariantSQL, p.ID, v.ID, v.SKU, v.BasePrice, v.SalePrice, v.TaxRate)
	}
	b.Queue(deletePromotionsSQL, p.ID)
	for i, promo := range p.Promotions {
		b.Queue(insertPromotionSQL, promo.ID, p.ID, i, promo.DiscountValue, promo.IsPercentage, promo.StartsAt, promo.EndsAt)
	}

	if err := conn(ctx, r.pool).SendBatch(ctx, b).Close(); err != nil {
		return errors.Wrapf(err, "put product %q", p.ID)
	}
	return nil
}

func scanProduct(row pgx.CollectableRow) (product.Product, error) {
	var (
		p      product.Product
		status string
	)
	err := row.Scan(&p.ID, &p.VendorID, &p.Name, &p.BasePrice, &p.SalePrice, &p.TaxRate, &status)
	p.StockStatus = product.StockStatus(status)
	return p, err
}

func scanVariant(row pgx.CollectableRow) (product.Variant, error) {
	var v product.Variant
	err := row.Scan(&v.ID, &v.ProductID, &v.SKU, &v.BasePrice, &v.SalePrice, &v.TaxRate)
	return v, err
}

func scanPromotion(row pgx.CollectableRow) (product.Promotion, error) {
	var p product.Promotion
	err := row.Scan(&p.ID, &p.DiscountValue, &p.IsPercentage, &p.StartsAt, &p.EndsAt)
	return p, err
}
