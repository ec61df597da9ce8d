package postgres

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/bazaar-checkout/internal/domain/cart"
)

const cartColumns = `c.id, c.customer_id, c.subtotal, c.discount, c.tax, c.total, c.item_count,
	c.coupon_code, c.coupon_discount, c.version, c.checked_out_at, c.created_at, c.updated_at, c.expires_at`

const (
	createCartSQL = `INSERT INTO carts (id, customer_id, subtotal, discount, tax, total, item_count,
			coupon_code, coupon_discount, version, created_at, updated_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (customer_id) DO NOTHING`

	getCartByCustomerSQL = `SELECT ` + cartColumns + ` FROM carts c WHERE c.customer_id = $1`

	getCartByCustomerForUpdateSQL = getCartByCustomerSQL + ` FOR UPDATE`

	getCartByItemForUpdateSQL = `SELECT ` + cartColumns + ` FROM carts c
		JOIN cart_items i ON i.cart_id = c.id
		WHERE i.id = $1
		FOR UPDATE OF c`

	listCartItemsSQL = `SELECT id, cart_id, product_id, variant_id, quantity, unit_price, discount, tax,
			line_total, promotion_id, created_at, updated_at
		FROM cart_items WHERE cart_id = $1 ORDER BY created_at, id`

	insertCartItemSQL = `INSERT INTO cart_items (id, cart_id, product_id, variant_id, quantity, unit_price,
			discount, tax, line_total, promotion_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	updateCartItemSQL = `UPDATE cart_items SET quantity = $2, unit_price = $3, discount = $4, tax = $5,
			line_total = $6, promotion_id = $7, updated_at = $8
		WHERE id = $1`

	deleteCartItemSQL  = `DELETE FROM cart_items WHERE id = $1`
	deleteCartItemsSQL = `DELETE FROM cart_items WHERE cart_id = $1`

	saveCartSQL = `UPDATE carts SET subtotal = $2, discount = $3, tax = $4, total = $5, item_count = $6,
			coupon_code = $7, coupon_discount = $8, version = $9, checked_out_at = $10,
			updated_at = $11, expires_at = $12
		WHERE id = $1 AND version = $9 - 1`
)

// CartRepository implements cart.Repository backed by PostgreSQL.
type CartRepository struct {
	pool *pgxpool.Pool
}

// NewCartRepository returns a CartRepository that uses the given pool.
func NewCartRepository(pool *pgxpool.Pool) *CartRepository {
	return &CartRepository{pool: pool}
}

// CreateIfMissing inserts c unless the customer already owns a cart. The
// unique customer_id constraint resolves concurrent creators.
func (r *CartRepository) CreateIfMissing(ctx context.Context, c *cart.Cart) error {
	_, err := conn(ctx, r.pool).Exec(ctx, createCartSQL,
		c.ID, c.CustomerID, c.Subtotal, c.Discount, c.Tax, c.Total, c.ItemCount,
		c.CouponCode, c.CouponDiscount, c.Version, c.CreatedAt, c.UpdatedAt, c.ExpiresAt,
	)
	if err != nil {
		return errors.Wrapf(err, "create cart for %q", c.CustomerID)
	}
	return nil
}

func (r *CartRepository) GetByCustomer(ctx context.Context, customerID string) (*cart.Cart, error) {
	return r.load(ctx, getCartByCustomerSQL, customerID, cart.ErrNotFound)
}

func (r *CartRepository) GetByCustomerForUpdate(ctx context.Context, customerID string) (*cart.Cart, error) {
	return r.load(ctx, getCartByCustomerForUpdateSQL, customerID, cart.ErrNotFound)
}

func (r *CartRepository) GetByItemForUpdate(ctx context.Context, itemID string) (*cart.Cart, error) {
	return r.load(ctx, getCartByItemForUpdateSQL, itemID, &cart.ItemNotFoundError{ItemID: itemID})
}

func (r *CartRepository) load(ctx context.Context, sql, arg string, notFound error) (*cart.Cart, error) {
	q := conn(ctx, r.pool)

	rows, err := q.Query(ctx, sql, arg)
	if err != nil {
		return nil, errors.Wrap(err, "get cart")
	}
	c, err := pgx.CollectExactlyOneRow(rows, scanCart)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notFound
		}
		return nil, errors.Wrap(err, "get cart")
	}

	rows, err = q.Query(ctx, listCartItemsSQL, c.ID)
	if err != nil {
		return nil, errors.Wrapf(err, "list items of cart %q", c.ID)
	}
	if c.Items, err = pgx.CollectRows(rows, scanCartItem); err != nil {
		return nil, errors.Wrapf(err, "list items of cart %q", c.ID)
	}
	return &c, nil
}

func (r *CartRepository) InsertItem(ctx context.Context, it *cart.Item) error {
	_, err := conn(ctx, r.pool).Exec(ctx, insertCartItemSQL,
		it.ID, it.CartID, it.ProductID, it.VariantID, it.Quantity, it.UnitPrice,
		it.Discount, it.Tax, it.LineTotal, it.PromotionID, it.CreatedAt, it.UpdatedAt,
	)
	if err != nil {
		return errors.Wrapf(err, "insert cart item %q", it.ID)
	}
	return nil
}

func (r *CartRepository) UpdateItem(ctx context.Context, it *cart.Item) error {
	tag, err := conn(ctx, r.pool).Exec(ctx, updateCartItemSQL,
		it.ID, it.Quantity, it.UnitPrice, it.Discount, it.Tax, it.LineTotal, it.PromotionID, it.UpdatedAt,
	)
	if err != nil {
		return errors.Wrapf(err, "update cart item %q", it.ID)
	}
	if tag.RowsAffected() == 0 {
		return &cart.ItemNotFoundError{ItemID: it.ID}
	}
	return nil
}

func (r *CartRepository) DeleteItem(ctx context.Context, itemID string) error {
	tag, err := conn(ctx, r.pool).Exec(ctx, deleteCartItemSQL, itemID)
	if err != nil {
		return errors.Wrapf(err, "delete cart item %q", itemID)
	}
	if tag.RowsAffected() == 0 {
		return &cart.ItemNotFoundError{ItemID: itemID}
	}
	return nil
}

func (r *CartRepository) DeleteItems(ctx context.Context, cartID string) error {
	if _, err := conn(ctx, r.pool).Exec(ctx, deleteCartItemsSQL, cartID); err != nil {
		return errors.Wrapf(err, "delete items of cart %q", cartID)
	}
	return nil
}

// Save writes the cart header guarded by the version read before the
// mutation.
func (r *CartRepository) Save(ctx context.Context, c *cart.Cart) error {
	tag, err := conn(ctx, r.pool).Exec(ctx, saveCartSQL,
		c.ID, c.Subtotal, c.Discount, c.Tax, c.Total, c.ItemCount,
		c.CouponCode, c.CouponDiscount, c.Version, c.CheckedOutAt,
		c.UpdatedAt, c.ExpiresAt,
	)
	if err != nil {
		return errors.Wrapf(err, "save cart %q", c.ID)
	}
	if tag.RowsAffected() == 0 {
		return cart.ErrConcurrentModification
	}
	return nil
}

func scanCart(row pgx.CollectableRow) (cart.Cart, error) {
	var c cart.Cart
	err := row.Scan(
		&c.ID, &c.CustomerID, &c.Subtotal, &c.Discount, &c.Tax, &c.Total, &c.ItemCount,
		&c.CouponCode, &c.CouponDiscount, &c.Version, &c.CheckedOutAt, &c.CreatedAt, &c.UpdatedAt, &c.ExpiresAt,
	)
	return c, err
}

func scanCartItem(row pgx.CollectableRow) (cart.Item, error) {
	var it cart.Item
	err := row.Scan(
		&it.ID, &it.CartID, &it.ProductID, &it.VariantID, &it.Quantity, &it.UnitPrice, &it.Discount,
		&it.Tax, &it.LineTotal, &it.PromotionID, &it.CreatedAt, &it.UpdatedAt,
	)
	return it, err
}
