package postgres

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/bazaar-checkout/internal/domain/order"
)

const orderColumns = `id, customer_id, cart_id, status, subtotal, discount, tax,
	coupon_code, coupon_discount, total, created_at, updated_at`

const (
	createOrderSQL = `INSERT INTO orders (` + orderColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	createOrderItemSQL = `INSERT INTO order_items (id, order_id, position, product_id, variant_id,
			quantity, price, discount, tax, line_total)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	getOrderSQL          = `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`
	getOrderForUpdateSQL = getOrderSQL + ` FOR UPDATE`

	listOrdersByCustomerSQL = `SELECT ` + orderColumns + ` FROM orders
		WHERE customer_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2`

	listOrderItemsSQL = `SELECT order_id, id, product_id, variant_id, quantity, price, discount, tax, line_total
		FROM order_items WHERE order_id = ANY($1) ORDER BY order_id, position`

	updateOrderStatusSQL = `UPDATE orders SET status = $2, updated_at = $3 WHERE id = $1`
)

// OrderRepository implements order.Repository backed by PostgreSQL. Order
// items are insert-only.
type OrderRepository struct {
	pool *pgxpool.Pool
}

// NewOrderRepository returns an OrderRepository that uses the given pool.
func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

// Create persists the order header and its items in one batch.
func (r *OrderRepository) Create(ctx context.Context, o *order.Order) error {
	b := &pgx.Batch{}
	b.Queue(createOrderSQL,
		o.ID, o.CustomerID, o.CartID, string(o.Status), o.Subtotal, o.Discount, o.Tax,
		o.CouponCode, o.CouponDiscount, o.Total, o.CreatedAt, o.UpdatedAt,
	)
	for i, it := range o.Items {
		b.Queue(createOrderItemSQL,
			it.ID, o.ID, i, it.ProductID, it.VariantID,
			it.Quantity, it.Price, it.Discount, it.Tax, it.LineTotal,
		)
	}
	if err := conn(ctx, r.pool).SendBatch(ctx, b).Close(); err != nil {
		return errors.Wrapf(err, "create order %q", o.ID)
	}
	return nil
}

func (r *OrderRepository) Get(ctx context.Context, id string) (*order.Order, error) {
	return r.get(ctx, getOrderSQL, id)
}

func (r *OrderRepository) GetForUpdate(ctx context.Context, id string) (*order.Order, error) {
	return r.get(ctx, getOrderForUpdateSQL, id)
}

func (r *OrderRepository) get(ctx context.Context, sql, id string) (*order.Order, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, sql, id)
	if err != nil {
		return nil, errors.Wrapf(err, "get order %q", id)
	}
	o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrNotFound
		}
		return nil, errors.Wrapf(err, "get order %q", id)
	}

	orders := []order.Order{o}
	if err := r.attachItems(ctx, orders); err != nil {
		return nil, err
	}
	return &orders[0], nil
}

func (r *OrderRepository) ListByCustomer(ctx context.Context, customerID string, limit int) ([]order.Order, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, listOrdersByCustomerSQL, customerID, limit)
	if err != nil {
		return nil, errors.Wrapf(err, "list orders of %q", customerID)
	}
	orders, err := pgx.CollectRows(rows, scanOrder)
	if err != nil {
		return nil, errors.Wrapf(err, "list orders of %q", customerID)
	}
	if err := r.attachItems(ctx, orders); err != nil {
		return nil, err
	}
	return orders, nil
}

func (r *OrderRepository) UpdateStatus(ctx context.Context, id string, status order.Status, at time.Time) error {
	tag, err := conn(ctx, r.pool).Exec(ctx, updateOrderStatusSQL, id, string(status), at)
	if err != nil {
		return errors.Wrapf(err, "update order %q", id)
	}
	if tag.RowsAffected() == 0 {
		return order.ErrNotFound
	}
	return nil
}

func (r *OrderRepository) attachItems(ctx context.Context, orders []order.Order) error {
	if len(orders) == 0 {
		return nil
	}
	ids := make([]string, len(orders))
	byID := make(map[string]*order.Order, len(orders))
	for i := range orders {
		ids[i] = orders[i].ID
		byID[orders[i].ID] = &orders[i]
	}

	rows, err := conn(ctx, r.pool).Query(ctx, listOrderItemsSQL, ids)
	if err != nil {
		return errors.Wrap(err, "list order items")
	}
	defer rows.Close()

	for rows.Next() {
		var (
			orderID string
			it      order.Item
		)
		if err := rows.Scan(&orderID, &it.ID, &it.ProductID, &it.VariantID, &it.Quantity,
			&it.Price, &it.Discount, &it.Tax, &it.LineTotal); err != nil {
			return errors.Wrap(err, "scan order item")
		}
		if o, ok := byID[orderID]; ok {
			o.Items = append(o.Items, it)
		}
	}
	if err := rows.Err(); err != nil {
		return errors.Wrap(err, "list order items")
	}
	return nil
}

func scanOrder(row pgx.CollectableRow) (order.Order, error) {
	var (
		o      order.Order
		status string
	)
	err := row.Scan(&o.ID, &o.CustomerID, &o.CartID, &status, &o.Subtotal, &o.Discount, &o.Tax,
		&o.CouponCode, &o.CouponDiscount, &o.Total, &o.CreatedAt, &o.UpdatedAt)
	o.Status = order.Status(status)
	return o, err
}
