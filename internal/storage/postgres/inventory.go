package postgres

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/bazaar-checkout/internal/domain/inventory"
)

const (
	getStockSQL = `SELECT product_id, variant_id, stock, reserved
		FROM inventory WHERE product_id = $1 AND variant_id = $2`

	getStockForUpdateSQL = getStockSQL + ` FOR UPDATE`

	updateStockSQL = `UPDATE inventory SET stock = $3, reserved = $4, updated_at = now()
		WHERE product_id = $1 AND variant_id = $2`

	upsertStockSQL = `INSERT INTO inventory (product_id, variant_id, stock, reserved)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (product_id, variant_id) DO UPDATE SET
			stock = EXCLUDED.stock,
			reserved = EXCLUDED.reserved,
			updated_at = now()`
)

// InventoryRepository implements inventory.Repository backed by PostgreSQL.
// The inventory_reserved_range constraint rejects any write breaking
// 0 <= reserved <= stock.
type InventoryRepository struct {
	pool *pgxpool.Pool
}

// NewInventoryRepository returns an InventoryRepository that uses the given pool.
func NewInventoryRepository(pool *pgxpool.Pool) *InventoryRepository {
	return &InventoryRepository{pool: pool}
}

// Get reads the ledger for key without locking it.
func (r *InventoryRepository) Get(ctx context.Context, key inventory.Key) (*inventory.Stock, error) {
	return r.get(ctx, getStockSQL, key)
}

func (r *InventoryRepository) GetForUpdate(ctx context.Context, key inventory.Key) (*inventory.Stock, error) {
	return r.get(ctx, getStockForUpdateSQL, key)
}

func (r *InventoryRepository) get(ctx context.Context, query string, key inventory.Key) (*inventory.Stock, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, query, key.ProductID, key.VariantID)
	if err != nil {
		return nil, errors.Wrapf(err, "get stock %s", key)
	}
	s, err := pgx.CollectExactlyOneRow(rows, func(row pgx.CollectableRow) (inventory.Stock, error) {
		var s inventory.Stock
		err := row.Scan(&s.Key.ProductID, &s.Key.VariantID, &s.Total, &s.Reserved)
		return s, err
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, inventory.ErrNotFound
		}
		return nil, errors.Wrapf(err, "get stock %s", key)
	}
	return &s, nil
}

func (r *InventoryRepository) Update(ctx context.Context, s *inventory.Stock) error {
	tag, err := conn(ctx, r.pool).Exec(ctx, updateStockSQL, s.Key.ProductID, s.Key.VariantID, s.Total, s.Reserved)
	if err != nil {
		return errors.Wrapf(err, "update stock %s", s.Key)
	}
	if tag.RowsAffected() == 0 {
		return inventory.ErrNotFound
	}
	return nil
}

func (r *InventoryRepository) Upsert(ctx context.Context, s *inventory.Stock) error {
	if _, err := conn(ctx, r.pool).Exec(ctx, upsertStockSQL, s.Key.ProductID, s.Key.VariantID, s.Total, s.Reserved); err != nil {
		return errors.Wrapf(err, "upsert stock %s", s.Key)
	}
	return nil
}
