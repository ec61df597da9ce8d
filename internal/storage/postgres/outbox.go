package postgres

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/bazaar-checkout/internal/domain/order"
)

const (
	appendEventSQL = `INSERT INTO order_events (order_id, type, payload, created_at)
		VALUES ($1, $2, $3, $4) RETURNING id`

	// SKIP LOCKED lets several pollers drain the outbox without double
	// publishing while the surrounding transaction is open.
	pendingEventsSQL = `SELECT id, order_id, type, payload, created_at
		FROM order_events WHERE published_at IS NULL
		ORDER BY id LIMIT $1
		FOR UPDATE SKIP LOCKED`

	markEventsPublishedSQL = `UPDATE order_events SET published_at = $2 WHERE id = ANY($1)`
)

// OutboxRepository stores order events until the notifier publishes them.
type OutboxRepository struct {
	pool *pgxpool.Pool
}

// NewOutboxRepository returns an OutboxRepository that uses the given pool.
func NewOutboxRepository(pool *pgxpool.Pool) *OutboxRepository {
	return &OutboxRepository{pool: pool}
}

// Append implements order.EventLog.
func (r *OutboxRepository) Append(ctx context.Context, e *order.Event) error {
	err := conn(ctx, r.pool).QueryRow(ctx, appendEventSQL, e.OrderID, e.Type, e.Payload, e.CreatedAt).Scan(&e.ID)
	if err != nil {
		return errors.Wrapf(err, "append %s event for %q", e.Type, e.OrderID)
	}
	return nil
}

// Pending returns up to limit unpublished events, oldest first.
func (r *OutboxRepository) Pending(ctx context.Context, limit int) ([]order.Event, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, pendingEventsSQL, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list pending events")
	}
	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (order.Event, error) {
		var e order.Event
		err := row.Scan(&e.ID, &e.OrderID, &e.Type, &e.Payload, &e.CreatedAt)
		return e, err
	})
	if err != nil {
		return nil, errors.Wrap(err, "list pending events")
	}
	return events, nil
}

// MarkPublished stamps events as delivered.
func (r *OutboxRepository) MarkPublished(ctx context.Context, ids []int64, at time.Time) error {
	if _, err := conn(ctx, r.pool).Exec(ctx, markEventsPublishedSQL, ids, at); err != nil {
		return errors.Wrap(err, "mark events published")
	}
	return nil
}
