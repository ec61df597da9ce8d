package postgres

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/bazaar-checkout/internal/domain/coupon"
)

const (
	getCouponByCodeSQL = `SELECT code, discount_type, value, min_items, description,
		valid_from, valid_until, max_uses, uses, max_discount
		FROM coupons WHERE UPPER(code) = UPPER($1) AND active = TRUE`

	incrementCouponUsesSQL = `UPDATE coupons SET uses = uses + 1
		WHERE UPPER(code) = UPPER($1) AND active = TRUE AND (max_uses = 0 OR uses < max_uses)`

	upsertCouponSQL = `INSERT INTO coupons (code, discount_type, value, min_items, description,
			valid_from, valid_until, max_uses, max_discount, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, TRUE)
		ON CONFLICT (code) DO UPDATE SET
			discount_type = EXCLUDED.discount_type,
			value = EXCLUDED.value,
			min_items = EXCLUDED.min_items,
			description = EXCLUDED.description,
			valid_from = EXCLUDED.valid_from,
			valid_until = EXCLUDED.valid_until,
			max_uses = EXCLUDED.max_uses,
			max_discount = EXCLUDED.max_discount,
			active = TRUE`
)

// CouponRepository implements coupon.Repository backed by PostgreSQL.
type CouponRepository struct {
	pool *pgxpool.Pool
}

// NewCouponRepository returns a CouponRepository that uses the given pool.
func NewCouponRepository(pool *pgxpool.Pool) *CouponRepository {
	return &CouponRepository{pool: pool}
}

// FindByCode looks up an active coupon by its code (case-insensitive).
// Returns coupon.ErrInvalidCoupon when no matching active coupon exists.
func (r *CouponRepository) FindByCode(ctx context.Context, code string) (*coupon.Rule, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, getCouponByCodeSQL, code)
	if err != nil {
		return nil, errors.Wrapf(err, "find coupon %q", code)
	}

	rule, err := pgx.CollectExactlyOneRow(rows, scanCouponRule)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, coupon.ErrInvalidCoupon
		}
		return nil, errors.Wrapf(err, "find coupon %q", code)
	}
	return &rule, nil
}

// IncrementUses consumes one use. The usage limit is enforced by the UPDATE
// itself so concurrent checkouts cannot overshoot it.
func (r *CouponRepository) IncrementUses(ctx context.Context, code string) error {
	tag, err := conn(ctx, r.pool).Exec(ctx, incrementCouponUsesSQL, code)
	if err != nil {
		return errors.Wrapf(err, "increment uses of %q", code)
	}
	if tag.RowsAffected() == 0 {
		return coupon.ErrCouponUsageLimitReached
	}
	return nil
}

// PutCoupon upserts and activates a rule.
func (r *CouponRepository) PutCoupon(ctx context.Context, rule coupon.Rule) error {
	if _, err := conn(ctx, r.pool).Exec(ctx, upsertCouponSQL, couponArgs(rule)...); err != nil {
		return errors.Wrapf(err, "upsert coupon %q", rule.Code)
	}
	return nil
}

// PutCoupons upserts rules in a single batch.
func (r *CouponRepository) PutCoupons(ctx context.Context, rules []coupon.Rule) error {
	b := &pgx.Batch{}
	for _, rule := range rules {
		b.Queue(upsertCouponSQL, couponArgs(rule)...)
	}
	if err := conn(ctx, r.pool).SendBatch(ctx, b).Close(); err != nil {
		return errors.Wrapf(err, "upsert %d coupons", len(rules))
	}
	return nil
}

func couponArgs(r coupon.Rule) []any {
	return []any{
		r.Code, string(r.DiscountType), r.Value, r.MinItems, r.Description,
		r.ValidFrom, r.ValidUntil, r.MaxUses, r.MaxDiscount,
	}
}

func scanCouponRule(row pgx.CollectableRow) (coupon.Rule, error) {
	var (
		r    coupon.Rule
		kind string
	)
	err := row.Scan(
		&r.Code, &kind, &r.Value, &r.MinItems, &r.Description,
		&r.ValidFrom, &r.ValidUntil, &r.MaxUses, &r.Uses, &r.MaxDiscount,
	)
	r.DiscountType = coupon.DiscountType(kind)
	return r, err
}
