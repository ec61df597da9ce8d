package memory

import (
	"context"

	"github.com/xenking/bazaar-checkout/internal/domain/coupon"
)

// Coupons implements coupon.Repository.
type Coupons struct {
	s *Store
}

// Put adds or replaces a rule.
func (r *Coupons) Put(rule coupon.Rule) {
	_ = r.s.write(func(st *state) error {
		st.coupons[rule.Code] = rule
		return nil
	})
}

func (r *Coupons) FindByCode(_ context.Context, code string) (*coupon.Rule, error) {
	var (
		rule coupon.Rule
		ok   bool
	)
	r.s.read(func(st *state) { rule, ok = st.coupons[code] })
	if !ok {
		return nil, coupon.ErrInvalidCoupon
	}
	return &rule, nil
}

func (r *Coupons) IncrementUses(_ context.Context, code string) error {
	return r.s.write(func(st *state) error {
		rule, ok := st.coupons[code]
		if !ok {
			return coupon.ErrInvalidCoupon
		}
		if rule.MaxUses > 0 && rule.Uses >= rule.MaxUses {
			return coupon.ErrCouponUsageLimitReached
		}
		rule.Uses++
		st.coupons[code] = rule
		return nil
	})
}

// PutCoupon implements seed.CouponWriter.
func (r *Coupons) PutCoupon(_ context.Context, rule coupon.Rule) error {
	r.Put(rule)
	return nil
}
