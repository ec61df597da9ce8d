package coupon

import (
	"context"
	"time"

	"github.com/go-faster/errors"
)

// Validator checks codes against cart contents. Validate has no side
// effects; Redeem consumes one use and runs at checkout.
type Validator interface {
	Validate(ctx context.Context, code string, items []Item) (*Discount, error)
	Redeem(ctx context.Context, code string) error
}

// RepoValidator implements Validator on top of a Repository.
type RepoValidator struct {
	repo Repository
	now  func() time.Time
}

// NewRepoValidator creates a RepoValidator backed by repo.
func NewRepoValidator(repo Repository) *RepoValidator {
	return &RepoValidator{repo: repo, now: time.Now}
}

// Validate looks up the rule, checks its window and usage limit and applies
// it to items.
func (v *RepoValidator) Validate(ctx context.Context, code string, items []Item) (*Discount, error) {
	rule, err := v.lookup(ctx, code)
	if err != nil {
		return nil, err
	}

	d, err := Apply(rule, items)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// Redeem re-checks the rule and records one use.
func (v *RepoValidator) Redeem(ctx context.Context, code string) error {
	if _, err := v.lookup(ctx, code); err != nil {
		return err
	}
	if err := v.repo.IncrementUses(ctx, code); err != nil {
		if errors.Is(err, ErrCouponUsageLimitReached) {
			return err
		}
		return errors.Wrap(err, "increment coupon uses")
	}
	return nil
}

func (v *RepoValidator) lookup(ctx context.Context, code string) (*Rule, error) {
	rule, err := v.repo.FindByCode(ctx, code)
	if err != nil {
		if errors.Is(err, ErrInvalidCoupon) {
			return nil, ErrInvalidCoupon
		}
		return nil, errors.Wrap(err, "lookup coupon")
	}

	now := v.now()
	if rule.ValidFrom != nil && now.Before(*rule.ValidFrom) {
		return nil, ErrCouponExpired
	}
	if rule.ValidUntil != nil && now.After(*rule.ValidUntil) {
		return nil, ErrCouponExpired
	}
	if rule.MaxUses > 0 && rule.Uses >= rule.MaxUses {
		return nil, ErrCouponUsageLimitReached
	}
	return rule, nil
}
