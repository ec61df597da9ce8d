package coupon

import (
	"context"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubRepo serves a single rule and records redemptions.
type stubRepo struct {
	rule      *Rule
	findErr   error
	redeemErr error
	redeemed  []string
}

func (s *stubRepo) FindByCode(context.Context, string) (*Rule, error) {
	if s.findErr != nil {
		return nil, s.findErr
	}
	r := *s.rule
	return &r, nil
}

func (s *stubRepo) IncrementUses(_ context.Context, code string) error {
	s.redeemed = append(s.redeemed, code)
	return s.redeemErr
}

var validatorNow = time.Date(2026, 4, 14, 10, 0, 0, 0, time.UTC)

func newTestValidator(repo Repository) *RepoValidator {
	v := NewRepoValidator(repo)
	v.now = func() time.Time { return validatorNow }
	return v
}

func TestRepoValidator_Validate(t *testing.T) {
	yesterday := validatorNow.AddDate(0, 0, -1)
	tomorrow := validatorNow.AddDate(0, 0, 1)
	cart := []Item{
		{ProductID: "hilsa-pickle", Price: decimal.RequireFromString("650"), Quantity: 2},
		{ProductID: "nakshi-kantha", Price: decimal.RequireFromString("1200"), Quantity: 1},
	}

	for _, tt := range []struct {
		name    string
		mutate  func(r *Rule)
		want    string
		wantErr error
	}{
		{name: "Percentage", want: "250"},
		{name: "Fixed", mutate: func(r *Rule) { r.DiscountType, r.Value = DiscountFixed, decimal.NewFromInt(500) }, want: "500"},
		{name: "MinItemsMet", mutate: func(r *Rule) { r.MinItems = 3 }, want: "250"},
		{name: "MinItemsNotMet", mutate: func(r *Rule) { r.MinItems = 4 }, wantErr: ErrInvalidCoupon},
		{name: "Expired", mutate: func(r *Rule) { r.ValidUntil = &yesterday }, wantErr: ErrCouponExpired},
		{name: "NotStarted", mutate: func(r *Rule) { r.ValidFrom = &tomorrow }, wantErr: ErrCouponExpired},
		{name: "InsideWindow", mutate: func(r *Rule) { r.ValidFrom, r.ValidUntil = &yesterday, &tomorrow }, want: "250"},
		{name: "UsedUp", mutate: func(r *Rule) { r.MaxUses, r.Uses = 10, 10 }, wantErr: ErrCouponUsageLimitReached},
		{name: "Unlimited", mutate: func(r *Rule) { r.Uses = 10_000 }, want: "250"},
	} {
		t.Run(tt.name, func(t *testing.T) {
			rule := &Rule{
				Code:         "BOISHAKH10",
				DiscountType: DiscountPercentage,
				Value:        decimal.NewFromInt(10),
				Description:  "Pohela Boishakh",
			}
			if tt.mutate != nil {
				tt.mutate(rule)
			}
			repo := &stubRepo{rule: rule}

			got, err := newTestValidator(repo).Validate(context.Background(), rule.Code, cart)
			assert.Empty(t, repo.redeemed, "validate consumed a use")
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, got)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "BOISHAKH10", got.Code)
			assert.Equal(t, "Pohela Boishakh", got.Description)
			assert.True(t, decimal.RequireFromString(tt.want).Equal(got.Amount), "amount %s", got.Amount)
		})
	}

	t.Run("UnknownCode", func(t *testing.T) {
		_, err := newTestValidator(&stubRepo{findErr: ErrInvalidCoupon}).Validate(context.Background(), "NOPE", cart)
		require.ErrorIs(t, err, ErrInvalidCoupon)
	})
	t.Run("StorageError", func(t *testing.T) {
		_, err := newTestValidator(&stubRepo{findErr: errors.New("conn reset")}).Validate(context.Background(), "X", cart)
		require.ErrorContains(t, err, "lookup coupon")
		require.NotErrorIs(t, err, ErrInvalidCoupon)
	})
}

func TestRepoValidator_Redeem(t *testing.T) {
	rule := &Rule{Code: "HAPPYHOURS", DiscountType: DiscountPercentage, Value: decimal.NewFromInt(18), MaxUses: 1}

	for _, tt := range []struct {
		name         string
		repo         *stubRepo
		wantErr      error
		wantMsg      string
		wantRedeemed int
	}{
		{name: "Records", repo: &stubRepo{rule: rule}, wantRedeemed: 1},
		{name: "Unknown", repo: &stubRepo{findErr: ErrInvalidCoupon}, wantErr: ErrInvalidCoupon},
		{name: "LostRace", repo: &stubRepo{rule: rule, redeemErr: ErrCouponUsageLimitReached}, wantErr: ErrCouponUsageLimitReached, wantRedeemed: 1},
		{name: "StorageError", repo: &stubRepo{rule: rule, redeemErr: errors.New("db down")}, wantMsg: "increment coupon uses", wantRedeemed: 1},
	} {
		t.Run(tt.name, func(t *testing.T) {
			err := newTestValidator(tt.repo).Redeem(context.Background(), "HAPPYHOURS")
			switch {
			case tt.wantErr != nil:
				require.ErrorIs(t, err, tt.wantErr)
			case tt.wantMsg != "":
				require.ErrorContains(t, err, tt.wantMsg)
			default:
				require.NoError(t, err)
			}
			assert.Len(t, tt.repo.redeemed, tt.wantRedeemed)
		})
	}

	t.Run("ExpiredNotRedeemed", func(t *testing.T) {
		past := validatorNow.Add(-time.Hour)
		repo := &stubRepo{rule: &Rule{Code: "OLD", DiscountType: DiscountFixed, Value: decimal.NewFromInt(50), ValidUntil: &past}}
		require.ErrorIs(t, newTestValidator(repo).Redeem(context.Background(), "OLD"), ErrCouponExpired)
		assert.Empty(t, repo.redeemed)
	})
}
