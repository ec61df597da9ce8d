package notify

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/xenking/bazaar-checkout/internal/domain/order"
)

// ErrUnavailable is returned while the breaker is open.
var ErrUnavailable = errors.New("publisher unavailable")

// BreakerConfig tunes Breaker.
type BreakerConfig struct {
	// Failures is the number of consecutive failures that opens the breaker.
	Failures uint32
	// Cooldown is how long the breaker stays open before a trial call.
	Cooldown time.Duration
}

// Breaker fails fast while the wrapped Publisher keeps failing.
type Breaker struct {
	next Publisher
	cb   *gobreaker.CircuitBreaker[struct{}]
}

// NewBreaker wraps next with a circuit breaker.
func NewBreaker(next Publisher, cfg BreakerConfig, lg *zap.Logger) *Breaker {
	if cfg.Failures == 0 {
		cfg.Failures = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if lg == nil {
		lg = zap.NewNop()
	}
	return &Breaker{
		next: next,
		cb: gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
			Name:        "notify",
			MaxRequests: 1,
			Timeout:     cfg.Cooldown,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= cfg.Failures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				lg.Warn("Publisher breaker state changed",
					zap.String("breaker", name),
					zap.Stringer("from", from),
					zap.Stringer("to", to),
				)
			},
		}),
	}
}

// Publish implements Publisher.
func (b *Breaker) Publish(ctx context.Context, events []order.Event) error {
	_, err := b.cb.Execute(func() (struct{}, error) {
		return struct{}{}, b.next.Publish(ctx, events)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return errors.Wrap(ErrUnavailable, err.Error())
	}
	return err
}

// State returns the breaker state name.
func (b *Breaker) State() string {
	return b.cb.State().String()
}
