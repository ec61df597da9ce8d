package notify

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/bazaar-checkout/internal/domain/order"
	"github.com/xenking/bazaar-checkout/internal/domain/txn"
)

// Outbox reads and acknowledges stored events. Pending locks the rows it
// returns for the surrounding transaction and skips rows locked by others.
type Outbox interface {
	Pending(ctx context.Context, limit int) ([]order.Event, error)
	MarkPublished(ctx context.Context, ids []int64, at time.Time) error
}

// PollerConfig tunes Poller.
type PollerConfig struct {
	Interval time.Duration
	Batch    int
}

// Poller moves outbox events to a Publisher. Delivery is at least once: a
// batch is marked only after the publisher accepted it.
type Poller struct {
	outbox   Outbox
	tx       txn.Manager
	pub      Publisher
	interval time.Duration
	batch    int
	now      func() time.Time
}

// NewPoller creates a Poller.
func NewPoller(outbox Outbox, tx txn.Manager, pub Publisher, cfg PollerConfig) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 100
	}
	return &Poller{
		outbox:   outbox,
		tx:       tx,
		pub:      pub,
		interval: cfg.Interval,
		batch:    cfg.Batch,
		now:      time.Now,
	}
}

// Run polls until ctx is done. Tick errors are logged and retried on the
// next interval.
func (p *Poller) Run(ctx context.Context) error {
	lg := zctx.From(ctx)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := p.Tick(ctx)
			switch {
			case errors.Is(err, ErrUnavailable):
				lg.Debug("Publisher unavailable, skipping tick")
			case err != nil && ctx.Err() == nil:
				lg.Error("Publish order events", zap.Error(err))
			case n > 0:
				lg.Debug("Published order events", zap.Int("count", n))
			}
		}
	}
}

// Tick publishes one batch and returns how many events were delivered.
func (p *Poller) Tick(ctx context.Context) (int, error) {
	var n int
	err := p.tx.InTx(ctx, func(ctx context.Context) error {
		events, err := p.outbox.Pending(ctx, p.batch)
		if err != nil {
			return errors.Wrap(err, "load pending")
		}
		if len(events) == 0 {
			return nil
		}
		if err := p.pub.Publish(ctx, events); err != nil {
			return errors.Wrap(err, "publish")
		}

		ids := make([]int64, len(events))
		for i, e := range events {
			ids[i] = e.ID
		}
		if err := p.outbox.MarkPublished(ctx, ids, p.now()); err != nil {
			return errors.Wrap(err, "mark published")
		}
		n = len(events)
		return nil
	})
	return n, err
}
