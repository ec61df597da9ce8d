// Package health serves liveness and readiness endpoints.
//
// Each registered check runs on its own ticker and only changes state after
// a run of consecutive results (3 failures or 1 success unless overridden),
// so a single blip does not flap the endpoint.
package health

import (
	"context"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-faster/jx"
)

// CheckFunc returns nil when the checked component is healthy.
type CheckFunc func(ctx context.Context) error

// Option tunes a single check.
type Option func(p *check)

// WithThresholds sets how many consecutive failures mark a check unhealthy
// and how many consecutive successes bring it back. Non-positive values keep
// the default.
func WithThresholds(failures, successes int) Option {
	return func(p *check) {
		if failures > 0 {
			p.failAfter = failures
		}
		if successes > 0 {
			p.passAfter = successes
		}
	}
}

type kind uint8

const (
	liveness kind = iota
	readiness
)

type result struct {
	healthy bool
	err     error
}

type check struct {
	name      string
	kind      kind
	timeout   time.Duration
	fn        CheckFunc
	failAfter int
	passAfter int

	// Owned by the goroutine running tick.
	fails, passes int

	state atomic.Pointer[result]
}

func (p *check) tick(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	err := p.fn(ctx)
	cancel()

	healthy := p.state.Load().healthy
	if err != nil {
		p.passes = 0
		if p.fails++; p.fails >= p.failAfter {
			healthy = false
		}
	} else {
		p.fails = 0
		if p.passes++; p.passes >= p.passAfter {
			healthy = true
		}
	}
	p.state.Store(&result{healthy: healthy, err: err})
}

func (p *check) loop(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		p.tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// Health holds the check state of the service. It reports not ready until
// SetReady(true).
type Health struct {
	ready atomic.Bool

	mu     sync.Mutex
	checks []*check
	stop   context.CancelFunc
}

func New() *Health {
	return &Health{}
}

func (h *Health) add(k kind, name string, timeout time.Duration, fn CheckFunc, opts []Option) {
	p := &check{name: name, kind: k, timeout: timeout, fn: fn, failAfter: 3, passAfter: 1}
	for _, o := range opts {
		o(p)
	}
	p.state.Store(&result{healthy: true})

	h.mu.Lock()
	h.checks = append(h.checks, p)
	h.mu.Unlock()
}

// AddLivenessCheck registers a check that gates /livez.
func (h *Health) AddLivenessCheck(name string, timeout time.Duration, fn CheckFunc, opts ...Option) {
	h.add(liveness, name, timeout, fn, opts)
}

// AddReadinessCheck registers a check that gates /readyz, such as database
// or Redis connectivity.
func (h *Health) AddReadinessCheck(name string, timeout time.Duration, fn CheckFunc, opts ...Option) {
	h.add(readiness, name, timeout, fn, opts)
}

// Start runs every check registered so far immediately and then every
// interval until Stop or ctx is done.
func (h *Health) Start(ctx context.Context, interval time.Duration) {
	ctx, cancel := context.WithCancel(ctx)

	h.mu.Lock()
	h.stop = cancel
	checks := slices.Clone(h.checks)
	h.mu.Unlock()

	for _, p := range checks {
		go p.loop(ctx, interval)
	}
}

// Stop cancels the check goroutines. It is safe to call more than once.
func (h *Health) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stop != nil {
		h.stop()
		h.stop = nil
	}
}

// SetReady flips the manual readiness switch: true after startup, false
// while draining.
func (h *Health) SetReady(ready bool) {
	h.ready.Store(ready)
}

// failures maps each unhealthy check of kind k to its last error.
func (h *Health) failures(k kind) map[string]string {
	h.mu.Lock()
	checks := slices.Clone(h.checks)
	h.mu.Unlock()

	out := make(map[string]string)
	for _, p := range checks {
		if p.kind != k {
			continue
		}
		r := p.state.Load()
		if r.healthy {
			continue
		}
		msg := "check is unhealthy"
		if r.err != nil {
			msg = r.err.Error()
		}
		out[p.name] = msg
	}
	return out
}

// LiveEndpoint serves /livez: 200 {"status":"ok"}, or 503 listing the
// failing checks.
func (h *Health) LiveEndpoint(w http.ResponseWriter, _ *http.Request) {
	writeStatus(w, h.failures(liveness))
}

// ReadyEndpoint serves /readyz. It also fails while the manual switch is off.
func (h *Health) ReadyEndpoint(w http.ResponseWriter, _ *http.Request) {
	failures := h.failures(readiness)
	if !h.ready.Load() {
		failures["_readiness"] = "service is not ready"
	}
	writeStatus(w, failures)
}

func writeStatus(w http.ResponseWriter, failures map[string]string) {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)

	status := http.StatusOK
	e.Obj(func(e *jx.Encoder) {
		if len(failures) == 0 {
			e.Field("status", func(e *jx.Encoder) { e.Str("ok") })
			return
		}
		status = http.StatusServiceUnavailable
		e.Field("status", func(e *jx.Encoder) { e.Str("unhealthy") })
		e.Field("checks", func(e *jx.Encoder) {
			e.Obj(func(e *jx.Encoder) {
				names := make([]string, 0, len(failures))
				for name := range failures {
					names = append(names, name)
				}
				slices.Sort(names)
				for _, name := range names {
					e.Field(name, func(e *jx.Encoder) { e.Str(failures[name]) })
				}
			})
		})
	})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}
