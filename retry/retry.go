// Package retry wraps a work unit with transparent retry of transient
// faults. Attempt state lives in the instance's property bag, so a retry
// cycle interrupted by a restart resumes at the persisted attempt count
// instead of starting over.
package retry

import (
	"context"
	"sync"
	"time"

	durable "github.com/goliatone/go-durable"
)

const (
	// DefaultMaxAttempts is the total execution budget, first try included.
	DefaultMaxAttempts = 5
	// DefaultInterval is the pause between attempts.
	DefaultInterval = 30 * time.Second
)

var (
	overrideMu       sync.RWMutex
	intervalOverride *time.Duration
)

// SetIntervalOverride forces every Retry in the process to use d between
// attempts while set. Test harnesses use it to collapse long waits.
func SetIntervalOverride(d time.Duration) {
	overrideMu.Lock()
	defer overrideMu.Unlock()
	intervalOverride = &d
}

// ClearIntervalOverride restores configured intervals.
func ClearIntervalOverride() {
	overrideMu.Lock()
	defer overrideMu.Unlock()
	intervalOverride = nil
}

func currentOverride() (time.Duration, bool) {
	overrideMu.RLock()
	defer overrideMu.RUnlock()
	if intervalOverride == nil {
		return 0, false
	}
	return *intervalOverride, true
}

// Retry executes its body until it succeeds, a non-retryable fault kind
// surfaces, or the attempt budget is spent. Only faults tagged with a kind
// in the retryable set are suppressed; everything else propagates after a
// single execution.
//
// Known limitation: when a Retry runs inside an iteration, every pass reuses
// the same persisted counters unless each pass supplies a distinct Name.
// Without that, a body failing on every pass can cycle without ever
// exhausting its budget.
type Retry struct {
	body        durable.WorkUnit
	name        string
	maxAttempts int
	interval    time.Duration
	retryable   map[durable.FaultKind]struct{}

	// timing hooks, injected by tests
	now  func() time.Time
	wait func(ctx context.Context, d time.Duration) error
}

// Option configures a Retry.
type Option func(*Retry)

// WithName namespaces the persisted attempt state. Defaults to the body's
// identity name.
func WithName(name string) Option {
	return func(r *Retry) {
		if name != "" {
			r.name = name
		}
	}
}

// WithMaxAttempts sets the total execution budget.
func WithMaxAttempts(n int) Option {
	return func(r *Retry) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

// WithInterval sets the pause between attempts. Zero retries immediately.
func WithInterval(d time.Duration) Option {
	return func(r *Retry) {
		if d >= 0 {
			r.interval = d
		}
	}
}

// WithClock injects the time source. Test hook.
func WithClock(now func() time.Time) Option {
	return func(r *Retry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithWait injects the function that waits out a retry delay. Test hook.
func WithWait(wait func(ctx context.Context, d time.Duration) error) Option {
	return func(r *Retry) {
		if wait != nil {
			r.wait = wait
		}
	}
}

// WithRetryableKinds replaces the retryable fault-kind set.
func WithRetryableKinds(kinds ...durable.FaultKind) Option {
	return func(r *Retry) {
		r.retryable = make(map[durable.FaultKind]struct{}, len(kinds))
		for _, k := range kinds {
			r.retryable[k] = struct{}{}
		}
	}
}

// New wraps body. Defaults: 5 attempts, 30s apart, retrying timeout and
// network fault kinds.
func New(body durable.WorkUnit, opts ...Option) *Retry {
	r := &Retry{
		body:        body,
		maxAttempts: DefaultMaxAttempts,
		interval:    DefaultInterval,
		retryable: map[durable.FaultKind]struct{}{
			durable.FaultKindTimeout: {},
			durable.FaultKindNetwork: {},
		},
		now:  time.Now,
		wait: waitTimer,
	}
	if body != nil {
		r.name = body.Identity().Name
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.name == "" {
		r.name = "retry"
	}
	return r
}

// Identity reports the body's identity so a wrapped unit registers and
// reconstitutes under the same key.
func (r *Retry) Identity() durable.Identity {
	if r.body == nil {
		return durable.Identity{}
	}
	return r.body.Identity()
}

func (r *Retry) countKey() string { return r.name + ".attempt_count" }
func (r *Retry) delayKey() string { return r.name + ".delay_duration" }
func (r *Retry) wakeKey() string  { return r.name + ".wake_at" }

// Execute runs the body, suppressing retryable faults until the attempt
// budget is spent. The attempt counter and the wake deadline of a pending
// delay are persisted before any wait, so a restart mid-cycle resumes at the
// same attempt number and waits out the remainder of the delay instead of
// firing the next attempt early.
func (r *Retry) Execute(ctx context.Context, scope durable.Scope) error {
	if r.body == nil {
		return durable.NewError(durable.ErrInvalidArgument, "retry body is required", nil, nil)
	}
	log := scope.Logger()

	attempts := durable.BagInt(scope, r.countKey(), 0)
	interval := durable.BagDuration(scope, r.delayKey(), r.interval)
	if forced, ok := currentOverride(); ok {
		interval = forced
	}
	scope.Set(r.delayKey(), int64(interval))

	if err := r.resumePendingDelay(ctx, scope); err != nil {
		return err
	}

	for {
		err := r.body.Execute(ctx, scope)
		if err == nil {
			scope.Delete(r.countKey())
			scope.Delete(r.delayKey())
			return nil
		}
		if durable.IsUnloading(err) || ctx.Err() != nil {
			return err
		}

		attempts++
		scope.Set(r.countKey(), attempts)

		if attempts >= r.maxAttempts {
			log.Warn("%s exhausted %d attempts: %v", r.name, r.maxAttempts, err)
			return err
		}
		kind := durable.FaultKindOf(err)
		if _, ok := r.retryable[kind]; !ok {
			log.Warn("%s fault kind %q is not retryable, giving up after attempt %d: %v",
				r.name, kind, attempts, err)
			return err
		}

		log.Info("%s attempt %d of %d failed, retrying: %v", r.name, attempts, r.maxAttempts, err)
		if interval <= 0 {
			if cerr := scope.Checkpoint(ctx); cerr != nil {
				return cerr
			}
			continue
		}
		if derr := r.delay(ctx, scope, interval); derr != nil {
			return derr
		}
	}
}

// delay checkpoints with the wake deadline persisted, then waits it out. An
// instance unloaded at the checkpoint re-arms the remaining duration through
// resumePendingDelay on its next execution.
func (r *Retry) delay(ctx context.Context, scope durable.Scope, interval time.Duration) error {
	wake := r.now().UTC().Add(interval)
	scope.Set(r.wakeKey(), wake.Format(time.RFC3339Nano))
	if err := scope.Checkpoint(ctx); err != nil {
		return err
	}
	return r.waitUntil(ctx, scope, wake)
}

// resumePendingDelay finishes a delay that was in progress when the instance
// persisted. Without it a reload would run the body before the configured
// interval elapsed.
func (r *Retry) resumePendingDelay(ctx context.Context, scope durable.Scope) error {
	wake, ok := durable.BagTime(scope, r.wakeKey())
	if !ok {
		return nil
	}
	scope.Logger().Info("%s resuming a retry delay, waking at %s", r.name, wake.Format(time.RFC3339))
	return r.waitUntil(ctx, scope, wake)
}

func (r *Retry) waitUntil(ctx context.Context, scope durable.Scope, wake time.Time) error {
	if remaining := wake.Sub(r.now()); remaining > 0 {
		if err := r.wait(ctx, remaining); err != nil {
			return err
		}
	}
	scope.Delete(r.wakeKey())
	return nil
}

func waitTimer(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
