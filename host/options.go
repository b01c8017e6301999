package host

import (
	"time"

	durable "github.com/goliatone/go-durable"
	"github.com/goliatone/go-durable/store"
)

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the controller logger.
func WithLogger(logger durable.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock injects the time source. Test hook.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

// WithOwner reuses an already registered lock owner instead of creating one
// per controller. Reconciliation and the dispatcher share one owner per
// process this way.
func WithOwner(owner *store.Owner) Option {
	return func(c *Controller) {
		c.owner = owner
	}
}

// WithEvent supplies the triggering event as an initial argument. Legal only
// for fresh instances; reloading with initial arguments is an error.
func WithEvent(env *durable.EventEnvelope) Option {
	return func(c *Controller) {
		if env != nil {
			c.event = env
			c.hasInitialArgs = true
		}
	}
}

// WithSubscriber supplies the subscriber as an initial argument. Legal only
// for fresh instances.
func WithSubscriber(sub *durable.Subscriber) Option {
	return func(c *Controller) {
		if sub != nil {
			c.subscriber = sub
			c.hasInitialArgs = true
		}
	}
}

// WithRunTimeout bounds how long Run waits for a quiescent state.
func WithRunTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.runTimeout = d
		}
	}
}

// WithReloadWait bounds the best-effort wait after ReloadAndRun and the
// bookmark readiness window.
func WithReloadWait(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.reloadWait = d
		}
	}
}

// WithUnloadOnIdle releases the instance after every persisted idle point,
// trading warm-resume latency for memory footprint.
func WithUnloadOnIdle(enabled bool) Option {
	return func(c *Controller) {
		c.unloadOnIdle = enabled
	}
}
