// Package reconcile restarts durable instances that were left incomplete by
// a crash or shutdown. It lists every non-completed instance, reloads each
// through a fresh controller with bounded parallelism, and treats one
// poisoned instance as that instance's problem, never the batch's.
package reconcile

import (
	"context"
	"sync"
	"time"

	apperrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"

	durable "github.com/goliatone/go-durable"
	"github.com/goliatone/go-durable/host"
	"github.com/goliatone/go-durable/store"
)

const (
	// DefaultMaxParallel bounds concurrent instance reloads.
	DefaultMaxParallel = 4
	// contentionWaitThreshold is the longest remaining lock lifetime worth
	// waiting out. Locks further from expiry are someone else's live work.
	contentionWaitThreshold = 30.0
	// contentionWaitSlack pads the wait past the observed expiry.
	contentionWaitSlack = 5 * time.Second
)

// Resolver looks up the work unit for a persisted identity.
type Resolver func(durable.Identity) (durable.WorkUnit, error)

// Reconciler reloads runnable instances after a restart.
type Reconciler struct {
	store       store.Store
	resolver    Resolver
	logger      durable.Logger
	maxParallel int
	hostOpts    []host.Option

	owner *store.Owner

	// timing hooks, injected by tests
	now   func() time.Time
	sleep func(time.Duration)
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithLogger sets the reconciler logger.
func WithLogger(logger durable.Logger) Option {
	return func(r *Reconciler) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMaxParallel bounds concurrent reloads.
func WithMaxParallel(n int) Option {
	return func(r *Reconciler) {
		if n > 0 {
			r.maxParallel = n
		}
	}
}

// WithOwner reuses an already registered lock owner.
func WithOwner(owner *store.Owner) Option {
	return func(r *Reconciler) {
		r.owner = owner
	}
}

// WithHostOptions forwards options to every controller the reconciler builds.
func WithHostOptions(opts ...host.Option) Option {
	return func(r *Reconciler) {
		r.hostOpts = append(r.hostOpts, opts...)
	}
}

// WithClock injects the time source. Test hook.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) {
		if now != nil {
			r.now = now
		}
	}
}

// WithSleep injects the wait function used during lock contention. Test hook.
func WithSleep(sleep func(time.Duration)) Option {
	return func(r *Reconciler) {
		if sleep != nil {
			r.sleep = sleep
		}
	}
}

// New builds a reconciler over st, resolving work units through resolver.
func New(st store.Store, resolver Resolver, opts ...Option) (*Reconciler, error) {
	if st == nil {
		return nil, durable.NewError(durable.ErrInvalidArgument, "store is required", nil, nil)
	}
	if resolver == nil {
		return nil, durable.NewError(durable.ErrInvalidArgument, "resolver is required", nil, nil)
	}
	r := &Reconciler{
		store:       st,
		resolver:    resolver,
		logger:      durable.NormalizeLogger(nil),
		maxParallel: DefaultMaxParallel,
		now:         time.Now,
		sleep:       time.Sleep,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

// Run reloads every runnable instance. Per-instance failures are collected
// and joined; the returned error is nil only when every instance resumed.
func (r *Reconciler) Run(ctx context.Context) error {
	if err := r.ensureOwner(ctx); err != nil {
		return err
	}
	views, err := r.store.ListRunnable(ctx)
	if err != nil {
		return err
	}
	if len(views) == 0 {
		r.logger.Debug("no runnable instances to reconcile")
		return nil
	}
	r.logger.Info("reconciling %d runnable instances", len(views))

	sem := make(chan struct{}, r.maxParallel)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var errs error

	for _, view := range views {
		wg.Add(1)
		sem <- struct{}{}
		go func(v store.InstanceView) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := r.reconcileInstance(ctx, v); err != nil {
				r.logger.Error("reconcile of %s failed: %v", v.InstanceID, err)
				mu.Lock()
				errs = apperrors.Join(errs, err)
				mu.Unlock()
			}
		}(view)
	}
	wg.Wait()
	return errs
}

// reconcileInstance reloads one instance, tolerating a single round of lock
// contention: when the current holder's lock is close to expiry, wait it
// out and try exactly once more.
func (r *Reconciler) reconcileInstance(ctx context.Context, view store.InstanceView) error {
	for attempt := 0; ; attempt++ {
		unit, err := r.resolver(view.Identity)
		if err != nil {
			return apperrors.Wrap(err, apperrors.CategoryHandler, "cannot resolve work unit").
				WithMetadata(map[string]any{
					"instance_id": view.InstanceID.String(),
					"identity":    view.Identity.String(),
				})
		}
		opts := append([]host.Option{
			host.WithOwner(r.owner),
			host.WithLogger(r.logger),
		}, r.hostOpts...)
		ctrl, err := host.New(r.store, unit, opts...)
		if err != nil {
			return err
		}

		err = ctrl.ReloadAndRun(ctx, view.InstanceID)
		if err == nil {
			return nil
		}
		if attempt > 0 || !durable.IsLockContention(err) {
			return err
		}
		wait, ok := r.contentionWait(ctx, err)
		if !ok {
			return err
		}
		r.logger.Info("instance %s locked, waiting %s before the second attempt",
			view.InstanceID, wait)
		r.sleep(wait)
	}
}

// contentionWait decides whether waiting for the contending lock is useful
// and for how long.
func (r *Reconciler) contentionWait(ctx context.Context, cause error) (time.Duration, bool) {
	ownerID := durable.ContendingOwner(cause)
	if ownerID == uuid.Nil {
		return 0, false
	}
	owner, err := r.store.GetOwner(ctx, ownerID)
	if err != nil || owner == nil {
		return 0, false
	}
	remaining := owner.TimeToExpire(r.now())
	if remaining >= contentionWaitThreshold {
		return 0, false
	}
	// an expired holder reports -1; the slack still covers the short wait
	// before the reclaiming second attempt
	return time.Duration(remaining*float64(time.Second)) + contentionWaitSlack, true
}

func (r *Reconciler) ensureOwner(ctx context.Context) error {
	if r.owner != nil {
		return nil
	}
	owner, err := r.store.CreateOwner(ctx)
	if err != nil {
		return err
	}
	r.owner = owner
	return nil
}
