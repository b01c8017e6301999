// Package host runs durable work-unit instances: it drives the lifecycle
// state machine, persists property bags at checkpoints, reloads instances
// after a restart, and resumes named bookmarks. One Controller manages one
// instance; the store serializes concurrent controllers touching the same id.
package host

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	apperrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"

	durable "github.com/goliatone/go-durable"
	"github.com/goliatone/go-durable/store"
)

// State is the instance lifecycle state.
type State string

const (
	StateCreated   State = "created"
	StateRunning   State = "running"
	StateIdle      State = "idle"
	StatePersisted State = "persisted"
	StateUnloaded  State = "unloaded"
	StateCompleted State = "completed"
	StateAborted   State = "aborted"
)

// Quiescent reports whether the state releases a synchronous waiter.
func (s State) Quiescent() bool {
	switch s {
	case StatePersisted, StateUnloaded, StateCompleted, StateAborted:
		return true
	}
	return false
}

// BookmarkResult is the outcome of a bookmark resumption attempt.
type BookmarkResult int

const (
	// BookmarkNotFound means the persisted record lists no such active
	// bookmark.
	BookmarkNotFound BookmarkResult = iota
	// BookmarkNotReady means the reloaded run did not reach the bookmark
	// within the wait budget.
	BookmarkNotReady
	// BookmarkSuccess means the value was delivered and execution resumed.
	BookmarkSuccess
)

func (r BookmarkResult) String() string {
	switch r {
	case BookmarkNotReady:
		return "not_ready"
	case BookmarkSuccess:
		return "success"
	default:
		return "not_found"
	}
}

const (
	// DefaultRunTimeout bounds how long Run waits for a quiescent state.
	DefaultRunTimeout = 30 * time.Second
	// DefaultReloadWait bounds the best-effort wait after a reload.
	DefaultReloadWait = 5 * time.Second
)

// Controller hosts a single durable instance of one work unit.
type Controller struct {
	store  store.Store
	unit   durable.WorkUnit
	logger durable.Logger
	now    func() time.Time

	runTimeout   time.Duration
	reloadWait   time.Duration
	unloadOnIdle bool

	owner *store.Owner

	event          *durable.EventEnvelope
	subscriber     *durable.Subscriber
	hasInitialArgs bool

	mu         sync.Mutex
	state      State
	instanceID uuid.UUID
	scope      *executionScope

	quiesce chan State

	onStarted        []func(uuid.UUID, durable.WorkUnit)
	onWillPersist    []func(uuid.UUID)
	onUnhandledFault []func(uuid.UUID, error)
	onAborted        []func(uuid.UUID, error)
	onCompleted      []func(uuid.UUID)
}

// New builds a controller for one instance of unit backed by st.
func New(st store.Store, unit durable.WorkUnit, opts ...Option) (*Controller, error) {
	if st == nil {
		return nil, durable.NewError(durable.ErrInvalidArgument, "store is required", nil, nil)
	}
	if unit == nil {
		return nil, durable.NewError(durable.ErrInvalidArgument, "work unit is required", nil, nil)
	}
	if unit.Identity().IsZero() {
		return nil, durable.NewError(durable.ErrInvalidArgument, "work unit identity is required", nil, nil)
	}
	c := &Controller{
		store:      st,
		unit:       unit,
		logger:     durable.NormalizeLogger(nil),
		now:        time.Now,
		runTimeout: DefaultRunTimeout,
		reloadWait: DefaultReloadWait,
		state:      StateCreated,
		quiesce:    make(chan State, 1),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// InstanceID returns the instance id, uuid.Nil before the first run.
func (c *Controller) InstanceID() uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.instanceID
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnStarted registers a listener fired when execution begins.
func (c *Controller) OnStarted(fn func(uuid.UUID, durable.WorkUnit)) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStarted = append(c.onStarted, fn)
}

// OnWillPersist registers a listener fired at every persistable idle point,
// before the store write completes.
func (c *Controller) OnWillPersist(fn func(uuid.UUID)) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onWillPersist = append(c.onWillPersist, fn)
}

// OnUnhandledFault registers a listener fired when execution faults.
func (c *Controller) OnUnhandledFault(fn func(uuid.UUID, error)) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onUnhandledFault = append(c.onUnhandledFault, fn)
}

// OnAborted registers a listener fired after a fault aborts the instance.
func (c *Controller) OnAborted(fn func(uuid.UUID, error)) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onAborted = append(c.onAborted, fn)
}

// OnCompleted registers a listener fired when the instance completes.
func (c *Controller) OnCompleted(fn func(uuid.UUID)) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onCompleted = append(c.onCompleted, fn)
}

// Run assigns a fresh instance id, creates the persisted row under this
// owner's lock, starts execution, and blocks until the next quiescent state.
// When the run timeout elapses first it returns a quiescence-timeout error
// while execution keeps going in the background.
func (c *Controller) Run(ctx context.Context) error {
	if err := c.markStarting(); err != nil {
		return err
	}
	if err := c.ensureOwner(ctx); err != nil {
		c.setState(StateCreated)
		return err
	}
	id := uuid.New()
	sc, err := newScope(c, id)
	if err != nil {
		c.setState(StateCreated)
		return err
	}

	c.mu.Lock()
	c.instanceID = id
	c.scope = sc
	c.state = StateRunning
	c.mu.Unlock()

	// create the row and take the instance lock before execution starts
	if err := c.store.Save(ctx, c.owner, sc.snapshotRecord()); err != nil {
		c.setState(StateAborted)
		return err
	}

	c.fireStarted(id)
	go c.execute(ctx, sc)

	if _, ok := c.waitQuiescence(ctx, c.runTimeout); !ok {
		return durable.NewError(durable.ErrQuiescenceTimeout,
			"instance did not reach a quiescent state within the run timeout", nil, map[string]any{
				"instance_id": id.String(),
				"timeout":     c.runTimeout.String(),
			})
	}
	return nil
}

// ReloadAndRun restores a persisted instance and resumes execution. The wait
// for a quiescent state is best effort; a timeout is not an error. Fails
// when the controller carries initial arguments, because those belong only
// to fresh instances.
func (c *Controller) ReloadAndRun(ctx context.Context, id uuid.UUID) error {
	sc, err := c.reload(ctx, id)
	if err != nil {
		return err
	}
	c.fireStarted(id)
	go c.execute(ctx, sc)

	if _, ok := c.waitQuiescence(ctx, c.reloadWait); !ok {
		c.logger.Debug("instance %s still running after reload wait", id)
	}
	return nil
}

// ReloadAndResumeBookmark restores a persisted instance and delivers value
// to the named bookmark. The result distinguishes an unknown bookmark from
// one the re-run did not reach in time.
func (c *Controller) ReloadAndResumeBookmark(ctx context.Context, id uuid.UUID, name string, value any) (BookmarkResult, error) {
	if name == "" {
		return BookmarkNotFound, durable.NewError(durable.ErrInvalidArgument, "bookmark name is required", nil, nil)
	}
	sc, err := c.reload(ctx, id)
	if err != nil {
		return BookmarkNotFound, err
	}
	if !sc.hasBookmark(name) {
		c.setState(StateUnloaded)
		if relErr := c.store.Release(ctx, c.owner, id); relErr != nil {
			c.logger.Warn("release after missing bookmark failed: %v", relErr)
		}
		return BookmarkNotFound, nil
	}
	sc.stageResume(name, value)

	c.fireStarted(id)
	go c.execute(ctx, sc)

	select {
	case <-sc.resumeConsumed:
		return BookmarkSuccess, nil
	case <-time.After(c.reloadWait):
		return BookmarkNotReady, nil
	case <-ctx.Done():
		return BookmarkNotReady, ctx.Err()
	}
}

// Wait blocks until the controller reaches its next quiescent state.
func (c *Controller) Wait(ctx context.Context) (State, error) {
	select {
	case st := <-c.quiesce:
		return st, nil
	case <-ctx.Done():
		return c.State(), ctx.Err()
	}
}

func (c *Controller) reload(ctx context.Context, id uuid.UUID) (*executionScope, error) {
	if c.hasInitialArgs {
		return nil, durable.NewError(durable.ErrInvalidState,
			"initial arguments are not allowed when reconstituting an instance", nil, map[string]any{
				"instance_id": id.String(),
			})
	}
	if err := c.markStarting(); err != nil {
		return nil, err
	}
	if err := c.ensureOwner(ctx); err != nil {
		c.setState(StateCreated)
		return nil, err
	}
	rec, err := c.store.Load(ctx, c.owner, id, c.unit.Identity())
	if err != nil {
		c.setState(StateCreated)
		return nil, err
	}
	sc := newScopeFromRecord(c, rec)

	c.mu.Lock()
	c.instanceID = id
	c.scope = sc
	c.state = StateRunning
	c.mu.Unlock()
	return sc, nil
}

func (c *Controller) markStarting() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateCreated {
		return durable.NewError(durable.ErrInvalidState,
			"controller already started", nil, map[string]any{"state": string(c.state)})
	}
	c.state = StateRunning
	return nil
}

func (c *Controller) ensureOwner(ctx context.Context) error {
	if c.owner != nil {
		return nil
	}
	owner, err := c.store.CreateOwner(ctx)
	if err != nil {
		return err
	}
	c.owner = owner
	return nil
}

// execute drives the work unit to a terminal state. Any returned error or
// recovered panic aborts the instance; the hosting process stays alive.
func (c *Controller) execute(ctx context.Context, sc *executionScope) {
	err := c.runUnit(ctx, sc)
	switch {
	case durable.IsUnloading(err):
		// checkpoint already released and signaled
	case err != nil:
		c.abort(ctx, sc, err)
	default:
		c.complete(ctx, sc)
	}
}

func (c *Controller) runUnit(ctx context.Context, sc *executionScope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := make([]byte, 8096)
			n := runtime.Stack(stack, false)
			sc.Logger().Error("recovered from work unit panic: %v\n%s", r, stack[:n])
			err = apperrors.New(fmt.Sprintf("work unit panicked: %v", r), apperrors.CategoryHandler)
		}
	}()
	return c.unit.Execute(ctx, sc)
}

func (c *Controller) complete(ctx context.Context, sc *executionScope) {
	if err := c.store.Complete(ctx, c.owner, sc.id); err != nil {
		c.abort(ctx, sc, err)
		return
	}
	c.mu.Lock()
	listeners := append([]func(uuid.UUID){}, c.onCompleted...)
	c.mu.Unlock()
	for _, fn := range listeners {
		fn(sc.id)
	}
	c.setState(StateCompleted)
}

func (c *Controller) abort(ctx context.Context, sc *executionScope, cause error) {
	sc.Logger().Error("unhandled fault in %s: %v", c.unit.Identity(), cause)

	c.mu.Lock()
	faultListeners := append([]func(uuid.UUID, error){}, c.onUnhandledFault...)
	abortListeners := append([]func(uuid.UUID, error){}, c.onAborted...)
	c.mu.Unlock()

	for _, fn := range faultListeners {
		fn(sc.id, cause)
	}
	if err := c.store.Release(ctx, c.owner, sc.id); err != nil {
		c.logger.Warn("lock release on abort failed for %s: %v", sc.id, err)
	}
	for _, fn := range abortListeners {
		fn(sc.id, cause)
	}
	c.setState(StateAborted)
}

// checkpoint persists the scope's current record. Will-persist listeners
// fire before the write, so they observe intent, not durability.
func (c *Controller) checkpoint(ctx context.Context, sc *executionScope) error {
	c.setState(StateIdle)

	c.mu.Lock()
	listeners := append([]func(uuid.UUID){}, c.onWillPersist...)
	c.mu.Unlock()
	for _, fn := range listeners {
		fn(sc.id)
	}

	if err := c.store.Save(ctx, c.owner, sc.snapshotRecord()); err != nil {
		return err
	}
	if c.unloadOnIdle {
		c.unload(ctx, sc)
		return durable.ErrUnloading
	}
	c.setState(StatePersisted)
	c.mu.Lock()
	c.state = StateRunning
	c.mu.Unlock()
	return nil
}

func (c *Controller) unload(ctx context.Context, sc *executionScope) {
	if err := c.store.Release(ctx, c.owner, sc.id); err != nil {
		c.logger.Warn("lock release on unload failed for %s: %v", sc.id, err)
	}
	c.setState(StateUnloaded)
}

func (c *Controller) fireStarted(id uuid.UUID) {
	c.mu.Lock()
	listeners := append([]func(uuid.UUID, durable.WorkUnit){}, c.onStarted...)
	c.mu.Unlock()
	for _, fn := range listeners {
		fn(id, c.unit)
	}
}

func (c *Controller) setState(st State) {
	c.mu.Lock()
	c.state = st
	c.mu.Unlock()
	if st.Quiescent() {
		c.signalQuiescence(st)
	}
}

// signalQuiescence keeps at most one pending signal, replacing a stale one
// so the waiter always observes the most recent quiescent state.
func (c *Controller) signalQuiescence(st State) {
	for {
		select {
		case c.quiesce <- st:
			return
		default:
		}
		select {
		case <-c.quiesce:
		default:
		}
	}
}

func (c *Controller) waitQuiescence(ctx context.Context, d time.Duration) (State, bool) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case st := <-c.quiesce:
		return st, true
	case <-timer.C:
		return c.State(), false
	case <-ctx.Done():
		return c.State(), false
	}
}
