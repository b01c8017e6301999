package host

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	durable "github.com/goliatone/go-durable"
	"github.com/goliatone/go-durable/store"
)

var unitIdentity = durable.Identity{Name: "InvoiceSync", Version: "1.0", Package: "billing"}

func unitOf(fn func(ctx context.Context, scope durable.Scope) error) durable.WorkUnit {
	return durable.WorkUnitFunc{ID: unitIdentity, Fn: fn}
}

func waitForState(t *testing.T, ctrl *Controller, want State) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for ctrl.State() != want {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for state %q, still %q", want, ctrl.State())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestNewValidation(t *testing.T) {
	s := store.NewMemoryStore()
	unit := unitOf(func(context.Context, durable.Scope) error { return nil })

	_, err := New(nil, unit)
	require.Error(t, err)

	_, err = New(s, nil)
	require.Error(t, err)

	_, err = New(s, durable.WorkUnitFunc{})
	require.Error(t, err, "a unit without identity cannot be hosted")
}

func TestRunToCompletion(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()

	var completed atomic.Int32
	ctrl, err := New(s, unitOf(func(ctx context.Context, scope durable.Scope) error {
		scope.Set("invoice", "inv-42")
		return nil
	}))
	require.NoError(t, err)
	ctrl.OnCompleted(func(uuid.UUID) { completed.Add(1) })

	require.NoError(t, ctrl.Run(ctx))
	waitForState(t, ctrl, StateCompleted)

	assert.Equal(t, int32(1), completed.Load())
	assert.NotEqual(t, uuid.Nil, ctrl.InstanceID())

	views, err := s.ListRunnable(ctx)
	require.NoError(t, err)
	assert.Empty(t, views, "completed instances are not runnable")
}

func TestInstanceIDIsNilBeforeRun(t *testing.T) {
	ctrl, err := New(store.NewMemoryStore(), unitOf(func(context.Context, durable.Scope) error { return nil }))
	require.NoError(t, err)
	assert.Equal(t, uuid.Nil, ctrl.InstanceID())
}

func TestCheckpointPersistsAndFiresWillPersist(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	release := make(chan struct{})

	var persists atomic.Int32
	ctrl, err := New(s, unitOf(func(ctx context.Context, scope durable.Scope) error {
		scope.Set("phase", "halfway")
		if err := scope.Checkpoint(ctx); err != nil {
			return err
		}
		<-release
		return nil
	}))
	require.NoError(t, err)
	ctrl.OnWillPersist(func(uuid.UUID) { persists.Add(1) })

	require.NoError(t, ctrl.Run(ctx), "run returns at the first persisted idle point")
	assert.Equal(t, int32(1), persists.Load())

	close(release)
	waitForState(t, ctrl, StateCompleted)
}

func TestRunTimeoutReturnsQuiescenceError(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	defer close(release)

	ctrl, err := New(store.NewMemoryStore(), unitOf(func(context.Context, durable.Scope) error {
		<-release
		return nil
	}), WithRunTimeout(50*time.Millisecond))
	require.NoError(t, err)

	err = ctrl.Run(ctx)
	require.Error(t, err)
	assert.True(t, durable.IsQuiescenceTimeout(err))
	assert.Equal(t, StateRunning, ctrl.State(), "execution keeps going after the timeout")
}

func TestFaultAbortsAndReleasesLock(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	boom := durable.WithFaultKind(errors.New("gateway down"), durable.FaultKindNetwork)

	var faulted, aborted atomic.Int32
	var faultErr error
	ctrl, err := New(s, unitOf(func(ctx context.Context, scope durable.Scope) error {
		if err := scope.Checkpoint(ctx); err != nil {
			return err
		}
		return boom
	}))
	require.NoError(t, err)
	ctrl.OnUnhandledFault(func(_ uuid.UUID, err error) {
		faulted.Add(1)
		faultErr = err
	})
	ctrl.OnAborted(func(uuid.UUID, error) { aborted.Add(1) })

	require.NoError(t, ctrl.Run(ctx))
	waitForState(t, ctrl, StateAborted)

	assert.Equal(t, int32(1), faulted.Load())
	assert.Equal(t, int32(1), aborted.Load())
	assert.True(t, errors.Is(faultErr, boom))

	// the abort released the lock, another owner can pick the instance up
	other, err := s.CreateOwner(ctx)
	require.NoError(t, err)
	_, err = s.Load(ctx, other, ctrl.InstanceID(), unitIdentity)
	require.NoError(t, err)
}

func TestPanicIsInterceptedAsFault(t *testing.T) {
	ctx := context.Background()

	var faulted atomic.Int32
	ctrl, err := New(store.NewMemoryStore(), unitOf(func(context.Context, durable.Scope) error {
		panic("corrupted invoice table")
	}))
	require.NoError(t, err)
	ctrl.OnUnhandledFault(func(uuid.UUID, error) { faulted.Add(1) })

	require.NoError(t, ctrl.Run(ctx))
	waitForState(t, ctrl, StateAborted)
	assert.Equal(t, int32(1), faulted.Load())
}

func TestControllerIsSingleUse(t *testing.T) {
	ctx := context.Background()
	ctrl, err := New(store.NewMemoryStore(), unitOf(func(context.Context, durable.Scope) error { return nil }))
	require.NoError(t, err)

	require.NoError(t, ctrl.Run(ctx))
	waitForState(t, ctrl, StateCompleted)

	err = ctrl.Run(ctx)
	require.Error(t, err)
	assert.Equal(t, durable.ErrCodeInvalidState, durable.ErrorCode(err))
}

func TestInitialArgumentsReachTheScope(t *testing.T) {
	ctx := context.Background()
	env := &durable.EventEnvelope{
		SourceAPIName:      "orders.shipped",
		SourceFriendlyName: "Order Shipped",
		SourceType:         durable.TypeDescriptor{FullName: "shipment"},
		SourceTransactionID: "tx-901",
	}
	sub := &durable.Subscriber{
		Name:            "billing-sync",
		EventToListenTo: "orders.shipped",
		WorkUnit:        unitIdentity,
		Enabled:         true,
	}

	var gotEvent, gotSub bool
	ctrl, err := New(store.NewMemoryStore(), unitOf(func(ctx context.Context, scope durable.Scope) error {
		gotEvent = scope.Event() != nil && scope.Event().SourceAPIName == "orders.shipped"
		gotSub = scope.Subscriber() != nil && scope.Subscriber().Name == "billing-sync"
		_, hasEventArg := scope.Get(durable.DataEventArgument)
		if !hasEventArg {
			return errors.New("missing event argument in bag")
		}
		return nil
	}), WithEvent(env), WithSubscriber(sub))
	require.NoError(t, err)

	require.NoError(t, ctrl.Run(ctx))
	waitForState(t, ctrl, StateCompleted)
	assert.True(t, gotEvent)
	assert.True(t, gotSub)
}

func TestReloadRejectsInitialArguments(t *testing.T) {
	ctx := context.Background()
	env := &durable.EventEnvelope{
		SourceAPIName:      "orders.shipped",
		SourceFriendlyName: "Order Shipped",
		SourceType:         durable.TypeDescriptor{FullName: "shipment"},
	}
	ctrl, err := New(store.NewMemoryStore(), unitOf(func(context.Context, durable.Scope) error { return nil }),
		WithEvent(env))
	require.NoError(t, err)

	err = ctrl.ReloadAndRun(ctx, uuid.New())
	require.Error(t, err)
	assert.Equal(t, durable.ErrCodeInvalidState, durable.ErrorCode(err))
}

// phasedUnit runs in two phases separated by an unloading checkpoint: the
// restored bag tells the second run to skip straight to phase two.
func phasedUnit(phaseOneRuns, phaseTwoRuns *atomic.Int32) durable.WorkUnit {
	return unitOf(func(ctx context.Context, scope durable.Scope) error {
		if _, done := scope.Get("phase_one_done"); !done {
			phaseOneRuns.Add(1)
			scope.Set("phase_one_done", true)
			if err := scope.Checkpoint(ctx); err != nil {
				return err
			}
		}
		phaseTwoRuns.Add(1)
		return nil
	})
}

func TestUnloadOnIdleThenReloadResumes(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()

	var one, two atomic.Int32
	first, err := New(s, phasedUnit(&one, &two), WithUnloadOnIdle(true))
	require.NoError(t, err)

	require.NoError(t, first.Run(ctx))
	waitForState(t, first, StateUnloaded)
	assert.Equal(t, int32(1), one.Load())
	assert.Equal(t, int32(0), two.Load(), "unload happens before phase two")

	id := first.InstanceID()
	views, err := s.ListRunnable(ctx)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, id, views[0].InstanceID)

	second, err := New(s, phasedUnit(&one, &two))
	require.NoError(t, err)
	require.NoError(t, second.ReloadAndRun(ctx, id))
	waitForState(t, second, StateCompleted)

	assert.Equal(t, int32(1), one.Load(), "restored bag skips phase one")
	assert.Equal(t, int32(1), two.Load())
}

func TestReloadIdentityMismatch(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()

	var one, two atomic.Int32
	first, err := New(s, phasedUnit(&one, &two), WithUnloadOnIdle(true))
	require.NoError(t, err)
	require.NoError(t, first.Run(ctx))
	waitForState(t, first, StateUnloaded)

	otherUnit := durable.WorkUnitFunc{
		ID: durable.Identity{Name: "InvoiceSync", Version: "2.0", Package: "billing"},
		Fn: func(context.Context, durable.Scope) error { return nil },
	}
	second, err := New(s, otherUnit)
	require.NoError(t, err)

	err = second.ReloadAndRun(ctx, first.InstanceID())
	require.Error(t, err)
	assert.True(t, durable.IsIdentityMismatch(err))
}

func TestDurableSleepSurvivesUnload(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	unit := func() durable.WorkUnit {
		return unitOf(func(ctx context.Context, scope durable.Scope) error {
			if err := scope.Sleep(ctx, time.Hour); err != nil {
				return err
			}
			scope.Set("woke", true)
			return nil
		})
	}

	first, err := New(s, unit(),
		WithUnloadOnIdle(true),
		WithClock(func() time.Time { return base }),
	)
	require.NoError(t, err)
	require.NoError(t, first.Run(ctx))
	waitForState(t, first, StateUnloaded)

	// reload after the wake deadline: the remaining delay is zero
	second, err := New(s, unit(),
		WithClock(func() time.Time { return base.Add(2 * time.Hour) }),
	)
	require.NoError(t, err)
	require.NoError(t, second.ReloadAndRun(ctx, first.InstanceID()))
	waitForState(t, second, StateCompleted)
}

func awaitUnit() durable.WorkUnit {
	return unitOf(func(ctx context.Context, scope durable.Scope) error {
		decision, err := scope.AwaitBookmark(ctx, "approval")
		if err != nil {
			return err
		}
		scope.Set("decision", decision)
		return nil
	})
}

func TestBookmarkResumeSuccess(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()

	first, err := New(s, awaitUnit())
	require.NoError(t, err)
	require.NoError(t, first.Run(ctx))
	waitForState(t, first, StateUnloaded)

	id := first.InstanceID()
	views, err := s.ListRunnable(ctx)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, "approval", views[0].ActiveBookmarks)

	second, err := New(s, awaitUnit())
	require.NoError(t, err)
	result, err := second.ReloadAndResumeBookmark(ctx, id, "approval", "granted")
	require.NoError(t, err)
	assert.Equal(t, BookmarkSuccess, result)

	waitForState(t, second, StateCompleted)
}

func TestBookmarkResumeNotFound(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()

	first, err := New(s, awaitUnit())
	require.NoError(t, err)
	require.NoError(t, first.Run(ctx))
	waitForState(t, first, StateUnloaded)

	second, err := New(s, awaitUnit())
	require.NoError(t, err)
	result, err := second.ReloadAndResumeBookmark(ctx, first.InstanceID(), "review", nil)
	require.NoError(t, err)
	assert.Equal(t, BookmarkNotFound, result)

	// the failed resume released the instance for other hosts
	other, err := s.CreateOwner(ctx)
	require.NoError(t, err)
	_, err = s.Load(ctx, other, first.InstanceID(), unitIdentity)
	require.NoError(t, err)
}

func TestBookmarkResumeNotReady(t *testing.T) {
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := store.NewMemoryStore()

	first, err := New(s, awaitUnit())
	require.NoError(t, err)
	require.NoError(t, first.Run(runCtx))
	waitForState(t, first, StateUnloaded)

	// this unit never reaches the bookmark again
	stuck := unitOf(func(ctx context.Context, scope durable.Scope) error {
		<-ctx.Done()
		return ctx.Err()
	})
	second, err := New(s, stuck, WithReloadWait(100*time.Millisecond))
	require.NoError(t, err)

	result, err := second.ReloadAndResumeBookmark(runCtx, first.InstanceID(), "approval", "granted")
	require.NoError(t, err)
	assert.Equal(t, BookmarkNotReady, result)
}
