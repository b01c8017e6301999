package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	durable "github.com/goliatone/go-durable"
)

var testIdentity = durable.Identity{Name: "OrderFulfillment", Version: "1.0", Package: "fulfillment"}

func newRecord(id uuid.UUID) *InstanceRecord {
	return &InstanceRecord{
		InstanceID: id,
		Identity:   testIdentity,
		Bag:        map[string]any{"phase": "started"},
	}
}

func TestSaveThenLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	owner, err := s.CreateOwner(ctx)
	require.NoError(t, err)

	id := uuid.New()
	require.NoError(t, s.Save(ctx, owner, newRecord(id)))

	rec, err := s.Load(ctx, owner, id, testIdentity)
	require.NoError(t, err)
	assert.Equal(t, id, rec.InstanceID)
	assert.Equal(t, testIdentity, rec.Identity)
	assert.Equal(t, "started", rec.Bag["phase"])
}

func TestLockContentionCarriesOwner(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	ownerA, err := s.CreateOwner(ctx)
	require.NoError(t, err)
	ownerB, err := s.CreateOwner(ctx)
	require.NoError(t, err)

	id := uuid.New()
	require.NoError(t, s.Save(ctx, ownerA, newRecord(id)))

	_, err = s.Load(ctx, ownerB, id, testIdentity)
	require.Error(t, err)
	assert.True(t, durable.IsLockContention(err))
	assert.Equal(t, ownerA.ID, durable.ContendingOwner(err))

	// a save by the contending owner is refused too
	err = s.Save(ctx, ownerB, newRecord(id))
	require.Error(t, err)
	assert.True(t, durable.IsLockContention(err))
}

func TestAtMostOneOwnerHoldsTheLock(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	id := uuid.New()

	seed, err := s.CreateOwner(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, seed, newRecord(id)))
	require.NoError(t, s.Release(ctx, seed, id))

	owners := make([]*Owner, 8)
	for i := range owners {
		owners[i], err = s.CreateOwner(ctx)
		require.NoError(t, err)
	}

	wins := make(chan uuid.UUID, len(owners))
	done := make(chan struct{})
	for _, owner := range owners {
		go func(o *Owner) {
			defer func() { done <- struct{}{} }()
			if _, err := s.Load(ctx, o, id, testIdentity); err == nil {
				wins <- o.ID
			}
		}(owner)
	}
	for range owners {
		<-done
	}
	close(wins)

	var winners []uuid.UUID
	for w := range wins {
		winners = append(winners, w)
	}
	require.Len(t, winners, 1, "exactly one owner may acquire the lock")
}

func TestExpiredLockIsReclaimedSilently(t *testing.T) {
	ctx := context.Background()
	current := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s := NewMemoryStore(
		WithMemoryLockTTL(time.Minute),
		WithMemoryClock(func() time.Time { return current }),
	)
	ownerA, err := s.CreateOwner(ctx)
	require.NoError(t, err)
	ownerB, err := s.CreateOwner(ctx)
	require.NoError(t, err)

	id := uuid.New()
	require.NoError(t, s.Save(ctx, ownerA, newRecord(id)))

	_, err = s.Load(ctx, ownerB, id, testIdentity)
	require.Error(t, err)

	current = current.Add(2 * time.Minute)
	_, err = s.Load(ctx, ownerB, id, testIdentity)
	require.NoError(t, err, "an expired lock belongs to nobody")
}

func TestLoadIdentityMismatch(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	owner, err := s.CreateOwner(ctx)
	require.NoError(t, err)

	id := uuid.New()
	require.NoError(t, s.Save(ctx, owner, newRecord(id)))

	other := durable.Identity{Name: "OrderFulfillment", Version: "2.0", Package: "fulfillment"}
	_, err = s.Load(ctx, owner, id, other)
	require.Error(t, err)
	assert.True(t, durable.IsIdentityMismatch(err))
}

func TestLoadUnknownInstance(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	owner, err := s.CreateOwner(ctx)
	require.NoError(t, err)

	_, err = s.Load(ctx, owner, uuid.New(), testIdentity)
	require.Error(t, err)
	assert.Equal(t, durable.ErrCodeInstanceNotFound, durable.ErrorCode(err))
}

func TestWriteOnlyEntriesAreStoredButNeverReturned(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	owner, err := s.CreateOwner(ctx)
	require.NoError(t, err)

	id := uuid.New()
	rec := newRecord(id)
	rec.Bag[WriteOnlyPrefix+"audit"] = "sensitive"
	require.NoError(t, s.Save(ctx, owner, rec))

	loaded, err := s.Load(ctx, owner, id, testIdentity)
	require.NoError(t, err)
	assert.NotContains(t, loaded.Bag, WriteOnlyPrefix+"audit")
	assert.Contains(t, loaded.Bag, "phase")
}

func TestSaveRejectsNonSerializableBag(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	owner, err := s.CreateOwner(ctx)
	require.NoError(t, err)

	rec := newRecord(uuid.New())
	rec.Bag["bad"] = make(chan int)
	err = s.Save(ctx, owner, rec)
	require.Error(t, err)
	assert.True(t, durable.IsSerializationFailed(err))
}

func TestCompleteIsTerminal(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	owner, err := s.CreateOwner(ctx)
	require.NoError(t, err)

	id := uuid.New()
	require.NoError(t, s.Save(ctx, owner, newRecord(id)))
	require.NoError(t, s.Complete(ctx, owner, id))

	err = s.Complete(ctx, owner, id)
	require.Error(t, err)
	assert.Equal(t, durable.ErrCodeInvalidState, durable.ErrorCode(err))

	err = s.Save(ctx, owner, newRecord(id))
	require.Error(t, err, "completed instances accept no further saves")
}

func TestListRunnableSkipsCompleted(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	owner, err := s.CreateOwner(ctx)
	require.NoError(t, err)

	running := uuid.New()
	finished := uuid.New()
	require.NoError(t, s.Save(ctx, owner, newRecord(running)))
	require.NoError(t, s.Save(ctx, owner, newRecord(finished)))
	require.NoError(t, s.Complete(ctx, owner, finished))

	views, err := s.ListRunnable(ctx)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, running, views[0].InstanceID)
	assert.Equal(t, testIdentity, views[0].Identity)
}

func TestGetOwnerUnknownReturnsNil(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	owner, err := s.GetOwner(ctx, uuid.New())
	require.NoError(t, err)
	assert.Nil(t, owner)
}

func TestTimeToExpire(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	owner := &LockOwner{LockExpiration: now.Add(12 * time.Second)}

	assert.InDelta(t, 12.0, owner.TimeToExpire(now), 0.001)
	assert.Equal(t, float64(-1), owner.TimeToExpire(now.Add(time.Minute)))

	var missing *LockOwner
	assert.Equal(t, float64(-1), missing.TimeToExpire(now))
}
