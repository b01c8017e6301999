package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	durable "github.com/goliatone/go-durable"
)

func newSQLiteTestStore(t *testing.T, opts ...SQLiteOption) *SQLiteStore {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	// the in-memory database vanishes with extra connections
	db.SetMaxOpenConns(1)
	return NewSQLiteStore(db, opts...)
}

func TestSQLiteSaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteTestStore(t)
	owner, err := s.CreateOwner(ctx)
	require.NoError(t, err)

	id := uuid.New()
	rec := newRecord(id)
	rec.Bag["attempts"] = 3
	rec.ActiveBookmarks = []string{"approval"}
	require.NoError(t, s.Save(ctx, owner, rec))

	loaded, err := s.Load(ctx, owner, id, testIdentity)
	require.NoError(t, err)
	assert.Equal(t, id, loaded.InstanceID)
	assert.Equal(t, testIdentity, loaded.Identity)
	assert.Equal(t, []string{"approval"}, loaded.ActiveBookmarks)
	// JSON storage turns numbers into float64
	assert.Equal(t, float64(3), loaded.Bag["attempts"])
}

func TestSQLiteLockContention(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteTestStore(t)
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
}

func TestSQLiteExpiredLockReclaim(t *testing.T) {
	ctx := context.Background()
	current := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s := newSQLiteTestStore(t,
		WithSQLiteLockTTL(time.Minute),
		WithSQLiteClock(func() time.Time { return current }),
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
	require.NoError(t, err)
}

func TestSQLiteCompleteTerminalAndListRunnable(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteTestStore(t)
	owner, err := s.CreateOwner(ctx)
	require.NoError(t, err)

	running := uuid.New()
	finished := uuid.New()
	require.NoError(t, s.Save(ctx, owner, newRecord(running)))
	require.NoError(t, s.Save(ctx, owner, newRecord(finished)))
	require.NoError(t, s.Complete(ctx, owner, finished))

	err = s.Complete(ctx, owner, finished)
	require.Error(t, err)
	assert.Equal(t, durable.ErrCodeInvalidState, durable.ErrorCode(err))

	views, err := s.ListRunnable(ctx)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, running, views[0].InstanceID)
}

func TestSQLiteWriteOnlyFilter(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteTestStore(t)
	owner, err := s.CreateOwner(ctx)
	require.NoError(t, err)

	id := uuid.New()
	rec := newRecord(id)
	rec.Bag[WriteOnlyPrefix+"token"] = "secret"
	require.NoError(t, s.Save(ctx, owner, rec))

	loaded, err := s.Load(ctx, owner, id, testIdentity)
	require.NoError(t, err)
	assert.NotContains(t, loaded.Bag, WriteOnlyPrefix+"token")
}

func TestSQLiteGetOwner(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteTestStore(t)
	owner, err := s.CreateOwner(ctx)
	require.NoError(t, err)

	// saving renews the owner's lock expiration
	require.NoError(t, s.Save(ctx, owner, newRecord(uuid.New())))

	view, err := s.GetOwner(ctx, owner.ID)
	require.NoError(t, err)
	require.NotNil(t, view)
	assert.Equal(t, owner.ID, view.ID)
	assert.False(t, view.LockExpiration.IsZero())
	assert.Positive(t, view.SurrogateID)

	missing, err := s.GetOwner(ctx, uuid.New())
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSQLiteTablePrefix(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteTestStore(t, WithSQLiteTablePrefix("wf"))
	owner, err := s.CreateOwner(ctx)
	require.NoError(t, err)

	id := uuid.New()
	require.NoError(t, s.Save(ctx, owner, newRecord(id)))

	_, err = s.Load(ctx, owner, id, testIdentity)
	require.NoError(t, err)
}
