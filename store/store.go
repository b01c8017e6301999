// Package store defines the durable instance store contract and its two
// implementations: a map-backed test double and a SQLite-backed store. The
// store is the single source of truth for persisted instances and the sole
// serializer of concurrent writers per instance id: while one owner holds an
// instance's lock, every other loader gets a lock-contention failure carrying
// the contending owner's id.
package store

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	durable "github.com/goliatone/go-durable"
)

// DefaultLockTTL is how long an acquired instance lock stays valid without a
// renewing save.
const DefaultLockTTL = 60 * time.Second

// WriteOnlyPrefix marks property-bag keys that are persisted but never
// returned by Load.
const WriteOnlyPrefix = "wo:"

// InstanceRecord is one durable unit-of-work instance as the store sees it.
type InstanceRecord struct {
	InstanceID      uuid.UUID
	Identity        durable.Identity
	Bag             map[string]any
	ActiveBookmarks []string
	LastMachine     string
	CurrentMachine  string
	IsCompleted     bool
	UpdatedAt       time.Time
}

// InstanceView is the listing row reconciliation works from.
type InstanceView struct {
	InstanceID      uuid.UUID
	Identity        durable.Identity
	LastMachine     string
	CurrentMachine  string
	ActiveBookmarks string
	IsCompleted     bool
}

// Owner is a registered lock owner handle. One per host process.
type Owner struct {
	ID          uuid.UUID
	MachineName string
}

// LockOwner is the read-only view over a currently held lock, used by
// reconciliation to decide whether waiting for the lock is worthwhile.
type LockOwner struct {
	ID             uuid.UUID
	LockExpiration time.Time
	MachineName    string
	SurrogateID    int64
}

// TimeToExpire returns the remaining lock duration in seconds, or -1 when the
// lock already expired.
func (o *LockOwner) TimeToExpire(now time.Time) float64 {
	if o == nil || now.After(o.LockExpiration) {
		return -1
	}
	return o.LockExpiration.Sub(now).Seconds()
}

// Store is the durable store contract the host consumes. Implementations must
// surface lock contention as a distinguishable error carrying the contending
// owner's id, and hold IsCompleted terminal once flipped.
type Store interface {
	// CreateOwner registers a lock owner for this process.
	CreateOwner(ctx context.Context) (*Owner, error)

	// Save upserts the instance record and renews the owner's lock. The
	// first save creates the row and acquires the lock.
	Save(ctx context.Context, owner *Owner, rec *InstanceRecord) error

	// Load locks and returns the instance. Write-only bag entries are not
	// returned. Fails with identity mismatch when the persisted identity
	// differs from the requested one, and with lock contention while an
	// unexpired lock is held by a different owner.
	Load(ctx context.Context, owner *Owner, id uuid.UUID, identity durable.Identity) (*InstanceRecord, error)

	// Complete flips IsCompleted and releases the lock. Terminal: a second
	// call is an invalid-state error.
	Complete(ctx context.Context, owner *Owner, id uuid.UUID) error

	// Release drops the owner's lock without completing the instance.
	Release(ctx context.Context, owner *Owner, id uuid.UUID) error

	// ListRunnable returns every instance with IsCompleted == false.
	ListRunnable(ctx context.Context) ([]InstanceView, error)

	// GetOwner returns the lock owner for id, or nil when unknown.
	GetOwner(ctx context.Context, ownerID uuid.UUID) (*LockOwner, error)
}

func validateSave(owner *Owner, rec *InstanceRecord) error {
	if owner == nil {
		return durable.NewError(durable.ErrInvalidArgument, "lock owner is required", nil, nil)
	}
	if rec == nil {
		return durable.NewError(durable.ErrInvalidArgument, "instance record is required", nil, nil)
	}
	if rec.InstanceID == uuid.Nil {
		return durable.NewError(durable.ErrInvalidArgument, "instance id is required", nil, nil)
	}
	if rec.Identity.IsZero() {
		return durable.NewError(durable.ErrInvalidArgument, "instance identity is required", nil, nil)
	}
	return nil
}

func contentionError(instanceID, ownerID uuid.UUID) error {
	return durable.NewError(durable.ErrLockContention,
		"instance is locked by another owner", nil, map[string]any{
			"instance_id": instanceID.String(),
			"owner_id":    ownerID.String(),
		})
}

func identityError(instanceID uuid.UUID, want, got durable.Identity) error {
	return durable.NewError(durable.ErrIdentityMismatch,
		"persisted identity does not match the requested identity", nil, map[string]any{
			"instance_id": instanceID.String(),
			"requested":   want.String(),
			"persisted":   got.String(),
		})
}

func filterWriteOnly(bag map[string]any) map[string]any {
	out := make(map[string]any, len(bag))
	for k, v := range bag {
		if strings.HasPrefix(k, WriteOnlyPrefix) {
			continue
		}
		out[k] = v
	}
	return out
}

func joinBookmarks(names []string) string {
	return strings.Join(names, ",")
}
