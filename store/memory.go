package store

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	durable "github.com/goliatone/go-durable"
)

// MemoryStore is the in-process test double. It round-trips every saved bag
// through JSON so values that would not survive the SQL-backed store fail
// here too, at save time rather than on some later reload.
type MemoryStore struct {
	mu        sync.Mutex
	records   map[uuid.UUID]*memoryRow
	owners    map[uuid.UUID]*LockOwner
	lockTTL   time.Duration
	now       func() time.Time
	surrogate int64
}

type memoryRow struct {
	record     InstanceRecord
	lockedBy   uuid.UUID
	lockExpiry time.Time
}

// MemoryOption customizes the in-memory store.
type MemoryOption func(*MemoryStore)

// WithMemoryLockTTL overrides the lock expiry window.
func WithMemoryLockTTL(ttl time.Duration) MemoryOption {
	return func(s *MemoryStore) {
		if ttl > 0 {
			s.lockTTL = ttl
		}
	}
}

// WithMemoryClock injects the time source. Test hook.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		records: make(map[uuid.UUID]*memoryRow),
		owners:  make(map[uuid.UUID]*LockOwner),
		lockTTL: DefaultLockTTL,
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// CreateOwner registers a lock owner for this process.
func (s *MemoryStore) CreateOwner(_ context.Context) (*Owner, error) {
	machine, _ := os.Hostname()
	owner := &Owner{ID: uuid.New(), MachineName: machine}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.surrogate++
	s.owners[owner.ID] = &LockOwner{
		ID:          owner.ID,
		MachineName: machine,
		SurrogateID: s.surrogate,
	}
	return owner, nil
}

// Save upserts the record, renewing or acquiring the lock for owner.
func (s *MemoryStore) Save(_ context.Context, owner *Owner, rec *InstanceRecord) error {
	if err := validateSave(owner, rec); err != nil {
		return err
	}
	bag, err := roundTripBag(rec.Bag)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	row, ok := s.records[rec.InstanceID]
	if ok {
		if held, holder := s.lockHeldByOther(row, owner.ID, now); held {
			return contentionError(rec.InstanceID, holder)
		}
		if row.record.IsCompleted {
			return durable.NewError(durable.ErrInvalidState,
				"instance is already completed", nil, map[string]any{
					"instance_id": rec.InstanceID.String(),
				})
		}
	} else {
		row = &memoryRow{}
		s.records[rec.InstanceID] = row
	}

	stored := *rec
	stored.Bag = bag
	stored.LastMachine = row.record.CurrentMachine
	stored.CurrentMachine = owner.MachineName
	stored.UpdatedAt = now
	stored.ActiveBookmarks = append([]string(nil), rec.ActiveBookmarks...)
	row.record = stored
	s.lock(row, owner, now)
	return nil
}

// Load locks and returns the instance, filtering write-only entries.
func (s *MemoryStore) Load(_ context.Context, owner *Owner, id uuid.UUID, identity durable.Identity) (*InstanceRecord, error) {
	if owner == nil {
		return nil, durable.NewError(durable.ErrInvalidArgument, "lock owner is required", nil, nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.records[id]
	if !ok {
		return nil, durable.NewError(durable.ErrInstanceNotFound,
			"no persisted instance for id", nil, map[string]any{"instance_id": id.String()})
	}
	now := s.now()
	if held, holder := s.lockHeldByOther(row, owner.ID, now); held {
		return nil, contentionError(id, holder)
	}
	if !identity.IsZero() && !row.record.Identity.Equal(identity) {
		return nil, identityError(id, identity, row.record.Identity)
	}

	s.lock(row, owner, now)

	out := row.record
	out.Bag = filterWriteOnly(row.record.Bag)
	out.ActiveBookmarks = append([]string(nil), row.record.ActiveBookmarks...)
	return &out, nil
}

// Complete flips IsCompleted exactly once and releases the lock.
func (s *MemoryStore) Complete(_ context.Context, owner *Owner, id uuid.UUID) error {
	if owner == nil {
		return durable.NewError(durable.ErrInvalidArgument, "lock owner is required", nil, nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.records[id]
	if !ok {
		return durable.NewError(durable.ErrInstanceNotFound,
			"no persisted instance for id", nil, map[string]any{"instance_id": id.String()})
	}
	if row.record.IsCompleted {
		return durable.NewError(durable.ErrInvalidState,
			"instance is already completed", nil, map[string]any{"instance_id": id.String()})
	}
	row.record.IsCompleted = true
	row.record.UpdatedAt = s.now()
	s.unlock(row, owner.ID)
	return nil
}

// Release drops the owner's lock without completing the instance.
func (s *MemoryStore) Release(_ context.Context, owner *Owner, id uuid.UUID) error {
	if owner == nil {
		return durable.NewError(durable.ErrInvalidArgument, "lock owner is required", nil, nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if row, ok := s.records[id]; ok {
		s.unlock(row, owner.ID)
	}
	return nil
}

// ListRunnable returns every non-completed instance.
func (s *MemoryStore) ListRunnable(_ context.Context) ([]InstanceView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	views := make([]InstanceView, 0, len(s.records))
	for id, row := range s.records {
		if row.record.IsCompleted {
			continue
		}
		views = append(views, InstanceView{
			InstanceID:      id,
			Identity:        row.record.Identity,
			LastMachine:     row.record.LastMachine,
			CurrentMachine:  row.record.CurrentMachine,
			ActiveBookmarks: joinBookmarks(row.record.ActiveBookmarks),
			IsCompleted:     false,
		})
	}
	return views, nil
}

// GetOwner returns the lock owner view, or nil when unknown.
func (s *MemoryStore) GetOwner(_ context.Context, ownerID uuid.UUID) (*LockOwner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	owner, ok := s.owners[ownerID]
	if !ok {
		return nil, nil
	}
	cp := *owner
	return &cp, nil
}

// LockInstance acquires the lock directly, bypassing Load. Test hook for
// simulating a foreign owner holding an instance.
func (s *MemoryStore) LockInstance(id uuid.UUID, ownerID uuid.UUID, expiry time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.records[id]
	if !ok {
		return
	}
	row.lockedBy = ownerID
	row.lockExpiry = expiry
	if _, known := s.owners[ownerID]; !known {
		s.surrogate++
		s.owners[ownerID] = &LockOwner{ID: ownerID, SurrogateID: s.surrogate, MachineName: "foreign"}
	}
	s.owners[ownerID].LockExpiration = expiry
}

func (s *MemoryStore) lockHeldByOther(row *memoryRow, ownerID uuid.UUID, now time.Time) (bool, uuid.UUID) {
	if row.lockedBy == uuid.Nil || row.lockedBy == ownerID {
		return false, uuid.Nil
	}
	if now.After(row.lockExpiry) {
		// Expired locks are reclaimed silently.
		return false, uuid.Nil
	}
	return true, row.lockedBy
}

func (s *MemoryStore) lock(row *memoryRow, owner *Owner, now time.Time) {
	row.lockedBy = owner.ID
	row.lockExpiry = now.Add(s.lockTTL)
	if view, ok := s.owners[owner.ID]; ok {
		view.LockExpiration = row.lockExpiry
	}
}

func (s *MemoryStore) unlock(row *memoryRow, ownerID uuid.UUID) {
	if row.lockedBy == ownerID {
		row.lockedBy = uuid.Nil
		row.lockExpiry = time.Time{}
	}
}

func roundTripBag(bag map[string]any) (map[string]any, error) {
	if bag == nil {
		return map[string]any{}, nil
	}
	data, err := json.Marshal(bag)
	if err != nil {
		return nil, durable.NewError(durable.ErrSerializationFailed,
			"property bag does not round-trip through json", err, nil)
	}
	out := make(map[string]any, len(bag))
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, durable.NewError(durable.ErrSerializationFailed,
			"property bag does not round-trip through json", err, nil)
	}
	return out, nil
}
