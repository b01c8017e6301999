package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	durable "github.com/goliatone/go-durable"
)

// SQLiteStore persists instance records and lock owners in SQLite. Locks are
// columns on the instance row; owners live in their own table so the lock
// owner registry can be queried by reconciliation.
type SQLiteStore struct {
	db            *sql.DB
	instanceTable string
	ownerTable    string
	lockTTL       time.Duration
	now           func() time.Time

	schemaOnce sync.Once
	schemaErr  error
}

// SQLiteOption customizes the SQLite store.
type SQLiteOption func(*SQLiteStore)

// WithSQLiteLockTTL overrides the lock expiry window.
func WithSQLiteLockTTL(ttl time.Duration) SQLiteOption {
	return func(s *SQLiteStore) {
		if ttl > 0 {
			s.lockTTL = ttl
		}
	}
}

// WithSQLiteClock injects the time source. Test hook.
func WithSQLiteClock(now func() time.Time) SQLiteOption {
	return func(s *SQLiteStore) {
		if now != nil {
			s.now = now
		}
	}
}

// WithSQLiteTablePrefix prefixes both backing tables.
func WithSQLiteTablePrefix(prefix string) SQLiteOption {
	return func(s *SQLiteStore) {
		prefix = strings.TrimSpace(prefix)
		if prefix != "" {
			s.instanceTable = prefix + "_instances"
			s.ownerTable = prefix + "_lock_owners"
		}
	}
}

// NewSQLiteStore builds a store over the given DB handle.
func NewSQLiteStore(db *sql.DB, opts ...SQLiteOption) *SQLiteStore {
	s := &SQLiteStore{
		db:            db,
		instanceTable: "instances",
		ownerTable:    "lock_owners",
		lockTTL:       DefaultLockTTL,
		now:           time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// CreateOwner registers a lock owner row for this process.
func (s *SQLiteStore) CreateOwner(ctx context.Context) (*Owner, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	machine, _ := os.Hostname()
	owner := &Owner{ID: uuid.New(), MachineName: machine}

	q := fmt.Sprintf(`INSERT INTO %s (id, machine_name, lock_expiration) VALUES (?, ?, '')`, s.ownerTable)
	if _, err := s.db.ExecContext(ctx, q, owner.ID.String(), machine); err != nil {
		return nil, err
	}
	return owner, nil
}

// Save upserts the instance row, renewing or acquiring the lock for owner.
func (s *SQLiteStore) Save(ctx context.Context, owner *Owner, rec *InstanceRecord) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if err := validateSave(owner, rec); err != nil {
		return err
	}
	bagJSON, err := json.Marshal(rec.Bag)
	if err != nil {
		return durable.NewError(durable.ErrSerializationFailed,
			"property bag does not round-trip through json", err, nil)
	}
	now := s.now().UTC()
	expiry := now.Add(s.lockTTL)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if tx != nil {
			_ = tx.Rollback()
		}
	}()

	row, err := s.loadRow(ctx, tx, rec.InstanceID)
	if err != nil && !durable.IsLockContention(err) && durable.ErrorCode(err) != durable.ErrCodeInstanceNotFound {
		return err
	}
	lastMachine := ""
	if row != nil {
		if held, holder := heldByOther(row, owner.ID, now); held {
			return contentionError(rec.InstanceID, holder)
		}
		if row.isCompleted {
			return durable.NewError(durable.ErrInvalidState,
				"instance is already completed", nil, map[string]any{
					"instance_id": rec.InstanceID.String(),
				})
		}
		lastMachine = row.currentMachine
	}

	upsert := fmt.Sprintf(`INSERT INTO %s (
		instance_id, identity_name, identity_version, identity_package,
		bag, active_bookmarks, last_machine, current_machine, is_completed,
		locked_by, lock_expiration, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?)
	ON CONFLICT(instance_id) DO UPDATE SET
		bag=excluded.bag,
		active_bookmarks=excluded.active_bookmarks,
		last_machine=excluded.last_machine,
		current_machine=excluded.current_machine,
		locked_by=excluded.locked_by,
		lock_expiration=excluded.lock_expiration,
		updated_at=excluded.updated_at`, s.instanceTable)
	_, err = tx.ExecContext(ctx, upsert,
		rec.InstanceID.String(),
		rec.Identity.Name,
		rec.Identity.Version,
		rec.Identity.Package,
		string(bagJSON),
		joinBookmarks(rec.ActiveBookmarks),
		lastMachine,
		owner.MachineName,
		owner.ID.String(),
		expiry.Format(time.RFC3339Nano),
		now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return err
	}
	if err := s.touchOwner(ctx, tx, owner.ID, expiry); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	tx = nil
	return nil
}

// Load locks and returns the instance, filtering write-only bag entries.
func (s *SQLiteStore) Load(ctx context.Context, owner *Owner, id uuid.UUID, identity durable.Identity) (*InstanceRecord, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if owner == nil {
		return nil, durable.NewError(durable.ErrInvalidArgument, "lock owner is required", nil, nil)
	}
	now := s.now().UTC()
	expiry := now.Add(s.lockTTL)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if tx != nil {
			_ = tx.Rollback()
		}
	}()

	row, err := s.loadRow(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if held, holder := heldByOther(row, owner.ID, now); held {
		return nil, contentionError(id, holder)
	}
	if !identity.IsZero() && !row.record.Identity.Equal(identity) {
		return nil, identityError(id, identity, row.record.Identity)
	}

	lock := fmt.Sprintf(`UPDATE %s SET locked_by=?, lock_expiration=? WHERE instance_id=?`, s.instanceTable)
	if _, err := tx.ExecContext(ctx, lock, owner.ID.String(), expiry.Format(time.RFC3339Nano), id.String()); err != nil {
		return nil, err
	}
	if err := s.touchOwner(ctx, tx, owner.ID, expiry); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	tx = nil

	out := row.record
	out.Bag = filterWriteOnly(row.record.Bag)
	return &out, nil
}

// Complete flips is_completed exactly once and releases the lock.
func (s *SQLiteStore) Complete(ctx context.Context, owner *Owner, id uuid.UUID) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if owner == nil {
		return durable.NewError(durable.ErrInvalidArgument, "lock owner is required", nil, nil)
	}
	q := fmt.Sprintf(`UPDATE %s
		SET is_completed=1, locked_by='', lock_expiration='', updated_at=?
		WHERE instance_id=? AND is_completed=0`, s.instanceTable)
	result, err := s.db.ExecContext(ctx, q, s.now().UTC().Format(time.RFC3339Nano), id.String())
	if err != nil {
		return err
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return durable.NewError(durable.ErrInvalidState,
			"instance missing or already completed", nil, map[string]any{
				"instance_id": id.String(),
			})
	}
	return nil
}

// Release drops the owner's lock without completing the instance.
func (s *SQLiteStore) Release(ctx context.Context, owner *Owner, id uuid.UUID) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if owner == nil {
		return durable.NewError(durable.ErrInvalidArgument, "lock owner is required", nil, nil)
	}
	q := fmt.Sprintf(`UPDATE %s SET locked_by='', lock_expiration='' WHERE instance_id=? AND locked_by=?`, s.instanceTable)
	_, err := s.db.ExecContext(ctx, q, id.String(), owner.ID.String())
	return err
}

// ListRunnable returns every instance with is_completed = 0.
func (s *SQLiteStore) ListRunnable(ctx context.Context) ([]InstanceView, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`SELECT instance_id, identity_name, identity_version, identity_package,
		last_machine, current_machine, active_bookmarks
		FROM %s WHERE is_completed=0 ORDER BY updated_at ASC`, s.instanceTable)
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	views := make([]InstanceView, 0)
	for rows.Next() {
		var view InstanceView
		var rawID string
		if err := rows.Scan(
			&rawID,
			&view.Identity.Name,
			&view.Identity.Version,
			&view.Identity.Package,
			&view.LastMachine,
			&view.CurrentMachine,
			&view.ActiveBookmarks,
		); err != nil {
			return nil, err
		}
		id, err := uuid.Parse(rawID)
		if err != nil {
			return nil, err
		}
		view.InstanceID = id
		views = append(views, view)
	}
	return views, rows.Err()
}

// GetOwner returns the lock owner view, or nil when unknown.
func (s *SQLiteStore) GetOwner(ctx context.Context, ownerID uuid.UUID) (*LockOwner, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`SELECT id, machine_name, lock_expiration, surrogate_id FROM %s WHERE id=?`, s.ownerTable)
	var (
		rawID      string
		machine    string
		expiration string
		surrogate  int64
	)
	err := s.db.QueryRowContext(ctx, q, ownerID.String()).Scan(&rawID, &machine, &expiration, &surrogate)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	owner := &LockOwner{MachineName: machine, SurrogateID: surrogate}
	owner.ID, _ = uuid.Parse(rawID)
	if expiration != "" {
		if ts, parseErr := time.Parse(time.RFC3339Nano, expiration); parseErr == nil {
			owner.LockExpiration = ts
		}
	}
	return owner, nil
}

type sqliteRow struct {
	record         InstanceRecord
	currentMachine string
	isCompleted    bool
	lockedBy       uuid.UUID
	lockExpiry     time.Time
}

func heldByOther(row *sqliteRow, ownerID uuid.UUID, now time.Time) (bool, uuid.UUID) {
	if row == nil || row.lockedBy == uuid.Nil || row.lockedBy == ownerID {
		return false, uuid.Nil
	}
	if now.After(row.lockExpiry) {
		return false, uuid.Nil
	}
	return true, row.lockedBy
}

func (s *SQLiteStore) loadRow(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*sqliteRow, error) {
	q := fmt.Sprintf(`SELECT instance_id, identity_name, identity_version, identity_package,
		bag, active_bookmarks, last_machine, current_machine, is_completed,
		locked_by, lock_expiration, updated_at
		FROM %s WHERE instance_id=?`, s.instanceTable)

	var (
		rawID      string
		bagJSON    string
		bookmarks  string
		completed  int
		lockedBy   string
		lockExpiry string
		updatedAt  string
	)
	row := &sqliteRow{}
	err := tx.QueryRowContext(ctx, q, id.String()).Scan(
		&rawID,
		&row.record.Identity.Name,
		&row.record.Identity.Version,
		&row.record.Identity.Package,
		&bagJSON,
		&bookmarks,
		&row.record.LastMachine,
		&row.record.CurrentMachine,
		&completed,
		&lockedBy,
		&lockExpiry,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, durable.NewError(durable.ErrInstanceNotFound,
			"no persisted instance for id", nil, map[string]any{"instance_id": id.String()})
	}
	if err != nil {
		return nil, err
	}

	row.record.InstanceID = id
	row.record.IsCompleted = completed != 0
	row.isCompleted = completed != 0
	row.currentMachine = row.record.CurrentMachine
	if bagJSON != "" {
		if err := json.Unmarshal([]byte(bagJSON), &row.record.Bag); err != nil {
			return nil, durable.NewError(durable.ErrSerializationFailed,
				"persisted property bag is not valid json", err, map[string]any{
					"instance_id": id.String(),
				})
		}
	}
	if bookmarks != "" {
		row.record.ActiveBookmarks = strings.Split(bookmarks, ",")
	}
	if lockedBy != "" {
		row.lockedBy, _ = uuid.Parse(lockedBy)
	}
	if lockExpiry != "" {
		if ts, parseErr := time.Parse(time.RFC3339Nano, lockExpiry); parseErr == nil {
			row.lockExpiry = ts
		}
	}
	if updatedAt != "" {
		if ts, parseErr := time.Parse(time.RFC3339Nano, updatedAt); parseErr == nil {
			row.record.UpdatedAt = ts
		}
	}
	return row, nil
}

func (s *SQLiteStore) touchOwner(ctx context.Context, tx *sql.Tx, ownerID uuid.UUID, expiry time.Time) error {
	q := fmt.Sprintf(`UPDATE %s SET lock_expiration=? WHERE id=?`, s.ownerTable)
	_, err := tx.ExecContext(ctx, q, expiry.Format(time.RFC3339Nano), ownerID.String())
	return err
}

func (s *SQLiteStore) ready(ctx context.Context) error {
	if s == nil || s.db == nil {
		return durable.NewError(durable.ErrInvalidState, "sqlite store not configured", nil, nil)
	}
	s.schemaOnce.Do(func() {
		s.schemaErr = s.ensureSchema(ctx)
	})
	return s.schemaErr
}

func (s *SQLiteStore) ensureSchema(ctx context.Context) error {
	instanceDDL := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		instance_id TEXT PRIMARY KEY,
		identity_name TEXT NOT NULL,
		identity_version TEXT NOT NULL,
		identity_package TEXT,
		bag TEXT NOT NULL,
		active_bookmarks TEXT,
		last_machine TEXT,
		current_machine TEXT,
		is_completed INTEGER NOT NULL DEFAULT 0,
		locked_by TEXT,
		lock_expiration TEXT,
		updated_at TEXT NOT NULL
	)`, s.instanceTable)
	if _, err := s.db.ExecContext(ctx, instanceDDL); err != nil {
		return err
	}
	ownerDDL := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		surrogate_id INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		machine_name TEXT,
		lock_expiration TEXT
	)`, s.ownerTable)
	_, err := s.db.ExecContext(ctx, ownerDDL)
	return err
}
