package durable

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Well-known property-bag keys for the arguments every work unit receives
// when triggered fresh. Reconstituted instances restore them from the store.
const (
	// DataEventArgument holds the triggering event envelope.
	DataEventArgument = "DataEventArgument"
	// SubscriberArgument holds the subscriber information, when the run was
	// started on behalf of a subscription.
	SubscriberArgument = "SubscriberArgument"
)

// WorkUnit is one externally authored durable task. Implementations must be
// re-entrant: after a process restart the host calls Execute again with the
// restored property bag, and the unit uses it to skip phases that already
// completed. The identity tuple is the reconstitution key and must not change
// across a persist/reload cycle for the same logical version.
type WorkUnit interface {
	Identity() Identity
	Execute(ctx context.Context, scope Scope) error
}

// WorkUnitFunc adapts a function into a WorkUnit with a fixed identity.
type WorkUnitFunc struct {
	ID Identity
	Fn func(ctx context.Context, scope Scope) error
}

func (w WorkUnitFunc) Identity() Identity { return w.ID }

func (w WorkUnitFunc) Execute(ctx context.Context, scope Scope) error {
	if w.Fn == nil {
		return nil
	}
	return w.Fn(ctx, scope)
}

// Scope is the execution environment the host hands to a running work unit.
// Everything written through Set is part of the instance's durable property
// bag and must round-trip through JSON.
type Scope interface {
	// InstanceID returns the durable instance id. It is uuid.Nil until the
	// instance has actually been handed to the store; do not publish it
	// before the first run call.
	InstanceID() uuid.UUID

	// Event returns the triggering event envelope, nil when the instance
	// was started without one.
	Event() *EventEnvelope

	// Subscriber returns the subscriber argument, nil when not started on
	// behalf of a subscription.
	Subscriber() *Subscriber

	// Get reads a property-bag value. Numbers read back after a reload are
	// float64, per JSON semantics.
	Get(name string) (any, bool)

	// Set writes a property-bag value. The value must be JSON-serializable
	// or the next checkpoint fails.
	Set(name string, value any)

	// Delete removes a property-bag entry.
	Delete(name string)

	// Checkpoint marks a persistable idle point. The host always persists
	// here; the write itself completes after the will-persist callbacks
	// fire, so observers must not assume durability when notified.
	Checkpoint(ctx context.Context) error

	// Sleep is a durable delay. The wake deadline is persisted, so the
	// instance can be unloaded and reloaded mid-delay and the remaining
	// duration still elapses correctly.
	Sleep(ctx context.Context, d time.Duration) error

	// AwaitBookmark parks the instance at a named suspension point until
	// external input resumes it with a value, recording the bookmark as
	// active in the persisted record.
	AwaitBookmark(ctx context.Context, name string) (any, error)

	// Logger returns a logger carrying the instance and transaction
	// correlation fields.
	Logger() Logger
}

// BagInt coerces a property-bag value to int, tolerating the float64 shape
// JSON reloads produce. Missing or non-numeric values return fallback.
func BagInt(scope Scope, name string, fallback int) int {
	raw, ok := scope.Get(name)
	if !ok {
		return fallback
	}
	switch v := raw.(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return fallback
	}
}

// BagDuration coerces a property-bag value to a duration stored in
// nanoseconds. Missing or non-numeric values return fallback.
func BagDuration(scope Scope, name string, fallback time.Duration) time.Duration {
	raw, ok := scope.Get(name)
	if !ok {
		return fallback
	}
	switch v := raw.(type) {
	case time.Duration:
		return v
	case int64:
		return time.Duration(v)
	case float64:
		return time.Duration(int64(v))
	default:
		return fallback
	}
}

// BagTime coerces a property-bag value to a time stored as RFC3339Nano.
func BagTime(scope Scope, name string) (time.Time, bool) {
	raw, ok := scope.Get(name)
	if !ok {
		return time.Time{}, false
	}
	switch v := raw.(type) {
	case time.Time:
		return v, true
	case string:
		if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}
