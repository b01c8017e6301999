package host

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	durable "github.com/goliatone/go-durable"
	"github.com/goliatone/go-durable/store"
)

const sleepKeyPrefix = "durable.sleep."

// executionScope is the Scope implementation handed to a running work unit.
// Bag access is safe for the executing goroutine plus controller snapshots.
type executionScope struct {
	controller *Controller
	id         uuid.UUID
	logger     durable.Logger

	mu              sync.Mutex
	bag             map[string]any
	activeBookmarks []string
	sleepSeq        int

	event      *durable.EventEnvelope
	subscriber *durable.Subscriber

	pendingResume  map[string]any
	resumeConsumed chan string
}

func newScope(c *Controller, id uuid.UUID) (*executionScope, error) {
	sc := &executionScope{
		controller:     c,
		id:             id,
		bag:            make(map[string]any),
		event:          c.event,
		subscriber:     c.subscriber,
		pendingResume:  make(map[string]any),
		resumeConsumed: make(chan string, 1),
	}
	if c.event != nil {
		raw, err := json.Marshal(c.event)
		if err != nil {
			return nil, durable.NewError(durable.ErrSerializationFailed,
				"event argument does not serialize", err, nil)
		}
		sc.bag[durable.DataEventArgument] = string(raw)
	}
	if c.subscriber != nil {
		raw, err := json.Marshal(c.subscriber)
		if err != nil {
			return nil, durable.NewError(durable.ErrSerializationFailed,
				"subscriber argument does not serialize", err, nil)
		}
		sc.bag[durable.SubscriberArgument] = string(raw)
	}
	sc.logger = sc.buildLogger()
	return sc, nil
}

func newScopeFromRecord(c *Controller, rec *store.InstanceRecord) *executionScope {
	sc := &executionScope{
		controller:      c,
		id:              rec.InstanceID,
		bag:             make(map[string]any, len(rec.Bag)),
		activeBookmarks: append([]string(nil), rec.ActiveBookmarks...),
		pendingResume:   make(map[string]any),
		resumeConsumed:  make(chan string, 1),
	}
	for k, v := range rec.Bag {
		sc.bag[k] = v
	}
	if raw, ok := sc.bag[durable.DataEventArgument].(string); ok && raw != "" {
		var env durable.EventEnvelope
		if err := json.Unmarshal([]byte(raw), &env); err == nil {
			sc.event = &env
		}
	}
	if raw, ok := sc.bag[durable.SubscriberArgument].(string); ok && raw != "" {
		var sub durable.Subscriber
		if err := json.Unmarshal([]byte(raw), &sub); err == nil {
			sc.subscriber = &sub
		}
	}
	sc.logger = sc.buildLogger()
	return sc
}

func (sc *executionScope) buildLogger() durable.Logger {
	fields := map[string]any{
		"instance_id": sc.id.String(),
		"work_unit":   sc.controller.unit.Identity().String(),
	}
	if sc.event != nil && sc.event.SourceTransactionID != "" {
		fields["transaction_id"] = sc.event.SourceTransactionID
	}
	return durable.LoggerWithFields(sc.controller.logger, fields)
}

func (sc *executionScope) InstanceID() uuid.UUID { return sc.id }

func (sc *executionScope) Event() *durable.EventEnvelope { return sc.event }

func (sc *executionScope) Subscriber() *durable.Subscriber { return sc.subscriber }

func (sc *executionScope) Logger() durable.Logger { return sc.logger }

func (sc *executionScope) Get(name string) (any, bool) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	v, ok := sc.bag[name]
	return v, ok
}

func (sc *executionScope) Set(name string, value any) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.bag[name] = value
}

func (sc *executionScope) Delete(name string) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	delete(sc.bag, name)
}

// Checkpoint persists the current bag and bookmark set. When the controller
// is configured to unload on idle, the instance is released and execution
// unwinds through the unloading sentinel.
func (sc *executionScope) Checkpoint(ctx context.Context) error {
	return sc.controller.checkpoint(ctx, sc)
}

// Sleep is a durable delay. The wake deadline is written to the bag keyed by
// the sleep's ordinal within this execution, so a reloaded re-run computes
// the remaining duration instead of restarting the full delay. Re-entrancy
// requires sleeps to occur in the same order on every re-execution.
func (sc *executionScope) Sleep(ctx context.Context, d time.Duration) error {
	sc.mu.Lock()
	sc.sleepSeq++
	key := fmt.Sprintf("%s%d", sleepKeyPrefix, sc.sleepSeq)
	sc.mu.Unlock()

	wake, ok := durable.BagTime(sc, key)
	if !ok {
		if d <= 0 {
			return nil
		}
		wake = sc.controller.now().Add(d)
		sc.Set(key, wake.Format(time.RFC3339Nano))
		if err := sc.Checkpoint(ctx); err != nil {
			return err
		}
	}

	if remaining := wake.Sub(sc.controller.now()); remaining > 0 {
		timer := time.NewTimer(remaining)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	sc.Delete(key)
	return nil
}

// AwaitBookmark parks the instance at a named suspension point. The bookmark
// is recorded and persisted, then the instance always unloads; delivery
// happens through a later ReloadAndResumeBookmark, which stages the value so
// the re-run picks it up the moment it reaches this call again.
func (sc *executionScope) AwaitBookmark(ctx context.Context, name string) (any, error) {
	if strings.TrimSpace(name) == "" {
		return nil, durable.NewError(durable.ErrInvalidArgument, "bookmark name is required", nil, nil)
	}

	sc.mu.Lock()
	if value, ok := sc.pendingResume[name]; ok {
		delete(sc.pendingResume, name)
		sc.removeBookmarkLocked(name)
		sc.mu.Unlock()
		select {
		case sc.resumeConsumed <- name:
		default:
		}
		return value, nil
	}
	sc.addBookmarkLocked(name)
	sc.mu.Unlock()

	if err := sc.Checkpoint(ctx); err != nil {
		return nil, err
	}
	sc.controller.unload(ctx, sc)
	return nil, durable.ErrUnloading
}

func (sc *executionScope) addBookmarkLocked(name string) {
	for _, existing := range sc.activeBookmarks {
		if existing == name {
			return
		}
	}
	sc.activeBookmarks = append(sc.activeBookmarks, name)
}

func (sc *executionScope) removeBookmarkLocked(name string) {
	for i, existing := range sc.activeBookmarks {
		if existing == name {
			sc.activeBookmarks = append(sc.activeBookmarks[:i], sc.activeBookmarks[i+1:]...)
			return
		}
	}
}

func (sc *executionScope) hasBookmark(name string) bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	for _, existing := range sc.activeBookmarks {
		if existing == name {
			return true
		}
	}
	return false
}

func (sc *executionScope) stageResume(name string, value any) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.pendingResume[name] = value
}

func (sc *executionScope) snapshotRecord() *store.InstanceRecord {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	bag := make(map[string]any, len(sc.bag))
	for k, v := range sc.bag {
		bag[k] = v
	}
	return &store.InstanceRecord{
		InstanceID:      sc.id,
		Identity:        sc.controller.unit.Identity(),
		Bag:             bag,
		ActiveBookmarks: append([]string(nil), sc.activeBookmarks...),
		CurrentMachine:  sc.controller.owner.MachineName,
	}
}
