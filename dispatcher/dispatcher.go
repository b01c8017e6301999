// Package dispatcher turns one observed domain event into independent
// durable notifications, one per enabled matching subscriber, and starts a
// fresh durable instance for each consumed notification.
package dispatcher

import (
	"context"
	"time"

	apperrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"

	durable "github.com/goliatone/go-durable"
	"github.com/goliatone/go-durable/host"
	"github.com/goliatone/go-durable/store"
)

// Starter builds and runs a durable instance for one notification.
type Starter interface {
	Start(ctx context.Context, n *durable.Notification) (uuid.UUID, error)
}

// OperationHook observes dispatcher operations for auditing. The transaction
// id correlates the hook call with every log line of the same event.
type OperationHook func(operation string, transactionID string, instanceID uuid.UUID, err error)

const (
	opChangeObserved   = "change_observed"
	opSubscriberNotify = "subscriber_notification"
)

// Dispatcher fans events out to subscribers and starts their work units.
type Dispatcher struct {
	queue       Queue
	subscribers Subscribers
	starter     Starter
	logger      durable.Logger
	now         func() time.Time

	operationStarted []OperationHook
	operationEnded   []OperationHook
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the dispatcher logger.
func WithLogger(logger durable.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithClock injects the time source. Test hook.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// OnOperationStarted registers an audit hook fired when an operation begins.
func OnOperationStarted(hook OperationHook) Option {
	return func(d *Dispatcher) {
		if hook != nil {
			d.operationStarted = append(d.operationStarted, hook)
		}
	}
}

// OnOperationEnded registers an audit hook fired when an operation finishes.
func OnOperationEnded(hook OperationHook) Option {
	return func(d *Dispatcher) {
		if hook != nil {
			d.operationEnded = append(d.operationEnded, hook)
		}
	}
}

// New builds a dispatcher over a queue, a subscriber source and a starter.
func New(queue Queue, subscribers Subscribers, starter Starter, opts ...Option) (*Dispatcher, error) {
	if queue == nil {
		return nil, durable.NewError(durable.ErrInvalidArgument, "queue is required", nil, nil)
	}
	if subscribers == nil {
		return nil, durable.NewError(durable.ErrInvalidArgument, "subscriber source is required", nil, nil)
	}
	if starter == nil {
		return nil, durable.NewError(durable.ErrInvalidArgument, "starter is required", nil, nil)
	}
	d := &Dispatcher{
		queue:       queue,
		subscribers: subscribers,
		starter:     starter,
		logger:      durable.NormalizeLogger(nil),
		now:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d, nil
}

// ChangeObserved accepts one event occurrence and enqueues one notification
// per enabled matching subscriber. An event nobody listens to is already
// handled: it logs a warning and succeeds.
func (d *Dispatcher) ChangeObserved(ctx context.Context, env *durable.EventEnvelope) error {
	if env == nil {
		return durable.NewError(durable.ErrInvalidArgument, "event envelope is required", nil, nil)
	}
	if err := env.Validate(); err != nil {
		return err
	}
	log := durable.LoggerWithFields(d.logger, map[string]any{
		"transaction_id": env.SourceTransactionID,
		"event":          env.SourceAPIName,
	})
	d.fireStarted(opChangeObserved, env.SourceTransactionID, uuid.Nil)

	matched := 0
	var errs error
	for _, sub := range d.subscribers.ForEvent(env.SourceAPIName) {
		if !sub.Enabled {
			log.Debug("subscriber %q is disabled, skipping", sub.Name)
			continue
		}
		n := &durable.Notification{
			Event:      env.Clone(),
			Subscriber: sub,
			CreatedAt:  d.now().UTC(),
		}
		if err := d.queue.Enqueue(ctx, n); err != nil {
			errs = apperrors.Join(errs, apperrors.Wrap(err, apperrors.CategoryExternal,
				"cannot enqueue notification").WithMetadata(map[string]any{
				"subscriber": sub.Name,
			}))
			continue
		}
		matched++
		log.Info("notification enqueued for subscriber %q", sub.Name)
	}

	if matched == 0 && errs == nil {
		log.Warn("no enabled subscribers for event %q, treating as handled", env.SourceAPIName)
	}
	d.fireEnded(opChangeObserved, env.SourceTransactionID, uuid.Nil, errs)
	return errs
}

// SubscriberNotification consumes one notification: it starts a fresh
// durable instance of the subscriber's work unit with the event and the
// subscriber as initial arguments.
func (d *Dispatcher) SubscriberNotification(ctx context.Context, n *durable.Notification) error {
	if err := n.Validate(); err != nil {
		return err
	}
	txID := n.Event.SourceTransactionID
	log := durable.LoggerWithFields(d.logger, map[string]any{
		"transaction_id": txID,
		"subscriber":     n.Subscriber.Name,
	})
	d.fireStarted(opSubscriberNotify, txID, uuid.Nil)

	id, err := d.starter.Start(ctx, n)
	if err != nil {
		log.Error("work unit start for %q failed: %v", n.Subscriber.WorkUnit, err)
	} else {
		log.Info("instance %s started for subscriber %q", id, n.Subscriber.Name)
	}
	d.fireEnded(opSubscriberNotify, txID, id, err)
	return err
}

// Handler adapts SubscriberNotification to the consumer callback shape.
func (d *Dispatcher) Handler() func(ctx context.Context, n *durable.Notification) error {
	return d.SubscriberNotification
}

func (d *Dispatcher) fireStarted(op, txID string, id uuid.UUID) {
	for _, hook := range d.operationStarted {
		hook(op, txID, id, nil)
	}
}

func (d *Dispatcher) fireEnded(op, txID string, id uuid.UUID, err error) {
	for _, hook := range d.operationEnded {
		hook(op, txID, id, err)
	}
}

// ControllerStarter is the production Starter: it resolves the subscriber's
// work unit and runs it under a fresh controller with the notification's
// event and subscriber as initial arguments.
type ControllerStarter struct {
	store    store.Store
	resolver func(durable.Identity) (durable.WorkUnit, error)
	hostOpts []host.Option
}

// NewControllerStarter builds a starter over st, resolving units through
// resolver. hostOpts are forwarded to every controller.
func NewControllerStarter(st store.Store, resolver func(durable.Identity) (durable.WorkUnit, error), hostOpts ...host.Option) (*ControllerStarter, error) {
	if st == nil {
		return nil, durable.NewError(durable.ErrInvalidArgument, "store is required", nil, nil)
	}
	if resolver == nil {
		return nil, durable.NewError(durable.ErrInvalidArgument, "resolver is required", nil, nil)
	}
	return &ControllerStarter{store: st, resolver: resolver, hostOpts: hostOpts}, nil
}

// Start resolves, builds and runs one controller. Each notification gets its
// own controller and its own instance id.
func (s *ControllerStarter) Start(ctx context.Context, n *durable.Notification) (uuid.UUID, error) {
	unit, err := s.resolver(n.Subscriber.WorkUnit)
	if err != nil {
		return uuid.Nil, err
	}
	sub := n.Subscriber
	opts := append([]host.Option{
		host.WithEvent(n.Event),
		host.WithSubscriber(&sub),
	}, s.hostOpts...)
	ctrl, err := host.New(s.store, unit, opts...)
	if err != nil {
		return uuid.Nil, err
	}
	if err := ctrl.Run(ctx); err != nil {
		return ctrl.InstanceID(), err
	}
	return ctrl.InstanceID(), nil
}
