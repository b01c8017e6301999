package dispatcher

import (
	"context"
	"sync"

	durable "github.com/goliatone/go-durable"
)

// Queue is the durable hand-off between event observation and subscriber
// notification. Implementations must deliver each notification exactly once
// to a dequeuer.
type Queue interface {
	Enqueue(ctx context.Context, n *durable.Notification) error

	// Dequeue blocks until a notification is available or ctx is done.
	Dequeue(ctx context.Context) (*durable.Notification, error)
}

// DefaultQueueCapacity is the buffered depth of the in-memory queue.
const DefaultQueueCapacity = 128

// MemoryQueue is a channel-backed queue for single-process deployments.
type MemoryQueue struct {
	ch chan *durable.Notification

	mu     sync.Mutex
	closed bool
}

// NewMemoryQueue builds a queue; capacity <= 0 uses the default.
func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &MemoryQueue{ch: make(chan *durable.Notification, capacity)}
}

// Enqueue adds a notification, blocking while the queue is full.
func (q *MemoryQueue) Enqueue(ctx context.Context, n *durable.Notification) error {
	if err := n.Validate(); err != nil {
		return err
	}
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return durable.NewError(durable.ErrInvalidState, "queue is closed", nil, nil)
	}
	select {
	case q.ch <- n:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dequeue blocks until a notification arrives.
func (q *MemoryQueue) Dequeue(ctx context.Context) (*durable.Notification, error) {
	select {
	case n, ok := <-q.ch:
		if !ok {
			return nil, durable.NewError(durable.ErrInvalidState, "queue is closed", nil, nil)
		}
		return n, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Len reports the buffered depth.
func (q *MemoryQueue) Len() int { return len(q.ch) }

// Close stops the queue. Pending notifications drain; new enqueues fail.
func (q *MemoryQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}

// Consumer pulls notifications one at a time and hands each to the
// dispatcher. A failed notification is logged and dropped from the queue;
// whether the work is retried is the controller's and retry wrapper's call.
type Consumer struct {
	queue   Queue
	handler func(ctx context.Context, n *durable.Notification) error
	logger  durable.Logger

	wg sync.WaitGroup
}

// NewConsumer builds a consumer feeding handler.
func NewConsumer(queue Queue, handler func(ctx context.Context, n *durable.Notification) error, logger durable.Logger) (*Consumer, error) {
	if queue == nil {
		return nil, durable.NewError(durable.ErrInvalidArgument, "queue is required", nil, nil)
	}
	if handler == nil {
		return nil, durable.NewError(durable.ErrInvalidArgument, "handler is required", nil, nil)
	}
	return &Consumer{
		queue:   queue,
		handler: handler,
		logger:  durable.NormalizeLogger(logger),
	}, nil
}

// Start launches the consume loop. It stops when ctx is canceled or the
// queue closes.
func (c *Consumer) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			n, err := c.queue.Dequeue(ctx)
			if err != nil {
				if ctx.Err() == nil {
					c.logger.Warn("notification dequeue stopped: %v", err)
				}
				return
			}
			if err := c.handler(ctx, n); err != nil {
				c.logger.Error("notification for subscriber %q failed: %v",
					n.Subscriber.Name, err)
			}
		}
	}()
}

// Wait blocks until the consume loop exits.
func (c *Consumer) Wait() {
	c.wg.Wait()
}
