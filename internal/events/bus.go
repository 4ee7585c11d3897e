package events

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// EventBus manages event distribution to subscribers with filtering support.
//
// The EventBus decouples the orchestration core from every front end: the
// CLI, desktop, and terminal UIs all consume the same stream, as do logging
// and telemetry sinks.
//
// Thread Safety:
//   - All methods are safe for concurrent use
//   - Multiple goroutines can publish and subscribe simultaneously
//   - Non-blocking publish prevents slow subscribers from affecting publishers
//
// Slow Consumer Handling:
//   - Subscribers receive events through buffered channels
//   - If a subscriber's buffer is full, the oldest queued event is evicted
//     so the newest is kept (drop-oldest)
//   - Other subscribers are not affected by slow consumers
//   - Dropped events are logged via the error handler
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	// Returns an error only if the event bus is closed.
	// Never blocks on slow subscribers.
	Publish(ctx context.Context, event Event) error

	// Subscribe creates a subscription with optional filtering.
	// Returns a channel for receiving events and a cleanup function.
	// The cleanup function must be called to prevent resource leaks.
	Subscribe(ctx context.Context, filter Filter, bufferSize int) (<-chan Event, func())

	// Close shuts down the event bus and all subscriptions.
	// After Close returns, Publish will return an error.
	Close() error
}

// DefaultEventBus implements EventBus with buffered channels and non-blocking sends.
//
// Architecture:
//   - RWMutex for concurrent subscriber map access
//   - Map of subscriber IDs to subscription structs
//   - Each subscription has its own buffered channel
//   - Non-blocking sends with select/default pattern
type DefaultEventBus struct {
	mu          sync.RWMutex
	subscribers map[string]*subscription
	options     *eventBusOptions
	closed      bool
}

// subscription represents a single subscriber with filtering and lifecycle management.
type subscription struct {
	id       string
	ch       chan Event
	filter   Filter
	ctx      context.Context
	cancel   context.CancelFunc
	created  time.Time
	received atomic.Int64
	dropped  atomic.Int64
}

// eventBusOptions holds configuration for DefaultEventBus.
type eventBusOptions struct {
	defaultBufferSize int
	errorHandler      ErrorHandler
}

// ErrorHandler is called when an error occurs during event bus operations.
// Common uses: logging dropped events, subscription errors, publish failures.
type ErrorHandler func(err error, context map[string]interface{})

// Option is a functional option for configuring DefaultEventBus.
type Option func(*eventBusOptions)

// WithDefaultBufferSize sets the default buffer size for subscriber channels.
// This is used when Subscribe is called with bufferSize=0.
// Default: 100 events.
func WithDefaultBufferSize(size int) Option {
	return func(opts *eventBusOptions) {
		if size > 0 {
			opts.defaultBufferSize = size
		}
	}
}

// WithErrorHandler sets the error handler for event bus operations.
// The error handler is called for dropped events, subscription errors, etc.
// Default: no-op handler.
func WithErrorHandler(handler ErrorHandler) Option {
	return func(opts *eventBusOptions) {
		if handler != nil {
			opts.errorHandler = handler
		}
	}
}

// NewEventBus creates a new DefaultEventBus with the given options.
//
// Example:
//
//	bus := NewEventBus(
//		WithDefaultBufferSize(500),
//		WithErrorHandler(func(err error, ctx map[string]interface{}) {
//			slog.Warn("event bus error", "error", err, "context", ctx)
//		}),
//	)
//	defer bus.Close()
func NewEventBus(opts ...Option) *DefaultEventBus {
	options := &eventBusOptions{
		defaultBufferSize: 100,
		errorHandler:      noopErrorHandler,
	}

	for _, opt := range opts {
		opt(options)
	}

	return &DefaultEventBus{
		subscribers: make(map[string]*subscription),
		options:     options,
	}
}

// Publish sends an event to all matching subscribers.
//
// The event is sent to subscribers whose filters match the event's
// attributes. If a subscriber's channel is full, the oldest queued event
// is dropped for that subscriber to make room, so publishers never block
// and recent events survive overflow.
//
// Thread Safety: Safe for concurrent calls from multiple goroutines.
func (eb *DefaultEventBus) Publish(ctx context.Context, event Event) error {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if eb.closed {
		return fmt.Errorf("event bus is closed")
	}

	for _, sub := range eb.subscribers {
		select {
		case <-sub.ctx.Done():
			// Subscriber disconnected, will be cleaned up by unsubscribe
			continue
		default:
		}

		if !sub.filter.Matches(event) {
			continue
		}

		select {
		case sub.ch <- event:
			sub.received.Add(1)
		case <-ctx.Done():
			return ctx.Err()
		default:
			// Channel is full: evict the oldest queued event so the
			// newest is kept. Safe against channel close because
			// unsubscribe and Close require the write lock.
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- event:
				sub.received.Add(1)
			default:
			}
			sub.dropped.Add(1)
			eb.options.errorHandler(
				fmt.Errorf("dropped oldest event for slow subscriber"),
				map[string]interface{}{
					"subscriber_id": sub.id,
					"event_type":    event.Type,
					"session_id":    event.SessionID,
					"step_id":       event.StepID,
				},
			)
		}
	}

	return nil
}

// Subscribe creates a new subscription with optional filtering.
//
// The returned channel will receive events matching the filter criteria.
// The cleanup function must be called to unsubscribe and prevent resource leaks.
//
// Example:
//
//	events, cleanup := bus.Subscribe(ctx, Filter{
//		Types: []EventType{EventStepCompleted},
//	}, 0)
//	defer cleanup()
//
//	for event := range events {
//		// Process event
//	}
func (eb *DefaultEventBus) Subscribe(ctx context.Context, filter Filter, bufferSize int) (<-chan Event, func()) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if bufferSize <= 0 {
		bufferSize = eb.options.defaultBufferSize
	}

	subscriberID := generateSubscriberID()
	subCtx, cancel := context.WithCancel(ctx)

	sub := &subscription{
		id:      subscriberID,
		ch:      make(chan Event, bufferSize),
		filter:  filter,
		ctx:     subCtx,
		cancel:  cancel,
		created: time.Now(),
	}

	eb.subscribers[subscriberID] = sub

	cleanup := func() {
		eb.unsubscribe(subscriberID)
	}

	return sub.ch, cleanup
}

// unsubscribe removes a subscription and closes its channel.
func (eb *DefaultEventBus) unsubscribe(subscriberID string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	sub, exists := eb.subscribers[subscriberID]
	if !exists {
		return
	}

	sub.cancel()
	close(sub.ch)
	delete(eb.subscribers, subscriberID)
}

// Close shuts down the event bus and closes all subscriber channels.
//
// Close is idempotent; multiple calls are safe.
func (eb *DefaultEventBus) Close() error {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		return nil
	}

	eb.closed = true

	for id, sub := range eb.subscribers {
		sub.cancel()
		close(sub.ch)
		delete(eb.subscribers, id)
	}

	return nil
}

// SubscriberCount returns the current number of active subscribers.
// Useful for monitoring and testing.
func (eb *DefaultEventBus) SubscriberCount() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.subscribers)
}

// generateSubscriberID generates a unique subscriber ID.
// Uses timestamp + counter for uniqueness and readability.
var (
	subscriberCounter uint64
	subscriberMutex   sync.Mutex
)

func generateSubscriberID() string {
	subscriberMutex.Lock()
	defer subscriberMutex.Unlock()
	subscriberCounter++
	return fmt.Sprintf("sub-%d-%d", time.Now().UnixNano(), subscriberCounter)
}

// noopErrorHandler is the default error handler that does nothing.
func noopErrorHandler(err error, context map[string]interface{}) {}

// Ensure DefaultEventBus implements EventBus at compile time.
var _ EventBus = (*DefaultEventBus)(nil)
