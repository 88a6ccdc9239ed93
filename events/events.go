package events

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/agentops/agent-monitor/rules"
)

var (
	// ErrBusClosed indicates the event bus has been closed.
	ErrBusClosed = errors.New("event bus is closed")
	// ErrChannelFull indicates the event channel is full and cannot accept more events.
	ErrChannelFull = errors.New("event channel is full")
	// ErrNoHandler indicates no handlers are registered for the event type.
	ErrNoHandler = errors.New("no handlers registered for event type")
	// ErrEmptyFilter indicates a filtered subscription was attempted without an expression.
	ErrEmptyFilter = errors.New("filter expression is empty")
)

// Event types published by the monitoring core.
const (
	EventAgentStatusChanged      = "agent_status_changed"
	EventWorkflowProgressChanged = "workflow_progress_changed"
	EventExecutionUpdated        = "execution_updated"
	EventCallbackReceived        = "callback_received"
	EventAgentTimeout            = "agent_timeout"
	EventCircuitStateChanged     = "circuit_state_changed"
)

// Event is a monitoring event. Depending on the type, some of the identifying
// fields may be empty.
type Event struct {
	Type          string                 // e.g., "agent_status_changed"
	WorkflowID    string                 // workflow the event belongs to, if any
	CorrelationID string                 // execution the event belongs to, if any
	AgentID       string                 // agent the event belongs to, if any
	Data          map[string]interface{} // additional event data
}

// EventHandler defines the interface for handling events.
type EventHandler interface {
	Handle(ctx context.Context, event Event) error
}

// EventHandlerFunc is a function adapter for EventHandler.
type EventHandlerFunc func(ctx context.Context, event Event) error

// Handle implements the EventHandler interface.
func (f EventHandlerFunc) Handle(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// filteredHandler wraps a handler with an expression evaluated against the
// event; the inner handler only runs when the expression is true.
type filteredHandler struct {
	expression string
	evaluator  rules.Evaluator
	inner      EventHandler
}

func (f *filteredHandler) Handle(ctx context.Context, event Event) error {
	env := map[string]interface{}{
		"type":           event.Type,
		"workflow_id":    event.WorkflowID,
		"correlation_id": event.CorrelationID,
		"agent_id":       event.AgentID,
		"data":           event.Data,
	}
	match, err := f.evaluator.Evaluate(f.expression, env)
	if err != nil {
		return fmt.Errorf("filter '%s': %w", f.expression, err)
	}
	if !match {
		return nil
	}
	return f.inner.Handle(ctx, event)
}

// EventBus manages event subscriptions and publishing.
type EventBus struct {
	handlers     map[string][]EventHandler
	mu           sync.RWMutex
	eventCh      chan Event
	errHandler   func(event Event, err error)
	errHandlerMu sync.RWMutex
	wg           sync.WaitGroup
	closed       bool
	closeMu      sync.RWMutex
}

// EventBusOption defines functional options for configuring EventBus.
type EventBusOption func(*EventBus)

// WithBufferSize sets the event channel buffer size.
func WithBufferSize(size int) EventBusOption {
	return func(eb *EventBus) {
		eb.eventCh = make(chan Event, size)
	}
}

// WithErrorHandler sets a custom error handler function.
func WithErrorHandler(handler func(event Event, err error)) EventBusOption {
	return func(eb *EventBus) {
		eb.errHandlerMu.Lock()
		defer eb.errHandlerMu.Unlock()
		eb.errHandler = handler
	}
}

// NewEventBus creates a new EventBus instance with async processing.
// The default buffer size is 100; use options to customize buffer size or
// error handling.
func NewEventBus(options ...EventBusOption) *EventBus {
	eb := &EventBus{
		handlers:   make(map[string][]EventHandler),
		eventCh:    make(chan Event, 100),
		errHandler: defaultErrorHandler,
	}

	for _, option := range options {
		option(eb)
	}

	eb.wg.Add(1)
	go eb.processEvents()

	return eb
}

// Subscribe subscribes a handler to an event type.
func (eb *EventBus) Subscribe(eventType string, handler EventHandler) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.handlers[eventType] = append(eb.handlers[eventType], handler)
}

// SubscribeFunc subscribes a function as a handler to an event type.
func (eb *EventBus) SubscribeFunc(eventType string, handlerFunc func(ctx context.Context, event Event) error) {
	eb.Subscribe(eventType, EventHandlerFunc(handlerFunc))
}

// SubscribeFiltered subscribes a handler invoked only for events matching the
// given boolean expression. The expression is evaluated against a map with
// keys "type", "workflow_id", "correlation_id", "agent_id" and "data".
func (eb *EventBus) SubscribeFiltered(eventType, expression string, evaluator rules.Evaluator, handler EventHandler) error {
	if expression == "" {
		return ErrEmptyFilter
	}
	if evaluator == nil {
		return errors.New("evaluator is required")
	}
	eb.Subscribe(eventType, &filteredHandler{
		expression: expression,
		evaluator:  evaluator,
		inner:      handler,
	})
	return nil
}

// Unsubscribe removes a specific handler from an event type. Returns true if
// the handler was found and removed. If no handlers remain for the event
// type, the entry is deleted.
func (eb *EventBus) Unsubscribe(eventType string, handler EventHandler) bool {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	handlers, exists := eb.handlers[eventType]
	if !exists {
		return false
	}

	for i, h := range handlers {
		if fmt.Sprintf("%p", h) == fmt.Sprintf("%p", handler) { // compare pointer address
			handlers[i] = handlers[len(handlers)-1]
			eb.handlers[eventType] = handlers[:len(handlers)-1]
			if len(eb.handlers[eventType]) == 0 {
				delete(eb.handlers, eventType)
			}
			return true
		}
	}
	return false
}

// HasSubscribers checks if there are any subscribers for a given event type.
func (eb *EventBus) HasSubscribers(eventType string) bool {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	handlers, exists := eb.handlers[eventType]
	return exists && len(handlers) > 0
}

// Publish publishes an event asynchronously to all subscribed handlers.
// Returns an error if the context is canceled, the bus is closed, or the
// channel is full. Handlers are invoked in a separate goroutine.
func (eb *EventBus) Publish(ctx context.Context, event Event) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	eb.mu.RLock()
	_, hasHandlers := eb.handlers[event.Type]
	eb.mu.RUnlock()

	if !hasHandlers {
		return ErrNoHandler
	}

	// Hold the read lock across the send so a concurrent Stop cannot close
	// the channel mid-send. The send never blocks, so Stop is not starved.
	eb.closeMu.RLock()
	defer eb.closeMu.RUnlock()
	if eb.closed {
		return ErrBusClosed
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case eb.eventCh <- event:
		return nil
	default:
		return ErrChannelFull
	}
}

// PublishSync publishes an event synchronously and returns all handler errors.
// Execution is subject to a 5-second timeout unless the context specifies
// otherwise.
func (eb *EventBus) PublishSync(ctx context.Context, event Event) []error {
	eb.closeMu.RLock()
	if eb.closed {
		eb.closeMu.RUnlock()
		return []error{ErrBusClosed}
	}
	eb.closeMu.RUnlock()

	eb.mu.RLock()
	handlers, ok := eb.handlers[event.Type]
	eb.mu.RUnlock()

	if !ok || len(handlers) == 0 {
		return []error{ErrNoHandler}
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return eb.executeHandlers(timeoutCtx, handlers, event)
}

// Stop stops the event processing goroutine and waits for completion. Any
// unprocessed events are discarded to ensure a clean shutdown.
func (eb *EventBus) Stop() {
	eb.closeMu.Lock()
	if !eb.closed {
		eb.closed = true
		// Drain remaining events to prevent blocking
		for len(eb.eventCh) > 0 {
			<-eb.eventCh
		}
		close(eb.eventCh)
	}
	eb.closeMu.Unlock()

	eb.wg.Wait()
}

// processEvents handles events asynchronously in a separate goroutine.
func (eb *EventBus) processEvents() {
	defer eb.wg.Done()

	for event := range eb.eventCh {
		eb.mu.RLock()
		handlers, ok := eb.handlers[event.Type]
		eb.mu.RUnlock()

		if !ok || len(handlers) == 0 {
			continue
		}

		errs := eb.executeHandlers(context.Background(), handlers, event)

		eb.errHandlerMu.RLock()
		handler := eb.errHandler
		eb.errHandlerMu.RUnlock()

		for _, err := range errs {
			handler(event, err)
		}
	}
}

// executeHandlers executes all handlers for an event and collects errors.
// Handlers run concurrently; the function waits for all to complete.
func (eb *EventBus) executeHandlers(ctx context.Context, handlers []EventHandler, event Event) []error {
	var wg sync.WaitGroup
	errCh := make(chan error, len(handlers))

	for _, handler := range handlers {
		wg.Add(1)
		go func(h EventHandler) {
			defer wg.Done()
			if err := h.Handle(ctx, event); err != nil {
				errCh <- err
			}
		}(handler)
	}

	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}

	return errs
}

// defaultErrorHandler logs errors with stack traces for debugging.
func defaultErrorHandler(event Event, err error) {
	fmt.Printf("Error handling event %s (workflow %s): %v\nStack: %s\n",
		event.Type, event.WorkflowID, err, debug.Stack())
}
