// Package notify delivers execution results to downstream notification
// targets. Outbound calls go through the notification-class circuit breaker,
// which is stricter than the datastore one: repeatedly hammering an unhealthy
// downstream notifier helps nobody.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/agentops/agent-monitor/events"
	"github.com/agentops/agent-monitor/resilience"
	"github.com/agentops/agent-monitor/slogger"
	"github.com/agentops/agent-monitor/types"
)

// DefaultRequestTimeout bounds a single dispatch request.
const DefaultRequestTimeout = 10 * time.Second

// Dispatcher delivers a result payload to a target URL.
type Dispatcher interface {
	Dispatch(ctx context.Context, target string, payload map[string]interface{}) error
}

// HTTPDispatcher posts JSON payloads to the target URL.
type HTTPDispatcher struct {
	client *http.Client
	logger slogger.Logger
}

// NewHTTPDispatcher creates an HTTPDispatcher with the given per-request
// timeout (DefaultRequestTimeout when zero).
func NewHTTPDispatcher(timeout time.Duration, logger slogger.Logger) *HTTPDispatcher {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	if logger == nil {
		logger = slogger.DefaultLogger
	}
	return &HTTPDispatcher{
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// Dispatch posts the payload to the target. A 5xx response reports the target
// as unavailable (transient); a 4xx response reports the payload as rejected
// (permanent).
func (d *HTTPDispatcher) Dispatch(ctx context.Context, target string, payload map[string]interface{}) error {
	if target == "" {
		return errors.New("notification target cannot be empty")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal notification payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("notification request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return fmt.Errorf("notification target unavailable: status %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return fmt.Errorf("notification rejected: status %d", resp.StatusCode)
	}

	d.logger.Debug("notification delivered", "target", target, "status", resp.StatusCode)
	return nil
}

// Notifier glues terminal execution transitions to the dispatcher via an
// event subscription.
type Notifier struct {
	dispatcher Dispatcher
	res        *resilience.ErrorHandler
	logger     slogger.Logger
}

// NewNotifier creates a Notifier.
func NewNotifier(dispatcher Dispatcher, res *resilience.ErrorHandler, logger slogger.Logger) (*Notifier, error) {
	if dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}
	if logger == nil {
		logger = slogger.DefaultLogger
	}
	if res == nil {
		res = resilience.NewErrorHandler(logger)
	}
	return &Notifier{dispatcher: dispatcher, res: res, logger: logger}, nil
}

// Attach subscribes the notifier to execution updates on the bus. Only
// terminal executions with a notification target are dispatched.
func (n *Notifier) Attach(bus *events.EventBus) {
	bus.SubscribeFunc(events.EventExecutionUpdated, func(ctx context.Context, event events.Event) error {
		status, _ := event.Data["status"].(string)
		target, _ := event.Data["notification_target"].(string)
		if target == "" || !types.IsTerminalExecutionStatus(status) {
			return nil
		}
		return n.Notify(ctx, target, event.CorrelationID, event.Data)
	})
}

// Notify dispatches one result payload through the notification-class
// resilience path.
func (n *Notifier) Notify(ctx context.Context, target, correlationID string, data map[string]interface{}) error {
	payload := map[string]interface{}{
		"correlation_id": correlationID,
		"status":         data["status"],
		"response_data":  data["response_data"],
		"error_details":  data["error_details"],
		"duration_ms":    data["duration_ms"],
	}

	err := n.res.ExecuteNotificationOperation(ctx, "dispatch_notification", func(ctx context.Context) error {
		return n.dispatcher.Dispatch(ctx, target, payload)
	})
	if err != nil {
		n.logger.Warn("notification dispatch failed",
			"correlation_id", correlationID, "target", target, "error", err)
		return err
	}
	return nil
}
