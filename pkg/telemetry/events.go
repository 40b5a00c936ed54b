package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/slateboard/slateboard/pkg/engine"
)

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// subscriberBuffer is the channel capacity given to each subscriber. A
// subscriber that falls further behind than this drops events rather than
// stalling delivery to the others.
const subscriberBuffer = 16

// EventPublisher implements engine.EventPublisher with an in-process
// buffered fan-out. Subscribers receive events on their own channel and
// can filter at subscription time.
type EventPublisher struct {
	config EventsConfig
	buffer chan *engine.Event

	mu   sync.RWMutex
	subs map[<-chan *engine.Event]*subscription

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

type subscription struct {
	ch     chan *engine.Event
	filter engine.EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	ctx, cancel := context.WithCancel(context.Background())

	ep := &EventPublisher{
		config: cfg,
		buffer: make(chan *engine.Event, cfg.BufferSize),
		subs:   make(map[<-chan *engine.Event]*subscription),
		ctx:    ctx,
		cancel: cancel,
	}

	if !cfg.Enabled {
		return ep, nil
	}

	// Start the event processing goroutine
	if cfg.EnableAsync {
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish publishes an event to all matching subscribers. In async mode the
// event is buffered and delivered by a background goroutine; a full buffer
// drops the event instead of blocking the caller.
func (ep *EventPublisher) Publish(ctx context.Context, event *engine.Event) error {
	if !ep.config.Enabled {
		return nil
	}

	// Set ID and timestamp if not already set
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if ep.config.EnableAsync {
		select {
		case ep.buffer <- event:
			return nil
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		case <-ctx.Done():
			return ctx.Err()
		default:
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	// Synchronous publishing
	ep.deliver(event)
	return nil
}

// Subscribe registers a new subscriber and returns its receive channel.
// A nil filter receives every event. The subscription is removed when ctx
// is cancelled or Unsubscribe is called with the returned channel.
func (ep *EventPublisher) Subscribe(ctx context.Context, filter engine.EventFilter) (<-chan *engine.Event, error) {
	if !ep.config.Enabled {
		return nil, fmt.Errorf("event publisher is disabled")
	}

	sub := &subscription{
		ch:     make(chan *engine.Event, subscriberBuffer),
		filter: filter,
	}
	recv := (<-chan *engine.Event)(sub.ch)

	ep.mu.Lock()
	ep.subs[recv] = sub
	ep.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			_ = ep.Unsubscribe(context.Background(), recv)
		case <-ep.ctx.Done():
		}
	}()

	return recv, nil
}

// Unsubscribe removes a subscription and closes its channel.
func (ep *EventPublisher) Unsubscribe(ctx context.Context, ch <-chan *engine.Event) error {
	ep.mu.Lock()
	sub, ok := ep.subs[ch]
	if !ok {
		ep.mu.Unlock()
		return fmt.Errorf("unknown event subscription")
	}
	delete(ep.subs, ch)
	ep.mu.Unlock()

	// No delivery can be in flight once the entry is gone from the map, so
	// closing here cannot race a send.
	close(sub.ch)
	return nil
}

// processEvents delivers buffered events until shutdown, then drains
// whatever is left in the buffer.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	for {
		select {
		case event := <-ep.buffer:
			ep.deliver(event)
		case <-ep.ctx.Done():
			for {
				select {
				case event := <-ep.buffer:
					ep.deliver(event)
				default:
					return
				}
			}
		}
	}
}

// deliver fans an event out to every matching subscriber. Sends are
// non-blocking: a subscriber with a full channel misses the event.
func (ep *EventPublisher) deliver(event *engine.Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, sub := range ep.subs {
		if sub.filter != nil && !sub.filter(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
		}
	}
}

// Shutdown gracefully shuts down the event publisher, draining the buffer
// and closing all subscriber channels.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.config.Enabled {
		return nil
	}

	// Signal shutdown
	ep.cancel()

	// Wait for processing to complete with timeout
	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}

	ep.mu.Lock()
	subs := make([]*subscription, 0, len(ep.subs))
	for ch, sub := range ep.subs {
		subs = append(subs, sub)
		delete(ep.subs, ch)
	}
	ep.mu.Unlock()

	for _, sub := range subs {
		close(sub.ch)
	}
	return nil
}

// PublishRunStarted publishes a run started event.
func (ep *EventPublisher) PublishRunStarted(ctx context.Context, runID, rootID, action string) error {
	return ep.Publish(ctx, &engine.Event{
		Type:     engine.EventTypeRunStarted,
		RunID:    runID,
		WidgetID: rootID,
		Message:  fmt.Sprintf("Run %s started: %s on %s", runID, action, rootID),
		Level:    EventLevelInfo,
		Details: map[string]interface{}{
			"action": action,
		},
	})
}

// PublishRunCompleted publishes a run completed event.
func (ep *EventPublisher) PublishRunCompleted(ctx context.Context, runID, status string, duration time.Duration) error {
	return ep.Publish(ctx, &engine.Event{
		Type:    engine.EventTypeRunCompleted,
		RunID:   runID,
		Message: fmt.Sprintf("Run %s completed with status: %s", runID, status),
		Level:   EventLevelInfo,
		Details: map[string]interface{}{
			"status":   status,
			"duration": duration.Seconds(),
		},
	})
}

// PublishRunFailed publishes a run failed event.
func (ep *EventPublisher) PublishRunFailed(ctx context.Context, runID, reason string) error {
	return ep.Publish(ctx, &engine.Event{
		Type:    engine.EventTypeRunFailed,
		RunID:   runID,
		Message: fmt.Sprintf("Run %s failed: %s", runID, reason),
		Level:   EventLevelError,
		Details: map[string]interface{}{
			"reason": reason,
		},
	})
}

// PublishWidgetStarted publishes a widget execution started event.
func (ep *EventPublisher) PublishWidgetStarted(ctx context.Context, runID, widgetID, action string) error {
	return ep.Publish(ctx, &engine.Event{
		Type:     engine.EventTypeWidgetStarted,
		RunID:    runID,
		WidgetID: widgetID,
		Message:  fmt.Sprintf("Widget %s started: %s", widgetID, action),
		Level:    EventLevelInfo,
		Details: map[string]interface{}{
			"action": action,
		},
	})
}

// PublishWidgetCompleted publishes a widget execution completed event.
func (ep *EventPublisher) PublishWidgetCompleted(ctx context.Context, runID, widgetID string, duration time.Duration) error {
	return ep.Publish(ctx, &engine.Event{
		Type:     engine.EventTypeWidgetCompleted,
		RunID:    runID,
		WidgetID: widgetID,
		Message:  fmt.Sprintf("Widget %s completed", widgetID),
		Level:    EventLevelInfo,
		Details: map[string]interface{}{
			"duration": duration.Seconds(),
		},
	})
}

// PublishWidgetFailed publishes a widget execution failed event.
func (ep *EventPublisher) PublishWidgetFailed(ctx context.Context, runID, widgetID, reason string) error {
	return ep.Publish(ctx, &engine.Event{
		Type:     engine.EventTypeWidgetFailed,
		RunID:    runID,
		WidgetID: widgetID,
		Message:  fmt.Sprintf("Widget %s failed: %s", widgetID, reason),
		Level:    EventLevelError,
		Details: map[string]interface{}{
			"reason": reason,
		},
	})
}

// PublishIntegrityFailure publishes a content integrity failure event.
func (ep *EventPublisher) PublishIntegrityFailure(ctx context.Context, widgetID, message string) error {
	return ep.Publish(ctx, &engine.Event{
		Type:     engine.EventTypeIntegrityFailure,
		WidgetID: widgetID,
		Message:  message,
		Level:    EventLevelError,
	})
}

// PublishPolicyViolation publishes a policy violation event.
func (ep *EventPublisher) PublishPolicyViolation(ctx context.Context, widgetID, policyName, reason string) error {
	return ep.Publish(ctx, &engine.Event{
		Type:     engine.EventTypePolicyViolation,
		WidgetID: widgetID,
		Message:  fmt.Sprintf("Policy violation: %s - %s", policyName, reason),
		Level:    EventLevelError,
		Details: map[string]interface{}{
			"policy": policyName,
			"reason": reason,
		},
	})
}

// PublishInfo publishes a free-form informational event.
func (ep *EventPublisher) PublishInfo(ctx context.Context, message string) error {
	return ep.Publish(ctx, &engine.Event{
		Type:    engine.EventTypeInfo,
		Message: message,
		Level:   EventLevelInfo,
	})
}

// PublishWarning publishes a free-form warning event.
func (ep *EventPublisher) PublishWarning(ctx context.Context, message string) error {
	return ep.Publish(ctx, &engine.Event{
		Type:    engine.EventTypeWarning,
		Message: message,
		Level:   EventLevelWarning,
	})
}

// Common event filters.

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) engine.EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}

	minLevelValue := levels[minLevel]

	return func(event *engine.Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...engine.EventType) engine.EventFilter {
	typeSet := make(map[engine.EventType]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event *engine.Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByRunID creates a filter that only allows events for a specific run.
func FilterByRunID(runID string) engine.EventFilter {
	return func(event *engine.Event) bool {
		return event.RunID == runID
	}
}

// FilterByWidgetID creates a filter that only allows events for a specific widget.
func FilterByWidgetID(widgetID string) engine.EventFilter {
	return func(event *engine.Event) bool {
		return event.WidgetID == widgetID
	}
}
