package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event represents a telemetry event emitted by linkval.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies where the event originated.
	Source string `json:"source"`

	// SchemaID is the associated schema, if applicable.
	SchemaID string `json:"schema_id,omitempty"`

	// ClassName is the associated class, if applicable.
	ClassName string `json:"class_name,omitempty"`

	// Dependency is the guarded dependency, if applicable.
	Dependency string `json:"dependency,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// EventType constants for common event types.
const (
	EventTypeSchemaLoaded        = "schema.loaded"
	EventTypeValidatorCompiled   = "validator.compiled"
	EventTypeCompileFailed       = "validator.compile_failed"
	EventTypeCacheDegraded       = "cache.degraded"
	EventTypeWarmingCompleted    = "warming.completed"
	EventTypeCircuitStateChanged = "circuit.state_changed"
	EventTypePanicRecovered      = "panic.recovered"
	EventTypeError               = "error"
)

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher manages event publishing and subscriptions.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	filters     []EventFilter
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())

	ep := &EventPublisher{
		config:      cfg,
		buffer:      make(chan Event, cfg.BufferSize),
		subscribers: make([]subscriberEntry, 0),
		filters:     make([]EventFilter, 0),
		ctx:         ctx,
		cancel:      cancel,
	}

	if cfg.MinLevel != "" {
		ep.AddFilter(FilterByLevel(cfg.MinLevel))
	}

	// Start the event processing goroutine
	if cfg.EnableAsync {
		ep.wg.Add(1)
		go ep.processEvents()
	}

	// Start the periodic flush goroutine
	if cfg.FlushInterval > 0 {
		ep.wg.Add(1)
		go ep.periodicFlush()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
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

	// Apply global filters
	ep.mu.RLock()
	for _, filter := range ep.filters {
		if !filter(event) {
			ep.mu.RUnlock()
			return nil // Event filtered out
		}
	}
	ep.mu.RUnlock()

	// Send to buffer if async, otherwise process immediately
	if ep.config.EnableAsync {
		select {
		case ep.buffer <- event:
			return nil
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
			// Buffer full, drop event or log warning
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	// Synchronous publishing
	ep.deliverEvent(event)
	return nil
}

// PublishSchemaLoaded publishes a schema loaded event.
func (ep *EventPublisher) PublishSchemaLoaded(schemaID, schemaHash string, classes int) error {
	return ep.Publish(Event{
		Type:     EventTypeSchemaLoaded,
		Source:   "service",
		SchemaID: schemaID,
		Message:  fmt.Sprintf("Schema %s loaded with %d classes", schemaID, classes),
		Level:    EventLevelInfo,
		Data: map[string]interface{}{
			"schema_hash": schemaHash,
			"classes":     classes,
		},
	})
}

// PublishValidatorCompiled publishes a validator compiled event.
func (ep *EventPublisher) PublishValidatorCompiled(schemaID, className string, duration time.Duration) error {
	return ep.Publish(Event{
		Type:      EventTypeValidatorCompiled,
		Source:    "compiler",
		SchemaID:  schemaID,
		ClassName: className,
		Message:   fmt.Sprintf("Validator for %s compiled in %s", className, duration),
		Level:     EventLevelInfo,
		Data: map[string]interface{}{
			"duration_ms": duration.Milliseconds(),
		},
	})
}

// PublishCompileFailed publishes a validator compile failure event.
func (ep *EventPublisher) PublishCompileFailed(schemaID, className, reason string) error {
	return ep.Publish(Event{
		Type:      EventTypeCompileFailed,
		Source:    "compiler",
		SchemaID:  schemaID,
		ClassName: className,
		Message:   fmt.Sprintf("Validator for %s failed to compile: %s", className, reason),
		Level:     EventLevelError,
		Data: map[string]interface{}{
			"reason": reason,
		},
	})
}

// PublishCacheDegraded publishes an event when a cache tier is bypassed.
func (ep *EventPublisher) PublishCacheDegraded(tier, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypeCacheDegraded,
		Source:  "cache",
		Message: fmt.Sprintf("Cache tier %s unavailable, serving from fast tier only", tier),
		Level:   EventLevelWarning,
		Data: map[string]interface{}{
			"tier":   tier,
			"reason": reason,
		},
	})
}

// PublishWarmingCompleted publishes a warming cycle summary.
func (ep *EventPublisher) PublishWarmingCompleted(warmed, failed, skipped int, duration time.Duration) error {
	return ep.Publish(Event{
		Type:    EventTypeWarmingCompleted,
		Source:  "warmer",
		Message: fmt.Sprintf("Warming cycle warmed %d validators", warmed),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"warmed":      warmed,
			"failed":      failed,
			"skipped":     skipped,
			"duration_ms": duration.Milliseconds(),
		},
	})
}

// PublishCircuitStateChanged publishes a circuit breaker transition.
func (ep *EventPublisher) PublishCircuitStateChanged(dependency, oldState, newState string) error {
	level := EventLevelInfo
	if newState == "open" {
		level = EventLevelWarning
	}
	return ep.Publish(Event{
		Type:       EventTypeCircuitStateChanged,
		Source:     "guard",
		Dependency: dependency,
		Message:    fmt.Sprintf("Circuit for %s changed from %s to %s", dependency, oldState, newState),
		Level:      level,
		Data: map[string]interface{}{
			"old_state": oldState,
			"new_state": newState,
		},
	})
}

// PublishPanicRecovered publishes a captured panic.
func (ep *EventPublisher) PublishPanicRecovered(operation, message string, depth int) error {
	return ep.Publish(Event{
		Type:    EventTypePanicRecovered,
		Source:  "guard",
		Message: fmt.Sprintf("Recovered panic in %s", operation),
		Level:   EventLevelError,
		Data: map[string]interface{}{
			"operation": operation,
			"panic":     message,
			"depth":     depth,
		},
	})
}

// Subscribe adds a new event subscriber.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// AddFilter adds a global event filter.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.filters = append(ep.filters, filter)
}

// processEvents processes events from the buffer asynchronously.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	batch := make([]Event, 0, ep.config.MaxBatchSize)

	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)

			// Flush batch if it reaches max size
			if len(batch) >= ep.config.MaxBatchSize {
				ep.flushBatch(batch)
				batch = make([]Event, 0, ep.config.MaxBatchSize)
			}

		case <-ep.ctx.Done():
			// Flush remaining events before shutting down
			if len(batch) > 0 {
				ep.flushBatch(batch)
			}
			return
		}
	}
}

// periodicFlush flushes events periodically.
func (ep *EventPublisher) periodicFlush() {
	defer ep.wg.Done()

	ticker := time.NewTicker(ep.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Trigger flush by draining buffer
			// This is handled by the processEvents goroutine
		case <-ep.ctx.Done():
			return
		}
	}
}

// flushBatch delivers a batch of events to subscribers.
func (ep *EventPublisher) flushBatch(events []Event) {
	for _, event := range events {
		ep.deliverEvent(event)
	}
}

// deliverEvent delivers an event to all subscribers.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		// Apply subscriber-specific filter
		if entry.filter != nil && !entry.filter(event) {
			continue
		}

		// Call subscriber in a goroutine to avoid blocking
		go entry.subscriber(event)
	}
}

// Shutdown gracefully shuts down the event publisher.
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
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// Common event filters.

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}

	minLevelValue := levels[minLevel]

	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByDependency creates a filter that only allows events for a specific dependency.
func FilterByDependency(dependency string) EventFilter {
	return func(event Event) bool {
		return event.Dependency == dependency
	}
}
