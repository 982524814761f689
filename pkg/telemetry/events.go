package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event represents a plugin lifecycle event.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Plugin is the name of the plugin the event concerns.
	Plugin string `json:"plugin,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// Event types published by the registry and the command bridge.
const (
	EventTypePluginInitialized = "plugin.initialized"
	EventTypePluginInitFailed  = "plugin.init_failed"
	EventTypePluginUnloaded    = "plugin.unloaded"
	EventTypeCommandExecuted   = "cli.executed"
)

// Event severity levels.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher delivers lifecycle events to subscribers.
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
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())

	ep := &EventPublisher{
		config: cfg,
		buffer: make(chan Event, cfg.BufferSize),
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.EnableAsync {
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers. A nil or disabled publisher
// drops the event.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Level == "" {
		event.Level = EventLevelInfo
	}

	ep.mu.RLock()
	for _, filter := range ep.filters {
		if !filter(event) {
			ep.mu.RUnlock()
			return nil
		}
	}
	ep.mu.RUnlock()

	if ep.config.EnableAsync {
		select {
		case ep.buffer <- event:
			return nil
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	ep.deliverEvent(event)
	return nil
}

// PublishPluginInitialized publishes a plugin initialized event.
func (ep *EventPublisher) PublishPluginInitialized(plugin string, items int) error {
	return ep.Publish(Event{
		Type:    EventTypePluginInitialized,
		Plugin:  plugin,
		Message: fmt.Sprintf("Plugin %s initialized with %d items", plugin, items),
		Data: map[string]interface{}{
			"items": items,
		},
	})
}

// PublishPluginInitFailed publishes a failed initialization event.
func (ep *EventPublisher) PublishPluginInitFailed(plugin, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypePluginInitFailed,
		Plugin:  plugin,
		Level:   EventLevelError,
		Message: fmt.Sprintf("Plugin %s failed to initialize: %s", plugin, reason),
	})
}

// PublishPluginUnloaded publishes a plugin unloaded event.
func (ep *EventPublisher) PublishPluginUnloaded(plugin string) error {
	return ep.Publish(Event{
		Type:    EventTypePluginUnloaded,
		Plugin:  plugin,
		Message: fmt.Sprintf("Plugin %s unloaded", plugin),
	})
}

// PublishCommandExecuted publishes a cli_run invocation event.
func (ep *EventPublisher) PublishCommandExecuted(plugin, command, outcome string) error {
	level := EventLevelInfo
	if outcome != OutcomeSuccess {
		level = EventLevelWarning
	}
	return ep.Publish(Event{
		Type:    EventTypeCommandExecuted,
		Plugin:  plugin,
		Level:   level,
		Message: fmt.Sprintf("Plugin %s ran %s (%s)", plugin, command, outcome),
		Data: map[string]interface{}{
			"command": command,
			"outcome": outcome,
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

// processEvents drains the buffer and delivers events in batches.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	batch := make([]Event, 0, ep.config.MaxBatchSize)

	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)

			// Deliver when the batch is full or nothing else is waiting.
			if len(batch) >= ep.config.MaxBatchSize || len(ep.buffer) == 0 {
				ep.flushBatch(batch)
				batch = make([]Event, 0, ep.config.MaxBatchSize)
			}

		case <-ep.ctx.Done():
			for {
				select {
				case event := <-ep.buffer:
					batch = append(batch, event)
				default:
					ep.flushBatch(batch)
					return
				}
			}
		}
	}
}

// flushBatch delivers a batch of events to subscribers.
func (ep *EventPublisher) flushBatch(events []Event) {
	for _, event := range events {
		ep.deliverEvent(event)
	}
}

// deliverEvent delivers an event to all subscribers in registration order.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown stops the publisher after delivering buffered events.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	ep.cancel()

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

// FilterByPlugin creates a filter that only allows events for one plugin.
func FilterByPlugin(plugin string) EventFilter {
	return func(event Event) bool {
		return event.Plugin == plugin
	}
}
