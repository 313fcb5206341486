package devloop

import (
	"sync"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
)

// CloudEvent is an alias for the CloudEvents Event type for convenience.
type CloudEvent = cloudevents.Event

// Scan lifecycle event types.
const (
	EventScanStarted   = "com.devloop.scan.started"
	EventRestart       = "com.devloop.scan.restart"
	EventNoop          = "com.devloop.scan.noop"
	EventHotSwap       = "com.devloop.scan.hotswap"
	EventCompileFailed = "com.devloop.scan.compilefailed"
)

// eventSource identifies this subsystem in emitted events.
const eventSource = "devloop/scan-coordinator"

// EventObserver receives scan lifecycle events.
type EventObserver func(event CloudEvent)

// EventSink fans scan lifecycle events out to registered observers.
type EventSink struct {
	mu        sync.RWMutex
	observers []EventObserver
}

// NewEventSink returns a sink with no observers.
func NewEventSink() *EventSink {
	return &EventSink{}
}

// Subscribe registers an observer for all emitted events.
func (s *EventSink) Subscribe(observer EventObserver) {
	s.mu.Lock()
	s.observers = append(s.observers, observer)
	s.mu.Unlock()
}

// Emit builds a CloudEvent of the given type and delivers it synchronously to
// every observer.
func (s *EventSink) Emit(eventType string, data map[string]any) error {
	s.mu.RLock()
	observers := make([]EventObserver, len(s.observers))
	copy(observers, s.observers)
	s.mu.RUnlock()
	if len(observers) == 0 {
		return ErrNoEventSink
	}

	event := NewScanEvent(eventType, data)
	for _, observer := range observers {
		observer(event)
	}
	return nil
}

// NewScanEvent creates a properly formed CloudEvent for the scan lifecycle.
func NewScanEvent(eventType string, data map[string]any) CloudEvent {
	event := cloudevents.NewEvent()
	event.SetID(generateEventID())
	event.SetSource(eventSource)
	event.SetType(eventType)
	event.SetTime(time.Now())
	event.SetSpecVersion(cloudevents.VersionV1)
	if data != nil {
		_ = event.SetData(cloudevents.ApplicationJSON, data)
	}
	return event
}

// generateEventID generates a unique identifier using UUIDv7, which embeds a
// timestamp and so keeps event IDs time ordered.
func generateEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// Fallback to v4 if v7 fails for any reason
		id = uuid.New()
	}
	return id.String()
}
