package events

import (
	"encoding/json"
	"sync"
	"time"
)

// Process-local notifications about queue activity. They are not persisted;
// the durable queue lives in internal/worker.
const (
	EventRunCompleted    = "run_completed"
	EventRunFailed       = "run_failed"
	EventRunCancelled    = "run_cancelled"
	EventTenantInstalled = "tenant_installed"
)

// RunPayload describes a finished function run.
type RunPayload struct {
	Function   string        `json:"function"`
	EventID    string        `json:"event_id"`
	EventName  string        `json:"event_name"`
	TenantID   string        `json:"tenant_id"`
	Attempt    int           `json:"attempt"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration"`
	DeadLetter bool          `json:"dead_letter,omitempty"`
}

// TenantPayload is published once an installation completes.
type TenantPayload struct {
	TenantID string `json:"tenant_id"`
	Region   string `json:"region"`
}

// Event represents a lightweight process event.
type Event struct {
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// Decode unmarshals the payload into out.
func (e *Event) Decode(out any) error {
	return json.Unmarshal(e.Payload, out)
}

// EventHandler reacts to an event.
type EventHandler func(event *Event) error

// EventBus provides in-process pub/sub for events.
type EventBus struct {
	subscribers map[string][]EventHandler
	mu          sync.RWMutex
}

func NewEventBus() *EventBus {
	return &EventBus{subscribers: make(map[string][]EventHandler)}
}

// Subscribe registers a handler for a given event type.
func (b *EventBus) Subscribe(eventType string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], handler)
}

// Publish notifies subscribers of the event type synchronously. Handler
// errors are ignored.
func (b *EventBus) Publish(event *Event) {
	b.mu.RLock()
	handlers := append([]EventHandler(nil), b.subscribers[event.Type]...)
	b.mu.RUnlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	for _, handler := range handlers {
		_ = handler(event)
	}
}

// PublishJSON serializes the payload and publishes an event.
func (b *EventBus) PublishJSON(eventType string, payload interface{}) error {
	if b == nil {
		return nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	b.Publish(&Event{Type: eventType, Payload: raw, CreatedAt: time.Now()})
	return nil
}
