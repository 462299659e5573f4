package event

import (
	"reflect"
	"time"

	"github.com/google/uuid"
)

// Wildcard subscribes a handler to every topic.
const Wildcard = "*"

// Event represents a notification with routing metadata and payload.
type Event struct {
	ID        string    `json:"id"`         // Unique identifier for the event
	Topic     string    `json:"topic"`      // Routing key, e.g. a queue name
	Name      string    `json:"name"`       // Event type name (e.g., "JobCompleted")
	Payload   any       `json:"payload"`    // Event data (can be struct or []byte)
	CreatedAt time.Time `json:"created_at"` // When the event was created
}

// NewEvent creates a new Event for the given topic with auto-generated ID and timestamp.
// The event name is derived from the payload type using reflection.
//
// Example:
//
//	evt := event.NewEvent("ai-analysis", queue.JobCompleted{JobID: id})
//	// evt.Name will be "JobCompleted"
func NewEvent(topic string, payload any) Event {
	return Event{
		ID:        uuid.New().String(),
		Topic:     topic,
		Name:      getEventName(payload),
		Payload:   payload,
		CreatedAt: time.Now(),
	}
}

// getEventName returns the bare type name of v, unwrapping pointers.
// Users must keep event type names unique across packages.
func getEventName(v any) string {
	t := reflect.TypeOf(v)
	if t == nil {
		return ""
	}

	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	return t.Name()
}
