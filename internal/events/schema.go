package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Source is stamped on every event this service publishes.
const Source = "minutes"

// SubjectPrefix namespaces all subjects on the bus.
const SubjectPrefix = "minutes."

type Event struct {
	EventID   string          `json:"event_id"`
	RoomID    string          `json:"room_id"`
	Source    string          `json:"source"`
	EventType string          `json:"event_type"`
	Timestamp time.Time       `json:"timestamp"`
	Metadata  json.RawMessage `json:"metadata"`
}

// Known event types.
const (
	TypeSessionStarted = "session.started"
	TypeSessionStopped = "session.stopped"

	TypePipelineCompleted = "pipeline.completed"
	TypePipelineFailed    = "pipeline.failed"
)

// New builds an event for a room. Metadata that fails to marshal is replaced
// with an empty object so the event is still publishable.
func New(eventType, roomID string, metadata any) Event {
	e := Event{
		EventID:   uuid.New().String(),
		RoomID:    roomID,
		Source:    Source,
		EventType: eventType,
		Timestamp: time.Now().UTC(),
		Metadata:  json.RawMessage(`{}`),
	}
	if metadata != nil {
		if raw, err := json.Marshal(metadata); err == nil {
			e.Metadata = raw
		}
	}
	return e
}

// Subject returns the NATS subject the event is published on.
func (e *Event) Subject() string {
	return SubjectPrefix + e.EventType
}

// Normalize fills in missing fields with sensible defaults.
func Normalize(raw []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(raw, &e); err != nil {
		return Event{}, err
	}

	if e.EventID == "" {
		e.EventID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Metadata == nil {
		e.Metadata = json.RawMessage(`{}`)
	}
	return e, nil
}

// MetadataField extracts a string field from the metadata JSON.
func (e *Event) MetadataField(key string) string {
	var m map[string]any
	if err := json.Unmarshal(e.Metadata, &m); err != nil {
		return ""
	}
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
