package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType 事件类型
type EventType string

const (
	EventRecordCreated   EventType = "record.created"
	EventRecordUpdated   EventType = "record.updated"
	EventRecordDeleted   EventType = "record.deleted"
	EventEntitiesDerived EventType = "entities.derived"
	EventIndexCompleted  EventType = "index.completed"
	EventIndexFailed     EventType = "index.failed"
	EventIndexSuperseded EventType = "index.superseded"
)

// Event is the JSON payload carried on every channel. The partition key is
// always the document ID.
type Event struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	DocumentID string    `json:"document_id"`
	Revision   int64     `json:"revision"`
	Timestamp  time.Time `json:"timestamp"`
	Reason     string    `json:"reason,omitempty"`
	ErrorClass string    `json:"error_class,omitempty"`
	Entities   []Entity  `json:"entities,omitempty"`
}

// NewEvent 创建事件
func NewEvent(typ EventType, documentID string, revision int64) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       typ,
		DocumentID: documentID,
		Revision:   revision,
		Timestamp:  time.Now().UTC(),
	}
}

// Key 分区键
func (e Event) Key() string {
	return e.DocumentID
}

// Marshal 序列化事件
func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// ParseEvent decodes and validates a record event payload.
func ParseEvent(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return e, fmt.Errorf("decode event: %w", err)
	}
	if e.DocumentID == "" {
		return e, fmt.Errorf("event without document_id")
	}
	switch e.Type {
	case EventRecordCreated, EventRecordUpdated, EventRecordDeleted,
		EventEntitiesDerived, EventIndexCompleted, EventIndexFailed, EventIndexSuperseded:
	default:
		return e, fmt.Errorf("unknown event type %q", e.Type)
	}
	if e.Revision < 0 {
		return e, fmt.Errorf("negative revision %d", e.Revision)
	}
	return e, nil
}
