package model

import (
	"time"

	"github.com/google/uuid"
)

// EventType tells where a SyncEvent came from.
type EventType string

const (
	EventStoreChange  EventType = "store_change"
	EventClientAction EventType = "client_action"
)

// Operation is the kind of change an event describes.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// SyncEvent is an immutable record of one state change to propagate to
// subscribers of Entity. Key identifies the changed record inside the
// topic (a seat id) and is what compression merges on. Events live only in
// the in-memory queue.
type SyncEvent struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Entity    string         `json:"entity"`
	Key       string         `json:"key"`
	Operation Operation      `json:"operation"`
	Payload   map[string]any `json:"payload,omitempty"`
	Origin    string         `json:"origin,omitempty"`
	Timestamp int64          `json:"timestamp"`
	Version   int64          `json:"version"`
}

// NewSyncEvent stamps a fresh id and timestamp on an event for entity/key.
func NewSyncEvent(typ EventType, entity, key string, op Operation, payload map[string]any) SyncEvent {
	return SyncEvent{
		ID:        uuid.NewString(),
		Type:      typ,
		Entity:    entity,
		Key:       key,
		Operation: op,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
	}
}

// SeatTopic and FloorTopic build the topic names clients subscribe to.
func SeatTopic(seatID string) string   { return "seat:" + seatID }
func FloorTopic(floorID string) string { return "floor:" + floorID }
