// Package queue carries seat changes between instances over RabbitMQ. Every
// instance publishes the events of its committed reservations to a fanout
// exchange and consumes the exchange into its own ingest queue. The same
// exchange carries store_change notifications from the database change
// relay, so edits made outside this service reach clients too.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/iliyamo/seatmap-sync/internal/model"
)

// ExchangeName is the fanout exchange shared by all instances.
const ExchangeName = "seat.changes"

// Message types set in amqp.Publishing.Type.
const (
	TypeSyncEvents  = "sync_events"
	TypeStoreChange = "store_change"
)

// ErrUnsupported is returned for deliveries this service does not handle.
var ErrUnsupported = errors.New("unsupported message")

// StoreChange is a row change notification from the change relay.
type StoreChange struct {
	EventID   string         `json:"event_id"`
	Table     string         `json:"table"`     // seats | floors
	Operation string         `json:"operation"` // insert | update | delete
	ID        string         `json:"id"`
	FloorID   string         `json:"floor_id"`
	Data      map[string]any `json:"data"`
	Version   int64          `json:"version"`
	Timestamp int64          `json:"timestamp"` // unix ms
}

// DecodeDelivery turns a message body into sync events. sync_events bodies
// are JSON arrays of events published by a peer and are passed on as is.
func DecodeDelivery(msgType string, body []byte) ([]model.SyncEvent, error) {
	switch msgType {
	case TypeSyncEvents:
		var events []model.SyncEvent
		if err := json.Unmarshal(body, &events); err != nil {
			return nil, fmt.Errorf("decode sync events: %w", err)
		}
		for _, ev := range events {
			if ev.ID == "" || ev.Entity == "" {
				return nil, fmt.Errorf("decode sync events: event without id or entity")
			}
		}
		return events, nil
	case TypeStoreChange:
		var sc StoreChange
		if err := json.Unmarshal(body, &sc); err != nil {
			return nil, fmt.Errorf("decode store change: %w", err)
		}
		return sc.Events()
	}
	return nil, fmt.Errorf("%w: type %q", ErrUnsupported, msgType)
}

// Events builds one event per affected topic: the seat's own topic and its
// floor topic for seats, the floor topic for floors. Event ids derive from
// EventID so that a redelivered notification is deduplicated.
func (sc StoreChange) Events() ([]model.SyncEvent, error) {
	op, err := operation(sc.Operation)
	if err != nil {
		return nil, err
	}
	if sc.ID == "" || sc.EventID == "" {
		return nil, fmt.Errorf("store change: id and event_id are required")
	}
	ts := sc.Timestamp
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}

	var topics []string
	switch sc.Table {
	case "seats":
		topics = append(topics, model.SeatTopic(sc.ID))
		if floor := sc.floorID(); floor != "" {
			topics = append(topics, model.FloorTopic(floor))
		}
	case "floors":
		topics = append(topics, model.FloorTopic(sc.ID))
	default:
		return nil, fmt.Errorf("%w: table %q", ErrUnsupported, sc.Table)
	}

	events := make([]model.SyncEvent, 0, len(topics))
	for _, topic := range topics {
		events = append(events, model.SyncEvent{
			ID:        sc.EventID + "/" + topic,
			Type:      model.EventStoreChange,
			Entity:    topic,
			Key:       sc.ID,
			Operation: op,
			Payload:   sc.Data,
			Origin:    "store",
			Timestamp: ts,
			Version:   sc.Version,
		})
	}
	return events, nil
}

func (sc StoreChange) floorID() string {
	if sc.FloorID != "" {
		return sc.FloorID
	}
	for _, k := range []string{"floorId", "floor_id"} {
		if v, ok := sc.Data[k].(string); ok {
			return v
		}
	}
	return ""
}

func operation(s string) (model.Operation, error) {
	switch strings.ToLower(s) {
	case "insert", "create":
		return model.OpCreate, nil
	case "update":
		return model.OpUpdate, nil
	case "delete":
		return model.OpDelete, nil
	}
	return "", fmt.Errorf("%w: operation %q", ErrUnsupported, s)
}
