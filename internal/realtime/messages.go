// Package realtime keeps connected clients in sync with seat state. It holds
// the connection registry, the topic subscription index, the bounded ingest
// queue and the batch dispatcher that fans queued events out to subscribers.
package realtime

import (
	"encoding/json"

	"github.com/iliyamo/seatmap-sync/internal/model"
)

// Inbound message types.
const (
	MsgSeatSelect  = "seat_select"
	MsgSeatRelease = "seat_release"
	MsgFloorChange = "floor_change"
	MsgSubscribe   = "subscribe"
	MsgUnsubscribe = "unsubscribe"
	MsgAuth        = "auth"
	MsgPing        = "ping"
)

// Outbound message types.
const (
	MsgSeatSelectionSuccess = "seat_selection_success"
	MsgSeatSelectionFailed  = "seat_selection_failed"
	MsgSeatReleaseSuccess   = "seat_release_success"
	MsgSeatReleaseFailed    = "seat_release_failed"
	MsgSyncUpdate           = "sync_update"
	MsgFloorData            = "floor_data"
	MsgSubscribed           = "subscribed"
	MsgUnsubscribed         = "unsubscribed"
	MsgAuthenticated        = "authenticated"
	MsgPong                 = "pong"
	MsgError                = "error"
)

// Inbound is a client frame. Payload is decoded according to Type.
type Inbound struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Outbound is a server frame.
type Outbound struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

type SeatRequest struct {
	SeatID string `json:"seatId"`
}

type FloorRequest struct {
	FloorID string `json:"floorId"`
}

type EntityRequest struct {
	Entity string `json:"entity"`
}

type AuthRequest struct {
	Token string `json:"token"`
}

// SeatReply answers seat_select and seat_release.
type SeatReply struct {
	SeatID     string      `json:"seatId"`
	Reason     string      `json:"reason,omitempty"`
	OccupantID string      `json:"occupantId,omitempty"`
	Status     string      `json:"status,omitempty"`
	Seat       *model.Seat `json:"seat,omitempty"`
}

// SyncUpdate carries the events of one topic from one batch.
type SyncUpdate struct {
	Entity    string            `json:"entity"`
	Events    []model.SyncEvent `json:"events"`
	Timestamp int64             `json:"timestamp"`
}

// FloorData is the full seat list sent when a client switches floors.
type FloorData struct {
	Floor *model.Floor `json:"floor"`
	Seats []model.Seat `json:"seats"`
}

type EntityReply struct {
	Entity string `json:"entity"`
}

type AuthReply struct {
	UserID string `json:"userId"`
}

type PongReply struct {
	Timestamp int64 `json:"timestamp"`
}

type ErrorReply struct {
	Reason  string `json:"reason"`
	Message string `json:"message,omitempty"`
}
