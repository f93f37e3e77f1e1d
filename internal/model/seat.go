package model

import "time"

// SeatStatus is the occupancy state of a workstation seat.
type SeatStatus string

const (
	SeatAvailable   SeatStatus = "available"
	SeatOccupied    SeatStatus = "occupied"
	SeatReserved    SeatStatus = "reserved"
	SeatMaintenance SeatStatus = "maintenance"
	SeatDisabled    SeatStatus = "disabled"
)

// Valid reports whether s is one of the known statuses.
func (s SeatStatus) Valid() bool {
	switch s {
	case SeatAvailable, SeatOccupied, SeatReserved, SeatMaintenance, SeatDisabled:
		return true
	}
	return false
}

// Seat describes a workstation placed on a floor map. Seats are created and
// removed by floor-plan administration; this service only moves them between
// available and occupied.
//
// Fields:
//
//	ID         – opaque identifier (seats.id).
//	FloorID    – floor the seat is drawn on.
//	X, Y       – position on the floor canvas.
//	Status     – occupancy state.
//	OccupantID – user sitting at the seat; set exactly when Status is occupied.
//	OccupiedAt – when the current occupant took the seat.
//	Version    – incremented on every status change.
type Seat struct {
	ID         string     `json:"id"`
	FloorID    string     `json:"floorId"`
	X          float64    `json:"x"`
	Y          float64    `json:"y"`
	Status     SeatStatus `json:"status"`
	OccupantID *string    `json:"occupantId,omitempty"`
	OccupiedAt *time.Time `json:"occupiedAt,omitempty"`
	Version    int64      `json:"version"`
}

// Occupant returns the occupant id or "" when the seat is free.
func (s Seat) Occupant() string {
	if s.OccupantID == nil {
		return ""
	}
	return *s.OccupantID
}

// Consistent checks the status/occupant invariant.
func (s Seat) Consistent() bool {
	return (s.Status == SeatOccupied) == (s.OccupantID != nil)
}

// Fields flattens the seat into the payload carried by sync events.
func (s Seat) Fields() map[string]any {
	f := map[string]any{
		"id":         s.ID,
		"floorId":    s.FloorID,
		"status":     string(s.Status),
		"occupantId": nil,
		"occupiedAt": nil,
		"version":    s.Version,
	}
	if s.OccupantID != nil {
		f["occupantId"] = *s.OccupantID
	}
	if s.OccupiedAt != nil {
		f["occupiedAt"] = s.OccupiedAt.UTC().Format(time.RFC3339Nano)
	}
	return f
}

// SeatHistory is one row of the seat_history audit trail written alongside
// every occupancy change.
type SeatHistory struct {
	SeatID    string     // seat_history.seat_id
	UserID    string     // seat_history.user_id
	Action    string     // seat_history.action (select | release)
	Status    SeatStatus // seat_history.status after the change
	CreatedAt time.Time  // seat_history.created_at
}
