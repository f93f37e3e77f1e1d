// Package repository defines data access for seats and floors plus the error
// values shared across repositories. Sentinels let the reservation layer
// tell expected contention outcomes apart from dependency failures.
package repository

import (
	"errors"
	"fmt"

	"github.com/iliyamo/seatmap-sync/internal/model"
)

// ErrSeatNotFound is returned when a seat lookup yields no rows.
var ErrSeatNotFound = errors.New("seat not found")

// ErrFloorNotFound is returned when a floor lookup yields no rows.
var ErrFloorNotFound = errors.New("floor not found")

// ErrSeatUnavailable is returned when a seat cannot be taken because its
// status is no longer available. It is normally wrapped in an
// *UnavailableError carrying the seat as read inside the transaction.
var ErrSeatUnavailable = errors.New("seat unavailable")

// ErrNotOccupant is returned when a release is attempted by someone other
// than the current occupant.
var ErrNotOccupant = errors.New("caller is not the occupant")

// ErrVersionConflict is returned when a guarded UPDATE matched no row
// because the version moved underneath the transaction.
var ErrVersionConflict = errors.New("seat version conflict")

// UnavailableError reports the state that made a seat unavailable so that
// callers can tell clients who is sitting there.
type UnavailableError struct {
	Seat model.Seat
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("seat %s is %s", e.Seat.ID, e.Seat.Status)
}

func (e *UnavailableError) Unwrap() error { return ErrSeatUnavailable }
