package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/iliyamo/seatmap-sync/internal/database"
	"github.com/iliyamo/seatmap-sync/internal/model"
)

const seatColumns = `id, floor_id, pos_x, pos_y, status, occupant_id, occupied_at, version`

const (
	querySeatByID = `SELECT ` + seatColumns + ` FROM seats WHERE id = ?`

	querySeatForUpdate = querySeatByID + ` FOR UPDATE`

	querySeatsByFloor = `SELECT ` + seatColumns + ` FROM seats WHERE floor_id = ? ORDER BY id`

	queryOccupySeat = `UPDATE seats
	           SET status = ?, occupant_id = ?, occupied_at = ?, version = version + 1
	           WHERE id = ? AND version = ?`

	queryVacateSeat = `UPDATE seats
	           SET status = ?, occupant_id = NULL, occupied_at = NULL, version = version + 1
	           WHERE id = ? AND version = ?`

	queryInsertHistory = `INSERT INTO seat_history (seat_id, user_id, action, status, created_at)
	           VALUES (?, ?, ?, ?, ?)`
)

// History actions recorded in seat_history.action.
const (
	ActionSelect  = "select"
	ActionRelease = "release"
)

// SeatRepo reads seats and applies occupancy changes. Every mutation runs in
// a single transaction that re-reads the row with FOR UPDATE, so a change
// committed between the caller's pre-check and the write is always seen.
type SeatRepo struct {
	store *database.Store
}

// NewSeatRepo constructs a SeatRepo over the given store.
func NewSeatRepo(store *database.Store) *SeatRepo {
	return &SeatRepo{store: store}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSeat(row rowScanner) (*model.Seat, error) {
	var (
		s          model.Seat
		status     string
		occupant   sql.NullString
		occupiedAt sql.NullTime
	)
	if err := row.Scan(&s.ID, &s.FloorID, &s.X, &s.Y, &status, &occupant, &occupiedAt, &s.Version); err != nil {
		return nil, err
	}
	s.Status = model.SeatStatus(status)
	if !s.Status.Valid() {
		return nil, fmt.Errorf("seat %s: unknown status %q", s.ID, status)
	}
	if occupant.Valid {
		v := occupant.String
		s.OccupantID = &v
	}
	if occupiedAt.Valid {
		t := occupiedAt.Time.UTC()
		s.OccupiedAt = &t
	}
	return &s, nil
}

// GetByID retrieves a seat by its id.
func (r *SeatRepo) GetByID(ctx context.Context, id string) (*model.Seat, error) {
	s, err := scanSeat(r.store.QueryRow(ctx, querySeatByID, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSeatNotFound
		}
		return nil, err
	}
	return s, nil
}

// ListByFloor returns every seat drawn on a floor ordered by id.
func (r *SeatRepo) ListByFloor(ctx context.Context, floorID string) ([]model.Seat, error) {
	rows, err := r.store.Query(ctx, querySeatsByFloor, floorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	seats := make([]model.Seat, 0)
	for rows.Next() {
		s, err := scanSeat(rows)
		if err != nil {
			return nil, err
		}
		seats = append(seats, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return seats, nil
}

// lockSeatTx reads the seat row inside tx and holds a row lock on it until
// the transaction ends.
func (r *SeatRepo) lockSeatTx(ctx context.Context, tx *sql.Tx, id string) (*model.Seat, error) {
	s, err := scanSeat(tx.QueryRowContext(ctx, querySeatForUpdate, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSeatNotFound
		}
		return nil, err
	}
	return s, nil
}

func insertHistoryTx(ctx context.Context, tx *sql.Tx, h model.SeatHistory) error {
	_, err := tx.ExecContext(ctx, queryInsertHistory, h.SeatID, h.UserID, h.Action, string(h.Status), h.CreatedAt.UTC())
	return err
}

func guardedExec(ctx context.Context, tx *sql.Tx, q string, args ...any) error {
	res, err := tx.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrVersionConflict
	}
	return nil
}

// Occupy marks the seat occupied by userID. The row is re-checked inside the
// transaction; a seat that is no longer available yields *UnavailableError.
// verify runs after the writes and before commit, and its error aborts the
// transaction; callers use it to confirm they still hold the seat lock.
func (r *SeatRepo) Occupy(ctx context.Context, seatID, userID string, at time.Time, verify func(context.Context) error) (*model.Seat, error) {
	var updated *model.Seat
	err := r.store.Transaction(ctx, func(tx *sql.Tx) error {
		cur, err := r.lockSeatTx(ctx, tx, seatID)
		if err != nil {
			return err
		}
		if cur.Status != model.SeatAvailable {
			return &UnavailableError{Seat: *cur}
		}
		at = at.UTC()
		if err := guardedExec(ctx, tx, queryOccupySeat, string(model.SeatOccupied), userID, at, seatID, cur.Version); err != nil {
			return fmt.Errorf("occupy seat %s: %w", seatID, err)
		}
		if err := insertHistoryTx(ctx, tx, model.SeatHistory{
			SeatID: seatID, UserID: userID, Action: ActionSelect, Status: model.SeatOccupied, CreatedAt: at,
		}); err != nil {
			return fmt.Errorf("insert history: %w", err)
		}
		if verify != nil {
			if err := verify(ctx); err != nil {
				return err
			}
		}
		occupant := userID
		cur.Status = model.SeatOccupied
		cur.OccupantID = &occupant
		cur.OccupiedAt = &at
		cur.Version++
		updated = cur
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Vacate frees a seat held by userID. A seat occupied by someone else, or
// not occupied at all, yields ErrNotOccupant. verify behaves as in Occupy.
func (r *SeatRepo) Vacate(ctx context.Context, seatID, userID string, at time.Time, verify func(context.Context) error) (*model.Seat, error) {
	var updated *model.Seat
	err := r.store.Transaction(ctx, func(tx *sql.Tx) error {
		cur, err := r.lockSeatTx(ctx, tx, seatID)
		if err != nil {
			return err
		}
		if cur.Status != model.SeatOccupied || cur.Occupant() != userID {
			return ErrNotOccupant
		}
		if err := guardedExec(ctx, tx, queryVacateSeat, string(model.SeatAvailable), seatID, cur.Version); err != nil {
			return fmt.Errorf("vacate seat %s: %w", seatID, err)
		}
		if err := insertHistoryTx(ctx, tx, model.SeatHistory{
			SeatID: seatID, UserID: userID, Action: ActionRelease, Status: model.SeatAvailable, CreatedAt: at,
		}); err != nil {
			return fmt.Errorf("insert history: %w", err)
		}
		if verify != nil {
			if err := verify(ctx); err != nil {
				return err
			}
		}
		cur.Status = model.SeatAvailable
		cur.OccupantID = nil
		cur.OccupiedAt = nil
		cur.Version++
		updated = cur
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}
