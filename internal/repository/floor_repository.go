package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/iliyamo/seatmap-sync/internal/database"
	"github.com/iliyamo/seatmap-sync/internal/model"
)

const queryFloorByID = `SELECT id, name, building FROM floors WHERE id = ?`

// FloorRepo provides read access to floors.
type FloorRepo struct {
	store *database.Store
}

func NewFloorRepo(store *database.Store) *FloorRepo { return &FloorRepo{store: store} }

// GetByID retrieves a floor by its id.
func (r *FloorRepo) GetByID(ctx context.Context, id string) (*model.Floor, error) {
	var f model.Floor
	err := r.store.QueryRow(ctx, queryFloorByID, id).Scan(&f.ID, &f.Name, &f.Building)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrFloorNotFound
		}
		return nil, err
	}
	return &f, nil
}
