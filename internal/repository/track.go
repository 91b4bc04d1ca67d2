package repository

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/tunebeat/stream-server-go/internal/model"
)

type TrackRepository interface {
	FindByID(ctx context.Context, id string) (*model.Track, error)
}

type trackRepo struct {
	db *sqlx.DB
}

func NewTrackRepository(db *sqlx.DB) TrackRepository {
	return &trackRepo{db: db}
}

func (r *trackRepo) FindByID(ctx context.Context, id string) (*model.Track, error) {
	var track model.Track
	err := r.db.GetContext(ctx, &track, `
		SELECT * FROM tracks WHERE id = $1
	`, id)
	return HandleNotFound(&track, err)
}
