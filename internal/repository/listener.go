package repository

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"

	"github.com/tunebeat/stream-server-go/internal/model"
)

type ListenerRepository interface {
	FindByID(ctx context.Context, id string) (*model.Listener, error)
	FindByTokenHash(ctx context.Context, tokenHash string) (*model.Listener, error)
	// Create inserts the listener together with its balance row so that
	// balance adjustments never race against a missing row.
	Create(ctx context.Context, params model.CreateListenerParams) (*model.Listener, error)
	// WithTx returns a new repository that uses the given transaction
	WithTx(tx *sqlx.Tx) ListenerRepository
}

type listenerDB interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

type listenerRepo struct {
	db listenerDB
}

func NewListenerRepository(db *sqlx.DB) ListenerRepository {
	return &listenerRepo{db: db}
}

func (r *listenerRepo) WithTx(tx *sqlx.Tx) ListenerRepository {
	return &listenerRepo{db: tx}
}

func (r *listenerRepo) FindByID(ctx context.Context, id string) (*model.Listener, error) {
	var listener model.Listener
	err := r.db.GetContext(ctx, &listener, `
		SELECT * FROM listeners WHERE id = $1
	`, id)
	return HandleNotFound(&listener, err)
}

func (r *listenerRepo) FindByTokenHash(ctx context.Context, tokenHash string) (*model.Listener, error) {
	var listener model.Listener
	err := r.db.GetContext(ctx, &listener, `
		SELECT * FROM listeners WHERE token_hash = $1
	`, tokenHash)
	return HandleNotFound(&listener, err)
}

func (r *listenerRepo) Create(ctx context.Context, params model.CreateListenerParams) (*model.Listener, error) {
	var listener model.Listener
	err := r.db.GetContext(ctx, &listener, `
		INSERT INTO listeners (token_hash)
		VALUES ($1)
		RETURNING *
	`, params.TokenHash)
	if err != nil {
		return nil, err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO balances (listener_id, credits)
		VALUES ($1, $2)
	`, listener.ID, params.InitialCredits)
	if err != nil {
		return nil, err
	}

	return &listener, nil
}
