package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"github.com/tunebeat/stream-server-go/internal/model"
)

type LoyaltyRepository interface {
	// Create inserts a grant for the pair. The unique index on
	// (listener_id, creator_id) makes re-checks idempotent: a duplicate insert
	// affects no rows and returns created=false with no error.
	Create(ctx context.Context, params model.CreateLoyaltyGrantParams) (*model.LoyaltyGrant, bool, error)
	FindByPair(ctx context.Context, listenerID, creatorID string) (*model.LoyaltyGrant, error)
	ListByListener(ctx context.Context, listenerID string) ([]model.LoyaltyGrant, error)
	// WithTx returns a new repository that uses the given transaction
	WithTx(tx *sqlx.Tx) LoyaltyRepository
}

type loyaltyDB interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

type loyaltyRepo struct {
	db loyaltyDB
}

func NewLoyaltyRepository(db *sqlx.DB) LoyaltyRepository {
	return &loyaltyRepo{db: db}
}

func (r *loyaltyRepo) WithTx(tx *sqlx.Tx) LoyaltyRepository {
	return &loyaltyRepo{db: tx}
}

func (r *loyaltyRepo) Create(ctx context.Context, params model.CreateLoyaltyGrantParams) (*model.LoyaltyGrant, bool, error) {
	var grant model.LoyaltyGrant
	err := r.db.GetContext(ctx, &grant, `
		INSERT INTO loyalty_grants (listener_id, creator_id, grant_name, total_at_grant, granted_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (listener_id, creator_id) DO NOTHING
		RETURNING *
	`, params.ListenerID, params.CreatorID, params.GrantName, params.TotalAtGrant)
	if errors.Is(err, sql.ErrNoRows) {
		existing, findErr := r.FindByPair(ctx, params.ListenerID, params.CreatorID)
		if findErr != nil {
			return nil, false, findErr
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &grant, true, nil
}

func (r *loyaltyRepo) FindByPair(ctx context.Context, listenerID, creatorID string) (*model.LoyaltyGrant, error) {
	var grant model.LoyaltyGrant
	err := r.db.GetContext(ctx, &grant, `
		SELECT * FROM loyalty_grants WHERE listener_id = $1 AND creator_id = $2
	`, listenerID, creatorID)
	return HandleNotFound(&grant, err)
}

func (r *loyaltyRepo) ListByListener(ctx context.Context, listenerID string) ([]model.LoyaltyGrant, error) {
	grants := []model.LoyaltyGrant{}
	err := r.db.SelectContext(ctx, &grants, `
		SELECT * FROM loyalty_grants WHERE listener_id = $1 ORDER BY granted_at DESC
	`, listenerID)
	if err != nil {
		return nil, err
	}
	return grants, nil
}
