package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/tunebeat/stream-server-go/internal/model"
)

type SessionRepository interface {
	FindByID(ctx context.Context, id string) (*model.Session, error)
	Create(ctx context.Context, params model.CreateSessionParams) (*model.Session, error)
	// IncrementConsumed adds one to credits_consumed. It affects no rows once
	// the session has left the open state, which is how the metering loop
	// observes the close barrier.
	IncrementConsumed(ctx context.Context, id string) (bool, error)
	// TransitionStatus is a compare-and-swap on status. Returns false when the
	// session was not in the expected state, guaranteeing at-most-once entry
	// into the close sequence.
	TransitionStatus(ctx context.Context, id string, from, to model.SessionStatus) (bool, error)
	SetChannelRef(ctx context.Context, id string, ref string) error
	SetSettlementTx(ctx context.Context, id string, txRef string) error
	// FindUnsettled returns sessions still open or closing, oldest first.
	// Used by the recovery pass and the shutdown drain.
	FindUnsettled(ctx context.Context, updatedBefore time.Time) ([]model.Session, error)
	// WithTx returns a new repository that uses the given transaction
	WithTx(tx *sqlx.Tx) SessionRepository
}

type sessionDB interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

type sessionRepo struct {
	db sessionDB
}

func NewSessionRepository(db *sqlx.DB) SessionRepository {
	return &sessionRepo{db: db}
}

func (r *sessionRepo) WithTx(tx *sqlx.Tx) SessionRepository {
	return &sessionRepo{db: tx}
}

func (r *sessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	var session model.Session
	err := r.db.GetContext(ctx, &session, `
		SELECT * FROM sessions WHERE id = $1
	`, id)
	return HandleNotFound(&session, err)
}

func (r *sessionRepo) Create(ctx context.Context, params model.CreateSessionParams) (*model.Session, error) {
	var session model.Session
	err := r.db.GetContext(ctx, &session, `
		INSERT INTO sessions (id, listener_id, creator_id, track_id, status, credits_consumed, started_at)
		VALUES ($1, $2, $3, $4, 'open', 0, NOW())
		RETURNING *
	`, params.ID, params.ListenerID, params.CreatorID, params.TrackID)
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (r *sessionRepo) IncrementConsumed(ctx context.Context, id string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET
			credits_consumed = credits_consumed + 1,
			updated_at = NOW()
		WHERE id = $1 AND status = 'open'
	`, id)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

func (r *sessionRepo) TransitionStatus(ctx context.Context, id string, from, to model.SessionStatus) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET
			status = $3,
			updated_at = NOW()
		WHERE id = $1 AND status = $2
	`, id, from, to)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

func (r *sessionRepo) SetChannelRef(ctx context.Context, id string, ref string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET
			channel_ref = $2,
			updated_at = NOW()
		WHERE id = $1
	`, id, ref)
	return err
}

func (r *sessionRepo) SetSettlementTx(ctx context.Context, id string, txRef string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET
			settlement_tx_ref = $2,
			updated_at = NOW()
		WHERE id = $1
	`, id, txRef)
	return err
}

func (r *sessionRepo) FindUnsettled(ctx context.Context, updatedBefore time.Time) ([]model.Session, error) {
	sessions := []model.Session{}
	err := r.db.SelectContext(ctx, &sessions, `
		SELECT * FROM sessions
		WHERE status IN ('open', 'closing')
		AND updated_at < $1
		ORDER BY updated_at ASC
	`, updatedBefore)
	if err != nil {
		return nil, err
	}
	return sessions, nil
}
