package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	apperrors "github.com/tunebeat/stream-server-go/internal/errors"
	"github.com/tunebeat/stream-server-go/internal/model"
)

type BalanceRepository interface {
	Find(ctx context.Context, listenerID string) (*model.Balance, error)
	// Adjust applies delta to the listener's balance in a single atomic
	// statement. A negative delta that would take the balance below zero
	// affects no rows and returns InsufficientCredit.
	Adjust(ctx context.Context, listenerID string, delta int64) (int64, error)
	// WithTx returns a new repository that uses the given transaction
	WithTx(tx *sqlx.Tx) BalanceRepository
}

type balanceDB interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

type balanceRepo struct {
	db balanceDB
}

func NewBalanceRepository(db *sqlx.DB) BalanceRepository {
	return &balanceRepo{db: db}
}

func (r *balanceRepo) WithTx(tx *sqlx.Tx) BalanceRepository {
	return &balanceRepo{db: tx}
}

func (r *balanceRepo) Find(ctx context.Context, listenerID string) (*model.Balance, error) {
	var balance model.Balance
	err := r.db.GetContext(ctx, &balance, `
		SELECT * FROM balances WHERE listener_id = $1
	`, listenerID)
	return HandleNotFound(&balance, err)
}

func (r *balanceRepo) Adjust(ctx context.Context, listenerID string, delta int64) (int64, error) {
	// Guard and mutation in one statement: concurrent ticks and deposits for
	// the same listener serialize on the row, and the balance can never go
	// negative regardless of interleaving.
	var newBalance int64
	err := r.db.GetContext(ctx, &newBalance, `
		UPDATE balances SET
			credits = credits + $2,
			updated_at = NOW()
		WHERE listener_id = $1 AND credits + $2 >= 0
		RETURNING credits
	`, listenerID, delta)
	if errors.Is(err, sql.ErrNoRows) {
		// Zero rows means either the guard failed or the row does not exist.
		// A non-negative delta always passes the guard, so only a missing row
		// explains it there.
		if delta >= 0 {
			return 0, apperrors.NotFound("Balance")
		}
		return 0, apperrors.InsufficientCredit()
	}
	if err != nil {
		return 0, err
	}
	return newBalance, nil
}
