package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"github.com/tunebeat/stream-server-go/internal/model"
)

// ErrDuplicateHistory is reported when an entry already exists for the
// session. Callers treat it as success: the write is idempotent.
var ErrDuplicateHistory = errors.New("stream history entry already exists")

type HistoryRepository interface {
	// Append writes the settlement record. The unique index on session_id
	// makes re-runs of the finalize phase safe: a second append affects no
	// rows and returns (nil, ErrDuplicateHistory).
	Append(ctx context.Context, params model.AppendHistoryParams) (*model.StreamHistoryEntry, error)
	FindBySessionID(ctx context.Context, sessionID string) (*model.StreamHistoryEntry, error)
	// SumCreditsPaid recomputes the loyalty total for a pair from the
	// append-only log.
	SumCreditsPaid(ctx context.Context, listenerID, creatorID string) (int64, error)
	ListByCreator(ctx context.Context, creatorID string, limit, offset int) ([]model.EarningsEntry, error)
	// WithTx returns a new repository that uses the given transaction
	WithTx(tx *sqlx.Tx) HistoryRepository
}

type historyDB interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

type historyRepo struct {
	db historyDB
}

func NewHistoryRepository(db *sqlx.DB) HistoryRepository {
	return &historyRepo{db: db}
}

func (r *historyRepo) WithTx(tx *sqlx.Tx) HistoryRepository {
	return &historyRepo{db: tx}
}

func (r *historyRepo) Append(ctx context.Context, params model.AppendHistoryParams) (*model.StreamHistoryEntry, error) {
	var entry model.StreamHistoryEntry
	err := r.db.GetContext(ctx, &entry, `
		INSERT INTO stream_history (session_id, listener_id, creator_id, track_id, credits_paid, duration_seconds, settled_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (session_id) DO NOTHING
		RETURNING *
	`, params.SessionID, params.ListenerID, params.CreatorID, params.TrackID, params.CreditsPaid, params.DurationSeconds)
	if errors.Is(err, sql.ErrNoRows) {
		// ON CONFLICT DO NOTHING returns no rows when the entry exists
		return nil, ErrDuplicateHistory
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (r *historyRepo) FindBySessionID(ctx context.Context, sessionID string) (*model.StreamHistoryEntry, error) {
	var entry model.StreamHistoryEntry
	err := r.db.GetContext(ctx, &entry, `
		SELECT * FROM stream_history WHERE session_id = $1
	`, sessionID)
	return HandleNotFound(&entry, err)
}

func (r *historyRepo) SumCreditsPaid(ctx context.Context, listenerID, creatorID string) (int64, error) {
	var total int64
	err := r.db.GetContext(ctx, &total, `
		SELECT COALESCE(SUM(credits_paid), 0) FROM stream_history
		WHERE listener_id = $1 AND creator_id = $2
	`, listenerID, creatorID)
	if err != nil {
		return 0, err
	}
	return total, nil
}

func (r *historyRepo) ListByCreator(ctx context.Context, creatorID string, limit, offset int) ([]model.EarningsEntry, error) {
	entries := []model.EarningsEntry{}
	// Settled sessions come from the history log; disputed ones are still in
	// flight and surface as pending so they are never silently dropped.
	err := r.db.SelectContext(ctx, &entries, `
		SELECT session_id, listener_id, track_id, credits_paid, 'settled' AS status, settled_at AS occurred_at
		FROM stream_history
		WHERE creator_id = $1
		UNION ALL
		SELECT id AS session_id, listener_id, track_id, credits_consumed AS credits_paid, 'pending' AS status, updated_at AS occurred_at
		FROM sessions
		WHERE creator_id = $1 AND status = 'disputed'
		ORDER BY occurred_at DESC
		LIMIT $2 OFFSET $3
	`, creatorID, limit, offset)
	if err != nil {
		return nil, err
	}
	return entries, nil
}
