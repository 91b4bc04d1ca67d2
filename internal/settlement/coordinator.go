package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"github.com/tunebeat/stream-server-go/internal/audit"
	"github.com/tunebeat/stream-server-go/internal/channel"
	"github.com/tunebeat/stream-server-go/internal/database"
	apperrors "github.com/tunebeat/stream-server-go/internal/errors"
	"github.com/tunebeat/stream-server-go/internal/loyalty"
	"github.com/tunebeat/stream-server-go/internal/model"
	"github.com/tunebeat/stream-server-go/internal/repository"
)

// TxRunner runs a function inside a database transaction.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error
}

var _ TxRunner = (*database.DB)(nil)

// Coordinator runs the three-phase close for a session that has entered the
// closing state: channel close, custodial settlement, ledger finalize. It is
// invoked exactly once per session by that session's supervisor; the
// open->closing compare-and-swap upstream guarantees at-most-once entry.
type Coordinator struct {
	db       TxRunner
	sessions repository.SessionRepository
	balances repository.BalanceRepository
	history  repository.HistoryRepository
	peer     channel.Peer
	executor Executor
	tracker  *loyalty.Tracker

	maxAttempts      int
	backoffBase      time.Duration
	finalizeAttempts int
}

func NewCoordinator(
	db TxRunner,
	sessions repository.SessionRepository,
	balances repository.BalanceRepository,
	history repository.HistoryRepository,
	peer channel.Peer,
	executor Executor,
	tracker *loyalty.Tracker,
	maxAttempts int,
	backoffBase time.Duration,
	finalizeAttempts int,
) *Coordinator {
	return &Coordinator{
		db:               db,
		sessions:         sessions,
		balances:         balances,
		history:          history,
		peer:             peer,
		executor:         executor,
		tracker:          tracker,
		maxAttempts:      maxAttempts,
		backoffBase:      backoffBase,
		finalizeAttempts: finalizeAttempts,
	}
}

// Close settles the session and returns its final state. The session must
// already be in the closing state with its metering loop stopped.
func (c *Coordinator) Close(ctx context.Context, sessionID string) (*model.Session, error) {
	session, err := c.sessions.FindByID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if session == nil {
		return nil, apperrors.NotFound("Session")
	}
	if session.Status.Terminal() {
		// Already settled or disputed by an earlier run: nothing to do.
		return session, nil
	}

	c.closeChannel(ctx, session)

	txRef, err := c.settle(ctx, session)
	if err != nil {
		return c.dispute(ctx, session, err)
	}

	if err := c.finalize(ctx, session, txRef); err != nil {
		return c.dispute(ctx, session, err)
	}

	final, err := c.sessions.FindByID(ctx, session.ID)
	if err != nil {
		return nil, fmt.Errorf("reload session: %w", err)
	}

	log.Info().
		Str("sessionId", session.ID).
		Int64("creditsConsumed", session.CreditsConsumed).
		Str("txRef", txRef).
		Msg("session settled")
	return final, nil
}

// closeChannel is phase 1. The channel is advisory: any failure is logged
// and the close continues.
func (c *Coordinator) closeChannel(ctx context.Context, session *model.Session) {
	if session.ChannelRef == nil {
		log.Debug().Str("sessionId", session.ID).Msg("no channel allocation, skipping channel close")
		return
	}

	var remaining int64
	if balance, err := c.balances.Find(ctx, session.ListenerID); err == nil && balance != nil {
		remaining = balance.Credits
	}

	if err := c.peer.CloseAllocation(ctx, *session.ChannelRef, remaining, session.CreditsConsumed); err != nil {
		log.Warn().Err(err).
			Str("sessionId", session.ID).
			Str("channelRef", *session.ChannelRef).
			Msg("channel close failed, continuing without it")
		return
	}

	log.Info().
		Str("sessionId", session.ID).
		Str("channelRef", *session.ChannelRef).
		Msg("channel allocation closed")
}

// settle is phase 2: the custodial transfer, retried with bounded
// exponential backoff on transient failures. The resulting transaction
// reference is persisted before phase 3 so a crash in between leaves
// durable evidence for the recovery pass.
func (c *Coordinator) settle(ctx context.Context, session *model.Session) (string, error) {
	if session.SettlementTxRef != nil {
		// Phase 2 already succeeded in an earlier run.
		return *session.SettlementTxRef, nil
	}
	if session.CreditsConsumed == 0 {
		return "", nil
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		txRef, err := c.executor.Execute(ctx, session.ListenerID, session.CreatorID, session.CreditsConsumed, session.ID)
		if err == nil {
			if err := c.sessions.SetSettlementTx(ctx, session.ID, txRef); err != nil {
				return "", apperrors.LedgerCorruption(fmt.Errorf("persist settlement tx ref: %w", err))
			}
			return txRef, nil
		}

		if !apperrors.IsTransient(err) {
			audit.Log(ctx, audit.Event{
				Type:       audit.EventSettlementRejected,
				SessionID:  session.ID,
				ListenerID: session.ListenerID,
				CreatorID:  session.CreatorID,
				Details:    map[string]interface{}{"error": err.Error(), "amount": session.CreditsConsumed},
			})
			return "", err
		}

		lastErr = err
		backoff := c.backoffBase << (attempt - 1)
		log.Warn().Err(err).
			Str("sessionId", session.ID).
			Int("attempt", attempt).
			Dur("backoff", backoff).
			Msg("settlement attempt failed, backing off")

		select {
		case <-ctx.Done():
			return "", fmt.Errorf("settlement interrupted: %w", ctx.Err())
		case <-time.After(backoff):
		}
	}

	audit.Log(ctx, audit.Event{
		Type:       audit.EventSettlementRetryExhausted,
		SessionID:  session.ID,
		ListenerID: session.ListenerID,
		CreatorID:  session.CreatorID,
		Details:    map[string]interface{}{"attempts": c.maxAttempts, "amount": session.CreditsConsumed},
	})
	return "", fmt.Errorf("settlement retry ceiling reached: %w", lastErr)
}

// finalize is phase 3: append the history entry, mark the session settled,
// and check loyalty eligibility. Idempotent end to end: the history unique
// index absorbs duplicate appends and the status transition is a
// compare-and-swap, so a recovery replay cannot double-write.
func (c *Coordinator) finalize(ctx context.Context, session *model.Session, txRef string) error {
	var lastErr error
	for attempt := 1; attempt <= c.finalizeAttempts; attempt++ {
		err := c.db.WithTx(ctx, func(tx *sqlx.Tx) error {
			_, err := c.history.WithTx(tx).Append(ctx, model.AppendHistoryParams{
				SessionID:       session.ID,
				ListenerID:      session.ListenerID,
				CreatorID:       session.CreatorID,
				TrackID:         session.TrackID,
				CreditsPaid:     session.CreditsConsumed,
				DurationSeconds: session.CreditsConsumed,
			})
			if err != nil && err != repository.ErrDuplicateHistory {
				return fmt.Errorf("append history: %w", err)
			}

			moved, err := c.sessions.WithTx(tx).TransitionStatus(ctx, session.ID, model.SessionStatusClosing, model.SessionStatusSettled)
			if err != nil {
				return fmt.Errorf("mark settled: %w", err)
			}
			if !moved {
				// A concurrent or earlier finalize already settled it; the
				// history write above was absorbed by the unique index.
				log.Debug().Str("sessionId", session.ID).Msg("session already settled")
			}
			return nil
		})
		if err == nil {
			c.grantLoyalty(ctx, session)
			return nil
		}

		lastErr = err
		log.Warn().Err(err).
			Str("sessionId", session.ID).
			Int("attempt", attempt).
			Msg("ledger finalize failed, retrying")
	}

	audit.Log(ctx, audit.Event{
		Type:       audit.EventLedgerConflict,
		SessionID:  session.ID,
		ListenerID: session.ListenerID,
		CreatorID:  session.CreatorID,
		Details:    map[string]interface{}{"error": lastErr.Error(), "txRef": txRef},
	})
	return apperrors.LedgerCorruption(lastErr)
}

// grantLoyalty runs the threshold check after a successful finalize. The
// session is already settled, so a store failure here is retried in place:
// nothing replays a settled session, and a pair that never streams again
// would otherwise lose its grant for good.
func (c *Coordinator) grantLoyalty(ctx context.Context, session *model.Session) {
	var lastErr error
	for attempt := 1; attempt <= c.finalizeAttempts; attempt++ {
		_, err := c.tracker.CheckAndGrant(ctx, session.ListenerID, session.CreatorID)
		if err == nil {
			return
		}
		lastErr = err
		log.Warn().Err(err).
			Str("sessionId", session.ID).
			Int("attempt", attempt).
			Msg("loyalty check failed, retrying")
	}

	audit.Log(ctx, audit.Event{
		Type:       audit.EventLedgerConflict,
		SessionID:  session.ID,
		ListenerID: session.ListenerID,
		CreatorID:  session.CreatorID,
		Details:    map[string]interface{}{"error": lastErr.Error(), "stage": "loyalty_grant"},
	})
	log.Error().Err(lastErr).Str("sessionId", session.ID).Msg("loyalty grant abandoned after retries")
}

// dispute parks the session for manual reconciliation. Terminal: no debits,
// no settlement, surfaced to the operator queue, never silently dropped.
func (c *Coordinator) dispute(ctx context.Context, session *model.Session, cause error) (*model.Session, error) {
	moved, err := c.sessions.TransitionStatus(ctx, session.ID, model.SessionStatusClosing, model.SessionStatusDisputed)
	if err != nil {
		return nil, fmt.Errorf("mark disputed: %w (settlement failure: %v)", err, cause)
	}
	if moved {
		audit.Log(ctx, audit.Event{
			Type:       audit.EventSessionDisputed,
			SessionID:  session.ID,
			ListenerID: session.ListenerID,
			CreatorID:  session.CreatorID,
			Details:    map[string]interface{}{"error": cause.Error(), "creditsConsumed": session.CreditsConsumed},
		})
	}

	final, findErr := c.sessions.FindByID(ctx, session.ID)
	if findErr != nil {
		return nil, findErr
	}
	return final, cause
}
