package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tunebeat/stream-server-go/internal/audit"
	"github.com/tunebeat/stream-server-go/internal/model"
	"github.com/tunebeat/stream-server-go/internal/repository"
	"github.com/tunebeat/stream-server-go/internal/settlement"
)

const recoveryRunTimeout = 2 * time.Minute

// RecoveryJob replays the close sequence for sessions left behind by a crash
// or a failed settlement attempt. Two cases:
//
//   - closing with a persisted settlement_tx_ref: phase 2 succeeded but the
//     ledger finalize never completed. Re-running the coordinator is safe
//     because phase 2 short-circuits on the stored ref and phase 3 is
//     idempotent (history is unique per session).
//   - open or closing with no ref, untouched for longer than staleAfter: the
//     process died mid-session. Settle from the last durably persisted
//     credits_consumed so the session is never lost silently.
type RecoveryJob struct {
	sessions    repository.SessionRepository
	coordinator *settlement.Coordinator
	interval    time.Duration
	staleAfter  time.Duration
	done        chan struct{}
}

func NewRecoveryJob(
	sessions repository.SessionRepository,
	coordinator *settlement.Coordinator,
	interval time.Duration,
	staleAfter time.Duration,
) *RecoveryJob {
	return &RecoveryJob{
		sessions:    sessions,
		coordinator: coordinator,
		interval:    interval,
		staleAfter:  staleAfter,
		done:        make(chan struct{}),
	}
}

func (j *RecoveryJob) Start() {
	go j.run()
	log.Info().Dur("interval", j.interval).Msg("recovery job started")
}

func (j *RecoveryJob) Stop() {
	close(j.done)
	log.Info().Msg("recovery job stopped")
}

func (j *RecoveryJob) run() {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	// One pass at startup picks up whatever the previous process dropped.
	j.RunOnce()

	for {
		select {
		case <-j.done:
			return
		case <-ticker.C:
			j.RunOnce()
		}
	}
}

// RunOnce scans for unsettled stale sessions and replays their close.
func (j *RecoveryJob) RunOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), recoveryRunTimeout)
	defer cancel()

	stale, err := j.sessions.FindUnsettled(ctx, time.Now().Add(-j.staleAfter))
	if err != nil {
		log.Error().Err(err).Msg("recovery scan failed")
		return
	}

	for _, session := range stale {
		audit.Log(ctx, audit.Event{
			Type:       audit.EventRecoveryReplay,
			SessionID:  session.ID,
			ListenerID: session.ListenerID,
			CreatorID:  session.CreatorID,
			Details: map[string]interface{}{
				"status":          string(session.Status),
				"creditsConsumed": session.CreditsConsumed,
				"hasTxRef":        session.SettlementTxRef != nil,
			},
		})

		// A stale open session has no live metering loop; move it into
		// closing so the coordinator will accept it.
		if _, err := j.sessions.TransitionStatus(ctx, session.ID, model.SessionStatusOpen, model.SessionStatusClosing); err != nil {
			log.Error().Err(err).Str("sessionId", session.ID).Msg("recovery: failed to enter closing state")
			continue
		}

		if _, err := j.coordinator.Close(ctx, session.ID); err != nil {
			log.Error().Err(err).Str("sessionId", session.ID).Msg("recovery: settlement failed")
			continue
		}

		log.Info().Str("sessionId", session.ID).Msg("recovery: session settled")
	}

	if len(stale) > 0 {
		log.Info().Int("count", len(stale)).Msg("recovery pass complete")
	}
}
