// Package metering owns the per-second consumption clock. One loop runs per
// open session, and the listener balance is the only state it shares with
// anything else, always through single atomic store operations.
package metering

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tunebeat/stream-server-go/internal/channel"
	apperrors "github.com/tunebeat/stream-server-go/internal/errors"
	"github.com/tunebeat/stream-server-go/internal/model"
	"github.com/tunebeat/stream-server-go/internal/repository"
	"github.com/tunebeat/stream-server-go/internal/sse"
)

// StopReason explains why a loop exited.
type StopReason string

const (
	// ReasonStopped: the stop channel was signalled (client requested close).
	ReasonStopped StopReason = "stopped"
	// ReasonExhausted: the listener balance hit zero mid-session.
	ReasonExhausted StopReason = "exhausted"
	// ReasonClosed: the session status left open underneath the loop
	// (close barrier observed at a tick boundary).
	ReasonClosed StopReason = "closed"
	// ReasonAborted: the surrounding context was cancelled.
	ReasonAborted StopReason = "aborted"
)

// Sink receives progress and terminal events. Satisfied by *sse.Broker.
type Sink interface {
	PublishProgress(ctx context.Context, sessionID string, progress sse.ProgressData) error
	PublishTerminal(ctx context.Context, sessionID string, eventType string, payload any) error
}

// Result is handed to the session supervisor when the loop exits. Ticks is
// the number of committed debits, which always equals the session's
// credits_consumed delta for this loop.
type Result struct {
	Reason StopReason
	Ticks  int64
}

type Loop struct {
	session  model.Session
	balances repository.BalanceRepository
	sessions repository.SessionRepository
	peer     channel.Peer
	sink     Sink
	tick     time.Duration

	stop     chan struct{}
	stopOnce sync.Once
}

func NewLoop(
	session model.Session,
	balances repository.BalanceRepository,
	sessions repository.SessionRepository,
	peer channel.Peer,
	sink Sink,
	tick time.Duration,
) *Loop {
	return &Loop{
		session:  session,
		balances: balances,
		sessions: sessions,
		peer:     peer,
		sink:     sink,
		tick:     tick,
		stop:     make(chan struct{}),
	}
}

// Stop requests a cooperative shutdown. The loop observes it at the next tick
// boundary, so at most one further debit can land after the call. Safe to
// call more than once and from any goroutine.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// Run meters the session until stop, exhaustion, close, or cancellation.
// It must only ever run once, in its own goroutine.
func (l *Loop) Run(ctx context.Context) Result {
	channelRef := l.openAllocation(ctx)

	// time.Ticker keeps a monotonic cadence: a delayed receive coalesces
	// missed ticks instead of double-firing, so one elapsed second is never
	// charged twice.
	ticker := time.NewTicker(l.tick)
	defer ticker.Stop()

	var ticks int64

	for {
		select {
		case <-ctx.Done():
			return Result{Reason: ReasonAborted, Ticks: ticks}

		case <-l.stop:
			return Result{Reason: ReasonStopped, Ticks: ticks}

		case <-ticker.C:
			reason, ok := l.runTick(ctx, channelRef, &ticks)
			if !ok {
				return Result{Reason: reason, Ticks: ticks}
			}
		}
	}
}

// runTick performs one debit cycle. Returns ok=false with the exit reason
// when the loop must stop.
func (l *Loop) runTick(ctx context.Context, channelRef string, ticks *int64) (StopReason, bool) {
	remaining, err := l.balances.Adjust(ctx, l.session.ListenerID, -1)
	if err != nil {
		if apperrors.IsCode(err, apperrors.ErrCodeInsufficientCredit) {
			log.Info().
				Str("sessionId", l.session.ID).
				Int64("ticks", *ticks).
				Msg("balance exhausted, stopping metering")
			if pubErr := l.sink.PublishTerminal(ctx, l.session.ID, sse.EventExhausted, map[string]any{
				"exhausted":      true,
				"total_consumed": l.session.CreditsConsumed + *ticks,
			}); pubErr != nil {
				log.Warn().Err(pubErr).Str("sessionId", l.session.ID).Msg("failed to publish exhausted event")
			}
			return ReasonExhausted, false
		}
		// Transient store failure: skip this tick rather than charge twice.
		log.Error().Err(err).Str("sessionId", l.session.ID).Msg("tick debit failed")
		return "", true
	}

	stillOpen, err := l.sessions.IncrementConsumed(ctx, l.session.ID)
	if err != nil || !stillOpen {
		// The debit landed but the session can no longer record it. Refund
		// so credits_consumed stays equal to what was actually debited.
		if _, refundErr := l.balances.Adjust(ctx, l.session.ListenerID, 1); refundErr != nil {
			log.Error().Err(refundErr).
				Str("sessionId", l.session.ID).
				Msg("refund after close barrier failed, ledger needs reconciliation")
		}
		if err != nil {
			log.Error().Err(err).Str("sessionId", l.session.ID).Msg("tick increment failed")
			return "", true
		}
		log.Debug().Str("sessionId", l.session.ID).Msg("close barrier observed, stopping metering")
		return ReasonClosed, false
	}

	*ticks++
	total := l.session.CreditsConsumed + *ticks

	// Channel update is a speed optimization for the counterparty: zero
	// retries, bounded by its own timeout, never allowed to delay the next
	// tick or fail the session.
	if channelRef != "" {
		if err := l.peer.UpdateAllocation(ctx, channelRef, remaining, total); err != nil {
			log.Debug().Err(err).Str("sessionId", l.session.ID).Msg("channel update skipped")
		}
	}

	if err := l.sink.PublishProgress(ctx, l.session.ID, sse.ProgressData{
		SecondsPlayed:    *ticks,
		CreditsRemaining: remaining,
		TotalConsumed:    total,
	}); err != nil {
		log.Warn().Err(err).Str("sessionId", l.session.ID).Msg("failed to publish progress")
	}

	return "", true
}

// openAllocation opens the channel at loop start, not session creation, so a
// failing peer never blocks a stream. Returns "" when running without a
// channel.
func (l *Loop) openAllocation(ctx context.Context) string {
	if !l.peer.Configured() {
		log.Debug().Str("sessionId", l.session.ID).Msg("channel peer unconfigured, metering without channel")
		return ""
	}

	balance, err := l.balances.Find(ctx, l.session.ListenerID)
	if err != nil || balance == nil {
		log.Warn().Err(err).Str("sessionId", l.session.ID).Msg("skipping channel open: balance lookup failed")
		return ""
	}

	ref, err := l.peer.OpenAllocation(ctx, l.session.ListenerID, l.session.CreatorID, balance.Credits)
	if err != nil {
		log.Warn().Err(err).Str("sessionId", l.session.ID).Msg("channel open failed, metering without channel")
		return ""
	}

	if err := l.sessions.SetChannelRef(ctx, l.session.ID, ref); err != nil {
		log.Warn().Err(err).Str("sessionId", l.session.ID).Msg("failed to persist channel ref")
	}

	log.Info().
		Str("sessionId", l.session.ID).
		Str("channelRef", ref).
		Msg("channel allocation opened")
	return ref
}
