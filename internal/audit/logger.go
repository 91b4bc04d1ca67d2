// Package audit emits the operator-facing event stream. Disputed sessions
// and settlement failures land here so they can be picked up by the
// reconciliation queue instead of vanishing into debug logs.
package audit

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type EventType string

const (
	EventSessionDisputed          EventType = "session_disputed"
	EventSettlementRetryExhausted EventType = "settlement_retry_exhausted"
	EventSettlementRejected       EventType = "settlement_rejected"
	EventLedgerConflict           EventType = "ledger_conflict"
	EventRecoveryReplay           EventType = "recovery_replay"
	EventOperatorCredit           EventType = "operator_credit"
	EventAuthFailure              EventType = "auth_failure"
	EventRateLimitExceed          EventType = "rate_limit_exceeded"
)

type Event struct {
	Type       EventType
	SessionID  string
	ListenerID string
	CreatorID  string
	Details    map[string]interface{}
}

func Log(ctx context.Context, event Event) {
	logger := log.With().
		Str("audit", "operator").
		Str("event_type", string(event.Type)).
		Time("timestamp", time.Now()).
		Logger()

	if event.SessionID != "" {
		logger = logger.With().Str("session_id", event.SessionID).Logger()
	}
	if event.ListenerID != "" {
		logger = logger.With().Str("listener_id", event.ListenerID).Logger()
	}
	if event.CreatorID != "" {
		logger = logger.With().Str("creator_id", event.CreatorID).Logger()
	}

	logEvent := logger.Warn()
	for k, v := range event.Details {
		logEvent = addField(logEvent, k, v)
	}
	logEvent.Msg("operator audit event")
}

func addField(e *zerolog.Event, key string, value interface{}) *zerolog.Event {
	switch v := value.(type) {
	case string:
		return e.Str(key, v)
	case int:
		return e.Int(key, v)
	case int64:
		return e.Int64(key, v)
	case bool:
		return e.Bool(key, v)
	case error:
		return e.AnErr(key, v)
	default:
		return e.Interface(key, v)
	}
}
