package model

import "time"

// StreamHistoryEntry is the immutable settlement record, written exactly once
// per settled session (unique on session_id). Loyalty totals are recomputed
// from these rows, never from a separate counter.
type StreamHistoryEntry struct {
	ID              int64     `db:"id" json:"id"`
	SessionID       string    `db:"session_id" json:"sessionId"`
	ListenerID      string    `db:"listener_id" json:"listenerId"`
	CreatorID       string    `db:"creator_id" json:"creatorId"`
	TrackID         string    `db:"track_id" json:"trackId"`
	CreditsPaid     int64     `db:"credits_paid" json:"creditsPaid"`
	DurationSeconds int64     `db:"duration_seconds" json:"durationSeconds"`
	SettledAt       time.Time `db:"settled_at" json:"settledAt"`
}

type AppendHistoryParams struct {
	SessionID       string
	ListenerID      string
	CreatorID       string
	TrackID         string
	CreditsPaid     int64
	DurationSeconds int64
}

// EarningsEntry is a creator-facing view of one session's outcome. Disputed
// sessions surface here as pending rather than disappearing.
type EarningsEntry struct {
	SessionID   string    `db:"session_id" json:"sessionId"`
	ListenerID  string    `db:"listener_id" json:"listenerId"`
	TrackID     string    `db:"track_id" json:"trackId"`
	CreditsPaid int64     `db:"credits_paid" json:"creditsPaid"`
	Status      string    `db:"status" json:"status"`
	OccurredAt  time.Time `db:"occurred_at" json:"occurredAt"`
}
