package model

import "time"

// Session represents one listen-through of one track by one listener.
// CreditsConsumed only increases, only while status is open, and only via the
// metering loop's tick.
type Session struct {
	ID              string        `db:"id" json:"id"`
	ListenerID      string        `db:"listener_id" json:"listenerId"`
	CreatorID       string        `db:"creator_id" json:"creatorId"`
	TrackID         string        `db:"track_id" json:"trackId"`
	Status          SessionStatus `db:"status" json:"status"`
	CreditsConsumed int64         `db:"credits_consumed" json:"creditsConsumed"`
	ChannelRef      *string       `db:"channel_ref" json:"channelRef,omitempty"`
	SettlementTxRef *string       `db:"settlement_tx_ref" json:"settlementTxRef,omitempty"`
	StartedAt       time.Time     `db:"started_at" json:"startedAt"`
	CreatedAt       time.Time     `db:"created_at" json:"createdAt"`
	UpdatedAt       time.Time     `db:"updated_at" json:"updatedAt"`
}

type CreateSessionParams struct {
	ID         string
	ListenerID string
	CreatorID  string
	TrackID    string
}
