package model

import "time"

// Balance is a listener's available credits. Never negative: every mutation
// is a single atomic check-and-adjust in the store.
type Balance struct {
	ListenerID string    `db:"listener_id" json:"listenerId"`
	Credits    int64     `db:"credits" json:"credits"`
	UpdatedAt  time.Time `db:"updated_at" json:"updatedAt"`
}
