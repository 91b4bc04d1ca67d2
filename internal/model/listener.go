package model

import "time"

// Listener is an authenticated caller account. Registration is handled by an
// external surface; this core only resolves tokens and owns the balance.
type Listener struct {
	ID        string    `db:"id" json:"id"`
	TokenHash string    `db:"token_hash" json:"-"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

type CreateListenerParams struct {
	TokenHash      string
	InitialCredits int64
}
