package model

import "time"

// LoyaltyGrant is a one-time reward for a (listener, creator) pair, created
// at most once. Uniqueness is enforced by the store.
type LoyaltyGrant struct {
	ID           int64     `db:"id" json:"id"`
	ListenerID   string    `db:"listener_id" json:"listenerId"`
	CreatorID    string    `db:"creator_id" json:"creatorId"`
	GrantName    string    `db:"grant_name" json:"grantName"`
	TotalAtGrant int64     `db:"total_at_grant" json:"totalAtGrant"`
	GrantedAt    time.Time `db:"granted_at" json:"grantedAt"`
}

type CreateLoyaltyGrantParams struct {
	ListenerID   string
	CreatorID    string
	GrantName    string
	TotalAtGrant int64
}
