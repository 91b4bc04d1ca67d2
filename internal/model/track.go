package model

import "time"

// Track is the minimal content row the session engine reads. File storage
// and playback live elsewhere.
type Track struct {
	ID         string    `db:"id" json:"id"`
	CreatorID  string    `db:"creator_id" json:"creatorId"`
	Title      string    `db:"title" json:"title"`
	Restricted bool      `db:"restricted" json:"restricted"`
	CreatedAt  time.Time `db:"created_at" json:"createdAt"`
}
