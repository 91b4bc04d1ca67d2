package model

// SessionStatus is the lifecycle state of a streaming session.
//
// open     -> metering loop is ticking, debits accepted
// closing  -> close sequence entered, no further debits
// settled  -> all close phases succeeded, terminal
// disputed -> settlement could not complete, terminal, operator queue
type SessionStatus string

const (
	SessionStatusOpen     SessionStatus = "open"
	SessionStatusClosing  SessionStatus = "closing"
	SessionStatusSettled  SessionStatus = "settled"
	SessionStatusDisputed SessionStatus = "disputed"
)

// Terminal reports whether no further transitions are allowed.
func (s SessionStatus) Terminal() bool {
	return s == SessionStatusSettled || s == SessionStatusDisputed
}
