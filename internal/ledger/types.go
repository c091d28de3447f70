package ledger

import "time"

// Outstanding is a sent message that has not been acknowledged yet.
type Outstanding struct {
	MessageID string
	Identity  string // destination
	SentAt    time.Time
}

// Eviction reports a peer dropped by a sweep.
type Eviction struct {
	Identity   string
	MessageIDs []string // expired, unacknowledged messages to the peer
	Removed    bool     // false if the peer had already left the table
}
