package models

import "time"

// Session is the live presence record for one identity. Presence is online
// iff ConnectionIDs is non-empty.
type Session struct {
	Identity      string    `json:"username"`
	ConnectionIDs []string  `json:"connection_ids"`
	OnlineSince   time.Time `json:"online_since"`
}

func (s Session) Online() bool {
	return len(s.ConnectionIDs) > 0
}
