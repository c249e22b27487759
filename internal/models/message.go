package models

import "time"

// Message is an opaque ciphertext payload relayed within one conversation.
// Seq breaks ties between messages created at the same instant.
type Message struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	Sender         string     `json:"from"`
	Payload        string     `json:"payload"`
	Seq            int64      `json:"seq"`
	CreatedAt      time.Time  `json:"timestamp"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	Delivered      bool       `json:"delivered"`
	Read           bool       `json:"read"`
}

func (m *Message) Expired(now time.Time) bool {
	return m.ExpiresAt != nil && !now.Before(*m.ExpiresAt)
}

// PublicKey is an opaque client key published for end-to-end encryption.
type PublicKey struct {
	Identity  string    `json:"username"`
	Key       string    `json:"public_key"`
	UpdatedAt time.Time `json:"updated_at"`
}
