package models

import (
	"sort"
	"time"
)

// NoteKey is one participant's access to a note: a verifier for their phrase
// and the note key wrapped under that phrase.
type NoteKey struct {
	Verifier   []byte    `json:"-"`
	WrappedKey []byte    `json:"-"`
	SetAt      time.Time `json:"set_at"`
}

// SharedNote holds client ciphertext sealed at rest to a per-note key.
type SharedNote struct {
	ID             string
	ConversationID string
	Title          string
	Creator        string
	Content        []byte
	Recipient      string
	EscrowedKey    []byte
	Keys           map[string]*NoteKey
	DeleteRequests map[string]time.Time
	CreatedAt      time.Time
	LastEditedBy   string
	LastEditedAt   *time.Time
}

func (n *SharedNote) HasPhrase(identity string) bool {
	k, ok := n.Keys[identity]
	return ok && len(k.Verifier) > 0
}

// DeleteRequesters returns the identities that voted for deletion, sorted.
func (n *SharedNote) DeleteRequesters() []string {
	ids := make([]string, 0, len(n.DeleteRequests))
	for id := range n.DeleteRequests {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (n *SharedNote) Clone() *SharedNote {
	c := *n
	c.Content = append([]byte(nil), n.Content...)
	c.EscrowedKey = append([]byte(nil), n.EscrowedKey...)
	c.Keys = make(map[string]*NoteKey, len(n.Keys))
	for id, k := range n.Keys {
		kc := *k
		kc.Verifier = append([]byte(nil), k.Verifier...)
		kc.WrappedKey = append([]byte(nil), k.WrappedKey...)
		c.Keys[id] = &kc
	}
	c.DeleteRequests = make(map[string]time.Time, len(n.DeleteRequests))
	for id, t := range n.DeleteRequests {
		c.DeleteRequests[id] = t
	}
	if n.LastEditedAt != nil {
		t := *n.LastEditedAt
		c.LastEditedAt = &t
	}
	return &c
}

// Metadata describes the note from identity's point of view without content.
func (n *SharedNote) Metadata(identity string) NoteMetadata {
	return NoteMetadata{
		ID:                n.ID,
		ConversationID:    n.ConversationID,
		Title:             n.Title,
		CreatedBy:         n.Creator,
		CreatedAt:         n.CreatedAt,
		HasPhrase:         n.HasPhrase(identity),
		IsPending:         len(n.DeleteRequests) > 0,
		DeleteRequestedBy: n.DeleteRequesters(),
		LastEditedBy:      n.LastEditedBy,
		LastEditedAt:      n.LastEditedAt,
	}
}

type NoteMetadata struct {
	ID                string     `json:"note_id"`
	ConversationID    string     `json:"conversation_id"`
	Title             string     `json:"title"`
	CreatedBy         string     `json:"created_by"`
	CreatedAt         time.Time  `json:"created_at"`
	HasPhrase         bool       `json:"has_phrase"`
	IsPending         bool       `json:"is_pending"`
	DeleteRequestedBy []string   `json:"delete_requested_by"`
	LastEditedBy      string     `json:"last_edited_by,omitempty"`
	LastEditedAt      *time.Time `json:"last_edited_at,omitempty"`
}
