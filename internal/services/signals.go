package services

import (
	"encoding/json"
	"sync"

	"securechat/internal/models"
)

type pairKey struct {
	call, from, to string
}

// Mailboxes is the directed relay table for call signaling. Each (call, from,
// to) pair has its own sequence so a recipient can detect gaps per peer.
type Mailboxes struct {
	mu    sync.Mutex
	pairs map[pairKey]uint64
}

func NewMailboxes() *Mailboxes {
	return &Mailboxes{pairs: make(map[pairKey]uint64)}
}

// Post stamps a signal with the next sequence number of its pair.
func (m *Mailboxes) Post(callID, from, to, kind string, data json.RawMessage) models.CallSignalPayload {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := pairKey{callID, from, to}
	m.pairs[k]++
	return models.CallSignalPayload{CallID: callID, From: from, Kind: kind, Data: data, Seq: m.pairs[k]}
}

// Delivered reports how many signals have been posted from -> to in a call.
func (m *Mailboxes) Delivered(callID, from, to string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pairs[pairKey{callID, from, to}]
}

// ForgetParticipant drops every pair involving identity.
func (m *Mailboxes) ForgetParticipant(callID, identity string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.pairs {
		if k.call == callID && (k.from == identity || k.to == identity) {
			delete(m.pairs, k)
		}
	}
}

func (m *Mailboxes) ForgetCall(callID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.pairs {
		if k.call == callID {
			delete(m.pairs, k)
		}
	}
}
