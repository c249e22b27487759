package models

import (
	"sort"
	"time"
)

type CallState string

const (
	CallRinging CallState = "ringing"
	CallActive  CallState = "active"
	CallEnded   CallState = "ended"
)

// EndReason qualifies CallEnded. Declined and timed-out calls never became active.
type EndReason string

const (
	EndEmpty    EndReason = "empty"
	EndDeclined EndReason = "declined"
	EndTimedOut EndReason = "timed_out"
	EndHangup   EndReason = "ended"
	EndPeerLeft EndReason = "peer_left"
	EndInternal EndReason = "internal_error"
)

type Participant struct {
	Identity      string    `json:"username"`
	ConnectionID  string    `json:"-"`
	CanSpeak      bool      `json:"can_speak"`
	Audio         bool      `json:"audio"`
	Video         bool      `json:"video"`
	ScreenSharing bool      `json:"screen_sharing"`
	JoinedAt      time.Time `json:"joined_at"`
}

type CallSession struct {
	ID             string
	ConversationID string
	Kind           ConversationKind
	WithVideo      bool
	Caller         string
	State          CallState
	Reason         EndReason
	Participants   map[string]*Participant
	// Invited holds the members who were online when the call started.
	Invited    []string
	Declined   map[string]bool
	StartedAt  time.Time
	AnsweredAt *time.Time
	EndedAt    *time.Time
}

func (c *CallSession) Live() bool {
	return c.State == CallRinging || c.State == CallActive
}

// Roster returns a copy of the participants ordered by join time, skipping exclude.
func (c *CallSession) Roster(exclude string) []Participant {
	out := make([]Participant, 0, len(c.Participants))
	for id, p := range c.Participants {
		if id == exclude {
			continue
		}
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].Identity < out[j].Identity
	})
	return out
}

// Identities lists participant identities in roster order.
func (c *CallSession) Identities() []string {
	roster := c.Roster("")
	ids := make([]string, len(roster))
	for i, p := range roster {
		ids[i] = p.Identity
	}
	return ids
}

func (c *CallSession) Info() CallInfo {
	return CallInfo{
		CallID:         c.ID,
		ConversationID: c.ConversationID,
		Kind:           c.Kind,
		WithVideo:      c.WithVideo,
		Caller:         c.Caller,
		State:          c.State,
		StartedAt:      c.StartedAt,
		Participants:   c.Roster(""),
	}
}

// CallInfo is the wire summary of a live call.
type CallInfo struct {
	CallID         string           `json:"call_id"`
	ConversationID string           `json:"conversation_id"`
	Kind           ConversationKind `json:"kind"`
	WithVideo      bool             `json:"with_video"`
	Caller         string           `json:"caller"`
	State          CallState        `json:"state"`
	StartedAt      time.Time        `json:"started_at"`
	Participants   []Participant    `json:"participants"`
}
