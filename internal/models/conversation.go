package models

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

type ConversationKind string

const (
	KindDirect  ConversationKind = "direct"
	KindGroup   ConversationKind = "group"
	KindChannel ConversationKind = "channel"
)

func (k ConversationKind) Valid() bool {
	switch k {
	case KindDirect, KindGroup, KindChannel:
		return true
	}
	return false
}

type Role string

const (
	RoleOwner     Role = "owner"
	RoleModerator Role = "moderator"
	RoleMember    Role = "member"
)

func (r Role) Valid() bool {
	switch r {
	case RoleOwner, RoleModerator, RoleMember:
		return true
	}
	return false
}

// CanSpeak reports whether a member with role r may transmit media in a call
// on a conversation of kind k. Channels are listen-only below moderator.
func CanSpeak(k ConversationKind, r Role) bool {
	if k != KindChannel {
		return true
	}
	return r == RoleOwner || r == RoleModerator
}

type AutoDeletePolicy string

const (
	PolicyNever AutoDeletePolicy = "never"
	PolicyDay   AutoDeletePolicy = "1_day"
	PolicyWeek  AutoDeletePolicy = "1_week"
	PolicyMonth AutoDeletePolicy = "1_month"
	PolicyYear  AutoDeletePolicy = "1_year"
)

var policyTTL = map[AutoDeletePolicy]time.Duration{
	PolicyNever: 0,
	PolicyDay:   24 * time.Hour,
	PolicyWeek:  7 * 24 * time.Hour,
	PolicyMonth: 30 * 24 * time.Hour,
	PolicyYear:  365 * 24 * time.Hour,
}

// ParseAutoDeletePolicy accepts the wire names; an empty string means never.
func ParseAutoDeletePolicy(s string) (AutoDeletePolicy, error) {
	if s == "" {
		return PolicyNever, nil
	}
	p := AutoDeletePolicy(s)
	if _, ok := policyTTL[p]; !ok {
		return "", fmt.Errorf("%w: unknown auto-delete period %q", ErrValidation, s)
	}
	return p, nil
}

func (p AutoDeletePolicy) TTL() time.Duration {
	return policyTTL[p]
}

// ExpiresAt returns the expiry of a message created at t, or nil when the
// policy keeps messages forever.
func (p AutoDeletePolicy) ExpiresAt(t time.Time) *time.Time {
	ttl := p.TTL()
	if ttl == 0 {
		return nil
	}
	e := t.Add(ttl)
	return &e
}

type Conversation struct {
	ID         string           `json:"id"`
	Kind       ConversationKind `json:"kind"`
	Name       string           `json:"name,omitempty"`
	Owner      string           `json:"owner,omitempty"`
	AutoDelete AutoDeletePolicy `json:"auto_delete"`
	UpdatedBy  string           `json:"updated_by,omitempty"`
	UpdatedAt  *time.Time       `json:"updated_at,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
}

func (c *Conversation) Settings() ConversationSettings {
	return ConversationSettings{
		AutoDelete: c.AutoDelete,
		UpdatedBy:  c.UpdatedBy,
		UpdatedAt:  c.UpdatedAt,
	}
}

type ConversationSettings struct {
	AutoDelete AutoDeletePolicy `json:"auto_delete"`
	UpdatedBy  string           `json:"updated_by,omitempty"`
	UpdatedAt  *time.Time       `json:"updated_at,omitempty"`
}

type Member struct {
	Identity string    `json:"username"`
	Role     Role      `json:"role"`
	AddedAt  time.Time `json:"added_at"`
}

// Membership is handed back by a successful join and names the connection
// that is now routed events for the conversation.
type Membership struct {
	ConversationID string           `json:"conversation_id"`
	Kind           ConversationKind `json:"kind"`
	Identity       string           `json:"username"`
	ConnectionID   string           `json:"-"`
	Role           Role             `json:"role"`
	JoinedAt       time.Time        `json:"joined_at"`
}

const directPrefix = "dm:"

// ValidateIdentity rejects identities that cannot be embedded in a direct
// conversation id.
func ValidateIdentity(identity string) error {
	if strings.TrimSpace(identity) == "" {
		return fmt.Errorf("%w: identity is required", ErrValidation)
	}
	if strings.Contains(identity, ":") {
		return fmt.Errorf("%w: identity may not contain ':'", ErrValidation)
	}
	if len(identity) > 64 {
		return fmt.Errorf("%w: identity longer than 64 bytes", ErrValidation)
	}
	return nil
}

// DirectConversationID derives the id of the direct conversation between a
// and b. The result is the same regardless of argument order.
func DirectConversationID(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return directPrefix + pair[0] + ":" + pair[1]
}

// ParseDirectConversationID splits a direct conversation id into its pair.
// Only the form produced by DirectConversationID is accepted: two distinct
// identities in sorted order.
func ParseDirectConversationID(id string) (a, b string, ok bool) {
	rest, found := strings.CutPrefix(id, directPrefix)
	if !found {
		return "", "", false
	}
	a, b, ok = strings.Cut(rest, ":")
	if !ok || a == "" || b == "" || strings.Contains(b, ":") || a >= b {
		return "", "", false
	}
	return a, b, true
}

func IsDirectConversationID(id string) bool {
	_, _, ok := ParseDirectConversationID(id)
	return ok
}
