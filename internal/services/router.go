package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"securechat/internal/clock"
	"securechat/internal/database"
	"securechat/internal/lockmap"
	"securechat/internal/models"
	"securechat/internal/registry"
	"securechat/pkg/logger"
)

// MembershipListener is told when identity stops being a member of a conversation.
type MembershipListener func(ctx context.Context, conversationID, removed string)

// Router resolves conversations to members and tracks which connections have
// joined which conversation rooms. Live events are scoped to joined connections.
type Router struct {
	db    database.Database
	reg   *registry.Registry
	clock clock.Clock
	ids   clock.IDGenerator
	locks *lockmap.Map

	mu     sync.RWMutex
	rooms  map[string]map[string]string // conversation -> conn -> identity
	byConn map[string]map[string]struct{}

	listenersMu sync.RWMutex
	listeners   []MembershipListener
}

func NewRouter(db database.Database, reg *registry.Registry, clk clock.Clock, ids clock.IDGenerator) *Router {
	r := &Router{
		db:     db,
		reg:    reg,
		clock:  clk,
		ids:    ids,
		locks:  lockmap.New(),
		rooms:  make(map[string]map[string]string),
		byConn: make(map[string]map[string]struct{}),
	}
	reg.SetPeerResolver(r)
	reg.OnDisconnect(r.DropConnection)
	return r
}

// Lock serializes work on one conversation.
func (r *Router) Lock(conversationID string) func() {
	return r.locks.Lock(conversationID)
}

func (r *Router) OnMembershipChange(fn MembershipListener) {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// Resolve loads the conversation and identity's membership in it. Direct
// conversations are created on first use by either party.
func (r *Router) Resolve(ctx context.Context, identity, conversationID string) (*models.Conversation, *models.Member, error) {
	conv, err := r.db.GetConversation(ctx, conversationID)
	if errors.Is(err, models.ErrNotFound) {
		if a, b, ok := models.ParseDirectConversationID(conversationID); ok && (identity == a || identity == b) {
			conv, err = r.ensureDirect(ctx, a, b)
		}
	}
	if err != nil {
		return nil, nil, err
	}

	member, err := r.db.GetMember(ctx, conversationID, identity)
	if errors.Is(err, models.ErrNotFound) {
		return nil, nil, fmt.Errorf("%w: %s in %s", models.ErrNotMember, identity, conversationID)
	}
	if err != nil {
		return nil, nil, err
	}
	return conv, member, nil
}

func (r *Router) ensureDirect(ctx context.Context, a, b string) (*models.Conversation, error) {
	id := models.DirectConversationID(a, b)
	now := r.clock.Now()
	conv := &models.Conversation{ID: id, Kind: models.KindDirect, AutoDelete: models.PolicyNever, CreatedAt: now}
	members := []models.Member{
		{Identity: a, Role: models.RoleMember, AddedAt: now},
		{Identity: b, Role: models.RoleMember, AddedAt: now},
	}
	err := r.db.CreateConversation(ctx, conv, members)
	if err != nil && !errors.Is(err, models.ErrConflict) {
		return nil, err
	}
	return r.db.GetConversation(ctx, id)
}

// JoinDirect joins the direct conversation between the connection's identity and peer.
func (r *Router) JoinDirect(ctx context.Context, conn *registry.Conn, peer string) (*models.Membership, error) {
	id, err := directWith(conn.Identity, peer)
	if err != nil {
		return nil, err
	}
	return r.Join(ctx, conn, id, models.KindDirect)
}

// directWith returns the id of identity's direct conversation with peer.
func directWith(identity, peer string) (string, error) {
	if err := models.ValidateIdentity(peer); err != nil {
		return "", err
	}
	if peer == identity {
		return "", fmt.Errorf("%w: cannot open a direct conversation with yourself", models.ErrValidation)
	}
	return models.DirectConversationID(identity, peer), nil
}

// Join routes conversation events to conn. want restricts the conversation
// kind; the empty kind accepts any.
func (r *Router) Join(ctx context.Context, conn *registry.Conn, conversationID string, want models.ConversationKind) (*models.Membership, error) {
	unlock := r.Lock(conversationID)
	defer unlock()
	return r.joinLocked(ctx, conn, conversationID, want)
}

// joinLocked is Join for callers already holding the conversation lock.
func (r *Router) joinLocked(ctx context.Context, conn *registry.Conn, conversationID string, want models.ConversationKind) (*models.Membership, error) {
	conv, member, err := r.Resolve(ctx, conn.Identity, conversationID)
	if err != nil {
		return nil, err
	}
	if want != "" && conv.Kind != want {
		return nil, fmt.Errorf("%w: %s is a %s conversation", models.ErrValidation, conversationID, conv.Kind)
	}

	r.mu.Lock()
	room, ok := r.rooms[conversationID]
	if !ok {
		room = make(map[string]string)
		r.rooms[conversationID] = room
	}
	room[conn.ID] = conn.Identity
	joined, ok := r.byConn[conn.ID]
	if !ok {
		joined = make(map[string]struct{})
		r.byConn[conn.ID] = joined
	}
	joined[conversationID] = struct{}{}
	r.mu.Unlock()

	logger.Info("%s joined %s", conn.Identity, conversationID)
	return &models.Membership{
		ConversationID: conversationID,
		Kind:           conv.Kind,
		Identity:       conn.Identity,
		ConnectionID:   conn.ID,
		Role:           member.Role,
		JoinedAt:       r.clock.Now(),
	}, nil
}

// Leave stops routing conversation events to the connection. Leaving a room
// that was never joined is a no-op.
func (r *Router) Leave(ctx context.Context, connID, conversationID string) {
	unlock := r.Lock(conversationID)
	defer unlock()
	r.leaveLocked(connID, conversationID)
}

func (r *Router) leaveLocked(connID, conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if room, ok := r.rooms[conversationID]; ok {
		delete(room, connID)
		if len(room) == 0 {
			delete(r.rooms, conversationID)
		}
	}
	if joined, ok := r.byConn[connID]; ok {
		delete(joined, conversationID)
		if len(joined) == 0 {
			delete(r.byConn, connID)
		}
	}
}

// DropConnection forgets every room a closed connection had joined.
func (r *Router) DropConnection(conn *registry.Conn) {
	r.mu.Lock()
	joined := r.byConn[conn.ID]
	delete(r.byConn, conn.ID)
	for conv := range joined {
		if room, ok := r.rooms[conv]; ok {
			delete(room, conn.ID)
			if len(room) == 0 {
				delete(r.rooms, conv)
			}
		}
	}
	r.mu.Unlock()
}

func (r *Router) IsJoined(connID, conversationID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[conversationID][connID]
	return ok
}

// JoinedIdentities lists the distinct identities with a connection in the room.
func (r *Router) JoinedIdentities(conversationID string) []string {
	r.mu.RLock()
	seen := make(map[string]struct{})
	for _, identity := range r.rooms[conversationID] {
		seen[identity] = struct{}{}
	}
	r.mu.RUnlock()

	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (r *Router) Members(ctx context.Context, conversationID string) ([]models.Member, error) {
	return r.db.GetMembers(ctx, conversationID)
}

// MemberIdentities returns the recorded member identities, sorted.
func (r *Router) MemberIdentities(ctx context.Context, conversationID string) ([]string, error) {
	members, err := r.db.GetMembers(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(members))
	for i, m := range members {
		out[i] = m.Identity
	}
	return out, nil
}

// Peers implements registry.PeerResolver.
func (r *Router) Peers(ctx context.Context, identity string) ([]string, error) {
	convs, err := r.db.ListUserConversations(ctx, identity)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	for _, c := range convs {
		members, err := r.db.GetMembers(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		for _, m := range members {
			if m.Identity != identity {
				seen[m.Identity] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (r *Router) roomConns(conversationID string) map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.rooms[conversationID]))
	for connID, identity := range r.rooms[conversationID] {
		out[connID] = identity
	}
	return out
}

// Broadcast sends ev to every connection joined to the conversation, skipping
// all connections of except when it is non-empty. It returns the identities
// that accepted the event.
func (r *Router) Broadcast(conversationID string, ev models.Event, except string) []string {
	return r.BroadcastEach(conversationID, except, func(string) models.Event { return ev })
}

// BroadcastEach is Broadcast with an event built per recipient identity.
func (r *Router) BroadcastEach(conversationID, except string, build func(identity string) models.Event) []string {
	accepted := make(map[string]struct{})
	for connID, identity := range r.roomConns(conversationID) {
		if except != "" && identity == except {
			continue
		}
		if err := r.reg.SendToConn(connID, build(identity)); err != nil {
			logger.Debug("Skipping %s in %s: %v", connID, conversationID, err)
			continue
		}
		accepted[identity] = struct{}{}
	}
	out := make([]string, 0, len(accepted))
	for id := range accepted {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// NotifyMembers sends ev to every online connection of every member, joined or
// not, except the identity named by except.
func (r *Router) NotifyMembers(ctx context.Context, conversationID string, ev models.Event, except string) error {
	members, err := r.db.GetMembers(ctx, conversationID)
	if err != nil {
		return err
	}
	for _, m := range members {
		if m.Identity != except {
			r.reg.SendToIdentity(m.Identity, ev)
		}
	}
	return nil
}

// Membership management

// CreateConversation creates a group or channel owned by owner.
func (r *Router) CreateConversation(ctx context.Context, owner string, kind models.ConversationKind, name string, members []string) (*models.Conversation, error) {
	if kind != models.KindGroup && kind != models.KindChannel {
		return nil, fmt.Errorf("%w: kind must be group or channel", models.ErrValidation)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", models.ErrValidation)
	}

	now := r.clock.Now()
	conv := &models.Conversation{
		ID:         r.ids.New(),
		Kind:       kind,
		Name:       name,
		Owner:      owner,
		AutoDelete: models.PolicyNever,
		CreatedAt:  now,
	}
	set := []models.Member{{Identity: owner, Role: models.RoleOwner, AddedAt: now}}
	seen := map[string]bool{owner: true}
	for _, m := range members {
		if err := models.ValidateIdentity(m); err != nil {
			return nil, err
		}
		if seen[m] {
			continue
		}
		seen[m] = true
		set = append(set, models.Member{Identity: m, Role: models.RoleMember, AddedAt: now})
	}

	if err := r.db.CreateConversation(ctx, conv, set); err != nil {
		return nil, err
	}
	logger.Info("%s created %s %s with %d members", owner, kind, conv.ID, len(set))
	return conv, nil
}

// AddMember lets an owner or moderator add identity. Only the owner may grant
// the moderator role.
func (r *Router) AddMember(ctx context.Context, actor, conversationID, identity string, role models.Role) error {
	if err := models.ValidateIdentity(identity); err != nil {
		return err
	}
	if role == "" {
		role = models.RoleMember
	}
	if role != models.RoleMember && role != models.RoleModerator {
		return fmt.Errorf("%w: role must be member or moderator", models.ErrValidation)
	}

	unlock := r.Lock(conversationID)
	defer unlock()

	conv, member, err := r.Resolve(ctx, actor, conversationID)
	if err != nil {
		return err
	}
	if conv.Kind == models.KindDirect {
		return fmt.Errorf("%w: direct conversations have fixed members", models.ErrPermissionDenied)
	}
	if member.Role == models.RoleMember || (role == models.RoleModerator && member.Role != models.RoleOwner) {
		return fmt.Errorf("%w: %s cannot add %s members", models.ErrPermissionDenied, actor, role)
	}

	if err := r.db.AddMember(ctx, conversationID, models.Member{Identity: identity, Role: role, AddedAt: r.clock.Now()}); err != nil {
		return err
	}
	logger.Info("%s added %s to %s as %s", actor, identity, conversationID, role)
	return nil
}

// RemoveMember removes identity. Members may remove themselves; owners and
// moderators may remove plain members. The owner cannot be removed.
func (r *Router) RemoveMember(ctx context.Context, actor, conversationID, identity string) error {
	unlock := r.Lock(conversationID)

	conv, member, err := r.Resolve(ctx, actor, conversationID)
	if err != nil {
		unlock()
		return err
	}
	target, err := r.db.GetMember(ctx, conversationID, identity)
	if err != nil {
		unlock()
		if errors.Is(err, models.ErrNotFound) {
			return fmt.Errorf("%w: %s in %s", models.ErrNotMember, identity, conversationID)
		}
		return err
	}

	switch {
	case conv.Kind == models.KindDirect:
		err = fmt.Errorf("%w: direct conversations have fixed members", models.ErrPermissionDenied)
	case target.Role == models.RoleOwner:
		err = fmt.Errorf("%w: the owner cannot be removed", models.ErrPermissionDenied)
	case actor != identity && (member.Role == models.RoleMember || target.Role == member.Role):
		err = fmt.Errorf("%w: %s cannot remove %s", models.ErrPermissionDenied, actor, identity)
	}
	if err != nil {
		unlock()
		return err
	}

	if err := r.db.RemoveMember(ctx, conversationID, identity); err != nil {
		unlock()
		return err
	}
	for _, c := range r.reg.Connections(identity) {
		r.leaveLocked(c.ID, conversationID)
	}
	unlock()

	logger.Info("%s removed %s from %s", actor, identity, conversationID)

	r.listenersMu.RLock()
	listeners := append([]MembershipListener{}, r.listeners...)
	r.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(ctx, conversationID, identity)
	}
	return nil
}
