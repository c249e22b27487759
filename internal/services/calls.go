package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"securechat/internal/clock"
	"securechat/internal/lockmap"
	"securechat/internal/models"
	"securechat/internal/registry"
	"securechat/pkg/logger"
)

type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d. time.AfterFunc satisfies it once wrapped.
type AfterFunc func(d time.Duration, f func()) Timer

type Media string

const (
	MediaAudio  Media = "audio"
	MediaVideo  Media = "video"
	MediaScreen Media = "screen"
)

type call struct {
	session *models.CallSession
	timer   Timer
}

type CoordinatorOption func(*Coordinator)

// WithAfterFunc replaces the ring timer scheduler.
func WithAfterFunc(fn AfterFunc) CoordinatorOption {
	return func(c *Coordinator) {
		c.afterFunc = fn
	}
}

// Coordinator owns call sessions: ringing, joining, media state, signaling
// relay and teardown. Each call is mutated under its own lock.
type Coordinator struct {
	router      *Router
	reg         *registry.Registry
	clock       clock.Clock
	ids         clock.IDGenerator
	ringTimeout time.Duration
	afterFunc   AfterFunc
	locks       *lockmap.Map
	mail        *Mailboxes

	mu             sync.Mutex
	calls          map[string]*call
	byConversation map[string]string
}

func NewCoordinator(router *Router, reg *registry.Registry, clk clock.Clock, ids clock.IDGenerator, ringTimeout time.Duration, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		router:      router,
		reg:         reg,
		clock:       clk,
		ids:         ids,
		ringTimeout: ringTimeout,
		afterFunc: func(d time.Duration, f func()) Timer {
			return time.AfterFunc(d, f)
		},
		locks:          lockmap.New(),
		mail:           NewMailboxes(),
		calls:          make(map[string]*call),
		byConversation: make(map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	reg.OnDisconnect(c.dropConnection)
	router.OnMembershipChange(c.memberRemoved)
	return c
}

// Mailboxes exposes the signal relay table.
func (c *Coordinator) Mailboxes() *Mailboxes {
	return c.mail
}

func (c *Coordinator) lockCall(callID string) (*call, func(), error) {
	unlock := c.locks.Lock("call:" + callID)
	c.mu.Lock()
	entry, ok := c.calls[callID]
	c.mu.Unlock()
	if !ok {
		unlock()
		return nil, nil, fmt.Errorf("%w: call %s", models.ErrNotFound, callID)
	}
	return entry, unlock, nil
}

// resolve checks identity's membership in the call's conversation. A call
// whose conversation has vanished is torn down.
func (c *Coordinator) resolve(ctx context.Context, entry *call, identity string) (*models.Conversation, *models.Member, error) {
	conv, member, err := c.router.Resolve(ctx, identity, entry.session.ConversationID)
	if errors.Is(err, models.ErrNotFound) {
		logger.Error("Call %s lost conversation %s, tearing down", entry.session.ID, entry.session.ConversationID)
		c.endLocked(ctx, entry, models.EndInternal, "")
		return nil, nil, fmt.Errorf("%w: call %s has no conversation", models.ErrInternal, entry.session.ID)
	}
	return conv, member, err
}

func (c *Coordinator) send(connID string, ev models.Event) {
	if err := c.reg.SendToConn(connID, ev); err != nil {
		logger.Debug("Dropping %s for %s: %v", ev.Type, connID, err)
	}
}

func (c *Coordinator) sendOthers(sess *models.CallSession, ev models.Event, except string) {
	for _, p := range sess.Roster(except) {
		c.send(p.ConnectionID, ev)
	}
}

// Start rings every other member of the conversation.
func (c *Coordinator) Start(ctx context.Context, conn *registry.Conn, conversationID string, withVideo bool) (models.CallInfo, error) {
	conv, member, err := c.router.Resolve(ctx, conn.Identity, conversationID)
	if err != nil {
		return models.CallInfo{}, err
	}
	canSpeak := models.CanSpeak(conv.Kind, member.Role)
	if !canSpeak {
		return models.CallInfo{}, fmt.Errorf("%w: only owners and moderators may start a channel call", models.ErrPermissionDenied)
	}

	unlockConv := c.locks.Lock("conv:" + conversationID)
	defer unlockConv()

	c.mu.Lock()
	existing, busy := c.byConversation[conversationID]
	c.mu.Unlock()
	if busy {
		return models.CallInfo{}, fmt.Errorf("%w: call %s is already in progress in %s", models.ErrConflict, existing, conversationID)
	}

	members, err := c.router.Members(ctx, conversationID)
	if err != nil {
		return models.CallInfo{}, err
	}

	now := c.clock.Now()
	sess := &models.CallSession{
		ID:             c.ids.New(),
		ConversationID: conversationID,
		Kind:           conv.Kind,
		WithVideo:      withVideo,
		Caller:         conn.Identity,
		State:          models.CallRinging,
		Participants: map[string]*models.Participant{
			conn.Identity: {
				Identity:     conn.Identity,
				ConnectionID: conn.ID,
				CanSpeak:     canSpeak,
				Audio:        true,
				Video:        withVideo,
				JoinedAt:     now,
			},
		},
		Declined:  make(map[string]bool),
		StartedAt: now,
	}
	for _, m := range members {
		if m.Identity != conn.Identity && c.reg.IsOnline(m.Identity) {
			sess.Invited = append(sess.Invited, m.Identity)
		}
	}

	entry := &call{session: sess}
	unlockCall := c.locks.Lock("call:" + sess.ID)
	c.mu.Lock()
	c.calls[sess.ID] = entry
	c.byConversation[conversationID] = sess.ID
	c.mu.Unlock()
	entry.timer = c.afterFunc(c.ringTimeout, func() { c.timeout(sess.ID) })
	info := sess.Info()
	unlockCall()

	c.send(conn.ID, models.NewEvent(models.EventCallStarted, info))
	for _, m := range members {
		if m.Identity == conn.Identity {
			continue
		}
		c.reg.SendToIdentity(m.Identity, models.NewEvent(models.EventIncomingCall, models.IncomingCallPayload{
			CallID:         sess.ID,
			ConversationID: conversationID,
			Kind:           conv.Kind,
			Caller:         conn.Identity,
			WithVideo:      withVideo,
			CanSpeak:       models.CanSpeak(conv.Kind, m.Role),
		}))
	}

	logger.Info("%s started call %s in %s (video=%v, %d ringing)", conn.Identity, sess.ID, conversationID, withVideo, len(sess.Invited))
	return info, nil
}

// Join adds the connection's identity to the call. Listen-only members join
// with audio and video off.
func (c *Coordinator) Join(ctx context.Context, conn *registry.Conn, callID string, wantsVideo bool) (models.CallJoinedPayload, error) {
	entry, unlock, err := c.lockCall(callID)
	if err != nil {
		return models.CallJoinedPayload{}, err
	}
	defer unlock()
	sess := entry.session

	conv, member, err := c.resolve(ctx, entry, conn.Identity)
	if err != nil {
		return models.CallJoinedPayload{}, err
	}
	if _, ok := sess.Participants[conn.Identity]; ok {
		return models.CallJoinedPayload{}, fmt.Errorf("%w: %s is already in call %s", models.ErrConflict, conn.Identity, callID)
	}

	now := c.clock.Now()
	if sess.State == models.CallRinging {
		sess.State = models.CallActive
		sess.AnsweredAt = &now
		if entry.timer != nil {
			entry.timer.Stop()
		}
	}

	canSpeak := models.CanSpeak(conv.Kind, member.Role)
	p := &models.Participant{
		Identity:     conn.Identity,
		ConnectionID: conn.ID,
		CanSpeak:     canSpeak,
		Audio:        canSpeak,
		Video:        wantsVideo && canSpeak,
		JoinedAt:     now,
	}
	existing := sess.Roster("")
	sess.Participants[conn.Identity] = p
	delete(sess.Declined, conn.Identity)

	joined := models.NewEvent(models.EventParticipantJoined, models.ParticipantPayload{CallID: callID, Participant: *p})
	for _, e := range existing {
		c.send(e.ConnectionID, joined)
	}
	payload := models.CallJoinedPayload{CallID: callID, Self: *p, Participants: existing}
	c.send(conn.ID, models.NewEvent(models.EventCallJoined, payload))

	logger.Info("%s joined call %s (%d participants)", conn.Identity, callID, len(sess.Participants))
	return payload, nil
}

// Signal relays opaque negotiation data to one other participant. Delivery
// failures are reported to the two peers only.
func (c *Coordinator) Signal(ctx context.Context, conn *registry.Conn, callID, to, kind string, data json.RawMessage) error {
	if to == "" || kind == "" {
		return fmt.Errorf("%w: to and signal_kind are required", models.ErrValidation)
	}

	entry, unlock, err := c.lockCall(callID)
	if err != nil {
		return err
	}
	defer unlock()
	sess := entry.session

	if _, ok := sess.Participants[conn.Identity]; !ok {
		return fmt.Errorf("%w: %s is not in call %s", models.ErrNotMember, conn.Identity, callID)
	}
	target, ok := sess.Participants[to]
	if !ok {
		return fmt.Errorf("%w: %s is not in call %s", models.ErrSignalFailed, to, callID)
	}

	payload := c.mail.Post(callID, conn.Identity, to, kind, data)
	if err := c.reg.SendToConn(target.ConnectionID, models.NewEvent(models.EventCallSignal, payload)); err != nil {
		c.reg.SendToIdentity(to, models.NewEvent(models.EventCallError, models.ErrorPayload{
			Code:    models.ErrorCode(models.ErrSignalFailed),
			Error:   fmt.Sprintf("signal from %s could not be delivered", conn.Identity),
			Command: "call_signal",
		}))
		logger.Warn("Signal %s -> %s in call %s failed: %v", conn.Identity, to, callID, err)
		return fmt.Errorf("%w: %s: %v", models.ErrSignalFailed, to, err)
	}
	return nil
}

// Toggle changes one participant's media state and tells the others.
func (c *Coordinator) Toggle(ctx context.Context, conn *registry.Conn, callID string, media Media, enabled bool) error {
	entry, unlock, err := c.lockCall(callID)
	if err != nil {
		return err
	}
	defer unlock()
	sess := entry.session

	p, ok := sess.Participants[conn.Identity]
	if !ok {
		return fmt.Errorf("%w: %s is not in call %s", models.ErrNotMember, conn.Identity, callID)
	}
	if !p.CanSpeak {
		return fmt.Errorf("%w: %s is listen-only in call %s", models.ErrPermissionDenied, conn.Identity, callID)
	}

	var evType models.EventType
	switch media {
	case MediaAudio:
		p.Audio = enabled
		evType = models.EventParticipantAudioChanged
	case MediaVideo:
		p.Video = enabled
		evType = models.EventParticipantVideoChanged
	case MediaScreen:
		p.ScreenSharing = enabled
		evType = models.EventScreenShareStopped
		if enabled {
			evType = models.EventScreenShareStarted
		}
	default:
		return fmt.Errorf("%w: unknown media %q", models.ErrValidation, media)
	}

	c.sendOthers(sess, models.NewEvent(evType, models.MediaChangedPayload{
		CallID: callID, Identity: conn.Identity, Enabled: enabled,
	}), conn.Identity)
	return nil
}

// Leave removes the identity from the call, ending it when nobody remains or
// when a direct call is down to one side.
func (c *Coordinator) Leave(ctx context.Context, conn *registry.Conn, callID string) error {
	entry, unlock, err := c.lockCall(callID)
	if err != nil {
		return err
	}
	defer unlock()

	if _, ok := entry.session.Participants[conn.Identity]; !ok {
		return fmt.Errorf("%w: %s is not in call %s", models.ErrNotMember, conn.Identity, callID)
	}
	c.leaveLocked(ctx, entry, conn.Identity)
	return nil
}

func (c *Coordinator) leaveLocked(ctx context.Context, entry *call, identity string) {
	sess := entry.session
	delete(sess.Participants, identity)
	c.mail.ForgetParticipant(sess.ID, identity)

	c.sendOthers(sess, models.NewEvent(models.EventParticipantLeft, models.ParticipantLeftPayload{
		CallID: sess.ID, Identity: identity,
	}), "")
	logger.Info("%s left call %s (%d remaining)", identity, sess.ID, len(sess.Participants))

	switch {
	case len(sess.Participants) == 0:
		c.endLocked(ctx, entry, models.EndEmpty, identity)
	case sess.Kind == models.KindDirect && sess.State == models.CallActive:
		c.endLocked(ctx, entry, models.EndPeerLeft, identity)
	}
}

// Decline refuses a call. A direct call ends; a group call ends once every
// member who was rung has declined.
func (c *Coordinator) Decline(ctx context.Context, conn *registry.Conn, callID string) error {
	entry, unlock, err := c.lockCall(callID)
	if err != nil {
		return err
	}
	defer unlock()
	sess := entry.session

	if _, _, err := c.resolve(ctx, entry, conn.Identity); err != nil {
		return err
	}
	if _, ok := sess.Participants[conn.Identity]; ok {
		return fmt.Errorf("%w: %s is already in call %s", models.ErrConflict, conn.Identity, callID)
	}

	sess.Declined[conn.Identity] = true
	c.reg.SendToIdentity(sess.Caller, models.NewEvent(models.EventCallDeclined, models.CallDeclinedPayload{
		CallID: callID, Identity: conn.Identity,
	}))
	logger.Info("%s declined call %s", conn.Identity, callID)

	if sess.State == models.CallRinging && (sess.Kind == models.KindDirect || allDeclined(sess)) {
		c.endLocked(ctx, entry, models.EndDeclined, conn.Identity)
	}
	return nil
}

func allDeclined(sess *models.CallSession) bool {
	for _, id := range sess.Invited {
		if !sess.Declined[id] {
			return false
		}
	}
	return true
}

// End terminates the call for everyone. Only the caller or a conversation
// owner or moderator may do this.
func (c *Coordinator) End(ctx context.Context, conn *registry.Conn, callID string) error {
	entry, unlock, err := c.lockCall(callID)
	if err != nil {
		return err
	}
	defer unlock()

	_, member, err := c.resolve(ctx, entry, conn.Identity)
	if err != nil {
		return err
	}
	if conn.Identity != entry.session.Caller && member.Role != models.RoleOwner && member.Role != models.RoleModerator {
		return fmt.Errorf("%w: %s cannot end call %s", models.ErrPermissionDenied, conn.Identity, callID)
	}
	c.endLocked(ctx, entry, models.EndHangup, conn.Identity)
	return nil
}

// Active returns the live call of a conversation, or nil.
func (c *Coordinator) Active(ctx context.Context, identity, conversationID string) (*models.CallInfo, error) {
	if _, _, err := c.router.Resolve(ctx, identity, conversationID); err != nil {
		return nil, err
	}

	c.mu.Lock()
	callID, ok := c.byConversation[conversationID]
	c.mu.Unlock()
	if !ok {
		return nil, nil
	}

	entry, unlock, err := c.lockCall(callID)
	if errors.Is(err, models.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer unlock()
	info := entry.session.Info()
	return &info, nil
}

func (c *Coordinator) timeout(callID string) {
	entry, unlock, err := c.lockCall(callID)
	if err != nil {
		return
	}
	defer unlock()
	if entry.session.State == models.CallRinging {
		c.endLocked(context.Background(), entry, models.EndTimedOut, "")
	}
}

func (c *Coordinator) endLocked(ctx context.Context, entry *call, reason models.EndReason, by string) {
	sess := entry.session
	if sess.State == models.CallEnded {
		return
	}
	now := c.clock.Now()
	sess.State = models.CallEnded
	sess.Reason = reason
	sess.EndedAt = &now
	if entry.timer != nil {
		entry.timer.Stop()
	}

	c.mu.Lock()
	delete(c.calls, sess.ID)
	if c.byConversation[sess.ConversationID] == sess.ID {
		delete(c.byConversation, sess.ConversationID)
	}
	c.mu.Unlock()
	c.mail.ForgetCall(sess.ID)

	ev := models.NewEvent(models.EventCallEnded, models.CallEndedPayload{
		CallID: sess.ID, ConversationID: sess.ConversationID, Reason: reason, EndedBy: by,
	})
	if err := c.router.NotifyMembers(ctx, sess.ConversationID, ev, ""); err != nil {
		c.sendOthers(sess, ev, "")
	}
	logger.Info("Call %s in %s ended: %s", sess.ID, sess.ConversationID, reason)
}

func (c *Coordinator) liveCallIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.calls))
	for id := range c.calls {
		ids = append(ids, id)
	}
	return ids
}

// dropConnection treats a closed connection as leaving every call it was in.
func (c *Coordinator) dropConnection(conn *registry.Conn) {
	for _, id := range c.liveCallIDs() {
		entry, unlock, err := c.lockCall(id)
		if err != nil {
			continue
		}
		if p, ok := entry.session.Participants[conn.Identity]; ok && p.ConnectionID == conn.ID {
			c.leaveLocked(context.Background(), entry, conn.Identity)
		}
		unlock()
	}
}

func (c *Coordinator) memberRemoved(ctx context.Context, conversationID, identity string) {
	c.mu.Lock()
	callID, ok := c.byConversation[conversationID]
	c.mu.Unlock()
	if !ok {
		return
	}
	entry, unlock, err := c.lockCall(callID)
	if err != nil {
		return
	}
	defer unlock()
	if _, ok := entry.session.Participants[identity]; ok {
		c.leaveLocked(ctx, entry, identity)
	}
}
