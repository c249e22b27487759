package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"securechat/internal/clock"
	"securechat/internal/database"
	"securechat/internal/models"
	"securechat/internal/registry"
	"securechat/pkg/logger"
)

// Relay persists opaque message payloads and fans them out to joined
// connections. Per-conversation ordering comes from holding the router's
// conversation lock across persist and broadcast.
type Relay struct {
	db         database.Database
	router     *Router
	clock      clock.Clock
	ids        clock.IDGenerator
	maxPayload int
}

func NewRelay(db database.Database, router *Router, clk clock.Clock, ids clock.IDGenerator, maxPayload int) *Relay {
	return &Relay{db: db, router: router, clock: clk, ids: ids, maxPayload: maxPayload}
}

// messageEvent wraps a copy of msg; queued events are marshalled by the
// write pumps after Send has moved on to update the original.
func messageEvent(kind models.ConversationKind, msg *models.Message) models.Event {
	m := *msg
	if kind == models.KindDirect {
		return models.NewEvent(models.EventNewMessage, &m)
	}
	return models.NewEvent(models.EventNewGroupMessage, &m)
}

// Send stores payload and delivers it to every joined connection, the
// sender's own included.
func (s *Relay) Send(ctx context.Context, sender, conversationID, payload string) (*models.Message, error) {
	if payload == "" {
		return nil, fmt.Errorf("%w: payload is required", models.ErrValidation)
	}
	if len(payload) > s.maxPayload {
		return nil, fmt.Errorf("%w: payload exceeds %d bytes", models.ErrValidation, s.maxPayload)
	}

	unlock := s.router.Lock(conversationID)
	defer unlock()

	conv, _, err := s.router.Resolve(ctx, sender, conversationID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	msg := &models.Message{
		ID:             s.ids.New(),
		ConversationID: conversationID,
		Sender:         sender,
		Payload:        payload,
		CreatedAt:      now,
		ExpiresAt:      conv.AutoDelete.ExpiresAt(now),
	}
	if err := s.db.SaveMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("failed to save message: %w", err)
	}

	recipients := s.router.Broadcast(conversationID, messageEvent(conv.Kind, msg), "")
	for _, id := range recipients {
		if id != sender {
			msg.Delivered = true
			if err := s.db.MarkDelivered(ctx, []string{msg.ID}); err != nil {
				logger.Warn("Error marking %s delivered: %v", msg.ID, err)
			}
			break
		}
	}

	logger.Debug("Relayed %s from %s to %s (%d recipients)", msg.ID, sender, conversationID, len(recipients))
	return msg, nil
}

// History returns the conversation's messages in creation order. Expired
// messages found on the way are removed and announced.
func (s *Relay) History(ctx context.Context, identity, conversationID string) ([]*models.Message, *models.Conversation, error) {
	unlock := s.router.Lock(conversationID)
	defer unlock()
	return s.historyLocked(ctx, identity, conversationID)
}

// Join routes the conversation to conn and queues its history reply before
// the conversation lock is released. Live messages therefore arrive after the
// replay and are never part of it.
func (s *Relay) Join(ctx context.Context, conn *registry.Conn, conversationID string, want models.ConversationKind) (*models.Membership, error) {
	unlock := s.router.Lock(conversationID)
	defer unlock()

	m, err := s.router.joinLocked(ctx, conn, conversationID, want)
	if err != nil {
		return nil, err
	}
	messages, conv, err := s.historyLocked(ctx, conn.Identity, conversationID)
	if err != nil {
		return nil, err
	}

	historyType := models.EventGroupHistory
	if conv.Kind == models.KindDirect {
		historyType = models.EventChatHistory
	}
	conn.Send(models.NewEvent(historyType, models.HistoryPayload{
		ConversationID: conv.ID,
		Kind:           conv.Kind,
		Messages:       messages,
		Settings:       conv.Settings(),
	}))
	return m, nil
}

// JoinDirect is Join for the direct conversation with peer.
func (s *Relay) JoinDirect(ctx context.Context, conn *registry.Conn, peer string) (*models.Membership, error) {
	id, err := directWith(conn.Identity, peer)
	if err != nil {
		return nil, err
	}
	return s.Join(ctx, conn, id, models.KindDirect)
}

func (s *Relay) historyLocked(ctx context.Context, identity, conversationID string) ([]*models.Message, *models.Conversation, error) {
	conv, _, err := s.router.Resolve(ctx, identity, conversationID)
	if err != nil {
		return nil, nil, err
	}

	all, err := s.db.LoadHistory(ctx, conversationID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load history: %w", err)
	}

	now := s.clock.Now()
	live := make([]*models.Message, 0, len(all))
	var undelivered []string
	for _, m := range all {
		if m.Expired(now) {
			s.expire(ctx, m)
			continue
		}
		if m.Sender != identity && !m.Delivered {
			undelivered = append(undelivered, m.ID)
			m.Delivered = true
		}
		live = append(live, m)
	}
	if err := s.db.MarkDelivered(ctx, undelivered); err != nil {
		logger.Warn("Error marking history delivered in %s: %v", conversationID, err)
	}
	return live, conv, nil
}

func (s *Relay) expire(ctx context.Context, m *models.Message) {
	if err := s.db.DeleteMessage(ctx, m.ID); err != nil && !errors.Is(err, models.ErrNotFound) {
		logger.Error("Error removing expired message %s: %v", m.ID, err)
		return
	}
	s.router.Broadcast(m.ConversationID, models.NewEvent(models.EventMessageDeleted,
		models.MessageDeletedPayload{ConversationID: m.ConversationID, MessageID: m.ID}), "")
}

// Delete removes a message on behalf of its sender.
func (s *Relay) Delete(ctx context.Context, requester, messageID string) (*models.Message, error) {
	msg, err := s.db.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}

	unlock := s.router.Lock(msg.ConversationID)
	defer unlock()

	if _, _, err := s.router.Resolve(ctx, requester, msg.ConversationID); err != nil {
		return nil, err
	}
	if msg.Sender != requester {
		return nil, fmt.Errorf("%w: only the sender may delete message %s", models.ErrPermissionDenied, messageID)
	}
	if err := s.db.DeleteMessage(ctx, messageID); err != nil {
		return nil, err
	}

	s.router.Broadcast(msg.ConversationID, models.NewEvent(models.EventMessageDeleted,
		models.MessageDeletedPayload{ConversationID: msg.ConversationID, MessageID: messageID}), "")
	logger.Info("%s deleted message %s in %s", requester, messageID, msg.ConversationID)
	return msg, nil
}

// Clear removes the whole history. The auto-delete policy and shared notes are kept.
func (s *Relay) Clear(ctx context.Context, requester, conversationID string) error {
	unlock := s.router.Lock(conversationID)
	defer unlock()

	if _, _, err := s.router.Resolve(ctx, requester, conversationID); err != nil {
		return err
	}
	n, err := s.db.ClearConversation(ctx, conversationID)
	if err != nil {
		return err
	}

	s.router.Broadcast(conversationID, models.NewEvent(models.EventChatCleared,
		models.ChatClearedPayload{ConversationID: conversationID, ClearedBy: requester}), "")
	logger.Info("%s cleared %s (%d messages)", requester, conversationID, n)
	return nil
}

// SetPolicy changes the auto-delete period for messages sent from now on.
func (s *Relay) SetPolicy(ctx context.Context, requester, conversationID, period string) (models.ConversationSettings, error) {
	policy, err := models.ParseAutoDeletePolicy(period)
	if err != nil {
		return models.ConversationSettings{}, err
	}

	unlock := s.router.Lock(conversationID)
	defer unlock()

	if _, _, err := s.router.Resolve(ctx, requester, conversationID); err != nil {
		return models.ConversationSettings{}, err
	}
	if err := s.db.SetAutoDelete(ctx, conversationID, policy, requester, s.clock.Now()); err != nil {
		return models.ConversationSettings{}, err
	}
	conv, err := s.db.GetConversation(ctx, conversationID)
	if err != nil {
		return models.ConversationSettings{}, err
	}

	settings := conv.Settings()
	s.router.Broadcast(conversationID, models.NewEvent(models.EventSettingsUpdated,
		models.SettingsPayload{ConversationID: conversationID, Settings: settings}), "")
	logger.Info("%s set auto-delete of %s to %s", requester, conversationID, policy)
	return settings, nil
}

func (s *Relay) Settings(ctx context.Context, requester, conversationID string) (models.ConversationSettings, error) {
	conv, _, err := s.router.Resolve(ctx, requester, conversationID)
	if err != nil {
		return models.ConversationSettings{}, err
	}
	return conv.Settings(), nil
}

// MarkRead flags messages read by reader and tells the room which ones changed.
func (s *Relay) MarkRead(ctx context.Context, reader, conversationID string, messageIDs []string) ([]string, error) {
	if len(messageIDs) == 0 {
		return nil, fmt.Errorf("%w: message_ids is required", models.ErrValidation)
	}
	if _, _, err := s.router.Resolve(ctx, reader, conversationID); err != nil {
		return nil, err
	}

	changed, err := s.db.MarkRead(ctx, conversationID, reader, messageIDs)
	if err != nil {
		return nil, err
	}
	if len(changed) > 0 {
		s.router.Broadcast(conversationID, models.NewEvent(models.EventMessagesRead,
			models.MessagesReadPayload{ConversationID: conversationID, Reader: reader, MessageIDs: changed}), "")
	}
	return changed, nil
}

// Sweep removes every expired message and announces each removal to its room.
func (s *Relay) Sweep(ctx context.Context) (int, error) {
	removed, err := s.db.DeleteExpired(ctx, s.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to sweep expired messages: %w", err)
	}
	for _, m := range removed {
		s.router.Broadcast(m.ConversationID, models.NewEvent(models.EventMessageDeleted,
			models.MessageDeletedPayload{ConversationID: m.ConversationID, MessageID: m.ID}), "")
	}
	return len(removed), nil
}

// Run sweeps every interval until ctx is done.
func (s *Relay) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Sweep(ctx)
			if err != nil {
				logger.Error("Auto-delete sweep failed: %v", err)
				continue
			}
			if n > 0 {
				logger.Info("Auto-delete sweep removed %d messages", n)
			}
		}
	}
}
