package database

import (
	"context"
	"time"

	"securechat/internal/models"
)

// Drivers return models.ErrNotFound for unknown ids and models.ErrConflict
// for duplicate inserts.

type ConversationRepository interface {
	CreateConversation(ctx context.Context, conv *models.Conversation, members []models.Member) error
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	ListUserConversations(ctx context.Context, identity string) ([]*models.Conversation, error)
	SetAutoDelete(ctx context.Context, id string, policy models.AutoDeletePolicy, updatedBy string, at time.Time) error
}

type MembershipRepository interface {
	AddMember(ctx context.Context, conversationID string, member models.Member) error
	RemoveMember(ctx context.Context, conversationID, identity string) error
	GetMember(ctx context.Context, conversationID, identity string) (*models.Member, error)
	GetMembers(ctx context.Context, conversationID string) ([]models.Member, error)
}

type MessageRepository interface {
	// SaveMessage assigns msg.Seq.
	SaveMessage(ctx context.Context, msg *models.Message) error
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	// LoadHistory returns messages ordered by creation time, then Seq.
	LoadHistory(ctx context.Context, conversationID string) ([]*models.Message, error)
	DeleteMessage(ctx context.Context, id string) error
	ClearConversation(ctx context.Context, conversationID string) (int, error)
	// DeleteExpired removes every message whose expiry is not after now and returns them.
	DeleteExpired(ctx context.Context, now time.Time) ([]*models.Message, error)
	MarkDelivered(ctx context.Context, ids []string) error
	// MarkRead flags messages in the conversation not sent by reader and returns the ids that changed.
	MarkRead(ctx context.Context, conversationID, reader string, ids []string) ([]string, error)
}

type NoteRepository interface {
	SaveNote(ctx context.Context, note *models.SharedNote) error
	GetNote(ctx context.Context, id string) (*models.SharedNote, error)
	UpdateNote(ctx context.Context, note *models.SharedNote) error
	ListNotes(ctx context.Context, conversationID string) ([]*models.SharedNote, error)
	DeleteNote(ctx context.Context, id string) error
}

type PublicKeyRepository interface {
	SetPublicKey(ctx context.Context, key *models.PublicKey) error
	GetPublicKey(ctx context.Context, identity string) (*models.PublicKey, error)
}

type Database interface {
	ConversationRepository
	MembershipRepository
	MessageRepository
	NoteRepository
	PublicKeyRepository
	Close() error
}
