package database

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"securechat/internal/models"
)

// MemoryDB keeps everything in process. Values are copied on the way in and
// out so callers never share state with the store.
type MemoryDB struct {
	mu            sync.RWMutex
	conversations map[string]*models.Conversation
	members       map[string]map[string]models.Member
	messages      map[string]*models.Message
	notes         map[string]*models.SharedNote
	publicKeys    map[string]models.PublicKey
	seq           int64
}

func NewMemoryDB() *MemoryDB {
	return &MemoryDB{
		conversations: make(map[string]*models.Conversation),
		members:       make(map[string]map[string]models.Member),
		messages:      make(map[string]*models.Message),
		notes:         make(map[string]*models.SharedNote),
		publicKeys:    make(map[string]models.PublicKey),
	}
}

func (db *MemoryDB) Close() error {
	return nil
}

// Conversation Repository Implementation
func (db *MemoryDB) CreateConversation(ctx context.Context, conv *models.Conversation, members []models.Member) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if _, ok := db.conversations[conv.ID]; ok {
		return fmt.Errorf("%w: conversation %s exists", models.ErrConflict, conv.ID)
	}
	c := *conv
	db.conversations[conv.ID] = &c
	set := make(map[string]models.Member, len(members))
	for _, m := range members {
		set[m.Identity] = m
	}
	db.members[conv.ID] = set
	return nil
}

func (db *MemoryDB) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	c, ok := db.conversations[id]
	if !ok {
		return nil, fmt.Errorf("%w: conversation %s", models.ErrNotFound, id)
	}
	out := *c
	return &out, nil
}

func (db *MemoryDB) ListUserConversations(ctx context.Context, identity string) ([]*models.Conversation, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	var out []*models.Conversation
	for id, set := range db.members {
		if _, ok := set[identity]; !ok {
			continue
		}
		c := *db.conversations[id]
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (db *MemoryDB) SetAutoDelete(ctx context.Context, id string, policy models.AutoDeletePolicy, updatedBy string, at time.Time) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	c, ok := db.conversations[id]
	if !ok {
		return fmt.Errorf("%w: conversation %s", models.ErrNotFound, id)
	}
	c.AutoDelete = policy
	c.UpdatedBy = updatedBy
	c.UpdatedAt = &at
	return nil
}

// Membership Repository Implementation
func (db *MemoryDB) AddMember(ctx context.Context, conversationID string, member models.Member) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	set, ok := db.members[conversationID]
	if !ok {
		return fmt.Errorf("%w: conversation %s", models.ErrNotFound, conversationID)
	}
	if _, exists := set[member.Identity]; exists {
		return fmt.Errorf("%w: %s is already a member", models.ErrConflict, member.Identity)
	}
	set[member.Identity] = member
	return nil
}

func (db *MemoryDB) RemoveMember(ctx context.Context, conversationID, identity string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	set, ok := db.members[conversationID]
	if !ok {
		return fmt.Errorf("%w: conversation %s", models.ErrNotFound, conversationID)
	}
	if _, exists := set[identity]; !exists {
		return fmt.Errorf("%w: %s in %s", models.ErrNotFound, identity, conversationID)
	}
	delete(set, identity)
	return nil
}

func (db *MemoryDB) GetMember(ctx context.Context, conversationID, identity string) (*models.Member, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	m, ok := db.members[conversationID][identity]
	if !ok {
		return nil, fmt.Errorf("%w: %s in %s", models.ErrNotFound, identity, conversationID)
	}
	return &m, nil
}

func (db *MemoryDB) GetMembers(ctx context.Context, conversationID string) ([]models.Member, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	set, ok := db.members[conversationID]
	if !ok {
		return nil, fmt.Errorf("%w: conversation %s", models.ErrNotFound, conversationID)
	}
	out := make([]models.Member, 0, len(set))
	for _, m := range set {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out, nil
}

// Message Repository Implementation
func (db *MemoryDB) SaveMessage(ctx context.Context, msg *models.Message) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if _, ok := db.messages[msg.ID]; ok {
		return fmt.Errorf("%w: message %s exists", models.ErrConflict, msg.ID)
	}
	db.seq++
	msg.Seq = db.seq
	db.messages[msg.ID] = copyMessage(msg)
	return nil
}

func (db *MemoryDB) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	m, ok := db.messages[id]
	if !ok {
		return nil, fmt.Errorf("%w: message %s", models.ErrNotFound, id)
	}
	return copyMessage(m), nil
}

func (db *MemoryDB) LoadHistory(ctx context.Context, conversationID string) ([]*models.Message, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	out := make([]*models.Message, 0)
	for _, m := range db.messages {
		if m.ConversationID == conversationID {
			out = append(out, copyMessage(m))
		}
	}
	sortMessages(out)
	return out, nil
}

func (db *MemoryDB) DeleteMessage(ctx context.Context, id string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if _, ok := db.messages[id]; !ok {
		return fmt.Errorf("%w: message %s", models.ErrNotFound, id)
	}
	delete(db.messages, id)
	return nil
}

func (db *MemoryDB) ClearConversation(ctx context.Context, conversationID string) (int, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	n := 0
	for id, m := range db.messages {
		if m.ConversationID == conversationID {
			delete(db.messages, id)
			n++
		}
	}
	return n, nil
}

func (db *MemoryDB) DeleteExpired(ctx context.Context, now time.Time) ([]*models.Message, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	var removed []*models.Message
	for id, m := range db.messages {
		if m.Expired(now) {
			removed = append(removed, m)
			delete(db.messages, id)
		}
	}
	sortMessages(removed)
	return removed, nil
}

func (db *MemoryDB) MarkDelivered(ctx context.Context, ids []string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	for _, id := range ids {
		if m, ok := db.messages[id]; ok {
			m.Delivered = true
		}
	}
	return nil
}

func (db *MemoryDB) MarkRead(ctx context.Context, conversationID, reader string, ids []string) ([]string, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	var changed []string
	for _, id := range ids {
		m, ok := db.messages[id]
		if !ok || m.ConversationID != conversationID || m.Sender == reader || m.Read {
			continue
		}
		m.Read = true
		m.Delivered = true
		changed = append(changed, id)
	}
	return changed, nil
}

// Note Repository Implementation
func (db *MemoryDB) SaveNote(ctx context.Context, note *models.SharedNote) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if _, ok := db.notes[note.ID]; ok {
		return fmt.Errorf("%w: note %s exists", models.ErrConflict, note.ID)
	}
	db.notes[note.ID] = note.Clone()
	return nil
}

func (db *MemoryDB) GetNote(ctx context.Context, id string) (*models.SharedNote, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	n, ok := db.notes[id]
	if !ok {
		return nil, fmt.Errorf("%w: note %s", models.ErrNotFound, id)
	}
	return n.Clone(), nil
}

func (db *MemoryDB) UpdateNote(ctx context.Context, note *models.SharedNote) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if _, ok := db.notes[note.ID]; !ok {
		return fmt.Errorf("%w: note %s", models.ErrNotFound, note.ID)
	}
	db.notes[note.ID] = note.Clone()
	return nil
}

func (db *MemoryDB) ListNotes(ctx context.Context, conversationID string) ([]*models.SharedNote, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	out := make([]*models.SharedNote, 0)
	for _, n := range db.notes {
		if n.ConversationID == conversationID {
			out = append(out, n.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (db *MemoryDB) DeleteNote(ctx context.Context, id string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if _, ok := db.notes[id]; !ok {
		return fmt.Errorf("%w: note %s", models.ErrNotFound, id)
	}
	delete(db.notes, id)
	return nil
}

// Public Key Repository Implementation
func (db *MemoryDB) SetPublicKey(ctx context.Context, key *models.PublicKey) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	db.publicKeys[key.Identity] = *key
	return nil
}

func (db *MemoryDB) GetPublicKey(ctx context.Context, identity string) (*models.PublicKey, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	k, ok := db.publicKeys[identity]
	if !ok {
		return nil, fmt.Errorf("%w: public key for %s", models.ErrNotFound, identity)
	}
	return &k, nil
}

func copyMessage(m *models.Message) *models.Message {
	c := *m
	if m.ExpiresAt != nil {
		t := *m.ExpiresAt
		c.ExpiresAt = &t
	}
	return &c
}

func sortMessages(msgs []*models.Message) {
	sort.Slice(msgs, func(i, j int) bool {
		if !msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
		}
		return msgs[i].Seq < msgs[j].Seq
	})
}
