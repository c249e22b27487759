package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"securechat/internal/clock"
	"securechat/internal/database"
	"securechat/internal/lockmap"
	"securechat/internal/models"
	"securechat/internal/notecrypt"
	"securechat/internal/registry"
	"securechat/pkg/logger"
)

const (
	maxTitleLength  = 200
	maxPhraseLength = 72 // bcrypt input limit
)

// Notes manages phrase-gated shared notes and their mutual-consent deletion.
type Notes struct {
	db         database.Database
	router     *Router
	reg        *registry.Registry
	sealer     *notecrypt.Sealer
	clock      clock.Clock
	ids        clock.IDGenerator
	locks      *lockmap.Map
	minPhrase  int
	maxContent int
}

func NewNotes(db database.Database, router *Router, reg *registry.Registry, sealer *notecrypt.Sealer, clk clock.Clock, ids clock.IDGenerator, minPhrase, maxContent int) *Notes {
	n := &Notes{
		db:         db,
		router:     router,
		reg:        reg,
		sealer:     sealer,
		clock:      clk,
		ids:        ids,
		locks:      lockmap.New(),
		minPhrase:  minPhrase,
		maxContent: maxContent,
	}
	router.OnMembershipChange(n.membershipChanged)
	return n
}

func (s *Notes) validatePhrase(phrase string) error {
	if len(phrase) < s.minPhrase {
		return fmt.Errorf("%w: phrase must be at least %d characters", models.ErrValidation, s.minPhrase)
	}
	if len(phrase) > maxPhraseLength {
		return fmt.Errorf("%w: phrase must be at most %d bytes", models.ErrValidation, maxPhraseLength)
	}
	return nil
}

func (s *Notes) validateTitle(title string) error {
	if strings.TrimSpace(title) == "" {
		return fmt.Errorf("%w: title is required", models.ErrValidation)
	}
	if len(title) > maxTitleLength {
		return fmt.Errorf("%w: title exceeds %d bytes", models.ErrValidation, maxTitleLength)
	}
	return nil
}

func (s *Notes) validateContent(content string) error {
	if content == "" {
		return fmt.Errorf("%w: content is required", models.ErrValidation)
	}
	if len(content) > s.maxContent {
		return fmt.Errorf("%w: content exceeds %d bytes", models.ErrValidation, s.maxContent)
	}
	return nil
}

// loadForMember fetches a note and checks identity belongs to its conversation.
func (s *Notes) loadForMember(ctx context.Context, identity, noteID string) (*models.SharedNote, error) {
	note, err := s.db.GetNote(ctx, noteID)
	if err != nil {
		return nil, err
	}
	if _, _, err := s.router.Resolve(ctx, identity, note.ConversationID); err != nil {
		return nil, err
	}
	return note, nil
}

// Create stores a note whose creator can unlock it immediately. Other members
// are prompted to choose their own phrase.
func (s *Notes) Create(ctx context.Context, creator, conversationID, title, content, phrase string) (*models.NoteMetadata, error) {
	if err := s.validateTitle(title); err != nil {
		return nil, err
	}
	if err := s.validateContent(content); err != nil {
		return nil, err
	}
	if err := s.validatePhrase(phrase); err != nil {
		return nil, err
	}
	if _, _, err := s.router.Resolve(ctx, creator, conversationID); err != nil {
		return nil, err
	}

	env, key, err := s.sealer.NewEnvelope([]byte(content))
	if err != nil {
		return nil, err
	}
	verifier, err := s.sealer.Verifier(phrase)
	if err != nil {
		return nil, err
	}
	wrapped, err := s.sealer.Wrap(key, phrase)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	note := &models.SharedNote{
		ID:             s.ids.New(),
		ConversationID: conversationID,
		Title:          title,
		Creator:        creator,
		Content:        env.Sealed,
		Recipient:      env.Recipient,
		EscrowedKey:    env.Escrow,
		Keys:           map[string]*models.NoteKey{creator: {Verifier: verifier, WrappedKey: wrapped, SetAt: now}},
		DeleteRequests: make(map[string]time.Time),
		CreatedAt:      now,
	}
	if err := s.db.SaveNote(ctx, note); err != nil {
		return nil, fmt.Errorf("failed to save note: %w", err)
	}

	s.router.BroadcastEach(conversationID, "", func(identity string) models.Event {
		return models.NewEvent(models.EventSharedNoteCreated, models.NoteCreatedPayload{Note: note.Metadata(identity)})
	})
	prompt := models.NewEvent(models.EventPromptSetPhrase, models.NoteRefPayload{
		NoteID: note.ID, ConversationID: conversationID, Title: title, CreatedBy: creator,
	})
	if err := s.router.NotifyMembers(ctx, conversationID, prompt, creator); err != nil {
		logger.Warn("Error prompting members of %s for note %s: %v", conversationID, note.ID, err)
	}

	logger.Info("%s created note %s in %s", creator, note.ID, conversationID)
	md := note.Metadata(creator)
	return &md, nil
}

// SetPhrase gives identity their own wrapped copy of the note key. It can
// only be done once per identity.
func (s *Notes) SetPhrase(ctx context.Context, identity, noteID, phrase string) error {
	if err := s.validatePhrase(phrase); err != nil {
		return err
	}

	unlock := s.locks.Lock(noteID)
	defer unlock()

	note, err := s.loadForMember(ctx, identity, noteID)
	if err != nil {
		return err
	}
	if note.HasPhrase(identity) {
		return fmt.Errorf("%w: %s already has a phrase for note %s", models.ErrAlreadySet, identity, noteID)
	}

	key, err := s.sealer.Recover(note.EscrowedKey)
	if err != nil {
		return err
	}
	wrapped, err := s.sealer.Wrap(key, phrase)
	if err != nil {
		return err
	}
	verifier, err := s.sealer.Verifier(phrase)
	if err != nil {
		return err
	}
	note.Keys[identity] = &models.NoteKey{Verifier: verifier, WrappedKey: wrapped, SetAt: s.clock.Now()}
	if err := s.db.UpdateNote(ctx, note); err != nil {
		return err
	}

	s.reg.SendToIdentity(identity, models.NewEvent(models.EventPhraseSetSuccess, models.NoteRefPayload{
		NoteID: noteID, ConversationID: note.ConversationID, Title: note.Title,
	}))
	logger.Info("%s set a phrase for note %s", identity, noteID)
	return nil
}

// Unlock returns the note content when phrase matches identity's own verifier.
// Nothing is recorded server-side.
func (s *Notes) Unlock(ctx context.Context, identity, noteID, phrase string) (*models.NoteUnlockedPayload, error) {
	note, err := s.loadForMember(ctx, identity, noteID)
	if err != nil {
		return nil, err
	}
	content, err := s.open(note, identity, phrase)
	if err != nil {
		return nil, err
	}
	return &models.NoteUnlockedPayload{NoteID: noteID, Title: note.Title, Content: string(content)}, nil
}

func (s *Notes) open(note *models.SharedNote, identity, phrase string) ([]byte, error) {
	k, ok := note.Keys[identity]
	if !ok || len(k.Verifier) == 0 {
		return nil, fmt.Errorf("%w: %s has no phrase for note %s", models.ErrPhraseNotSet, identity, note.ID)
	}
	if !s.sealer.Verify(k.Verifier, phrase) {
		return nil, models.ErrPhraseMismatch
	}
	key, err := s.sealer.Unwrap(k.WrappedKey, phrase)
	if err != nil {
		return nil, err
	}
	return s.sealer.Open(note.Content, key)
}

// Edit replaces the title and/or content after re-checking the editor's phrase.
func (s *Notes) Edit(ctx context.Context, identity, noteID string, title, content *string, phrase string) error {
	if title == nil && content == nil {
		return fmt.Errorf("%w: nothing to edit", models.ErrValidation)
	}
	if title != nil {
		if err := s.validateTitle(*title); err != nil {
			return err
		}
	}
	if content != nil {
		if err := s.validateContent(*content); err != nil {
			return err
		}
	}

	unlock := s.locks.Lock(noteID)
	defer unlock()

	note, err := s.loadForMember(ctx, identity, noteID)
	if err != nil {
		return err
	}
	if _, err := s.open(note, identity, phrase); err != nil {
		return err
	}

	if content != nil {
		sealed, err := s.sealer.Reseal([]byte(*content), note.Recipient)
		if err != nil {
			return err
		}
		note.Content = sealed
	}
	if title != nil {
		note.Title = *title
	}
	now := s.clock.Now()
	note.LastEditedBy = identity
	note.LastEditedAt = &now
	if err := s.db.UpdateNote(ctx, note); err != nil {
		return err
	}

	s.router.Broadcast(note.ConversationID, models.NewEvent(models.EventNoteEdited, models.NoteEditedPayload{
		NoteID: noteID, ConversationID: note.ConversationID, Title: note.Title, EditedBy: identity, EditedAt: now,
	}), identity)
	s.reg.SendToIdentity(identity, models.NewEvent(models.EventNoteEditSuccess, models.NoteRefPayload{
		NoteID: noteID, ConversationID: note.ConversationID, Title: note.Title,
	}))
	logger.Info("%s edited note %s", identity, noteID)
	return nil
}

// RequestDelete records identity's vote. The note is deleted once every
// current member has voted.
func (s *Notes) RequestDelete(ctx context.Context, identity, noteID string) (deleted bool, err error) {
	unlock := s.locks.Lock(noteID)
	defer unlock()

	note, err := s.loadForMember(ctx, identity, noteID)
	if err != nil {
		return false, err
	}
	if _, ok := note.DeleteRequests[identity]; !ok {
		note.DeleteRequests[identity] = s.clock.Now()
	}

	deleted, err = s.settle(ctx, note)
	if err != nil || deleted {
		return deleted, err
	}
	s.router.Broadcast(note.ConversationID, models.NewEvent(models.EventNoteDeleteRequested, models.NoteVotePayload{
		NoteID: noteID, ConversationID: note.ConversationID, Identity: identity, DeleteRequestedBy: note.DeleteRequesters(),
	}), identity)
	logger.Info("%s requested deletion of note %s (%d votes)", identity, noteID, len(note.DeleteRequests))
	return false, nil
}

// CancelDelete withdraws identity's vote.
func (s *Notes) CancelDelete(ctx context.Context, identity, noteID string) error {
	unlock := s.locks.Lock(noteID)
	defer unlock()

	note, err := s.loadForMember(ctx, identity, noteID)
	if err != nil {
		return err
	}
	if _, ok := note.DeleteRequests[identity]; !ok {
		return fmt.Errorf("%w: %s has no pending delete request on note %s", models.ErrValidation, identity, noteID)
	}
	delete(note.DeleteRequests, identity)
	if err := s.db.UpdateNote(ctx, note); err != nil {
		return err
	}

	s.router.Broadcast(note.ConversationID, models.NewEvent(models.EventNoteDeleteCancelled, models.NoteVotePayload{
		NoteID: noteID, ConversationID: note.ConversationID, Identity: identity, DeleteRequestedBy: note.DeleteRequesters(),
	}), "")
	logger.Info("%s cancelled deletion of note %s", identity, noteID)
	return nil
}

// settle intersects the votes with current membership and deletes the note if
// every member has voted. Otherwise the pruned note is stored.
func (s *Notes) settle(ctx context.Context, note *models.SharedNote) (bool, error) {
	members, err := s.router.MemberIdentities(ctx, note.ConversationID)
	if err != nil {
		return false, err
	}
	current := make(map[string]bool, len(members))
	for _, m := range members {
		current[m] = true
	}
	for id := range note.DeleteRequests {
		if !current[id] {
			delete(note.DeleteRequests, id)
		}
	}

	if len(members) == 0 || len(note.DeleteRequests) < len(members) {
		return false, s.db.UpdateNote(ctx, note)
	}

	if err := s.db.DeleteNote(ctx, note.ID); err != nil {
		return false, err
	}
	s.router.Broadcast(note.ConversationID, models.NewEvent(models.EventNoteDeleted, models.NoteDeletedPayload{
		NoteID: note.ID, ConversationID: note.ConversationID,
	}), "")
	logger.Info("Note %s deleted by consent of %d members", note.ID, len(members))
	return true, nil
}

// membershipChanged re-evaluates every note in the conversation; a departure
// can complete a quorum. Votes are only read under the note lock in
// resettle, since the listing may predate a concurrent RequestDelete.
func (s *Notes) membershipChanged(ctx context.Context, conversationID, removed string) {
	notes, err := s.db.ListNotes(ctx, conversationID)
	if err != nil {
		logger.Error("Error listing notes of %s after membership change: %v", conversationID, err)
		return
	}
	for _, n := range notes {
		s.resettle(ctx, n.ID)
	}
}

func (s *Notes) resettle(ctx context.Context, noteID string) {
	unlock := s.locks.Lock(noteID)
	defer unlock()

	note, err := s.db.GetNote(ctx, noteID)
	if errors.Is(err, models.ErrNotFound) {
		return
	}
	if err != nil {
		logger.Error("Error reloading note %s: %v", noteID, err)
		return
	}
	if len(note.DeleteRequests) == 0 {
		return
	}
	if _, err := s.settle(ctx, note); err != nil {
		logger.Error("Error settling note %s: %v", noteID, err)
	}
}

// List returns metadata for every note in the conversation as seen by identity.
func (s *Notes) List(ctx context.Context, identity, conversationID string) ([]models.NoteMetadata, error) {
	if _, _, err := s.router.Resolve(ctx, identity, conversationID); err != nil {
		return nil, err
	}
	notes, err := s.db.ListNotes(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	out := make([]models.NoteMetadata, len(notes))
	for i, n := range notes {
		out[i] = n.Metadata(identity)
	}
	return out, nil
}
