package services

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"securechat/internal/database"
	"securechat/internal/models"
)

func TestNotes_PhrasesArePerIdentity(t *testing.T) {
	h := newHarness(t)
	dm := models.DirectConversationID("alice", "bob")
	alice := h.connect("alice")
	bob := h.connect("bob")
	h.join(alice, dm)
	drain(bob)

	md, err := h.notes.Create(h.ctx, "alice", dm, "wifi", "c2VhbGVk", "abcd")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if !md.HasPhrase || md.CreatedBy != "alice" {
		t.Errorf("Create() metadata = %+v", md)
	}
	prompt := single(t, drain(bob), models.EventPromptSetPhrase).Data.(models.NoteRefPayload)
	if prompt.NoteID != md.ID || prompt.CreatedBy != "alice" {
		t.Errorf("prompt_set_phrase = %+v", prompt)
	}
	if evs := only(drain(alice), models.EventPromptSetPhrase); len(evs) != 0 {
		t.Error("creator must not be prompted for a phrase")
	}

	if _, err := h.notes.Unlock(h.ctx, "bob", md.ID, "efgh"); !errors.Is(err, models.ErrPhraseNotSet) {
		t.Fatalf("Unlock() before SetPhrase error = %v, want ErrPhraseNotSet", err)
	}
	if err := h.notes.SetPhrase(h.ctx, "bob", md.ID, "efgh"); err != nil {
		t.Fatalf("SetPhrase() error = %v", err)
	}
	single(t, drain(bob), models.EventPhraseSetSuccess)

	unlocked, err := h.notes.Unlock(h.ctx, "bob", md.ID, "efgh")
	if err != nil {
		t.Fatalf("Unlock(bob, efgh) error = %v", err)
	}
	if unlocked.Content != "c2VhbGVk" || unlocked.Title != "wifi" {
		t.Errorf("Unlock(bob) = %+v", unlocked)
	}

	if _, err := h.notes.Unlock(h.ctx, "alice", md.ID, "efgh"); !errors.Is(err, models.ErrPhraseMismatch) {
		t.Errorf("Unlock(alice, efgh) error = %v, want ErrPhraseMismatch", err)
	}
	if _, err := h.notes.Unlock(h.ctx, "bob", md.ID, "abcd"); !errors.Is(err, models.ErrPhraseMismatch) {
		t.Errorf("Unlock(bob, abcd) error = %v, want ErrPhraseMismatch", err)
	}
	if got, err := h.notes.Unlock(h.ctx, "alice", md.ID, "abcd"); err != nil || got.Content != "c2VhbGVk" {
		t.Errorf("Unlock(alice, abcd) = %+v, %v", got, err)
	}
	if _, err := h.notes.Unlock(h.ctx, "carol", md.ID, "abcd"); !errors.Is(err, models.ErrNotMember) {
		t.Errorf("Unlock(outsider) error = %v, want ErrNotMember", err)
	}
}

func TestNotes_CreateAndPhraseValidation(t *testing.T) {
	h := newHarness(t)
	g := h.group("alice", "bob")

	tests := []struct {
		name    string
		title   string
		content string
		phrase  string
		wantErr error
	}{
		{"short phrase", "t", "c", "abc", models.ErrValidation},
		{"long phrase", "t", "c", strings.Repeat("p", 73), models.ErrValidation},
		{"empty title", " ", "c", "abcd", models.ErrValidation},
		{"long title", strings.Repeat("t", 201), "c", "abcd", models.ErrValidation},
		{"empty content", "t", "", "abcd", models.ErrValidation},
		{"oversized content", "t", strings.Repeat("c", 1025), "abcd", models.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := h.notes.Create(h.ctx, "alice", g, tt.title, tt.content, tt.phrase); !errors.Is(err, tt.wantErr) {
				t.Errorf("Create() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	if _, err := h.notes.Create(h.ctx, "carol", g, "t", "c", "abcd"); !errors.Is(err, models.ErrNotMember) {
		t.Errorf("Create(outsider) error = %v, want ErrNotMember", err)
	}

	md, err := h.notes.Create(h.ctx, "alice", g, "t", "c", "abcd")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := h.notes.SetPhrase(h.ctx, "alice", md.ID, "wxyz"); !errors.Is(err, models.ErrAlreadySet) {
		t.Errorf("SetPhrase(creator) error = %v, want ErrAlreadySet", err)
	}
	if err := h.notes.SetPhrase(h.ctx, "bob", md.ID, "ab"); !errors.Is(err, models.ErrValidation) {
		t.Errorf("SetPhrase(short) error = %v, want ErrValidation", err)
	}
	if err := h.notes.SetPhrase(h.ctx, "bob", "missing", "abcd"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("SetPhrase(unknown note) error = %v, want ErrNotFound", err)
	}
}

func TestNotes_Edit(t *testing.T) {
	h := newHarness(t)
	g := h.group("alice", "bob")
	alice := h.connect("alice")
	bob := h.connect("bob")
	h.join(alice, g)
	h.join(bob, g)

	md, _ := h.notes.Create(h.ctx, "alice", g, "draft", "v1", "abcd")
	if err := h.notes.SetPhrase(h.ctx, "bob", md.ID, "efgh"); err != nil {
		t.Fatalf("SetPhrase() error = %v", err)
	}
	drain(alice)
	drain(bob)

	content := "v2"
	if err := h.notes.Edit(h.ctx, "bob", md.ID, nil, &content, "abcd"); !errors.Is(err, models.ErrPhraseMismatch) {
		t.Fatalf("Edit() with the creator's phrase error = %v, want ErrPhraseMismatch", err)
	}
	if err := h.notes.Edit(h.ctx, "bob", md.ID, nil, nil, "efgh"); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("Edit() with nothing to change error = %v, want ErrValidation", err)
	}

	title := "final"
	if err := h.notes.Edit(h.ctx, "bob", md.ID, &title, &content, "efgh"); err != nil {
		t.Fatalf("Edit() error = %v", err)
	}
	edited := single(t, drain(alice), models.EventNoteEdited).Data.(models.NoteEditedPayload)
	if edited.EditedBy != "bob" || edited.Title != "final" {
		t.Errorf("note_edited = %+v", edited)
	}
	single(t, drain(bob), models.EventNoteEditSuccess)

	got, err := h.notes.Unlock(h.ctx, "alice", md.ID, "abcd")
	if err != nil {
		t.Fatalf("Unlock() after edit error = %v", err)
	}
	if got.Content != "v2" || got.Title != "final" {
		t.Errorf("Unlock() after edit = %+v", got)
	}

	list, _ := h.notes.List(h.ctx, "alice", g)
	if len(list) != 1 || list[0].LastEditedBy != "bob" || list[0].LastEditedAt == nil {
		t.Errorf("List() after edit = %+v", list)
	}
}

func TestNotes_DeleteNeedsBothParties(t *testing.T) {
	h := newHarness(t)
	dm := models.DirectConversationID("alice", "bob")
	alice := h.connect("alice")
	bob := h.connect("bob")
	h.join(alice, dm)
	h.join(bob, dm)

	md, err := h.notes.Create(h.ctx, "alice", dm, "n1", "sealed", "abcd")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	drain(alice)
	drain(bob)

	deleted, err := h.notes.RequestDelete(h.ctx, "alice", md.ID)
	if err != nil || deleted {
		t.Fatalf("RequestDelete(alice) = %v, %v; want pending", deleted, err)
	}
	vote := single(t, drain(bob), models.EventNoteDeleteRequested).Data.(models.NoteVotePayload)
	if vote.Identity != "alice" || !reflect.DeepEqual(vote.DeleteRequestedBy, []string{"alice"}) {
		t.Errorf("note_delete_requested = %+v", vote)
	}
	if _, err := h.db.GetNote(h.ctx, md.ID); err != nil {
		t.Fatalf("note gone after one vote: %v", err)
	}

	deleted, err = h.notes.RequestDelete(h.ctx, "bob", md.ID)
	if err != nil || !deleted {
		t.Fatalf("RequestDelete(bob) = %v, %v; want deleted", deleted, err)
	}
	single(t, drain(alice), models.EventNoteDeleted)
	single(t, drain(bob), models.EventNoteDeleted)
	if _, err := h.db.GetNote(h.ctx, md.ID); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("GetNote() after deletion error = %v, want ErrNotFound", err)
	}
}

func TestNotes_SubsetNeverDeletes(t *testing.T) {
	h := newHarness(t)
	g := h.group("alice", "bob", "carol", "dave")
	md, _ := h.notes.Create(h.ctx, "alice", g, "n", "c", "abcd")

	for _, id := range []string{"alice", "bob", "carol", "alice", "bob"} {
		deleted, err := h.notes.RequestDelete(h.ctx, id, md.ID)
		if err != nil || deleted {
			t.Fatalf("RequestDelete(%s) = %v, %v; a strict subset must not delete", id, deleted, err)
		}
	}
	list, _ := h.notes.List(h.ctx, "dave", g)
	if len(list) != 1 || !list[0].IsPending || len(list[0].DeleteRequestedBy) != 3 {
		t.Fatalf("List() = %+v, want one pending note with three votes", list)
	}

	if err := h.notes.CancelDelete(h.ctx, "carol", md.ID); err != nil {
		t.Fatalf("CancelDelete() error = %v", err)
	}
	if err := h.notes.CancelDelete(h.ctx, "carol", md.ID); !errors.Is(err, models.ErrValidation) {
		t.Errorf("second CancelDelete() error = %v, want ErrValidation", err)
	}
	if deleted, _ := h.notes.RequestDelete(h.ctx, "dave", md.ID); deleted {
		t.Fatal("note deleted after carol withdrew a vote")
	}
	if deleted, _ := h.notes.RequestDelete(h.ctx, "carol", md.ID); !deleted {
		t.Error("note should be deleted once every member voted")
	}
}

func TestNotes_QuorumCompletesWhenMemberLeaves(t *testing.T) {
	h := newHarness(t)
	g := h.group("alice", "bob", "carol")
	alice := h.connect("alice")
	h.join(alice, g)

	md, _ := h.notes.Create(h.ctx, "alice", g, "n", "c", "abcd")
	h.notes.RequestDelete(h.ctx, "alice", md.ID)
	h.notes.RequestDelete(h.ctx, "bob", md.ID)
	drain(alice)

	if err := h.router.RemoveMember(h.ctx, "carol", g, "carol"); err != nil {
		t.Fatalf("RemoveMember() error = %v", err)
	}
	single(t, drain(alice), models.EventNoteDeleted)
	if _, err := h.db.GetNote(h.ctx, md.ID); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("GetNote() error = %v, want ErrNotFound", err)
	}
}

// staleNoteList lists notes as they were before any delete vote landed.
type staleNoteList struct {
	*database.MemoryDB
}

func (db staleNoteList) ListNotes(ctx context.Context, conversationID string) ([]*models.SharedNote, error) {
	notes, err := db.MemoryDB.ListNotes(ctx, conversationID)
	for _, n := range notes {
		n.DeleteRequests = map[string]time.Time{}
	}
	return notes, err
}

func TestNotes_QuorumRecheckedFromStoredVotes(t *testing.T) {
	h := newHarnessOver(t, func(db *database.MemoryDB) database.Database { return staleNoteList{db} })
	g := h.group("alice", "bob")
	md, _ := h.notes.Create(h.ctx, "alice", g, "n", "c", "abcd")

	if deleted, err := h.notes.RequestDelete(h.ctx, "alice", md.ID); err != nil || deleted {
		t.Fatalf("RequestDelete(alice) = %v, %v; want pending", deleted, err)
	}
	if err := h.router.RemoveMember(h.ctx, "bob", g, "bob"); err != nil {
		t.Fatalf("RemoveMember() error = %v", err)
	}
	if _, err := h.db.GetNote(h.ctx, md.ID); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("GetNote() error = %v, want the sole remaining voter to complete the quorum", err)
	}
}

func TestNotes_DepartedVotesDiscarded(t *testing.T) {
	h := newHarness(t)
	g := h.group("alice", "bob", "carol")
	md, _ := h.notes.Create(h.ctx, "alice", g, "n", "c", "abcd")
	h.notes.RequestDelete(h.ctx, "bob", md.ID)

	if err := h.router.RemoveMember(h.ctx, "bob", g, "bob"); err != nil {
		t.Fatalf("RemoveMember() error = %v", err)
	}
	note, err := h.db.GetNote(h.ctx, md.ID)
	if err != nil {
		t.Fatalf("GetNote() error = %v", err)
	}
	if len(note.DeleteRequests) != 0 {
		t.Errorf("DeleteRequests = %v, want departed vote dropped", note.DeleteRequesters())
	}
}

func TestNotes_ListMetadataPerIdentity(t *testing.T) {
	h := newHarness(t)
	g := h.group("alice", "bob")
	md, _ := h.notes.Create(h.ctx, "alice", g, "n", "secret", "abcd")

	for _, tt := range []struct {
		identity  string
		hasPhrase bool
	}{
		{"alice", true},
		{"bob", false},
	} {
		list, err := h.notes.List(h.ctx, tt.identity, g)
		if err != nil {
			t.Fatalf("List(%s) error = %v", tt.identity, err)
		}
		if len(list) != 1 || list[0].ID != md.ID || list[0].HasPhrase != tt.hasPhrase {
			t.Errorf("List(%s) = %+v", tt.identity, list)
		}
	}
	if _, err := h.notes.List(h.ctx, "carol", g); !errors.Is(err, models.ErrNotMember) {
		t.Errorf("List(outsider) error = %v, want ErrNotMember", err)
	}
}

func TestKeys_ShareAndGet(t *testing.T) {
	h := newHarness(t)
	h.group("alice", "bob")
	bob := h.connect("bob")
	carol := h.connect("carol")

	if err := h.keys.Share(h.ctx, "alice", "pk-alice"); err != nil {
		t.Fatalf("Share() error = %v", err)
	}
	update := single(t, drain(bob), models.EventPublicKeyUpdate).Data.(models.PublicKeyPayload)
	if update.Identity != "alice" || update.PublicKey != "pk-alice" {
		t.Errorf("public_key_update = %+v", update)
	}
	if evs := drain(carol); len(evs) != 0 {
		t.Errorf("non-peer received %v", types(evs))
	}

	key, err := h.keys.Get(h.ctx, "alice")
	if err != nil || key.Key != "pk-alice" {
		t.Errorf("Get(alice) = %+v, %v", key, err)
	}
	if _, err := h.keys.Get(h.ctx, "nobody"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Get(nobody) error = %v, want ErrNotFound", err)
	}
	if err := h.keys.Share(h.ctx, "alice", ""); !errors.Is(err, models.ErrValidation) {
		t.Errorf("Share(empty) error = %v, want ErrValidation", err)
	}
}
