package models

import (
	"encoding/json"
	"time"
)

type EventType string

// Server to client events
const (
	EventOnlineList  EventType = "online_list"
	EventUserOnline  EventType = "user_online"
	EventUserOffline EventType = "user_offline"

	EventChatHistory     EventType = "chat_history"
	EventGroupHistory    EventType = "group_history"
	EventNewMessage      EventType = "new_message"
	EventNewGroupMessage EventType = "new_group_message"
	EventMessageDeleted  EventType = "message_deleted"
	EventChatCleared     EventType = "chat_cleared"
	EventSettingsUpdated EventType = "settings_updated"
	EventChatSettings    EventType = "chat_settings"
	EventMessagesRead    EventType = "messages_read"

	EventPublicKeyUpdate  EventType = "public_key_update"
	EventReceivePublicKey EventType = "receive_public_key"

	EventSharedNoteCreated   EventType = "shared_note_created"
	EventPromptSetPhrase     EventType = "prompt_set_phrase"
	EventPhraseSetSuccess    EventType = "phrase_set_success"
	EventNoteUnlocked        EventType = "note_unlocked"
	EventNoteUnlockFailed    EventType = "note_unlock_failed"
	EventNoteEdited          EventType = "note_edited"
	EventNoteEditSuccess     EventType = "note_edit_success"
	EventNoteDeleteRequested EventType = "note_delete_requested"
	EventNoteDeleteCancelled EventType = "note_delete_cancelled"
	EventNoteDeleted         EventType = "note_deleted"
	EventSharedNotesList     EventType = "shared_notes_list"

	EventIncomingCall            EventType = "incoming_call"
	EventCallStarted             EventType = "call_started"
	EventCallJoined              EventType = "call_joined"
	EventParticipantJoined       EventType = "participant_joined"
	EventParticipantLeft         EventType = "participant_left"
	EventParticipantAudioChanged EventType = "participant_audio_changed"
	EventParticipantVideoChanged EventType = "participant_video_changed"
	EventScreenShareStarted      EventType = "screen_share_started"
	EventScreenShareStopped      EventType = "screen_share_stopped"
	EventCallEnded               EventType = "call_ended"
	EventCallDeclined            EventType = "call_declined"
	EventCallSignal              EventType = "call_signal"
	EventActiveCallFound         EventType = "active_call_found"
	EventNoActiveCall            EventType = "no_active_call"

	EventChatError   EventType = "chat_error"
	EventDeleteError EventType = "delete_error"
	EventNoteError   EventType = "note_error"
	EventCallError   EventType = "call_error"
	EventKeyError    EventType = "key_error"
)

// Event is the outbound envelope written to a connection as JSON.
type Event struct {
	Type EventType `json:"type"`
	Data any       `json:"data,omitempty"`
}

func NewEvent(t EventType, data any) Event {
	return Event{Type: t, Data: data}
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Error   string `json:"error"`
	Command string `json:"command,omitempty"`
}

// Presence

type OnlineListPayload struct {
	Users []string `json:"users"`
}

type UserPresencePayload struct {
	Identity string `json:"username"`
}

// Messaging

type HistoryPayload struct {
	ConversationID string               `json:"conversation_id"`
	Kind           ConversationKind     `json:"kind"`
	Messages       []*Message           `json:"messages"`
	Settings       ConversationSettings `json:"settings"`
}

type MessageDeletedPayload struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
}

type ChatClearedPayload struct {
	ConversationID string `json:"conversation_id"`
	ClearedBy      string `json:"cleared_by"`
}

type SettingsPayload struct {
	ConversationID string               `json:"conversation_id"`
	Settings       ConversationSettings `json:"settings"`
}

type MessagesReadPayload struct {
	ConversationID string   `json:"conversation_id"`
	Reader         string   `json:"reader"`
	MessageIDs     []string `json:"message_ids"`
}

type PublicKeyPayload struct {
	Identity  string `json:"username"`
	PublicKey string `json:"public_key"`
}

// Notes

type NoteCreatedPayload struct {
	Note NoteMetadata `json:"note"`
}

type NoteRefPayload struct {
	NoteID         string `json:"note_id"`
	ConversationID string `json:"conversation_id"`
	Title          string `json:"title,omitempty"`
	CreatedBy      string `json:"created_by,omitempty"`
}

type NoteUnlockedPayload struct {
	NoteID  string `json:"note_id"`
	Title   string `json:"title"`
	Content string `json:"content"`
}

type NoteFailurePayload struct {
	NoteID string `json:"note_id"`
	Error  string `json:"error"`
}

type NoteEditedPayload struct {
	NoteID         string    `json:"note_id"`
	ConversationID string    `json:"conversation_id"`
	Title          string    `json:"title"`
	EditedBy       string    `json:"edited_by"`
	EditedAt       time.Time `json:"edited_at"`
}

type NoteVotePayload struct {
	NoteID            string   `json:"note_id"`
	ConversationID    string   `json:"conversation_id"`
	Identity          string   `json:"username"`
	DeleteRequestedBy []string `json:"delete_requested_by"`
}

type NoteDeletedPayload struct {
	NoteID         string `json:"note_id"`
	ConversationID string `json:"conversation_id"`
}

type NotesListPayload struct {
	ConversationID string         `json:"conversation_id"`
	Notes          []NoteMetadata `json:"notes"`
}

// Calls

type IncomingCallPayload struct {
	CallID         string           `json:"call_id"`
	ConversationID string           `json:"conversation_id"`
	Kind           ConversationKind `json:"kind"`
	Caller         string           `json:"caller"`
	WithVideo      bool             `json:"with_video"`
	CanSpeak       bool             `json:"can_speak"`
}

type CallJoinedPayload struct {
	CallID       string        `json:"call_id"`
	Self         Participant   `json:"self"`
	Participants []Participant `json:"participants"`
}

type ParticipantPayload struct {
	CallID string `json:"call_id"`
	Participant
}

type ParticipantLeftPayload struct {
	CallID   string `json:"call_id"`
	Identity string `json:"username"`
}

type MediaChangedPayload struct {
	CallID   string `json:"call_id"`
	Identity string `json:"username"`
	Enabled  bool   `json:"enabled"`
}

type CallEndedPayload struct {
	CallID         string    `json:"call_id"`
	ConversationID string    `json:"conversation_id"`
	Reason         EndReason `json:"reason"`
	EndedBy        string    `json:"ended_by,omitempty"`
}

type CallDeclinedPayload struct {
	CallID   string `json:"call_id"`
	Identity string `json:"username"`
}

// CallSignalPayload carries opaque negotiation data. Seq counts signals on
// one directed (call, from, to) pair.
type CallSignalPayload struct {
	CallID string          `json:"call_id"`
	From   string          `json:"from"`
	Kind   string          `json:"signal_kind"`
	Data   json.RawMessage `json:"signal_data"`
	Seq    uint64          `json:"seq"`
}

type NoActiveCallPayload struct {
	ConversationID string `json:"conversation_id"`
}
