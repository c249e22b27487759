package websocket

import (
	"encoding/json"
	"fmt"

	"securechat/internal/models"
)

type CommandType string

// Client to server commands
const (
	CmdJoinChat          CommandType = "join_chat"
	CmdJoinGroup         CommandType = "join_group"
	CmdJoinChannel       CommandType = "join_channel"
	CmdLeaveConversation CommandType = "leave_conversation"
	CmdSendMessage       CommandType = "send_message"
	CmdGroupMessage      CommandType = "group_message"
	CmdDeleteMessage     CommandType = "delete_message"
	CmdClearChat         CommandType = "clear_chat"
	CmdSetAutoDelete     CommandType = "set_auto_delete"
	CmdGetChatSettings   CommandType = "get_chat_settings"
	CmdMarkRead          CommandType = "mark_read"

	CmdSharePublicKey CommandType = "share_public_key"
	CmdGetPublicKey   CommandType = "get_public_key"

	CmdCreateSharedNote    CommandType = "create_shared_note"
	CmdSetNotePhrase       CommandType = "set_note_phrase"
	CmdUnlockNote          CommandType = "unlock_note"
	CmdEditSharedNote      CommandType = "edit_shared_note"
	CmdRequestDeleteNote   CommandType = "request_delete_note"
	CmdCancelDeleteRequest CommandType = "cancel_delete_request"
	CmdGetSharedNotes      CommandType = "get_shared_notes"

	CmdStartCall        CommandType = "start_call"
	CmdJoinCall         CommandType = "join_call"
	CmdDeclineCall      CommandType = "decline_call"
	CmdLeaveCall        CommandType = "leave_call"
	CmdEndCall          CommandType = "end_call"
	CmdToggleAudio      CommandType = "toggle_audio"
	CmdToggleVideo      CommandType = "toggle_video"
	CmdStartScreenShare CommandType = "start_screen_share"
	CmdStopScreenShare  CommandType = "stop_screen_share"
	CmdCallSignal       CommandType = "call_signal"
	CmdGetActiveCall    CommandType = "get_active_call"
)

// Command is one decoded inbound frame.
type Command interface {
	CommandType() CommandType
}

// typed is embedded by commands that share a struct across several types.
type typed struct {
	Type CommandType `json:"-"`
}

func (t typed) CommandType() CommandType { return t.Type }

// JoinCommand targets a peer identity for join_chat and a conversation id otherwise.
type JoinCommand struct {
	typed
	Target string `json:"target"`
}

// ConversationCommand carries only a conversation id.
type ConversationCommand struct {
	typed
	ConversationID string `json:"conversation_id"`
}

// SendCommand names a peer identity for send_message and a conversation id for group_message.
type SendCommand struct {
	typed
	To      string `json:"to"`
	Payload string `json:"payload"`
}

type DeleteMessageCommand struct {
	MessageID string `json:"message_id"`
}

func (DeleteMessageCommand) CommandType() CommandType { return CmdDeleteMessage }

type SetAutoDeleteCommand struct {
	ConversationID string `json:"conversation_id"`
	Period         string `json:"period"`
}

func (SetAutoDeleteCommand) CommandType() CommandType { return CmdSetAutoDelete }

type MarkReadCommand struct {
	ConversationID string   `json:"conversation_id"`
	MessageIDs     []string `json:"message_ids"`
}

func (MarkReadCommand) CommandType() CommandType { return CmdMarkRead }

type SharePublicKeyCommand struct {
	PublicKey string `json:"public_key"`
}

func (SharePublicKeyCommand) CommandType() CommandType { return CmdSharePublicKey }

type GetPublicKeyCommand struct {
	Identity string `json:"username"`
}

func (GetPublicKeyCommand) CommandType() CommandType { return CmdGetPublicKey }

type CreateNoteCommand struct {
	ConversationID string `json:"conversation_id"`
	Title          string `json:"title"`
	Content        string `json:"content"`
	Phrase         string `json:"phrase"`
}

func (CreateNoteCommand) CommandType() CommandType { return CmdCreateSharedNote }

// NotePhraseCommand is shared by set_note_phrase and unlock_note.
type NotePhraseCommand struct {
	typed
	NoteID string `json:"note_id"`
	Phrase string `json:"phrase"`
}

// EditNoteCommand leaves a field untouched when it is absent.
type EditNoteCommand struct {
	NoteID  string  `json:"note_id"`
	Title   *string `json:"title,omitempty"`
	Content *string `json:"content,omitempty"`
	Phrase  string  `json:"phrase"`
}

func (EditNoteCommand) CommandType() CommandType { return CmdEditSharedNote }

type NoteCommand struct {
	typed
	NoteID string `json:"note_id"`
}

// StartCallCommand accepts either a conversation id or, for direct calls, the peer identity.
type StartCallCommand struct {
	ConversationID string `json:"conversation_id"`
	To             string `json:"to"`
	WithVideo      bool   `json:"with_video"`
}

func (StartCallCommand) CommandType() CommandType { return CmdStartCall }

type JoinCallCommand struct {
	CallID    string `json:"call_id"`
	WithVideo bool   `json:"with_video"`
}

func (JoinCallCommand) CommandType() CommandType { return CmdJoinCall }

type CallCommand struct {
	typed
	CallID string `json:"call_id"`
}

// ToggleCommand covers the media toggles. Enabled is required for
// toggle_audio and toggle_video and implied by the screen share commands.
type ToggleCommand struct {
	typed
	CallID  string `json:"call_id"`
	Enabled *bool  `json:"enabled"`
}

type CallSignalCommand struct {
	CallID string          `json:"call_id"`
	To     string          `json:"to"`
	Kind   string          `json:"signal_kind"`
	Data   json.RawMessage `json:"signal_data"`
}

func (CallSignalCommand) CommandType() CommandType { return CmdCallSignal }

var commandFactories = map[CommandType]func(CommandType) Command{
	CmdJoinChat:          func(t CommandType) Command { return &JoinCommand{typed: typed{t}} },
	CmdJoinGroup:         func(t CommandType) Command { return &JoinCommand{typed: typed{t}} },
	CmdJoinChannel:       func(t CommandType) Command { return &JoinCommand{typed: typed{t}} },
	CmdLeaveConversation: func(t CommandType) Command { return &ConversationCommand{typed: typed{t}} },
	CmdSendMessage:       func(t CommandType) Command { return &SendCommand{typed: typed{t}} },
	CmdGroupMessage:      func(t CommandType) Command { return &SendCommand{typed: typed{t}} },
	CmdDeleteMessage:     func(CommandType) Command { return &DeleteMessageCommand{} },
	CmdClearChat:         func(t CommandType) Command { return &ConversationCommand{typed: typed{t}} },
	CmdSetAutoDelete:     func(CommandType) Command { return &SetAutoDeleteCommand{} },
	CmdGetChatSettings:   func(t CommandType) Command { return &ConversationCommand{typed: typed{t}} },
	CmdMarkRead:          func(CommandType) Command { return &MarkReadCommand{} },

	CmdSharePublicKey: func(CommandType) Command { return &SharePublicKeyCommand{} },
	CmdGetPublicKey:   func(CommandType) Command { return &GetPublicKeyCommand{} },

	CmdCreateSharedNote:    func(CommandType) Command { return &CreateNoteCommand{} },
	CmdSetNotePhrase:       func(t CommandType) Command { return &NotePhraseCommand{typed: typed{t}} },
	CmdUnlockNote:          func(t CommandType) Command { return &NotePhraseCommand{typed: typed{t}} },
	CmdEditSharedNote:      func(CommandType) Command { return &EditNoteCommand{} },
	CmdRequestDeleteNote:   func(t CommandType) Command { return &NoteCommand{typed: typed{t}} },
	CmdCancelDeleteRequest: func(t CommandType) Command { return &NoteCommand{typed: typed{t}} },
	CmdGetSharedNotes:      func(t CommandType) Command { return &ConversationCommand{typed: typed{t}} },

	CmdStartCall:        func(CommandType) Command { return &StartCallCommand{} },
	CmdJoinCall:         func(CommandType) Command { return &JoinCallCommand{} },
	CmdDeclineCall:      func(t CommandType) Command { return &CallCommand{typed: typed{t}} },
	CmdLeaveCall:        func(t CommandType) Command { return &CallCommand{typed: typed{t}} },
	CmdEndCall:          func(t CommandType) Command { return &CallCommand{typed: typed{t}} },
	CmdToggleAudio:      func(t CommandType) Command { return &ToggleCommand{typed: typed{t}} },
	CmdToggleVideo:      func(t CommandType) Command { return &ToggleCommand{typed: typed{t}} },
	CmdStartScreenShare: func(t CommandType) Command { return &ToggleCommand{typed: typed{t}} },
	CmdStopScreenShare:  func(t CommandType) Command { return &ToggleCommand{typed: typed{t}} },
	CmdCallSignal:       func(CommandType) Command { return &CallSignalCommand{} },
	CmdGetActiveCall:    func(t CommandType) Command { return &ConversationCommand{typed: typed{t}} },
}

type envelope struct {
	Type CommandType     `json:"type"`
	Data json.RawMessage `json:"data"`
}

// DecodeCommand parses a {"type": ..., "data": {...}} frame into its typed
// command. The returned CommandType is set even when decoding the data fails,
// so the caller can report the error against the right command.
func DecodeCommand(raw []byte) (CommandType, Command, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", nil, fmt.Errorf("%w: malformed frame: %v", models.ErrValidation, err)
	}
	factory, ok := commandFactories[env.Type]
	if !ok {
		return env.Type, nil, fmt.Errorf("%w: unknown command %q", models.ErrValidation, env.Type)
	}

	cmd := factory(env.Type)
	if len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, cmd); err != nil {
			return env.Type, nil, fmt.Errorf("%w: bad %s data: %v", models.ErrValidation, env.Type, err)
		}
	}
	return env.Type, cmd, nil
}
