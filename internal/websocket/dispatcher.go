package websocket

import (
	"context"
	"errors"
	"fmt"

	"securechat/internal/models"
	"securechat/internal/registry"
	"securechat/internal/services"
	"securechat/pkg/logger"
)

// Dispatcher routes decoded commands to the services and turns failures into
// the error event of the command's family. Replies go to the issuing
// connection only.
type Dispatcher struct {
	reg    *registry.Registry
	router *services.Router
	relay  *services.Relay
	calls  *services.Coordinator
	notes  *services.Notes
	keys   *services.Keys
}

func NewDispatcher(reg *registry.Registry, router *services.Router, relay *services.Relay, calls *services.Coordinator, notes *services.Notes, keys *services.Keys) *Dispatcher {
	return &Dispatcher{
		reg:    reg,
		router: router,
		relay:  relay,
		calls:  calls,
		notes:  notes,
		keys:   keys,
	}
}

// errorEventFor picks the error event family of a command.
func errorEventFor(t CommandType) models.EventType {
	switch t {
	case CmdDeleteMessage:
		return models.EventDeleteError
	case CmdSharePublicKey, CmdGetPublicKey:
		return models.EventKeyError
	case CmdCreateSharedNote, CmdSetNotePhrase, CmdUnlockNote, CmdEditSharedNote,
		CmdRequestDeleteNote, CmdCancelDeleteRequest, CmdGetSharedNotes:
		return models.EventNoteError
	case CmdStartCall, CmdJoinCall, CmdDeclineCall, CmdLeaveCall, CmdEndCall,
		CmdToggleAudio, CmdToggleVideo, CmdStartScreenShare, CmdStopScreenShare,
		CmdCallSignal, CmdGetActiveCall:
		return models.EventCallError
	default:
		return models.EventChatError
	}
}

// HandleFrame decodes and dispatches one raw inbound frame.
func (d *Dispatcher) HandleFrame(ctx context.Context, conn *registry.Conn, raw []byte) {
	t, cmd, err := DecodeCommand(raw)
	if err != nil {
		d.fail(conn, t, err)
		return
	}
	d.Handle(ctx, conn, cmd)
}

// Handle runs one command for conn.
func (d *Dispatcher) Handle(ctx context.Context, conn *registry.Conn, cmd Command) {
	if err := d.dispatch(ctx, conn, cmd); err != nil {
		d.fail(conn, cmd.CommandType(), err)
	}
}

func (d *Dispatcher) fail(conn *registry.Conn, t CommandType, err error) {
	code := models.ErrorCode(err)
	if code == "internal_error" {
		logger.Error("%s from %s failed: %v", t, conn.Identity, err)
	} else {
		logger.Debug("%s from %s rejected: %v", t, conn.Identity, err)
	}
	conn.Send(models.NewEvent(errorEventFor(t), models.ErrorPayload{
		Code:    code,
		Error:   err.Error(),
		Command: string(t),
	}))
}

func (d *Dispatcher) reply(conn *registry.Conn, t models.EventType, data any) {
	conn.Send(models.NewEvent(t, data))
}

func (d *Dispatcher) dispatch(ctx context.Context, conn *registry.Conn, cmd Command) error {
	switch c := cmd.(type) {
	case *JoinCommand:
		return d.join(ctx, conn, c)
	case *ConversationCommand:
		return d.conversation(ctx, conn, c)
	case *SendCommand:
		return d.send(ctx, conn, c)
	case *DeleteMessageCommand:
		if c.MessageID == "" {
			return fmt.Errorf("%w: message_id is required", models.ErrValidation)
		}
		_, err := d.relay.Delete(ctx, conn.Identity, c.MessageID)
		return err
	case *SetAutoDeleteCommand:
		_, err := d.relay.SetPolicy(ctx, conn.Identity, c.ConversationID, c.Period)
		return err
	case *MarkReadCommand:
		_, err := d.relay.MarkRead(ctx, conn.Identity, c.ConversationID, c.MessageIDs)
		return err

	case *SharePublicKeyCommand:
		return d.keys.Share(ctx, conn.Identity, c.PublicKey)
	case *GetPublicKeyCommand:
		key, err := d.keys.Get(ctx, c.Identity)
		if err != nil {
			return err
		}
		d.reply(conn, models.EventReceivePublicKey, models.PublicKeyPayload{Identity: key.Identity, PublicKey: key.Key})
		return nil

	case *CreateNoteCommand:
		_, err := d.notes.Create(ctx, conn.Identity, c.ConversationID, c.Title, c.Content, c.Phrase)
		return err
	case *NotePhraseCommand:
		return d.notePhrase(ctx, conn, c)
	case *EditNoteCommand:
		return d.notes.Edit(ctx, conn.Identity, c.NoteID, c.Title, c.Content, c.Phrase)
	case *NoteCommand:
		if c.Type == CmdCancelDeleteRequest {
			return d.notes.CancelDelete(ctx, conn.Identity, c.NoteID)
		}
		_, err := d.notes.RequestDelete(ctx, conn.Identity, c.NoteID)
		return err

	case *StartCallCommand:
		return d.startCall(ctx, conn, c)
	case *JoinCallCommand:
		_, err := d.calls.Join(ctx, conn, c.CallID, c.WithVideo)
		return err
	case *CallCommand:
		switch c.Type {
		case CmdDeclineCall:
			return d.calls.Decline(ctx, conn, c.CallID)
		case CmdLeaveCall:
			return d.calls.Leave(ctx, conn, c.CallID)
		default:
			return d.calls.End(ctx, conn, c.CallID)
		}
	case *ToggleCommand:
		return d.toggle(ctx, conn, c)
	case *CallSignalCommand:
		return d.calls.Signal(ctx, conn, c.CallID, c.To, c.Kind, c.Data)
	}
	return fmt.Errorf("%w: unhandled command %s", models.ErrValidation, cmd.CommandType())
}

// join enters the room; the relay queues the history and settings replay,
// the note list follows.
func (d *Dispatcher) join(ctx context.Context, conn *registry.Conn, c *JoinCommand) error {
	if c.Target == "" {
		return fmt.Errorf("%w: target is required", models.ErrValidation)
	}

	var (
		m   *models.Membership
		err error
	)
	switch c.Type {
	case CmdJoinChat:
		m, err = d.relay.JoinDirect(ctx, conn, c.Target)
	case CmdJoinGroup:
		m, err = d.relay.Join(ctx, conn, c.Target, models.KindGroup)
	default:
		m, err = d.relay.Join(ctx, conn, c.Target, models.KindChannel)
	}
	if err != nil {
		return err
	}

	notes, err := d.notes.List(ctx, conn.Identity, m.ConversationID)
	if err != nil {
		return err
	}
	d.reply(conn, models.EventSharedNotesList, models.NotesListPayload{ConversationID: m.ConversationID, Notes: notes})
	return nil
}

func (d *Dispatcher) conversation(ctx context.Context, conn *registry.Conn, c *ConversationCommand) error {
	if c.ConversationID == "" {
		return fmt.Errorf("%w: conversation_id is required", models.ErrValidation)
	}

	switch c.Type {
	case CmdLeaveConversation:
		d.router.Leave(ctx, conn.ID, c.ConversationID)
		return nil
	case CmdClearChat:
		return d.relay.Clear(ctx, conn.Identity, c.ConversationID)
	case CmdGetChatSettings:
		settings, err := d.relay.Settings(ctx, conn.Identity, c.ConversationID)
		if err != nil {
			return err
		}
		d.reply(conn, models.EventChatSettings, models.SettingsPayload{ConversationID: c.ConversationID, Settings: settings})
		return nil
	case CmdGetSharedNotes:
		notes, err := d.notes.List(ctx, conn.Identity, c.ConversationID)
		if err != nil {
			return err
		}
		d.reply(conn, models.EventSharedNotesList, models.NotesListPayload{ConversationID: c.ConversationID, Notes: notes})
		return nil
	case CmdGetActiveCall:
		info, err := d.calls.Active(ctx, conn.Identity, c.ConversationID)
		if err != nil {
			return err
		}
		if info == nil {
			d.reply(conn, models.EventNoActiveCall, models.NoActiveCallPayload{ConversationID: c.ConversationID})
			return nil
		}
		d.reply(conn, models.EventActiveCallFound, info)
		return nil
	}
	return fmt.Errorf("%w: unhandled command %s", models.ErrValidation, c.Type)
}

func (d *Dispatcher) send(ctx context.Context, conn *registry.Conn, c *SendCommand) error {
	if c.To == "" {
		return fmt.Errorf("%w: to is required", models.ErrValidation)
	}

	conversationID := c.To
	if c.Type == CmdSendMessage {
		if err := models.ValidateIdentity(c.To); err != nil {
			return err
		}
		if c.To == conn.Identity {
			return fmt.Errorf("%w: cannot message yourself", models.ErrValidation)
		}
		conversationID = models.DirectConversationID(conn.Identity, c.To)
	}
	_, err := d.relay.Send(ctx, conn.Identity, conversationID, c.Payload)
	return err
}

func (d *Dispatcher) notePhrase(ctx context.Context, conn *registry.Conn, c *NotePhraseCommand) error {
	if c.NoteID == "" {
		return fmt.Errorf("%w: note_id is required", models.ErrValidation)
	}
	if c.Type == CmdSetNotePhrase {
		return d.notes.SetPhrase(ctx, conn.Identity, c.NoteID, c.Phrase)
	}

	unlocked, err := d.notes.Unlock(ctx, conn.Identity, c.NoteID, c.Phrase)
	if errors.Is(err, models.ErrPhraseMismatch) {
		d.reply(conn, models.EventNoteUnlockFailed, models.NoteFailurePayload{NoteID: c.NoteID, Error: err.Error()})
		return nil
	}
	if err != nil {
		return err
	}
	d.reply(conn, models.EventNoteUnlocked, unlocked)
	return nil
}

func (d *Dispatcher) startCall(ctx context.Context, conn *registry.Conn, c *StartCallCommand) error {
	conversationID := c.ConversationID
	if conversationID == "" {
		if c.To == "" {
			return fmt.Errorf("%w: conversation_id or to is required", models.ErrValidation)
		}
		if err := models.ValidateIdentity(c.To); err != nil {
			return err
		}
		conversationID = models.DirectConversationID(conn.Identity, c.To)
	}
	_, err := d.calls.Start(ctx, conn, conversationID, c.WithVideo)
	return err
}

func (d *Dispatcher) toggle(ctx context.Context, conn *registry.Conn, c *ToggleCommand) error {
	var (
		media   services.Media
		enabled bool
	)
	switch c.Type {
	case CmdStartScreenShare, CmdStopScreenShare:
		media = services.MediaScreen
		enabled = c.Type == CmdStartScreenShare
	default:
		if c.Enabled == nil {
			return fmt.Errorf("%w: enabled is required", models.ErrValidation)
		}
		media = services.MediaAudio
		if c.Type == CmdToggleVideo {
			media = services.MediaVideo
		}
		enabled = *c.Enabled
	}
	return d.calls.Toggle(ctx, conn, c.CallID, media, enabled)
}
