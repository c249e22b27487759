package websocket

import (
	"errors"
	"reflect"
	"testing"

	"securechat/internal/models"
)

func TestDecodeCommand(t *testing.T) {
	on := true
	title := "renamed"

	tests := []struct {
		name string
		raw  string
		want Command
	}{
		{
			name: "join chat",
			raw:  `{"type":"join_chat","data":{"target":"bob"}}`,
			want: &JoinCommand{typed: typed{CmdJoinChat}, Target: "bob"},
		},
		{
			name: "group message",
			raw:  `{"type":"group_message","data":{"to":"g-1","payload":"Y3Q="}}`,
			want: &SendCommand{typed: typed{CmdGroupMessage}, To: "g-1", Payload: "Y3Q="},
		},
		{
			name: "mark read",
			raw:  `{"type":"mark_read","data":{"conversation_id":"g-1","message_ids":["m1","m2"]}}`,
			want: &MarkReadCommand{ConversationID: "g-1", MessageIDs: []string{"m1", "m2"}},
		},
		{
			name: "partial edit",
			raw:  `{"type":"edit_shared_note","data":{"note_id":"n1","title":"renamed","phrase":"abcd"}}`,
			want: &EditNoteCommand{NoteID: "n1", Title: &title, Phrase: "abcd"},
		},
		{
			name: "unlock",
			raw:  `{"type":"unlock_note","data":{"note_id":"n1","phrase":"abcd"}}`,
			want: &NotePhraseCommand{typed: typed{CmdUnlockNote}, NoteID: "n1", Phrase: "abcd"},
		},
		{
			name: "toggle audio",
			raw:  `{"type":"toggle_audio","data":{"call_id":"c1","enabled":true}}`,
			want: &ToggleCommand{typed: typed{CmdToggleAudio}, CallID: "c1", Enabled: &on},
		},
		{
			name: "signal keeps raw payload",
			raw:  `{"type":"call_signal","data":{"call_id":"c1","to":"bob","signal_kind":"offer","signal_data":{"sdp":"v=0"}}}`,
			want: &CallSignalCommand{CallID: "c1", To: "bob", Kind: "offer", Data: []byte(`{"sdp":"v=0"}`)},
		},
		{
			name: "no data",
			raw:  `{"type":"get_active_call"}`,
			want: &ConversationCommand{typed: typed{CmdGetActiveCall}},
		},
		{
			name: "null data",
			raw:  `{"type":"stop_screen_share","data":null}`,
			want: &ToggleCommand{typed: typed{CmdStopScreenShare}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			typ, cmd, err := DecodeCommand([]byte(tt.raw))
			if err != nil {
				t.Fatalf("DecodeCommand() error = %v", err)
			}
			if typ != tt.want.CommandType() || cmd.CommandType() != typ {
				t.Errorf("type = %s / %s, want %s", typ, cmd.CommandType(), tt.want.CommandType())
			}
			if !reflect.DeepEqual(cmd, tt.want) {
				t.Errorf("DecodeCommand() = %#v, want %#v", cmd, tt.want)
			}
		})
	}
}

func TestDecodeCommand_Errors(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		wantType CommandType
	}{
		{"not json", `hello`, ""},
		{"unknown type", `{"type":"launch_rockets","data":{}}`, "launch_rockets"},
		{"wrong field type", `{"type":"send_message","data":{"to":42}}`, CmdSendMessage},
		{"data not an object", `{"type":"join_group","data":"g-1"}`, CmdJoinGroup},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			typ, cmd, err := DecodeCommand([]byte(tt.raw))
			if !errors.Is(err, models.ErrValidation) {
				t.Fatalf("DecodeCommand() error = %v, want ErrValidation", err)
			}
			if cmd != nil {
				t.Errorf("DecodeCommand() command = %#v, want nil", cmd)
			}
			if typ != tt.wantType {
				t.Errorf("DecodeCommand() type = %q, want %q", typ, tt.wantType)
			}
		})
	}
}

func TestEveryCommandHasAnErrorFamily(t *testing.T) {
	want := map[CommandType]models.EventType{
		CmdSendMessage:    models.EventChatError,
		CmdJoinChannel:    models.EventChatError,
		CmdDeleteMessage:  models.EventDeleteError,
		CmdGetPublicKey:   models.EventKeyError,
		CmdUnlockNote:     models.EventNoteError,
		CmdGetSharedNotes: models.EventNoteError,
		CmdCallSignal:     models.EventCallError,
		CmdGetActiveCall:  models.EventCallError,
		"bogus":           models.EventChatError,
	}
	for cmd, ev := range want {
		if got := errorEventFor(cmd); got != ev {
			t.Errorf("errorEventFor(%s) = %s, want %s", cmd, got, ev)
		}
	}
	for cmd, factory := range commandFactories {
		if got := factory(cmd).CommandType(); got != cmd {
			t.Errorf("factory for %s builds a %s command", cmd, got)
		}
	}
}
