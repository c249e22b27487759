package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"securechat/internal/models"
	"securechat/internal/registry"
)

func payloads(msgs []*models.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Payload
	}
	return out
}

func livePayloads(evs []models.Event, typ models.EventType) []string {
	var out []string
	for _, ev := range only(evs, typ) {
		out = append(out, ev.Data.(*models.Message).Payload)
	}
	return out
}

func TestSend_DeliveredLiveAndReplayedAfterReconnect(t *testing.T) {
	h := newHarness(t)
	dm := models.DirectConversationID("alice", "bob")
	alice := h.connect("alice")
	bob := h.connect("bob")
	drain(alice)
	if _, err := h.router.JoinDirect(h.ctx, bob, "alice"); err != nil {
		t.Fatalf("JoinDirect() error = %v", err)
	}
	h.join(alice, dm)

	msg, err := h.relay.Send(h.ctx, "alice", dm, "ct1")
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if !msg.Delivered {
		t.Error("message handed to bob should be marked delivered")
	}

	live := single(t, drain(bob), models.EventNewMessage).Data.(*models.Message)
	if live.Sender != "alice" || live.Payload != "ct1" || live.ID != msg.ID {
		t.Errorf("bob got %+v, want ct1 from alice", live)
	}
	single(t, drain(alice), models.EventNewMessage)

	h.reg.Disconnect(h.ctx, bob.ID)
	bob = h.connect("bob")
	h.join(bob, dm)

	history, conv, err := h.relay.History(h.ctx, "bob", dm)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if conv.Kind != models.KindDirect {
		t.Errorf("History() kind = %s", conv.Kind)
	}
	if got := payloads(history); !reflect.DeepEqual(got, []string{"ct1"}) {
		t.Errorf("History() payloads = %v, want [ct1]", got)
	}
}

func TestSend_QueuedEventIsASnapshot(t *testing.T) {
	h := newHarness(t)
	dm := models.DirectConversationID("alice", "bob")
	alice := h.connect("alice")
	bob := h.connect("bob")
	h.join(alice, dm)
	h.join(bob, dm)
	drain(alice)

	echoed := make(chan *models.Message, 1)
	go func() {
		ev := <-alice.Outbound()
		if _, err := json.Marshal(ev); err != nil {
			t.Errorf("json.Marshal() error = %v", err)
		}
		echoed <- ev.Data.(*models.Message)
	}()

	msg, err := h.relay.Send(h.ctx, "alice", dm, "ct1")
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	echo := <-echoed
	if echo == msg {
		t.Fatal("queued event shares the message returned by Send")
	}
	if !msg.Delivered || echo.Delivered {
		t.Errorf("delivered: returned %v, echo %v; want true, false", msg.Delivered, echo.Delivered)
	}
}

func TestJoin_ReplayNeverOverlapsLiveMessages(t *testing.T) {
	h := newHarness(t)
	g := h.group("alice", "bob")
	bob := h.connect("bob")

	const total = 40
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < total; i++ {
			if _, err := h.relay.Send(h.ctx, "alice", g, fmt.Sprintf("m%d", i)); err != nil {
				t.Errorf("Send() error = %v", err)
			}
		}
	}()
	if _, err := h.relay.Join(h.ctx, bob, g, models.KindGroup); err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	wg.Wait()

	evs := drain(bob)
	if len(evs) == 0 || evs[0].Type != models.EventGroupHistory {
		t.Fatalf("first event = %v, want group_history", types(evs))
	}
	seen := payloads(evs[0].Data.(models.HistoryPayload).Messages)
	seen = append(seen, livePayloads(evs[1:], models.EventNewGroupMessage)...)

	history, _, _ := h.relay.History(h.ctx, "bob", g)
	if want := payloads(history); !reflect.DeepEqual(seen, want) {
		t.Errorf("replay plus live = %v\nhistory is %v", seen, want)
	}
}

func TestSend_SameOrderForEveryMember(t *testing.T) {
	h := newHarness(t)
	g := h.group("alice", "bob", "carol")
	conns := map[string]*registry.Conn{}
	for _, id := range []string{"alice", "bob", "carol"} {
		c := h.connect(id)
		h.join(c, g)
		conns[id] = c
	}
	for _, c := range conns {
		drain(c)
	}

	const perSender = 15
	var wg sync.WaitGroup
	for id := range conns {
		wg.Add(1)
		go func(sender string) {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				if _, err := h.relay.Send(h.ctx, sender, g, fmt.Sprintf("%s-%d", sender, i)); err != nil {
					t.Errorf("Send(%s) error = %v", sender, err)
				}
			}
		}(id)
	}
	wg.Wait()

	history, _, err := h.relay.History(h.ctx, "alice", g)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	want := payloads(history)
	if len(want) != 3*perSender {
		t.Fatalf("History() has %d messages, want %d", len(want), 3*perSender)
	}
	for id, c := range conns {
		if got := livePayloads(drain(c), models.EventNewGroupMessage); !reflect.DeepEqual(got, want) {
			t.Errorf("%s observed %v\nhistory is %v", id, got, want)
		}
	}
}

func TestSend_Rejects(t *testing.T) {
	h := newHarness(t)
	g := h.group("alice", "bob")

	tests := []struct {
		name    string
		sender  string
		payload string
		wantErr error
	}{
		{"empty payload", "alice", "", models.ErrValidation},
		{"oversized payload", "alice", strings.Repeat("x", 1025), models.ErrValidation},
		{"outsider", "carol", "hi", models.ErrNotMember},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := h.relay.Send(h.ctx, tt.sender, g, tt.payload); !errors.Is(err, tt.wantErr) {
				t.Errorf("Send() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestDelete_SenderOnly(t *testing.T) {
	h := newHarness(t)
	g := h.group("alice", "bob")
	bob := h.connect("bob")
	h.join(bob, g)

	msg, err := h.relay.Send(h.ctx, "alice", g, "secret")
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	drain(bob)

	if _, err := h.relay.Delete(h.ctx, "bob", msg.ID); !errors.Is(err, models.ErrPermissionDenied) {
		t.Errorf("Delete(bob) error = %v, want ErrPermissionDenied", err)
	}
	if _, err := h.relay.Delete(h.ctx, "carol", msg.ID); !errors.Is(err, models.ErrNotMember) {
		t.Errorf("Delete(carol) error = %v, want ErrNotMember", err)
	}
	if _, err := h.relay.Delete(h.ctx, "alice", "missing"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Delete(missing) error = %v, want ErrNotFound", err)
	}

	if _, err := h.relay.Delete(h.ctx, "alice", msg.ID); err != nil {
		t.Fatalf("Delete(alice) error = %v", err)
	}
	ev := single(t, drain(bob), models.EventMessageDeleted)
	if p := ev.Data.(models.MessageDeletedPayload); p.MessageID != msg.ID {
		t.Errorf("message_deleted = %+v", p)
	}

	history, _, _ := h.relay.History(h.ctx, "bob", g)
	if len(history) != 0 {
		t.Errorf("History() after delete = %v, want empty", payloads(history))
	}
}

func TestAutoDelete_ExpiresWithoutSweep(t *testing.T) {
	h := newHarness(t)
	g := h.group("alice", "bob")
	bob := h.connect("bob")
	h.join(bob, g)

	if _, err := h.relay.Send(h.ctx, "alice", g, "kept"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	settings, err := h.relay.SetPolicy(h.ctx, "bob", g, "1_day")
	if err != nil {
		t.Fatalf("SetPolicy() error = %v", err)
	}
	if settings.AutoDelete != models.PolicyDay || settings.UpdatedBy != "bob" {
		t.Errorf("SetPolicy() = %+v", settings)
	}
	if _, err := h.relay.Send(h.ctx, "alice", g, "ephemeral"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	single(t, drain(bob), models.EventSettingsUpdated)

	h.clock.Advance(23 * time.Hour)
	history, _, _ := h.relay.History(h.ctx, "bob", g)
	if got := payloads(history); !reflect.DeepEqual(got, []string{"kept", "ephemeral"}) {
		t.Fatalf("History() at 23h = %v", got)
	}

	h.clock.Advance(time.Hour)
	history, _, _ = h.relay.History(h.ctx, "bob", g)
	if got := payloads(history); !reflect.DeepEqual(got, []string{"kept"}) {
		t.Errorf("History() at 24h = %v, want [kept]", got)
	}
	single(t, drain(bob), models.EventMessageDeleted)
}

func TestSweep_RemovesExpired(t *testing.T) {
	h := newHarness(t)
	g := h.group("alice", "bob")
	bob := h.connect("bob")
	h.join(bob, g)

	if _, err := h.relay.SetPolicy(h.ctx, "alice", g, "1_week"); err != nil {
		t.Fatalf("SetPolicy() error = %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := h.relay.Send(h.ctx, "alice", g, "m"); err != nil {
			t.Fatalf("Send() error = %v", err)
		}
	}
	drain(bob)

	if n, err := h.relay.Sweep(h.ctx); err != nil || n != 0 {
		t.Fatalf("Sweep() before expiry = %d, %v", n, err)
	}
	h.clock.Advance(8 * 24 * time.Hour)
	n, err := h.relay.Sweep(h.ctx)
	if err != nil || n != 3 {
		t.Fatalf("Sweep() = %d, %v; want 3", n, err)
	}
	if got := len(only(drain(bob), models.EventMessageDeleted)); got != 3 {
		t.Errorf("bob got %d message_deleted, want 3", got)
	}
}

func TestSetPolicy_Rejects(t *testing.T) {
	h := newHarness(t)
	g := h.group("alice", "bob")

	if _, err := h.relay.SetPolicy(h.ctx, "alice", g, "2_days"); !errors.Is(err, models.ErrValidation) {
		t.Errorf("SetPolicy(2_days) error = %v, want ErrValidation", err)
	}
	if _, err := h.relay.SetPolicy(h.ctx, "carol", g, "1_day"); !errors.Is(err, models.ErrNotMember) {
		t.Errorf("SetPolicy(carol) error = %v, want ErrNotMember", err)
	}
	settings, err := h.relay.Settings(h.ctx, "bob", g)
	if err != nil || settings.AutoDelete != models.PolicyNever {
		t.Errorf("Settings() = %+v, %v; want never", settings, err)
	}
}

func TestClear_KeepsNotes(t *testing.T) {
	h := newHarness(t)
	g := h.group("alice", "bob")
	bob := h.connect("bob")
	h.join(bob, g)

	h.relay.Send(h.ctx, "alice", g, "one")
	h.relay.Send(h.ctx, "bob", g, "two")
	if _, err := h.notes.Create(h.ctx, "alice", g, "plans", "sealed", "abcd"); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	drain(bob)

	if err := h.relay.Clear(h.ctx, "bob", g); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	ev := single(t, drain(bob), models.EventChatCleared)
	if p := ev.Data.(models.ChatClearedPayload); p.ClearedBy != "bob" {
		t.Errorf("chat_cleared = %+v", p)
	}

	history, _, _ := h.relay.History(h.ctx, "alice", g)
	if len(history) != 0 {
		t.Errorf("History() after clear = %v", payloads(history))
	}
	notes, _ := h.notes.List(h.ctx, "alice", g)
	if len(notes) != 1 {
		t.Errorf("notes after clear = %d, want 1", len(notes))
	}
}

func TestMarkRead(t *testing.T) {
	h := newHarness(t)
	g := h.group("alice", "bob")
	alice := h.connect("alice")
	h.join(alice, g)

	mine, _ := h.relay.Send(h.ctx, "alice", g, "hi")
	theirs, _ := h.relay.Send(h.ctx, "bob", g, "yo")
	drain(alice)

	changed, err := h.relay.MarkRead(h.ctx, "alice", g, []string{mine.ID, theirs.ID})
	if err != nil {
		t.Fatalf("MarkRead() error = %v", err)
	}
	if !reflect.DeepEqual(changed, []string{theirs.ID}) {
		t.Errorf("MarkRead() = %v, want only bob's message", changed)
	}
	single(t, drain(alice), models.EventMessagesRead)

	changed, _ = h.relay.MarkRead(h.ctx, "alice", g, []string{theirs.ID})
	if len(changed) != 0 {
		t.Errorf("second MarkRead() = %v, want none", changed)
	}
	if evs := drain(alice); len(evs) != 0 {
		t.Errorf("unchanged read state broadcast %v", types(evs))
	}

	if _, err := h.relay.MarkRead(h.ctx, "alice", g, nil); !errors.Is(err, models.ErrValidation) {
		t.Errorf("MarkRead(nil) error = %v, want ErrValidation", err)
	}
}
