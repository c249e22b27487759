package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"securechat/internal/database"
	"securechat/internal/models"
	"securechat/internal/notecrypt"
	"securechat/internal/presence"
	"securechat/internal/registry"
	"securechat/internal/testutil"

	"golang.org/x/crypto/bcrypt"
)

// fakeTimers records scheduled ring timeouts so tests can fire them by hand.
type fakeTimers struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

type fakeTimer struct {
	d       time.Duration
	f       func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

func (ft *fakeTimers) AfterFunc(d time.Duration, f func()) Timer {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	t := &fakeTimer{d: d, f: f}
	ft.timers = append(ft.timers, t)
	return t
}

// fireLast runs the most recently scheduled timer as if it had expired.
func (ft *fakeTimers) fireLast(t *testing.T) {
	t.Helper()
	ft.mu.Lock()
	if len(ft.timers) == 0 {
		ft.mu.Unlock()
		t.Fatal("no timer scheduled")
	}
	last := ft.timers[len(ft.timers)-1]
	ft.mu.Unlock()
	last.f()
}

type harness struct {
	t      *testing.T
	ctx    context.Context
	db     *database.MemoryDB
	clock  *testutil.StubClock
	reg    *registry.Registry
	router *Router
	relay  *Relay
	calls  *Coordinator
	notes  *Notes
	keys   *Keys
	timers *fakeTimers
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessOver(t, nil)
}

// newHarnessOver runs the services on wrap(db) while h.db stays the bare
// memory store, so tests can inject storage behaviour.
func newHarnessOver(t *testing.T, wrap func(*database.MemoryDB) database.Database) *harness {
	t.Helper()

	presenceStore, err := presence.NewStore(presence.StoreTypeMemory)
	if err != nil {
		t.Fatalf("presence.NewStore() error = %v", err)
	}
	sealer, err := notecrypt.New("", 2, bcrypt.MinCost)
	if err != nil {
		t.Fatalf("notecrypt.New() error = %v", err)
	}

	db := database.NewMemoryDB()
	var store database.Database = db
	if wrap != nil {
		store = wrap(db)
	}
	clk := testutil.FixedClock()
	ids := testutil.NewStubIDGenerator()
	timers := &fakeTimers{}

	reg := registry.New(nil, presenceStore, clk, ids, 128)
	router := NewRouter(store, reg, clk, ids)
	return &harness{
		t:      t,
		ctx:    context.Background(),
		db:     db,
		clock:  clk,
		reg:    reg,
		router: router,
		relay:  NewRelay(store, router, clk, ids, 1024),
		calls:  NewCoordinator(router, reg, clk, ids, 30*time.Second, WithAfterFunc(timers.AfterFunc)),
		notes:  NewNotes(store, router, reg, sealer, clk, ids, 4, 1024),
		keys:   NewKeys(store, router, reg, clk),
		timers: timers,
	}
}

// connect opens a connection and discards the presence snapshot.
func (h *harness) connect(identity string) *registry.Conn {
	h.t.Helper()
	c, err := h.reg.Connect(h.ctx, identity)
	if err != nil {
		h.t.Fatalf("Connect(%s) error = %v", identity, err)
	}
	drain(c)
	return c
}

// group creates a group owned by owner and returns its id.
func (h *harness) group(owner string, members ...string) string {
	h.t.Helper()
	return h.conversation(models.KindGroup, owner, members...)
}

func (h *harness) conversation(kind models.ConversationKind, owner string, members ...string) string {
	h.t.Helper()
	conv, err := h.router.CreateConversation(h.ctx, owner, kind, "test "+string(kind), members)
	if err != nil {
		h.t.Fatalf("CreateConversation() error = %v", err)
	}
	return conv.ID
}

func (h *harness) join(c *registry.Conn, conversationID string) {
	h.t.Helper()
	if _, err := h.router.Join(h.ctx, c, conversationID, ""); err != nil {
		h.t.Fatalf("Join(%s, %s) error = %v", c.Identity, conversationID, err)
	}
}

func drain(c *registry.Conn) []models.Event {
	var out []models.Event
	for {
		select {
		case ev := <-c.Outbound():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func types(evs []models.Event) []models.EventType {
	out := make([]models.EventType, len(evs))
	for i, ev := range evs {
		out[i] = ev.Type
	}
	return out
}

// only returns the events of type t, in order.
func only(evs []models.Event, t models.EventType) []models.Event {
	var out []models.Event
	for _, ev := range evs {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// single asserts exactly one event of type t and returns it.
func single(t *testing.T, evs []models.Event, typ models.EventType) models.Event {
	t.Helper()
	got := only(evs, typ)
	if len(got) != 1 {
		t.Fatalf("got %d %s events in %v, want 1", len(got), typ, types(evs))
	}
	return got[0]
}
