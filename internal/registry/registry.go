// Package registry tracks which identities are connected and owns every
// connection's outbound queue.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"securechat/internal/clock"
	"securechat/internal/lockmap"
	"securechat/internal/models"
	"securechat/internal/presence"
	"securechat/pkg/logger"
)

// PeerResolver lists the identities that share at least one conversation with identity.
type PeerResolver interface {
	Peers(ctx context.Context, identity string) ([]string, error)
}

// Conn is one live connection. Events are queued with Send and drained by
// the transport from Outbound until Done is closed.
type Conn struct {
	ID          string
	Identity    string
	ConnectedAt time.Time

	send      chan models.Event
	done      chan struct{}
	closeOnce sync.Once
}

func (c *Conn) Outbound() <-chan models.Event {
	return c.send
}

func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Close signals the transport to shut the connection down. Safe to call repeatedly.
func (c *Conn) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Send queues ev without blocking. A connection whose queue is full is
// closed rather than allowed to stall the sender.
func (c *Conn) Send(ev models.Event) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- ev:
		return true
	default:
		logger.Warn("Outbound queue full for %s (%s), closing connection", c.Identity, c.ID)
		c.Close()
		return false
	}
}

type session struct {
	since time.Time
	conns map[string]*Conn
}

type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*session
	conns    map[string]*Conn

	identityLocks *lockmap.Map
	peers         PeerResolver
	store         presence.Store
	clock         clock.Clock
	ids           clock.IDGenerator
	sendBuffer    int

	hooksMu sync.RWMutex
	hooks   []func(*Conn)
}

func New(peers PeerResolver, store presence.Store, clk clock.Clock, ids clock.IDGenerator, sendBuffer int) *Registry {
	return &Registry{
		sessions:      make(map[string]*session),
		conns:         make(map[string]*Conn),
		identityLocks: lockmap.New(),
		peers:         peers,
		store:         store,
		clock:         clk,
		ids:           ids,
		sendBuffer:    sendBuffer,
	}
}

// SetPeerResolver wires the resolver after construction; the router needs the
// registry first.
func (r *Registry) SetPeerResolver(peers PeerResolver) {
	r.peers = peers
}

// OnDisconnect registers fn to run after a connection is removed.
func (r *Registry) OnDisconnect(fn func(*Conn)) {
	r.hooksMu.Lock()
	defer r.hooksMu.Unlock()
	r.hooks = append(r.hooks, fn)
}

// Connect registers a new connection for identity. The first connection of an
// identity announces user_online to its peers; every new connection receives
// the current online snapshot.
func (r *Registry) Connect(ctx context.Context, identity string) (*Conn, error) {
	if err := models.ValidateIdentity(identity); err != nil {
		return nil, err
	}

	unlock := r.identityLocks.Lock(identity)
	defer unlock()

	now := r.clock.Now()
	c := &Conn{
		ID:          r.ids.New(),
		Identity:    identity,
		ConnectedAt: now,
		send:        make(chan models.Event, r.sendBuffer),
		done:        make(chan struct{}),
	}

	r.mu.Lock()
	s, ok := r.sessions[identity]
	first := !ok
	if first {
		s = &session{since: now, conns: make(map[string]*Conn)}
		r.sessions[identity] = s
	}
	s.conns[c.ID] = c
	r.conns[c.ID] = c
	r.mu.Unlock()

	logger.Info("Connection %s opened for %s", c.ID, identity)

	if first {
		if err := r.store.MarkOnline(ctx, identity, now); err != nil {
			logger.Error("Error mirroring presence for %s: %v", identity, err)
		}
		r.announce(ctx, identity, models.NewEvent(models.EventUserOnline, models.UserPresencePayload{Identity: identity}))
	}

	c.Send(models.NewEvent(models.EventOnlineList, models.OnlineListPayload{Users: r.Snapshot()}))
	return c, nil
}

// Disconnect removes a connection. Unknown ids are ignored.
func (r *Registry) Disconnect(ctx context.Context, connID string) {
	r.mu.RLock()
	c, ok := r.conns[connID]
	r.mu.RUnlock()
	if !ok {
		return
	}

	unlock := r.identityLocks.Lock(c.Identity)
	r.mu.Lock()
	if _, still := r.conns[connID]; !still {
		r.mu.Unlock()
		unlock()
		return
	}
	delete(r.conns, connID)
	s := r.sessions[c.Identity]
	delete(s.conns, connID)
	last := len(s.conns) == 0
	if last {
		delete(r.sessions, c.Identity)
	}
	r.mu.Unlock()

	c.Close()
	logger.Info("Connection %s closed for %s", connID, c.Identity)

	if last {
		if err := r.store.MarkOffline(ctx, c.Identity); err != nil {
			logger.Error("Error mirroring presence for %s: %v", c.Identity, err)
		}
	}
	unlock()

	r.hooksMu.RLock()
	hooks := append([]func(*Conn){}, r.hooks...)
	r.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(c)
	}

	if last {
		r.announce(ctx, c.Identity, models.NewEvent(models.EventUserOffline, models.UserPresencePayload{Identity: c.Identity}))
	}
}

// Touch refreshes the mirrored presence record for the connection's identity.
func (r *Registry) Touch(ctx context.Context, connID string) {
	c, ok := r.Conn(connID)
	if !ok {
		return
	}
	if err := r.store.Touch(ctx, c.Identity); err != nil {
		logger.Warn("Error refreshing presence for %s: %v", c.Identity, err)
	}
}

func (r *Registry) announce(ctx context.Context, identity string, ev models.Event) {
	if r.peers == nil {
		return
	}
	peers, err := r.peers.Peers(ctx, identity)
	if err != nil {
		logger.Error("Error resolving peers of %s: %v", identity, err)
		return
	}
	for _, p := range peers {
		if p != identity {
			r.SendToIdentity(p, ev)
		}
	}
}

func (r *Registry) IsOnline(identity string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[identity]
	return ok
}

// Snapshot returns the online identities in sorted order.
func (r *Registry) Snapshot() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Session(identity string) (models.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[identity]
	if !ok {
		return models.Session{Identity: identity}, false
	}
	ids := make([]string, 0, len(s.conns))
	for id := range s.conns {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return models.Session{Identity: identity, ConnectionIDs: ids, OnlineSince: s.since}, true
}

func (r *Registry) Conn(connID string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[connID]
	return c, ok
}

// Connections returns the live connections of identity.
func (r *Registry) Connections(identity string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[identity]
	if !ok {
		return nil
	}
	out := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) SendToConn(connID string, ev models.Event) error {
	c, ok := r.Conn(connID)
	if !ok {
		return fmt.Errorf("%w: connection %s", models.ErrNotFound, connID)
	}
	if !c.Send(ev) {
		return fmt.Errorf("%w: connection %s is closing", models.ErrSignalFailed, connID)
	}
	return nil
}

// SendToIdentity fans ev out to every connection of identity and reports how
// many accepted it.
func (r *Registry) SendToIdentity(identity string, ev models.Event) int {
	n := 0
	for _, c := range r.Connections(identity) {
		if c.Send(ev) {
			n++
		}
	}
	return n
}
