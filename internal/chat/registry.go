package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/johndosdos/huddle/internal/model"
)

// Conn is one live transport session.
type Conn interface {
	ID() string
	// Send queues ev for delivery. It must return once ctx is done.
	Send(ctx context.Context, ev model.Event) error
}

// Fanout applies deliveries to live connections, either directly (Registry)
// or through a broadcast medium that eventually hands them to a Registry.
type Fanout interface {
	Deliver(ctx context.Context, d model.Delivery) error
}

type connEntry struct {
	conn      Conn
	identity  model.Identity
	rooms     map[uuid.UUID]struct{}
	createdAt time.Time
}

type identityEntry struct {
	identity model.Identity
	conns    map[string]struct{}
}

// Registry maps identities to their live connections and connections to the
// rooms they joined. It is the only source of truth for reachability.
type Registry struct {
	mu         sync.RWMutex
	conns      map[string]*connEntry
	identities map[uuid.UUID]*identityEntry
	rooms      map[uuid.UUID]map[string]struct{}

	onOnline  func(model.Identity)
	onOffline func(model.Identity)

	deliveryTimeout time.Duration
	logger          *slog.Logger
}

func NewRegistry(logger *slog.Logger, deliveryTimeout time.Duration) *Registry {
	return &Registry{
		conns:           make(map[string]*connEntry),
		identities:      make(map[uuid.UUID]*identityEntry),
		rooms:           make(map[uuid.UUID]map[string]struct{}),
		onOnline:        func(model.Identity) {},
		onOffline:       func(model.Identity) {},
		deliveryTimeout: deliveryTimeout,
		logger:          logger.With(slog.String("component", "registry")),
	}
}

var _ Fanout = (*Registry)(nil)

// OnTransition installs the went-online and went-offline callbacks. It must be
// called before the first Register. Callbacks run outside the registry lock.
func (r *Registry) OnTransition(online, offline func(model.Identity)) {
	r.onOnline, r.onOffline = online, offline
}

// Register adds conn under identity. It reports whether this was the
// identity's first connection, in which case went-online fires. Registering
// the same connection twice is a no-op.
func (r *Registry) Register(identity model.Identity, conn Conn) bool {
	r.mu.Lock()
	if _, exists := r.conns[conn.ID()]; exists {
		r.mu.Unlock()
		return false
	}

	r.conns[conn.ID()] = &connEntry{
		conn:      conn,
		identity:  identity,
		rooms:     make(map[uuid.UUID]struct{}),
		createdAt: time.Now(),
	}
	ie, ok := r.identities[identity.ID]
	if !ok {
		ie = &identityEntry{identity: identity, conns: make(map[string]struct{})}
		r.identities[identity.ID] = ie
	}
	ie.conns[conn.ID()] = struct{}{}
	first := len(ie.conns) == 1
	r.mu.Unlock()

	r.logger.Debug("Connection registered",
		slog.String("connID", conn.ID()),
		slog.String("userID", identity.ID.String()))

	if first {
		r.onOnline(identity)
	}
	return first
}

// Unregister removes a connection and its room joins. Unknown ids are
// ignored so duplicate disconnect signals are harmless. It reports whether
// the owning identity has no connections left, in which case went-offline fires.
func (r *Registry) Unregister(connID string) bool {
	r.mu.Lock()
	ce, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.conns, connID)

	for roomID := range ce.rooms {
		r.leaveLocked(connID, roomID)
	}

	last := false
	if ie, ok := r.identities[ce.identity.ID]; ok {
		delete(ie.conns, connID)
		if len(ie.conns) == 0 {
			delete(r.identities, ce.identity.ID)
			last = true
		}
	}
	r.mu.Unlock()

	r.logger.Debug("Connection deregistered",
		slog.String("connID", connID),
		slog.String("userID", ce.identity.ID.String()))

	if last {
		r.onOffline(ce.identity)
	}
	return last
}

// Join scopes a connection to a room so room fan-out reaches it.
func (r *Registry) Join(connID string, roomID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ce, ok := r.conns[connID]
	if !ok {
		return newError(CodeNotFound, "registry.join", "connection %s is not registered", connID)
	}
	ce.rooms[roomID] = struct{}{}
	members, ok := r.rooms[roomID]
	if !ok {
		members = make(map[string]struct{})
		r.rooms[roomID] = members
	}
	members[connID] = struct{}{}
	return nil
}

// Leave removes a connection from a room. It is a no-op when not joined.
func (r *Registry) Leave(connID string, roomID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(connID, roomID)
}

func (r *Registry) leaveLocked(connID string, roomID uuid.UUID) {
	if ce, ok := r.conns[connID]; ok {
		delete(ce.rooms, roomID)
	}
	if members, ok := r.rooms[roomID]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(r.rooms, roomID)
		}
	}
}

// Joined reports whether connID has joined roomID.
func (r *Registry) Joined(connID string, roomID uuid.UUID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[roomID][connID]
	return ok
}

// IdentityJoined reports whether any connection of identityID has joined roomID.
func (r *Registry) IdentityJoined(identityID, roomID uuid.UUID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ie, ok := r.identities[identityID]
	if !ok {
		return false
	}
	for connID := range ie.conns {
		if _, ok := r.rooms[roomID][connID]; ok {
			return true
		}
	}
	return false
}

// ConnectionsOf returns the live connections of an identity, possibly none.
func (r *Registry) ConnectionsOf(identityID uuid.UUID) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ie, ok := r.identities[identityID]
	if !ok {
		return nil
	}
	conns := make([]Conn, 0, len(ie.conns))
	for id := range ie.conns {
		conns = append(conns, r.conns[id].conn)
	}
	return conns
}

// ConnectionCount returns the number of live connections of an identity.
func (r *Registry) ConnectionCount(identityID uuid.UUID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if ie, ok := r.identities[identityID]; ok {
		return len(ie.conns)
	}
	return 0
}

// IdentityOf returns the owner of a connection.
func (r *Registry) IdentityOf(connID string) (model.Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ce, ok := r.conns[connID]
	if !ok {
		return model.Identity{}, false
	}
	return ce.identity, true
}

// Conns returns a snapshot of every live connection.
func (r *Registry) Conns() []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]Conn, 0, len(r.conns))
	for _, ce := range r.conns {
		conns = append(conns, ce.conn)
	}
	return conns
}

type filter struct {
	conn string
	user uuid.UUID
}

func (f filter) skip(ce *connEntry) bool {
	if f.conn != "" && ce.conn.ID() == f.conn {
		return true
	}
	return f.user != uuid.Nil && ce.identity.ID == f.user
}

// BroadcastOption narrows a fan-out.
type BroadcastOption func(*filter)

// ExcludeConn skips one connection, typically the originator's.
func ExcludeConn(connID string) BroadcastOption {
	return func(f *filter) { f.conn = connID }
}

// ExcludeIdentity skips every connection of an identity.
func ExcludeIdentity(id uuid.UUID) BroadcastOption {
	return func(f *filter) { f.user = id }
}

// Broadcast delivers ev to every connection joined to roomID except the
// excluded ones and returns how many accepted it.
func (r *Registry) Broadcast(ctx context.Context, roomID uuid.UUID, ev model.Event, opts ...BroadcastOption) int {
	r.mu.RLock()
	targets := r.collectLocked(r.rooms[roomID], opts)
	r.mu.RUnlock()
	return r.fanout(ctx, targets, ev)
}

// SendToIdentity delivers ev to every live device of an identity.
func (r *Registry) SendToIdentity(ctx context.Context, identityID uuid.UUID, ev model.Event, opts ...BroadcastOption) int {
	r.mu.RLock()
	var ids map[string]struct{}
	if ie, ok := r.identities[identityID]; ok {
		ids = ie.conns
	}
	targets := r.collectLocked(ids, opts)
	r.mu.RUnlock()
	return r.fanout(ctx, targets, ev)
}

// SendAll delivers ev to every live connection.
func (r *Registry) SendAll(ctx context.Context, ev model.Event, opts ...BroadcastOption) int {
	r.mu.RLock()
	ids := make(map[string]struct{}, len(r.conns))
	for id := range r.conns {
		ids[id] = struct{}{}
	}
	targets := r.collectLocked(ids, opts)
	r.mu.RUnlock()
	return r.fanout(ctx, targets, ev)
}

// SendTo delivers ev to a single connection.
func (r *Registry) SendTo(ctx context.Context, connID string, ev model.Event) error {
	r.mu.RLock()
	ce, ok := r.conns[connID]
	r.mu.RUnlock()
	if !ok {
		return newError(CodeTransient, "registry.send", "connection %s is gone", connID)
	}
	return r.send(ctx, ce.conn, ev)
}

// Deliver applies a routed delivery, resolving its target now.
func (r *Registry) Deliver(ctx context.Context, d model.Delivery) error {
	var opts []BroadcastOption
	if d.ExcludeConn != "" {
		opts = append(opts, ExcludeConn(d.ExcludeConn))
	}
	if d.ExcludeUser != "" {
		id, err := uuid.Parse(d.ExcludeUser)
		if err != nil {
			return newError(CodeInvalid, "registry.deliver", "bad exclude_user %q", d.ExcludeUser)
		}
		opts = append(opts, ExcludeIdentity(id))
	}

	switch d.Scope {
	case model.ScopeRoom, model.ScopeIdentity:
		id, err := uuid.Parse(d.Target)
		if err != nil {
			return newError(CodeInvalid, "registry.deliver", "bad %s target %q", d.Scope, d.Target)
		}
		if d.Scope == model.ScopeRoom {
			r.Broadcast(ctx, id, d.Event, opts...)
		} else {
			r.SendToIdentity(ctx, id, d.Event, opts...)
		}
	case model.ScopeConnection:
		if err := r.SendTo(ctx, d.Target, d.Event); err != nil {
			r.logger.Warn("Connection delivery failed", slog.String("connID", d.Target), slog.Any("error", err))
		}
	case model.ScopeAll:
		r.SendAll(ctx, d.Event, opts...)
	default:
		return newError(CodeInvalid, "registry.deliver", "unknown scope %q", d.Scope)
	}
	return nil
}

func (r *Registry) collectLocked(ids map[string]struct{}, opts []BroadcastOption) []Conn {
	var f filter
	for _, opt := range opts {
		opt(&f)
	}
	targets := make([]Conn, 0, len(ids))
	for id := range ids {
		ce, ok := r.conns[id]
		if !ok || f.skip(ce) {
			continue
		}
		targets = append(targets, ce.conn)
	}
	return targets
}

// fanout sends outside the lock. A failing connection is logged and skipped.
func (r *Registry) fanout(ctx context.Context, targets []Conn, ev model.Event) int {
	delivered := 0
	for _, c := range targets {
		if err := r.send(ctx, c, ev); err != nil {
			r.logger.Warn("Skipping connection during fan-out",
				slog.String("connID", c.ID()),
				slog.String("event", string(ev.Kind())),
				slog.Any("error", err))
			continue
		}
		delivered++
	}
	return delivered
}

func (r *Registry) send(ctx context.Context, c Conn, ev model.Event) error {
	sendCtx, cancel := context.WithTimeout(ctx, r.deliveryTimeout)
	defer cancel()
	if err := c.Send(sendCtx, ev); err != nil {
		return &Error{Code: CodeTransient, Op: "registry.send", Err: fmt.Errorf("connection %s: %w", c.ID(), err)}
	}
	return nil
}
