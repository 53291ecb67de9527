package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/johndosdos/huddle/internal/model"
)

type presenceRecord struct {
	identity model.Identity
	online   bool
	lastSeen time.Time
	deadline time.Time
	room     *uuid.UUID
}

// Presence derives online status and current-room focus per identity. An
// identity is online while it has a live connection or an unexpired
// heartbeat; the stored flag only records which transition was last announced.
type Presence struct {
	mu      sync.Mutex
	records map[uuid.UUID]*presenceRecord

	conns  func(uuid.UUID) int
	window time.Duration
	now    func() time.Time

	pub    publisher
	logger *slog.Logger
}

// NewPresence returns a tracker that counts live connections through reg and
// announces transitions through fanout. window is the expiry applied when a
// connection registers or a heartbeat carries no window of its own.
func NewPresence(reg *Registry, fanout Fanout, window time.Duration, now func() time.Time, logger *slog.Logger) *Presence {
	logger = logger.With(slog.String("component", "presence"))
	return &Presence{
		records: make(map[uuid.UUID]*presenceRecord),
		conns:   reg.ConnectionCount,
		window:  window,
		now:     now,
		pub:     publisher{fanout: fanout, logger: logger},
		logger:  logger,
	}
}

func (p *Presence) recordLocked(identity model.Identity) *presenceRecord {
	rec, ok := p.records[identity.ID]
	if !ok {
		rec = &presenceRecord{identity: identity}
		p.records[identity.ID] = rec
	}
	return rec
}

// Connected marks identity as heard from. It is called when the identity's
// first connection registers.
func (p *Presence) Connected(ctx context.Context, identity model.Identity) {
	now := p.now()

	p.mu.Lock()
	rec := p.recordLocked(identity)
	rec.lastSeen = now
	if d := now.Add(p.window); d.After(rec.deadline) {
		rec.deadline = d
	}
	wentOnline := !rec.online
	rec.online = true
	p.mu.Unlock()

	if wentOnline {
		p.announce(ctx, identity, true, now)
	}
}

// Disconnected is called when the identity's last connection is gone. The
// identity only goes offline here if its heartbeat has already expired;
// otherwise the sweep takes it offline once the deadline passes.
func (p *Presence) Disconnected(ctx context.Context, identity model.Identity) {
	now := p.now()

	p.mu.Lock()
	rec, ok := p.records[identity.ID]
	if !ok {
		p.mu.Unlock()
		return
	}
	rec.lastSeen = now
	wentOffline := rec.online && !p.onlineLocked(rec, now)
	if wentOffline {
		rec.online = false
		rec.room = nil
	}
	p.mu.Unlock()

	if wentOffline {
		p.announce(ctx, identity, false, now)
	}
}

// Heartbeat refreshes last-seen and extends the deadline by window. A nil
// roomID leaves the current room unchanged. A non-positive window falls back
// to the tracker's default.
func (p *Presence) Heartbeat(ctx context.Context, identity model.Identity, roomID *uuid.UUID, window time.Duration) {
	if window <= 0 {
		window = p.window
	}
	now := p.now()

	p.mu.Lock()
	rec := p.recordLocked(identity)
	rec.lastSeen = now
	rec.deadline = now.Add(window)
	if roomID != nil {
		id := *roomID
		rec.room = &id
	}
	wentOnline := !rec.online
	rec.online = true
	p.mu.Unlock()

	if wentOnline {
		p.announce(ctx, identity, true, now)
	}
}

// Focus sets the room the identity is looking at, or clears it when roomID is nil.
func (p *Presence) Focus(identity model.Identity, roomID *uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec := p.recordLocked(identity)
	if roomID == nil {
		rec.room = nil
		return
	}
	id := *roomID
	rec.room = &id
}

// Unfocus clears the current room only if it is roomID.
func (p *Presence) Unfocus(identityID, roomID uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if rec, ok := p.records[identityID]; ok && rec.room != nil && *rec.room == roomID {
		rec.room = nil
	}
}

// IsOnline reports the derived status, ignoring any stale flag.
func (p *Presence) IsOnline(identityID uuid.UUID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, ok := p.records[identityID]
	return ok && p.onlineLocked(rec, p.now())
}

// LastSeen returns when the identity was last heard from.
func (p *Presence) LastSeen(identityID uuid.UUID) (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, ok := p.records[identityID]
	if !ok {
		return time.Time{}, false
	}
	return rec.lastSeen, true
}

func (p *Presence) onlineLocked(rec *presenceRecord, now time.Time) bool {
	return p.conns(rec.identity.ID) > 0 || now.Before(rec.deadline)
}

// UsersInRoom returns the online identities whose current room is roomID.
func (p *Presence) UsersInRoom(roomID uuid.UUID) []uuid.UUID {
	return p.collect(func(rec *presenceRecord) bool {
		return rec.room != nil && *rec.room == roomID
	})
}

// Online returns every online identity.
func (p *Presence) Online() []uuid.UUID {
	return p.collect(func(*presenceRecord) bool { return true })
}

func (p *Presence) collect(match func(*presenceRecord) bool) []uuid.UUID {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	ids := make([]uuid.UUID, 0)
	for id, rec := range p.records {
		if match(rec) && p.onlineLocked(rec, now) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

// Sweep takes offline every identity with no live connection and an expired
// deadline and returns how many transitioned. A failure on one identity is
// logged and does not stop the sweep.
func (p *Presence) Sweep(ctx context.Context) int {
	now := p.now()

	p.mu.Lock()
	var expired []*presenceRecord
	for _, rec := range p.records {
		if !rec.online {
			continue
		}
		gone, err := p.expiredLocked(rec, now)
		if err != nil {
			p.logger.Warn("Presence check failed", slog.String("userID", rec.identity.ID.String()), slog.Any("error", err))
			continue
		}
		if gone {
			rec.online = false
			rec.room = nil
			expired = append(expired, rec)
		}
	}
	p.mu.Unlock()

	for _, rec := range expired {
		p.announce(ctx, rec.identity, false, rec.lastSeen)
	}
	return len(expired)
}

func (p *Presence) expiredLocked(rec *presenceRecord, now time.Time) (gone bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return !p.onlineLocked(rec, now), nil
}

func (p *Presence) announce(ctx context.Context, identity model.Identity, online bool, at time.Time) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Presence announcement panicked",
				slog.String("userID", identity.ID.String()),
				slog.Any("panic", r))
		}
	}()

	if online {
		p.logger.Info("Identity online", slog.String("userID", identity.ID.String()))
		p.pub.toAll(ctx, model.PresenceOnline{UserID: identity.ID, Username: identity.Username, LastSeen: at})
		return
	}
	p.logger.Info("Identity offline", slog.String("userID", identity.ID.String()))
	p.pub.toAll(ctx, model.PresenceOffline{UserID: identity.ID, Username: identity.Username, LastSeen: at})
}
