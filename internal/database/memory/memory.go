// Package memory is an in-process implementation of the chat store contract.
// It mirrors the constraints of the Postgres schema and is used by tests and
// by the server when no database is configured.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/johndosdos/huddle/internal/database"
	"github.com/johndosdos/huddle/internal/model"
)

type memberKey struct {
	room, user uuid.UUID
}

type Store struct {
	mu          sync.RWMutex
	users       map[uuid.UUID]model.Identity
	rooms       map[uuid.UUID]model.Room
	members     map[memberKey]model.Membership
	messages    map[uuid.UUID][]model.Message // roomID -> messages, oldest first
	invitations map[uuid.UUID]model.Invitation

	// failNext is returned once by the next CreateMessage call.
	failNext error
	calls    int
	now      func() time.Time
}

func New() *Store {
	return &Store{
		users:       make(map[uuid.UUID]model.Identity),
		rooms:       make(map[uuid.UUID]model.Room),
		members:     make(map[memberKey]model.Membership),
		messages:    make(map[uuid.UUID][]model.Message),
		invitations: make(map[uuid.UUID]model.Invitation),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// FailNextMessage makes the next CreateMessage call return err.
func (s *Store) FailNextMessage(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = err
}

// MessageCount returns how many messages CreateMessage has stored.
func (s *Store) MessageCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.calls
}

func (s *Store) CreateUser(_ context.Context, u model.Identity) (model.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	for _, existing := range s.users {
		if existing.Username == u.Username {
			return model.Identity{}, fmt.Errorf("%w: username %q", database.ErrConflict, u.Username)
		}
	}
	s.users[u.ID] = u
	return u, nil
}

func (s *Store) GetUser(_ context.Context, id uuid.UUID) (model.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return model.Identity{}, database.ErrNotFound
	}
	return u, nil
}

func (s *Store) CreateRoom(_ context.Context, name string, ownerID uuid.UUID) (model.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[ownerID]; !ok {
		return model.Room{}, fmt.Errorf("%w: owner %s", database.ErrNotFound, ownerID)
	}
	room := model.Room{ID: uuid.New(), Name: name, OwnerID: ownerID, CreatedAt: s.now()}
	s.rooms[room.ID] = room
	s.members[memberKey{room.ID, ownerID}] = model.Membership{RoomID: room.ID, UserID: ownerID, JoinedAt: room.CreatedAt}
	return room, nil
}

func (s *Store) GetRoom(_ context.Context, id uuid.UUID) (model.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	room, ok := s.rooms[id]
	if !ok {
		return model.Room{}, database.ErrNotFound
	}
	return room, nil
}

func (s *Store) IsMember(_ context.Context, roomID, userID uuid.UUID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.rooms[roomID]; !ok {
		return false, database.ErrNotFound
	}
	_, ok := s.members[memberKey{roomID, userID}]
	return ok, nil
}

func (s *Store) CreateMembership(_ context.Context, roomID, userID uuid.UUID) (model.Membership, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createMembershipLocked(roomID, userID)
}

func (s *Store) createMembershipLocked(roomID, userID uuid.UUID) (model.Membership, bool, error) {
	if _, ok := s.rooms[roomID]; !ok {
		return model.Membership{}, false, database.ErrNotFound
	}
	key := memberKey{roomID, userID}
	if m, ok := s.members[key]; ok {
		return m, false, nil
	}
	m := model.Membership{RoomID: roomID, UserID: userID, JoinedAt: s.now()}
	s.members[key] = m
	return m, true, nil
}

func (s *Store) CreateMessage(_ context.Context, msg model.NewMessage) (model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.failNext; err != nil {
		s.failNext = nil
		return model.Message{}, err
	}
	if _, ok := s.rooms[msg.RoomID]; !ok {
		return model.Message{}, database.ErrNotFound
	}
	sender, ok := s.users[msg.SenderID]
	if !ok {
		return model.Message{}, database.ErrNotFound
	}

	m := model.Message{
		ID:        uuid.New(),
		RoomID:    msg.RoomID,
		SenderID:  msg.SenderID,
		Username:  sender.Username,
		Content:   msg.Content,
		Type:      msg.Type,
		ReplyTo:   msg.ReplyTo,
		CreatedAt: s.now(),
	}
	s.messages[msg.RoomID] = append(s.messages[msg.RoomID], m)
	s.calls++
	return m, nil
}

func (s *Store) ListMessages(_ context.Context, roomID uuid.UUID, limit int) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.messages[roomID]
	if limit <= 0 || limit > len(msgs) {
		limit = len(msgs)
	}
	out := make([]model.Message, limit)
	copy(out, msgs[len(msgs)-limit:])
	return out, nil
}

func (s *Store) CreateInvitation(_ context.Context, roomID, inviterID, inviteeID uuid.UUID) (model.Invitation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rooms[roomID]; !ok {
		return model.Invitation{}, database.ErrNotFound
	}
	for _, inv := range s.invitations {
		if inv.RoomID == roomID && inv.InviteeID == inviteeID && inv.Status == model.InvitationPending {
			return model.Invitation{}, fmt.Errorf("%w: pending invitation %s", database.ErrConflict, inv.ID)
		}
	}

	now := s.now()
	inv := model.Invitation{
		ID:        uuid.New(),
		RoomID:    roomID,
		InviterID: inviterID,
		InviteeID: inviteeID,
		Status:    model.InvitationPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.invitations[inv.ID] = inv
	return inv, nil
}

func (s *Store) GetInvitation(_ context.Context, id uuid.UUID) (model.Invitation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inv, ok := s.invitations[id]
	if !ok {
		return model.Invitation{}, database.ErrNotFound
	}
	return inv, nil
}

func (s *Store) PendingInvitation(_ context.Context, roomID, inviteeID uuid.UUID) (model.Invitation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, inv := range s.invitations {
		if inv.RoomID == roomID && inv.InviteeID == inviteeID && inv.Status == model.InvitationPending {
			return inv, nil
		}
	}
	return model.Invitation{}, database.ErrNotFound
}

func (s *Store) TransitionInvitation(_ context.Context, id uuid.UUID, from, to model.InvitationStatus) (model.Invitation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(id, from, to)
}

func (s *Store) transitionLocked(id uuid.UUID, from, to model.InvitationStatus) (model.Invitation, error) {
	inv, ok := s.invitations[id]
	if !ok {
		return model.Invitation{}, database.ErrNotFound
	}
	if inv.Status != from {
		return model.Invitation{}, database.ErrConflict
	}
	inv.Status = to
	inv.UpdatedAt = s.now()
	s.invitations[id] = inv
	return inv, nil
}

func (s *Store) AcceptInvitation(_ context.Context, id uuid.UUID) (model.Invitation, model.Membership, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, ok := s.invitations[id]
	if !ok {
		return model.Invitation{}, model.Membership{}, false, database.ErrNotFound
	}
	if inv.Status != model.InvitationPending {
		return model.Invitation{}, model.Membership{}, false, database.ErrConflict
	}
	m, created, err := s.createMembershipLocked(inv.RoomID, inv.InviteeID)
	if err != nil {
		return model.Invitation{}, model.Membership{}, false, err
	}
	inv, err = s.transitionLocked(id, model.InvitationPending, model.InvitationAccepted)
	if err != nil {
		return model.Invitation{}, model.Membership{}, false, err
	}
	return inv, m, created, nil
}

// Members lists the user ids of a room's members, sorted for stable output.
func (s *Store) Members(roomID uuid.UUID) []uuid.UUID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []uuid.UUID
	for k := range s.members {
		if k.room == roomID {
			ids = append(ids, k.user)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}
