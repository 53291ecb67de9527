package chat

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/johndosdos/huddle/internal/model"
)

// Invitations drives the invitation lifecycle: PENDING, then exactly one of
// ACCEPTED, DECLINED or CANCELLED. Transitions are compare-and-set in the
// store, so racing responders see Conflict rather than a double accept.
type Invitations struct {
	store    Store
	pub      publisher
	notifier Notifier
	creates  roomLocks

	storeTimeout time.Duration
	logger       *slog.Logger
}

func NewInvitations(store Store, fanout Fanout, notifier Notifier, storeTimeout time.Duration, logger *slog.Logger) *Invitations {
	logger = logger.With(slog.String("component", "invitations"))
	return &Invitations{
		store:        store,
		pub:          publisher{fanout: fanout, logger: logger},
		notifier:     notifier,
		creates:      roomLocks{locks: make(map[uuid.UUID]*roomLock)},
		storeTimeout: storeTimeout,
		logger:       logger,
	}
}

// Create opens a PENDING invitation and notifies the invitee's connections.
func (m *Invitations) Create(ctx context.Context, roomID uuid.UUID, inviter model.Identity, inviteeID uuid.UUID) (model.Invitation, error) {
	const op = "invitation.create"

	if inviteeID == uuid.Nil {
		return model.Invitation{}, newError(CodeInvalid, op, "invitee is required")
	}

	ctx, cancel := context.WithTimeout(ctx, m.storeTimeout)
	defer cancel()

	unlock := m.creates.lock(roomID)
	defer unlock()

	ok, err := m.store.IsMember(ctx, roomID, inviter.ID)
	if err != nil {
		return model.Invitation{}, wrap(op, err)
	}
	if !ok {
		return model.Invitation{}, newError(CodeForbidden, op, "not a member of room %s", roomID)
	}
	if _, err := m.store.GetUser(ctx, inviteeID); err != nil {
		return model.Invitation{}, wrap(op, err)
	}
	if ok, err := m.store.IsMember(ctx, roomID, inviteeID); err != nil {
		return model.Invitation{}, wrap(op, err)
	} else if ok {
		return model.Invitation{}, newError(CodeConflict, op, "user %s is already a member", inviteeID)
	}

	inv, err := m.store.CreateInvitation(ctx, roomID, inviter.ID, inviteeID)
	if err != nil {
		if CodeOf(err) == CodeConflict {
			return model.Invitation{}, newError(CodeConflict, op, "an invitation is already pending for user %s", inviteeID)
		}
		return model.Invitation{}, wrap(op, err)
	}

	m.logger.Info("Invitation created",
		slog.String("invitationID", inv.ID.String()),
		slog.String("roomID", roomID.String()))

	m.pub.toIdentity(ctx, inviteeID, model.InvitationCreated{Invitation: inv})
	m.touch(inv)
	return inv, nil
}

// Respond applies the invitee's decision. Accepting creates the membership,
// tolerating one that already exists, announces member:joined to the room
// when it is new, and notifies the inviter. Declining only notifies the inviter.
func (m *Invitations) Respond(ctx context.Context, invitationID uuid.UUID, responder model.Identity, decision model.Decision) (model.Invitation, error) {
	const op = "invitation.respond"

	if decision != model.DecisionAccept && decision != model.DecisionDecline {
		return model.Invitation{}, newError(CodeInvalid, op, "unknown decision %q", decision)
	}

	ctx, cancel := context.WithTimeout(ctx, m.storeTimeout)
	defer cancel()

	inv, err := m.pendingFor(ctx, op, invitationID, func(inv model.Invitation) bool {
		return inv.InviteeID == responder.ID
	})
	if err != nil {
		return model.Invitation{}, err
	}

	if decision == model.DecisionDecline {
		inv, err = m.store.TransitionInvitation(ctx, inv.ID, model.InvitationPending, model.InvitationDeclined)
		if err != nil {
			return model.Invitation{}, m.transitionError(op, err)
		}
		m.pub.toIdentity(ctx, inv.InviterID, model.InvitationResponded{Invitation: inv})
		m.touch(inv)
		return inv, nil
	}

	inv, membership, created, err := m.store.AcceptInvitation(ctx, inv.ID)
	if err != nil {
		return model.Invitation{}, m.transitionError(op, err)
	}

	m.logger.Info("Invitation accepted",
		slog.String("invitationID", inv.ID.String()),
		slog.Bool("membershipCreated", created))

	if created {
		invID := inv.ID
		m.pub.toRoom(ctx, inv.RoomID, model.MemberJoined{
			RoomID:       membership.RoomID,
			UserID:       membership.UserID,
			JoinedAt:     membership.JoinedAt,
			InvitationID: &invID,
		}, "")
		if m.notifier != nil {
			m.notifier.NotifyChanged(TopicRoom(inv.RoomID))
		}
	}
	m.pub.toIdentity(ctx, inv.InviterID, model.InvitationResponded{Invitation: inv})
	m.touch(inv)
	return inv, nil
}

// Cancel withdraws a PENDING invitation on behalf of its inviter and tells
// the invitee it is no longer actionable.
func (m *Invitations) Cancel(ctx context.Context, invitationID uuid.UUID, canceller model.Identity) (model.Invitation, error) {
	const op = "invitation.cancel"

	ctx, cancel := context.WithTimeout(ctx, m.storeTimeout)
	defer cancel()

	inv, err := m.pendingFor(ctx, op, invitationID, func(inv model.Invitation) bool {
		return inv.InviterID == canceller.ID
	})
	if err != nil {
		return model.Invitation{}, err
	}

	inv, err = m.store.TransitionInvitation(ctx, inv.ID, model.InvitationPending, model.InvitationCancelled)
	if err != nil {
		return model.Invitation{}, m.transitionError(op, err)
	}
	m.pub.toIdentity(ctx, inv.InviteeID, model.InvitationWithdrawn{Invitation: inv})
	m.touch(inv)
	return inv, nil
}

// pendingFor loads an invitation and checks that actor may act on it and
// that it is still PENDING.
func (m *Invitations) pendingFor(ctx context.Context, op string, id uuid.UUID, actor func(model.Invitation) bool) (model.Invitation, error) {
	inv, err := m.store.GetInvitation(ctx, id)
	if err != nil {
		return model.Invitation{}, wrap(op, err)
	}
	if !actor(inv) {
		return model.Invitation{}, newError(CodeForbidden, op, "not permitted to act on invitation %s", id)
	}
	if inv.Status != model.InvitationPending {
		return model.Invitation{}, newError(CodeConflict, op, "invitation %s is %s", id, inv.Status)
	}
	return inv, nil
}

func (m *Invitations) transitionError(op string, err error) error {
	if CodeOf(err) == CodeConflict {
		return newError(CodeConflict, op, "invitation is no longer pending")
	}
	return wrap(op, err)
}

func (m *Invitations) touch(inv model.Invitation) {
	if m.notifier == nil {
		return
	}
	m.notifier.NotifyChanged(TopicUser(inv.InviterID))
	m.notifier.NotifyChanged(TopicUser(inv.InviteeID))
}
