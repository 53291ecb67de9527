package chat

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/johndosdos/huddle/internal/model"
)

// publisher wraps payloads into events and hands them to a Fanout as routed
// deliveries. Targets are resolved by whoever applies the delivery.
type publisher struct {
	fanout Fanout
	logger *slog.Logger
}

func (p publisher) deliver(ctx context.Context, d model.Delivery) {
	if err := p.fanout.Deliver(ctx, d); err != nil {
		p.logger.Warn("Delivery failed",
			slog.String("scope", string(d.Scope)),
			slog.String("target", d.Target),
			slog.String("event", string(d.Event.Kind())),
			slog.Any("error", err))
	}
}

func (p publisher) toRoom(ctx context.Context, roomID uuid.UUID, payload model.Payload, excludeConn string) model.Event {
	ev := model.NewEvent(payload)
	p.deliver(ctx, model.Delivery{
		Scope:       model.ScopeRoom,
		Target:      roomID.String(),
		ExcludeConn: excludeConn,
		Event:       ev,
	})
	return ev
}

func (p publisher) toRoomExcept(ctx context.Context, roomID uuid.UUID, payload model.Payload, excludeUser uuid.UUID) model.Event {
	ev := model.NewEvent(payload)
	p.deliver(ctx, model.Delivery{
		Scope:       model.ScopeRoom,
		Target:      roomID.String(),
		ExcludeUser: excludeUser.String(),
		Event:       ev,
	})
	return ev
}

func (p publisher) toIdentity(ctx context.Context, identityID uuid.UUID, payload model.Payload) model.Event {
	ev := model.NewEvent(payload)
	p.deliver(ctx, model.Delivery{
		Scope:  model.ScopeIdentity,
		Target: identityID.String(),
		Event:  ev,
	})
	return ev
}

func (p publisher) toAll(ctx context.Context, payload model.Payload) model.Event {
	ev := model.NewEvent(payload)
	p.deliver(ctx, model.Delivery{Scope: model.ScopeAll, Event: ev})
	return ev
}
