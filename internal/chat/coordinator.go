// Package chat coordinates live connections, presence, typing indicators,
// message delivery and invitations for one node.
package chat

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/johndosdos/huddle/internal/model"
)

// Cadence is a heartbeat interval and the expiry window that goes with it.
type Cadence struct {
	Heartbeat time.Duration
	Expiry    time.Duration
}

// Options configures a Coordinator. Zero durations are not replaced with
// defaults; internal/config provides them.
type Options struct {
	Pipeline PipelineConfig
	Throttle ThrottleConfig

	TypingExpiry  time.Duration
	TypingSweep   time.Duration
	PresenceSweep time.Duration

	// Cadence resolves a client's reported network quality.
	Cadence func(network string) Cadence
	Now     func() time.Time
}

// Session is the per-connection state the transport hands to Handle. It is
// owned by the connection's read loop.
type Session struct {
	Identity model.Identity
	ConnID   string
	Network  string
}

// Coordinator owns every piece of shared chat state and routes inbound
// commands to it.
type Coordinator struct {
	Registry    *Registry
	Presence    *Presence
	Typing      *Typing
	Pipeline    *Pipeline
	Invitations *Invitations
	Throttle    *Throttle

	store  Store
	dedup  DedupCache
	opts   Options
	logger *slog.Logger
}

// New wires the components. fanout is where broadcasts go; pass nil to apply
// them straight to reg. dedup may be nil for a process-local cache.
func New(store Store, reg *Registry, fanout Fanout, dedup DedupCache, opts Options, logger *slog.Logger) *Coordinator {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Cadence == nil {
		opts.Cadence = func(string) Cadence { return Cadence{Heartbeat: 15 * time.Second, Expiry: 45 * time.Second} }
	}
	if fanout == nil {
		fanout = reg
	}
	if dedup == nil {
		dedup = NewMemoryDedup(opts.Now)
	}

	c := &Coordinator{
		Registry: reg,
		store:    store,
		dedup:    dedup,
		opts:     opts,
		logger:   logger.With(slog.String("component", "coordinator")),
	}

	pub := publisher{fanout: fanout, logger: c.logger}
	c.Throttle = NewThrottle(opts.Throttle, refreshFlusher(pub), opts.Now, logger)
	c.Presence = NewPresence(reg, fanout, opts.Cadence("").Expiry, opts.Now, logger)
	c.Typing = NewTyping(fanout, opts.TypingExpiry, opts.Now, logger)
	c.Pipeline = NewPipeline(store, reg, fanout, dedup, c.Throttle, opts.Pipeline, opts.Now, logger)
	c.Invitations = NewInvitations(store, fanout, c.Throttle, opts.Pipeline.StoreTimeout, logger)

	reg.OnTransition(
		func(id model.Identity) {
			c.Presence.Connected(context.Background(), id)
		},
		func(id model.Identity) {
			c.Typing.ClearIdentity(context.Background(), id.ID)
			c.Presence.Disconnected(context.Background(), id)
		},
	)
	return c
}

// Cadence resolves the heartbeat cadence for a network quality.
func (c *Coordinator) Cadence(network string) Cadence {
	return c.opts.Cadence(network)
}

// Connect registers an authenticated connection.
func (c *Coordinator) Connect(sess *Session, conn Conn) {
	c.Registry.Register(sess.Identity, conn)
}

// Disconnect deregisters a connection. It is safe to call more than once.
func (c *Coordinator) Disconnect(connID string) {
	c.Registry.Unregister(connID)
}

// Handle runs one inbound command. Failures are answered with command:error
// on the originating connection only, except message:send whose failures
// arrive as message:failed. The returned error is for the caller's logs.
func (c *Coordinator) Handle(ctx context.Context, sess *Session, cmd model.Command) error {
	err := c.route(ctx, sess, cmd)
	if err != nil && cmd.Type != model.CmdMessageSend {
		c.reply(ctx, sess, model.CommandError{
			Ref:     cmd.Ref,
			Command: cmd.Type,
			Code:    string(CodeOf(err)),
			Message: Reason(err),
		})
	}
	return err
}

func (c *Coordinator) route(ctx context.Context, sess *Session, cmd model.Command) error {
	switch cmd.Type {
	case model.CmdHeartbeat:
		var hb model.Heartbeat
		if err := decode(cmd, &hb); err != nil {
			return err
		}
		if hb.Network != "" {
			sess.Network = hb.Network
		}
		// Liveness is refreshed either way; focus only moves to a joined room.
		roomID := hb.RoomID
		if roomID != nil && !c.Registry.Joined(sess.ConnID, *roomID) {
			roomID = nil
		}
		c.Presence.Heartbeat(ctx, sess.Identity, roomID, c.opts.Cadence(sess.Network).Expiry)
		if roomID == nil && hb.RoomID != nil {
			return newError(CodeForbidden, "heartbeat", "room %s is not joined", *hb.RoomID)
		}
		return nil

	case model.CmdRoomJoin:
		var ref model.RoomRef
		if err := decode(cmd, &ref); err != nil {
			return err
		}
		return c.joinRoom(ctx, sess, cmd.Ref, ref)

	case model.CmdRoomLeave:
		var ref model.RoomRef
		if err := decode(cmd, &ref); err != nil {
			return err
		}
		c.Registry.Leave(sess.ConnID, ref.RoomID)
		if !c.Registry.IdentityJoined(sess.Identity.ID, ref.RoomID) {
			c.Presence.Unfocus(sess.Identity.ID, ref.RoomID)
			c.Typing.Stop(ctx, ref.RoomID, sess.Identity.ID)
		}
		c.reply(ctx, sess, model.RoomLeft{Ref: cmd.Ref, RoomID: ref.RoomID})
		return nil

	case model.CmdRoomCreate:
		var cr model.CreateRoom
		if err := decode(cmd, &cr); err != nil {
			return err
		}
		return c.createRoom(ctx, sess, cmd.Ref, cr)

	case model.CmdMessageSend:
		var sm model.SendMessage
		if err := decode(cmd, &sm); err != nil {
			c.Pipeline.fail(ctx, SendRequest{ConnID: sess.ConnID, CorrelationID: sm.CorrelationID}, err)
			return err
		}
		_, err := c.Pipeline.Send(ctx, SendRequest{
			RoomID:        sm.RoomID,
			Sender:        sess.Identity,
			ConnID:        sess.ConnID,
			Content:       sm.Content,
			Type:          sm.Type,
			ReplyTo:       sm.ReplyTo,
			CorrelationID: sm.CorrelationID,
		})
		return err

	case model.CmdTypingStart:
		var ref model.RoomRef
		if err := decode(cmd, &ref); err != nil {
			return err
		}
		if !c.Registry.Joined(sess.ConnID, ref.RoomID) {
			return newError(CodeForbidden, "typing.start", "room %s is not joined", ref.RoomID)
		}
		c.Typing.Start(ctx, ref.RoomID, sess.Identity)
		return nil

	case model.CmdTypingStop:
		var ref model.RoomRef
		if err := decode(cmd, &ref); err != nil {
			return err
		}
		c.Typing.Stop(ctx, ref.RoomID, sess.Identity.ID)
		return nil

	case model.CmdInvitationCreate:
		var ci model.CreateInvitation
		if err := decode(cmd, &ci); err != nil {
			return err
		}
		if _, err := c.Invitations.Create(ctx, ci.RoomID, sess.Identity, ci.InviteeID); err != nil {
			return err
		}
		c.reply(ctx, sess, model.CommandOK{Ref: cmd.Ref, Command: cmd.Type})
		return nil

	case model.CmdInvitationRespond:
		var ri model.RespondInvitation
		if err := decode(cmd, &ri); err != nil {
			return err
		}
		if _, err := c.Invitations.Respond(ctx, ri.InvitationID, sess.Identity, ri.Decision); err != nil {
			return err
		}
		c.reply(ctx, sess, model.CommandOK{Ref: cmd.Ref, Command: cmd.Type})
		return nil

	case model.CmdInvitationCancel:
		var ci model.CancelInvitation
		if err := decode(cmd, &ci); err != nil {
			return err
		}
		if _, err := c.Invitations.Cancel(ctx, ci.InvitationID, sess.Identity); err != nil {
			return err
		}
		c.reply(ctx, sess, model.CommandOK{Ref: cmd.Ref, Command: cmd.Type})
		return nil

	case model.CmdPresenceQuery:
		var pq model.PresenceQuery
		if err := decode(cmd, &pq); err != nil {
			return err
		}
		snap := model.PresenceSnapshot{Ref: cmd.Ref, RoomID: pq.RoomID}
		if pq.RoomID != nil {
			if err := c.requireMember(ctx, "presence.query", *pq.RoomID, sess.Identity.ID); err != nil {
				return err
			}
			snap.Online = c.Presence.UsersInRoom(*pq.RoomID)
		} else {
			snap.Online = c.Presence.Online()
		}
		c.reply(ctx, sess, snap)
		return nil

	case model.CmdAuthenticate:
		return newError(CodeConflict, "authenticate", "connection is already authenticated")

	default:
		return newError(CodeInvalid, "route", "unknown command %q", cmd.Type)
	}
}

func (c *Coordinator) joinRoom(ctx context.Context, sess *Session, ref string, rr model.RoomRef) error {
	const op = "room.join"

	storeCtx, cancel := context.WithTimeout(ctx, c.opts.Pipeline.StoreTimeout)
	defer cancel()

	room, err := c.store.GetRoom(storeCtx, rr.RoomID)
	if err != nil {
		return wrap(op, err)
	}
	ok, err := c.store.IsMember(storeCtx, room.ID, sess.Identity.ID)
	if err != nil {
		return wrap(op, err)
	}
	if !ok {
		return newError(CodeForbidden, op, "not a member of room %s", room.ID)
	}

	if err := c.Registry.Join(sess.ConnID, room.ID); err != nil {
		return wrap(op, err)
	}
	c.Presence.Focus(sess.Identity, &room.ID)
	c.reply(ctx, sess, model.RoomJoined{Ref: ref, Room: room, Online: c.Presence.UsersInRoom(room.ID)})
	return nil
}

// requireMember passes for connections already in the room and otherwise asks
// the store.
func (c *Coordinator) requireMember(ctx context.Context, op string, roomID, identityID uuid.UUID) error {
	if c.Registry.IdentityJoined(identityID, roomID) {
		return nil
	}

	storeCtx, cancel := context.WithTimeout(ctx, c.opts.Pipeline.StoreTimeout)
	defer cancel()

	ok, err := c.store.IsMember(storeCtx, roomID, identityID)
	if err != nil {
		return wrap(op, err)
	}
	if !ok {
		return newError(CodeForbidden, op, "not a member of room %s", roomID)
	}
	return nil
}

func (c *Coordinator) createRoom(ctx context.Context, sess *Session, ref string, cr model.CreateRoom) error {
	const op = "room.create"

	name := strings.TrimSpace(cr.Name)
	if name == "" {
		return newError(CodeInvalid, op, "room name is required")
	}

	storeCtx, cancel := context.WithTimeout(ctx, c.opts.Pipeline.StoreTimeout)
	defer cancel()

	room, err := c.store.CreateRoom(storeCtx, name, sess.Identity.ID)
	if err != nil {
		return wrap(op, err)
	}
	if err := c.Registry.Join(sess.ConnID, room.ID); err != nil {
		return wrap(op, err)
	}
	c.Presence.Focus(sess.Identity, &room.ID)
	c.Throttle.NotifyChanged(TopicUser(sess.Identity.ID))
	c.reply(ctx, sess, model.RoomJoined{Ref: ref, Room: room, Online: c.Presence.UsersInRoom(room.ID)})
	return nil
}

func (c *Coordinator) reply(ctx context.Context, sess *Session, payload model.Payload) {
	if err := c.Registry.SendTo(ctx, sess.ConnID, model.NewEvent(payload)); err != nil {
		c.logger.Debug("Reply not delivered",
			slog.String("connID", sess.ConnID),
			slog.String("event", string(payload.Kind())),
			slog.Any("error", err))
	}
}

// decode treats absent data as an empty object.
func decode(cmd model.Command, v any) error {
	if len(cmd.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(cmd.Data, v); err != nil {
		return &Error{Code: CodeInvalid, Op: string(cmd.Type), Msg: "malformed data", Err: err}
	}
	return nil
}

// Run drives the periodic sweeps until ctx is done.
func (c *Coordinator) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		every(ctx, c.opts.PresenceSweep, func() { c.Presence.Sweep(ctx) })
		return nil
	})
	g.Go(func() error {
		every(ctx, c.opts.TypingSweep, func() { c.Typing.Sweep(ctx) })
		return nil
	})
	g.Go(func() error {
		return c.Throttle.Run(ctx)
	})
	g.Go(func() error {
		ttl := c.opts.Pipeline.DedupTTL
		every(ctx, ttl/2, func() {
			if n := c.Pipeline.SweepOutbox(ttl); n > 0 {
				c.logger.Warn("Dropped abandoned sends", slog.Int("count", n))
			}
			if md, ok := c.dedup.(*MemoryDedup); ok {
				md.Sweep()
			}
		})
		return nil
	})

	c.logger.Info("Coordinator running")
	return g.Wait()
}

func every(ctx context.Context, interval time.Duration, fn func()) {
	if interval <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			fn()
		case <-ctx.Done():
			return
		}
	}
}
