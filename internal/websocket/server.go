package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/johndosdos/huddle/internal/chat"
	"github.com/johndosdos/huddle/internal/model"
)

// ReadMessage runs the connection's read loop until the peer goes away or ctx
// is cancelled. identity is nil when the handshake did not authenticate the
// request; the first frame must then be an authenticate command. The
// connection is deregistered before ReadMessage returns.
func (c *Client) ReadMessage(ctx context.Context, identity *model.Identity) {
	defer c.Close(websocket.StatusNormalClosure, "")

	if c.opts.MaxMessageBytes > 0 {
		c.conn.SetReadLimit(c.opts.MaxMessageBytes)
	}

	network := ""
	if identity == nil {
		id, nw, ok := c.authenticate(ctx)
		if !ok {
			return
		}
		identity, network = &id, nw
	}

	c.start(ctx, *identity, network)
	defer c.coord.Disconnect(c.id)

	for {
		// A client that stops heartbeating for a whole expiry window is gone.
		expiry := c.coord.Cadence(c.sess.Network).Expiry
		p, err := c.read(ctx, expiry)
		if err != nil {
			c.logReadError(err)
			return
		}
		if p == nil {
			continue
		}
		c.dispatch(ctx, p)
	}
}

// read returns the next text frame, or nil for a frame that should be skipped.
func (c *Client) read(ctx context.Context, timeout time.Duration) ([]byte, error) {
	readCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		readCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	msgType, p, err := c.conn.Read(readCtx)
	if err != nil {
		return nil, err
	}
	if msgType != websocket.MessageText {
		c.logger.Debug("Ignoring non-text frame", slog.String("type", msgType.String()))
		return nil, nil
	}
	return p, nil
}

func (c *Client) logReadError(err error) {
	status := websocket.CloseStatus(err)
	switch {
	case status == websocket.StatusNormalClosure, status == websocket.StatusGoingAway:
		c.logger.Debug("Peer closed connection", slog.Int("status", int(status)))
	case errors.Is(err, context.DeadlineExceeded):
		c.logger.Info("Connection idle past its expiry window")
	case errors.Is(err, context.Canceled):
	default:
		c.logger.Warn("Read failed", slog.Any("error", err))
	}
}

// authenticate waits for the authenticate command. Other commands are
// answered with unauthorized; a bad token ends the connection.
func (c *Client) authenticate(ctx context.Context) (model.Identity, string, bool) {
	handshakeCtx := ctx
	if c.opts.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		handshakeCtx, cancel = context.WithTimeout(ctx, c.opts.HandshakeTimeout)
		defer cancel()
	}

	for {
		p, err := c.read(handshakeCtx, 0)
		if err != nil {
			c.logReadError(err)
			return model.Identity{}, "", false
		}
		if p == nil {
			continue
		}

		var cmd model.Command
		if err := json.Unmarshal(p, &cmd); err != nil || cmd.Type != model.CmdAuthenticate {
			c.reply(ctx, model.CommandError{
				Ref:     gjson.GetBytes(p, "ref").String(),
				Command: model.CommandName(gjson.GetBytes(p, "type").String()),
				Code:    string(chat.CodeUnauthorized),
				Message: "authenticate first",
			})
			continue
		}

		var a model.Authenticate
		if len(cmd.Data) > 0 {
			if err := json.Unmarshal(cmd.Data, &a); err != nil {
				c.reply(ctx, model.CommandError{Ref: cmd.Ref, Command: cmd.Type, Code: string(chat.CodeInvalid), Message: "malformed data"})
				continue
			}
		}

		identity, err := c.resolver.Resolve(handshakeCtx, a.Token)
		if err != nil {
			c.logger.Info("Authentication failed", slog.Any("error", err))
			c.reply(ctx, model.CommandError{
				Ref:     cmd.Ref,
				Command: cmd.Type,
				Code:    string(chat.CodeOf(err)),
				Message: chat.Reason(err),
			})
			c.CloseAfterFlush(ctx, websocket.StatusPolicyViolation, "unauthorized")
			return model.Identity{}, "", false
		}
		return identity, a.Network, true
	}
}

// start registers the authenticated connection and tells the client its
// heartbeat cadence.
func (c *Client) start(ctx context.Context, identity model.Identity, network string) {
	c.sess = &chat.Session{Identity: identity, ConnID: c.id, Network: network}
	c.coord.Connect(c.sess, c)

	cad := c.coord.Cadence(network)
	c.reply(ctx, model.SessionReady{
		Identity:     identity,
		ConnectionID: c.id,
		Network:      network,
		HeartbeatMS:  cad.Heartbeat.Milliseconds(),
		ExpiryMS:     cad.Expiry.Milliseconds(),
		ServerTime:   time.Now().UTC(),
	})
	c.logger.Info("Connection ready",
		slog.String("userID", identity.ID.String()),
		slog.String("username", identity.Username),
		slog.String("network", network))
}

// dispatch applies the per-client rate limits, then hands the command to the
// coordinator. Limits are checked on the raw frame so a flood is rejected
// before it is decoded.
func (c *Client) dispatch(ctx context.Context, p []byte) {
	name := model.CommandName(gjson.GetBytes(p, "type").String())

	switch name {
	case model.CmdMessageSend:
		if !c.messageLim.Allow() {
			roomID, _ := uuid.Parse(gjson.GetBytes(p, "data.room_id").String())
			c.reply(ctx, model.MessageFailed{
				CorrelationID: gjson.GetBytes(p, "data.correlation_id").String(),
				RoomID:        roomID,
				Code:          string(chat.CodeRateLimited),
				Reason:        "rate_limited",
			})
			return
		}
	case model.CmdTypingStart:
		if !c.typingLim.Allow() {
			return
		}
	}

	var cmd model.Command
	if err := json.Unmarshal(p, &cmd); err != nil {
		c.reply(ctx, model.CommandError{
			Ref:     gjson.GetBytes(p, "ref").String(),
			Command: name,
			Code:    string(chat.CodeInvalid),
			Message: "malformed command",
		})
		return
	}

	if err := c.coord.Handle(ctx, c.sess, cmd); err != nil {
		c.logger.Debug("Command failed",
			slog.String("command", string(cmd.Type)),
			slog.String("ref", cmd.Ref),
			slog.Any("error", err))
	}
}

func (c *Client) reply(ctx context.Context, payload model.Payload) {
	sendCtx, cancel := context.WithTimeout(ctx, c.opts.WriteTimeout)
	defer cancel()
	if err := c.Send(sendCtx, model.NewEvent(payload)); err != nil {
		c.logger.Debug("Reply dropped", slog.String("event", string(payload.Kind())), slog.Any("error", err))
	}
}
