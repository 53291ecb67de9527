// Package websocket is the coder/websocket transport for the chat coordinator.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/johndosdos/huddle/internal/chat"
	"github.com/johndosdos/huddle/internal/model"
)

// ErrClosed is returned by Send once the connection is shutting down.
var ErrClosed = errors.New("internal/websocket: connection closed")

// Coordinator is the part of chat.Coordinator a connection drives.
type Coordinator interface {
	Connect(sess *chat.Session, conn chat.Conn)
	Disconnect(connID string)
	Handle(ctx context.Context, sess *chat.Session, cmd model.Command) error
	Cadence(network string) chat.Cadence
}

// Resolver turns an authenticate token into an identity.
type Resolver interface {
	Resolve(ctx context.Context, token string) (model.Identity, error)
}

type Options struct {
	SendBuffer       int
	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration
	MaxMessageBytes  int64

	// Per-client token buckets: MessageLimit sends and TypingLimit typing
	// signals per LimitWindow.
	MessageLimit int
	TypingLimit  int
	LimitWindow  time.Duration
}

// Client is one live websocket. It implements chat.Conn.
type Client struct {
	id       string
	conn     *websocket.Conn
	coord    Coordinator
	resolver Resolver
	opts     Options

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	// closeCode and closeReason are set before a nil frame is queued; the
	// write loop closes with them once everything ahead of it is written.
	closeCode   websocket.StatusCode
	closeReason string

	messageLim *rate.Limiter
	typingLim  *rate.Limiter

	// sess is set by the read loop after authentication and only read by it.
	sess *chat.Session

	logger *slog.Logger
}

var _ chat.Conn = (*Client)(nil)

func NewClient(conn *websocket.Conn, coord Coordinator, resolver Resolver, opts Options, logger *slog.Logger) *Client {
	id := uuid.NewString()
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 64
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}

	c := &Client{
		id:       id,
		conn:     conn,
		coord:    coord,
		resolver: resolver,
		opts:     opts,
		send:     make(chan []byte, opts.SendBuffer),
		done:     make(chan struct{}),
		logger:   logger.With(slog.String("connID", id)),
	}
	c.SetMessageLimiter(opts.MessageLimit, opts.LimitWindow)
	c.SetTypingLimiter(opts.TypingLimit, opts.LimitWindow)
	return c
}

func (c *Client) ID() string { return c.id }

// Done is closed once the client starts shutting down.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) SetMessageLimiter(requests int, window time.Duration) {
	c.messageLim = newLimiter(requests, window)
}

func (c *Client) SetTypingLimiter(requests int, window time.Duration) {
	c.typingLim = newLimiter(requests, window)
}

// newLimiter allows requests per window with a full-window burst. A
// non-positive limit disables limiting.
func newLimiter(requests int, window time.Duration) *rate.Limiter {
	if requests <= 0 || window <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Every(window/time.Duration(requests)), requests)
}

// Send queues ev on the outgoing buffer. It gives up when ctx is done, so a
// stalled peer costs the caller at most its delivery timeout.
func (c *Client) Send(ctx context.Context, ev model.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("internal/websocket: encode %s: %w", ev.Kind(), err)
	}

	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return fmt.Errorf("internal/websocket: send buffer full: %w", ctx.Err())
	}
}

// WriteMessage drains the outgoing buffer onto the socket until the client
// closes or ctx is cancelled.
func (c *Client) WriteMessage(ctx context.Context) {
	for {
		select {
		case data := <-c.send:
			if data == nil {
				c.Close(c.closeCode, c.closeReason)
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, c.opts.WriteTimeout)
			err := c.conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				c.logger.Warn("Write failed, closing connection", slog.Any("error", err))
				c.Close(websocket.StatusInternalError, "write failed")
				return
			}

		case <-c.done:
			return

		case <-ctx.Done():
			c.Close(websocket.StatusGoingAway, "server shutting down")
			return
		}
	}
}

// CloseAfterFlush queues a close behind the frames already waiting, so the
// peer sees them before the close frame. It returns once the client is closed,
// closing it directly if the write loop does not get there within the write
// timeout.
func (c *Client) CloseAfterFlush(ctx context.Context, code websocket.StatusCode, reason string) {
	c.closeCode, c.closeReason = code, reason

	timer := time.NewTimer(c.opts.WriteTimeout)
	defer timer.Stop()

	select {
	case c.send <- nil:
	case <-c.done:
		return
	case <-timer.C:
		c.Close(code, reason)
		return
	case <-ctx.Done():
		c.Close(code, reason)
		return
	}

	select {
	case <-c.done:
	case <-timer.C:
		c.Close(code, reason)
	case <-ctx.Done():
		c.Close(code, reason)
	}
}

// Close shuts the client down once. Queued events that were not written yet
// are dropped.
func (c *Client) Close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		if err := c.conn.Close(code, reason); err != nil && websocket.CloseStatus(err) == -1 {
			c.logger.Debug("Close handshake failed", slog.Any("error", err))
		}
		c.logger.Debug("Connection closed", slog.Int("status", int(code)), slog.String("reason", reason))
	})
}
