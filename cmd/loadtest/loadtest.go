// Command loadtest connects a number of clients to a running server, puts
// them in one room through the invitation flow and measures how long sends
// take to be acknowledged and fanned out.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/johndosdos/huddle/internal/auth"
	"github.com/johndosdos/huddle/internal/logging"
	"github.com/johndosdos/huddle/internal/model"
)

type options struct {
	url      string
	secret   string
	clients  int
	messages int
	interval time.Duration
}

// client is one simulated user. Events are read by a single goroutine and
// handed out through waiters keyed by event kind.
type client struct {
	id   uuid.UUID
	conn *websocket.Conn

	mu      sync.Mutex
	waiters map[model.Kind][]chan model.Event
	sent    map[string]time.Time
	acks    []time.Duration
	seen    int
	failed  int
}

func main() {
	var o options
	flag.StringVar(&o.url, "url", "ws://localhost:8080/ws", "websocket endpoint")
	flag.StringVar(&o.secret, "secret", os.Getenv("JWT_SECRET"), "JWT signing secret of the server")
	flag.IntVar(&o.clients, "clients", 10, "number of connected clients")
	flag.IntVar(&o.messages, "messages", 20, "messages sent by each client")
	flag.DurationVar(&o.interval, "interval", 200*time.Millisecond, "pause between sends of one client")
	flag.Parse()

	logger := logging.New(os.Stdout, "info", "text")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, o, logger); err != nil {
		logger.Error("Load test failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, o options, logger *slog.Logger) error {
	if o.clients < 2 {
		return errors.New("need at least two clients")
	}

	clients := make([]*client, o.clients)
	for i := range clients {
		c, err := dial(ctx, o)
		if err != nil {
			return fmt.Errorf("client %d: %w", i, err)
		}
		defer c.conn.CloseNow()
		go c.readLoop(ctx)
		clients[i] = c
	}
	logger.Info("Clients connected", slog.Int("clients", len(clients)))

	room, err := setupRoom(ctx, clients)
	if err != nil {
		return err
	}
	logger.Info("Room ready", slog.String("roomID", room.String()))

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range clients {
		g.Go(func() error { return c.sendLoop(gctx, room, o) })
	}
	if err := g.Wait(); err != nil {
		return err
	}

	// Give the last broadcasts a moment to land.
	time.Sleep(time.Second)
	report(clients, time.Since(start), o, logger)
	return nil
}

func dial(ctx context.Context, o options) (*client, error) {
	id := uuid.New()
	token, err := auth.MakeJWT(id, o.secret, time.Hour)
	if err != nil {
		return nil, err
	}

	conn, _, err := websocket.Dial(ctx, o.url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": {"Bearer " + token}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", o.url, err)
	}
	conn.SetReadLimit(1 << 20)

	return &client{
		id:      id,
		conn:    conn,
		waiters: make(map[model.Kind][]chan model.Event),
		sent:    make(map[string]time.Time),
	}, nil
}

// setupRoom has the first client create a room and invite everybody else,
// who accept and join.
func setupRoom(ctx context.Context, clients []*client) (uuid.UUID, error) {
	owner := clients[0]

	joined := owner.expect(model.KindRoomJoined)
	if err := owner.command(ctx, model.CmdRoomCreate, model.CreateRoom{Name: "loadtest"}); err != nil {
		return uuid.Nil, err
	}
	ev, err := wait(ctx, joined)
	if err != nil {
		return uuid.Nil, fmt.Errorf("room:create: %w", err)
	}
	room := ev.Payload.(model.RoomJoined).Room.ID

	for _, c := range clients[1:] {
		invited := c.expect(model.KindInvitationCreated)
		if err := owner.command(ctx, model.CmdInvitationCreate, model.CreateInvitation{RoomID: room, InviteeID: c.id}); err != nil {
			return uuid.Nil, err
		}
		ev, err := wait(ctx, invited)
		if err != nil {
			return uuid.Nil, fmt.Errorf("invitation:create: %w", err)
		}
		inv := ev.Payload.(model.InvitationCreated).Invitation

		ok := c.expect(model.KindCommandOK)
		if err := c.command(ctx, model.CmdInvitationRespond, model.RespondInvitation{InvitationID: inv.ID, Decision: model.DecisionAccept}); err != nil {
			return uuid.Nil, err
		}
		if _, err := wait(ctx, ok); err != nil {
			return uuid.Nil, fmt.Errorf("invitation:respond: %w", err)
		}

		joined := c.expect(model.KindRoomJoined)
		if err := c.command(ctx, model.CmdRoomJoin, model.RoomRef{RoomID: room}); err != nil {
			return uuid.Nil, err
		}
		if _, err := wait(ctx, joined); err != nil {
			return uuid.Nil, fmt.Errorf("room:join: %w", err)
		}
	}
	return room, nil
}

func (c *client) sendLoop(ctx context.Context, room uuid.UUID, o options) error {
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	for i := range o.messages {
		corr := fmt.Sprintf("%s-%d", c.id, i)
		c.mu.Lock()
		c.sent[corr] = time.Now()
		c.mu.Unlock()

		err := c.command(ctx, model.CmdMessageSend, model.SendMessage{
			RoomID:        room,
			Content:       fmt.Sprintf("message %d", i),
			CorrelationID: corr,
		})
		if err != nil {
			return err
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (c *client) command(ctx context.Context, name model.CommandName, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(model.Command{Type: name, Ref: uuid.NewString(), Data: raw})
	if err != nil {
		return err
	}
	return c.conn.Write(ctx, websocket.MessageText, frame)
}

// expect registers interest in the next event of kind. Call it before
// sending the command that triggers the event.
func (c *client) expect(kind model.Kind) chan model.Event {
	ch := make(chan model.Event, 1)
	c.mu.Lock()
	c.waiters[kind] = append(c.waiters[kind], ch)
	c.mu.Unlock()
	return ch
}

func wait(ctx context.Context, ch chan model.Event) (model.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	select {
	case ev := <-ch:
		return ev, nil
	case <-ctx.Done():
		return model.Event{}, ctx.Err()
	}
}

func (c *client) readLoop(ctx context.Context) {
	for {
		_, p, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
		var ev model.Event
		if err := json.Unmarshal(p, &ev); err != nil {
			continue
		}

		c.mu.Lock()
		switch payload := ev.Payload.(type) {
		case model.MessageAck:
			if at, ok := c.sent[payload.CorrelationID]; ok {
				c.acks = append(c.acks, time.Since(at))
				delete(c.sent, payload.CorrelationID)
			}
		case model.MessageNew:
			c.seen++
		case model.CommandError:
			c.failed++
		case model.MessageFailed:
			c.failed++
			delete(c.sent, payload.CorrelationID)
		}
		if ws := c.waiters[ev.Kind()]; len(ws) > 0 {
			ws[0] <- ev
			c.waiters[ev.Kind()] = ws[1:]
		}
		c.mu.Unlock()
	}
}

func report(clients []*client, elapsed time.Duration, o options, logger *slog.Logger) {
	var (
		acks     []time.Duration
		seen     int
		failed   int
		unacked  int
		expected = o.messages * (o.clients - 1) * o.clients
	)
	for _, c := range clients {
		c.mu.Lock()
		acks = append(acks, c.acks...)
		seen += c.seen
		failed += c.failed
		unacked += len(c.sent)
		c.mu.Unlock()
	}
	sort.Slice(acks, func(i, j int) bool { return acks[i] < acks[j] })

	pct := func(p float64) time.Duration {
		if len(acks) == 0 {
			return 0
		}
		return acks[int(p*float64(len(acks)-1))]
	}

	logger.Info("Load test finished",
		slog.Duration("elapsed", elapsed),
		slog.Int("acked", len(acks)),
		slog.Int("unacked", unacked),
		slog.Int("failed", failed),
		slog.Int("delivered", seen),
		slog.Int("expectedDeliveries", expected),
		slog.Duration("ackP50", pct(0.50)),
		slog.Duration("ackP95", pct(0.95)),
		slog.Duration("ackP99", pct(0.99)))
}
