package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"

	"github.com/johndosdos/huddle/internal/model"
)

type sanitizer interface {
	Sanitize(s string) string
}

// SendRequest is one message:send from a connection.
type SendRequest struct {
	RoomID        uuid.UUID
	Sender        model.Identity
	ConnID        string
	Content       string
	Type          model.MessageType
	ReplyTo       *uuid.UUID
	CorrelationID string
}

// pendingSend is a correlation-table entry. done is closed once msg or err is set.
type pendingSend struct {
	created time.Time
	done    chan struct{}
	msg     model.Message
	err     error
}

type roomLock struct {
	mu   sync.Mutex
	refs int
}

// roomLocks hands out one mutex per room, dropping it when unused.
type roomLocks struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*roomLock
}

func (l *roomLocks) lock(roomID uuid.UUID) (unlock func()) {
	l.mu.Lock()
	rl, ok := l.locks[roomID]
	if !ok {
		rl = &roomLock{}
		l.locks[roomID] = rl
	}
	rl.refs++
	l.mu.Unlock()

	rl.mu.Lock()
	return func() {
		rl.mu.Unlock()
		l.mu.Lock()
		rl.refs--
		if rl.refs == 0 {
			delete(l.locks, roomID)
		}
		l.mu.Unlock()
	}
}

// Notifier records that a derived view changed.
type Notifier interface {
	NotifyChanged(topic string)
}

// Pipeline validates, persists, broadcasts and acknowledges messages.
// Persist and broadcast are serialized per room, so observers see messages
// in the order the store confirmed them.
type Pipeline struct {
	store     Store
	reg       *Registry
	pub       publisher
	dedup     DedupCache
	notifier  Notifier
	sanitizer sanitizer

	mu     sync.Mutex
	outbox map[string]*pendingSend
	rooms  roomLocks

	storeTimeout time.Duration
	dedupTTL     time.Duration
	maxLength    int
	now          func() time.Time
	logger       *slog.Logger
}

// PipelineConfig bounds the pipeline.
type PipelineConfig struct {
	StoreTimeout     time.Duration
	DedupTTL         time.Duration
	MaxMessageLength int
}

func NewPipeline(store Store, reg *Registry, fanout Fanout, dedup DedupCache, notifier Notifier, cfg PipelineConfig, now func() time.Time, logger *slog.Logger) *Pipeline {
	logger = logger.With(slog.String("component", "pipeline"))
	return &Pipeline{
		store:        store,
		reg:          reg,
		pub:          publisher{fanout: fanout, logger: logger},
		dedup:        dedup,
		notifier:     notifier,
		sanitizer:    bluemonday.StrictPolicy(),
		outbox:       make(map[string]*pendingSend),
		rooms:        roomLocks{locks: make(map[uuid.UUID]*roomLock)},
		storeTimeout: cfg.StoreTimeout,
		dedupTTL:     cfg.DedupTTL,
		maxLength:    cfg.MaxMessageLength,
		now:          now,
		logger:       logger,
	}
}

// Send runs one message through the pipeline. Every failure is reported to
// the originating connection as message:failed and nothing reaches the room.
// On success the room (minus the origin connection) gets message:new and the
// origin connection gets message:ack with the correlation id.
func (p *Pipeline) Send(ctx context.Context, req SendRequest) (model.Message, error) {
	msg, err := p.send(ctx, req)
	if err != nil {
		p.fail(ctx, req, err)
		return model.Message{}, err
	}
	p.ack(ctx, req, msg)
	return msg, nil
}

func (p *Pipeline) send(ctx context.Context, req SendRequest) (model.Message, error) {
	const op = "pipeline.send"

	content, err := p.validate(&req)
	if err != nil {
		return model.Message{}, err
	}
	if err := p.authorize(ctx, req.RoomID, req.Sender.ID); err != nil {
		return model.Message{}, wrap(op, err)
	}

	key := dedupKey(req.Sender.ID.String(), req.RoomID.String(), req.CorrelationID)

	p.mu.Lock()
	if pending, ok := p.outbox[key]; ok {
		p.mu.Unlock()
		return p.await(ctx, pending)
	}
	pending := &pendingSend{created: p.now(), done: make(chan struct{})}
	p.outbox[key] = pending
	p.mu.Unlock()

	// Looked up only after claiming the key: a send that completed in the
	// meantime has already stored its result.
	if msg, ok, err := p.dedup.Get(ctx, key); err != nil {
		p.logger.Warn("Dedup lookup failed", slog.String("key", key), slog.Any("error", err))
	} else if ok {
		p.logger.Debug("Duplicate send answered from dedup cache", slog.String("key", key))
		p.finish(key, pending, msg, nil)
		return msg, nil
	}

	// The store call and the room broadcast outlive the sender's connection.
	detached := context.WithoutCancel(ctx)
	msg, err := p.persistAndBroadcast(detached, req, content)

	if err == nil {
		if perr := p.dedup.Put(detached, key, msg, p.dedupTTL); perr != nil {
			p.logger.Warn("Dedup store failed", slog.String("key", key), slog.Any("error", perr))
		}
	}
	p.finish(key, pending, msg, err)

	if err != nil {
		return model.Message{}, wrap(op, err)
	}
	if p.notifier != nil {
		p.notifier.NotifyChanged(TopicRoom(req.RoomID))
	}
	return msg, nil
}

// finish publishes the outcome to waiters and releases the key.
func (p *Pipeline) finish(key string, pending *pendingSend, msg model.Message, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	select {
	case <-pending.done:
		// Abandoned by SweepOutbox; its waiters were already failed.
	default:
		pending.msg, pending.err = msg, err
		close(pending.done)
	}
	if p.outbox[key] == pending {
		delete(p.outbox, key)
	}
}

func (p *Pipeline) persistAndBroadcast(ctx context.Context, req SendRequest, content string) (model.Message, error) {
	unlock := p.rooms.lock(req.RoomID)
	defer unlock()

	storeCtx, cancel := context.WithTimeout(ctx, p.storeTimeout)
	defer cancel()

	msg, err := p.store.CreateMessage(storeCtx, model.NewMessage{
		RoomID:   req.RoomID,
		SenderID: req.Sender.ID,
		Content:  content,
		Type:     req.Type,
		ReplyTo:  req.ReplyTo,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(storeCtx.Err(), context.DeadlineExceeded) {
			return model.Message{}, &Error{Code: CodeTimeout, Op: "store.create_message", Err: err}
		}
		return model.Message{}, &Error{Code: CodeOf(err), Op: "store.create_message", Err: err}
	}

	p.pub.toRoom(ctx, req.RoomID, model.MessageNew{Message: msg}, req.ConnID)
	return msg, nil
}

// await blocks on a concurrent send with the same correlation id and returns
// its outcome instead of persisting a second copy.
func (p *Pipeline) await(ctx context.Context, pending *pendingSend) (model.Message, error) {
	select {
	case <-pending.done:
		return pending.msg, pending.err
	case <-ctx.Done():
		return model.Message{}, &Error{Code: CodeTimeout, Op: "pipeline.await", Err: ctx.Err()}
	}
}

func (p *Pipeline) validate(req *SendRequest) (string, error) {
	const op = "pipeline.validate"

	if req.CorrelationID == "" {
		return "", newError(CodeInvalid, op, "correlation id is required")
	}
	if req.Type == "" {
		req.Type = model.MessageText
	}
	if !req.Type.Valid() {
		return "", newError(CodeInvalid, op, "unknown message type %q", req.Type)
	}

	content := strings.TrimSpace(p.sanitizer.Sanitize(req.Content))
	if content == "" {
		return "", newError(CodeInvalid, op, "message content is empty")
	}
	if p.maxLength > 0 && utf8.RuneCountInString(content) > p.maxLength {
		return "", newError(CodeInvalid, op, "message exceeds %d characters", p.maxLength)
	}
	return content, nil
}

func (p *Pipeline) authorize(ctx context.Context, roomID, userID uuid.UUID) error {
	storeCtx, cancel := context.WithTimeout(ctx, p.storeTimeout)
	defer cancel()

	ok, err := p.store.IsMember(storeCtx, roomID, userID)
	if err != nil {
		return &Error{Code: CodeOf(err), Op: "store.is_member", Msg: "room " + roomID.String(), Err: err}
	}
	if !ok {
		return newError(CodeForbidden, "pipeline.authorize", "not a member of room %s", roomID)
	}
	return nil
}

func (p *Pipeline) ack(ctx context.Context, req SendRequest, msg model.Message) {
	ev := model.NewEvent(model.MessageAck{CorrelationID: req.CorrelationID, Message: msg})
	if err := p.reg.SendTo(context.WithoutCancel(ctx), req.ConnID, ev); err != nil {
		p.logger.Debug("Ack not delivered", slog.String("connID", req.ConnID), slog.Any("error", err))
	}
}

func (p *Pipeline) fail(ctx context.Context, req SendRequest, err error) {
	p.logger.Info("Send failed",
		slog.String("connID", req.ConnID),
		slog.String("roomID", req.RoomID.String()),
		slog.Any("error", err))

	ev := model.NewEvent(model.MessageFailed{
		CorrelationID: req.CorrelationID,
		RoomID:        req.RoomID,
		Code:          string(CodeOf(err)),
		Reason:        Reason(err),
	})
	if serr := p.reg.SendTo(context.WithoutCancel(ctx), req.ConnID, ev); serr != nil {
		p.logger.Debug("Failure not delivered", slog.String("connID", req.ConnID), slog.Any("error", serr))
	}
}

// Pending returns the number of sends awaiting a store outcome.
func (p *Pipeline) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.outbox)
}

// SweepOutbox drops correlation entries older than ttl and fails their
// waiters with a timeout. It returns how many entries were dropped.
func (p *Pipeline) SweepOutbox(ttl time.Duration) int {
	cutoff := p.now().Add(-ttl)

	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for key, pending := range p.outbox {
		if pending.created.After(cutoff) {
			continue
		}
		delete(p.outbox, key)
		select {
		case <-pending.done:
		default:
			pending.err = &Error{Code: CodeTimeout, Op: "pipeline.outbox", Msg: "send abandoned"}
			close(pending.done)
		}
		n++
	}
	return n
}
