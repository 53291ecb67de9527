package chat

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/johndosdos/huddle/internal/model"
)

const (
	topicRoomPrefix = "room:"
	topicUserPrefix = "user:"
)

// TopicRoom names the derived views of a room.
func TopicRoom(id uuid.UUID) string { return topicRoomPrefix + id.String() }

// TopicUser names the derived views of one identity.
func TopicUser(id uuid.UUID) string { return topicUserPrefix + id.String() }

// ThrottleConfig sets the flush window. The window grows from MinWindow
// towards MaxWindow as the number of changes pending on a topic approaches
// BurstThreshold.
type ThrottleConfig struct {
	MinWindow      time.Duration
	MaxWindow      time.Duration
	BurstThreshold int
	Tick           time.Duration
}

type topicState struct {
	dirty     bool
	changes   int
	since     time.Time
	lastFlush time.Time
}

// Throttle collapses bursts of change notifications into at most one flush
// per topic per window. A trailing flush always follows the last change.
type Throttle struct {
	mu     sync.Mutex
	topics map[string]*topicState

	cfg   ThrottleConfig
	flush func(ctx context.Context, topic string, changes int)
	now   func() time.Time

	logger *slog.Logger
}

var _ Notifier = (*Throttle)(nil)

// NewThrottle returns a throttle that calls flush from Tick.
func NewThrottle(cfg ThrottleConfig, flush func(ctx context.Context, topic string, changes int), now func() time.Time, logger *slog.Logger) *Throttle {
	if cfg.MaxWindow < cfg.MinWindow {
		cfg.MaxWindow = cfg.MinWindow
	}
	return &Throttle{
		topics: make(map[string]*topicState),
		cfg:    cfg,
		flush:  flush,
		now:    now,
		logger: logger.With(slog.String("component", "throttle")),
	}
}

// NotifyChanged records one change to topic.
func (t *Throttle) NotifyChanged(topic string) {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	ts, ok := t.topics[topic]
	if !ok {
		ts = &topicState{}
		t.topics[topic] = ts
	}
	if !ts.dirty {
		ts.dirty = true
		ts.since = now
	}
	ts.changes++
}

func (t *Throttle) window(changes int) time.Duration {
	if t.cfg.BurstThreshold <= 0 || changes >= t.cfg.BurstThreshold {
		return t.cfg.MaxWindow
	}
	span := t.cfg.MaxWindow - t.cfg.MinWindow
	return t.cfg.MinWindow + span*time.Duration(changes)/time.Duration(t.cfg.BurstThreshold)
}

// Tick flushes every dirty topic whose window has elapsed, both since its
// first pending change and since its previous flush. It returns the number of
// flushes.
func (t *Throttle) Tick(ctx context.Context) int {
	now := t.now()

	type due struct {
		topic   string
		changes int
	}
	var flushes []due

	t.mu.Lock()
	for topic, ts := range t.topics {
		if !ts.dirty {
			if now.Sub(ts.lastFlush) >= t.cfg.MaxWindow {
				delete(t.topics, topic)
			}
			continue
		}
		w := t.window(ts.changes)
		if now.Sub(ts.since) < w || now.Sub(ts.lastFlush) < w {
			continue
		}
		flushes = append(flushes, due{topic, ts.changes})
		ts.dirty = false
		ts.changes = 0
		ts.lastFlush = now
	}
	t.mu.Unlock()

	for _, f := range flushes {
		t.logger.Debug("Flushing topic", slog.String("topic", f.topic), slog.Int("changes", f.changes))
		t.flush(ctx, f.topic, f.changes)
	}
	return len(flushes)
}

// Run ticks until ctx is done.
func (t *Throttle) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.Tick(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

// refreshFlusher delivers view:refresh to whoever the topic names at flush time.
func refreshFlusher(pub publisher) func(ctx context.Context, topic string, changes int) {
	return func(ctx context.Context, topic string, changes int) {
		payload := model.ViewRefresh{Topic: topic, Changes: changes}

		switch {
		case strings.HasPrefix(topic, topicRoomPrefix):
			id, err := uuid.Parse(strings.TrimPrefix(topic, topicRoomPrefix))
			if err != nil {
				pub.logger.Warn("Bad room topic", slog.String("topic", topic))
				return
			}
			pub.toRoom(ctx, id, payload, "")
		case strings.HasPrefix(topic, topicUserPrefix):
			id, err := uuid.Parse(strings.TrimPrefix(topic, topicUserPrefix))
			if err != nil {
				pub.logger.Warn("Bad user topic", slog.String("topic", topic))
				return
			}
			pub.toIdentity(ctx, id, payload)
		default:
			pub.toAll(ctx, payload)
		}
	}
}
