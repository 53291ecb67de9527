package chat_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johndosdos/huddle/internal/chat"
)

type flushLog struct {
	mu      sync.Mutex
	flushes map[string][]int
}

func (l *flushLog) record(_ context.Context, topic string, changes int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.flushes[topic] = append(l.flushes[topic], changes)
}

func (l *flushLog) get(topic string) []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.flushes[topic]
}

func newThrottle(t *testing.T) (*chat.Throttle, *clock, *flushLog) {
	t.Helper()
	clk := newClock()
	log := &flushLog{flushes: make(map[string][]int)}
	th := chat.NewThrottle(chat.ThrottleConfig{
		MinWindow:      50 * time.Millisecond,
		MaxWindow:      300 * time.Millisecond,
		BurstThreshold: 10,
		Tick:           10 * time.Millisecond,
	}, log.record, clk.Now, newTestLogger())
	return th, clk, log
}

func TestThrottleCollapsesBurst(t *testing.T) {
	th, clk, log := newThrottle(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		th.NotifyChanged("room:a")
	}
	// Five pending changes widen the window to 175ms.
	assert.Equal(t, 0, th.Tick(ctx))
	clk.Advance(100 * time.Millisecond)
	assert.Equal(t, 0, th.Tick(ctx))
	clk.Advance(100 * time.Millisecond)
	assert.Equal(t, 1, th.Tick(ctx))
	assert.Equal(t, 0, th.Tick(ctx))

	assert.Equal(t, []int{5}, log.get("room:a"))
}

func TestThrottleTrailingFlushAfterFlush(t *testing.T) {
	th, clk, log := newThrottle(t)
	ctx := context.Background()

	// One pending change gives a 75ms window.
	th.NotifyChanged("user:b")
	clk.Advance(60 * time.Millisecond)
	assert.Equal(t, 0, th.Tick(ctx))
	clk.Advance(20 * time.Millisecond)
	require.Equal(t, 1, th.Tick(ctx))

	// A change right after a flush waits out the full window again.
	clk.Advance(10 * time.Millisecond)
	th.NotifyChanged("user:b")
	clk.Advance(30 * time.Millisecond)
	assert.Equal(t, 0, th.Tick(ctx))
	clk.Advance(50 * time.Millisecond)
	assert.Equal(t, 1, th.Tick(ctx))

	// Nothing more arrives: no further flushes.
	clk.Advance(time.Second)
	assert.Equal(t, 0, th.Tick(ctx))
	assert.Equal(t, []int{1, 1}, log.get("user:b"))
}

func TestThrottleAdaptiveWindow(t *testing.T) {
	th, clk, log := newThrottle(t)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		th.NotifyChanged("room:busy")
	}
	th.NotifyChanged("room:quiet")

	clk.Advance(80 * time.Millisecond)
	assert.Equal(t, 1, th.Tick(ctx))
	assert.Equal(t, []int{1}, log.get("room:quiet"))
	assert.Empty(t, log.get("room:busy"), "a burst stretches its window to the maximum")

	clk.Advance(250 * time.Millisecond)
	assert.Equal(t, 1, th.Tick(ctx))
	assert.Equal(t, []int{50}, log.get("room:busy"))
}

func TestThrottleIndependentTopics(t *testing.T) {
	th, clk, log := newThrottle(t)
	ctx := context.Background()

	th.NotifyChanged("room:a")
	th.NotifyChanged("room:b")
	clk.Advance(time.Second)

	assert.Equal(t, 2, th.Tick(ctx))
	assert.Equal(t, []int{1}, log.get("room:a"))
	assert.Equal(t, []int{1}, log.get("room:b"))
}
