package chat_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johndosdos/huddle/internal/chat"
	"github.com/johndosdos/huddle/internal/model"
)

func newRegistry(t *testing.T) (*chat.Registry, *int, *int) {
	t.Helper()
	reg := chat.NewRegistry(newTestLogger(), time.Second)
	online, offline := 0, 0
	reg.OnTransition(
		func(model.Identity) { online++ },
		func(model.Identity) { offline++ },
	)
	return reg, &online, &offline
}

func identity(name string) model.Identity {
	return model.Identity{ID: uuid.New(), Username: name}
}

func testEvent() model.Event {
	return model.NewEvent(model.ViewRefresh{Topic: "test", Changes: 1})
}

func TestRegistryRegisterIsIdempotent(t *testing.T) {
	reg, online, _ := newRegistry(t)
	u := identity("alice")
	c1 := newRecorder("c1")

	assert.True(t, reg.Register(u, c1))
	assert.False(t, reg.Register(u, c1))
	assert.Equal(t, 1, reg.ConnectionCount(u.ID))
	assert.Equal(t, 1, *online)

	assert.False(t, reg.Register(u, newRecorder("c2")), "second device is not a went-online transition")
	assert.Equal(t, 2, reg.ConnectionCount(u.ID))
	assert.Equal(t, 1, *online)
}

func TestRegistryUnregisterIsIdempotent(t *testing.T) {
	reg, _, offline := newRegistry(t)
	u := identity("alice")
	roomID := uuid.New()

	reg.Register(u, newRecorder("c1"))
	reg.Register(u, newRecorder("c2"))
	require.NoError(t, reg.Join("c1", roomID))

	assert.False(t, reg.Unregister("c1"))
	assert.False(t, reg.Unregister("c1"))
	assert.Equal(t, 1, reg.ConnectionCount(u.ID))
	assert.False(t, reg.Joined("c1", roomID))
	assert.Equal(t, 0, *offline)

	assert.True(t, reg.Unregister("c2"))
	assert.False(t, reg.Unregister("c2"))
	assert.False(t, reg.Unregister("never-registered"))
	assert.Equal(t, 1, *offline)
	assert.Empty(t, reg.ConnectionsOf(u.ID))
	assert.Empty(t, reg.Conns())
}

func TestRegistryJoinUnknownConnection(t *testing.T) {
	reg, _, _ := newRegistry(t)
	err := reg.Join("ghost", uuid.New())
	assert.True(t, errors.Is(err, chat.ErrNotFound))
}

func TestRegistryBroadcastIsolatesFailures(t *testing.T) {
	reg, _, _ := newRegistry(t)
	roomID := uuid.New()

	conns := []*recorder{newRecorder("a"), newRecorder("b"), newRecorder("c")}
	for _, c := range conns {
		reg.Register(identity(c.ID()), c)
		require.NoError(t, reg.Join(c.ID(), roomID))
	}
	conns[1].failWith(errors.New("connection closing"))

	delivered := reg.Broadcast(context.Background(), roomID, testEvent())

	assert.Equal(t, 2, delivered)
	assert.Equal(t, 1, conns[0].count(model.KindViewRefresh))
	assert.Equal(t, 0, conns[1].count(model.KindViewRefresh))
	assert.Equal(t, 1, conns[2].count(model.KindViewRefresh))
}

func TestRegistryBroadcastExclusions(t *testing.T) {
	roomID := uuid.New()
	alice, bob := identity("alice"), identity("bob")

	tests := []struct {
		name string
		opts []chat.BroadcastOption
		want map[string]int
	}{
		{
			name: "no exclusion",
			want: map[string]int{"a1": 1, "a2": 1, "b1": 1},
		},
		{
			name: "exclude connection",
			opts: []chat.BroadcastOption{chat.ExcludeConn("a1")},
			want: map[string]int{"a1": 0, "a2": 1, "b1": 1},
		},
		{
			name: "exclude identity",
			opts: []chat.BroadcastOption{chat.ExcludeIdentity(alice.ID)},
			want: map[string]int{"a1": 0, "a2": 0, "b1": 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg, _, _ := newRegistry(t)
			conns := map[string]*recorder{"a1": newRecorder("a1"), "a2": newRecorder("a2"), "b1": newRecorder("b1")}
			reg.Register(alice, conns["a1"])
			reg.Register(alice, conns["a2"])
			reg.Register(bob, conns["b1"])
			for id := range conns {
				require.NoError(t, reg.Join(id, roomID))
			}

			reg.Broadcast(context.Background(), roomID, testEvent(), tt.opts...)

			for id, want := range tt.want {
				if got := conns[id].count(model.KindViewRefresh); got != want {
					t.Errorf("connection %s received %d events, want %d", id, got, want)
				}
			}
		})
	}
}

func TestRegistryBroadcastOnlyJoinedConnections(t *testing.T) {
	reg, _, _ := newRegistry(t)
	roomID := uuid.New()
	joined, idle := newRecorder("joined"), newRecorder("idle")
	reg.Register(identity("a"), joined)
	reg.Register(identity("b"), idle)
	require.NoError(t, reg.Join("joined", roomID))

	reg.Broadcast(context.Background(), roomID, testEvent())
	assert.Equal(t, 1, joined.count(model.KindViewRefresh))
	assert.Equal(t, 0, idle.count(model.KindViewRefresh))

	reg.Leave("joined", roomID)
	reg.Broadcast(context.Background(), roomID, testEvent())
	assert.Equal(t, 1, joined.count(model.KindViewRefresh))
}

func TestRegistryDeliver(t *testing.T) {
	roomID := uuid.New()
	alice, bob := identity("alice"), identity("bob")

	tests := []struct {
		name     string
		delivery model.Delivery
		want     map[string]int
		wantErr  bool
	}{
		{
			name:     "room",
			delivery: model.Delivery{Scope: model.ScopeRoom, Target: roomID.String()},
			want:     map[string]int{"a1": 1, "a2": 0, "b1": 1},
		},
		{
			name:     "room excluding user",
			delivery: model.Delivery{Scope: model.ScopeRoom, Target: roomID.String(), ExcludeUser: bob.ID.String()},
			want:     map[string]int{"a1": 1, "a2": 0, "b1": 0},
		},
		{
			name:     "identity",
			delivery: model.Delivery{Scope: model.ScopeIdentity, Target: alice.ID.String()},
			want:     map[string]int{"a1": 1, "a2": 1, "b1": 0},
		},
		{
			name:     "connection",
			delivery: model.Delivery{Scope: model.ScopeConnection, Target: "a2"},
			want:     map[string]int{"a1": 0, "a2": 1, "b1": 0},
		},
		{
			name:     "all",
			delivery: model.Delivery{Scope: model.ScopeAll, ExcludeConn: "b1"},
			want:     map[string]int{"a1": 1, "a2": 1, "b1": 0},
		},
		{
			name:     "bad target",
			delivery: model.Delivery{Scope: model.ScopeRoom, Target: "not-a-uuid"},
			wantErr:  true,
		},
		{
			name:     "unknown scope",
			delivery: model.Delivery{Scope: "galaxy"},
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg, _, _ := newRegistry(t)
			conns := map[string]*recorder{"a1": newRecorder("a1"), "a2": newRecorder("a2"), "b1": newRecorder("b1")}
			reg.Register(alice, conns["a1"])
			reg.Register(alice, conns["a2"])
			reg.Register(bob, conns["b1"])
			require.NoError(t, reg.Join("a1", roomID))
			require.NoError(t, reg.Join("b1", roomID))

			d := tt.delivery
			d.Event = testEvent()
			err := reg.Deliver(context.Background(), d)
			if tt.wantErr {
				assert.True(t, errors.Is(err, chat.ErrInvalid), "Deliver() error = %v, want invalid", err)
				return
			}
			require.NoError(t, err)
			for id, want := range tt.want {
				assert.Equal(t, want, conns[id].count(model.KindViewRefresh), "connection %s", id)
			}
		})
	}
}

func TestRegistrySendToGoneConnection(t *testing.T) {
	reg, _, _ := newRegistry(t)
	err := reg.SendTo(context.Background(), "gone", testEvent())
	assert.True(t, errors.Is(err, chat.ErrTransientDelivery))
}
