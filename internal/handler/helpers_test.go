package handler_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/johndosdos/huddle/internal"
	"github.com/johndosdos/huddle/internal/auth"
	"github.com/johndosdos/huddle/internal/chat"
	"github.com/johndosdos/huddle/internal/database/memory"
	"github.com/johndosdos/huddle/internal/handler"
	"github.com/johndosdos/huddle/internal/model"
	ws "github.com/johndosdos/huddle/internal/websocket"
)

const testSecret = "handlertestsecret"

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

type testServer struct {
	t     *testing.T
	store *memory.Store
	reg   *chat.Registry
	srv   *httptest.Server
}

func newTestServer(t *testing.T, opts ws.Options) *testServer {
	t.Helper()

	logger := newTestLogger()
	store := memory.New()
	reg := chat.NewRegistry(logger, time.Second)
	coord := chat.New(store, reg, nil, nil, chat.Options{
		Pipeline: chat.PipelineConfig{
			StoreTimeout:     time.Second,
			DedupTTL:         time.Minute,
			MaxMessageLength: 2000,
		},
		Throttle: chat.ThrottleConfig{
			MinWindow:      50 * time.Millisecond,
			MaxWindow:      300 * time.Millisecond,
			BurstThreshold: 10,
			Tick:           10 * time.Millisecond,
		},
		TypingExpiry:  4 * time.Second,
		TypingSweep:   500 * time.Millisecond,
		PresenceSweep: 10 * time.Second,
	}, logger)
	resolver := auth.NewResolver(testSecret, store)

	r := chi.NewRouter()
	r.Use(internal.Middleware(testSecret, logger))
	r.Get("/ws", handler.ServeWs(coord, resolver, opts, logger))
	r.With(internal.RequireUser).Get("/rooms/{roomID}/messages", handler.ServeMessages(store, 50, logger))

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return &testServer{t: t, store: store, reg: reg, srv: srv}
}

func (s *testServer) user(name string) (model.Identity, string) {
	s.t.Helper()
	u, err := s.store.CreateUser(context.Background(), model.Identity{Username: name, FullName: name})
	require.NoError(s.t, err)
	token, err := auth.MakeJWT(u.ID, testSecret, time.Hour)
	require.NoError(s.t, err)
	return u, token
}

// dial opens a websocket. A non-empty token is sent as a bearer header.
func (s *testServer) dial(token string) *websocket.Conn {
	s.t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	opts := &websocket.DialOptions{}
	if token != "" {
		opts.HTTPHeader = http.Header{"Authorization": {"Bearer " + token}}
	}
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(s.srv.URL, "http")+"/ws", opts)
	require.NoError(s.t, err)
	s.t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

// waitRegistered blocks until the registry holds n connections for id.
func (s *testServer) waitRegistered(id model.Identity, n int) {
	s.t.Helper()
	require.Eventually(s.t, func() bool {
		return s.reg.ConnectionCount(id.ID) == n
	}, 2*time.Second, 10*time.Millisecond)
}
