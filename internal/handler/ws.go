// Package handler holds the HTTP entry points of the chat server.
package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/johndosdos/huddle/internal/auth"
	"github.com/johndosdos/huddle/internal/model"
	ws "github.com/johndosdos/huddle/internal/websocket"
)

// IdentityResolver resolves both bearer tokens sent over the socket and user
// ids the auth middleware already validated.
type IdentityResolver interface {
	ws.Resolver
	Lookup(ctx context.Context, userID uuid.UUID) (model.Identity, error)
}

// ServeWs upgrades the request and runs the connection until it closes. A
// request the middleware authenticated skips the authenticate command.
func ServeWs(coord ws.Coordinator, resolver IdentityResolver, opts ws.Options, logger *slog.Logger) http.HandlerFunc {
	logger = logger.With(slog.String("component", "handler.ws"))

	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var identity *model.Identity
		if userID, err := auth.GetUserFromContext(ctx); err == nil {
			id, err := resolver.Lookup(ctx, userID)
			if err != nil {
				logger.InfoContext(ctx, "Unknown user on handshake", slog.String("userID", userID.String()), slog.Any("error", err))
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}
			identity = &id
		}

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			logger.WarnContext(ctx, "Failed to upgrade connection", slog.Any("error", err))
			return
		}

		c := ws.NewClient(conn, coord, resolver, opts, logger)

		// We block on ReadMessage because the request context is cancelled as
		// soon as the handler returns.
		go c.WriteMessage(ctx)
		c.ReadMessage(ctx, identity)
	}
}
