package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/johndosdos/huddle/internal/auth"
	"github.com/johndosdos/huddle/internal/database"
	"github.com/johndosdos/huddle/internal/model"
)

// History is the read side of the store the history endpoint needs.
type History interface {
	IsMember(ctx context.Context, roomID, userID uuid.UUID) (bool, error)
	ListMessages(ctx context.Context, roomID uuid.UUID, limit int) ([]model.Message, error)
}

const maxHistoryLimit = 200

// ServeMessages returns the latest messages of a room, oldest first, to its
// members. Clients load it before opening the websocket.
func ServeMessages(store History, defaultLimit int, logger *slog.Logger) http.HandlerFunc {
	logger = logger.With(slog.String("component", "handler.messages"))

	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		userID, err := auth.GetUserFromContext(ctx)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		roomID, err := uuid.Parse(chi.URLParam(r, "roomID"))
		if err != nil {
			http.Error(w, "invalid room id", http.StatusBadRequest)
			return
		}

		limit := defaultLimit
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				http.Error(w, "invalid limit", http.StatusBadRequest)
				return
			}
			limit = min(n, maxHistoryLimit)
		}

		// An unknown room answers like a room the caller is not in.
		ok, err := store.IsMember(ctx, roomID, userID)
		if errors.Is(err, database.ErrNotFound) {
			ok, err = false, nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.ErrorContext(ctx, "Failed to check membership", slog.String("roomID", roomID.String()), slog.Any("error", err))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		if !ok {
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}

		messages, err := store.ListMessages(ctx, roomID, limit)
		if err != nil {
			if errors.Is(err, database.ErrNotFound) {
				http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
				return
			}
			if ctx.Err() != nil {
				return
			}
			logger.ErrorContext(ctx, "Failed to load messages", slog.String("roomID", roomID.String()), slog.Any("error", err))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		if messages == nil {
			messages = []model.Message{}
		}

		writeJSON(w, http.StatusOK, messages, logger)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("Failed to write response", slog.Any("error", err))
	}
}
