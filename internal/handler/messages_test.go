package handler_test

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johndosdos/huddle/internal/model"
)

func TestServeMessages(t *testing.T) {
	s := newTestServer(t, defaultWsOptions())
	ctx := context.Background()
	alice, aliceToken := s.user("alice")
	_, bobToken := s.user("bob")

	room, err := s.store.CreateRoom(ctx, "general", alice.ID)
	require.NoError(t, err)
	for _, content := range []string{"one", "two", "three"} {
		_, err := s.store.CreateMessage(ctx, model.NewMessage{RoomID: room.ID, SenderID: alice.ID, Content: content, Type: model.MessageText})
		require.NoError(t, err)
	}

	tests := []struct {
		name     string
		token    string
		path     string
		wantCode int
		want     []string
	}{
		{name: "member", token: aliceToken, path: "/rooms/" + room.ID.String() + "/messages", wantCode: http.StatusOK, want: []string{"one", "two", "three"}},
		{name: "limit keeps the latest", token: aliceToken, path: "/rooms/" + room.ID.String() + "/messages?limit=2", wantCode: http.StatusOK, want: []string{"two", "three"}},
		{name: "bad limit", token: aliceToken, path: "/rooms/" + room.ID.String() + "/messages?limit=-1", wantCode: http.StatusBadRequest},
		{name: "bad room id", token: aliceToken, path: "/rooms/nope/messages", wantCode: http.StatusBadRequest},
		{name: "not a member", token: bobToken, path: "/rooms/" + room.ID.String() + "/messages", wantCode: http.StatusForbidden},
		{name: "unknown room", token: aliceToken, path: "/rooms/" + uuid.NewString() + "/messages", wantCode: http.StatusForbidden},
		{name: "anonymous", path: "/rooms/" + room.ID.String() + "/messages", wantCode: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.srv.URL+tt.path, nil)
			require.NoError(t, err)
			if tt.token != "" {
				req.Header.Set("Authorization", "Bearer "+tt.token)
			}

			resp, err := s.srv.Client().Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()

			require.Equal(t, tt.wantCode, resp.StatusCode)
			if tt.want == nil {
				return
			}

			var got []model.Message
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
			contents := make([]string, 0, len(got))
			for _, m := range got {
				contents = append(contents, m.Content)
			}
			assert.Equal(t, tt.want, contents)
		})
	}
}
