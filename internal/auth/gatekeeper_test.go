package auth_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/KAPSULA1/relaydesk/internal/auth"
	"github.com/KAPSULA1/relaydesk/internal/store"
	"github.com/KAPSULA1/relaydesk/internal/testutils"
	apperrors "github.com/KAPSULA1/relaydesk/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestExtractToken 測試握手憑證提取順序
func TestExtractToken(t *testing.T) {
	longToken := "abcdefghijklmnopqrstuvwxyz0123456789"

	tests := []struct {
		name      string
		query     string
		protocols []string
		want      string
		wantOK    bool
	}{
		{
			name:   "query parameter",
			query:  "?token=query-token",
			want:   "query-token",
			wantOK: true,
		},
		{
			name:      "query wins over protocol header",
			query:     "?token=query-token",
			protocols: []string{"bearer, " + longToken},
			want:      "query-token",
			wantOK:    true,
		},
		{
			name:      "protocol header skips bearer marker",
			protocols: []string{"Bearer, " + longToken},
			want:      longToken,
			wantOK:    true,
		},
		{
			name:      "protocol header skips short entries",
			protocols: []string{"chat, v2", longToken},
			want:      longToken,
			wantOK:    true,
		},
		{
			name:      "no plausible token",
			protocols: []string{"bearer, short"},
			wantOK:    false,
		},
		{
			name:   "nothing supplied",
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws/chat/general/"+tt.query, nil)
			for _, p := range tt.protocols {
				r.Header.Add("Sec-WebSocket-Protocol", p)
			}

			got, ok := auth.ExtractToken(r)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

// TestGatekeeper_Admit 測試握手驗證
func TestGatekeeper_Admit(t *testing.T) {
	ctx := context.Background()
	f := newTokenFixture(t)

	_, err := f.users.CreateRoom(ctx, store.CreateRoomInput{Name: "general"})
	require.NoError(t, err)
	_, err = f.users.CreateRoom(ctx, store.CreateRoomInput{Name: "archived"})
	require.NoError(t, err)
	f.users.SetRoomActive("archived", false)

	gk := auth.NewGatekeeper(f.manager, f.users, f.users, testutils.Logger())

	pair, err := f.manager.CreateTokens(ctx, f.user.Identity())
	require.NoError(t, err)

	request := func(token string) *http.Request {
		return httptest.NewRequest(http.MethodGet, "/ws/chat/general/?token="+token, nil)
	}

	t.Run("valid access token", func(t *testing.T) {
		id, err := gk.Admit(ctx, request(pair.Access), "general")
		require.NoError(t, err)
		assert.Equal(t, f.user.Identity(), id)
	})

	t.Run("one-time token is consumed", func(t *testing.T) {
		wsToken, err := f.manager.CreateWSToken(ctx, f.user.Identity())
		require.NoError(t, err)

		id, err := gk.Admit(ctx, request(wsToken), "general")
		require.NoError(t, err)
		assert.Equal(t, f.user.ID, id.ID)

		_, err = gk.Admit(ctx, request(wsToken), "general")
		assert.True(t, apperrors.IsUnauthenticated(err))
	})

	t.Run("missing token", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/ws/chat/general/", nil)
		_, err := gk.Admit(ctx, r, "general")
		assert.True(t, apperrors.IsUnauthenticated(err))
	})

	t.Run("garbage token", func(t *testing.T) {
		_, err := gk.Admit(ctx, request("a.b.c"), "general")
		assert.True(t, apperrors.IsUnauthenticated(err))
	})

	t.Run("inactive room", func(t *testing.T) {
		_, err := gk.Admit(ctx, request(pair.Access), "archived")
		assert.True(t, apperrors.IsNotFound(err))
	})

	t.Run("missing room", func(t *testing.T) {
		_, err := gk.Admit(ctx, request(pair.Access), "nope")
		assert.True(t, apperrors.IsNotFound(err))
	})

	t.Run("blacklisted token", func(t *testing.T) {
		claims, err := f.manager.ValidateAccess(ctx, pair.Access)
		require.NoError(t, err)
		require.NoError(t, f.manager.RevokeAccess(ctx, claims))

		_, err = gk.Admit(ctx, request(pair.Access), "general")
		assert.True(t, apperrors.IsUnauthenticated(err))
	})

	t.Run("inactive user", func(t *testing.T) {
		fresh, err := f.manager.CreateTokens(ctx, f.user.Identity())
		require.NoError(t, err)
		f.users.SetUserActive(f.user.ID, false)
		defer f.users.SetUserActive(f.user.ID, true)

		_, err = gk.Admit(ctx, request(fresh.Access), "general")
		assert.True(t, apperrors.IsUnauthenticated(err))
	})
}
