package auth_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/KAPSULA1/relaydesk/internal/auth"
	"github.com/KAPSULA1/relaydesk/internal/model"
	"github.com/KAPSULA1/relaydesk/internal/store"
	"github.com/KAPSULA1/relaydesk/internal/testutils"
	apperrors "github.com/KAPSULA1/relaydesk/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock 可手動推進的時鐘
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type tokenFixture struct {
	manager *auth.Manager
	users   *store.Memory
	user    *model.User
	clock   *fakeClock
}

func newTokenFixture(t *testing.T) *tokenFixture {
	t.Helper()

	_, rdb := testutils.NewMiniRedis(t)
	users := store.NewMemory()
	user, err := users.CreateUser(context.Background(), "alice", "alice@example.com", "x")
	require.NoError(t, err)

	clock := &fakeClock{now: time.Now()}
	manager := auth.NewManager(rdb, users, auth.ManagerConfig{
		Secret: []byte("test-secret"),
		Issuer: "relaydesk-test",
	}, testutils.Logger(), auth.WithClock(clock.Now))

	return &tokenFixture{manager: manager, users: users, user: user, clock: clock}
}

// TestManager_CreateAndValidate 測試令牌發行與驗證
func TestManager_CreateAndValidate(t *testing.T) {
	f := newTokenFixture(t)
	ctx := context.Background()

	pair, err := f.manager.CreateTokens(ctx, f.user.Identity())
	require.NoError(t, err)
	assert.Equal(t, float64(15*60), pair.AccessExpires)
	assert.Equal(t, float64(7*24*60*60), pair.RefreshExpires)

	t.Run("access token resolves subject", func(t *testing.T) {
		claims, err := f.manager.ValidateAccess(ctx, pair.Access)
		require.NoError(t, err)
		assert.Equal(t, f.user.Identity(), claims.Identity())
	})

	t.Run("refresh token is not an access token", func(t *testing.T) {
		_, err := f.manager.ValidateAccess(ctx, pair.Refresh)
		assert.True(t, apperrors.IsUnauthenticated(err))
	})

	t.Run("tampered token is rejected", func(t *testing.T) {
		_, err := f.manager.ValidateAccess(ctx, pair.Access+"x")
		assert.True(t, apperrors.IsUnauthenticated(err))
	})

	t.Run("blacklisted access token is rejected", func(t *testing.T) {
		claims, err := f.manager.ValidateAccess(ctx, pair.Access)
		require.NoError(t, err)
		require.NoError(t, f.manager.RevokeAccess(ctx, claims))

		_, err = f.manager.ValidateAccess(ctx, pair.Access)
		assert.True(t, apperrors.IsUnauthenticated(err))
	})

	t.Run("expired access token is rejected", func(t *testing.T) {
		fresh, err := f.manager.CreateTokens(ctx, f.user.Identity())
		require.NoError(t, err)

		f.clock.Advance(16 * time.Minute)
		_, err = f.manager.ValidateAccess(ctx, fresh.Access)
		assert.True(t, apperrors.IsUnauthenticated(err))
	})
}

// TestManager_WSToken 測試一次性令牌只能使用一次
func TestManager_WSToken(t *testing.T) {
	f := newTokenFixture(t)
	ctx := context.Background()

	tokenID, err := f.manager.CreateWSToken(ctx, f.user.Identity())
	require.NoError(t, err)

	payload, err := f.manager.VerifyWSToken(ctx, tokenID)
	require.NoError(t, err)
	require.NotNil(t, payload)
	assert.Equal(t, &auth.WSTokenPayload{UserID: f.user.ID, Username: "alice", Type: auth.TokenWebSocket}, payload)

	again, err := f.manager.VerifyWSToken(ctx, tokenID)
	require.NoError(t, err)
	assert.Nil(t, again)

	missing, err := f.manager.VerifyWSToken(ctx, "does-not-exist")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

// TestManager_WSToken_Concurrent 測試並發驗證只有一個成功
func TestManager_WSToken_Concurrent(t *testing.T) {
	f := newTokenFixture(t)
	ctx := context.Background()

	tokenID, err := f.manager.CreateWSToken(ctx, f.user.Identity())
	require.NoError(t, err)

	var hits atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			payload, err := f.manager.VerifyWSToken(ctx, tokenID)
			if err == nil && payload != nil {
				hits.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), hits.Load())
}

// TestManager_WSToken_Expires 測試一次性令牌由 TTL 過期
func TestManager_WSToken_Expires(t *testing.T) {
	mr, rdb := testutils.NewMiniRedis(t)
	users := store.NewMemory()
	manager := auth.NewManager(rdb, users, auth.ManagerConfig{Secret: []byte("s")}, testutils.Logger())
	ctx := context.Background()

	tokenID, err := manager.CreateWSToken(ctx, model.Identity{ID: "u1", Username: "bob"})
	require.NoError(t, err)

	mr.FastForward(5*time.Minute + time.Second)

	payload, err := manager.VerifyWSToken(ctx, tokenID)
	require.NoError(t, err)
	assert.Nil(t, payload)
}

// TestManager_RotateRefresh 測試刷新令牌輪替
func TestManager_RotateRefresh(t *testing.T) {
	ctx := context.Background()

	t.Run("rotation issues new pair and invalidates old token", func(t *testing.T) {
		f := newTokenFixture(t)
		pair, err := f.manager.CreateTokens(ctx, f.user.Identity())
		require.NoError(t, err)

		rotated, err := f.manager.RotateRefresh(ctx, pair.Refresh)
		require.NoError(t, err)
		assert.NotEqual(t, pair.Refresh, rotated.Refresh)

		claims, err := f.manager.ValidateAccess(ctx, rotated.Access)
		require.NoError(t, err)
		assert.Equal(t, f.user.ID, claims.Subject)

		_, err = f.manager.RotateRefresh(ctx, pair.Refresh)
		assert.True(t, apperrors.IsTokenRotation(err))

		_, err = f.manager.RotateRefresh(ctx, rotated.Refresh)
		assert.NoError(t, err)
	})

	t.Run("concurrent rotation succeeds once", func(t *testing.T) {
		f := newTokenFixture(t)
		pair, err := f.manager.CreateTokens(ctx, f.user.Identity())
		require.NoError(t, err)

		var ok atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := f.manager.RotateRefresh(ctx, pair.Refresh); err == nil {
					ok.Add(1)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), ok.Load())
	})

	t.Run("malformed token", func(t *testing.T) {
		f := newTokenFixture(t)
		_, err := f.manager.RotateRefresh(ctx, "not-a-jwt")
		assert.True(t, apperrors.IsTokenRotation(err))
	})

	t.Run("access token cannot rotate", func(t *testing.T) {
		f := newTokenFixture(t)
		pair, err := f.manager.CreateTokens(ctx, f.user.Identity())
		require.NoError(t, err)

		_, err = f.manager.RotateRefresh(ctx, pair.Access)
		assert.True(t, apperrors.IsTokenRotation(err))
	})

	t.Run("expired refresh token", func(t *testing.T) {
		f := newTokenFixture(t)
		pair, err := f.manager.CreateTokens(ctx, f.user.Identity())
		require.NoError(t, err)

		f.clock.Advance(8 * 24 * time.Hour)
		_, err = f.manager.RotateRefresh(ctx, pair.Refresh)
		assert.True(t, apperrors.IsTokenRotation(err))
	})

	t.Run("subject no longer exists", func(t *testing.T) {
		f := newTokenFixture(t)
		pair, err := f.manager.CreateTokens(ctx, f.user.Identity())
		require.NoError(t, err)

		f.users.DeleteUser(f.user.ID)
		_, err = f.manager.RotateRefresh(ctx, pair.Refresh)
		assert.True(t, apperrors.IsTokenRotation(err))
	})

	t.Run("revoked refresh token", func(t *testing.T) {
		f := newTokenFixture(t)
		pair, err := f.manager.CreateTokens(ctx, f.user.Identity())
		require.NoError(t, err)

		require.NoError(t, f.manager.Revoke(ctx, pair.Refresh))
		_, err = f.manager.RotateRefresh(ctx, pair.Refresh)
		assert.True(t, apperrors.IsTokenRotation(err))
	})
}

// TestManager_Blacklist 測試黑名單
func TestManager_Blacklist(t *testing.T) {
	mr, rdb := testutils.NewMiniRedis(t)
	manager := auth.NewManager(rdb, store.NewMemory(), auth.ManagerConfig{Secret: []byte("s")}, testutils.Logger())
	ctx := context.Background()

	added, err := manager.Blacklist(ctx, "jti-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, added)

	added, err = manager.Blacklist(ctx, "jti-1", time.Minute)
	require.NoError(t, err)
	assert.False(t, added)

	revoked, err := manager.IsBlacklisted(ctx, "jti-1")
	require.NoError(t, err)
	assert.True(t, revoked)

	mr.FastForward(time.Minute + time.Second)

	revoked, err = manager.IsBlacklisted(ctx, "jti-1")
	require.NoError(t, err)
	assert.False(t, revoked)
}
