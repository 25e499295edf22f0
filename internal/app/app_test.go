package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ovaphlow/pitchfork/service-auth/internal/config"
	"github.com/ovaphlow/pitchfork/service-auth/internal/session"
	"github.com/ovaphlow/pitchfork/service-auth/internal/store"
)

func testConfig(t *testing.T) config.Config {
	t.Setenv("ARGON2_TIME", "1")
	t.Setenv("ARGON2_MEMORY_KB", "64")
	t.Setenv("ARGON2_PARALLELISM", "1")
	return config.FromEnv()
}

func TestNewAuthServiceEndToEnd(t *testing.T) {
	cfg := testConfig(t)
	svc, err := NewAuthService(cfg, store.NewMemory(), nil, zap.NewNop().Sugar())
	require.NoError(t, err)
	ctx := context.Background()

	created, err := svc.EnsureSuperuser(ctx, "Root@Example.com", "root", "Valid*Pass123")
	require.NoError(t, err)
	assert.True(t, created)

	pair, err := svc.Login(ctx, "root@example.com", "Valid*Pass123", session.ClientMeta{})
	require.NoError(t, err)
	assert.Equal(t, int64(cfg.AccessTokenTTL/time.Second), pair.ExpiresIn)

	u, err := svc.Authenticate(ctx, pair.AccessToken)
	require.NoError(t, err)
	assert.True(t, u.IsSuperuser)

	created, err = svc.EnsureSuperuser(ctx, "root@example.com", "root", "Valid*Pass123")
	require.NoError(t, err)
	assert.False(t, created)
}

func TestNewAuthServiceRejectsBadSettings(t *testing.T) {
	cfg := testConfig(t)
	cfg.RefreshTokenFingerprintK = ""
	_, err := NewAuthService(cfg, store.NewMemory(), nil, zap.NewNop().Sugar())
	assert.Error(t, err)

	cfg = testConfig(t)
	cfg.MaxFailedLoginAttempts = 0
	_, err = NewAuthService(cfg, store.NewMemory(), nil, zap.NewNop().Sugar())
	assert.Error(t, err)
}

func TestCheckConfig(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	logger := zap.New(core).Sugar()

	cfg := testConfig(t)
	cfg.Environment = config.EnvLocal
	cfg.AccessTokenSecret = "changethis"
	cfg.RefreshTokenFingerprintK = "fingerprint-key"
	require.NoError(t, CheckConfig(cfg, logger))
	require.Equal(t, 1, logs.Len())
	assert.Contains(t, logs.All()[0].ContextMap()["detail"], "SECRET_KEY_ACCESS_TOKENS")

	cfg.Environment = config.EnvProduction
	err := CheckConfig(cfg, logger)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SECRET_KEY_ACCESS_TOKENS")

	cfg = testConfig(t)
	cfg.AccessTokenSecret, cfg.RefreshTokenFingerprintK = "a", "b"
	cfg.Environment = config.EnvProduction
	assert.NoError(t, CheckConfig(cfg, logger))

	cfg.Argon2Time = -1
	assert.ErrorContains(t, CheckConfig(cfg, logger), "ARGON2_TIME")
	_, err = NewAuthService(cfg, store.NewMemory(), nil, logger)
	assert.ErrorContains(t, err, "ARGON2_TIME", "the builder refuses wrapped values too")
}
