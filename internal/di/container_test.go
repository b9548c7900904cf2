package di

import (
	"context"
	"testing"
	"time"

	"firestore-harness/internal/harness/config"
	"firestore-harness/internal/harness/domain/model"
	"firestore-harness/internal/harness/domain/repository"
	"firestore-harness/internal/harness/metrics"
	"firestore-harness/internal/shared/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMemoryContainer(t *testing.T, mutate func(*config.Config)) *Container {
	t.Helper()
	cfg := config.DefaultConfig()
	if mutate != nil {
		mutate(cfg)
	}
	c := NewContainer(cfg)
	c.Logger = logger.NewNopLogger()
	require.NoError(t, c.Initialize(context.Background()))
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c
}

func TestContainer_MemoryBackend(t *testing.T) {
	c := newMemoryContainer(t, nil)
	ctx := context.Background()

	require.NotNil(t, c.Backend)
	assert.Equal(t, "memory", c.Backend.Name())
	assert.Nil(t, c.Recorder)
	assert.Nil(t, c.Tokens)
	require.NoError(t, c.HealthCheck(ctx))

	require.NoError(t, c.Initialize(ctx), "second call is a no-op")
}

func TestContainer_GetService(t *testing.T) {
	c := newMemoryContainer(t, nil)

	backend, err := GetService[repository.Backend](c)
	require.NoError(t, err)
	assert.Same(t, c.Backend, backend)

	m, err := GetService[*metrics.Metrics](c)
	require.NoError(t, err)
	assert.Same(t, c.Metrics, m)

	cfg, err := GetService[*config.Config](c)
	require.NoError(t, err)
	assert.Same(t, c.Config, cfg)

	_, err = GetService[logger.Logger](c)
	require.NoError(t, err)

	_, err = GetService[repository.TokenService](c)
	assert.Error(t, err, "no secret, no token service")
}

func TestContainer_TokenService(t *testing.T) {
	c := newMemoryContainer(t, func(cfg *config.Config) {
		cfg.Server.JWTSecret = "container-secret-container-secret"
	})
	require.NotNil(t, c.Tokens)

	token, err := c.Tokens.GenerateToken(context.Background(), "ci", "run-1")
	require.NoError(t, err)
	claims, err := c.Tokens.ValidateToken(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "run-1", claims.RunID)
}

func TestContainer_HelperAndSweeper(t *testing.T) {
	now := time.Now()
	c := newMemoryContainer(t, func(cfg *config.Config) {
		cfg.Harness.DocumentTTL = time.Hour
	})
	ctx := context.Background()

	h := c.NewHelper("orders", "run-a")
	assert.Equal(t, "run-a", h.RunID())
	_, err := h.Set(ctx, "o1", map[string]interface{}{"total": 10})
	require.NoError(t, err)
	assert.Equal(t, []string{"orders"}, c.Collections(ctx))

	_, err = c.Backend.SetDocument(ctx, "orders/stale", model.MustFields(map[string]interface{}{
		"expireAt": now.Add(-time.Minute),
	}))
	require.NoError(t, err)

	removed, err := c.NewSweeper().Sweep(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = h.Get(ctx, "o1")
	assert.NoError(t, err, "live documents survive the sweep")
	require.NoError(t, h.Cleanup(ctx))
	assert.Empty(t, c.Collections(ctx))
}

func TestContainer_RemoteBackendFromEmulatorHost(t *testing.T) {
	c := newMemoryContainer(t, func(cfg *config.Config) {
		cfg.Harness.EmulatorHost = "127.0.0.1:1"
		cfg.Server.JWTSecret = "container-secret-container-secret"
	})
	assert.Equal(t, "remote", c.Backend.Name())
	assert.Nil(t, c.Collections(context.Background()))
	assert.Error(t, c.HealthCheck(context.Background()))
}

func TestContainer_UnknownBackend(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Harness.Backend = "cassandra"
	c := NewContainer(cfg)
	c.Logger = logger.NewNopLogger()
	assert.Error(t, c.Initialize(context.Background()))
}

func TestContainer_CloseIsRepeatable(t *testing.T) {
	c := NewContainer(nil)
	c.Logger = logger.NewNopLogger()
	require.NoError(t, c.Initialize(context.Background()))
	require.NoError(t, c.Close(context.Background()))
	require.NoError(t, c.Close(context.Background()))
	assert.Nil(t, c.Backend)
}
