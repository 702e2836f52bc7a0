package booking

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carpool/internal/types"
)

func TestRedisKeys_ClaimResolveRelease(t *testing.T) {
	addr := os.Getenv("CARPOOL_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("CARPOOL_TEST_REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = rdb.Close() })

	ctx := context.Background()
	keys := NewRedisKeys(rdb, time.Minute)
	rider := types.NewID()

	_, claimed, err := keys.Claim(ctx, rider, "k1")
	require.NoError(t, err)
	assert.True(t, claimed)

	id, claimed, err := keys.Claim(ctx, rider, "k1")
	require.NoError(t, err)
	assert.False(t, claimed)
	assert.Empty(t, id, "pending key has no booking yet")

	require.NoError(t, keys.Resolve(ctx, rider, "k1", "b-1"))
	id, claimed, err = keys.Claim(ctx, rider, "k1")
	require.NoError(t, err)
	assert.False(t, claimed)
	assert.Equal(t, types.ID("b-1"), id)

	require.NoError(t, keys.Release(ctx, rider, "k1"))
	_, claimed, err = keys.Claim(ctx, rider, "k1")
	require.NoError(t, err)
	assert.True(t, claimed)
	require.NoError(t, keys.Release(ctx, rider, "k1"))
}
