package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewRedisStore(client, "actionflow:test:"), mr
}

func TestRedisStore_Contract(t *testing.T) {
	s, mr := newTestRedisStore(t)
	runEphemeralStoreContract(t, s, mr.FastForward)
}

func TestRedisStore_Prefix(t *testing.T) {
	s, mr := newTestRedisStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "workflow:s1", []byte("x"), time.Hour))

	assert.True(t, mr.Exists("actionflow:test:workflow:s1"))
	assert.Equal(t, time.Hour, mr.TTL("actionflow:test:workflow:s1"))
}

func TestRedisStore_SetTTL(t *testing.T) {
	s, mr := newTestRedisStore(t)
	ctx := context.Background()

	require.NoError(t, s.AddToSet(ctx, "workflows:u1:active", "s1", 30*time.Minute))
	assert.Equal(t, 30*time.Minute, mr.TTL("actionflow:test:workflows:u1:active"))
}
