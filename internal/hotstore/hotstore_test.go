package hotstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestHotStore(t *testing.T) (*HotStore, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cfg := DefaultConfig()
	cfg.Addr = mr.Addr()

	store := NewFromClient(client, cfg, nil)
	return store, mr
}

func TestHotStore_PutGet(t *testing.T) {
	store, mr := setupTestHotStore(t)
	defer mr.Close()
	defer store.Close()

	ctx := context.Background()
	meta := Metadata{Version: 1, FencingToken: 100, UpdatedAt: time.Now().Truncate(time.Millisecond)}

	require.NoError(t, store.Put(ctx, "sess-1", []byte("blob-bytes"), meta, time.Minute))

	blob, gotMeta, err := store.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("blob-bytes"), blob)
	assert.Equal(t, meta.Version, gotMeta.Version)
	assert.Equal(t, meta.FencingToken, gotMeta.FencingToken)
	assert.WithinDuration(t, meta.UpdatedAt, gotMeta.UpdatedAt, time.Millisecond)
}

func TestHotStore_GetMiss(t *testing.T) {
	store, mr := setupTestHotStore(t)
	defer mr.Close()
	defer store.Close()

	_, _, err := store.Get(context.Background(), "unknown")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestHotStore_Delete(t *testing.T) {
	store, mr := setupTestHotStore(t)
	defer mr.Close()
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.Put(ctx, "sess-1", []byte("x"), Metadata{}, time.Minute))
	require.NoError(t, store.Delete(ctx, "sess-1"))

	exists, err := store.Exists(ctx, "sess-1")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestHotStore_TouchResetsTTL(t *testing.T) {
	store, mr := setupTestHotStore(t)
	defer mr.Close()
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.Put(ctx, "sess-1", []byte("x"), Metadata{}, time.Second))

	mr.FastForward(900 * time.Millisecond)
	require.NoError(t, store.Touch(ctx, "sess-1", time.Minute))

	mr.FastForward(2 * time.Second)
	exists, err := store.Exists(ctx, "sess-1")
	require.NoError(t, err)
	assert.True(t, exists, "touch should have extended the TTL past the original expiry")
}

func TestHotStore_TouchMiss(t *testing.T) {
	store, mr := setupTestHotStore(t)
	defer mr.Close()
	defer store.Close()

	err := store.Touch(context.Background(), "unknown", time.Minute)
	assert.ErrorIs(t, err, ErrMiss)
}

func TestHotStore_Ping(t *testing.T) {
	store, mr := setupTestHotStore(t)
	defer mr.Close()
	defer store.Close()

	assert.NoError(t, store.Ping(context.Background()))
}
