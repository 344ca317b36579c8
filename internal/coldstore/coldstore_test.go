package coldstore

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupTestColdStore spins up a disposable Postgres container, applies
// migrations, and returns a ready ColdStore. Skipped when Docker is
// unavailable in the test environment.
func setupTestColdStore(t *testing.T) *ColdStore {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("hybridauth_test"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(wait.ForLog("database system is ready to accept connections").WithOccurrence(2)),
	)
	if err != nil {
		t.Skipf("postgres testcontainer unavailable: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	require.NoError(t, Migrate(dsn, nil))

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	return NewFromPool(pool, DefaultConfig(), nil)
}

func TestColdStore_ConditionalPutBootstrapsAtVersionOne(t *testing.T) {
	cs := setupTestColdStore(t)
	ctx := context.Background()

	result, err := cs.ConditionalPut(ctx, "sess-1", []byte("blob-v1"), 1, 100)
	require.NoError(t, err)
	require.True(t, result.Applied)

	rec, err := cs.Get(ctx, "sess-1")
	require.NoError(t, err)
	require.Equal(t, []byte("blob-v1"), rec.Blob)
	require.EqualValues(t, 1, rec.Version)
}

func TestColdStore_ConditionalPutRejectsGap(t *testing.T) {
	cs := setupTestColdStore(t)
	ctx := context.Background()

	_, err := cs.ConditionalPut(ctx, "sess-1", []byte("blob-v3"), 3, 0)
	require.NoError(t, err)

	result, err := cs.ConditionalPut(ctx, "sess-1", []byte("blob-v3"), 3, 0)
	require.NoError(t, err)
	require.False(t, result.Applied, "version 3 must not apply before version 1 and 2 exist")
}

func TestColdStore_ConditionalPutAppliesInOrder(t *testing.T) {
	cs := setupTestColdStore(t)
	ctx := context.Background()

	for v := uint64(1); v <= 3; v++ {
		result, err := cs.ConditionalPut(ctx, "sess-1", []byte("blob"), v, 0)
		require.NoError(t, err)
		require.True(t, result.Applied, "version %d should apply", v)
	}

	rec, err := cs.Get(ctx, "sess-1")
	require.NoError(t, err)
	require.EqualValues(t, 3, rec.Version)
}

func TestColdStore_GetMissing(t *testing.T) {
	cs := setupTestColdStore(t)
	_, err := cs.Get(context.Background(), "unknown")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestColdStore_Delete(t *testing.T) {
	cs := setupTestColdStore(t)
	ctx := context.Background()

	_, err := cs.ConditionalPut(ctx, "sess-1", []byte("blob"), 1, 0)
	require.NoError(t, err)
	require.NoError(t, cs.Delete(ctx, "sess-1"))

	_, err = cs.Get(ctx, "sess-1")
	require.ErrorIs(t, err, ErrNotFound)
}
