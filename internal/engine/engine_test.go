package engine

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	redisclient "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/nyxstate/hybridauth/internal/coldstore"
	"github.com/nyxstate/hybridauth/internal/engineerrors"
	"github.com/nyxstate/hybridauth/internal/hotstore"
	"github.com/nyxstate/hybridauth/internal/outbox"
)

// setupTestColdStore mirrors internal/coldstore's own test helper; it is
// duplicated here (rather than exported from that package) because a
// disposable Postgres container is test-only infrastructure, not part of
// ColdStore's production surface.
func setupTestColdStore(t *testing.T) *coldstore.ColdStore {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("hybridauth_engine_test"),
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
	require.NoError(t, coldstore.Migrate(dsn, nil))

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	return coldstore.NewFromPool(pool, coldstore.DefaultConfig(), nil)
}

func setupTestEngine(t *testing.T) *Engine {
	t.Helper()
	ctx := context.Background()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	hotClient := redisclient.NewClient(&redisclient.Options{Addr: mr.Addr()})
	hot := hotstore.NewFromClient(hotClient, hotstore.DefaultConfig(), nil)

	outboxClient := redisclient.NewClient(&redisclient.Options{Addr: mr.Addr()})
	box := outbox.NewFromClient(outboxClient, outbox.DefaultConfig(), nil)

	cold := setupTestColdStore(t)

	key := make([]byte, 32)
	_, err = rand.Read(key)
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.Reconciler.PollInterval = 5 * time.Millisecond
	cfg.CodecKeys = map[string][]byte{"k1": key}
	cfg.CodecActiveKeyID = "k1"

	e, err := New(ctx, cfg, Dependencies{Hot: hot, Cold: cold, Outbox: box})
	require.NoError(t, err)
	require.NoError(t, e.Connect(ctx))
	t.Cleanup(func() { _ = e.Disconnect(time.Second) })

	return e
}

func rawPatch(t *testing.T, creds string) Patch {
	t.Helper()
	return Patch{Creds: []byte(`"` + creds + `"`)}
}

func jsonStr(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return json.RawMessage(b)
}

func TestEngine_CreateReadDelete(t *testing.T) {
	e := setupTestEngine(t)
	ctx := context.Background()

	got, err := e.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, got)

	res, err := e.Set(ctx, "s1", rawPatch(t, "creds-v1"), nil, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.Version)

	got, err = e.Get(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.EqualValues(t, 1, got.Version)
	assert.Equal(t, `"creds-v1"`, string(got.Snapshot.Creds))

	require.NoError(t, e.Delete(ctx, "s1"))
	got, err = e.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestEngine_OptimisticConcurrency(t *testing.T) {
	e := setupTestEngine(t)
	ctx := context.Background()

	_, err := e.Set(ctx, "s2", rawPatch(t, "v1"), nil, nil)
	require.NoError(t, err)

	expected := uint64(1)
	_, err = e.Set(ctx, "s2", rawPatch(t, "v2"), &expected, nil)
	require.NoError(t, err)

	_, err = e.Set(ctx, "s2", rawPatch(t, "v2-conflict"), &expected, nil)
	var mismatch *engineerrors.VersionMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.EqualValues(t, 1, mismatch.Expected)
	assert.EqualValues(t, 2, mismatch.Actual)
}

func TestEngine_PartialKeyUpdate(t *testing.T) {
	e := setupTestEngine(t)
	ctx := context.Background()

	p1 := Patch{Keys: map[string]map[string]json.RawMessage{
		"pre-key": {"1": jsonStr("A"), "2": jsonStr("B")},
	}}
	_, err := e.Set(ctx, "s3", p1, nil, nil)
	require.NoError(t, err)

	p2 := Patch{Keys: map[string]map[string]json.RawMessage{
		"pre-key": {"1": jsonStr("A'"), "3": jsonStr("C")},
	}}
	_, err = e.Set(ctx, "s3", p2, nil, nil)
	require.NoError(t, err)

	got, err := e.Get(ctx, "s3")
	require.NoError(t, err)
	require.Len(t, got.Snapshot.Keys["pre-key"], 3)

	p3 := Patch{Keys: map[string]map[string]json.RawMessage{
		"pre-key": {"2": nil},
	}}
	_, err = e.Set(ctx, "s3", p3, nil, nil)
	require.NoError(t, err)

	got, err = e.Get(ctx, "s3")
	require.NoError(t, err)
	require.Len(t, got.Snapshot.Keys["pre-key"], 2)
	assert.Equal(t, `"A'"`, string(got.Snapshot.Keys["pre-key"]["1"]))
	assert.Equal(t, `"C"`, string(got.Snapshot.Keys["pre-key"]["3"]))
}

func TestEngine_FencingTokenStale(t *testing.T) {
	e := setupTestEngine(t)
	ctx := context.Background()

	hundred := uint64(100)
	_, err := e.Set(ctx, "s5", rawPatch(t, "v1"), nil, &hundred)
	require.NoError(t, err)

	ninetyNine := uint64(99)
	_, err = e.Set(ctx, "s5", rawPatch(t, "v2"), nil, &ninetyNine)
	var stale *engineerrors.FencingTokenStaleError
	require.ErrorAs(t, err, &stale)

	oneOhOne := uint64(101)
	_, err = e.Set(ctx, "s5", rawPatch(t, "v3"), nil, &oneOhOne)
	require.NoError(t, err)
}

func TestEngine_WriteBehindConvergesAfterReconcile(t *testing.T) {
	e := setupTestEngine(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := e.Set(ctx, "s4", rawPatch(t, "v"), nil, nil)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		rec, err := e.cold.Get(ctx, "s4")
		return err == nil && rec.Version == 5
	}, 2*time.Second, 10*time.Millisecond)
}

// TestEngine_SetPropagatesColdStoreErrorOnHotMiss guards the fix to
// loadCurrent: a HotStore miss on a session that genuinely exists in
// ColdStore, combined with a transient ColdStore failure, must surface
// an error rather than being silently treated as "no record" (which
// would let Set recompute newVersion from 0 and violate versionHot >=
// versionCold the moment ColdStore becomes reachable again).
func TestEngine_SetPropagatesColdStoreErrorOnHotMiss(t *testing.T) {
	e := setupTestEngine(t)
	ctx := context.Background()

	_, err := e.Set(ctx, "s6", rawPatch(t, "v1"), nil, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		rec, err := e.cold.Get(ctx, "s6")
		return err == nil && rec.Version == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Simulate a HotStore eviction (TTL expiry, restart) of an existing
	// session while ColdStore is unreachable.
	require.NoError(t, e.hot.Delete(ctx, e.key("s6")))
	require.NoError(t, e.cold.Close())

	_, err = e.Set(ctx, "s6", rawPatch(t, "v2"), nil, nil)
	require.Error(t, err)

	// HotStore must not have been polluted with a version computed from
	// a wrongly-assumed "new session" (version 0).
	_, _, getErr := e.hot.Get(ctx, e.key("s6"))
	assert.ErrorIs(t, getErr, hotstore.ErrMiss)
}

// TestEngine_DeletePropagatesColdStoreErrorOnHotMiss mirrors the Set case
// for the Delete path, which shares loadCurrent.
func TestEngine_DeletePropagatesColdStoreErrorOnHotMiss(t *testing.T) {
	e := setupTestEngine(t)
	ctx := context.Background()

	_, err := e.Set(ctx, "s7", rawPatch(t, "v1"), nil, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		rec, err := e.cold.Get(ctx, "s7")
		return err == nil && rec.Version == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, e.hot.Delete(ctx, e.key("s7")))
	require.NoError(t, e.cold.Close())

	err = e.Delete(ctx, "s7")
	require.Error(t, err)
}
