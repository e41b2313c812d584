package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/loomworks/loom/internal/registry"
	"github.com/loomworks/loom/internal/substrate"
	"github.com/stretchr/testify/require"
)

func startTestBroker(t *testing.T) *substrate.Client {
	t.Helper()
	srv, err := substrate.StartEmbedded(substrate.EmbeddedConfig{StoreDir: t.TempDir(), Port: -1})
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := substrate.Connect(ctx, srv.ClientURL())
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func registerOne(t *testing.T, store *registry.Store) registry.Entry {
	t.Helper()
	entry, err := store.Register(context.Background(), registry.RegisterParams{
		GUID: uuid.NewString(), AgentType: "worker", Handle: "a", Hostname: "h",
		ProjectID: "0123456789abcdef", NatsURL: "nats://localhost:4222", Scope: registry.ScopePublic,
	})
	require.NoError(t, err)
	return entry
}

func TestHeartbeatWritesImmediatelyAndOnTicks(t *testing.T) {
	c := startTestBroker(t)
	store, err := registry.Open(context.Background(), c)
	require.NoError(t, err)
	entry := registerOne(t, store)

	initial, err := store.Get(context.Background(), entry.GUID)
	require.NoError(t, err)

	hb := NewHeartbeat(store, 200*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hb.Start(ctx, entry.GUID)

	time.Sleep(50 * time.Millisecond)
	afterImmediate, err := store.Get(context.Background(), entry.GUID)
	require.NoError(t, err)
	require.True(t, afterImmediate.LastHeartbeat.After(initial.LastHeartbeat))

	time.Sleep(500 * time.Millisecond)
	afterTicks, err := store.Get(context.Background(), entry.GUID)
	require.NoError(t, err)
	require.True(t, afterTicks.LastHeartbeat.After(afterImmediate.LastHeartbeat))

	hb.Stop()
}

func TestHeartbeatSupersession(t *testing.T) {
	c := startTestBroker(t)
	store, err := registry.Open(context.Background(), c)
	require.NoError(t, err)
	entry := registerOne(t, store)

	hb := NewHeartbeat(store, 50*time.Millisecond)
	ctx := context.Background()
	hb.Start(ctx, entry.GUID)
	time.Sleep(20 * time.Millisecond)
	hb.Start(ctx, entry.GUID) // supersedes the first loop

	time.Sleep(150 * time.Millisecond)
	got, err := store.Get(context.Background(), entry.GUID)
	require.NoError(t, err)
	require.False(t, got.LastHeartbeat.IsZero())

	hb.Stop()
}

func TestGCMarksStaleAndDeletesByTTLDryRun(t *testing.T) {
	c := startTestBroker(t)
	store, err := registry.Open(context.Background(), c)
	require.NoError(t, err)
	ctx := context.Background()

	stale := registerOne(t, store)
	stale.LastHeartbeat = time.Now().UTC().Add(-200 * time.Second)
	require.NoError(t, store.Put(ctx, stale))

	expired, err := store.Register(ctx, registry.RegisterParams{
		GUID: uuid.NewString(), AgentType: "worker", Handle: "b", Hostname: "h",
		ProjectID: "0123456789abcdef", NatsURL: "nats://localhost:4222", Scope: registry.ScopePublic,
	})
	require.NoError(t, err)
	expired.RegisteredAt = time.Now().UTC().Add(-25 * time.Hour)
	expired.LastHeartbeat = time.Now().UTC().Add(-25 * time.Hour)
	require.NoError(t, store.Put(ctx, expired))

	gc := NewGC(store, time.Minute, GCOptions{StaleThreshold: 180 * time.Second, TTL: 24 * time.Hour, DryRun: true})
	result := gc.Sweep(ctx)

	require.Equal(t, 2, result.Scanned)
	require.Equal(t, 1, result.MarkedOffline)
	require.Equal(t, 1, result.Deleted)
	require.Empty(t, result.Errors)

	unchanged, err := store.Get(ctx, stale.GUID)
	require.NoError(t, err)
	require.Equal(t, registry.StatusOnline, unchanged.Status) // dry run must not mutate

	_, err = store.Get(ctx, expired.GUID)
	require.NoError(t, err) // dry run must not delete
}

func TestGCStalenessIsStrict(t *testing.T) {
	c := startTestBroker(t)
	store, err := registry.Open(context.Background(), c)
	require.NoError(t, err)
	ctx := context.Background()

	entry := registerOne(t, store)
	entry.LastHeartbeat = time.Now().UTC().Add(-180 * time.Second)
	require.NoError(t, store.Put(ctx, entry))

	gc := NewGC(store, time.Minute, GCOptions{StaleThreshold: 180 * time.Second, TTL: 24 * time.Hour})
	result := gc.Sweep(ctx)
	require.Equal(t, 0, result.MarkedOffline) // exactly at threshold is not stale
}

func TestGCActuallyMutatesWhenNotDryRun(t *testing.T) {
	c := startTestBroker(t)
	store, err := registry.Open(context.Background(), c)
	require.NoError(t, err)
	ctx := context.Background()

	entry := registerOne(t, store)
	entry.LastHeartbeat = time.Now().UTC().Add(-181 * time.Second)
	require.NoError(t, store.Put(ctx, entry))

	gc := NewGC(store, time.Minute, GCOptions{StaleThreshold: 180 * time.Second, TTL: 24 * time.Hour})
	result := gc.Sweep(ctx)
	require.Equal(t, 1, result.MarkedOffline)

	got, err := store.Get(ctx, entry.GUID)
	require.NoError(t, err)
	require.Equal(t, registry.StatusOffline, got.Status)
}
