package engine

import (
	"context"
	"testing"
	"time"

	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/registry"
	"github.com/loomworks/loom/internal/substrate"
	"github.com/stretchr/testify/require"
)

func startEmbedded(t *testing.T) *substrate.EmbeddedServer {
	t.Helper()
	srv, err := substrate.StartEmbedded(substrate.EmbeddedConfig{StoreDir: t.TempDir(), Port: -1})
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)
	return srv
}

func connect(t *testing.T, srv *substrate.EmbeddedServer) *substrate.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := substrate.Connect(ctx, srv.ClientURL())
	require.NoError(t, err)
	return c
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load(t.TempDir())
	require.NoError(t, err)
	cfg.ProjectID = "0123456789abcdef"
	cfg.Namespace = "0123456789abcdef"
	return cfg
}

func TestRegisterAgentIsStableAcrossReconnects(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	srv := startEmbedded(t)

	c1 := connect(t, srv)
	eng1, err := New(ctx, cfg, c1)
	require.NoError(t, err)
	require.NoError(t, eng1.Start(ctx))

	t.Setenv("EXPLICIT_AGENT_ID", "fixedagentidfixedagentidfixed01")
	session1, err := eng1.RegisterAgent(ctx, RegisterAgentParams{AgentType: "worker", Scope: registry.ScopePublic})
	require.NoError(t, err)
	eng1.Shutdown()

	c2 := connect(t, srv)
	eng2, err := New(ctx, cfg, c2)
	require.NoError(t, err)
	require.NoError(t, eng2.Start(ctx))
	defer eng2.Shutdown()

	session2, err := eng2.RegisterAgent(ctx, RegisterAgentParams{AgentType: "worker", Scope: registry.ScopePublic})
	require.NoError(t, err)

	require.Equal(t, session1.Entry.GUID, session2.Entry.GUID)
	require.Equal(t, session1.Entry.RegisteredAt, session2.Entry.RegisteredAt)
}

func TestUpdatePresenceOfflineStopsHeartbeat(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	srv := startEmbedded(t)
	c := connect(t, srv)
	eng, err := New(ctx, cfg, c)
	require.NoError(t, err)
	require.NoError(t, eng.Start(ctx))
	defer eng.Shutdown()

	t.Setenv("EXPLICIT_AGENT_ID", "anotherfixedagentid0000000000aa")
	session, err := eng.RegisterAgent(ctx, RegisterAgentParams{AgentType: "worker", Scope: registry.ScopePublic})
	require.NoError(t, err)

	require.NoError(t, eng.Deregister(ctx, session))

	got, err := eng.Registry().Get(ctx, session.Entry.GUID)
	require.NoError(t, err)
	require.Equal(t, registry.StatusOffline, got.Status)
}
