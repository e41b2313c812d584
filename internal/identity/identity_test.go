package identity

import (
	"context"
	"testing"
	"time"

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

func TestDeriveRootIDDeterministic(t *testing.T) {
	a := DeriveRootID("host-1", "/p")
	b := DeriveRootID("host-1", "/p")
	require.Equal(t, a, b)
	require.Len(t, a, 32)

	c := DeriveRootID("host-2", "/p")
	require.NotEqual(t, a, c)
}

func TestInitializeIdentityPersistsAcrossRestarts(t *testing.T) {
	c := startTestBroker(t)
	svc := New(c)
	ctx := context.Background()

	first, err := svc.InitializeIdentity(ctx, "0123456789abcdef", "/srv/project")
	require.NoError(t, err)
	require.Equal(t, KindRoot, first.Kind)

	second, err := svc.InitializeIdentity(ctx, "0123456789abcdef", "/srv/project")
	require.NoError(t, err)
	require.Equal(t, first.AgentID, second.AgentID)
	require.Equal(t, first.CreatedAt, second.CreatedAt)
}

func TestInitializeIdentitySubagentRequiresRoot(t *testing.T) {
	c := startTestBroker(t)
	svc := New(c)
	ctx := context.Background()

	t.Setenv(envSubagentType, "reviewer")
	_, err := svc.InitializeIdentity(ctx, "0123456789abcdef", "/srv/project")
	require.Error(t, err)
}

func TestInitializeIdentitySubagentDerivesFromRoot(t *testing.T) {
	c := startTestBroker(t)
	svc := New(c)
	ctx := context.Background()

	root, err := svc.InitializeIdentity(ctx, "fedcba9876543210", "/srv/project")
	require.NoError(t, err)

	t.Setenv(envSubagentType, "reviewer")
	sub, err := svc.InitializeIdentity(ctx, "fedcba9876543210", "/srv/project")
	require.NoError(t, err)
	require.Equal(t, KindSubagent, sub.Kind)
	require.Equal(t, DeriveSubagentID(root.AgentID, "reviewer"), sub.AgentID)
}

func TestInitializeIdentityExplicitOverride(t *testing.T) {
	c := startTestBroker(t)
	svc := New(c)
	ctx := context.Background()

	t.Setenv(envExplicitAgent, "deadbeefdeadbeefdeadbeefdeadbeef")
	rec, err := svc.InitializeIdentity(ctx, "0011223344556677", "/srv/project")
	require.NoError(t, err)
	require.Equal(t, "deadbeefdeadbeefdeadbeefdeadbeef", rec.AgentID)
}
