package inbox

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

func register(t *testing.T, store *registry.Store, handle string) registry.Entry {
	t.Helper()
	entry, err := store.Register(context.Background(), registry.RegisterParams{
		GUID: uuid.NewString(), AgentType: "worker", Handle: handle, Hostname: "h",
		ProjectID: "0123456789abcdef", NatsURL: "nats://localhost:4222", Scope: registry.ScopePublic,
	})
	require.NoError(t, err)
	return entry
}

func TestSendDirectAndReadDirectConsumeOnce(t *testing.T) {
	c := startTestBroker(t)
	store, err := registry.Open(context.Background(), c)
	require.NoError(t, err)
	svc := New(c, store, time.Minute)
	ctx := context.Background()

	sender := register(t, store, "alice")
	recipient := register(t, store, "bob")
	require.NoError(t, svc.EnsureInbox(ctx, recipient.GUID))

	res, err := svc.SendDirect(ctx, sender, recipient.GUID, "", "hello", nil)
	require.NoError(t, err)
	require.NotEmpty(t, res.MessageID)
	require.Equal(t, registry.StatusOnline, res.RecipientStatus)

	read, err := svc.ReadDirect(ctx, recipient.GUID, ReadFilter{Limit: 10})
	require.NoError(t, err)
	require.Len(t, read.Messages, 1)
	require.Equal(t, "hello", read.Messages[0].Content)
	require.False(t, read.HasMore)

	again, err := svc.ReadDirect(ctx, recipient.GUID, ReadFilter{Limit: 10})
	require.NoError(t, err)
	require.Empty(t, again.Messages) // consume-once
}

func TestSendDirectUnknownRecipient(t *testing.T) {
	c := startTestBroker(t)
	store, err := registry.Open(context.Background(), c)
	require.NoError(t, err)
	svc := New(c, store, time.Minute)
	ctx := context.Background()

	sender := register(t, store, "alice")
	_, err = svc.SendDirect(ctx, sender, uuid.NewString(), "", "hi", nil)
	require.Error(t, err)
}

func TestReadDirectEmptyInboxNoError(t *testing.T) {
	c := startTestBroker(t)
	store, err := registry.Open(context.Background(), c)
	require.NoError(t, err)
	svc := New(c, store, time.Minute)
	ctx := context.Background()

	recipient := register(t, store, "carol")
	read, err := svc.ReadDirect(ctx, recipient.GUID, ReadFilter{Limit: 5})
	require.NoError(t, err)
	require.Empty(t, read.Messages)
	require.False(t, read.HasMore)
}

func TestReadDirectFiltersBySenderAndType(t *testing.T) {
	c := startTestBroker(t)
	store, err := registry.Open(context.Background(), c)
	require.NoError(t, err)
	svc := New(c, store, time.Minute)
	ctx := context.Background()

	senderA := register(t, store, "a-sender")
	senderB := register(t, store, "b-sender")
	recipient := register(t, store, "recv")
	require.NoError(t, svc.EnsureInbox(ctx, recipient.GUID))

	_, err = svc.SendDirect(ctx, senderA, recipient.GUID, "alert", "from a", nil)
	require.NoError(t, err)
	_, err = svc.SendDirect(ctx, senderB, recipient.GUID, "text", "from b", nil)
	require.NoError(t, err)

	read, err := svc.ReadDirect(ctx, recipient.GUID, ReadFilter{Limit: 10, SenderGUID: senderA.GUID})
	require.NoError(t, err)
	require.Len(t, read.Messages, 1)
	require.Equal(t, "from a", read.Messages[0].Content)
}
