package channels

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

func TestSendAndReadMessages(t *testing.T) {
	c := startTestBroker(t)
	store := New(c, "a1b2c3d4e5f60708", []Descriptor{{Name: "general"}})
	ctx := context.Background()

	require.NoError(t, store.SendMessage(ctx, "general", "alice", "hello"))
	require.NoError(t, store.SendMessage(ctx, "general", "bob", "world"))

	msgs, err := store.ReadMessages(ctx, "general", 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "hello", msgs[0].Message)
	require.Equal(t, "world", msgs[1].Message)
}

func TestSendRejectsUnconfiguredChannelAndEmptyMessage(t *testing.T) {
	c := startTestBroker(t)
	store := New(c, "a1b2c3d4e5f60708", []Descriptor{{Name: "general"}})
	ctx := context.Background()

	require.Error(t, store.SendMessage(ctx, "unknown", "alice", "hi"))
	require.Error(t, store.SendMessage(ctx, "general", "alice", "   "))
	require.Error(t, store.SendMessage(ctx, "general", "", "hi"))
}

func TestReadMessagesEmptyChannelYieldsNil(t *testing.T) {
	c := startTestBroker(t)
	store := New(c, "a1b2c3d4e5f60708", []Descriptor{{Name: "general"}})
	msgs, err := store.ReadMessages(context.Background(), "general", 10, 0)
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestReadMessagesWindowNeverGoesBelowFirstSeq(t *testing.T) {
	c := startTestBroker(t)
	store := New(c, "a1b2c3d4e5f60708", []Descriptor{{Name: "tight", MaxMessages: 3}})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, store.SendMessage(ctx, "tight", "h", "m"))
	}

	msgs, err := store.ReadMessages(ctx, "tight", 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
}

func TestStatusNotFoundForUnensuredChannel(t *testing.T) {
	c := startTestBroker(t)
	store := New(c, "a1b2c3d4e5f60708", []Descriptor{{Name: "general"}})
	_, err := store.Status(context.Background(), "general")
	require.ErrorIs(t, err, substrate.ErrNotFound)
}

func TestValidChannelName(t *testing.T) {
	require.True(t, ValidChannelName("my-channel-1"))
	require.False(t, ValidChannelName("My_Channel"))
}
