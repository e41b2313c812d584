package workqueue

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

func newQueue(t *testing.T, c *substrate.Client) (*Queue, *registry.Store) {
	t.Helper()
	ctx := context.Background()
	store, err := registry.Open(ctx, c)
	require.NoError(t, err)
	dlq, err := OpenDeadLetterStore(ctx, c)
	require.NoError(t, err)
	return New(c, store, dlq, Options{AckTimeout: time.Minute, MaxDeliveryAttempts: 3}), store
}

func register(t *testing.T, store *registry.Store, caps ...string) registry.Entry {
	t.Helper()
	entry, err := store.Register(context.Background(), registry.RegisterParams{
		GUID: uuid.NewString(), AgentType: "worker", Handle: "h", Hostname: "host",
		ProjectID: "0123456789abcdef", NatsURL: "nats://localhost:4222",
		Capabilities: caps, Scope: registry.ScopePublic,
	})
	require.NoError(t, err)
	return entry
}

func TestStreamNameSanitizesCapability(t *testing.T) {
	require.Equal(t, "WORKQUEUE_TYPESCRIPT", StreamName("typescript"))
	require.Equal(t, "WORKQUEUE_C__", StreamName("c++"))
}

func TestBroadcastAndClaim(t *testing.T) {
	c := startTestBroker(t)
	q, store := newQueue(t, c)
	ctx := context.Background()

	sender := register(t, store)
	claimer := register(t, store, "typescript")

	item, err := q.BroadcastWorkOffer(ctx, sender, BroadcastParams{
		TaskID: "t", Description: "do it", RequiredCapability: "typescript", Priority: 8,
	})
	require.NoError(t, err)
	require.Equal(t, 0, item.Attempts)

	result, err := q.ClaimWork(ctx, claimer, "typescript", 5*time.Second)
	require.NoError(t, err)
	require.True(t, result.Found)
	require.Equal(t, item.ID, result.Item.ID)
	require.Equal(t, 1, result.Item.Attempts)

	second, err := q.ClaimWork(ctx, claimer, "typescript", 200*time.Millisecond)
	require.NoError(t, err)
	require.False(t, second.Found) // first-claim-wins, queue now empty
}

func TestClaimRequiresCapability(t *testing.T) {
	c := startTestBroker(t)
	q, store := newQueue(t, c)
	ctx := context.Background()

	claimer := register(t, store) // no capabilities
	_, err := q.ClaimWork(ctx, claimer, "typescript", time.Second)
	require.Error(t, err)
}

func TestListWorkIsNonDestructive(t *testing.T) {
	c := startTestBroker(t)
	q, store := newQueue(t, c)
	ctx := context.Background()

	sender := register(t, store)
	_, err := q.BroadcastWorkOffer(ctx, sender, BroadcastParams{
		TaskID: "t1", Description: "d", RequiredCapability: "go", Priority: 3,
	})
	require.NoError(t, err)

	listed, err := q.ListWork(ctx, "go", ListFilter{Limit: 10})
	require.NoError(t, err)
	require.Len(t, listed.Items, 1)

	claimer := register(t, store, "go")
	claimed, err := q.ClaimWork(ctx, claimer, "go", time.Second)
	require.NoError(t, err)
	require.True(t, claimed.Found) // item still there after List
}

// TestClaimDeadLettersOnFinalDelivery drives a real redelivery cycle (via
// Nak, not by calling deadLetter directly) until the item reaches its final
// permitted delivery, and checks that ClaimWork dead-letters it there
// instead of handing it out, removing it from the capability stream.
func TestClaimDeadLettersOnFinalDelivery(t *testing.T) {
	c := startTestBroker(t)
	q, store := newQueue(t, c) // MaxDeliveryAttempts: 3
	ctx := context.Background()

	sender := register(t, store)
	claimer := register(t, store, "rust")

	item, err := q.BroadcastWorkOffer(ctx, sender, BroadcastParams{
		TaskID: "t", Description: "d", RequiredCapability: "rust", Priority: 5,
	})
	require.NoError(t, err)

	// Nak the item twice so its next delivery (the third, and final, one
	// permitted by MaxDeliveryAttempts) is the one ClaimWork observes.
	for i := 0; i < 2; i++ {
		consumer, err := q.client.Consumer(ctx, StreamName("rust"), durableName)
		require.NoError(t, err)
		batch, err := q.client.Fetch(consumer, 1, time.Second)
		require.NoError(t, err)
		for m := range batch.Messages() {
			require.NoError(t, m.Nak())
		}
	}

	result, err := q.ClaimWork(ctx, claimer, "rust", time.Second)
	require.NoError(t, err)
	require.False(t, result.Found)

	dlqItems, err := q.ListDeadLetterItems(ctx, "rust", 10)
	require.NoError(t, err)
	require.Len(t, dlqItems, 1)
	require.Equal(t, item.ID, dlqItems[0].ID)
	require.Equal(t, "max delivery attempts exceeded", dlqItems[0].Reason)

	status, err := q.QueueStatus(ctx, "rust")
	require.NoError(t, err)
	require.Len(t, status, 1)
	require.Equal(t, uint64(0), status[0].Messages)
}

func TestQueueStatusAggregatesAllCapabilities(t *testing.T) {
	c := startTestBroker(t)
	q, store := newQueue(t, c)
	ctx := context.Background()
	sender := register(t, store)

	_, err := q.BroadcastWorkOffer(ctx, sender, BroadcastParams{TaskID: "a", Description: "d", RequiredCapability: "rust", Priority: 5})
	require.NoError(t, err)
	_, err = q.BroadcastWorkOffer(ctx, sender, BroadcastParams{TaskID: "b", Description: "d", RequiredCapability: "go", Priority: 5})
	require.NoError(t, err)

	all, err := q.QueueStatus(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 2)

	single, err := q.QueueStatus(ctx, "rust")
	require.NoError(t, err)
	require.Len(t, single, 1)
	require.Equal(t, uint64(1), single[0].Messages)
}

func TestDLQRetryAndDiscard(t *testing.T) {
	c := startTestBroker(t)
	q, store := newQueue(t, c)
	ctx := context.Background()
	sender := register(t, store)

	item, err := q.BroadcastWorkOffer(ctx, sender, BroadcastParams{
		TaskID: "t", Description: "d", RequiredCapability: "java", Priority: 5,
	})
	require.NoError(t, err)

	require.NoError(t, q.deadLetter(ctx, item, "manual test", []string{"boom"}))

	listed, err := q.ListDeadLetterItems(ctx, "java", 10)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	require.Equal(t, "manual test", listed[0].Reason)

	retried, err := q.RetryDeadLetterItem(ctx, item.ID, true)
	require.NoError(t, err)
	require.Equal(t, 0, retried.Attempts)

	afterRetry, err := q.ListDeadLetterItems(ctx, "java", 10)
	require.NoError(t, err)
	require.Empty(t, afterRetry)

	claimer := register(t, store, "java")
	claimed, err := q.ClaimWork(ctx, claimer, "java", time.Second)
	require.NoError(t, err)
	require.True(t, claimed.Found)

	require.NoError(t, q.deadLetter(ctx, item, "again", nil))
	require.NoError(t, q.DiscardDeadLetterItem(ctx, item.ID))
	afterDiscard, err := q.ListDeadLetterItems(ctx, "java", 10)
	require.NoError(t, err)
	require.Empty(t, afterDiscard)
}
