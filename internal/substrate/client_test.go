package substrate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// startTestBroker spins up an embedded NATS+JetStream server and returns a
// connected Client, tearing both down on test cleanup.
func startTestBroker(t *testing.T) *Client {
	t.Helper()

	srv, err := StartEmbedded(EmbeddedConfig{StoreDir: t.TempDir(), Port: -1})
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Connect(ctx, srv.ClientURL())
	require.NoError(t, err)
	t.Cleanup(c.Close)

	return c
}

func TestEnsureStreamIdempotent(t *testing.T) {
	c := startTestBroker(t)
	ctx := context.Background()

	require.NoError(t, c.EnsureStream(ctx, "TEST_STREAM", []string{"test.>"}, RetentionLimits{MaxMessages: 100}))
	require.NoError(t, c.EnsureStream(ctx, "TEST_STREAM", []string{"test.>"}, RetentionLimits{MaxMessages: 100}))

	info, err := c.StreamInfo(ctx, "TEST_STREAM")
	require.NoError(t, err)
	require.Equal(t, uint64(0), info.Messages)
}

func TestPublishAndReadByRange(t *testing.T) {
	c := startTestBroker(t)
	ctx := context.Background()

	require.NoError(t, c.EnsureStream(ctx, "RANGE_STREAM", []string{"range.>"}, RetentionLimits{}))

	for i := 0; i < 5; i++ {
		_, err := c.Publish(ctx, "range.msg", []byte("hello"), "")
		require.NoError(t, err)
	}

	info, err := c.StreamInfo(ctx, "RANGE_STREAM")
	require.NoError(t, err)
	require.Equal(t, uint64(5), info.Messages)

	msgs, err := c.ReadByRange(ctx, "RANGE_STREAM", info.FirstSeq, info.LastSeq)
	require.NoError(t, err)
	require.Len(t, msgs, 5)
	for _, m := range msgs {
		require.Equal(t, "hello", string(m.Data))
	}
}

func TestReadByRangeToleratesGaps(t *testing.T) {
	c := startTestBroker(t)
	ctx := context.Background()

	require.NoError(t, c.EnsureStream(ctx, "GAP_STREAM", []string{"gap.>"}, RetentionLimits{}))
	for i := 0; i < 3; i++ {
		_, err := c.Publish(ctx, "gap.msg", []byte("x"), "")
		require.NoError(t, err)
	}
	require.NoError(t, c.DeleteMessage(ctx, "GAP_STREAM", 2))

	msgs, err := c.ReadByRange(ctx, "GAP_STREAM", 1, 3)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
}

func TestStreamInfoNotFound(t *testing.T) {
	c := startTestBroker(t)
	_, err := c.StreamInfo(context.Background(), "MISSING_STREAM")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestEnsureConsumerAndFetch(t *testing.T) {
	c := startTestBroker(t)
	ctx := context.Background()

	require.NoError(t, c.EnsureStream(ctx, "FETCH_STREAM", []string{"fetch.>"}, RetentionLimits{}))
	cons, err := c.EnsureConsumer(ctx, "FETCH_STREAM", "fetch-dur", 5*time.Minute, 3)
	require.NoError(t, err)

	_, err = c.Publish(ctx, "fetch.a", []byte("one"), "")
	require.NoError(t, err)

	batch, err := c.Fetch(cons, 1, 2*time.Second)
	require.NoError(t, err)

	count := 0
	for msg := range batch.Messages() {
		count++
		require.NoError(t, msg.Ack())
	}
	require.Equal(t, 1, count)
}

func TestKVRoundTrip(t *testing.T) {
	c := startTestBroker(t)
	ctx := context.Background()

	bucket, err := c.EnsureKVBucket(ctx, "test-bucket")
	require.NoError(t, err)

	require.NoError(t, bucket.Put(ctx, "k1", []byte("v1")))
	v, err := bucket.Get(ctx, "k1")
	require.NoError(t, err)
	require.Equal(t, "v1", string(v))

	_, err = bucket.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	keys, err := bucket.List(ctx)
	require.NoError(t, err)
	require.Contains(t, keys, "k1")

	require.NoError(t, bucket.Delete(ctx, "k1"))
	_, err = bucket.Get(ctx, "k1")
	require.ErrorIs(t, err, ErrNotFound)
}
