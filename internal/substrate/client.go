// Package substrate wraps the NATS JetStream messaging fabric behind the
// four primitives the coordination engine needs: durable streams, durable
// consumers, KV buckets, and plain publish. It is the only package in this
// module that imports github.com/nats-io/nats.go directly; every other
// component talks to a *Client.
package substrate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// RetentionPolicy selects how a stream retires messages once a consumer has
// acknowledged them.
type RetentionPolicy int

const (
	// RetentionLimitsPolicy keeps every published message until count/byte/age
	// limits evict it, regardless of acknowledgement. Suitable for inbox and
	// channel streams, which are re-readable.
	RetentionLimitsPolicy RetentionPolicy = iota
	// RetentionWorkQueuePolicy removes a message as soon as any consumer
	// acknowledges it, on top of the same count/byte/age limits. Required for
	// competing-consumer work queues, where a claim must be destructive.
	RetentionWorkQueuePolicy
)

// RetentionLimits bounds a stream by count, bytes, and age, and selects its
// retention policy. Zero fields are left unset (unlimited) for that
// dimension; the zero Policy is RetentionLimitsPolicy.
type RetentionLimits struct {
	MaxMessages int64
	MaxBytes    int64
	MaxAge      time.Duration
	Policy      RetentionPolicy
}

// Client wraps a NATS connection and its JetStream context; KV buckets opened
// through it are returned as separate *KVBucket values. All operations are
// safe for concurrent use.
type Client struct {
	conn *nats.Conn
	js   jetstream.JetStream
}

// Connect dials the substrate, retrying with jittered exponential backoff
// (1s -> 60s) up to 10 attempts before giving up, per the connection-error
// policy. Once connected, nats.go's own reconnect logic takes over with
// unlimited retries and a 1s reconnect wait.
func Connect(ctx context.Context, url string) (*Client, error) {
	var nc *nats.Conn
	err := retryWithBackoff(ctx, defaultStartupBackoff, func(context.Context) error {
		var dialErr error
		nc, dialErr = nats.Connect(url,
			nats.MaxReconnects(-1),
			nats.ReconnectWait(time.Second),
			nats.Timeout(10*time.Second),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				if err != nil {
					slog.Warn("substrate disconnected", "error", err)
				}
			}),
			nats.ReconnectHandler(func(_ *nats.Conn) {
				slog.Info("substrate reconnected")
			}),
		)
		return dialErr
	})
	if err != nil {
		return nil, &ConnectionError{URL: url, Err: err}
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	return &Client{conn: nc, js: js}, nil
}

// Close drains the connection (flushing pending publishes) and closes it.
func (c *Client) Close() {
	if c.conn != nil {
		_ = c.conn.Drain()
	}
}

// IsConnected reports whether the underlying connection is up.
func (c *Client) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}

// JetStream exposes the raw JetStream context for components that need
// capabilities this wrapper does not expose directly (e.g. consumer Fetch
// iteration).
func (c *Client) JetStream() jetstream.JetStream {
	return c.js
}

// EnsureStream idempotently creates name with the given subjects and
// retention. If the stream already exists with any configuration, that is
// treated as success (no reconfiguration is attempted) — "already in use" is
// not an error here.
func (c *Client) EnsureStream(ctx context.Context, name string, subjects []string, retention RetentionLimits) error {
	_, err := c.js.Stream(ctx, name)
	if err == nil {
		return nil
	}
	if !errors.Is(err, jetstream.ErrStreamNotFound) {
		return fmt.Errorf("lookup stream %q: %w", name, err)
	}

	cfg := jetstream.StreamConfig{
		Name:      name,
		Subjects:  subjects,
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		Replicas:  1,
		Discard:   jetstream.DiscardOld,
	}
	if retention.Policy == RetentionWorkQueuePolicy {
		cfg.Retention = jetstream.WorkQueuePolicy
	}
	if retention.MaxMessages > 0 {
		cfg.MaxMsgs = retention.MaxMessages
	}
	if retention.MaxBytes > 0 {
		cfg.MaxBytes = retention.MaxBytes
	}
	if retention.MaxAge > 0 {
		cfg.MaxAge = retention.MaxAge
	}

	_, err = c.js.CreateStream(ctx, cfg)
	if err != nil {
		if errors.Is(err, jetstream.ErrStreamNameAlreadyInUse) {
			return nil
		}
		return fmt.Errorf("create stream %q: %w", name, err)
	}
	slog.Info("stream ready", "name", name)
	return nil
}

// EnsureConsumer idempotently creates a durable consumer on stream with
// explicit acknowledgement.
func (c *Client) EnsureConsumer(ctx context.Context, stream, name string, ackWait time.Duration, maxDeliver int) (jetstream.Consumer, error) {
	str, err := c.js.Stream(ctx, stream)
	if err != nil {
		if errors.Is(err, jetstream.ErrStreamNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("lookup stream %q: %w", stream, err)
	}

	cons, err := str.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:    name,
		AckPolicy:  jetstream.AckExplicitPolicy,
		AckWait:    ackWait,
		MaxDeliver: maxDeliver,
	})
	if err != nil {
		return nil, fmt.Errorf("create consumer %q on %q: %w", name, stream, err)
	}
	return cons, nil
}

// Consumer returns an existing durable consumer handle without creating it.
func (c *Client) Consumer(ctx context.Context, stream, name string) (jetstream.Consumer, error) {
	str, err := c.js.Stream(ctx, stream)
	if err != nil {
		if errors.Is(err, jetstream.ErrStreamNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("lookup stream %q: %w", stream, err)
	}
	cons, err := str.Consumer(ctx, name)
	if err != nil {
		if errors.Is(err, jetstream.ErrConsumerNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("lookup consumer %q on %q: %w", name, stream, err)
	}
	return cons, nil
}

// Ack is the subset of jetstream.Msg this package's callers need.
type Ack interface {
	Ack() error
	Nak() error
	Data() []byte
	Subject() string
}

// Fetch pulls up to maxMessages from consumer, waiting at most maxWait for
// the first message. It returns a possibly-short batch; callers may stop
// iterating early without losing consumer position.
func (c *Client) Fetch(consumer jetstream.Consumer, maxMessages int, maxWait time.Duration) (jetstream.MessageBatch, error) {
	return consumer.Fetch(maxMessages, jetstream.FetchMaxWait(maxWait))
}

// PublishAck reports where a published message landed.
type PublishAck struct {
	Stream   string
	Sequence uint64
}

// Publish serializes nothing itself — callers pass the already-encoded
// payload — and publishes it to subject, deduplicating on msgID when
// non-empty.
func (c *Client) Publish(ctx context.Context, subject string, data []byte, msgID string) (PublishAck, error) {
	opts := []jetstream.PublishOpt{}
	if msgID != "" {
		opts = append(opts, jetstream.WithMsgID(msgID))
	}
	ack, err := c.js.Publish(ctx, subject, data, opts...)
	if err != nil {
		return PublishAck{}, &PublishError{Subject: subject, Err: err}
	}
	return PublishAck{Stream: ack.Stream, Sequence: ack.Sequence}, nil
}

// StreamMetrics mirrors the slice of jetstream.StreamInfo this module cares about.
type StreamMetrics struct {
	Messages uint64
	Bytes    uint64
	FirstSeq uint64
	LastSeq  uint64
}

// StreamInfo returns current metrics for stream, or ErrNotFound if it does
// not exist.
func (c *Client) StreamInfo(ctx context.Context, stream string) (StreamMetrics, error) {
	str, err := c.js.Stream(ctx, stream)
	if err != nil {
		if errors.Is(err, jetstream.ErrStreamNotFound) {
			return StreamMetrics{}, ErrNotFound
		}
		return StreamMetrics{}, fmt.Errorf("lookup stream %q: %w", stream, err)
	}
	info, err := str.Info(ctx)
	if err != nil {
		return StreamMetrics{}, fmt.Errorf("stream info %q: %w", stream, err)
	}
	return StreamMetrics{
		Messages: info.State.Msgs,
		Bytes:    info.State.Bytes,
		FirstSeq: info.State.FirstSeq,
		LastSeq:  info.State.LastSeq,
	}, nil
}

// RawMessage is a single stored message fetched directly by sequence.
type RawMessage struct {
	Sequence uint64
	Subject  string
	Data     []byte
	Time     time.Time
}

// ReadByRange reads sequences [fromSeq, toSeq] inclusive from stream via
// direct-by-sequence gets. Missing sequences (deleted or expired by
// retention) are skipped silently; any other per-sequence error is logged
// and skipped rather than aborting the whole range.
func (c *Client) ReadByRange(ctx context.Context, stream string, fromSeq, toSeq uint64) ([]RawMessage, error) {
	str, err := c.js.Stream(ctx, stream)
	if err != nil {
		if errors.Is(err, jetstream.ErrStreamNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("lookup stream %q: %w", stream, err)
	}

	if toSeq < fromSeq {
		return nil, nil
	}

	out := make([]RawMessage, 0, toSeq-fromSeq+1)
	for seq := fromSeq; seq <= toSeq; seq++ {
		msg, err := str.GetMsg(ctx, seq)
		if err != nil {
			if errors.Is(err, jetstream.ErrMsgNotFound) {
				continue
			}
			slog.Warn("skipping sequence after read error", "stream", stream, "seq", seq, "error", err)
			continue
		}
		out = append(out, RawMessage{
			Sequence: seq,
			Subject:  msg.Subject,
			Data:     msg.Data,
			Time:     msg.Time,
		})
	}
	return out, nil
}

// DeleteMessage removes a single message by sequence from stream.
func (c *Client) DeleteMessage(ctx context.Context, stream string, seq uint64) error {
	str, err := c.js.Stream(ctx, stream)
	if err != nil {
		if errors.Is(err, jetstream.ErrStreamNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("lookup stream %q: %w", stream, err)
	}
	return str.DeleteMsg(ctx, seq)
}

// StreamNamesWithPrefix lists all stream names beginning with prefix.
func (c *Client) StreamNamesWithPrefix(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	lister := c.js.StreamNames(ctx)
	for name := range lister.Name() {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	if err := lister.Err(); err != nil {
		return names, fmt.Errorf("list streams: %w", err)
	}
	return names, nil
}
