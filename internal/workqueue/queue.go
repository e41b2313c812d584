package workqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/loomworks/loom/internal/registry"
	"github.com/loomworks/loom/internal/substrate"
)

const (
	streamPrefix    = "WORKQUEUE_"
	durableName     = "workqueue-claimer"
	nonAlnumPattern = `[^A-Z0-9]`
)

var nonAlnum = regexp.MustCompile(nonAlnumPattern)

// StreamName returns the capability stream's name: the capability
// uppercased with each non-alphanumeric character replaced by "_".
func StreamName(capability string) string {
	upper := strings.ToUpper(capability)
	return streamPrefix + nonAlnum.ReplaceAllString(upper, "_")
}

func subjectName(capability string) string {
	return "work." + strings.ToLower(nonAlnum.ReplaceAllString(strings.ToUpper(capability), "_"))
}

// Options configures ack timeout, delivery budget, and retention for every
// capability stream and consumer this Queue creates.
type Options struct {
	AckTimeout          time.Duration
	MaxDeliveryAttempts int
	MaxMessages         int64
	MaxBytes            int64
	MaxAge              time.Duration
}

func (o Options) withDefaults() Options {
	if o.AckTimeout <= 0 {
		o.AckTimeout = 5 * time.Minute
	}
	if o.MaxDeliveryAttempts <= 0 {
		o.MaxDeliveryAttempts = 3
	}
	if o.MaxMessages <= 0 {
		o.MaxMessages = 10000
	}
	if o.MaxAge <= 0 {
		o.MaxAge = 7 * 24 * time.Hour
	}
	return o
}

// Queue implements BroadcastWorkOffer/ClaimWork/ListWork/QueueStatus on top
// of one JetStream stream per capability.
type Queue struct {
	client   *substrate.Client
	registry *registry.Store
	dlq      *DeadLetterStore
	opts     Options
}

// New creates a Queue bound to client and registry, with a dead-letter
// store sharing the same substrate connection.
func New(client *substrate.Client, reg *registry.Store, dlq *DeadLetterStore, opts Options) *Queue {
	return &Queue{client: client, registry: reg, dlq: dlq, opts: opts.withDefaults()}
}

func (q *Queue) ensureCapabilityStream(ctx context.Context, capability string) error {
	name := StreamName(capability)
	// WorkQueuePolicy: a claim's Ack() destructively removes the message from
	// the stream, matching the competing-consumer contract in §4.6 (the
	// teacher uses the same policy for its webhook retry stream,
	// internal/nats/client.go's WebhookRetryStream).
	if err := q.client.EnsureStream(ctx, name, []string{subjectName(capability)}, substrate.RetentionLimits{
		MaxMessages: q.opts.MaxMessages,
		MaxBytes:    q.opts.MaxBytes,
		MaxAge:      q.opts.MaxAge,
		Policy:      substrate.RetentionWorkQueuePolicy,
	}); err != nil {
		return fmt.Errorf("workqueue: ensure stream %s: %w", name, err)
	}
	if _, err := q.client.EnsureConsumer(ctx, name, durableName, q.opts.AckTimeout, q.opts.MaxDeliveryAttempts); err != nil {
		return fmt.Errorf("workqueue: ensure consumer %s: %w", name, err)
	}
	return nil
}

// BroadcastWorkOffer validates sender, priority, and required fields, then
// publishes a fresh WorkItem to the capability stream.
func (q *Queue) BroadcastWorkOffer(ctx context.Context, sender registry.Entry, p BroadcastParams) (WorkItem, error) {
	if p.TaskID == "" {
		return WorkItem{}, fmt.Errorf("taskId: must not be empty")
	}
	if p.Description == "" {
		return WorkItem{}, fmt.Errorf("description: must not be empty")
	}
	if p.RequiredCapability == "" {
		return WorkItem{}, fmt.Errorf("requiredCapability: must not be empty")
	}
	if p.Priority == 0 {
		p.Priority = 5
	}
	if p.Priority < 1 || p.Priority > 10 {
		return WorkItem{}, fmt.Errorf("priority: must be in [1,10]")
	}
	if p.Scope == "" {
		p.Scope = "team"
	}

	if err := q.ensureCapabilityStream(ctx, p.RequiredCapability); err != nil {
		return WorkItem{}, err
	}

	item := WorkItem{
		ID:          uuid.NewString(),
		TaskID:      p.TaskID,
		Capability:  p.RequiredCapability,
		Description: p.Description,
		Priority:    p.Priority,
		Deadline:    p.Deadline,
		ContextData: p.ContextData,
		OfferedBy:   sender.GUID,
		OfferedAt:   time.Now().UTC(),
		Attempts:    0,
		Scope:       p.Scope,
	}
	data, err := json.Marshal(item)
	if err != nil {
		return WorkItem{}, fmt.Errorf("workqueue: encode item: %w", err)
	}
	if _, err := q.client.Publish(ctx, subjectName(p.RequiredCapability), data, item.ID); err != nil {
		return WorkItem{}, fmt.Errorf("workqueue: publish: %w", err)
	}
	return item, nil
}

// ClaimResult is returned by ClaimWork.
type ClaimResult struct {
	Item  *WorkItem
	Found bool
}

// ClaimWork requires claimer to hold capability, fetches at most one
// message within timeout, acknowledges it on success (destructive removal),
// and returns it with Attempts incremented to reflect this delivery.
// Timeout or an empty queue yields ClaimResult{Found:false}, not an error.
func (q *Queue) ClaimWork(ctx context.Context, claimer registry.Entry, capability string, timeout time.Duration) (ClaimResult, error) {
	if !hasCapability(claimer, capability) {
		return ClaimResult{}, fmt.Errorf("claimer does not hold capability %q", capability)
	}
	if timeout <= 0 || timeout > 30*time.Second {
		timeout = 5 * time.Second
	}

	consumer, err := q.client.Consumer(ctx, StreamName(capability), durableName)
	if err != nil {
		if errors.Is(err, substrate.ErrNotFound) {
			return ClaimResult{Found: false}, nil
		}
		return ClaimResult{}, fmt.Errorf("workqueue: lookup consumer: %w", err)
	}

	batch, err := q.client.Fetch(consumer, 1, timeout)
	if err != nil {
		return ClaimResult{Found: false}, nil
	}

	for raw := range batch.Messages() {
		var item WorkItem
		if err := json.Unmarshal(raw.Data(), &item); err != nil {
			_ = raw.Ack()
			continue
		}

		// NumDelivered reaching MaxDeliveryAttempts is this message's last
		// permitted delivery: the consumer's own MaxDeliver cap (set in
		// ensureCapabilityStream) means JetStream will not redeliver it
		// again, so it must be dead-lettered here rather than given a claim
		// that depends on this attempt succeeding end-to-end.
		if meta, err := raw.Metadata(); err == nil && int(meta.NumDelivered) >= q.opts.MaxDeliveryAttempts {
			item.Attempts = int(meta.NumDelivered)
			if err := q.deadLetter(ctx, item, "max delivery attempts exceeded", nil); err != nil {
				_ = raw.Nak()
			} else {
				_ = raw.Ack()
			}
			return ClaimResult{Found: false}, nil
		}

		item.Attempts++
		_ = raw.Ack()
		return ClaimResult{Item: &item, Found: true}, nil
	}
	return ClaimResult{Found: false}, nil
}

func hasCapability(e registry.Entry, capability string) bool {
	for _, c := range e.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// ListWork reads the capability stream by sequence range, without
// acknowledging, and applies filter in-memory.
func (q *Queue) ListWork(ctx context.Context, capability string, filter ListFilter) (ListResult, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	info, err := q.client.StreamInfo(ctx, StreamName(capability))
	if err != nil {
		if errors.Is(err, substrate.ErrNotFound) {
			return ListResult{}, nil
		}
		return ListResult{}, fmt.Errorf("workqueue: stream info: %w", err)
	}
	if info.Messages == 0 {
		return ListResult{}, nil
	}

	raw, err := q.client.ReadByRange(ctx, StreamName(capability), info.FirstSeq, info.LastSeq)
	if err != nil {
		return ListResult{}, fmt.Errorf("workqueue: read range: %w", err)
	}

	var matched []WorkItem
	for _, m := range raw {
		var item WorkItem
		if err := json.Unmarshal(m.Data, &item); err != nil {
			continue
		}
		if filter.MinPriority != 0 && item.Priority < filter.MinPriority {
			continue
		}
		if filter.MaxPriority != 0 && item.Priority > filter.MaxPriority {
			continue
		}
		if filter.DeadlineBefore != nil && (item.Deadline == nil || !item.Deadline.Before(*filter.DeadlineBefore)) {
			continue
		}
		if filter.DeadlineAfter != nil && (item.Deadline == nil || !item.Deadline.After(*filter.DeadlineAfter)) {
			continue
		}
		matched = append(matched, item)
	}

	truncated := false
	if len(matched) > limit {
		matched = matched[:limit]
		truncated = true
	}
	return ListResult{Items: matched, Total: len(matched), Truncated: truncated}, nil
}

// QueueStatus returns metrics for capability, or for every non-empty
// capability stream (sorted by message count descending) if capability is
// empty.
func (q *Queue) QueueStatus(ctx context.Context, capability string) ([]QueueMetrics, error) {
	if capability != "" {
		info, err := q.client.StreamInfo(ctx, StreamName(capability))
		if err != nil {
			if errors.Is(err, substrate.ErrNotFound) {
				return nil, nil
			}
			return nil, fmt.Errorf("workqueue: stream info: %w", err)
		}
		return []QueueMetrics{{
			Capability: capability, Messages: info.Messages, Bytes: info.Bytes,
			FirstSeq: info.FirstSeq, LastSeq: info.LastSeq,
		}}, nil
	}

	names, err := q.client.StreamNamesWithPrefix(ctx, streamPrefix)
	if err != nil {
		return nil, fmt.Errorf("workqueue: list streams: %w", err)
	}

	var metrics []QueueMetrics
	for _, name := range names {
		info, err := q.client.StreamInfo(ctx, name)
		if err != nil {
			continue
		}
		if info.Messages == 0 {
			continue
		}
		metrics = append(metrics, QueueMetrics{
			Capability: strings.TrimPrefix(name, streamPrefix),
			Messages:   info.Messages, Bytes: info.Bytes, FirstSeq: info.FirstSeq, LastSeq: info.LastSeq,
		})
	}
	sortMetricsDescending(metrics)
	return metrics, nil
}

func sortMetricsDescending(m []QueueMetrics) {
	for i := 1; i < len(m); i++ {
		for j := i; j > 0 && m[j].Messages > m[j-1].Messages; j-- {
			m[j], m[j-1] = m[j-1], m[j]
		}
	}
}
