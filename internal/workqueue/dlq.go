package workqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/loomworks/loom/internal/substrate"
)

const dlqBucketName = "loom-dlq"

// DeadLetterStore persists exhausted WorkItems keyed by their original id.
// A KV bucket (rather than a stream) is used because the DLQ needs
// random-access delete-by-id for Retry/Discard, not ordered replay.
type DeadLetterStore struct {
	bucket *substrate.KVBucket
}

// OpenDeadLetterStore idempotently ensures the DLQ bucket exists.
func OpenDeadLetterStore(ctx context.Context, client *substrate.Client) (*DeadLetterStore, error) {
	bucket, err := client.EnsureKVBucket(ctx, dlqBucketName)
	if err != nil {
		return nil, fmt.Errorf("workqueue: open dlq bucket: %w", err)
	}
	return &DeadLetterStore{bucket: bucket}, nil
}

func (d *DeadLetterStore) put(ctx context.Context, item DLQItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("workqueue: encode dlq item: %w", err)
	}
	return d.bucket.Put(ctx, item.ID, data)
}

func (d *DeadLetterStore) get(ctx context.Context, id string) (DLQItem, error) {
	raw, err := d.bucket.Get(ctx, id)
	if err != nil {
		return DLQItem{}, err
	}
	var item DLQItem
	if err := json.Unmarshal(raw, &item); err != nil {
		return DLQItem{}, fmt.Errorf("workqueue: decode dlq item %q: %w", id, err)
	}
	return item, nil
}

func (d *DeadLetterStore) delete(ctx context.Context, id string) error {
	return d.bucket.Delete(ctx, id)
}

func (d *DeadLetterStore) list(ctx context.Context) ([]DLQItem, error) {
	keys, err := d.bucket.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("workqueue: list dlq keys: %w", err)
	}
	items := make([]DLQItem, 0, len(keys))
	for _, k := range keys {
		item, err := d.get(ctx, k)
		if err != nil {
			if errors.Is(err, substrate.ErrNotFound) {
				continue
			}
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

// deadLetter records a WorkItem that has exhausted its delivery budget (or was
// nak'd) in the DLQ. It does not touch the capability stream: removing the
// original message is up to the caller (ClaimWork acks it).
func (q *Queue) deadLetter(ctx context.Context, item WorkItem, reason string, errs []string) error {
	dlqItem := DLQItem{
		ID:       item.ID,
		WorkItem: item,
		Reason:   reason,
		Attempts: item.Attempts,
		FailedAt: time.Now().UTC(),
		Errors:   errs,
	}
	return q.dlq.put(ctx, dlqItem)
}

// ListDeadLetterItems returns up to limit DLQ entries, optionally filtered
// by the original item's capability.
func (q *Queue) ListDeadLetterItems(ctx context.Context, capability string, limit int) ([]DLQItem, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	all, err := q.dlq.list(ctx)
	if err != nil {
		return nil, err
	}
	var filtered []DLQItem
	for _, item := range all {
		if capability != "" && item.WorkItem.Capability != capability {
			continue
		}
		filtered = append(filtered, item)
		if len(filtered) == limit {
			break
		}
	}
	return filtered, nil
}

// RetryDeadLetterItem re-publishes a DLQ entry to its capability queue and
// removes it from the DLQ. If resetAttempts, the republished item's
// Attempts is reset to 0; otherwise it is preserved.
func (q *Queue) RetryDeadLetterItem(ctx context.Context, itemID string, resetAttempts bool) (WorkItem, error) {
	if parsed, err := uuid.Parse(itemID); err != nil {
		return WorkItem{}, fmt.Errorf("itemId: must be a UUIDv4: %w", err)
	} else if parsed.Version() != 4 {
		return WorkItem{}, fmt.Errorf("itemId: must be a UUIDv4, got version %d", parsed.Version())
	}
	dlqItem, err := q.dlq.get(ctx, itemID)
	if err != nil {
		return WorkItem{}, err
	}

	item := dlqItem.WorkItem
	if resetAttempts {
		item.Attempts = 0
	}

	if err := q.ensureCapabilityStream(ctx, item.Capability); err != nil {
		return WorkItem{}, err
	}
	data, err := json.Marshal(item)
	if err != nil {
		return WorkItem{}, fmt.Errorf("workqueue: encode item: %w", err)
	}
	if _, err := q.client.Publish(ctx, subjectName(item.Capability), data, item.ID); err != nil {
		return WorkItem{}, fmt.Errorf("workqueue: republish: %w", err)
	}
	if err := q.dlq.delete(ctx, itemID); err != nil {
		return WorkItem{}, fmt.Errorf("workqueue: remove dlq entry: %w", err)
	}
	return item, nil
}

// DiscardDeadLetterItem permanently removes a DLQ entry.
func (q *Queue) DiscardDeadLetterItem(ctx context.Context, itemID string) error {
	if parsed, err := uuid.Parse(itemID); err != nil {
		return fmt.Errorf("itemId: must be a UUIDv4: %w", err)
	} else if parsed.Version() != 4 {
		return fmt.Errorf("itemId: must be a UUIDv4, got version %d", parsed.Version())
	}
	return q.dlq.delete(ctx, itemID)
}
