// Package inbox implements per-agent durable, consume-once direct
// messaging on top of the substrate's stream and consumer primitives.
package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/loomworks/loom/internal/registry"
	"github.com/loomworks/loom/internal/substrate"
)

const (
	maxMessages  = 1000
	maxAge       = 7 * 24 * time.Hour
	durableName  = "inbox-reader"
)

// Message is the wire payload stored in an inbox stream.
type Message struct {
	ID            string    `json:"id"`
	SenderGUID    string    `json:"senderGuid"`
	SenderHandle  string    `json:"senderHandle"`
	RecipientGUID string    `json:"recipientGuid"`
	MessageType   string    `json:"messageType"`
	Content       string    `json:"content"`
	Metadata      any       `json:"metadata,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// SendResult is returned by SendDirect.
type SendResult struct {
	MessageID       string
	RecipientStatus registry.Status
}

// ReadResult is returned by ReadDirect.
type ReadResult struct {
	Messages []Message
	HasMore  bool
	// Cursor is the literal string "continue" when more messages remain,
	// and empty otherwise. No offset is meaningful for this store, so the
	// token carries no position information of its own.
	Cursor string
}

// Service implements SendDirect/ReadDirect against a shared substrate Client
// and Registry store.
type Service struct {
	client   *substrate.Client
	registry *registry.Store
	ackWait  time.Duration
}

// New creates an inbox Service. ackWait should match the configured
// work-queue ack timeout.
func New(client *substrate.Client, reg *registry.Store, ackWait time.Duration) *Service {
	if ackWait <= 0 {
		ackWait = 5 * time.Minute
	}
	return &Service{client: client, registry: reg, ackWait: ackWait}
}

func streamName(guid string) string {
	return "INBOX_" + strings.ReplaceAll(guid, "-", "_")
}

func subjectName(guid string) string {
	return "global.agent." + guid
}

// EnsureInbox ensures the recipient's stream and durable reader consumer
// exist. Called at registration time and lazily before reads/sends.
func (s *Service) EnsureInbox(ctx context.Context, guid string) error {
	if err := s.client.EnsureStream(ctx, streamName(guid), []string{subjectName(guid)}, substrate.RetentionLimits{
		MaxMessages: maxMessages,
		MaxAge:      maxAge,
	}); err != nil {
		return fmt.Errorf("inbox: ensure stream: %w", err)
	}
	if _, err := s.client.EnsureConsumer(ctx, streamName(guid), durableName, s.ackWait, 1); err != nil {
		return fmt.Errorf("inbox: ensure consumer: %w", err)
	}
	return nil
}

// SendDirect validates recipientGUID, fetches the recipient's registry
// entry, and durably publishes a Message regardless of recipient status.
func (s *Service) SendDirect(ctx context.Context, sender registry.Entry, recipientGUID, messageType, content string, metadata any) (SendResult, error) {
	if parsed, err := uuid.Parse(recipientGUID); err != nil {
		return SendResult{}, fmt.Errorf("recipientGuid: must be a UUIDv4: %w", err)
	} else if parsed.Version() != 4 {
		return SendResult{}, fmt.Errorf("recipientGuid: must be a UUIDv4, got version %d", parsed.Version())
	}
	if messageType == "" {
		messageType = "text"
	}

	recipient, err := s.registry.Get(ctx, recipientGUID)
	if err != nil {
		if errors.Is(err, substrate.ErrNotFound) {
			return SendResult{}, fmt.Errorf("recipient %s: %w", recipientGUID, substrate.ErrNotFound)
		}
		return SendResult{}, err
	}

	if err := s.EnsureInbox(ctx, recipientGUID); err != nil {
		return SendResult{}, err
	}

	msg := Message{
		ID:            uuid.NewString(),
		SenderGUID:    sender.GUID,
		SenderHandle:  sender.Handle,
		RecipientGUID: recipientGUID,
		MessageType:   messageType,
		Content:       content,
		Metadata:      metadata,
		Timestamp:     time.Now().UTC(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return SendResult{}, fmt.Errorf("inbox: encode message: %w", err)
	}
	if _, err := s.client.Publish(ctx, subjectName(recipientGUID), data, msg.ID); err != nil {
		return SendResult{}, fmt.Errorf("inbox: publish: %w", err)
	}

	return SendResult{MessageID: msg.ID, RecipientStatus: recipient.Status}, nil
}

// ReadFilter narrows ReadDirect results.
type ReadFilter struct {
	Limit       int
	SenderGUID  string
	MessageType string
}

// ReadDirect fetches up to limit+1 messages to determine HasMore, acks
// everything it fetches (matched or not, to prevent re-delivery of
// filtered-out or unparsable messages), and returns matches sorted by
// Timestamp ascending. A missing stream, fetch timeout, or zero matches all
// yield the canonical empty ReadResult, not an error.
func (s *Service) ReadDirect(ctx context.Context, recipientGUID string, filter ReadFilter) (ReadResult, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 100 {
		limit = 10
	}

	consumer, err := s.client.Consumer(ctx, streamName(recipientGUID), durableName)
	if err != nil {
		if errors.Is(err, substrate.ErrNotFound) {
			return ReadResult{}, nil
		}
		return ReadResult{}, fmt.Errorf("inbox: lookup consumer: %w", err)
	}

	batch, err := s.client.Fetch(consumer, limit+1, 2*time.Second)
	if err != nil {
		return ReadResult{}, nil
	}

	var matched []Message
	fetched := 0
	for raw := range batch.Messages() {
		fetched++
		var msg Message
		if err := json.Unmarshal(raw.Data(), &msg); err != nil {
			_ = raw.Ack()
			continue
		}
		if filter.SenderGUID != "" && msg.SenderGUID != filter.SenderGUID {
			_ = raw.Ack()
			continue
		}
		if filter.MessageType != "" && msg.MessageType != filter.MessageType {
			_ = raw.Ack()
			continue
		}
		_ = raw.Ack()
		matched = append(matched, msg)
	}

	hasMore := fetched > limit
	if hasMore && len(matched) > limit {
		matched = matched[:limit]
	}

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Timestamp.Before(matched[j].Timestamp)
	})

	result := ReadResult{Messages: matched, HasMore: hasMore}
	if hasMore {
		result.Cursor = "continue"
	}
	return result, nil
}
