// Package channels implements named, bounded, re-readable broadcast topics
// shared by every agent in a namespace.
package channels

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/loomworks/loom/internal/substrate"
)

const maxMessageBytes = 1 << 20 // 1 MiB

var nameRegex = regexp.MustCompile(`^[a-z0-9-]+$`)

// Descriptor configures a single channel's stream.
type Descriptor struct {
	Name        string
	Description string
	MaxMessages int64
	MaxBytes    int64
	MaxAge      time.Duration
}

func (d Descriptor) withDefaults() Descriptor {
	if d.MaxMessages <= 0 {
		d.MaxMessages = 10000
	}
	if d.MaxBytes <= 0 {
		d.MaxBytes = 10 * 1024 * 1024
	}
	if d.MaxAge <= 0 {
		d.MaxAge = 24 * time.Hour
	}
	return d
}

// Message is the JSON payload durable in a channel's stream.
type Message struct {
	Handle    string    `json:"handle"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Metrics is returned by Status.
type Metrics struct {
	Messages uint64
	Bytes    uint64
	FirstSeq uint64
	LastSeq  uint64
}

// Store implements SendMessage/ReadMessages/Status against a namespace of
// channel streams.
type Store struct {
	client    *substrate.Client
	namespace string
	channels  map[string]Descriptor
}

// New creates a Store scoped to namespace, with the given configured
// channel descriptors.
func New(client *substrate.Client, namespace string, descriptors []Descriptor) *Store {
	m := make(map[string]Descriptor, len(descriptors))
	for _, d := range descriptors {
		m[d.Name] = d.withDefaults()
	}
	return &Store{client: client, namespace: namespace, channels: m}
}

// StreamName returns the JetStream stream name for a channel in this
// namespace.
func (s *Store) StreamName(channel string) string {
	return strings.ToUpper(s.namespace) + "_" + strings.ToUpper(strings.ReplaceAll(channel, "-", "_"))
}

func (s *Store) subjectName(channel string) string {
	return s.namespace + "." + channel
}

// List returns the configured channel descriptors.
func (s *Store) List() []Descriptor {
	out := make([]Descriptor, 0, len(s.channels))
	for _, d := range s.channels {
		out = append(out, d)
	}
	return out
}

// EnsureChannel idempotently ensures the named channel's stream exists.
func (s *Store) EnsureChannel(ctx context.Context, channel string) error {
	desc, ok := s.channels[channel]
	if !ok {
		return fmt.Errorf("channel %q: not configured", channel)
	}
	return s.client.EnsureStream(ctx, s.StreamName(channel), []string{s.subjectName(channel)}, substrate.RetentionLimits{
		MaxMessages: desc.MaxMessages,
		MaxBytes:    desc.MaxBytes,
		MaxAge:      desc.MaxAge,
	})
}

// SendMessage validates channel membership, handle, and content size, then
// publishes a Message.
func (s *Store) SendMessage(ctx context.Context, channel, handle, message string) error {
	if _, ok := s.channels[channel]; !ok {
		return fmt.Errorf("channel %q: not configured", channel)
	}
	if strings.TrimSpace(handle) == "" {
		return fmt.Errorf("handle: must not be empty")
	}
	trimmed := strings.TrimSpace(message)
	if trimmed == "" {
		return fmt.Errorf("message: must not be empty")
	}
	if len(message) > maxMessageBytes {
		return fmt.Errorf("message: exceeds %d bytes", maxMessageBytes)
	}

	if err := s.EnsureChannel(ctx, channel); err != nil {
		return err
	}

	payload := Message{Handle: handle, Message: message, Timestamp: time.Now().UTC()}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("channels: encode message: %w", err)
	}
	if _, err := s.client.Publish(ctx, s.subjectName(channel), data, ""); err != nil {
		return fmt.Errorf("channels: publish: %w", err)
	}
	return nil
}

// ReadMessages reads the most recent limit messages ending offset back from
// the tail, ascending by sequence, tolerating gaps. endSeq = max(firstSeq,
// lastSeq - offset); startSeq = max(firstSeq, endSeq - limit + 1).
func (s *Store) ReadMessages(ctx context.Context, channel string, limit, offset int) ([]Message, error) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	info, err := s.client.StreamInfo(ctx, s.StreamName(channel))
	if err != nil {
		if errors.Is(err, substrate.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("channels: stream info: %w", err)
	}
	if info.Messages == 0 {
		return nil, nil
	}

	endSeq := info.FirstSeq
	if uint64(offset) < info.LastSeq-info.FirstSeq {
		endSeq = info.LastSeq - uint64(offset)
	}
	var startSeq uint64
	if endSeq-info.FirstSeq+1 < uint64(limit) {
		startSeq = info.FirstSeq
	} else {
		startSeq = endSeq - uint64(limit) + 1
	}

	raw, err := s.client.ReadByRange(ctx, s.StreamName(channel), startSeq, endSeq)
	if err != nil {
		return nil, fmt.Errorf("channels: read range: %w", err)
	}

	messages := make([]Message, 0, len(raw))
	for _, m := range raw {
		var msg Message
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			continue
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// Status returns metrics for channel.
func (s *Store) Status(ctx context.Context, channel string) (Metrics, error) {
	info, err := s.client.StreamInfo(ctx, s.StreamName(channel))
	if err != nil {
		if errors.Is(err, substrate.ErrNotFound) {
			return Metrics{}, substrate.ErrNotFound
		}
		return Metrics{}, fmt.Errorf("channels: stream info: %w", err)
	}
	return Metrics{Messages: info.Messages, Bytes: info.Bytes, FirstSeq: info.FirstSeq, LastSeq: info.LastSeq}, nil
}

// ValidChannelName reports whether name matches the channel naming rule.
func ValidChannelName(name string) bool {
	return nameRegex.MatchString(name)
}
