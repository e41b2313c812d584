package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/loomworks/loom/internal/substrate"
)

const bucketName = "loom-registry"

// Store validates, persists, and discovers RegistryEntry records in a
// single process-wide KV bucket keyed by guid.
type Store struct {
	client *substrate.Client
	bucket *substrate.KVBucket
}

// Open idempotently ensures the registry bucket exists and returns a Store
// bound to it.
func Open(ctx context.Context, client *substrate.Client) (*Store, error) {
	bucket, err := client.EnsureKVBucket(ctx, bucketName)
	if err != nil {
		return nil, fmt.Errorf("open registry bucket: %w", err)
	}
	return &Store{client: client, bucket: bucket}, nil
}

// Register validates and persists a new entry with status=online and both
// timestamps set to now.
func (s *Store) Register(ctx context.Context, p RegisterParams) (Entry, error) {
	now := time.Now().UTC()
	entry := Entry{
		GUID:             p.GUID,
		AgentType:        p.AgentType,
		Handle:           p.Handle,
		Hostname:         p.Hostname,
		ProjectID:        p.ProjectID,
		NatsURL:          p.NatsURL,
		Username:         p.Username,
		Capabilities:     p.Capabilities,
		Scope:            p.Scope,
		Status:           StatusOnline,
		CurrentTaskCount: 0,
		RegisteredAt:     now,
		LastHeartbeat:    now,
	}
	if entry.Scope == "" {
		entry.Scope = ScopePrivate
	}
	if err := Validate(entry); err != nil {
		return Entry{}, fmt.Errorf("registry: validation failed: %w", err)
	}
	if err := s.Put(ctx, entry); err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// Get returns the entry with the given guid, or substrate.ErrNotFound.
func (s *Store) Get(ctx context.Context, guid string) (Entry, error) {
	raw, err := s.bucket.Get(ctx, guid)
	if err != nil {
		return Entry{}, err
	}
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return Entry{}, fmt.Errorf("registry: decode entry %q: %w", guid, err)
	}
	return entry, nil
}

// Put validates and stores entry, last-writer-wins on guid.
func (s *Store) Put(ctx context.Context, entry Entry) error {
	if err := Validate(entry); err != nil {
		return fmt.Errorf("registry: validation failed: %w", err)
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("registry: encode entry %q: %w", entry.GUID, err)
	}
	return s.bucket.Put(ctx, entry.GUID, data)
}

// Delete removes the entry with the given guid. Deleting an absent guid is
// not an error.
func (s *Store) Delete(ctx context.Context, guid string) error {
	return s.bucket.Delete(ctx, guid)
}

// List returns every entry in the bucket matching pred, in no particular
// order. A nil pred matches everything.
func (s *Store) List(ctx context.Context, pred func(Entry) bool) ([]Entry, error) {
	keys, err := s.bucket.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("registry: list keys: %w", err)
	}
	entries := make([]Entry, 0, len(keys))
	for _, key := range keys {
		entry, err := s.Get(ctx, key)
		if err != nil {
			if errors.Is(err, substrate.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if pred == nil || pred(entry) {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

// matches reports whether entry satisfies every constrained field of f.
func matches(entry Entry, f Filter) bool {
	if f.AgentType != "" && entry.AgentType != f.AgentType {
		return false
	}
	if f.Capability != "" {
		found := false
		for _, c := range entry.Capabilities {
			if c == f.Capability {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Hostname != "" && entry.Hostname != f.Hostname {
		return false
	}
	if f.ProjectID != "" && entry.ProjectID != f.ProjectID {
		return false
	}
	if f.Status != "" && entry.Status != f.Status {
		return false
	}
	if f.Scope != "" && entry.Scope != f.Scope {
		return false
	}
	if !f.IncludeOffline && entry.Status == StatusOffline {
		return false
	}
	return true
}

// DiscoverResult is a single page of Discover output.
type DiscoverResult struct {
	Entries    []Entry
	NextCursor string
}

// Discover lists entries visible to requester matching f, sorted by
// lastHeartbeat descending, redacted per requester's view, paginated by an
// opaque cursor that embeds a fingerprint of f.
func (s *Store) Discover(ctx context.Context, requester Entry, f Filter, cursor string) (DiscoverResult, error) {
	limit := f.Limit
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	offset := 0
	if cursor != "" {
		var err error
		offset, limit, err = DecodeCursor(cursor, f)
		if err != nil {
			return DiscoverResult{}, err
		}
	}

	all, err := s.List(ctx, func(e Entry) bool { return matches(e, f) })
	if err != nil {
		return DiscoverResult{}, err
	}
	sortByLastHeartbeatDesc(all)

	visible := make([]Entry, 0, len(all))
	for _, e := range all {
		if IsVisibleTo(e, requester) {
			visible = append(visible, Redact(e, requester))
		}
	}

	end := offset + limit
	if end > len(visible) {
		end = len(visible)
	}
	if offset > len(visible) {
		offset = len(visible)
	}
	page := visible[offset:end]

	result := DiscoverResult{Entries: page}
	if end < len(visible) {
		result.NextCursor = EncodeCursor(end, limit, f)
	}
	return result, nil
}
