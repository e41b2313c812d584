// Package identity derives and persists stable agent identities so the same
// process on the same host/project rehydrates the same agent ID across
// restarts, and subagents derive deterministically from their parent.
package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/loomworks/loom/internal/substrate"
)

const (
	bucketPrefix     = "loom-identity-"
	rootKey          = "root"
	subagentKeyPfx   = "subagent/"
	envExplicitAgent = "EXPLICIT_AGENT_ID"
	envSubagentType  = "LOOM_SUBAGENT_TYPE"
)

// Kind discriminates the two Record shapes that share the per-project KV
// bucket, mirroring the teacher's one-struct-per-stored-value convention
// (internal/domain/apikey.go, internal/domain/project.go) rather than an
// interface hierarchy, since both shapes decode from the same bucket without
// a type registry.
type Kind string

const (
	KindRoot     Kind = "root"
	KindSubagent Kind = "subagent"
)

// Record is the persisted identity, tagged by Kind. Root identities populate
// Hostname/ProjectPath; subagent identities populate ParentID/SubagentType.
type Record struct {
	Kind        Kind      `json:"kind"`
	AgentID     string    `json:"agentId"`
	Hostname    string    `json:"hostname,omitempty"`
	ProjectPath string    `json:"projectPath,omitempty"`
	ParentID    string    `json:"parentId,omitempty"`
	SubagentType string   `json:"subagentType,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// DeriveRootID returns the first 32 hex characters of SHA-256(hostname || projectPath).
func DeriveRootID(hostname, projectPath string) string {
	sum := sha256.Sum256([]byte(hostname + projectPath))
	return hex.EncodeToString(sum[:])[:32]
}

// DeriveSubagentID returns the first 32 hex characters of SHA-256(parentId || subagentType).
func DeriveSubagentID(parentID, subagentType string) string {
	sum := sha256.Sum256([]byte(parentID + subagentType))
	return hex.EncodeToString(sum[:])[:32]
}

// Service persists and rehydrates identities in a per-project KV bucket.
type Service struct {
	client *substrate.Client
}

// New creates an identity Service bound to client.
func New(client *substrate.Client) *Service {
	return &Service{client: client}
}

func bucketName(projectID string) string {
	return bucketPrefix + projectID
}

// InitializeIdentity implements the derivation/lookup contract from the
// component design: explicit override wins, then subagent derivation from a
// persisted root, then root reuse-if-same-host, else fresh root derivation.
func (s *Service) InitializeIdentity(ctx context.Context, projectID, projectPath string) (Record, error) {
	bucket, err := s.client.EnsureKVBucket(ctx, bucketName(projectID))
	if err != nil {
		return Record{}, fmt.Errorf("open identity bucket: %w", err)
	}

	if explicit := os.Getenv(envExplicitAgent); explicit != "" {
		rec := Record{Kind: KindRoot, AgentID: explicit, ProjectPath: projectPath, CreatedAt: time.Now().UTC()}
		if hn, err := os.Hostname(); err == nil {
			rec.Hostname = hn
		}
		return rec, s.putRecord(ctx, bucket, rootKey, rec)
	}

	if subagentType := os.Getenv(envSubagentType); subagentType != "" {
		root, err := s.getRecord(ctx, bucket, rootKey)
		if err != nil {
			return Record{}, fmt.Errorf("subagent requires an existing root identity: %w", err)
		}
		subagentID := DeriveSubagentID(root.AgentID, subagentType)
		rec := Record{
			Kind:         KindSubagent,
			AgentID:      subagentID,
			ParentID:     root.AgentID,
			SubagentType: subagentType,
			CreatedAt:    time.Now().UTC(),
		}
		return rec, s.putRecord(ctx, bucket, subagentKeyPfx+subagentType, rec)
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown-host"
	}

	if existing, err := s.getRecord(ctx, bucket, rootKey); err == nil {
		if existing.Hostname == hostname {
			return existing, nil
		}
	}

	rec := Record{
		Kind:        KindRoot,
		AgentID:     DeriveRootID(hostname, projectPath),
		Hostname:    hostname,
		ProjectPath: projectPath,
		CreatedAt:   time.Now().UTC(),
	}
	return rec, s.putRecord(ctx, bucket, rootKey, rec)
}

func (s *Service) getRecord(ctx context.Context, bucket *substrate.KVBucket, key string) (Record, error) {
	raw, err := bucket.Get(ctx, key)
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, fmt.Errorf("decode identity record %q: %w", key, err)
	}
	return rec, nil
}

func (s *Service) putRecord(ctx context.Context, bucket *substrate.KVBucket, key string, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode identity record %q: %w", key, err)
	}
	return bucket.Put(ctx, key, data)
}
