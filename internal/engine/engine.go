// Package engine composes the Substrate Adapter, Identity Service,
// Registry, Lifecycle Engine, Inbox, Work Queue+DLQ, and Channels into the
// single coordination surface the tool-dispatch shim calls into.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/loomworks/loom/internal/channels"
	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/identity"
	"github.com/loomworks/loom/internal/inbox"
	"github.com/loomworks/loom/internal/lifecycle"
	"github.com/loomworks/loom/internal/registry"
	"github.com/loomworks/loom/internal/substrate"
	"github.com/loomworks/loom/internal/workqueue"
)

// guidNamespace is a fixed namespace UUID used to derive a stable,
// restart-persistent registry GUID from an agent's identity-derived
// agentId. This resolves the spec's open question about offline-entry
// reuse by making reuse unconditional: the same (hostname, projectPath) or
// (parentId, subagentType) always maps to the same registry entry, whether
// or not the previous entry is still online.
var guidNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

// deriveGUID derives a stable id from agentID via the namespaced-hash
// construction NewSHA1 uses, then overwrites the version/variant nibbles so
// the result parses as a standard UUIDv4 (registry.Validate requires
// version 4, per the data model's "guid (UUID-v4 string)"). The hash bits
// that make it deterministic are untouched; only the 6 bits RFC 4122
// reserves for version and variant are forced.
func deriveGUID(agentID string) string {
	id := uuid.NewSHA1(guidNamespace, []byte(agentID))
	id[6] = (id[6] & 0x0f) | 0x40
	id[8] = (id[8] & 0x3f) | 0x80
	return id.String()
}

// Engine is the composed root object for one loomd process.
type Engine struct {
	cfg      *config.Config
	client   *substrate.Client
	identity *identity.Service
	registry *registry.Store
	inbox    *inbox.Service
	queue    *workqueue.Queue
	channels *channels.Store

	heartbeat *lifecycle.Heartbeat
	gc        *lifecycle.GC

	gcCancel context.CancelFunc
}

// New wires every component against an already-connected substrate client
// and resolved configuration. Callers must call Start before use and
// Shutdown when done.
func New(ctx context.Context, cfg *config.Config, client *substrate.Client) (*Engine, error) {
	reg, err := registry.Open(ctx, client)
	if err != nil {
		return nil, fmt.Errorf("engine: open registry: %w", err)
	}

	dlq, err := workqueue.OpenDeadLetterStore(ctx, client)
	if err != nil {
		return nil, fmt.Errorf("engine: open dlq: %w", err)
	}

	ackTimeout := time.Duration(cfg.WorkQueue.AckTimeoutMs) * time.Millisecond
	queue := workqueue.New(client, reg, dlq, workqueue.Options{
		AckTimeout:          ackTimeout,
		MaxDeliveryAttempts: cfg.WorkQueue.MaxDeliveryAttempts,
	})

	inboxSvc := inbox.New(client, reg, ackTimeout)

	descriptors := make([]channels.Descriptor, 0, len(cfg.Channels))
	for _, c := range cfg.Channels {
		d := channels.Descriptor{Name: c.Name, Description: c.Description, MaxMessages: c.MaxMessages, MaxBytes: c.MaxBytes}
		if c.MaxAge != "" {
			if parsed, err := config.ParseDuration(c.MaxAge); err == nil {
				d.MaxAge = parsed
			} else {
				slog.Warn("engine: ignoring unparsable channel maxAge", "channel", c.Name, "maxAge", c.MaxAge, "error", err)
			}
		}
		descriptors = append(descriptors, d)
	}
	channelStore := channels.New(client, cfg.Namespace, descriptors)

	return &Engine{
		cfg:       cfg,
		client:    client,
		identity:  identity.New(client),
		registry:  reg,
		inbox:     inboxSvc,
		queue:     queue,
		channels:  channelStore,
		heartbeat: lifecycle.NewHeartbeat(reg, 0),
		gc:        lifecycle.NewGC(reg, 0, lifecycle.GCOptions{}),
	}, nil
}

// Start ensures every configured channel stream exists and launches the
// process-wide GC loop. It does not register an agent or start a
// heartbeat — that happens per-session via RegisterAgent.
func (e *Engine) Start(ctx context.Context) error {
	for _, d := range e.channels.List() {
		if err := e.channels.EnsureChannel(ctx, d.Name); err != nil {
			return fmt.Errorf("engine: ensure channel %s: %w", d.Name, err)
		}
	}

	gcCtx, cancel := context.WithCancel(ctx)
	e.gcCancel = cancel
	go e.gc.Run(gcCtx)

	return nil
}

// Shutdown stops the heartbeat and GC loops and drains the substrate
// connection.
func (e *Engine) Shutdown() {
	e.heartbeat.Stop()
	if e.gcCancel != nil {
		e.gcCancel()
	}
	e.client.Close()
}

// Session is the per-connection agent identity this engine was registered
// under; tool calls resolve against Session.Entry.
type Session struct {
	Entry registry.Entry
}

// RegisterAgentParams is the caller-supplied subset of fields for
// RegisterAgent.
type RegisterAgentParams struct {
	AgentType    string
	Capabilities []string
	Scope        registry.Scope
}

// RegisterAgent derives this process's identity, computes its stable
// registry GUID, creates or refreshes the registry entry, ensures its
// inbox exists, and starts its heartbeat. Starting a second session
// supersedes the first session's heartbeat.
func (e *Engine) RegisterAgent(ctx context.Context, p RegisterAgentParams) (*Session, error) {
	rec, err := e.identity.InitializeIdentity(ctx, e.cfg.ProjectID, e.cfg.ProjectPath)
	if err != nil {
		return nil, fmt.Errorf("engine: initialize identity: %w", err)
	}

	guid := deriveGUID(rec.AgentID)
	hostname := rec.Hostname
	if hostname == "" {
		hostname = "unknown-host"
	}

	now := time.Now().UTC()
	entry := registry.Entry{
		GUID: guid, AgentType: p.AgentType, Handle: shortHandle(rec.AgentID),
		Hostname: hostname, ProjectID: e.cfg.ProjectID, NatsURL: e.cfg.NatsURL,
		Capabilities: p.Capabilities, Scope: p.Scope, Status: registry.StatusOnline,
		LastHeartbeat: now,
	}
	if entry.Scope == "" {
		entry.Scope = registry.ScopePrivate
	}

	if existing, err := e.registry.Get(ctx, guid); err == nil {
		entry.RegisteredAt = existing.RegisteredAt
	} else {
		entry.RegisteredAt = now
	}

	if err := e.registry.Put(ctx, entry); err != nil {
		return nil, fmt.Errorf("engine: register: %w", err)
	}
	if err := e.inbox.EnsureInbox(ctx, guid); err != nil {
		return nil, fmt.Errorf("engine: ensure inbox: %w", err)
	}

	e.heartbeat.Start(ctx, guid)
	return &Session{Entry: entry}, nil
}

// UpdatePresence mutates the session's own entry. Setting status=offline
// also stops the heartbeat.
func (e *Engine) UpdatePresence(ctx context.Context, s *Session, status registry.Status, taskCount *int, capabilities []string) error {
	entry, err := e.registry.Get(ctx, s.Entry.GUID)
	if err != nil {
		return err
	}
	if status != "" {
		entry.Status = status
	}
	if taskCount != nil {
		entry.CurrentTaskCount = *taskCount
	}
	if capabilities != nil {
		entry.Capabilities = capabilities
	}
	if err := e.registry.Put(ctx, entry); err != nil {
		return err
	}
	s.Entry = entry
	if entry.Status == registry.StatusOffline {
		e.heartbeat.Stop()
	}
	return nil
}

// Deregister marks the session's entry offline and stops its heartbeat.
func (e *Engine) Deregister(ctx context.Context, s *Session) error {
	return e.UpdatePresence(ctx, s, registry.StatusOffline, nil, nil)
}

func shortHandle(agentID string) string {
	if len(agentID) < 8 {
		return "agent-" + agentID
	}
	return "agent-" + agentID[:8]
}

// Registry, Inbox, Queue, and Channels expose the underlying components for
// the toolserver dispatch layer.
func (e *Engine) Registry() *registry.Store  { return e.registry }
func (e *Engine) Inbox() *inbox.Service      { return e.inbox }
func (e *Engine) Queue() *workqueue.Queue    { return e.queue }
func (e *Engine) Channels() *channels.Store  { return e.channels }
func (e *Engine) Config() *config.Config     { return e.cfg }
