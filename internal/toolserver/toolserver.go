// Package toolserver is the thin dispatch shim that turns named tool
// invocations into engine calls and renders results as the single text
// payload contract described by the error handling design: "Error: <msg>"
// on failure, an encoded result otherwise.
package toolserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/loomworks/loom/internal/engine"
	"github.com/loomworks/loom/internal/inbox"
	"github.com/loomworks/loom/internal/registry"
	"github.com/loomworks/loom/internal/workqueue"
)

// Server dispatches tool calls for a single session against one Engine.
type Server struct {
	engine  *engine.Engine
	session *engine.Session
	handle  string
}

// New creates a dispatch Server for one session against eng. No agent is
// registered yet; registry_register does that.
func New(eng *engine.Engine) *Server {
	return &Server{engine: eng}
}

// Args is the loosely-typed argument bag every tool call receives.
type Args map[string]any

func (a Args) str(key string) string {
	v, _ := a[key].(string)
	return v
}

func (a Args) strSlice(key string) []string {
	raw, ok := a[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func (a Args) intDefault(key string, def int) int {
	switch v := a[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return def
	}
}

func (a Args) boolDefault(key string, def bool) bool {
	if v, ok := a[key].(bool); ok {
		return v
	}
	return def
}

// errorPayload is the stable "Error: <message>" text contract.
func errorPayload(err error) string {
	return fmt.Sprintf("Error: %s", err.Error())
}

func encode(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return errorPayload(err)
	}
	return string(data)
}

// Dispatch routes a single named tool call to its handler.
func (s *Server) Dispatch(ctx context.Context, tool string, args Args) string {
	switch tool {
	case "handle_set":
		return s.handleSet(args)
	case "handle_get":
		return s.handleGet()
	case "channels_list":
		return s.channelsList()
	case "channels_send":
		return s.channelsSend(ctx, args)
	case "channels_read":
		return s.channelsRead(ctx, args)
	case "channels_status":
		return s.channelsStatus(ctx, args)
	case "registry_register":
		return s.registryRegister(ctx, args)
	case "registry_get_info":
		return s.registryGetInfo(ctx, args)
	case "registry_discover":
		return s.registryDiscover(ctx, args)
	case "registry_update_presence":
		return s.registryUpdatePresence(ctx, args)
	case "registry_deregister":
		return s.registryDeregister(ctx)
	case "messages_send_direct":
		return s.messagesSendDirect(ctx, args)
	case "messages_read_direct":
		return s.messagesReadDirect(ctx, args)
	case "work_broadcast":
		return s.workBroadcast(ctx, args)
	case "work_claim":
		return s.workClaim(ctx, args)
	case "work_list":
		return s.workList(ctx, args)
	case "work_queue_status":
		return s.workQueueStatus(ctx, args)
	case "dlq_list":
		return s.dlqList(ctx, args)
	case "dlq_retry":
		return s.dlqRetry(ctx, args)
	case "dlq_discard":
		return s.dlqDiscard(ctx, args)
	default:
		return errorPayload(fmt.Errorf("unknown tool %q", tool))
	}
}

func (s *Server) requireSession() (*engine.Session, error) {
	if s.session == nil {
		return nil, fmt.Errorf("no agent registered in this session; call registry_register first")
	}
	return s.session, nil
}

func (s *Server) handleSet(args Args) string {
	s.handle = args.str("handle")
	return encode(map[string]string{"handle": s.handle})
}

func (s *Server) handleGet() string {
	return encode(map[string]string{"handle": s.handle})
}

func (s *Server) channelsList() string {
	return encode(s.engine.Channels().List())
}

func (s *Server) channelsSend(ctx context.Context, args Args) string {
	session, err := s.requireSession()
	if err != nil {
		return errorPayload(err)
	}
	handle := session.Entry.Handle
	if s.handle != "" {
		handle = s.handle
	}
	if err := s.engine.Channels().SendMessage(ctx, args.str("channel"), handle, args.str("message")); err != nil {
		return errorPayload(err)
	}
	return encode(map[string]bool{"ok": true})
}

func (s *Server) channelsRead(ctx context.Context, args Args) string {
	limit := args.intDefault("limit", 50)
	msgs, err := s.engine.Channels().ReadMessages(ctx, args.str("channel"), limit, 0)
	if err != nil {
		return errorPayload(err)
	}
	return encode(msgs)
}

func (s *Server) channelsStatus(ctx context.Context, args Args) string {
	channel := args.str("channel")
	if channel == "" {
		out := map[string]any{}
		for _, d := range s.engine.Channels().List() {
			metrics, err := s.engine.Channels().Status(ctx, d.Name)
			if err == nil {
				out[d.Name] = metrics
			}
		}
		return encode(out)
	}
	metrics, err := s.engine.Channels().Status(ctx, channel)
	if err != nil {
		return errorPayload(err)
	}
	return encode(metrics)
}

func (s *Server) registryRegister(ctx context.Context, args Args) string {
	session, err := s.engine.RegisterAgent(ctx, engine.RegisterAgentParams{
		AgentType:    args.str("agentType"),
		Capabilities: args.strSlice("capabilities"),
		Scope:        registry.Scope(args.str("scope")),
	})
	if err != nil {
		return errorPayload(err)
	}
	s.session = session
	return encode(session.Entry)
}

func (s *Server) registryGetInfo(ctx context.Context, args Args) string {
	session, err := s.requireSession()
	if err != nil {
		return errorPayload(err)
	}
	entry, err := s.engine.Registry().Get(ctx, args.str("guid"))
	if err != nil {
		return errorPayload(err)
	}
	return encode(registry.Redact(entry, session.Entry))
}

func (s *Server) registryDiscover(ctx context.Context, args Args) string {
	session, err := s.requireSession()
	if err != nil {
		return errorPayload(err)
	}
	filter := registry.Filter{
		AgentType:      args.str("agentType"),
		Capability:     args.str("capability"),
		Hostname:       args.str("hostname"),
		ProjectID:      args.str("projectId"),
		Status:         registry.Status(args.str("status")),
		Scope:          registry.Scope(args.str("scope")),
		IncludeOffline: args.boolDefault("includeOffline", false),
		Limit:          args.intDefault("limit", 100),
	}
	result, err := s.engine.Registry().Discover(ctx, session.Entry, filter, args.str("cursor"))
	if err != nil {
		return errorPayload(err)
	}
	return encode(result)
}

func (s *Server) registryUpdatePresence(ctx context.Context, args Args) string {
	session, err := s.requireSession()
	if err != nil {
		return errorPayload(err)
	}
	var taskCount *int
	if _, ok := args["currentTaskCount"]; ok {
		v := args.intDefault("currentTaskCount", 0)
		taskCount = &v
	}
	var capabilities []string
	if _, ok := args["capabilities"]; ok {
		capabilities = args.strSlice("capabilities")
	}
	if err := s.engine.UpdatePresence(ctx, session, registry.Status(args.str("status")), taskCount, capabilities); err != nil {
		return errorPayload(err)
	}
	return encode(session.Entry)
}

func (s *Server) registryDeregister(ctx context.Context) string {
	session, err := s.requireSession()
	if err != nil {
		return errorPayload(err)
	}
	if err := s.engine.Deregister(ctx, session); err != nil {
		return errorPayload(err)
	}
	return encode(map[string]bool{"ok": true})
}

func (s *Server) messagesSendDirect(ctx context.Context, args Args) string {
	session, err := s.requireSession()
	if err != nil {
		return errorPayload(err)
	}
	result, err := s.engine.Inbox().SendDirect(ctx, session.Entry, args.str("recipientGuid"), args.str("messageType"), args.str("message"), args["metadata"])
	if err != nil {
		return errorPayload(err)
	}
	return encode(result)
}

func (s *Server) messagesReadDirect(ctx context.Context, args Args) string {
	session, err := s.requireSession()
	if err != nil {
		return errorPayload(err)
	}
	result, err := s.engine.Inbox().ReadDirect(ctx, session.Entry.GUID, inbox.ReadFilter{
		Limit:       args.intDefault("limit", 10),
		SenderGUID:  args.str("senderGuid"),
		MessageType: args.str("messageType"),
	})
	if err != nil {
		return errorPayload(err)
	}
	return encode(result)
}

func (s *Server) workBroadcast(ctx context.Context, args Args) string {
	session, err := s.requireSession()
	if err != nil {
		return errorPayload(err)
	}
	var deadline *time.Time
	if raw := args.str("deadline"); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			deadline = &t
		}
	}
	item, err := s.engine.Queue().BroadcastWorkOffer(ctx, session.Entry, workqueue.BroadcastParams{
		TaskID:             args.str("taskId"),
		Description:        args.str("description"),
		RequiredCapability: args.str("requiredCapability"),
		Priority:           args.intDefault("priority", 5),
		Deadline:           deadline,
		ContextData:        args["contextData"],
		Scope:              args.str("scope"),
	})
	if err != nil {
		return errorPayload(err)
	}
	return encode(item)
}

func (s *Server) workClaim(ctx context.Context, args Args) string {
	session, err := s.requireSession()
	if err != nil {
		return errorPayload(err)
	}
	timeout := time.Duration(args.intDefault("timeout", 5000)) * time.Millisecond
	result, err := s.engine.Queue().ClaimWork(ctx, session.Entry, args.str("capability"), timeout)
	if err != nil {
		return errorPayload(err)
	}
	return encode(result)
}

func (s *Server) workList(ctx context.Context, args Args) string {
	filter := workqueue.ListFilter{
		MinPriority: args.intDefault("minPriority", 0),
		MaxPriority: args.intDefault("maxPriority", 0),
		Limit:       args.intDefault("limit", 100),
	}
	result, err := s.engine.Queue().ListWork(ctx, args.str("capability"), filter)
	if err != nil {
		return errorPayload(err)
	}
	return encode(result)
}

func (s *Server) workQueueStatus(ctx context.Context, args Args) string {
	metrics, err := s.engine.Queue().QueueStatus(ctx, args.str("capability"))
	if err != nil {
		return errorPayload(err)
	}
	return encode(metrics)
}

func (s *Server) dlqList(ctx context.Context, args Args) string {
	items, err := s.engine.Queue().ListDeadLetterItems(ctx, args.str("capability"), args.intDefault("limit", 100))
	if err != nil {
		return errorPayload(err)
	}
	return encode(items)
}

func (s *Server) dlqRetry(ctx context.Context, args Args) string {
	item, err := s.engine.Queue().RetryDeadLetterItem(ctx, args.str("itemId"), args.boolDefault("resetAttempts", false))
	if err != nil {
		return errorPayload(err)
	}
	return encode(item)
}

func (s *Server) dlqDiscard(ctx context.Context, args Args) string {
	if err := s.engine.Queue().DiscardDeadLetterItem(ctx, args.str("itemId")); err != nil {
		return errorPayload(err)
	}
	return encode(map[string]bool{"ok": true})
}
