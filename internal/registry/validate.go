package registry

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

var (
	handleRegex    = regexp.MustCompile(`^[a-z0-9-]+$`)
	projectIDRegex = regexp.MustCompile(`^[0-9a-f]{16}$`)
)

// Validate checks every RegistryEntry invariant and returns the first
// violation found.
func Validate(e Entry) error {
	parsedGUID, err := uuid.Parse(e.GUID)
	if err != nil {
		return fmt.Errorf("guid: must be a UUIDv4: %w", err)
	}
	if parsedGUID.Version() != 4 {
		return fmt.Errorf("guid: must be a UUIDv4, got version %d", parsedGUID.Version())
	}
	if strings.TrimSpace(e.AgentType) == "" {
		return fmt.Errorf("agentType: must not be empty")
	}
	if strings.TrimSpace(e.Hostname) == "" {
		return fmt.Errorf("hostname: must not be empty")
	}
	if !handleRegex.MatchString(e.Handle) {
		return fmt.Errorf("handle: must match %s", handleRegex.String())
	}
	if !projectIDRegex.MatchString(e.ProjectID) {
		return fmt.Errorf("projectId: must be 16 lowercase hex characters")
	}
	if !strings.HasPrefix(e.NatsURL, "nats://") {
		return fmt.Errorf("natsUrl: must begin with nats://")
	}
	for i, c := range e.Capabilities {
		if strings.TrimSpace(c) == "" {
			return fmt.Errorf("capabilities[%d]: must not be empty", i)
		}
	}
	switch e.Scope {
	case ScopePrivate, ScopePersonal, ScopeTeam, ScopePublic:
	default:
		return fmt.Errorf("scope: invalid value %q", e.Scope)
	}
	switch e.Status {
	case StatusOnline, StatusBusy, StatusOffline:
	default:
		return fmt.Errorf("status: invalid value %q", e.Status)
	}
	if e.CurrentTaskCount < 0 {
		return fmt.Errorf("currentTaskCount: must not be negative")
	}
	if e.RegisteredAt.IsZero() {
		return fmt.Errorf("registeredAt: must be set")
	}
	if e.LastHeartbeat.IsZero() {
		return fmt.Errorf("lastHeartbeat: must be set")
	}
	return nil
}
