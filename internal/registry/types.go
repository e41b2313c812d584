// Package registry validates, stores, lists, filters, and redacts agent
// entries. It is the single writer of RegistryEntry records; it has no
// knowledge of the Lifecycle Engine, which depends on it instead.
package registry

import "time"

// Scope governs discovery and redaction.
type Scope string

const (
	ScopePrivate  Scope = "private"
	ScopePersonal Scope = "personal"
	ScopeTeam     Scope = "team"
	ScopePublic   Scope = "public"
)

// Status is the agent's current availability.
type Status string

const (
	StatusOnline  Status = "online"
	StatusBusy    Status = "busy"
	StatusOffline Status = "offline"
)

// Entry is the persisted, validated record for one registered agent.
type Entry struct {
	GUID      string `json:"guid"`
	AgentType string `json:"agentType"`
	Handle    string `json:"handle"`

	Hostname  string `json:"hostname"`
	ProjectID string `json:"projectId"`
	NatsURL   string `json:"natsUrl"`
	Username  string `json:"username,omitempty"`

	Capabilities []string `json:"capabilities"`

	Scope            Scope  `json:"scope"`
	Status           Status `json:"status"`
	CurrentTaskCount int    `json:"currentTaskCount"`

	RegisteredAt  time.Time `json:"registeredAt"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
}

// RegisterParams is the caller-supplied subset of Entry used to create one.
type RegisterParams struct {
	GUID         string
	AgentType    string
	Handle       string
	Hostname     string
	ProjectID    string
	NatsURL      string
	Username     string
	Capabilities []string
	Scope        Scope
}

// Filter narrows Discover/List results. Zero-value fields are unconstrained.
type Filter struct {
	AgentType      string
	Capability     string
	Hostname       string
	ProjectID      string
	Status         Status
	Scope          Scope
	IncludeOffline bool
	Limit          int
}
