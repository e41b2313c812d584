package registry

// IsVisibleTo reports whether requester may see entry, per scope.
func IsVisibleTo(entry, requester Entry) bool {
	switch entry.Scope {
	case ScopePrivate:
		return entry.GUID == requester.GUID
	case ScopePersonal:
		return entry.Username != "" && requester.Username != "" && entry.Username == requester.Username
	case ScopeTeam:
		return entry.ProjectID == requester.ProjectID
	case ScopePublic:
		return true
	default:
		return false
	}
}

// Redact returns the subset of entry fields visible to requester. The zero
// Entry is returned when entry is not visible to requester at all.
func Redact(entry, requester Entry) Entry {
	if !IsVisibleTo(entry, requester) {
		return Entry{}
	}
	if entry.GUID == requester.GUID {
		return entry
	}

	out := Entry{
		GUID:             entry.GUID,
		AgentType:        entry.AgentType,
		Handle:           entry.Handle,
		Capabilities:     entry.Capabilities,
		Scope:            entry.Scope,
		Status:           entry.Status,
		CurrentTaskCount: entry.CurrentTaskCount,
		LastHeartbeat:    entry.LastHeartbeat,
	}

	sameProject := entry.ProjectID == requester.ProjectID
	if sameProject {
		out.ProjectID = entry.ProjectID
		out.NatsURL = entry.NatsURL
	}
	if sameProject || entry.Scope == ScopePublic {
		out.Hostname = entry.Hostname
	}
	if entry.Scope == ScopePersonal && entry.Username == requester.Username {
		out.Username = entry.Username
	}
	return out
}
