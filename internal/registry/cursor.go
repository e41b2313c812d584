package registry

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// cursorPayload is the decoded shape of an opaque pagination cursor.
type cursorPayload struct {
	Offset     int    `json:"offset"`
	Limit      int    `json:"limit"`
	FilterHash string `json:"filterHash"`
}

// filterHash returns a 16-hex-character fingerprint of f, stable across
// calls with identical field values.
func filterHash(f Filter) string {
	key := fmt.Sprintf("%s|%s|%s|%s|%s|%s|%v",
		f.AgentType, f.Capability, f.Hostname, f.ProjectID, f.Status, f.Scope, f.IncludeOffline)
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])[:16]
}

// EncodeCursor produces an opaque base64url token carrying offset, limit,
// and a fingerprint of filter so a cursor reused against a different filter
// is rejected by DecodeCursor.
func EncodeCursor(offset, limit int, f Filter) string {
	payload := cursorPayload{Offset: offset, Limit: limit, FilterHash: filterHash(f)}
	data, _ := json.Marshal(payload)
	return base64.RawURLEncoding.EncodeToString(data)
}

// DecodeCursor parses a cursor produced by EncodeCursor and validates it
// against filter. Returns an error if malformed or if filter has changed
// since the cursor was issued.
func DecodeCursor(cursor string, f Filter) (offset, limit int, err error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, 0, fmt.Errorf("cursor: invalid encoding: %w", err)
	}
	var payload cursorPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return 0, 0, fmt.Errorf("cursor: invalid payload: %w", err)
	}
	if payload.FilterHash != filterHash(f) {
		return 0, 0, fmt.Errorf("cursor: filter has changed since this cursor was issued")
	}
	return payload.Offset, payload.Limit, nil
}

// sortByLastHeartbeatDesc sorts entries by LastHeartbeat descending, in place.
func sortByLastHeartbeatDesc(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].LastHeartbeat.After(entries[j].LastHeartbeat)
	})
}
