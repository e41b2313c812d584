// Package workqueue implements per-capability competing-consumer work
// offers and a single dead-letter store for exhausted items.
package workqueue

import "time"

// WorkItem is the wire payload published to a capability stream.
type WorkItem struct {
	ID          string     `json:"id"`
	TaskID      string     `json:"taskId"`
	Capability  string     `json:"capability"`
	Description string     `json:"description"`
	Priority    int        `json:"priority"`
	Deadline    *time.Time `json:"deadline,omitempty"`
	ContextData any        `json:"contextData,omitempty"`
	OfferedBy   string     `json:"offeredBy"`
	OfferedAt   time.Time  `json:"offeredAt"`
	Attempts    int        `json:"attempts"`
	Scope       string     `json:"scope"`
}

// DLQItem is the wire payload stored in the single dead-letter store.
type DLQItem struct {
	ID       string    `json:"id"`
	WorkItem WorkItem  `json:"workItem"`
	Reason   string    `json:"reason"`
	Attempts int       `json:"attempts"`
	FailedAt time.Time `json:"failedAt"`
	Errors   []string  `json:"errors"`
}

// BroadcastParams is the caller-supplied input to BroadcastWorkOffer.
type BroadcastParams struct {
	TaskID             string
	Description        string
	RequiredCapability string
	Priority           int
	Deadline           *time.Time
	ContextData        any
	Scope              string
}

// ListFilter narrows ListWork results.
type ListFilter struct {
	MinPriority    int
	MaxPriority    int
	DeadlineBefore *time.Time
	DeadlineAfter  *time.Time
	Limit          int
}

// ListResult is returned by ListWork.
type ListResult struct {
	Items     []WorkItem
	Total     int
	Truncated bool
}

// QueueMetrics is returned by QueueStatus for a single capability stream.
type QueueMetrics struct {
	Capability string
	Messages   uint64
	Bytes      uint64
	FirstSeq   uint64
	LastSeq    uint64
}
