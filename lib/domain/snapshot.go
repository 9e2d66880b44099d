package domain

import "time"

// AgentSnapshot is the public, read-only view of one connected agent
// exposed via GET /api/v1/agents and its SSE stream.
type AgentSnapshot struct {
	ID            string               `json:"id"`
	State         string               `json:"state"`
	DeclaredSlots int                  `json:"declared_slots"`
	FreeSlots     int                  `json:"free_slots"`
	Slots         []SlotSnapshot       `json:"slots"`
	Applicable    AgentApplicableState `json:"applicable_state"`
}

// AgentPoolSnapshot is the body of GET /api/v1/agents and /api/v1/agents/stream.
type AgentPoolSnapshot struct {
	Agents []AgentSnapshot `json:"agents"`
}

// BufferedRequestSnapshot is the public view of one queued buffered request.
type BufferedRequestSnapshot struct {
	ID         string    `json:"id"`
	ModelID    string    `json:"model_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// BufferedRequestManagerSnapshot is the body of GET /api/v1/buffered_requests
// and /api/v1/buffered_requests/stream.
type BufferedRequestManagerSnapshot struct {
	Count    int                       `json:"count"`
	Requests []BufferedRequestSnapshot `json:"requests"`
}
