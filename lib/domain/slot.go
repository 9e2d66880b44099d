package domain

import "time"

// SlotState is the execution state of a single agent slot.
type SlotState string

const (
	SlotIdle  SlotState = "idle"
	SlotBusy  SlotState = "busy"
	SlotError SlotState = "error"
)

// SlotSnapshot describes one slot at the moment its agent reported status.
type SlotSnapshot struct {
	State      SlotState `json:"state"`
	ModelID    string    `json:"model_id,omitempty"`
	LastUpdate time.Time `json:"last_update"`
}

// SlotAggregatedStatusSnapshot is the authoritative wholesale replacement
// of an agent's per-slot state, carried in the agent's UpdateAgentStatus
// notification.
type SlotAggregatedStatusSnapshot struct {
	Slots []SlotSnapshot `json:"slots"`
}

// DeclaredSlots is the total slot count this agent reported.
func (s SlotAggregatedStatusSnapshot) DeclaredSlots() int {
	return len(s.Slots)
}

// FreeSlots counts slots currently idle.
func (s SlotAggregatedStatusSnapshot) FreeSlots() int {
	n := 0
	for _, slot := range s.Slots {
		if slot.State == SlotIdle {
			n++
		}
	}
	return n
}

// BusySlots counts slots currently busy.
func (s SlotAggregatedStatusSnapshot) BusySlots() int {
	n := 0
	for _, slot := range s.Slots {
		if slot.State == SlotBusy {
			n++
		}
	}
	return n
}

// HasFreeSlotForModel reports whether any idle slot is bound to modelID,
// or is unbound (modelID empty, meaning the agent hasn't committed a slot
// to a specific model yet and will load on demand).
func (s SlotAggregatedStatusSnapshot) HasFreeSlotForModel(modelID string) bool {
	for _, slot := range s.Slots {
		if slot.State != SlotIdle {
			continue
		}
		if slot.ModelID == "" || slot.ModelID == modelID {
			return true
		}
	}
	return false
}
