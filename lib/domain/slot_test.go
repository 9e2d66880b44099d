package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSlotAggregatedStatusSnapshot(t *testing.T) {
	snapshot := SlotAggregatedStatusSnapshot{
		Slots: []SlotSnapshot{
			{State: SlotIdle, ModelID: "llama", LastUpdate: time.Now()},
			{State: SlotBusy, ModelID: "llama", LastUpdate: time.Now()},
			{State: SlotError, LastUpdate: time.Now()},
		},
	}

	assert.Equal(t, 3, snapshot.DeclaredSlots())
	assert.Equal(t, 1, snapshot.FreeSlots())
	assert.Equal(t, 1, snapshot.BusySlots())
	assert.True(t, snapshot.HasFreeSlotForModel("llama"))
	assert.False(t, snapshot.HasFreeSlotForModel("mistral"))
}

func TestHasFreeSlotForModelUnbound(t *testing.T) {
	snapshot := SlotAggregatedStatusSnapshot{
		Slots: []SlotSnapshot{{State: SlotIdle}},
	}
	assert.True(t, snapshot.HasFreeSlotForModel("anything"))
}
