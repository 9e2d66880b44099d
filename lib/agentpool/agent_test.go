package agentpool

import (
	"testing"

	"github.com/llmops/fleetbalancer/lib/domain"
	"github.com/llmops/fleetbalancer/lib/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	sent []wire.Envelope
}

func (f *fakeSender) Send(env wire.Envelope) { f.sent = append(f.sent, env) }

func TestAgentHandshakeToActive(t *testing.T) {
	a := New("agent-1", &fakeSender{})
	assert.Equal(t, Handshaking, a.State())

	a.OnStatusUpdate(domain.SlotAggregatedStatusSnapshot{
		Slots: []domain.SlotSnapshot{{State: domain.SlotIdle, ModelID: "llama"}},
	})
	assert.Equal(t, Active, a.State())
	assert.Equal(t, 1, a.DeclaredSlots())
}

func TestAgentTryReserveSlotRequiresCapacity(t *testing.T) {
	a := New("agent-1", &fakeSender{})
	a.OnStatusUpdate(domain.SlotAggregatedStatusSnapshot{
		Slots: []domain.SlotSnapshot{{State: domain.SlotIdle, ModelID: "llama"}},
	})

	require.NoError(t, a.TryReserveSlot("llama"))
	assert.Equal(t, 0, a.EffectiveFreeSlots())

	err := a.TryReserveSlot("llama")
	assert.Error(t, err)
}

func TestAgentSnapshotResetsOptimisticDecrement(t *testing.T) {
	a := New("agent-1", &fakeSender{})
	snap := domain.SlotAggregatedStatusSnapshot{
		Slots: []domain.SlotSnapshot{{State: domain.SlotIdle, ModelID: "llama"}},
	}
	a.OnStatusUpdate(snap)
	require.NoError(t, a.TryReserveSlot("llama"))
	assert.Equal(t, 0, a.EffectiveFreeSlots())

	a.OnStatusUpdate(snap)
	assert.Equal(t, 1, a.EffectiveFreeSlots())
}

func TestAgentDrainingRejectsDispatch(t *testing.T) {
	a := New("agent-1", &fakeSender{})
	a.OnStatusUpdate(domain.SlotAggregatedStatusSnapshot{
		Slots: []domain.SlotSnapshot{{State: domain.SlotIdle, ModelID: "llama"}},
	})
	a.MarkDraining()

	assert.False(t, a.CanAcceptDispatch("llama"))
	assert.Error(t, a.TryReserveSlot("llama"))
}

func TestMarkDrainingNoOpWhenNotActive(t *testing.T) {
	a := New("agent-1", &fakeSender{})
	a.MarkDraining()
	assert.Equal(t, Handshaking, a.State())
}
