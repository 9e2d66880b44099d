package wire

import (
	"encoding/json"
	"fmt"

	"github.com/llmops/fleetbalancer/lib/domain"
)

// NotificationMethod tags which variant of the notification union is
// present. UpdateAgentStatus flows agent→balancer; SetApplicableState
// flows balancer→agent.
type NotificationMethod string

const (
	MethodUpdateAgentStatus  NotificationMethod = "update_agent_status"
	MethodSetApplicableState NotificationMethod = "set_applicable_state"
)

// InnerNotification is the notification union.
type InnerNotification struct {
	Method NotificationMethod

	UpdateAgentStatus  *domain.SlotAggregatedStatusSnapshot
	SetApplicableState *domain.AgentApplicableState
}

func UpdateAgentStatusNotification(s domain.SlotAggregatedStatusSnapshot) InnerNotification {
	return InnerNotification{Method: MethodUpdateAgentStatus, UpdateAgentStatus: &s}
}

func SetApplicableStateNotification(s domain.AgentApplicableState) InnerNotification {
	return InnerNotification{Method: MethodSetApplicableState, SetApplicableState: &s}
}

type innerNotificationWire struct {
	Method NotificationMethod `json:"method"`
	Params json.RawMessage    `json:"params"`
}

func (n InnerNotification) MarshalJSON() ([]byte, error) {
	w := innerNotificationWire{Method: n.Method}

	var params any
	switch n.Method {
	case MethodUpdateAgentStatus:
		params = n.UpdateAgentStatus
	case MethodSetApplicableState:
		params = n.SetApplicableState
	default:
		return nil, fmt.Errorf("wire: unknown notification method %q", n.Method)
	}

	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	w.Params = raw

	return json.Marshal(w)
}

func (n *InnerNotification) UnmarshalJSON(data []byte) error {
	var w innerNotificationWire
	if err := strictUnmarshal(data, &w); err != nil {
		return err
	}

	n.Method = w.Method
	switch w.Method {
	case MethodUpdateAgentStatus:
		var s domain.SlotAggregatedStatusSnapshot
		if err := strictUnmarshal(w.Params, &s); err != nil {
			return fmt.Errorf("wire: decoding update_agent_status params: %w", err)
		}
		n.UpdateAgentStatus = &s
	case MethodSetApplicableState:
		var s domain.AgentApplicableState
		if err := strictUnmarshal(w.Params, &s); err != nil {
			return fmt.Errorf("wire: decoding set_applicable_state params: %w", err)
		}
		n.SetApplicableState = &s
	default:
		return fmt.Errorf("wire: unknown notification method %q", w.Method)
	}

	return nil
}
