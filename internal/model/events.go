package model

import "time"

// EventType enumerates the control-plane events pushed to subscribers.
type EventType string

const (
	EventAgentStatus       EventType = "agent_status"
	EventBurnRate          EventType = "burn_rate"
	EventAnomalyDetected   EventType = "anomaly_detected"
	EventTrace             EventType = "trace_event"
	EventGlobalPauseStatus EventType = "global_pause_status"
	EventAgentBlocked      EventType = "agent_blocked"
	EventPolicyUpdated     EventType = "policy_updated"
	EventWAFRuleUpdated    EventType = "waf_rule_updated"
	EventEmergencyStop     EventType = "emergency_stop"
)

// Event is one fan-out message. Timestamp is serialized as ISO-8601.
type Event struct {
	Type      EventType `json:"type"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}
