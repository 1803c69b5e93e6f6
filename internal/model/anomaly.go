package model

import (
	"time"

	"github.com/google/uuid"
)

// AnomalyStatus tracks whether an anomaly has been acknowledged.
type AnomalyStatus string

const (
	AnomalyActive   AnomalyStatus = "active"
	AnomalyResolved AnomalyStatus = "resolved"
)

// Anomaly is a statistical outlier flagged by the detector.
type Anomaly struct {
	ID         uuid.UUID      `json:"anomaly_id"`
	OrgID      uuid.UUID      `json:"org_id"`
	AgentID    string         `json:"agent_id"`
	Type       string         `json:"type"`
	Severity   string         `json:"severity"`
	Details    map[string]any `json:"details"`
	DetectedAt time.Time      `json:"detected_at"`
	Status     AnomalyStatus  `json:"status"`
	ResolvedAt *time.Time     `json:"resolved_at,omitempty"`
	ResolvedBy *string        `json:"resolved_by,omitempty"`
}
