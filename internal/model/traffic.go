package model

import "time"

// ResourceType classifies the logical resource a request touches.
// Extraction order is fixed: database_table, then file, then api_endpoint.
type ResourceType string

const (
	ResourceDatabaseTable ResourceType = "database_table"
	ResourceFile          ResourceType = "file"
	ResourceAPIEndpoint   ResourceType = "api_endpoint"
)

// ResourceLock records the current holder of a logical resource. At most one
// holder exists per resource hash; expiry is authoritative.
type ResourceLock struct {
	ResourceHash  string    `json:"resource_hash"`
	HolderAgentID string    `json:"holder_agent_id"`
	AcquiredAt    time.Time `json:"acquired_at"`
	TTLSeconds    int       `json:"ttl_seconds"`
}

// Resolution is the outcome of a lock request.
type Resolution string

const (
	ResolutionGranted  Resolution = "granted"
	ResolutionQueued   Resolution = "queued"
	ResolutionRejected Resolution = "rejected"
)

// ConflictResult is returned by the traffic controller for every access
// request. WaitMs is set only for queued resolutions.
type ConflictResult struct {
	Resolution Resolution    `json:"resolution"`
	Lock       *ResourceLock `json:"lock,omitempty"`
	WaitMs     int64         `json:"wait_ms,omitempty"`
	Reason     string        `json:"reason,omitempty"`
}
