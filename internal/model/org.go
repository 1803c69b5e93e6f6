// Package model defines the core data types shared across Switchboard components.
package model

import (
	"time"

	"github.com/google/uuid"
)

// Organization is a tenant. The API token is the sole authentication input:
// every proxied request carries X-Switchboard-Token, which resolves to an org.
type Organization struct {
	ID          uuid.UUID      `json:"id"`
	Name        string         `json:"name"`
	APIToken    string         `json:"-"`
	Settings    map[string]any `json:"settings"`
	DailyBudget float64        `json:"daily_budget"`
	IsActive    bool           `json:"is_active"`
	CreatedAt   time.Time      `json:"created_at"`
}

// AgentStatus is the lifecycle state of an agent.
type AgentStatus string

const (
	AgentActive  AgentStatus = "active"
	AgentPaused  AgentStatus = "paused"
	AgentRevoked AgentStatus = "revoked"
	AgentWarning AgentStatus = "warning"
)

// Agent is an autonomous client observed through the proxy. Agents are
// auto-created on first sight (upsert keyed on AgentID); a paused or revoked
// agent must never reach an upstream.
type Agent struct {
	ID        uuid.UUID   `json:"id"`
	AgentID   string      `json:"agent_id"`
	OrgID     uuid.UUID   `json:"org_id"`
	Name      string      `json:"name"`
	Framework string      `json:"framework"`
	Status    AgentStatus `json:"status"`
	RateLimit int         `json:"rate_limit"`
	LastSeen  time.Time   `json:"last_seen"`
	CreatedAt time.Time   `json:"created_at"`
}
