package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/switchboardhq/switchboard/internal/model"
)

const agentColumns = `id, agent_id, org_id, name, framework, status, rate_limit, last_seen, created_at`

// UpsertAgent creates an agent on first sight or refreshes name, framework,
// and last_seen on subsequent requests. Status is never downgraded by the
// upsert: a paused or revoked agent stays paused or revoked.
func (db *DB) UpsertAgent(ctx context.Context, agent model.Agent) (model.Agent, error) {
	if agent.ID == uuid.Nil {
		agent.ID = uuid.New()
	}
	now := time.Now().UTC()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	agent.LastSeen = now
	if agent.Status == "" {
		agent.Status = model.AgentActive
	}

	row := db.pool.QueryRow(ctx,
		`INSERT INTO agents (id, agent_id, org_id, name, framework, status, rate_limit, last_seen, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (org_id, agent_id) DO UPDATE SET
		   name = COALESCE(NULLIF(EXCLUDED.name, ''), agents.name),
		   framework = COALESCE(NULLIF(EXCLUDED.framework, ''), agents.framework),
		   last_seen = EXCLUDED.last_seen
		 RETURNING `+agentColumns,
		agent.ID, agent.AgentID, agent.OrgID, agent.Name, agent.Framework,
		string(agent.Status), agent.RateLimit, agent.LastSeen, agent.CreatedAt,
	)
	return scanAgent(row)
}

// GetAgent retrieves one agent by its external id within an org.
func (db *DB) GetAgent(ctx context.Context, orgID uuid.UUID, agentID string) (model.Agent, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE org_id = $1 AND agent_id = $2`, orgID, agentID)
	return scanAgent(row)
}

// ListAgents returns all agents for an org, most recently seen first.
func (db *DB) ListAgents(ctx context.Context, orgID uuid.UUID) ([]model.Agent, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE org_id = $1 ORDER BY last_seen DESC`, orgID)
	if err != nil {
		return nil, fmt.Errorf("storage: list agents: %w", err)
	}
	defer rows.Close()

	var agents []model.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// SetAgentStatus updates one agent's status.
func (db *DB) SetAgentStatus(ctx context.Context, orgID uuid.UUID, agentID string, status model.AgentStatus) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE agents SET status = $1 WHERE org_id = $2 AND agent_id = $3`,
		string(status), orgID, agentID)
	if err != nil {
		return fmt.Errorf("storage: set agent status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetAllAgentStatuses updates every agent in an org; used by pause-all and
// resume-all control mutations.
func (db *DB) SetAllAgentStatuses(ctx context.Context, orgID uuid.UUID, status model.AgentStatus) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE agents SET status = $1 WHERE org_id = $2 AND status <> 'revoked'`,
		string(status), orgID)
	if err != nil {
		return 0, fmt.Errorf("storage: set all agent statuses: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanAgent(row pgx.Row) (model.Agent, error) {
	var a model.Agent
	var status string
	err := row.Scan(&a.ID, &a.AgentID, &a.OrgID, &a.Name, &a.Framework,
		&status, &a.RateLimit, &a.LastSeen, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Agent{}, ErrNotFound
		}
		return model.Agent{}, fmt.Errorf("storage: scan agent: %w", err)
	}
	a.Status = model.AgentStatus(status)
	return a, nil
}
