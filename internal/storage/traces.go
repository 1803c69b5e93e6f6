package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/switchboardhq/switchboard/internal/model"
)

var traceColumns = []string{
	"trace_id", "span_id", "parent_span_id", "ts", "duration_ms",
	"org_id", "agent_id", "agent_name", "agent_framework",
	"request_type", "intent_category", "risk_score",
	"model_provider", "model_name", "input_tokens", "output_tokens", "cost_usd",
	"request_body", "response_body", "reasoning_steps", "tool_calls",
	"policy_applied", "action_taken", "block_reason", "is_shadow_event",
	"client_ip", "user_agent", "custom_metadata",
}

func traceRow(t model.Trace) ([]any, error) {
	var intent *string
	if t.IntentCategory != nil {
		s := string(*t.IntentCategory)
		intent = &s
	}
	reasoning, err := json.Marshal(t.ReasoningSteps)
	if err != nil {
		return nil, fmt.Errorf("storage: marshal reasoning steps: %w", err)
	}
	toolCalls, err := json.Marshal(t.ToolCalls)
	if err != nil {
		return nil, fmt.Errorf("storage: marshal tool calls: %w", err)
	}
	meta := t.CustomMetadata
	if meta == nil {
		meta = map[string]any{}
	}
	return []any{
		t.TraceID, t.SpanID, t.ParentSpanID, t.Timestamp, t.DurationMs,
		t.OrgID, t.AgentID, t.AgentName, t.AgentFramework,
		t.RequestType, intent, t.RiskScore,
		t.ModelProvider, t.ModelName, t.InputTokens, t.OutputTokens, t.CostUSD,
		[]byte(t.RequestBody), []byte(t.ResponseBody), reasoning, toolCalls,
		t.PolicyApplied, string(t.ActionTaken), t.BlockReason, t.IsShadowEvent,
		t.ClientIP, t.UserAgent, meta,
	}, nil
}

// InsertTraces writes a batch of traces with COPY. Returns the number of rows
// written. Used by the recorder's background flush.
func (db *DB) InsertTraces(ctx context.Context, traces []model.Trace) (int64, error) {
	if len(traces) == 0 {
		return 0, nil
	}
	rows := make([][]any, len(traces))
	for i, t := range traces {
		row, err := traceRow(t)
		if err != nil {
			return 0, err
		}
		rows[i] = row
	}
	n, err := db.pool.CopyFrom(ctx, pgx.Identifier{"agent_traces"}, traceColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return 0, fmt.Errorf("storage: copy traces: %w", err)
	}
	return n, nil
}

// InsertTrace writes a single trace synchronously. This is the immediate path
// for denial auditing: the row must be durable before the 403 is written.
func (db *DB) InsertTrace(ctx context.Context, t model.Trace) error {
	row, err := traceRow(t)
	if err != nil {
		return err
	}
	placeholders := ""
	for i := range traceColumns {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += fmt.Sprintf("$%d", i+1)
	}
	cols := ""
	for i, c := range traceColumns {
		if i > 0 {
			cols += ", "
		}
		cols += c
	}
	if _, err := db.pool.Exec(ctx,
		`INSERT INTO agent_traces (`+cols+`) VALUES (`+placeholders+`)`, row...); err != nil {
		return fmt.Errorf("storage: insert trace: %w", err)
	}
	return nil
}

// TraceFilter narrows ListTraces.
type TraceFilter struct {
	OnlyBlocked bool
	OnlyShadow  bool
	Since       time.Time
	Limit       int
}

// ListTraces returns recent traces for an org, newest first.
func (db *DB) ListTraces(ctx context.Context, orgID uuid.UUID, f TraceFilter) ([]model.Trace, error) {
	where := `WHERE org_id = $1`
	args := []any{orgID}
	if f.OnlyBlocked {
		where += ` AND action_taken = 'blocked'`
	}
	if f.OnlyShadow {
		where += ` AND is_shadow_event`
	}
	if !f.Since.IsZero() {
		args = append(args, f.Since)
		where += fmt.Sprintf(` AND ts >= $%d`, len(args))
	}
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	cols := ""
	for i, c := range traceColumns {
		if i > 0 {
			cols += ", "
		}
		cols += c
	}
	rows, err := db.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM agent_traces %s ORDER BY ts DESC LIMIT %d`, cols, where, limit),
		args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list traces: %w", err)
	}
	defer rows.Close()

	var traces []model.Trace
	for rows.Next() {
		t, err := scanTrace(rows)
		if err != nil {
			return nil, err
		}
		traces = append(traces, t)
	}
	return traces, rows.Err()
}

// ShadowSavings sums the mitigated cost of shadow-blocked traces in a window.
func (db *DB) ShadowSavings(ctx context.Context, orgID uuid.UUID, since time.Time) (count int, cost float64, err error) {
	err = db.pool.QueryRow(ctx,
		`SELECT count(*), COALESCE(sum(cost_usd), 0)
		 FROM agent_traces
		 WHERE org_id = $1 AND is_shadow_event AND ts >= $2`, orgID, since,
	).Scan(&count, &cost)
	if err != nil {
		return 0, 0, fmt.Errorf("storage: shadow savings: %w", err)
	}
	return count, cost, nil
}

// AgentTokenStats holds per-agent token usage statistics over a window.
type AgentTokenStats struct {
	OrgID   uuid.UUID
	AgentID string
	Count   int
	Mean    float64
	StdDev  float64
}

// TokenStatsByAgent computes mean and population stddev of total tokens per
// agent over the window, restricted to agents with at least minTraces traces.
// Feeds the anomaly detector's baseline.
func (db *DB) TokenStatsByAgent(ctx context.Context, since time.Time, minTraces int) ([]AgentTokenStats, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT org_id, agent_id, count(*),
		        avg(COALESCE(input_tokens, 0) + COALESCE(output_tokens, 0)),
		        COALESCE(stddev_pop(COALESCE(input_tokens, 0) + COALESCE(output_tokens, 0)), 0)
		 FROM agent_traces
		 WHERE ts >= $1
		 GROUP BY org_id, agent_id
		 HAVING count(*) >= $2`, since, minTraces)
	if err != nil {
		return nil, fmt.Errorf("storage: token stats: %w", err)
	}
	defer rows.Close()

	var stats []AgentTokenStats
	for rows.Next() {
		var s AgentTokenStats
		if err := rows.Scan(&s.OrgID, &s.AgentID, &s.Count, &s.Mean, &s.StdDev); err != nil {
			return nil, fmt.Errorf("storage: scan token stats: %w", err)
		}
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// RecentTracesForAgent returns traces for one agent since the given time,
// oldest first. Used by the anomaly detector's outlier pass.
func (db *DB) RecentTracesForAgent(ctx context.Context, orgID uuid.UUID, agentID string, since time.Time) ([]model.Trace, error) {
	cols := ""
	for i, c := range traceColumns {
		if i > 0 {
			cols += ", "
		}
		cols += c
	}
	rows, err := db.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM agent_traces WHERE org_id = $1 AND agent_id = $2 AND ts >= $3 ORDER BY ts`, cols),
		orgID, agentID, since)
	if err != nil {
		return nil, fmt.Errorf("storage: recent traces: %w", err)
	}
	defer rows.Close()

	var traces []model.Trace
	for rows.Next() {
		t, err := scanTrace(rows)
		if err != nil {
			return nil, err
		}
		traces = append(traces, t)
	}
	return traces, rows.Err()
}

func scanTrace(row pgx.Row) (model.Trace, error) {
	var t model.Trace
	var intent *string
	var action string
	var reasoning, toolCalls []byte
	err := row.Scan(
		&t.TraceID, &t.SpanID, &t.ParentSpanID, &t.Timestamp, &t.DurationMs,
		&t.OrgID, &t.AgentID, &t.AgentName, &t.AgentFramework,
		&t.RequestType, &intent, &t.RiskScore,
		&t.ModelProvider, &t.ModelName, &t.InputTokens, &t.OutputTokens, &t.CostUSD,
		&t.RequestBody, &t.ResponseBody, &reasoning, &toolCalls,
		&t.PolicyApplied, &action, &t.BlockReason, &t.IsShadowEvent,
		&t.ClientIP, &t.UserAgent, &t.CustomMetadata,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Trace{}, ErrNotFound
		}
		return model.Trace{}, fmt.Errorf("storage: scan trace: %w", err)
	}
	t.ActionTaken = model.ActionTaken(action)
	if intent != nil {
		cat := model.IntentCategory(*intent)
		t.IntentCategory = &cat
	}
	if len(reasoning) > 0 {
		_ = json.Unmarshal(reasoning, &t.ReasoningSteps)
	}
	if len(toolCalls) > 0 {
		_ = json.Unmarshal(toolCalls, &t.ToolCalls)
	}
	return t, nil
}
