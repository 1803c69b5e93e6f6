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

// CreateAnomaly inserts a new anomaly in active status.
func (db *DB) CreateAnomaly(ctx context.Context, a model.Anomaly) (model.Anomaly, error) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.DetectedAt.IsZero() {
		a.DetectedAt = time.Now().UTC()
	}
	if a.Status == "" {
		a.Status = model.AnomalyActive
	}
	if a.Details == nil {
		a.Details = map[string]any{}
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO anomalies (anomaly_id, org_id, agent_id, type, severity, details, detected_at, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID, a.OrgID, a.AgentID, a.Type, a.Severity, a.Details, a.DetectedAt, string(a.Status),
	)
	if err != nil {
		return model.Anomaly{}, fmt.Errorf("storage: create anomaly: %w", err)
	}
	return a, nil
}

// ResolveAnomaly marks an anomaly resolved.
func (db *DB) ResolveAnomaly(ctx context.Context, id uuid.UUID, resolvedBy string) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE anomalies SET status = 'resolved', resolved_at = now(), resolved_by = $1
		 WHERE anomaly_id = $2 AND status = 'active'`, resolvedBy, id)
	if err != nil {
		return fmt.Errorf("storage: resolve anomaly: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListActiveAnomalies returns unresolved anomalies for an org, newest first.
func (db *DB) ListActiveAnomalies(ctx context.Context, orgID uuid.UUID) ([]model.Anomaly, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT anomaly_id, org_id, agent_id, type, severity, details, detected_at, status, resolved_at, resolved_by
		 FROM anomalies WHERE org_id = $1 AND status = 'active' ORDER BY detected_at DESC`, orgID)
	if err != nil {
		return nil, fmt.Errorf("storage: list anomalies: %w", err)
	}
	defer rows.Close()

	var out []model.Anomaly
	for rows.Next() {
		var a model.Anomaly
		var status string
		if err := rows.Scan(&a.ID, &a.OrgID, &a.AgentID, &a.Type, &a.Severity,
			&a.Details, &a.DetectedAt, &status, &a.ResolvedAt, &a.ResolvedBy); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, ErrNotFound
			}
			return nil, fmt.Errorf("storage: scan anomaly: %w", err)
		}
		a.Status = model.AnomalyStatus(status)
		out = append(out, a)
	}
	return out, rows.Err()
}
