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

// GetActivePolicy returns the single active policy for an org.
func (db *DB) GetActivePolicy(ctx context.Context, orgID uuid.UUID) (model.Policy, error) {
	var p model.Policy
	var blocked []string
	err := db.pool.QueryRow(ctx,
		`SELECT policy_id, version, max_burn_rate_per_hour, blocked_intents,
		        pii_masking_enabled, shadow_mode, rules
		 FROM policies WHERE org_id = $1 AND is_active`, orgID,
	).Scan(&p.PolicyID, &p.Version, &p.MaxBurnRatePerHr, &blocked,
		&p.PIIMaskingEnabled, &p.ShadowMode, &p.Rules)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Policy{}, ErrNotFound
		}
		return model.Policy{}, fmt.Errorf("storage: get active policy: %w", err)
	}
	for _, b := range blocked {
		p.BlockedIntents = append(p.BlockedIntents, model.IntentCategory(b))
	}
	return p, nil
}

// UpsertPolicy replaces the active policy for an org. Last writer wins; no
// version check is performed on concurrent updates.
func (db *DB) UpsertPolicy(ctx context.Context, orgID uuid.UUID, p model.Policy) error {
	blocked := make([]string, len(p.BlockedIntents))
	for i, b := range p.BlockedIntents {
		blocked[i] = string(b)
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin policy tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`UPDATE policies SET is_active = FALSE WHERE org_id = $1`, orgID); err != nil {
		return fmt.Errorf("storage: deactivate policies: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO policies (policy_id, org_id, version, max_burn_rate_per_hour,
		   blocked_intents, pii_masking_enabled, shadow_mode, rules, is_active, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, TRUE, $9)
		 ON CONFLICT (org_id, policy_id) DO UPDATE SET
		   version = EXCLUDED.version,
		   max_burn_rate_per_hour = EXCLUDED.max_burn_rate_per_hour,
		   blocked_intents = EXCLUDED.blocked_intents,
		   pii_masking_enabled = EXCLUDED.pii_masking_enabled,
		   shadow_mode = EXCLUDED.shadow_mode,
		   rules = EXCLUDED.rules,
		   is_active = TRUE,
		   updated_at = EXCLUDED.updated_at`,
		p.PolicyID, orgID, p.Version, p.MaxBurnRatePerHr, blocked,
		p.PIIMaskingEnabled, p.ShadowMode, p.Rules, time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("storage: upsert policy: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit policy tx: %w", err)
	}
	return nil
}
