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

// ErrNotFound is returned when a queried row does not exist.
var ErrNotFound = errors.New("storage: not found")

const orgColumns = `id, name, api_token, settings, daily_budget, is_active, created_at`

// CreateOrganization inserts a new organization.
func (db *DB) CreateOrganization(ctx context.Context, org model.Organization) (model.Organization, error) {
	if org.ID == uuid.Nil {
		org.ID = uuid.New()
	}
	if org.CreatedAt.IsZero() {
		org.CreatedAt = time.Now().UTC()
	}
	if org.Settings == nil {
		org.Settings = map[string]any{}
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO organizations (id, name, api_token, settings, daily_budget, is_active, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		org.ID, org.Name, org.APIToken, org.Settings, org.DailyBudget, org.IsActive, org.CreatedAt,
	)
	if err != nil {
		return model.Organization{}, fmt.Errorf("storage: create organization: %w", err)
	}
	return org, nil
}

// GetOrganizationByToken resolves an API token to its active organization.
// Tokens are unique across active organizations.
func (db *DB) GetOrganizationByToken(ctx context.Context, token string) (model.Organization, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+orgColumns+` FROM organizations WHERE api_token = $1 AND is_active`, token)
	return scanOrganization(row)
}

// GetOrganization retrieves an org by ID.
func (db *DB) GetOrganization(ctx context.Context, id uuid.UUID) (model.Organization, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+orgColumns+` FROM organizations WHERE id = $1`, id)
	return scanOrganization(row)
}

// RevokeOrganizationToken deactivates the organization holding the token.
// Subsequent token lookups fail until a new token is issued.
func (db *DB) RevokeOrganizationToken(ctx context.Context, token string) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE organizations SET is_active = FALSE WHERE api_token = $1`, token)
	if err != nil {
		return fmt.Errorf("storage: revoke token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanOrganization(row pgx.Row) (model.Organization, error) {
	var org model.Organization
	err := row.Scan(&org.ID, &org.Name, &org.APIToken, &org.Settings,
		&org.DailyBudget, &org.IsActive, &org.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Organization{}, ErrNotFound
		}
		return model.Organization{}, fmt.Errorf("storage: scan organization: %w", err)
	}
	return org, nil
}
