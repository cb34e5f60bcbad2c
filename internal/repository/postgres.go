package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"saassync/internal/config"
	"saassync/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// PostgresTenantRepository stores tenants in Postgres for deployments that run
// several connector processes against one credential store.
type PostgresTenantRepository struct {
	pool   *pgxpool.Pool
	logger *zerolog.Logger
}

// NewPostgresPool connects and pings the database.
func NewPostgresPool(ctx context.Context, cfg config.PostgresConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse postgres url: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConnections)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

func NewPostgresTenantRepository(pool *pgxpool.Pool, logger *zerolog.Logger) *PostgresTenantRepository {
	return &PostgresTenantRepository{pool: pool, logger: logger}
}

// EnsureSchema creates the tenants table. Safe to call repeatedly.
func (r *PostgresTenantRepository) EnsureSchema(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS tenants (
  id uuid PRIMARY KEY,
  region text NOT NULL,
  access_token text NOT NULL,
  refresh_token text NOT NULL,
  time_zone text NOT NULL DEFAULT '',
  created_at timestamptz NOT NULL DEFAULT NOW(),
  updated_at timestamptz NOT NULL DEFAULT NOW()
);
`)
	if err != nil {
		return fmt.Errorf("ensure tenants schema: %w", err)
	}
	return nil
}

func (r *PostgresTenantRepository) UpsertTenant(ctx context.Context, tenant *models.Tenant) error {
	err := r.pool.QueryRow(ctx, `
INSERT INTO tenants (id, region, access_token, refresh_token, time_zone)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO UPDATE SET
  region = EXCLUDED.region,
  access_token = EXCLUDED.access_token,
  refresh_token = EXCLUDED.refresh_token,
  time_zone = EXCLUDED.time_zone,
  updated_at = NOW()
RETURNING created_at, updated_at`,
		tenant.ID, tenant.Region, tenant.AccessToken, tenant.RefreshToken, tenant.TimeZone,
	).Scan(&tenant.CreatedAt, &tenant.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert tenant: %w", err)
	}
	return nil
}

func (r *PostgresTenantRepository) GetTenant(ctx context.Context, id string) (*models.Tenant, error) {
	var t models.Tenant
	err := r.pool.QueryRow(ctx, `
SELECT id::text, region, access_token, refresh_token, time_zone, created_at, updated_at
FROM tenants WHERE id = $1`, id).Scan(
		&t.ID, &t.Region, &t.AccessToken, &t.RefreshToken, &t.TimeZone, &t.CreatedAt, &t.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrTenantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tenant: %w", err)
	}
	return &t, nil
}

func (r *PostgresTenantRepository) ListTenants(ctx context.Context) ([]models.TenantRef, error) {
	rows, err := r.pool.Query(ctx, `SELECT id::text, region FROM tenants ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	refs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.TenantRef, error) {
		var ref models.TenantRef
		err := row.Scan(&ref.ID, &ref.Region)
		return ref, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan tenants: %w", err)
	}
	if refs == nil {
		refs = []models.TenantRef{}
	}
	return refs, nil
}

func (r *PostgresTenantRepository) UpdateTenantTokens(ctx context.Context, id, accessToken, refreshToken string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE tenants SET access_token = $1, refresh_token = $2, updated_at = $3 WHERE id = $4`,
		accessToken, refreshToken, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update tenant tokens: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrTenantNotFound
	}
	return nil
}

func (r *PostgresTenantRepository) UpdateTenantTimeZone(ctx context.Context, id, timeZone string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE tenants SET time_zone = $1, updated_at = $2 WHERE id = $3`,
		timeZone, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update tenant timezone: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrTenantNotFound
	}
	return nil
}
