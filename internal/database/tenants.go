package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"saassync/internal/models"
)

// UpsertTenant inserts the tenant or overwrites region, tokens and timezone of
// an existing row. created_at is kept from the first install.
func (db *DB) UpsertTenant(ctx context.Context, tenant *models.Tenant) error {
	now := time.Now().UTC()
	if tenant.CreatedAt.IsZero() {
		tenant.CreatedAt = now
	}
	tenant.UpdatedAt = now

	query := `
        INSERT INTO tenants (id, region, access_token, refresh_token, time_zone, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET
            region = excluded.region,
            access_token = excluded.access_token,
            refresh_token = excluded.refresh_token,
            time_zone = excluded.time_zone,
            updated_at = excluded.updated_at
    `
	_, err := db.ExecContext(ctx, query,
		tenant.ID,
		tenant.Region,
		tenant.AccessToken,
		tenant.RefreshToken,
		tenant.TimeZone,
		tenant.CreatedAt,
		tenant.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert tenant: %w", err)
	}
	return nil
}

func (db *DB) GetTenant(ctx context.Context, id string) (*models.Tenant, error) {
	query := `
        SELECT id, region, access_token, refresh_token, time_zone, created_at, updated_at
        FROM tenants WHERE id = ?
    `
	var t models.Tenant
	err := db.QueryRowContext(ctx, query, id).Scan(
		&t.ID,
		&t.Region,
		&t.AccessToken,
		&t.RefreshToken,
		&t.TimeZone,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrTenantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tenant: %w", err)
	}
	return &t, nil
}

// ListTenants returns every installed tenant. Tenant counts are bounded by the
// number of customers, so no pagination.
func (db *DB) ListTenants(ctx context.Context) ([]models.TenantRef, error) {
	rows, err := db.QueryContext(ctx, `SELECT id, region FROM tenants ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	defer rows.Close()

	refs := []models.TenantRef{}
	for rows.Next() {
		var ref models.TenantRef
		if err := rows.Scan(&ref.ID, &ref.Region); err != nil {
			return nil, fmt.Errorf("failed to scan tenant: %w", err)
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

func (db *DB) UpdateTenantTokens(ctx context.Context, id, accessToken, refreshToken string) error {
	query := `UPDATE tenants SET access_token = ?, refresh_token = ?, updated_at = ? WHERE id = ?`
	res, err := db.ExecContext(ctx, query, accessToken, refreshToken, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update tenant tokens: %w", err)
	}
	return requireRow(res)
}

func (db *DB) UpdateTenantTimeZone(ctx context.Context, id, timeZone string) error {
	query := `UPDATE tenants SET time_zone = ?, updated_at = ? WHERE id = ?`
	res, err := db.ExecContext(ctx, query, timeZone, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update tenant timezone: %w", err)
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return models.ErrTenantNotFound
	}
	return nil
}
