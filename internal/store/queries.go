package store

import (
	"context"
	"errors"

	"github.com/apifoundry/gateway/internal/models"
	"github.com/jackc/pgx/v5"
)

const apiColumns = `id, account_id, name, code_snapshot, requirements, status, api_key, usage_count, created_at, updated_at`

func scanAPI(row pgx.Row) (*models.API, error) {
	var api models.API
	err := row.Scan(
		&api.ID,
		&api.AccountID,
		&api.Name,
		&api.CodeSnapshot,
		&api.Requirements,
		&api.Status,
		&api.APIKey,
		&api.UsageCount,
		&api.CreatedAt,
		&api.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &api, nil
}

func (db *DB) GetAPIByID(ctx context.Context, id string) (*models.API, error) {
	query := `SELECT ` + apiColumns + ` FROM apis WHERE id = $1`
	return scanAPI(db.Pool.QueryRow(ctx, query, id))
}

// GetAPIBySecret resolves a tenant only when both the ID and the access
// secret match. Unknown tenant and wrong secret are indistinguishable
// to the caller; both come back as ErrNotFound.
func (db *DB) GetAPIBySecret(ctx context.Context, id, apiKey string) (*models.API, error) {
	query := `SELECT ` + apiColumns + ` FROM apis WHERE id = $1 AND api_key = $2`
	return scanAPI(db.Pool.QueryRow(ctx, query, id, apiKey))
}

// GetAPIForAccount resolves a tenant only when it is owned by the
// given account. Used by the owner-facing management routes.
func (db *DB) GetAPIForAccount(ctx context.Context, id, accountID string) (*models.API, error) {
	query := `SELECT ` + apiColumns + ` FROM apis WHERE id = $1 AND account_id = $2`
	return scanAPI(db.Pool.QueryRow(ctx, query, id, accountID))
}

func (db *DB) ListActiveAPIs(ctx context.Context) ([]*models.API, error) {
	query := `SELECT ` + apiColumns + ` FROM apis WHERE status = $1`

	rows, err := db.Pool.Query(ctx, query, models.StatusActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var apis []*models.API
	for rows.Next() {
		api, err := scanAPI(rows)
		if err != nil {
			return nil, err
		}
		apis = append(apis, api)
	}
	return apis, rows.Err()
}

func (db *DB) UpdateStatus(ctx context.Context, id, status string) error {
	query := `UPDATE apis SET status = $2, updated_at = NOW() WHERE id = $1`

	tag, err := db.Pool.Exec(ctx, query, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (db *DB) GetAccountPlan(ctx context.Context, accountID string) (*models.AccountPlan, error) {
	query := `SELECT id, plan, custom_rate_limit FROM accounts WHERE id = $1`

	var plan models.AccountPlan
	err := db.Pool.QueryRow(ctx, query, accountID).Scan(
		&plan.AccountID,
		&plan.Plan,
		&plan.CustomRateLimit,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &plan, nil
}

func (db *DB) LogUsage(ctx context.Context, entry *models.UsageLog) error {
	query := `
        INSERT INTO api_usage_logs (api_id, account_id, status_code, response_time_ms, request_size_bytes)
        VALUES ($1, $2, $3, $4, $5)
    `

	_, err := db.Pool.Exec(ctx, query,
		entry.APIID,
		entry.AccountID,
		entry.StatusCode,
		entry.ResponseTimeMs,
		entry.RequestSizeBytes,
	)
	if err != nil {
		return err
	}

	_, err = db.Pool.Exec(ctx, `UPDATE apis SET usage_count = usage_count + 1 WHERE id = $1`, entry.APIID)
	return err
}
