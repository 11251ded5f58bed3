package metastore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kenneth/chunkvault/internal/common"
	"github.com/kenneth/chunkvault/internal/models"
)

const accountColumns = `id, label, drive_number, storage_limit, storage_used, is_active, is_quarantine, credentials, created_at`

func scanAccount(row rowScanner) (*models.BackendAccount, error) {
	var (
		a     models.BackendAccount
		creds []byte
	)
	if err := row.Scan(&a.ID, &a.Label, &a.DriveNumber, &a.StorageLimit, &a.StorageUsed,
		&a.IsActive, &a.IsQuarantine, &creds, &a.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(creds, &a.Credentials); err != nil {
		return nil, fmt.Errorf("decode credentials of account %s: %w", a.ID, err)
	}
	return &a, nil
}

// ListAccounts returns all accounts ordered by drive number.
func (s *PostgresStore) ListAccounts(ctx context.Context) ([]*models.BackendAccount, error) {
	query := `SELECT ` + accountColumns + ` FROM backend_accounts ORDER BY drive_number, id`
	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to select accounts: %w", err)
	}
	defer rows.Close()

	var result []*models.BackendAccount
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// GetAccount returns one account by id.
func (s *PostgresStore) GetAccount(ctx context.Context, id string) (*models.BackendAccount, error) {
	query := `SELECT ` + accountColumns + ` FROM backend_accounts WHERE id = $1`
	a, err := scanAccount(s.conn.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select account: %w", err)
	}
	return a, nil
}

// UpsertAccount registers or updates an account inside a transaction so the
// single-quarantine rule is checked against a consistent view.
func (s *PostgresStore) UpsertAccount(ctx context.Context, a *models.BackendAccount) error {
	creds, err := json.Marshal(a.Credentials)
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}

	return s.withTx(ctx, func(ctx context.Context, tx DBTX) error {
		if a.IsQuarantine && a.IsActive {
			var others int
			q := `SELECT COUNT(*) FROM backend_accounts WHERE is_quarantine AND is_active AND id <> $1`
			if err := tx.QueryRowContext(ctx, q, a.ID).Scan(&others); err != nil {
				return fmt.Errorf("failed to count quarantine accounts: %w", err)
			}
			if others > 0 {
				return fmt.Errorf("%w: another active quarantine account exists", common.ErrConfiguration)
			}
		}

		query := `INSERT INTO backend_accounts (` + accountColumns + `)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9)
			ON CONFLICT (id) DO UPDATE SET
				label = EXCLUDED.label,
				drive_number = EXCLUDED.drive_number,
				storage_limit = EXCLUDED.storage_limit,
				is_active = EXCLUDED.is_active,
				is_quarantine = EXCLUDED.is_quarantine,
				credentials = EXCLUDED.credentials`
		_, err := tx.ExecContext(ctx, query, a.ID, a.Label, a.DriveNumber, a.StorageLimit, a.StorageUsed,
			a.IsActive, a.IsQuarantine, string(creds), a.CreatedAt)
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: another active quarantine account exists", common.ErrConfiguration)
		}
		if err != nil {
			return fmt.Errorf("db error: %w", err)
		}
		return nil
	})
}

// SetAccountActive enables or disables placement on an account.
func (s *PostgresStore) SetAccountActive(ctx context.Context, id string, active bool) error {
	res, err := s.conn.ExecContext(ctx, `UPDATE backend_accounts SET is_active = $2 WHERE id = $1`, id, active)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: another active quarantine account exists", common.ErrConfiguration)
	}
	if err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}
	return expectOneRow(res, common.ErrNotFound)
}

// AdjustStorageUsed applies a relative change in a single statement so
// concurrent adjustments never lose updates.
func (s *PostgresStore) AdjustStorageUsed(ctx context.Context, id string, delta int64) error {
	query := `UPDATE backend_accounts SET storage_used = GREATEST(0, storage_used + $2) WHERE id = $1`
	res, err := s.conn.ExecContext(ctx, query, id, delta)
	if err != nil {
		return fmt.Errorf("failed to adjust storage used: %w", err)
	}
	return expectOneRow(res, common.ErrNotFound)
}
