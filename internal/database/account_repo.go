package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mixelka/otpgate/pkg/models"
)

// CreateAccount creates a new email account
func (db *DB) CreateAccount(ctx context.Context, account *models.EmailAccount) error {
	query := `
		INSERT INTO email_accounts (email, provider, access_token, refresh_token, token_expires, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	now := time.Now()
	result, err := db.ExecContext(ctx, query,
		account.Email,
		account.Provider,
		account.AccessToken,
		account.RefreshToken,
		account.TokenExpires,
		account.IsActive,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	account.ID = id
	account.CreatedAt = now
	account.UpdatedAt = now
	return nil
}

// GetAccountByID returns an account by ID
func (db *DB) GetAccountByID(ctx context.Context, id int64) (*models.EmailAccount, error) {
	var account models.EmailAccount
	query := `SELECT * FROM email_accounts WHERE id = ?`
	err := db.GetContext(ctx, &account, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return &account, nil
}

// GetAccountByEmail returns an account by email address
func (db *DB) GetAccountByEmail(ctx context.Context, email string) (*models.EmailAccount, error) {
	var account models.EmailAccount
	query := `SELECT * FROM email_accounts WHERE email = ?`
	err := db.GetContext(ctx, &account, query, email)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account by email: %w", err)
	}
	return &account, nil
}

// ListAccounts returns all accounts, newest first
func (db *DB) ListAccounts(ctx context.Context) ([]*models.EmailAccount, error) {
	var accounts []*models.EmailAccount
	query := `SELECT * FROM email_accounts ORDER BY created_at DESC`
	err := db.SelectContext(ctx, &accounts, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	return accounts, nil
}

// UpdateAccountTokens persists refreshed credentials for an account
func (db *DB) UpdateAccountTokens(ctx context.Context, id int64, accessToken string, expires time.Time) error {
	query := `UPDATE email_accounts SET access_token = ?, token_expires = ?, updated_at = ? WHERE id = ?`
	_, err := db.ExecContext(ctx, query, accessToken, expires, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update account tokens: %w", err)
	}
	return nil
}

// UpsertAccount creates an account or refreshes credentials for an existing one.
// Used by the OAuth callback; a missing refresh token on re-consent keeps the
// stored one.
func (db *DB) UpsertAccount(ctx context.Context, account *models.EmailAccount) error {
	existing, err := db.GetAccountByEmail(ctx, account.Email)
	if errors.Is(err, ErrNotFound) {
		return db.CreateAccount(ctx, account)
	}
	if err != nil {
		return err
	}

	refreshToken := account.RefreshToken
	if !refreshToken.Valid || refreshToken.String == "" {
		refreshToken = existing.RefreshToken
	}

	query := `
		UPDATE email_accounts
		SET provider = ?, access_token = ?, refresh_token = ?, token_expires = ?, is_active = ?, updated_at = ?
		WHERE id = ?
	`
	now := time.Now()
	_, err = db.ExecContext(ctx, query,
		account.Provider,
		account.AccessToken,
		refreshToken,
		account.TokenExpires,
		true,
		now,
		existing.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert account: %w", err)
	}

	account.ID = existing.ID
	account.RefreshToken = refreshToken
	account.UpdatedAt = now
	return nil
}

// SetAccountActive sets the active status of an account
func (db *DB) SetAccountActive(ctx context.Context, id int64, active bool) error {
	query := `UPDATE email_accounts SET is_active = ?, updated_at = ? WHERE id = ?`
	_, err := db.ExecContext(ctx, query, active, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to set account active: %w", err)
	}
	return nil
}
