package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mixelka/otpgate/pkg/models"
)

// IsProcessed reports whether a (message, account) pair is already in the ledger
func (db *DB) IsProcessed(ctx context.Context, messageID string, accountID int64) (bool, error) {
	var id int64
	query := `SELECT id FROM processed_emails WHERE message_id = ? AND email_account_id = ?`
	err := db.GetContext(ctx, &id, query, messageID, accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check processed email: %w", err)
	}
	return true, nil
}

// RecordProcessed inserts a dedup ledger entry (ignores if already exists)
func (db *DB) RecordProcessed(ctx context.Context, entry *models.ProcessedEmail) error {
	query := `
		INSERT OR IGNORE INTO processed_emails (message_id, email_account_id, account_type, otp_type, processed_at)
		VALUES (?, ?, ?, ?, ?)
	`
	now := time.Now()
	result, err := db.ExecContext(ctx, query,
		entry.MessageID,
		entry.EmailAccountID,
		entry.AccountType,
		entry.OTPType,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to record processed email: %w", err)
	}

	// Check if row was actually inserted (not ignored due to duplicate)
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrAlreadyExists
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	entry.ID = id
	entry.ProcessedAt = now
	return nil
}
