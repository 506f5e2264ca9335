package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mixelka/otpgate/pkg/models"
)

// ErrNotFound is returned when a record is not found
var ErrNotFound = errors.New("record not found")

// ErrAlreadyExists is returned when trying to insert a duplicate record
var ErrAlreadyExists = errors.New("record already exists")

// ErrSessionActive is returned when a session already has a non-terminal request
var ErrSessionActive = errors.New("session already has an active request")

// CreateRequest inserts a new OTP request in pending state. A partial unique
// index on session_id backs the one-active-request-per-session invariant; a
// violation is reported as ErrSessionActive.
func (db *DB) CreateRequest(ctx context.Context, req *models.OTPRequest) error {
	query := `
		INSERT INTO otp_requests (id, session_id, email_account_id, account_type, otp_type, status, requested_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	now := time.Now()
	if req.RequestedAt.IsZero() {
		req.RequestedAt = now
	}
	req.Status = models.StatusPending
	_, err := db.ExecContext(ctx, query,
		req.ID,
		req.SessionID,
		req.EmailAccountID,
		req.AccountType,
		req.OTPType,
		req.Status,
		req.RequestedAt,
		now,
		now,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrSessionActive
		}
		return fmt.Errorf("failed to create otp request: %w", err)
	}

	req.CreatedAt = now
	req.UpdatedAt = now
	return nil
}

// GetRequestByID returns a request by ID
func (db *DB) GetRequestByID(ctx context.Context, id string) (*models.OTPRequest, error) {
	var req models.OTPRequest
	query := `SELECT * FROM otp_requests WHERE id = ?`
	err := db.GetContext(ctx, &req, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get otp request: %w", err)
	}
	return &req, nil
}

// GetRequestBySession returns the most recent request for a session
func (db *DB) GetRequestBySession(ctx context.Context, sessionID string) (*models.OTPRequest, error) {
	var req models.OTPRequest
	query := `SELECT * FROM otp_requests WHERE session_id = ? ORDER BY requested_at DESC LIMIT 1`
	err := db.GetContext(ctx, &req, query, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get otp request by session: %w", err)
	}
	return &req, nil
}

// GetActiveRequestBySession returns the non-terminal request for a session, if any
func (db *DB) GetActiveRequestBySession(ctx context.Context, sessionID string) (*models.OTPRequest, error) {
	var req models.OTPRequest
	query := `SELECT * FROM otp_requests WHERE session_id = ? AND status IN ('pending', 'processing') LIMIT 1`
	err := db.GetContext(ctx, &req, query, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active request: %w", err)
	}
	return &req, nil
}

// ListPendingRequests returns all pending requests for one account type,
// oldest first. Processing rows are excluded so the sweep never contends with
// an in-flight attempt chain.
func (db *DB) ListPendingRequests(ctx context.Context, accountType string) ([]*models.OTPRequest, error) {
	var reqs []*models.OTPRequest
	query := `SELECT * FROM otp_requests WHERE status = 'pending' AND account_type = ? ORDER BY requested_at ASC`
	err := db.SelectContext(ctx, &reqs, query, accountType)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending requests: %w", err)
	}
	return reqs, nil
}

// MarkProcessing performs the atomic pending -> processing transition. It
// returns true only for the caller that won the conditional update; a false
// return means another trigger already owns the request.
func (db *DB) MarkProcessing(ctx context.Context, id string) (bool, error) {
	query := `UPDATE otp_requests SET status = 'processing', updated_at = ? WHERE id = ? AND status = 'pending'`
	result, err := db.ExecContext(ctx, query, time.Now(), id)
	if err != nil {
		return false, fmt.Errorf("failed to mark request processing: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows == 1, nil
}

// CompleteRequest transitions processing -> completed with the extracted code.
// The WHERE clause keeps terminal states immutable.
func (db *DB) CompleteRequest(ctx context.Context, id, otp, messageID string) (bool, error) {
	now := time.Now()
	query := `
		UPDATE otp_requests
		SET status = 'completed', otp = ?, message_id = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status = 'processing'
	`
	result, err := db.ExecContext(ctx, query, otp, messageID, now, now, id)
	if err != nil {
		return false, fmt.Errorf("failed to complete request: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows == 1, nil
}

// FailRequest transitions a non-terminal request to failed with an error text
func (db *DB) FailRequest(ctx context.Context, id, errText string) (bool, error) {
	query := `
		UPDATE otp_requests
		SET status = 'failed', error = ?, updated_at = ?
		WHERE id = ? AND status IN ('pending', 'processing')
	`
	result, err := db.ExecContext(ctx, query, errText, time.Now(), id)
	if err != nil {
		return false, fmt.Errorf("failed to fail request: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows == 1, nil
}

// ExpireStaleProcessing fails processing rows whose requested_at is older than
// the cutoff. Covers chains orphaned by a process crash; an alive chain always
// terminates its request well before the cutoff.
func (db *DB) ExpireStaleProcessing(ctx context.Context, accountType string, cutoff time.Time, errText string) (int64, error) {
	query := `
		UPDATE otp_requests
		SET status = 'failed', error = ?, updated_at = ?
		WHERE status = 'processing' AND account_type = ? AND requested_at < ?
	`
	result, err := db.ExecContext(ctx, query, errText, time.Now(), accountType, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to expire stale requests: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows, nil
}
