package models

import (
	"database/sql"
	"time"
)

// RequestStatus is the lifecycle state of an OTP request
type RequestStatus string

const (
	StatusPending    RequestStatus = "pending"
	StatusProcessing RequestStatus = "processing"
	StatusCompleted  RequestStatus = "completed"
	StatusFailed     RequestStatus = "failed"
)

// Terminal reports whether no further transition may leave this status
func (s RequestStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// OTPRequest represents one "fetch me a code" request
type OTPRequest struct {
	ID             string         `db:"id"`               // UUID
	SessionID      string         `db:"session_id"`       // Caller's session, unique among non-terminal rows
	EmailAccountID int64          `db:"email_account_id"` // FK to EmailAccount
	AccountType    string         `db:"account_type"`     // Matching policy key, e.g. "netflix"
	OTPType        sql.NullString `db:"otp_type"`         // Sub-policy key, required for some policies
	Status         RequestStatus  `db:"status"`
	RequestedAt    time.Time      `db:"requested_at"`
	CompletedAt    sql.NullTime   `db:"completed_at"`
	OTP            sql.NullString `db:"otp"`
	MessageID      sql.NullString `db:"message_id"` // Gmail message the code came from
	Error          sql.NullString `db:"error"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
}
