package models

import "time"

// ProcessedEmail is a dedup ledger entry. A (message_id, email_account_id) pair
// is recorded at most once, after the message yielded an OTP; the message is
// never evaluated again for a later request.
type ProcessedEmail struct {
	ID             int64     `db:"id"`
	MessageID      string    `db:"message_id"`       // Gmail message ID
	EmailAccountID int64     `db:"email_account_id"` // FK to EmailAccount
	AccountType    string    `db:"account_type"`
	OTPType        string    `db:"otp_type"`
	ProcessedAt    time.Time `db:"processed_at"`
}
