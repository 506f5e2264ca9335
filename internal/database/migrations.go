package database

const schema = `
CREATE TABLE IF NOT EXISTS email_accounts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    email TEXT NOT NULL UNIQUE,
    provider TEXT NOT NULL DEFAULT 'gmail',
    access_token TEXT,
    refresh_token TEXT,
    token_expires DATETIME,
    is_active BOOLEAN DEFAULT true,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS otp_requests (
    id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL,
    email_account_id INTEGER NOT NULL REFERENCES email_accounts(id),
    account_type TEXT NOT NULL,
    otp_type TEXT,
    status TEXT NOT NULL DEFAULT 'pending',
    requested_at DATETIME NOT NULL,
    completed_at DATETIME,
    otp TEXT,
    message_id TEXT,
    error TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS processed_emails (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    message_id TEXT NOT NULL,
    email_account_id INTEGER NOT NULL REFERENCES email_accounts(id),
    account_type TEXT NOT NULL,
    otp_type TEXT NOT NULL DEFAULT '',
    processed_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(message_id, email_account_id)
);

CREATE INDEX IF NOT EXISTS idx_requests_status ON otp_requests(status, requested_at);
CREATE INDEX IF NOT EXISTS idx_requests_account ON otp_requests(email_account_id, account_type, otp_type);
CREATE UNIQUE INDEX IF NOT EXISTS idx_requests_session_open
    ON otp_requests(session_id) WHERE status IN ('pending', 'processing');
CREATE INDEX IF NOT EXISTS idx_processed_account ON processed_emails(email_account_id);
CREATE INDEX IF NOT EXISTS idx_accounts_active ON email_accounts(is_active);
`
