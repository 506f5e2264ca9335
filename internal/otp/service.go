package otp

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/mixelka/otpgate/internal/database"
	"github.com/mixelka/otpgate/internal/policy"
	"github.com/mixelka/otpgate/pkg/models"
)

// CreateParams are the inputs of a new OTP request
type CreateParams struct {
	EmailAccountID int64
	AccountType    string
	OTPType        string
	SessionID      string
}

// Service is the synchronous entry point: request creation and status lookup.
// Resolution itself happens in the background via the orchestrator.
type Service struct {
	db     *database.DB
	orch   *Orchestrator
	sched  Rescheduler
	logger *slog.Logger
}

// NewService creates the request service
func NewService(db *database.DB, orch *Orchestrator, sched Rescheduler, logger *slog.Logger) *Service {
	return &Service{
		db:     db,
		orch:   orch,
		sched:  sched,
		logger: logger.With("component", "otp_service"),
	}
}

// CreateRequest validates and stores a new request, then fires the immediate
// trigger asynchronously. Returns ConflictError when the session already has
// a non-terminal request; the caller gets that request's identity, never a
// second row.
func (s *Service) CreateRequest(ctx context.Context, p CreateParams) (*models.OTPRequest, error) {
	if p.SessionID == "" {
		return nil, validationf("sessionId is required")
	}
	if p.AccountType == "" {
		return nil, validationf("accountType is required")
	}
	if p.EmailAccountID <= 0 {
		return nil, validationf("emailAccountId is required")
	}

	pol, sub, err := policy.Resolve(p.AccountType, p.OTPType)
	if err != nil {
		if errors.Is(err, policy.ErrUnknownPolicy) {
			return nil, fmt.Errorf("%w: %s", database.ErrNotFound, p.AccountType)
		}
		return nil, validationf("%s", err.Error())
	}

	account, err := s.db.GetAccountByID(ctx, p.EmailAccountID)
	if err != nil {
		return nil, err
	}
	if !account.IsActive {
		return nil, validationf("email account %d is not active", account.ID)
	}
	if !account.RefreshToken.Valid || account.RefreshToken.String == "" {
		return nil, validationf("email account %d has no stored credentials", account.ID)
	}

	if existing, err := s.db.GetActiveRequestBySession(ctx, p.SessionID); err == nil {
		return nil, &ConflictError{Existing: existing}
	} else if !errors.Is(err, database.ErrNotFound) {
		return nil, err
	}

	req := &models.OTPRequest{
		ID:             uuid.NewString(),
		SessionID:      p.SessionID,
		EmailAccountID: account.ID,
		AccountType:    pol.Key,
		OTPType:        sql.NullString{String: sub.Key, Valid: true},
	}
	if err := s.db.CreateRequest(ctx, req); err != nil {
		if errors.Is(err, database.ErrSessionActive) {
			// Lost a race with a concurrent create; surface the winner
			if existing, lookupErr := s.db.GetActiveRequestBySession(ctx, p.SessionID); lookupErr == nil {
				return nil, &ConflictError{Existing: existing}
			}
		}
		return nil, err
	}

	s.logger.Info("otp request created",
		"request_id", req.ID,
		"session_id", req.SessionID,
		"account_type", req.AccountType,
		"otp_type", req.OTPType.String,
	)

	// Immediate trigger; the call returns before resolution completes
	id := req.ID
	s.sched.RunAfter(0, func() { s.orch.ProcessRequest(context.Background(), id) })

	return req, nil
}

// GetByID returns a request by its identity
func (s *Service) GetByID(ctx context.Context, requestID string) (*models.OTPRequest, error) {
	return s.db.GetRequestByID(ctx, requestID)
}

// GetBySession returns the most recent request for a session
func (s *Service) GetBySession(ctx context.Context, sessionID string) (*models.OTPRequest, error) {
	return s.db.GetRequestBySession(ctx, sessionID)
}

// SweepNow enqueues one sweep pass, used by the manual trigger endpoint
func (s *Service) SweepNow() {
	s.sched.RunAfter(0, func() { s.orch.Sweep(context.Background()) })
}
