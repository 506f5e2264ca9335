package otp

import (
	"fmt"

	"github.com/mixelka/otpgate/pkg/models"
)

// ValidationError marks a request that was rejected before any state was
// created
type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string { return e.msg }

func validationf(format string, args ...any) *ValidationError {
	return &ValidationError{msg: fmt.Sprintf(format, args...)}
}

// ConflictError is returned when a session already has a non-terminal request.
// Existing identifies the request the caller should poll instead.
type ConflictError struct {
	Existing *models.OTPRequest
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("session %s already has an active request %s", e.Existing.SessionID, e.Existing.ID)
}
