package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/mixelka/otpgate/pkg/models"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusResponse is the external shape of an OTP request
type statusResponse struct {
	RequestID   string     `json:"requestId"`
	SessionID   string     `json:"sessionId"`
	Status      string     `json:"status"`
	AccountType string     `json:"accountType"`
	OTPType     string     `json:"otpType,omitempty"`
	RequestedAt time.Time  `json:"requestedAt"`
	OTP         string     `json:"otp,omitempty"`
	MessageID   string     `json:"messageId,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// newStatusResponse redacts fields by state: the code only appears on
// completed requests, the error text only on failed ones
func newStatusResponse(req *models.OTPRequest) statusResponse {
	resp := statusResponse{
		RequestID:   req.ID,
		SessionID:   req.SessionID,
		Status:      string(req.Status),
		AccountType: req.AccountType,
		OTPType:     req.OTPType.String,
		RequestedAt: req.RequestedAt,
	}
	switch req.Status {
	case models.StatusCompleted:
		resp.OTP = req.OTP.String
		resp.MessageID = req.MessageID.String
		if req.CompletedAt.Valid {
			t := req.CompletedAt.Time
			resp.CompletedAt = &t
		}
	case models.StatusFailed:
		resp.Error = req.Error.String
	}
	return resp
}

// accountResponse is an email account with credentials redacted
type accountResponse struct {
	ID        int64     `json:"id"`
	Email     string    `json:"email"`
	Provider  string    `json:"provider"`
	IsActive  bool      `json:"isActive"`
	CreatedAt time.Time `json:"createdAt"`
}

func newAccountResponse(a *models.EmailAccount) accountResponse {
	return accountResponse{
		ID:        a.ID,
		Email:     a.Email,
		Provider:  a.Provider,
		IsActive:  a.IsActive,
		CreatedAt: a.CreatedAt,
	}
}
