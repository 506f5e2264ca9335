package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mixelka/otpgate/internal/database"
	"github.com/mixelka/otpgate/internal/gmail"
	"github.com/mixelka/otpgate/internal/otp"
	"github.com/mixelka/otpgate/pkg/models"
)

// Handler bundles the HTTP handlers and their dependencies
type Handler struct {
	svc    *otp.Service
	gmail  *gmail.Client
	db     *database.DB
	logger *slog.Logger
}

// NewHandler creates the API handler
func NewHandler(svc *otp.Service, gmailClient *gmail.Client, db *database.DB, logger *slog.Logger) *Handler {
	return &Handler{
		svc:    svc,
		gmail:  gmailClient,
		db:     db,
		logger: logger.With("component", "api"),
	}
}

// RegisterRoutes mounts all endpoints on the router
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/otp/requests", h.createRequest)
	r.Get("/otp/requests/{requestID}", h.requestStatus)
	r.Get("/otp/sessions/{sessionID}", h.sessionStatus)
	r.Post("/otp/sweep", h.triggerSweep)

	r.Get("/gmail/connect", h.gmailConnect)
	r.Get("/gmail/callback", h.gmailCallback)
	r.Get("/accounts", h.listAccounts)
}

type createRequestBody struct {
	EmailAccountID int64  `json:"emailAccountId"`
	AccountType    string `json:"accountType"`
	OTPType        string `json:"otpType"`
	SessionID      string `json:"sessionId"`
}

func (h *Handler) createRequest(w http.ResponseWriter, r *http.Request) {
	var body createRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	req, err := h.svc.CreateRequest(r.Context(), otp.CreateParams{
		EmailAccountID: body.EmailAccountID,
		AccountType:    body.AccountType,
		OTPType:        body.OTPType,
		SessionID:      body.SessionID,
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	// Resolution runs in the background; the caller polls status
	writeJSON(w, http.StatusCreated, map[string]any{
		"requestId": req.ID,
		"sessionId": req.SessionID,
		"status":    string(models.StatusProcessing),
	})
}

func (h *Handler) requestStatus(w http.ResponseWriter, r *http.Request) {
	req, err := h.svc.GetByID(r.Context(), chi.URLParam(r, "requestID"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newStatusResponse(req))
}

func (h *Handler) sessionStatus(w http.ResponseWriter, r *http.Request) {
	req, err := h.svc.GetBySession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newStatusResponse(req))
}

func (h *Handler) triggerSweep(w http.ResponseWriter, r *http.Request) {
	h.svc.SweepNow()
	writeJSON(w, http.StatusAccepted, map[string]string{"message": "sweep triggered"})
}

func (h *Handler) gmailConnect(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, h.gmail.AuthURL(r.URL.Query().Get("state")), http.StatusFound)
}

func (h *Handler) gmailCallback(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	if code == "" {
		writeError(w, http.StatusBadRequest, "missing authorization code")
		return
	}

	tok, err := h.gmail.ExchangeCode(r.Context(), code)
	if err != nil {
		h.logger.Error("oauth code exchange failed", "error", err)
		writeError(w, http.StatusBadGateway, "failed to exchange authorization code")
		return
	}

	email, err := h.gmail.Profile(r.Context(), tok.AccessToken)
	if err != nil {
		h.logger.Error("profile lookup failed", "error", err)
		writeError(w, http.StatusBadGateway, "failed to resolve mailbox identity")
		return
	}

	account := &models.EmailAccount{
		Email:        email,
		Provider:     "gmail",
		AccessToken:  sql.NullString{String: tok.AccessToken, Valid: true},
		RefreshToken: sql.NullString{String: tok.RefreshToken, Valid: tok.RefreshToken != ""},
		TokenExpires: sql.NullTime{Time: tok.Expires, Valid: true},
		IsActive:     true,
	}
	if err := h.db.UpsertAccount(r.Context(), account); err != nil {
		h.logger.Error("failed to store account", "email", email, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to store account")
		return
	}

	h.logger.Info("mailbox connected", "email", email, "account_id", account.ID)
	writeJSON(w, http.StatusOK, map[string]any{
		"accountId": account.ID,
		"email":     account.Email,
	})
}

func (h *Handler) listAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.db.ListAccounts(r.Context())
	if err != nil {
		h.logger.Error("failed to list accounts", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list accounts")
		return
	}

	resp := make([]accountResponse, 0, len(accounts))
	for _, a := range accounts {
		resp = append(resp, newAccountResponse(a))
	}
	writeJSON(w, http.StatusOK, resp)
}

// writeServiceError maps service errors onto HTTP responses
func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	var vErr *otp.ValidationError
	var cErr *otp.ConflictError

	switch {
	case errors.As(err, &vErr):
		writeError(w, http.StatusBadRequest, vErr.Error())
	case errors.As(err, &cErr):
		writeJSON(w, http.StatusConflict, map[string]string{
			"error":     "session already has a pending OTP request",
			"requestId": cErr.Existing.ID,
		})
	case errors.Is(err, database.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		h.logger.Error("request handling failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
