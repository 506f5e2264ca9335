// Package gmail is a minimal Gmail REST API client covering what the OTP
// pipeline needs: OAuth token upkeep, message listing by query, full message
// retrieval and body decoding.
package gmail

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mixelka/otpgate/pkg/models"
)

const (
	defaultTokenURL = "https://oauth2.googleapis.com/token"
	defaultAuthURL  = "https://accounts.google.com/o/oauth2/v2/auth"
	defaultAPIBase  = "https://gmail.googleapis.com/gmail/v1"

	readonlyScope = "https://www.googleapis.com/auth/gmail.readonly"
)

// ProviderError wraps a transport or auth failure against the mailbox
// provider. The orchestrator treats these as transient within the request
// window.
type ProviderError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("gmail %s failed with status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("gmail %s failed: %v", e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// TokenStore persists refreshed credentials back to the account owner
type TokenStore interface {
	UpdateAccountTokens(ctx context.Context, accountID int64, accessToken string, expires time.Time) error
}

// Config for the Gmail client
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string

	// Overridable in tests
	TokenURL string
	APIBase  string
}

// Client is a Gmail REST API client
type Client struct {
	cfg        Config
	tokens     TokenStore
	httpClient *http.Client
}

// Token is an OAuth token pair with expiry
type Token struct {
	AccessToken  string
	RefreshToken string
	Expires      time.Time
}

// MessageRef is a message identity from a list query
type MessageRef struct {
	ID       string `json:"id"`
	ThreadID string `json:"threadId"`
}

// Header is one message header
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Part is one node of the (possibly nested) message payload tree
type Part struct {
	MimeType string   `json:"mimeType"`
	Headers  []Header `json:"headers"`
	Body     PartBody `json:"body"`
	Parts    []*Part  `json:"parts"`
}

// PartBody holds base64url-encoded part content
type PartBody struct {
	Data string `json:"data"`
	Size int64  `json:"size"`
}

// Message is a fully fetched message
type Message struct {
	ID      string `json:"id"`
	Payload *Part  `json:"payload"`
}

// Header returns a payload header value by case-insensitive name
func (m *Message) Header(name string) string {
	if m.Payload == nil {
		return ""
	}
	for _, h := range m.Payload.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// NewClient creates a new Gmail API client
func NewClient(cfg Config, tokens TokenStore) *Client {
	if cfg.TokenURL == "" {
		cfg.TokenURL = defaultTokenURL
	}
	if cfg.APIBase == "" {
		cfg.APIBase = defaultAPIBase
	}
	return &Client{
		cfg:    cfg,
		tokens: tokens,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// AuthURL returns the Google consent URL for connecting a mailbox
func (c *Client) AuthURL(state string) string {
	q := url.Values{}
	q.Set("client_id", c.cfg.ClientID)
	q.Set("redirect_uri", c.cfg.RedirectURI)
	q.Set("response_type", "code")
	q.Set("scope", readonlyScope)
	q.Set("access_type", "offline")
	q.Set("prompt", "consent")
	if state != "" {
		q.Set("state", state)
	}
	return defaultAuthURL + "?" + q.Encode()
}

// EnsureToken returns a valid access token for the account, refreshing and
// persisting new credentials first when the stored token is expired. The
// persisted update happens before the token is handed out.
func (c *Client) EnsureToken(ctx context.Context, account *models.EmailAccount) (string, error) {
	if !account.TokenExpired(time.Now()) {
		return account.AccessToken.String, nil
	}

	if !account.RefreshToken.Valid || account.RefreshToken.String == "" {
		return "", &ProviderError{Op: "token refresh", Err: fmt.Errorf("account %d has no refresh token", account.ID)}
	}

	tok, err := c.refresh(ctx, account.RefreshToken.String)
	if err != nil {
		return "", err
	}

	if err := c.tokens.UpdateAccountTokens(ctx, account.ID, tok.AccessToken, tok.Expires); err != nil {
		return "", fmt.Errorf("failed to persist refreshed token: %w", err)
	}

	account.AccessToken.String = tok.AccessToken
	account.AccessToken.Valid = true
	account.TokenExpires.Time = tok.Expires
	account.TokenExpires.Valid = true
	return tok.AccessToken, nil
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

// refresh performs the OAuth refresh-token grant
func (c *Client) refresh(ctx context.Context, refreshToken string) (*Token, error) {
	form := url.Values{}
	form.Set("client_id", c.cfg.ClientID)
	form.Set("client_secret", c.cfg.ClientSecret)
	form.Set("refresh_token", refreshToken)
	form.Set("grant_type", "refresh_token")

	resp, err := c.postForm(ctx, "token refresh", c.cfg.TokenURL, form)
	if err != nil {
		return nil, err
	}

	var tr tokenResponse
	if err := json.Unmarshal(resp, &tr); err != nil {
		return nil, &ProviderError{Op: "token refresh", Err: fmt.Errorf("failed to parse response: %w", err)}
	}
	if tr.AccessToken == "" {
		return nil, &ProviderError{Op: "token refresh", Err: fmt.Errorf("empty access token in response")}
	}

	return &Token{
		AccessToken: tr.AccessToken,
		Expires:     time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second),
	}, nil
}

// ExchangeCode trades an authorization code for a token pair
func (c *Client) ExchangeCode(ctx context.Context, code string) (*Token, error) {
	form := url.Values{}
	form.Set("client_id", c.cfg.ClientID)
	form.Set("client_secret", c.cfg.ClientSecret)
	form.Set("redirect_uri", c.cfg.RedirectURI)
	form.Set("code", code)
	form.Set("grant_type", "authorization_code")

	resp, err := c.postForm(ctx, "code exchange", c.cfg.TokenURL, form)
	if err != nil {
		return nil, err
	}

	var tr tokenResponse
	if err := json.Unmarshal(resp, &tr); err != nil {
		return nil, &ProviderError{Op: "code exchange", Err: fmt.Errorf("failed to parse response: %w", err)}
	}
	if tr.AccessToken == "" {
		return nil, &ProviderError{Op: "code exchange", Err: fmt.Errorf("empty access token in response")}
	}

	return &Token{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		Expires:      time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second),
	}, nil
}

// Profile returns the email address of the authenticated mailbox
func (c *Client) Profile(ctx context.Context, accessToken string) (string, error) {
	body, err := c.get(ctx, "profile", c.cfg.APIBase+"/users/me/profile", accessToken)
	if err != nil {
		return "", err
	}

	var profile struct {
		EmailAddress string `json:"emailAddress"`
	}
	if err := json.Unmarshal(body, &profile); err != nil {
		return "", &ProviderError{Op: "profile", Err: fmt.Errorf("failed to parse response: %w", err)}
	}
	return profile.EmailAddress, nil
}

// BuildQuery formats a provider list query for a sender and time lower bound
func BuildQuery(sender string, since time.Time) string {
	return fmt.Sprintf("from:%s after:%d", sender, since.Unix())
}

// ListMessages returns candidate message identities matching the query,
// most-recent-first as returned by the provider
func (c *Client) ListMessages(ctx context.Context, accessToken, query string, maxResults int64) ([]MessageRef, error) {
	q := url.Values{}
	q.Set("q", query)
	q.Set("maxResults", fmt.Sprintf("%d", maxResults))

	body, err := c.get(ctx, "message list", c.cfg.APIBase+"/users/me/messages?"+q.Encode(), accessToken)
	if err != nil {
		return nil, err
	}

	var list struct {
		Messages []MessageRef `json:"messages"`
	}
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, &ProviderError{Op: "message list", Err: fmt.Errorf("failed to parse response: %w", err)}
	}
	return list.Messages, nil
}

// GetMessage fetches one message in full format, headers and payload tree
func (c *Client) GetMessage(ctx context.Context, accessToken, messageID string) (*Message, error) {
	u := fmt.Sprintf("%s/users/me/messages/%s?format=full", c.cfg.APIBase, url.PathEscape(messageID))
	body, err := c.get(ctx, "message get", u, accessToken)
	if err != nil {
		return nil, err
	}

	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, &ProviderError{Op: "message get", Err: fmt.Errorf("failed to parse response: %w", err)}
	}
	return &msg, nil
}

func (c *Client) postForm(ctx context.Context, op, endpoint string, form url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &ProviderError{Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(op, req)
}

func (c *Client) get(ctx context.Context, op, endpoint, accessToken string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &ProviderError{Op: op, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	return c.do(op, req)
}

func (c *Client) do(op string, req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &ProviderError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ProviderError{Op: op, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &ProviderError{
			Op:         op,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("%s", strings.TrimSpace(string(body))),
		}
	}
	return body, nil
}
