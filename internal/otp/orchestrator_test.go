package otp

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mixelka/otpgate/internal/database"
	"github.com/mixelka/otpgate/internal/gmail"
	"github.com/mixelka/otpgate/internal/parser"
	"github.com/mixelka/otpgate/pkg/models"
)

// fakeMailbox serves canned listings and messages
type fakeMailbox struct {
	mu       sync.Mutex
	refs     []gmail.MessageRef
	messages map[string]*gmail.Message

	tokenErr error
	listErr  error
	getErr   error

	listCalls int
}

func (f *fakeMailbox) EnsureToken(ctx context.Context, account *models.EmailAccount) (string, error) {
	if f.tokenErr != nil {
		return "", f.tokenErr
	}
	return "test-token", nil
}

func (f *fakeMailbox) ListMessages(ctx context.Context, accessToken, query string, maxResults int64) ([]gmail.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.refs, nil
}

func (f *fakeMailbox) GetMessage(ctx context.Context, accessToken, messageID string) (*gmail.Message, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	msg, ok := f.messages[messageID]
	if !ok {
		return nil, &gmail.ProviderError{Op: "message get", StatusCode: 404, Err: errors.New("not found")}
	}
	return msg, nil
}

func (f *fakeMailbox) serve(id, subject, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refs = append([]gmail.MessageRef{{ID: id}}, f.refs...)
	if f.messages == nil {
		f.messages = make(map[string]*gmail.Message)
	}
	f.messages[id] = &gmail.Message{
		ID: id,
		Payload: &gmail.Part{
			MimeType: "text/plain",
			Headers:  []gmail.Header{{Name: "Subject", Value: subject}},
			Body:     gmail.PartBody{Data: base64.RawURLEncoding.EncodeToString([]byte(body))},
		},
	}
}

// manualSched records delayed tasks; tests step the chain by draining them
type manualSched struct {
	mu     sync.Mutex
	delays []time.Duration
	tasks  []func()
}

func (s *manualSched) RunAfter(delay time.Duration, task func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, delay)
	s.tasks = append(s.tasks, task)
}

func (s *manualSched) drain() int {
	s.mu.Lock()
	tasks := s.tasks
	s.tasks = nil
	s.mu.Unlock()
	for _, task := range tasks {
		task()
	}
	return len(tasks)
}

func (s *manualSched) lastDelay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.delays) == 0 {
		return -1
	}
	return s.delays[len(s.delays)-1]
}

type fakeNotifier struct {
	mu       sync.Mutex
	resolved []*models.OTPRequest
}

func (n *fakeNotifier) RequestResolved(ctx context.Context, req *models.OTPRequest) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.resolved = append(n.resolved, req)
}

type countingRenderer struct {
	calls int
	html  string
}

func (r *countingRenderer) Render(ctx context.Context, url string) (string, error) {
	r.calls++
	return r.html, nil
}

type fixture struct {
	db       *database.DB
	mailbox  *fakeMailbox
	sched    *manualSched
	notifier *fakeNotifier
	renderer *countingRenderer
	orch     *Orchestrator
	account  *models.EmailAccount
}

func testSettings() Settings {
	return Settings{
		Window:         2 * time.Minute,
		Lookback:       5 * time.Minute,
		MaxCandidates:  10,
		EmptyRetryWait: 10 * time.Second,
		ScanRetryWait:  15 * time.Second,
		StaleGrace:     time.Minute,
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := database.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate(context.Background()))

	account := &models.EmailAccount{
		Email:        "inbox@example.com",
		Provider:     "gmail",
		AccessToken:  sql.NullString{String: "access", Valid: true},
		RefreshToken: sql.NullString{String: "refresh", Valid: true},
		TokenExpires: sql.NullTime{Time: time.Now().Add(time.Hour), Valid: true},
		IsActive:     true,
	}
	require.NoError(t, db.CreateAccount(context.Background(), account))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &fixture{
		db:       db,
		mailbox:  &fakeMailbox{},
		sched:    &manualSched{},
		notifier: &fakeNotifier{},
		renderer: &countingRenderer{},
		account:  account,
	}
	extractor := parser.NewExtractor(f.renderer, logger)
	f.orch = NewOrchestrator(db, f.mailbox, extractor, f.sched, f.notifier, testSettings(), logger)
	return f
}

func (f *fixture) newRequest(t *testing.T, sessionID, accountType, otpType string) *models.OTPRequest {
	t.Helper()
	req := &models.OTPRequest{
		ID:             uuid.NewString(),
		SessionID:      sessionID,
		EmailAccountID: f.account.ID,
		AccountType:    accountType,
		OTPType:        sql.NullString{String: otpType, Valid: true},
	}
	require.NoError(t, f.db.CreateRequest(context.Background(), req))
	return req
}

func (f *fixture) reload(t *testing.T, id string) *models.OTPRequest {
	t.Helper()
	req, err := f.db.GetRequestByID(context.Background(), id)
	require.NoError(t, err)
	return req
}

func (f *fixture) age(t *testing.T, id string, d time.Duration) {
	t.Helper()
	_, err := f.db.ExecContext(context.Background(),
		`UPDATE otp_requests SET requested_at = ? WHERE id = ?`, time.Now().Add(-d), id)
	require.NoError(t, err)
}

func TestProcessRequestCompletes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.mailbox.serve("msg-1", "Your sign in code", "Your code is 482913")
	req := f.newRequest(t, "session-1", "netflix", "signin")

	f.orch.ProcessRequest(ctx, req.ID)

	got := f.reload(t, req.ID)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, "482913", got.OTP.String)
	assert.Equal(t, "msg-1", got.MessageID.String)
	assert.True(t, got.CompletedAt.Valid)
	assert.False(t, got.Error.Valid)

	// The message landed in the dedup ledger
	seen, err := f.db.IsProcessed(ctx, "msg-1", f.account.ID)
	require.NoError(t, err)
	assert.True(t, seen)

	// The notifier saw the terminal request; no link rendering happened
	require.Len(t, f.notifier.resolved, 1)
	assert.Equal(t, models.StatusCompleted, f.notifier.resolved[0].Status)
	assert.Zero(t, f.renderer.calls)
}

func TestProcessRequestSkipsNonPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := f.newRequest(t, "session-1", "netflix", "signin")
	ok, err := f.db.MarkProcessing(ctx, req.ID)
	require.NoError(t, err)
	require.True(t, ok)

	// A second trigger observes the failed precondition and touches nothing
	f.orch.ProcessRequest(ctx, req.ID)
	assert.Zero(t, f.mailbox.listCalls)
	assert.Equal(t, models.StatusProcessing, f.reload(t, req.ID).Status)
}

func TestProcessRequestReschedulesOnEmptyListing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := f.newRequest(t, "session-1", "netflix", "signin")
	f.orch.ProcessRequest(ctx, req.ID)

	// No candidates yet: the request stays owned and a retry is queued with
	// the shorter empty-listing delay
	got := f.reload(t, req.ID)
	assert.Equal(t, models.StatusProcessing, got.Status)
	assert.Equal(t, 10*time.Second, f.sched.lastDelay())

	// A qualifying message arrives before the next attempt
	f.mailbox.serve("msg-2", "Your sign in code", "642801 is your code")
	require.Equal(t, 1, f.sched.drain())

	got = f.reload(t, req.ID)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, "642801", got.OTP.String)
}

func TestProcessRequestSkipsProcessedMessages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.mailbox.serve("msg-used", "Your sign in code", "111222 is your code")
	require.NoError(t, f.db.RecordProcessed(ctx, &models.ProcessedEmail{
		MessageID:      "msg-used",
		EmailAccountID: f.account.ID,
		AccountType:    "netflix",
		OTPType:        "signin",
	}))

	req := f.newRequest(t, "session-1", "netflix", "signin")
	f.orch.ProcessRequest(ctx, req.ID)

	// The only candidate was already consumed, so the pass found no match
	got := f.reload(t, req.ID)
	assert.Equal(t, models.StatusProcessing, got.Status)
	assert.Equal(t, 15*time.Second, f.sched.lastDelay())

	// A fresh message resolves the chain
	f.mailbox.serve("msg-new", "Your sign in code", "333444 is your code")
	f.sched.drain()
	assert.Equal(t, "333444", f.reload(t, req.ID).OTP.String)
}

func TestProcessRequestSkipsIrrelevantMessages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.mailbox.serve("msg-receipt", "Your receipt", "thanks for your payment of $9.99")
	req := f.newRequest(t, "session-1", "netflix", "signin")

	f.orch.ProcessRequest(ctx, req.ID)

	got := f.reload(t, req.ID)
	assert.Equal(t, models.StatusProcessing, got.Status)

	seen, err := f.db.IsProcessed(ctx, "msg-receipt", f.account.ID)
	require.NoError(t, err)
	assert.False(t, seen, "non-matching messages must not enter the ledger")
}

func TestProcessRequestFailsAfterWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := f.newRequest(t, "session-1", "netflix", "signin")
	f.age(t, req.ID, 3*time.Minute)

	f.orch.ProcessRequest(ctx, req.ID)

	got := f.reload(t, req.ID)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, errNoMessages, got.Error.String)
	assert.Zero(t, f.sched.drain(), "no retry may be queued past the window")

	require.Len(t, f.notifier.resolved, 1)
	assert.Equal(t, models.StatusFailed, f.notifier.resolved[0].Status)
}

func TestProcessRequestFailsWithNoMatchAfterWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.mailbox.serve("msg-receipt", "Your receipt", "thanks for your payment")
	req := f.newRequest(t, "session-1", "netflix", "signin")
	f.age(t, req.ID, 3*time.Minute)

	f.orch.ProcessRequest(ctx, req.ID)

	got := f.reload(t, req.ID)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, errNoMatch, got.Error.String)
}

func TestProcessRequestRetriesProviderErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.mailbox.listErr = &gmail.ProviderError{Op: "message list", StatusCode: 503, Err: errors.New("unavailable")}
	req := f.newRequest(t, "session-1", "netflix", "signin")

	f.orch.ProcessRequest(ctx, req.ID)

	// Transient provider failures keep the chain alive within the window
	got := f.reload(t, req.ID)
	assert.Equal(t, models.StatusProcessing, got.Status)
	assert.Equal(t, 15*time.Second, f.sched.lastDelay())

	// Provider recovers
	f.mailbox.mu.Lock()
	f.mailbox.listErr = nil
	f.mailbox.mu.Unlock()
	f.mailbox.serve("msg-1", "Your sign in code", "Your code is 987654")
	f.sched.drain()

	assert.Equal(t, models.StatusCompleted, f.reload(t, req.ID).Status)
}

func TestProcessRequestTokenFailureWithinWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.mailbox.tokenErr = &gmail.ProviderError{Op: "token refresh", StatusCode: 400, Err: errors.New("invalid_grant")}
	req := f.newRequest(t, "session-1", "netflix", "signin")

	f.orch.ProcessRequest(ctx, req.ID)

	assert.Equal(t, models.StatusProcessing, f.reload(t, req.ID).Status)
	assert.Equal(t, 15*time.Second, f.sched.lastDelay())
	assert.Zero(t, f.mailbox.listCalls)
}

func TestChainStopsWhenRequestGoesTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := f.newRequest(t, "session-1", "netflix", "signin")
	f.orch.ProcessRequest(ctx, req.ID)
	require.Equal(t, models.StatusProcessing, f.reload(t, req.ID).Status)

	// The request is resolved externally before the queued attempt runs
	ok, err := f.db.FailRequest(ctx, req.ID, "cancelled")
	require.NoError(t, err)
	require.True(t, ok)

	listCallsBefore := f.mailbox.listCalls
	f.sched.drain()
	assert.Equal(t, listCallsBefore, f.mailbox.listCalls, "a dead chain must not poll")
	assert.Equal(t, "cancelled", f.reload(t, req.ID).Error.String)
}

func TestLinkFallbackCompletesRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.renderer.html = `<html><body>Your verification code is 119284</body></html>`
	f.mailbox.serve("msg-hh", "Update your household",
		`Confirm here: https://www.netflix.com/account/update-primary-location?token=abc`)

	req := f.newRequest(t, "session-1", "netflix", "household")
	f.orch.ProcessRequest(ctx, req.ID)

	got := f.reload(t, req.ID)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, "119284", got.OTP.String)
	assert.Equal(t, 1, f.renderer.calls)
}

func TestSweepProcessesPendingAndExpiresOrphans(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.mailbox.serve("msg-1", "Your sign in code", "Your code is 555000")

	pending := f.newRequest(t, "session-pending", "netflix", "signin")

	orphan := f.newRequest(t, "session-orphan", "netflix", "signin")
	ok, err := f.db.MarkProcessing(ctx, orphan.ID)
	require.NoError(t, err)
	require.True(t, ok)
	f.age(t, orphan.ID, 10*time.Minute)

	live := f.newRequest(t, "session-live", "netflix", "signin")
	ok, err = f.db.MarkProcessing(ctx, live.ID)
	require.NoError(t, err)
	require.True(t, ok)

	f.orch.Sweep(ctx)

	// The pending request was attempted and resolved
	assert.Equal(t, models.StatusCompleted, f.reload(t, pending.ID).Status)

	// The abandoned processing row aged past window+grace was expired
	got := f.reload(t, orphan.ID)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, errOrphaned, got.Error.String)

	// A recent processing row belongs to a live chain and is untouched
	assert.Equal(t, models.StatusProcessing, f.reload(t, live.ID).Status)
}

func TestSweepAndChainRaceOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.mailbox.serve("msg-1", "Your sign in code", "Your code is 777888")
	req := f.newRequest(t, "session-1", "netflix", "signin")

	// Both triggers fire for the same pending request; only one wins the
	// conditional claim so the message is consumed exactly once
	var wg sync.WaitGroup
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.orch.ProcessRequest(ctx, req.ID)
		}()
	}
	wg.Wait()

	got := f.reload(t, req.ID)
	assert.Equal(t, models.StatusCompleted, got.Status)
	require.Len(t, f.notifier.resolved, 1)
}
