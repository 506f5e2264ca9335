// Package otp is the core of the service: it drives each OTP request through
// its state machine by polling the mailbox provider, deduplicating candidate
// messages and running the two-stage extraction.
package otp

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/mixelka/otpgate/internal/database"
	"github.com/mixelka/otpgate/internal/gmail"
	"github.com/mixelka/otpgate/internal/parser"
	"github.com/mixelka/otpgate/internal/policy"
	"github.com/mixelka/otpgate/pkg/models"
)

// Mailbox is the consumed mailbox capability
type Mailbox interface {
	EnsureToken(ctx context.Context, account *models.EmailAccount) (string, error)
	ListMessages(ctx context.Context, accessToken, query string, maxResults int64) ([]gmail.MessageRef, error)
	GetMessage(ctx context.Context, accessToken, messageID string) (*gmail.Message, error)
}

// Rescheduler enqueues delayed re-attempts; satisfied by schedule.Scheduler
type Rescheduler interface {
	RunAfter(delay time.Duration, task func())
}

// Notifier is told about requests reaching a terminal state
type Notifier interface {
	RequestResolved(ctx context.Context, req *models.OTPRequest)
}

// Settings are the wall-clock knobs of the retry loop
type Settings struct {
	Window         time.Duration // Max request lifetime before forced failure
	Lookback       time.Duration // Provider query time lower bound
	MaxCandidates  int64
	EmptyRetryWait time.Duration // Delay after a listing with zero candidates
	ScanRetryWait  time.Duration // Delay after scanning candidates without a match
	StaleGrace     time.Duration // Slack before a processing row counts as orphaned
}

const (
	errNoMessages = "no qualifying message found within window"
	errNoMatch    = "no matching message found within window"
	errOrphaned   = "request abandoned mid-attempt and expired"
)

// Orchestrator owns the canonical per-request attempt logic. Both triggers
// (the immediate chain and the periodic sweep) funnel into ProcessRequest;
// neither carries decision logic of its own.
type Orchestrator struct {
	db        *database.DB
	mailbox   Mailbox
	extractor *parser.Extractor
	sched     Rescheduler
	notifier  Notifier
	settings  Settings
	logger    *slog.Logger
}

// NewOrchestrator creates the orchestrator. notifier may be nil.
func NewOrchestrator(db *database.DB, mailbox Mailbox, extractor *parser.Extractor, sched Rescheduler, notifier Notifier, settings Settings, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		db:        db,
		mailbox:   mailbox,
		extractor: extractor,
		sched:     sched,
		notifier:  notifier,
		settings:  settings,
		logger:    logger.With("component", "orchestrator"),
	}
}

// ProcessRequest runs one attempt for a pending request. The pending ->
// processing transition is a conditional update: when the immediate chain and
// the sweep race on the same request, exactly one caller proceeds and the
// other observes the failed precondition and skips.
func (o *Orchestrator) ProcessRequest(ctx context.Context, requestID string) {
	req, err := o.db.GetRequestByID(ctx, requestID)
	if err != nil {
		o.logger.Warn("request not loadable", "request_id", requestID, "error", err)
		return
	}
	if req.Status != models.StatusPending {
		o.logger.Debug("request not pending, skipping", "request_id", requestID, "status", req.Status)
		return
	}

	acquired, err := o.db.MarkProcessing(ctx, requestID)
	if err != nil {
		o.logger.Error("failed to claim request", "request_id", requestID, "error", err)
		return
	}
	if !acquired {
		o.logger.Debug("request claimed by another trigger", "request_id", requestID)
		return
	}
	req.Status = models.StatusProcessing

	o.attempt(ctx, req)
}

// continueChain is the delayed re-invocation of an owned request. Ownership
// was taken by ProcessRequest; the chain keeps it until a terminal state, so
// no re-acquisition happens here.
func (o *Orchestrator) continueChain(requestID string) {
	ctx := context.Background()
	req, err := o.db.GetRequestByID(ctx, requestID)
	if err != nil {
		o.logger.Warn("request not loadable on reschedule", "request_id", requestID, "error", err)
		return
	}
	if req.Status != models.StatusProcessing {
		o.logger.Debug("chain stopped, request no longer processing", "request_id", requestID, "status", req.Status)
		return
	}
	o.attempt(ctx, req)
}

// attempt performs one poll pass for an owned (processing) request
func (o *Orchestrator) attempt(ctx context.Context, req *models.OTPRequest) {
	log := o.logger.With("request_id", req.ID, "account_type", req.AccountType)

	pol, sub, err := policy.Resolve(req.AccountType, req.OTPType.String)
	if err != nil {
		// Policies were validated at creation; losing one mid-flight is permanent
		o.fail(ctx, req, "matching policy unavailable: "+err.Error())
		return
	}

	account, err := o.db.GetAccountByID(ctx, req.EmailAccountID)
	if err != nil {
		log.Error("failed to load email account", "account_id", req.EmailAccountID, "error", err)
		o.retryOrFail(ctx, req, o.settings.ScanRetryWait, err.Error())
		return
	}

	token, err := o.mailbox.EnsureToken(ctx, account)
	if err != nil {
		log.Warn("credential refresh failed", "account_id", account.ID, "error", err)
		o.retryOrFail(ctx, req, o.settings.ScanRetryWait, err.Error())
		return
	}

	query := gmail.BuildQuery(pol.Sender, time.Now().Add(-o.settings.Lookback))
	refs, err := o.mailbox.ListMessages(ctx, token, query, o.settings.MaxCandidates)
	if err != nil {
		log.Warn("candidate listing failed", "error", err)
		o.retryOrFail(ctx, req, o.settings.ScanRetryWait, err.Error())
		return
	}

	if len(refs) == 0 {
		log.Debug("no candidate messages")
		o.retryOrFail(ctx, req, o.settings.EmptyRetryWait, errNoMessages)
		return
	}

	for _, ref := range refs {
		processed, err := o.db.IsProcessed(ctx, ref.ID, account.ID)
		if err != nil {
			log.Error("dedup lookup failed", "message_id", ref.ID, "error", err)
			continue
		}
		if processed {
			continue
		}

		// Per-message failures are logged and skipped, never abort the pass
		msg, err := o.mailbox.GetMessage(ctx, token, ref.ID)
		if err != nil {
			log.Warn("failed to fetch message", "message_id", ref.ID, "error", err)
			continue
		}

		body := gmail.ExtractBody(msg.Payload)
		if body == "" {
			log.Debug("message has no decodable body", "message_id", ref.ID)
			continue
		}

		code, err := o.extractor.ResolveMessage(ctx, msg.Header("Subject"), body, pol, sub)
		if err != nil {
			log.Warn("extraction failed", "message_id", ref.ID, "error", err)
			continue
		}
		if code == "" {
			continue
		}

		// Ledger entry first: once a message yielded a code it may never be
		// consumed by another request
		entry := &models.ProcessedEmail{
			MessageID:      ref.ID,
			EmailAccountID: account.ID,
			AccountType:    req.AccountType,
			OTPType:        req.OTPType.String,
		}
		if err := o.db.RecordProcessed(ctx, entry); err != nil {
			if errors.Is(err, database.ErrAlreadyExists) {
				log.Debug("message consumed concurrently", "message_id", ref.ID)
				continue
			}
			log.Error("failed to record processed email", "message_id", ref.ID, "error", err)
			o.retryOrFail(ctx, req, o.settings.ScanRetryWait, err.Error())
			return
		}

		ok, err := o.db.CompleteRequest(ctx, req.ID, code, ref.ID)
		if err != nil {
			log.Error("failed to complete request", "error", err)
			o.retryOrFail(ctx, req, o.settings.ScanRetryWait, err.Error())
			return
		}
		if !ok {
			log.Warn("request went terminal during attempt")
			return
		}

		log.Info("otp extracted", "message_id", ref.ID)
		o.notifyByID(ctx, req.ID)
		return
	}

	o.retryOrFail(ctx, req, o.settings.ScanRetryWait, errNoMatch)
}

// retryOrFail either enqueues the next attempt of the chain or, once the
// wall-clock window is exhausted, moves the request to failed. The request
// stays processing between attempts so the sweep never contends with a live
// chain.
func (o *Orchestrator) retryOrFail(ctx context.Context, req *models.OTPRequest, delay time.Duration, failText string) {
	elapsed := time.Since(req.RequestedAt)
	if elapsed < o.settings.Window {
		o.logger.Debug("rescheduling attempt", "request_id", req.ID, "delay", delay, "elapsed", elapsed)
		id := req.ID
		o.sched.RunAfter(delay, func() { o.continueChain(id) })
		return
	}
	o.fail(ctx, req, failText)
}

func (o *Orchestrator) fail(ctx context.Context, req *models.OTPRequest, errText string) {
	ok, err := o.db.FailRequest(ctx, req.ID, errText)
	if err != nil {
		o.logger.Error("failed to mark request failed", "request_id", req.ID, "error", err)
		return
	}
	if !ok {
		o.logger.Debug("request already terminal", "request_id", req.ID)
		return
	}
	o.logger.Info("request failed", "request_id", req.ID, "error", errText)
	o.notifyByID(ctx, req.ID)
}

func (o *Orchestrator) notifyByID(ctx context.Context, requestID string) {
	if o.notifier == nil {
		return
	}
	req, err := o.db.GetRequestByID(ctx, requestID)
	if err != nil {
		return
	}
	o.notifier.RequestResolved(ctx, req)
}

// Sweep runs one recovery pass: per policy it expires orphaned processing
// rows and attempts every pending request sequentially, bounding concurrent
// load on the provider. Requests currently processing belong to a live chain
// and are left alone.
func (o *Orchestrator) Sweep(ctx context.Context) {
	keys := policy.Keys()
	sort.Strings(keys)

	for _, key := range keys {
		cutoff := time.Now().Add(-(o.settings.Window + o.settings.StaleGrace))
		expired, err := o.db.ExpireStaleProcessing(ctx, key, cutoff, errOrphaned)
		if err != nil {
			o.logger.Error("failed to expire stale requests", "account_type", key, "error", err)
		} else if expired > 0 {
			o.logger.Warn("expired orphaned requests", "account_type", key, "count", expired)
		}

		reqs, err := o.db.ListPendingRequests(ctx, key)
		if err != nil {
			o.logger.Error("failed to list pending requests", "account_type", key, "error", err)
			continue
		}
		for _, req := range reqs {
			o.ProcessRequest(ctx, req.ID)
		}
	}
}
