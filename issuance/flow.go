// Package issuance creates temporary door credentials through the platform's
// ticket protocol: request a ticket, unwrap its key, encrypt the credential
// under that key and submit it with the ticket id.
package issuance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmcleod/latchkey/crypto"
	"github.com/jmcleod/latchkey/internal/util"
)

// Stage names a state of the issuance flow.
type Stage string

const (
	StageRequestTicket     Stage = "request_ticket"
	StageUnwrapKey         Stage = "unwrap_key"
	StageEncryptCredential Stage = "encrypt_credential"
	StageSubmitCredential  Stage = "submit_credential"
	StageDone              Stage = "done"
)

// Flow runs credential issuance. A Flow holds no per-request state and is
// safe for concurrent use; each Issue call is independent.
type Flow struct {
	secret    *crypto.SharedSecret
	issuer    TicketIssuer
	submitter CredentialSubmitter
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Flow.
type Option func(*Flow)

// WithLogger sets the structured logger. Only identifiers and stage names are
// logged, never key material or credentials.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Flow) {
		f.logger = logger
	}
}

// WithClock overrides the time source used for ticket expiry checks.
func WithClock(now func() time.Time) Option {
	return func(f *Flow) {
		f.now = now
	}
}

// New creates a Flow. The shared secret, issuer and submitter are injected so
// tests can substitute fakes.
func New(secret *crypto.SharedSecret, issuer TicketIssuer, submitter CredentialSubmitter, opts ...Option) *Flow {
	f := &Flow{
		secret:    secret,
		issuer:    issuer,
		submitter: submitter,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.logger == nil {
		f.logger = slog.Default()
	}
	f.logger = f.logger.With("component", "issuance")
	return f
}

// Issue runs the flow to completion or stops at the first failing stage,
// returning a *StageError. There are no retries: a ticket is single use, so a
// caller that wants to retry must call Issue again from the start.
func (f *Flow) Issue(ctx context.Context, req Request) (*Result, error) {
	req.Normalize()
	if err := req.Validate(f.now()); err != nil {
		return nil, err
	}
	log := f.logger.With("device_id", req.DeviceID)

	// RequestTicket
	if err := ctx.Err(); err != nil {
		return nil, stageErr(StageRequestTicket, ErrTicketRequestFailed, err)
	}
	ticket, err := f.issuer.RequestTicket(ctx, req.DeviceID)
	if err != nil {
		log.WarnContext(ctx, "ticket request failed", "error", err)
		return nil, stageErr(StageRequestTicket, ErrTicketRequestFailed, err)
	}
	if ticket == nil || ticket.ID == "" || ticket.WrappedKey == "" {
		return nil, stageErr(StageRequestTicket, ErrTicketRequestFailed, errors.New("platform returned an incomplete ticket"))
	}
	if !ticket.ExpiresAt.IsZero() && !ticket.ExpiresAt.After(f.now()) {
		return nil, stageErr(StageRequestTicket, ErrTicketRequestFailed, ErrTicketExpired)
	}
	log = log.With("ticket_id", ticket.ID)

	// UnwrapKey
	if err := ctx.Err(); err != nil {
		return nil, stageErr(StageUnwrapKey, ErrKeyUnwrapFailed, err)
	}
	sessionKey, err := f.secret.UnwrapKey(ticket.WrappedKey)
	if err != nil {
		log.WarnContext(ctx, "ticket key unwrap failed", "error", err)
		return nil, stageErr(StageUnwrapKey, ErrKeyUnwrapFailed, err)
	}

	// EncryptCredential
	keyBytes := sessionKey.Bytes()
	encrypted, err := crypto.EncryptCredential(req.Credential, keyBytes)
	util.WipeBytes(keyBytes)
	sessionKey.Destroy()
	if err != nil {
		log.WarnContext(ctx, "credential encryption failed", "error", err)
		return nil, stageErr(StageEncryptCredential, ErrCredentialEncryptFailed, err)
	}

	// SubmitCredential
	if err := ctx.Err(); err != nil {
		return nil, stageErr(StageSubmitCredential, ErrSubmissionFailed, err)
	}
	res, err := f.submitter.SubmitCredential(ctx, Submission{
		DeviceID:            req.DeviceID,
		TicketID:            ticket.ID,
		EncryptedCredential: encrypted,
		Name:                req.Name,
		EffectiveTime:       req.EffectiveTime,
		InvalidTime:         req.InvalidTime,
	})
	if err != nil {
		log.WarnContext(ctx, "credential submission failed", "error", err)
		return nil, stageErr(StageSubmitCredential, ErrSubmissionFailed, err)
	}
	if res == nil {
		res = &SubmissionResult{}
	}

	log.InfoContext(ctx, "temporary password issued", "password_id", res.PasswordID)
	return &Result{
		DeviceID:      req.DeviceID,
		TicketID:      ticket.ID,
		PasswordID:    res.PasswordID,
		Name:          req.Name,
		EffectiveTime: req.EffectiveTime,
		InvalidTime:   req.InvalidTime,
	}, nil
}

func stageErr(stage Stage, kind, cause error) error {
	if errors.Is(cause, kind) {
		return &StageError{Stage: stage, Err: cause}
	}
	return &StageError{Stage: stage, Err: fmt.Errorf("%w: %w", kind, cause)}
}
