package issuance

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/jmcleod/latchkey/internal/util"
)

const (
	minCredentialDigits = 6
	maxCredentialDigits = 12
	maxNameLength       = 64
	defaultName         = "temporary password"
)

// Ticket is a single-use issuance session handed out by the platform.
type Ticket struct {
	ID         string
	WrappedKey string
	ExpiresAt  time.Time
}

// Request is a caller's ask to create a temporary door credential.
type Request struct {
	DeviceID      string
	Credential    string
	Name          string
	EffectiveTime time.Time
	InvalidTime   time.Time
}

// Submission is what gets sent back to the platform with the ticket.
type Submission struct {
	DeviceID            string
	TicketID            string
	EncryptedCredential string
	Name                string
	EffectiveTime       time.Time
	InvalidTime         time.Time
}

// SubmissionResult is the platform's answer to a successful submission.
type SubmissionResult struct {
	PasswordID string
}

// Result describes a completed issuance. It carries no secret material.
type Result struct {
	DeviceID      string
	TicketID      string
	PasswordID    string
	Name          string
	EffectiveTime time.Time
	InvalidTime   time.Time
}

// TicketIssuer requests issuance tickets from the platform.
type TicketIssuer interface {
	RequestTicket(ctx context.Context, deviceID string) (*Ticket, error)
}

// CredentialSubmitter submits encrypted credentials to the platform.
type CredentialSubmitter interface {
	SubmitCredential(ctx context.Context, sub Submission) (*SubmissionResult, error)
}

// Normalize folds the credential to ASCII digits and fills in defaults.
func (r *Request) Normalize() {
	r.Credential = util.Normalize(r.Credential)
	if r.Name == "" {
		r.Name = defaultName
	}
}

// Validate checks the request against now.
func (r *Request) Validate(now time.Time) error {
	if r.DeviceID == "" {
		return fmt.Errorf("%w: device id is required", ErrInvalidRequest)
	}
	if !util.IsDigits(r.Credential) {
		return fmt.Errorf("%w: password must contain digits only", ErrInvalidRequest)
	}
	if n := len(r.Credential); n < minCredentialDigits || n > maxCredentialDigits {
		return fmt.Errorf("%w: password must be %d to %d digits", ErrInvalidRequest, minCredentialDigits, maxCredentialDigits)
	}
	if utf8.RuneCountInString(r.Name) > maxNameLength {
		return fmt.Errorf("%w: name exceeds %d characters", ErrInvalidRequest, maxNameLength)
	}
	if r.EffectiveTime.IsZero() || r.InvalidTime.IsZero() {
		return fmt.Errorf("%w: validity window is required", ErrInvalidRequest)
	}
	if !r.InvalidTime.After(r.EffectiveTime) {
		return fmt.Errorf("%w: invalid_time must be after effective_time", ErrInvalidRequest)
	}
	if !r.InvalidTime.After(now) {
		return fmt.Errorf("%w: validity window has already ended", ErrInvalidRequest)
	}
	return nil
}
