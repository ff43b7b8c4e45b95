package issuance

import (
	"errors"
	"fmt"
)

var (
	// ErrTicketRequestFailed indicates the platform did not issue a usable ticket.
	ErrTicketRequestFailed = errors.New("ticket request failed")
	// ErrTicketExpired indicates the ticket was already expired when received.
	ErrTicketExpired = errors.New("ticket expired")
	// ErrKeyUnwrapFailed indicates the ticket key could not be unwrapped.
	ErrKeyUnwrapFailed = errors.New("key unwrap failed")
	// ErrCredentialEncryptFailed indicates the credential could not be encrypted.
	ErrCredentialEncryptFailed = errors.New("credential encryption failed")
	// ErrSubmissionFailed indicates the platform rejected or never received the credential.
	ErrSubmissionFailed = errors.New("credential submission failed")
	// ErrInvalidRequest indicates the issuance request failed validation.
	ErrInvalidRequest = errors.New("invalid issuance request")
)

// StageError records the stage at which an issuance flow stopped.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("issuance %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// FailedStage returns the stage recorded in err, if any.
func FailedStage(err error) (Stage, bool) {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage, true
	}
	return "", false
}
