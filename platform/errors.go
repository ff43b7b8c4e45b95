package platform

import (
	"errors"
	"fmt"
)

// ErrTransport indicates the request never produced a decodable platform response.
var ErrTransport = errors.New("platform transport error")

// Token-related codes after which the cached access token is discarded.
const (
	codeTokenInvalid = 1010
	codeTokenExpired = 1011
)

// APIError is a failure reported by the platform in its response envelope.
type APIError struct {
	StatusCode int
	Code       int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("platform error %d: %s (http %d)", e.Code, e.Message, e.StatusCode)
}

func (e *APIError) tokenRejected() bool {
	return e.Code == codeTokenInvalid || e.Code == codeTokenExpired
}
