package media

import (
	"errors"
	"fmt"
)

var (
	// ErrUpstreamFetchFailed indicates the container could not be fetched from blob storage.
	ErrUpstreamFetchFailed = errors.New("upstream fetch failed")
	// ErrInvalidSourceURL indicates the caller-supplied URL is unusable.
	ErrInvalidSourceURL = errors.New("invalid source url")
	// ErrHostNotAllowed indicates the URL host is outside the configured allow-list.
	ErrHostNotAllowed = errors.New("source host not allowed")
	// ErrContainerTooLarge indicates the upstream body exceeded the size cap.
	ErrContainerTooLarge = errors.New("media container too large")
)

// UpstreamError carries the status code of a non-success upstream response.
type UpstreamError struct {
	StatusCode int
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%v: upstream returned status %d", ErrUpstreamFetchFailed, e.StatusCode)
}

func (e *UpstreamError) Unwrap() error {
	return ErrUpstreamFetchFailed
}
