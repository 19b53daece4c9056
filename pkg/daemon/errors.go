package daemon

import (
	"errors"
	"fmt"
)

var (
	// ErrUpstreamUnavailable means the daemon could not be reached at all.
	ErrUpstreamUnavailable = errors.New("kachery daemon unavailable")

	// ErrStorageDirMismatch means the configured storage directory differs
	// from the one the running daemon reports.
	ErrStorageDirMismatch = errors.New("storage directory is inconsistent with the daemon")

	// ErrNoAuthCode means <storage>/client-auth is missing or unreadable.
	ErrNoAuthCode = errors.New("unable to read client auth code")

	// ErrStalled means a streaming reply sent nothing for longer than the
	// client timeout.
	ErrStalled = errors.New("daemon stream stalled")
)

// APIError is a reply from the daemon that reports failure, either through a
// non-200 status or through success=false in the body.
type APIError struct {
	Endpoint string
	Status   int
	Message  string
}

func (e *APIError) Error() string {
	if e.Status != 0 && e.Status != 200 {
		return fmt.Sprintf("daemon %s: status %d: %s", e.Endpoint, e.Status, e.Message)
	}
	return fmt.Sprintf("daemon %s: %s", e.Endpoint, e.Message)
}

// IsAPIError reports whether err carries a daemon-side failure.
func IsAPIError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr)
}
