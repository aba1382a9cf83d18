// Package escrow implements the client side of the passphrase escrow
// protocol: authenticated HTTP requests with bounded linear-backoff retry,
// the per-action XSRF token handshake, host metadata validation, and the
// secret retrieve/upload/rotation-status operations.
package escrow

import (
	"errors"
	"fmt"
)

// Sentinel errors for request classification.
// Use errors.Is(err, escrow.ErrNotFound) to check.
var (
	// ErrNotFound means the server has no escrowed secret for the target.
	ErrNotFound = errors.New("escrow: no secret for target")

	// ErrPermanent marks a request that failed on every allowed attempt.
	ErrPermanent = errors.New("escrow: permanent failure")

	// ErrBadResponse marks a response that violated the wire protocol,
	// e.g. a missing anti-inclusion prefix.
	ErrBadResponse = errors.New("escrow: malformed server response")
)

// RequestError wraps a transport or protocol failure with the HTTP status,
// the human-readable request description, and the server-reported body.
// It carries a sentinel in Err so callers can match with errors.Is.
type RequestError struct {
	StatusCode  int
	Description string
	Body        string
	Err         error
}

func (e *RequestError) Error() string {
	switch {
	case errors.Is(e.Err, ErrPermanent):
		return fmt.Sprintf("escrow: %s failed permanently: %v", e.Description, e.Err)
	case e.StatusCode != 0 && e.Body != "":
		return fmt.Sprintf("escrow: %s failed: HTTP %d: %s", e.Description, e.StatusCode, e.Body)
	case e.StatusCode != 0:
		return fmt.Sprintf("escrow: %s failed: HTTP %d", e.Description, e.StatusCode)
	default:
		return fmt.Sprintf("escrow: %s failed: %v", e.Description, e.Err)
	}
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// MetadataError reports the first required host metadata key that is
// absent or empty. Uploads must not proceed until it is resolved.
type MetadataError struct {
	Key string
}

func (e *MetadataError) Error() string {
	return fmt.Sprintf("escrow: required metadata is not found: %s", e.Key)
}
