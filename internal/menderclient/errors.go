package menderclient

import (
	"errors"
	"fmt"
)

// ErrUnauthorized is returned when the backend rejects the device's bearer
// token. The lifecycle reacts by dropping its session and re-authenticating.
var ErrUnauthorized = errors.New("authorization rejected by backend")

// Rejection reasons reported at authentication time.
const (
	ReasonPending             = "pending"
	ReasonRejected            = "rejected"
	ReasonRejectedCredentials = "rejected-credentials"
)

// AuthRejectionError is a structured authorization failure from the
// authentication endpoint, distinguishable from transient network trouble.
type AuthRejectionError struct {
	Reason string
}

func (e *AuthRejectionError) Error() string {
	return fmt.Sprintf("authentication not accepted: %s", e.Reason)
}

// TransientError wraps a network-level or unexpected-status failure that
// the lifecycle should log and retry on its next natural poll.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }
