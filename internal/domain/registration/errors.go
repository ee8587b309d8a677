package registration

import (
	"errors"
	"fmt"
)

// Step names a handshake step.
type Step string

const (
	StepVersions      Step = "versions"
	StepVersionDetail Step = "version_detail"
	StepCredentials   Step = "credentials"
)

var (
	ErrPartySuspended        = errors.New("party is not enabled")
	ErrNoCommonVersion       = errors.New("no mutually supported protocol version")
	ErrNoCredentialsEndpoint = errors.New("peer publishes no credentials endpoint")
	ErrAlreadyRegistered     = errors.New("party is already registered")
	ErrNotRegistered         = errors.New("party is not registered")
	ErrIdentityMismatch      = errors.New("credentials do not match the authenticated party")
	ErrInvalidCredentials    = errors.New("invalid credentials object")
)

// RetryableError reports a transport failure during a handshake step. The
// party record keeps every earlier step's result; retrying resumes at Step.
type RetryableError struct {
	Step Step
	Err  error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("registration step %s failed: %v", e.Step, e.Err)
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is a transport failure worth retrying.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}
