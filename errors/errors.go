// Package errors provides centralized error definitions for the portier client.
package errors

import (
	"errors"
	"fmt"
)

// Store errors.
var (
	// ErrStoreCorrupt indicates the on-disk cookie jar could not be decoded.
	ErrStoreCorrupt = errors.New("cookie store corrupt")

	// ErrStoreWrite indicates the cookie jar could not be written to disk.
	// The in-memory jar is still valid but unsaved.
	ErrStoreWrite = errors.New("cookie store write failed")
)

// Session state errors.
var (
	// ErrNoActiveSession indicates an operation needed a session the client does not hold.
	ErrNoActiveSession = errors.New("no active session")

	// ErrNotConfirmed indicates the session is still pending verification.
	ErrNotConfirmed = errors.New("session not confirmed")
)

// Exchange errors. Each one names the stage of the login flow that failed.
var (
	// ErrLoginFailed indicates the RPC service did not issue a pending session.
	ErrLoginFailed = errors.New("login failed")

	// ErrConfirmationFailed indicates the broker rejected or could not verify the code.
	ErrConfirmationFailed = errors.New("confirmation failed")

	// ErrClaimFailed indicates the identity token could not be exchanged for a session.
	ErrClaimFailed = errors.New("claim failed")

	// ErrWhoAmIFailed indicates the RPC service did not return user data.
	// Callers should treat it as "re-authenticate".
	ErrWhoAmIFailed = errors.New("whoami failed")

	// ErrLogoutFailed indicates the RPC service did not acknowledge the logout.
	ErrLogoutFailed = errors.New("logout failed")

	// ErrUnexpectedStatus indicates a non-2xx HTTP response.
	ErrUnexpectedStatus = errors.New("unexpected status")
)

// ErrConfig indicates the client configuration is invalid.
var ErrConfig = errors.New("invalid client configuration")

// Stage identifies one network exchange of the login flow.
type Stage string

// Exchange stages.
const (
	StageLogin   Stage = "login"
	StageConfirm Stage = "confirm"
	StageClaim   Stage = "claim"
	StageWhoAmI  Stage = "whoami"
	StageLogout  Stage = "logout"
)

// sentinel returns the stage-specific error for s.
func (s Stage) sentinel() error {
	switch s {
	case StageLogin:
		return ErrLoginFailed
	case StageConfirm:
		return ErrConfirmationFailed
	case StageClaim:
		return ErrClaimFailed
	case StageWhoAmI:
		return ErrWhoAmIFailed
	case StageLogout:
		return ErrLogoutFailed
	}
	return nil
}

// ExchangeError wraps a failed exchange with the stage it happened in.
// errors.Is matches both the stage sentinel (e.g. ErrClaimFailed) and the
// underlying cause.
type ExchangeError struct {
	Stage Stage

	// StatusCode is the HTTP status of the response, 0 if none was received.
	StatusCode int

	Err error
}

// Error implements the error interface.
func (e *ExchangeError) Error() string {
	msg := string(e.Stage)
	if s := e.Stage.sentinel(); s != nil {
		msg = s.Error()
	}
	if e.Err == nil {
		return msg
	}
	return fmt.Sprintf("%s: %v", msg, e.Err)
}

// Unwrap returns the stage sentinel and the underlying cause.
func (e *ExchangeError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if s := e.Stage.sentinel(); s != nil {
		errs = append(errs, s)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// StatusError builds the cause used for non-2xx responses.
func StatusError(code int) error {
	return fmt.Errorf("%w: %d", ErrUnexpectedStatus, code)
}

// StageOf returns the stage of the first ExchangeError in err's chain.
func StageOf(err error) (Stage, bool) {
	var ee *ExchangeError
	if errors.As(err, &ee) {
		return ee.Stage, true
	}
	return "", false
}
