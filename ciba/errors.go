package ciba

import (
	"errors"
	"fmt"
)

// OAuth error codes returned by the backchannel and token endpoints
const (
	ErrorCodeInvalidRequest        = "invalid_request"
	ErrorCodeInvalidScope          = "invalid_scope"
	ErrorCodeUnauthorizedClient    = "unauthorized_client"
	ErrorCodeInvalidBindingMessage = "invalid_binding_message"
	ErrorCodeAuthorizationPending  = "authorization_pending"
	ErrorCodeSlowDown              = "slow_down"
	ErrorCodeAccessDenied          = "access_denied"
	ErrorCodeExpiredToken          = "expired_token"
	ErrorCodeInvalidGrant          = "invalid_grant"
	ErrorCodeTransactionFailed     = "transaction_failed"
)

// Errors returned by CompleteAuthentication
var (
	// ErrRequestNotFound is returned for an unknown auth_req_id
	ErrRequestNotFound = errors.New("backchannel authentication request not found")

	// ErrNotPending is returned when the request was already decided or expired
	ErrNotPending = errors.New("backchannel authentication request is not pending")

	// ErrUserMismatch is returned when the authenticating user is not the
	// user the request was resolved to
	ErrUserMismatch = errors.New("user does not match the backchannel authentication request")
)

// Error is a rejected backchannel or token request. Description is safe to
// return to the client.
type Error struct {
	Code        string
	Description string
	Err         error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Description, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(code, description string) *Error {
	return &Error{Code: code, Description: description}
}

// invalidGrant is shared by unknown, consumed and foreign auth_req_id values
func invalidGrant(err error) *Error {
	return &Error{Code: ErrorCodeInvalidGrant, Description: "auth_req_id is invalid", Err: err}
}
