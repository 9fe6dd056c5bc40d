package tokenexchange

import "fmt"

// OAuth error codes returned by the token endpoint for token exchange
const (
	ErrorCodeInvalidRequest       = "invalid_request"
	ErrorCodeInvalidGrant         = "invalid_grant"
	ErrorCodeInvalidScope         = "invalid_scope"
	ErrorCodeInvalidTarget        = "invalid_target"
	ErrorCodeUnsupportedGrantType = "unsupported_grant_type"
)

// Error is a rejected exchange. Description is safe to return to the client;
// Err holds the internal reason for logs.
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

func wrapError(code, description string, err error) *Error {
	return &Error{Code: code, Description: description, Err: err}
}
