package token

import "fmt"

// ErrorCodeInvalidToken is the RFC 6750 error code for rejected access tokens
const ErrorCodeInvalidToken = "invalid_token"

// Error is a rejected access token. Description is safe to return to the
// client; Err is for logging only.
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

func invalidToken(description string, err error) *Error {
	return &Error{Code: ErrorCodeInvalidToken, Description: description, Err: err}
}
