package par

import "fmt"

// ErrorCodeInvalidRequest is the OAuth error code for every PAR failure
const ErrorCodeInvalidRequest = "invalid_request"

// descriptionInvalidRequestURI is shared by every consume failure
const descriptionInvalidRequestURI = "request_uri is invalid or expired"

// Error is a rejected pushed request or request_uri. Description is safe to
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

func invalidRequest(description string) *Error {
	return &Error{Code: ErrorCodeInvalidRequest, Description: description}
}

func invalidRequestURI(err error) *Error {
	return &Error{Code: ErrorCodeInvalidRequest, Description: descriptionInvalidRequestURI, Err: err}
}
