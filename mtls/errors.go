package mtls

import "fmt"

// Error codes returned to clients
const (
	ErrorCodeInvalidClient = "invalid_client"
	ErrorCodeInvalidToken  = "invalid_token"
)

// Reason is the internal cause of a certificate rejection
type Reason string

// Rejection reasons
const (
	ReasonMissingCertificate Reason = "missing_certificate"
	ReasonMalformed          Reason = "malformed_certificate"
	ReasonExpired            Reason = "expired"
	ReasonNotYetValid        Reason = "not_yet_valid"
	ReasonThumbprint         Reason = "thumbprint"
	ReasonUnknownClient      Reason = "unknown_client"
	ReasonNotEnabled         Reason = "mtls_not_enabled"
	ReasonNotRegistered      Reason = "certificate_not_registered"
	ReasonChain              Reason = "chain"
	ReasonRevoked            Reason = "revoked"
	ReasonBindingMismatch    Reason = "binding_mismatch"
	ReasonEndpoint           Reason = "endpoint"
)

// Error is a rejected certificate. Description is safe to return to the
// client; Reason and Err are for logging only.
type Error struct {
	Code        string
	Description string
	Reason      Reason
	Err         error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (%s): %v", e.Code, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s (%s)", e.Code, e.Reason)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func clientError(reason Reason, err error) *Error {
	return &Error{
		Code:        ErrorCodeInvalidClient,
		Description: "Client certificate authentication failed",
		Reason:      reason,
		Err:         err,
	}
}

func tokenError(reason Reason, err error) *Error {
	return &Error{
		Code:        ErrorCodeInvalidToken,
		Description: "Access token is not bound to the presented certificate",
		Reason:      reason,
		Err:         err,
	}
}
