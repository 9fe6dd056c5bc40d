package dpop

import "fmt"

// Error codes returned to clients
const (
	ErrorCodeInvalidProof = "invalid_dpop_proof"
	ErrorCodeUseNonce     = "use_dpop_nonce"
)

// Reason is the internal cause of a proof rejection
type Reason string

// Rejection reasons
const (
	ReasonMalformed  Reason = "malformed"
	ReasonAlgorithm  Reason = "algorithm"
	ReasonSignature  Reason = "signature"
	ReasonStale      Reason = "stale"
	ReasonFuture     Reason = "future"
	ReasonMethod     Reason = "method"
	ReasonURL        Reason = "url"
	ReasonATH        Reason = "ath"
	ReasonNonce      Reason = "nonce"
	ReasonReplay     Reason = "replay"
	ReasonThumbprint Reason = "thumbprint"
)

// ProofError is a rejected proof. Description is safe to return to the client;
// Reason and Err are for logging only.
type ProofError struct {
	Code        string
	Description string
	Reason      Reason
	Err         error
}

func (e *ProofError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (%s): %v", e.Code, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s (%s)", e.Code, e.Reason)
}

func (e *ProofError) Unwrap() error {
	return e.Err
}

func reject(reason Reason, err error) *ProofError {
	return &ProofError{
		Code:        ErrorCodeInvalidProof,
		Description: "DPoP proof is invalid",
		Reason:      reason,
		Err:         err,
	}
}

func nonceRequired(err error) *ProofError {
	return &ProofError{
		Code:        ErrorCodeUseNonce,
		Description: "Authorization server requires nonce in DPoP proof",
		Reason:      ReasonNonce,
		Err:         err,
	}
}
