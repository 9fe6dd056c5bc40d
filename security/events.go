package security

// Event type constants for security audit logging.
const (
	// Token lifecycle events

	// EventTokenIssued is logged when an access token is issued
	EventTokenIssued = "token_issued"

	// EventTokenBindingMismatch is logged when a DPoP- or certificate-bound token
	// is presented with a different key or certificate (likely token theft)
	EventTokenBindingMismatch = "token_binding_mismatch" //nolint:gosec // G101: event type name, not a credential

	// EventTokenExchange is logged for every token exchange decision
	EventTokenExchange = "token_exchange" //nolint:gosec // G101: event type name, not a credential

	// Proof-of-possession events

	// EventDPoPProofRejected is logged when a DPoP proof fails validation
	EventDPoPProofRejected = "dpop_proof_rejected"

	// EventDPoPReplayDetected is logged when a DPoP proof jti is presented twice
	EventDPoPReplayDetected = "dpop_replay_detected"

	// EventCertificateRejected is logged when certificate client authentication fails
	EventCertificateRejected = "certificate_rejected"

	// Flow events

	// EventPushedRequestCreated is logged when a pushed authorization request is stored
	EventPushedRequestCreated = "pushed_request_created"

	// EventPushedRequestRejected is logged when a request_uri cannot be consumed
	EventPushedRequestRejected = "pushed_request_rejected"

	// EventBackchannelTransition is logged when a CIBA request changes state
	EventBackchannelTransition = "backchannel_transition"

	// EventBackchannelDeliveryFailed is logged when push-mode tokens could not be issued
	EventBackchannelDeliveryFailed = "backchannel_delivery_failed"

	// EventScopeDenied is logged when the scope policy engine denies requested scopes
	EventScopeDenied = "scope_denied"

	// Security violation events

	// EventAuthFailure is logged when client authentication fails
	EventAuthFailure = "auth_failure"

	// EventRateLimitExceeded is logged when a rate limit is exceeded
	EventRateLimitExceeded = "rate_limit_exceeded"
)
