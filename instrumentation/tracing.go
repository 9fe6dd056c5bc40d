package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Common span and metric attribute keys
//
// SECURITY WARNING: Never record actual sensitive values (access tokens, refresh tokens,
// DPoP proofs, client certificates, client secrets, login hints) in traces or metrics.
// Only record metadata such as token types, scenarios, thumbprint presence and
// validation results.
const (
	// OAuth attributes - SAFE to use for metadata only
	AttrClientID         = "oauth.client_id"         // Client identifier (non-secret)
	AttrUserID           = "oauth.user_id"           // User identifier (non-secret)
	AttrScope            = "oauth.scope"             // Requested scopes
	AttrGrantType        = "oauth.grant_type"        // OAuth grant type
	AttrTokenType        = "oauth.token_type"        //nolint:gosec // Token type (Bearer, DPoP) - NOT the actual token
	AttrAuthMethod       = "oauth.auth_method"       // Client authentication method
	AttrScenario         = "oauth.exchange.scenario" // Token exchange scenario
	AttrResult           = "oauth.result"            // success, failure or an OAuth error code
	AttrReason           = "oauth.reason"            // Internal failure reason
	AttrError            = "oauth.error"             // Error code
	AttrErrorDescription = "oauth.error_description" // Error description
	AttrDPoPBound        = "oauth.dpop.bound"        // Whether a token is DPoP-bound (boolean)
	AttrCertBound        = "oauth.mtls.bound"        // Whether a token is certificate-bound (boolean)

	// CIBA attributes
	AttrCIBAFrom = "oauth.ciba.from"
	AttrCIBATo   = "oauth.ciba.to"
	AttrCIBAMode = "oauth.ciba.delivery_mode"

	// RESERVED - never record these as attribute values
	AttrAccessToken = "oauth.access_token" //nolint:gosec // RESERVED - use "token_type" instead
	AttrDPoPProof   = "oauth.dpop.proof"   // RESERVED - use "result" and "reason" instead

	// Storage attributes
	AttrStorageOperation = "storage.operation"
	AttrStorageResult    = "storage.result"
	AttrStorageType      = "storage.type"

	// Security attributes
	AttrRateLimiterType = "security.rate_limiter.type"
	AttrReplayKind      = "security.replay.kind"
	AttrClientIP        = "security.client_ip"
	AttrAuditEventType  = "security.audit.event_type"

	// HTTP attributes
	AttrHTTPEndpoint   = "http.endpoint"
	AttrHTTPMethod     = "http.method"
	AttrHTTPStatusCode = "http.status_code"
)

// RecordError records an error on a span with proper status codes (nil-safe)
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks a span as successful (nil-safe)
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanAttributes sets attributes on a span (nil-safe)
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddOAuthFlowAttributes adds common OAuth flow attributes to a span (nil-safe)
func AddOAuthFlowAttributes(span trace.Span, clientID, grantType, scope string) {
	if clientID != "" {
		SetSpanAttributes(span, attribute.String(AttrClientID, clientID))
	}
	if grantType != "" {
		SetSpanAttributes(span, attribute.String(AttrGrantType, grantType))
	}
	if scope != "" {
		SetSpanAttributes(span, attribute.String(AttrScope, scope))
	}
}

// AddBindingAttributes records which proof-of-possession binding a token carries (nil-safe)
func AddBindingAttributes(span trace.Span, dpopBound, certBound bool) {
	SetSpanAttributes(span,
		attribute.Bool(AttrDPoPBound, dpopBound),
		attribute.Bool(AttrCertBound, certBound),
	)
}

// AddStorageAttributes adds storage operation attributes to a span (nil-safe)
func AddStorageAttributes(span trace.Span, operation, storageType string) {
	SetSpanAttributes(span,
		attribute.String(AttrStorageOperation, operation),
		attribute.String(AttrStorageType, storageType),
	)
}
