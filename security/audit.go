package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"
	"time"

	"github.com/giantswarm/oauth-ext/instrumentation"
)

// Auditor handles security event logging with PII protection.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
	metrics *instrumentation.Metrics
}

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
	}
}

// SetInstrumentation makes the auditor count events in the audit metric
func (a *Auditor) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst != nil {
		a.metrics = inst.Metrics()
	}
}

// Event represents a security audit event
type Event struct {
	Type      string
	UserID    string
	ClientID  string
	IPAddress string
	RequestID string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event with hashed PII. The request id stored in
// ctx by RequestIDMiddleware is attached when the event has none.
func (a *Auditor) LogEvent(ctx context.Context, event Event) {
	if a == nil || !a.enabled {
		return
	}

	event.Timestamp = time.Now()
	if event.RequestID == "" {
		event.RequestID = GetRequestID(ctx)
	}

	a.logger.InfoContext(ctx, "security_audit",
		"event_type", event.Type,
		"request_id", event.RequestID,
		"user_id_hash", hashForLogging(event.UserID),
		"client_id", event.ClientID,
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)

	if a.metrics != nil {
		a.metrics.RecordAuditEvent(ctx, event.Type)
	}
}

// LogTokenIssued logs when a token is issued. binding is "dpop", "mtls" or "" for bearer tokens.
func (a *Auditor) LogTokenIssued(ctx context.Context, userID, clientID, grantType, binding string, scopes []string) {
	a.LogEvent(ctx, Event{
		Type:     EventTokenIssued,
		UserID:   userID,
		ClientID: clientID,
		Details: map[string]any{
			"grant_type": grantType,
			"binding":    binding,
			"scope":      strings.Join(scopes, " "),
		},
	})
}

// LogProofRejected logs a DPoP proof that failed validation. reason is the internal reason.
func (a *Auditor) LogProofRejected(ctx context.Context, clientID, ipAddress, reason string) {
	eventType := EventDPoPProofRejected
	if reason == "replay" {
		eventType = EventDPoPReplayDetected
	}
	a.LogEvent(ctx, Event{
		Type:      eventType,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogCertificateRejected logs a failed certificate client authentication
func (a *Auditor) LogCertificateRejected(ctx context.Context, clientID, ipAddress, reason string) {
	a.LogEvent(ctx, Event{
		Type:      EventCertificateRejected,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogBindingMismatch logs a bound token presented with the wrong key or certificate
func (a *Auditor) LogBindingMismatch(ctx context.Context, userID, clientID, binding string) {
	a.LogEvent(ctx, Event{
		Type:     EventTokenBindingMismatch,
		UserID:   userID,
		ClientID: clientID,
		Details: map[string]any{
			"binding": binding,
		},
	})
}

// LogScopeDecision logs a scope policy evaluation that denied at least one scope
func (a *Auditor) LogScopeDecision(ctx context.Context, clientID, scenario string, granted, denied []string) {
	a.LogEvent(ctx, Event{
		Type:     EventScopeDenied,
		ClientID: clientID,
		Details: map[string]any{
			"scenario": scenario,
			"granted":  strings.Join(granted, " "),
			"denied":   strings.Join(denied, " "),
		},
	})
}

// LogBackchannelTransition logs a CIBA state change
func (a *Auditor) LogBackchannelTransition(ctx context.Context, userID, clientID, authReqIDPrefix, from, to string) {
	a.LogEvent(ctx, Event{
		Type:     EventBackchannelTransition,
		UserID:   userID,
		ClientID: clientID,
		Details: map[string]any{
			"auth_req_id_prefix": authReqIDPrefix,
			"from":               from,
			"to":                 to,
		},
	})
}

// LogBackchannelDeliveryFailed logs a push-mode request whose tokens could not be issued
func (a *Auditor) LogBackchannelDeliveryFailed(ctx context.Context, userID, clientID, authReqIDPrefix, reason string) {
	a.LogEvent(ctx, Event{
		Type:     EventBackchannelDeliveryFailed,
		UserID:   userID,
		ClientID: clientID,
		Details: map[string]any{
			"auth_req_id_prefix": authReqIDPrefix,
			"reason":             reason,
		},
	})
}

// LogTokenExchange logs the outcome of a token exchange
func (a *Auditor) LogTokenExchange(ctx context.Context, userID, clientID, actorClientID, scenario, result string) {
	a.LogEvent(ctx, Event{
		Type:     EventTokenExchange,
		UserID:   userID,
		ClientID: clientID,
		Details: map[string]any{
			"actor_client_id": actorClientID,
			"scenario":        scenario,
			"result":          result,
		},
	})
}

// LogAuthFailure logs a client authentication failure
func (a *Auditor) LogAuthFailure(ctx context.Context, clientID, ipAddress, reason string) {
	a.LogEvent(ctx, Event{
		Type:      EventAuthFailure,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogRateLimitExceeded logs a rate limit violation
func (a *Auditor) LogRateLimitExceeded(ctx context.Context, clientID, ipAddress, endpoint string) {
	a.LogEvent(ctx, Event{
		Type:      EventRateLimitExceeded,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"endpoint": endpoint,
		},
	})
}

// hashForLogging creates a SHA256 hash of sensitive data for logging
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
