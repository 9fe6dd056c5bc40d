package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments for the OAuth extension flows
type Metrics struct {
	// HTTP Layer Metrics
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// Protocol Metrics
	DPoPValidations       metric.Int64Counter
	MTLSAuthentications   metric.Int64Counter
	PushedRequestsCreated metric.Int64Counter
	PushedRequestsUsed    metric.Int64Counter
	BackchannelEvents     metric.Int64Counter
	BackchannelPolls      metric.Int64Counter
	TokenExchanges        metric.Int64Counter
	ScopesGranted         metric.Int64Counter
	ScopesDenied          metric.Int64Counter
	TokensIssued          metric.Int64Counter

	// Security Metrics
	RateLimitExceeded metric.Int64Counter
	ReplayDetected    metric.Int64Counter
	AuditEventsTotal  metric.Int64Counter

	// Storage Metrics
	StorageOperationTotal      metric.Int64Counter
	StorageOperationDuration   metric.Float64Histogram
	StoragePushedRequests      metric.Int64ObservableGauge
	StorageBackchannelRequests metric.Int64ObservableGauge
	StorageReplayEntries       metric.Int64ObservableGauge
	StorageAccessTokens        metric.Int64ObservableGauge
}

// newMetrics creates and registers all metric instruments
func newMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}

	counters := []struct {
		target *metric.Int64Counter
		name   string
		desc   string
		unit   string
	}{
		{&m.HTTPRequestsTotal, "oauth.http.requests.total", "Total number of HTTP requests", "{request}"},
		{&m.DPoPValidations, "oauth.dpop.validations", "DPoP proof validations by result and reason", "{proof}"},
		{&m.MTLSAuthentications, "oauth.mtls.authentications", "Certificate client authentications by result", "{authentication}"},
		{&m.PushedRequestsCreated, "oauth.par.created", "Pushed authorization requests created", "{request}"},
		{&m.PushedRequestsUsed, "oauth.par.consumed", "Pushed authorization request consume attempts by result", "{request}"},
		{&m.BackchannelEvents, "oauth.ciba.transitions", "Backchannel authentication state transitions", "{transition}"},
		{&m.BackchannelPolls, "oauth.ciba.polls", "Backchannel token polls by outcome", "{poll}"},
		{&m.TokenExchanges, "oauth.token_exchange.requests", "Token exchange requests by scenario and result", "{exchange}"},
		{&m.ScopesGranted, "oauth.scope_policy.granted", "Scopes granted by the scope policy engine", "{scope}"},
		{&m.ScopesDenied, "oauth.scope_policy.denied", "Scopes denied by the scope policy engine", "{scope}"},
		{&m.TokensIssued, "oauth.tokens.issued", "Access tokens issued by token type", "{token}"},
		{&m.RateLimitExceeded, "oauth.rate_limit.exceeded", "Requests rejected by rate limiting", "{request}"},
		{&m.ReplayDetected, "oauth.replay.detected", "Replayed single-use identifiers", "{event}"},
		{&m.AuditEventsTotal, "oauth.audit.events.total", "Security audit events", "{event}"},
		{&m.StorageOperationTotal, "storage.operation.total", "Storage operations by operation and result", "{operation}"},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit(c.unit))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
		*c.target = counter
	}

	var err error
	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"oauth.http.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.request.duration histogram: %w", err)
	}

	m.StorageOperationDuration, err = meter.Float64Histogram(
		"storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.duration histogram: %w", err)
	}

	gauges := []struct {
		target *metric.Int64ObservableGauge
		name   string
		desc   string
	}{
		{&m.StoragePushedRequests, "storage.pushed_requests.count", "Stored pushed authorization requests"},
		{&m.StorageBackchannelRequests, "storage.backchannel_requests.count", "Stored backchannel authentication requests"},
		{&m.StorageReplayEntries, "storage.replay_entries.count", "Tracked single-use identifiers"},
		{&m.StorageAccessTokens, "storage.access_tokens.count", "Stored access tokens"},
	}
	for _, g := range gauges {
		gauge, err := meter.Int64ObservableGauge(g.name, metric.WithDescription(g.desc), metric.WithUnit("{item}"))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s gauge: %w", g.name, err)
		}
		*g.target = gauge
	}

	return m, nil
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, statusCode int, durationMs float64) {
	attrs := metric.WithAttributes(
		attribute.String(AttrHTTPMethod, method),
		attribute.String(AttrHTTPEndpoint, endpoint),
		attribute.Int(AttrHTTPStatusCode, statusCode),
	)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)
	m.HTTPRequestDuration.Record(ctx, durationMs, attrs)
}

// RecordDPoPValidation records a proof validation; reason is empty on success
func (m *Metrics) RecordDPoPValidation(ctx context.Context, result, reason string) {
	m.DPoPValidations.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrResult, result),
		attribute.String(AttrReason, reason),
	))
	if reason == "replay" {
		m.ReplayDetected.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrReplayKind, "dpop_jti")))
	}
}

// RecordMTLSAuthentication records a certificate authentication attempt
func (m *Metrics) RecordMTLSAuthentication(ctx context.Context, method, result string) {
	m.MTLSAuthentications.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrAuthMethod, method),
		attribute.String(AttrResult, result),
	))
}

// RecordPushedRequestCreated records a stored pushed authorization request
func (m *Metrics) RecordPushedRequestCreated(ctx context.Context, clientID string) {
	m.PushedRequestsCreated.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrClientID, clientID)))
}

// RecordPushedRequestConsumed records a consume attempt
func (m *Metrics) RecordPushedRequestConsumed(ctx context.Context, result string) {
	m.PushedRequestsUsed.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrResult, result)))
}

// RecordBackchannelTransition records a CIBA state change
func (m *Metrics) RecordBackchannelTransition(ctx context.Context, from, to, mode string) {
	m.BackchannelEvents.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrCIBAFrom, from),
		attribute.String(AttrCIBATo, to),
		attribute.String(AttrCIBAMode, mode),
	))
}

// RecordBackchannelPoll records a token poll outcome (OAuth error code or "issued")
func (m *Metrics) RecordBackchannelPoll(ctx context.Context, outcome string) {
	m.BackchannelPolls.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrResult, outcome)))
}

// RecordTokenExchange records a token exchange request
func (m *Metrics) RecordTokenExchange(ctx context.Context, scenario, result string) {
	m.TokenExchanges.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrScenario, scenario),
		attribute.String(AttrResult, result),
	))
}

// RecordScopeDecision records how many scopes a policy evaluation granted and denied
func (m *Metrics) RecordScopeDecision(ctx context.Context, scenario string, granted, denied int) {
	attrs := metric.WithAttributes(attribute.String(AttrScenario, scenario))
	m.ScopesGranted.Add(ctx, int64(granted), attrs)
	m.ScopesDenied.Add(ctx, int64(denied), attrs)
}

// RecordTokenIssued records an issued access token
func (m *Metrics) RecordTokenIssued(ctx context.Context, tokenType, grantType string) {
	m.TokensIssued.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrTokenType, tokenType),
		attribute.String(AttrGrantType, grantType),
	))
}

// RecordRateLimitExceeded records a rate-limited request
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, limiterType string) {
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrRateLimiterType, limiterType)))
}

// RecordAuditEvent records a security audit event
func (m *Metrics) RecordAuditEvent(ctx context.Context, eventType string) {
	m.AuditEventsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrAuditEventType, eventType)))
}

// RecordStorageOperation records a storage operation
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	attrs := metric.WithAttributes(
		attribute.String(AttrStorageOperation, operation),
		attribute.String(AttrStorageResult, result),
	)
	m.StorageOperationTotal.Add(ctx, 1, attrs)
	m.StorageOperationDuration.Record(ctx, durationMs, attrs)
}
