package ciba

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"
	"unicode"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/giantswarm/oauth-ext/identity"
	"github.com/giantswarm/oauth-ext/instrumentation"
	"github.com/giantswarm/oauth-ext/internal/util"
	"github.com/giantswarm/oauth-ext/scopepolicy"
	"github.com/giantswarm/oauth-ext/security"
	"github.com/giantswarm/oauth-ext/storage"
	"github.com/giantswarm/oauth-ext/token"
)

// Grant types accepted at the token endpoint
const (
	GrantType      = "urn:openid:params:grant-type:ciba"
	GrantTypeAlias = "urn:ietf:params:oauth:grant-type:ciba"
)

const (
	// DefaultExpiry is the lifetime of a request without requested_expiry
	DefaultExpiry = 5 * time.Minute

	// DefaultMaxExpiry bounds requested_expiry
	DefaultMaxExpiry = 30 * time.Minute

	// DefaultInterval is the minimum polling interval
	DefaultInterval = 5 * time.Second

	// SlowDownIncrement is added to the interval on every slow_down
	SlowDownIncrement = 5 * time.Second

	// MaxBindingMessageLength is the longest accepted binding_message
	MaxBindingMessageLength = 20

	// MaxNotificationTokenLength bounds client_notification_token
	MaxNotificationTokenLength = 1024

	idLogLength = 8
)

// IsGrantType reports whether grantType is the CIBA grant or its alias
func IsGrantType(grantType string) bool {
	return grantType == GrantType || grantType == GrantTypeAlias
}

// Request is a backchannel authentication request
type Request struct {
	Scope                   string
	ClientNotificationToken string
	ACRValues               string
	BindingMessage          string

	// Exactly one hint must be set
	IDTokenHint    string
	LoginHintToken string
	LoginHint      string
	UserCode       string

	// RequestedExpiry is the requested lifetime; zero uses the default
	RequestedExpiry time.Duration
}

// Response is the backchannel authentication response
type Response struct {
	AuthReqID string `json:"auth_req_id"`
	ExpiresIn int    `json:"expires_in"`
	Interval  int    `json:"interval,omitempty"`
}

// Config configures the service
type Config struct {
	// DefaultExpiry is the request lifetime when none is requested (default: 5m)
	DefaultExpiry time.Duration

	// MaxExpiry bounds requested_expiry (default: 30m)
	MaxExpiry time.Duration

	// Interval is the minimum polling interval (default: 5s)
	Interval time.Duration

	// UserCodeSupported accepts the user_code hint
	UserCodeSupported bool

	// NotificationTimeout bounds each ping or push delivery (default: 10s)
	NotificationTimeout time.Duration
}

// Service drives backchannel authentication requests through their states
type Service struct {
	store    storage.BackchannelStore
	resolver *identity.Resolver
	policy   *scopepolicy.Engine
	issuer   *token.Issuer
	notifier Notifier
	config   Config
	logger   *slog.Logger
	auditor  *security.Auditor

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	// notifications tracks in-flight deliveries for Wait
	notifications sync.WaitGroup

	now func() time.Time
}

// NewService creates a backchannel authentication service. notifier may be nil
// when no client uses ping or push delivery.
func NewService(cfg Config, store storage.BackchannelStore, resolver *identity.Resolver, policy *scopepolicy.Engine, issuer *token.Issuer, notifier Notifier, logger *slog.Logger) (*Service, error) {
	if store == nil || resolver == nil || policy == nil || issuer == nil {
		return nil, errors.New("ciba: store, resolver, policy engine and issuer are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DefaultExpiry <= 0 {
		cfg.DefaultExpiry = DefaultExpiry
	}
	if cfg.MaxExpiry <= 0 {
		cfg.MaxExpiry = DefaultMaxExpiry
	}
	if cfg.DefaultExpiry > cfg.MaxExpiry {
		return nil, fmt.Errorf("ciba: default expiry %s exceeds max expiry %s", cfg.DefaultExpiry, cfg.MaxExpiry)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.NotificationTimeout <= 0 {
		cfg.NotificationTimeout = DefaultNotificationTimeout
	}
	return &Service{
		store:    store,
		resolver: resolver,
		policy:   policy,
		issuer:   issuer,
		notifier: notifier,
		config:   cfg,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// SetAuditor sets the security auditor
func (s *Service) SetAuditor(auditor *security.Auditor) {
	s.auditor = auditor
}

// SetInstrumentation sets the instrumentation for metrics and tracing
func (s *Service) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("ciba")
	}
}

// Wait blocks until in-flight notifications finish or ctx is done
func (s *Service) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.notifications.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CreateRequest validates req from the authenticated client, resolves the user
// and admits the scopes, then stores a pending request.
func (s *Service) CreateRequest(ctx context.Context, client *storage.Client, req Request) (*Response, error) {
	if client == nil {
		return nil, errors.New("ciba: client is required")
	}
	if s.tracer != nil {
		var span trace.Span
		ctx, span = s.tracer.Start(ctx, "ciba.create_request")
		defer span.End()
		instrumentation.AddOAuthFlowAttributes(span, client.ClientID, GrantType, req.Scope)
	}

	mode, expiry, err := s.validate(client, req)
	if err != nil {
		s.logRejected(ctx, client.ClientID, err)
		return nil, err
	}

	resolution, err := s.resolver.Resolve(ctx, identity.Hints{
		IDTokenHint:    req.IDTokenHint,
		LoginHintToken: req.LoginHintToken,
		LoginHint:      req.LoginHint,
		UserCode:       req.UserCode,
		Client:         client,
	})
	if err != nil {
		if errors.Is(err, identity.ErrInvalidHint) {
			cerr := &Error{Code: ErrorCodeInvalidRequest, Description: "identity hint is invalid", Err: err}
			s.logRejected(ctx, client.ClientID, cerr)
			return nil, cerr
		}
		return nil, fmt.Errorf("failed to resolve user: %w", err)
	}

	requested := util.ParseScopes(req.Scope)
	decision, err := s.policy.Validate(ctx, scopepolicy.ExchangeContext{
		Scenario:        scopepolicy.ScenarioDelegation,
		Subject:         client,
		SubjectScopes:   client.Scopes,
		RequestedScopes: requested,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate scope policy: %w", err)
	}
	if !decision.Valid || !slices.Contains(decision.Granted, "openid") {
		cerr := newError(ErrorCodeInvalidScope, "requested scope is not allowed")
		s.logRejected(ctx, client.ClientID, cerr)
		return nil, cerr
	}

	now := s.now()
	authReqID := oauth2.GenerateVerifier()
	record := &storage.BackchannelRequest{
		ID:                      storage.NewID(now),
		AuthReqID:               authReqID,
		ClientID:                client.ClientID,
		Scopes:                  requested,
		GrantedScopes:           decision.Granted,
		BindingMessage:          req.BindingMessage,
		ACRValues:               req.ACRValues,
		DeliveryMode:            mode,
		ClientNotificationToken: req.ClientNotificationToken,
		NotificationEndpoint:    client.BackchannelNotificationEndpoint,
		IDTokenHint:             req.IDTokenHint,
		LoginHintToken:          req.LoginHintToken,
		LoginHint:               req.LoginHint,
		UserCode:                req.UserCode,
		UserID:                  resolution.UserID(),
		ResolutionMethod:        string(resolution.Method),
		ResolutionConfidence:    string(resolution.Confidence),
		RequiresInteraction:     resolution.RequiresInteraction,
		Status:                  storage.BackchannelPending,
		RequestedExpiry:         req.RequestedExpiry,
		CreatedAt:               now,
		ExpiresAt:               now.Add(expiry),
	}
	if mode != storage.DeliveryPush {
		record.Interval = s.config.Interval
	}

	if err := s.store.SaveBackchannelRequest(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to store backchannel request: %w", err)
	}

	s.logger.Info("Created backchannel authentication request",
		"auth_req_id_prefix", util.SafeTruncate(authReqID, idLogLength),
		"client_id", client.ClientID,
		"delivery_mode", string(mode),
		"resolution", string(resolution.Method),
		"requires_interaction", resolution.RequiresInteraction)
	s.recordTransition(ctx, record, "", storage.BackchannelPending)
	instrumentation.SetSpanSuccess(trace.SpanFromContext(ctx))

	resp := &Response{
		AuthReqID: authReqID,
		ExpiresIn: int(expiry.Seconds()),
	}
	if record.Interval > 0 {
		resp.Interval = int(record.Interval.Seconds())
	}
	return resp, nil
}

// validate checks the request against the client registration and returns
// the delivery mode and the request lifetime
func (s *Service) validate(client *storage.Client, req Request) (storage.DeliveryMode, time.Duration, error) {
	if !slices.Contains(util.ParseScopes(req.Scope), "openid") {
		return "", 0, newError(ErrorCodeInvalidScope, "scope must include openid")
	}

	hints := 0
	for _, h := range []string{req.IDTokenHint, req.LoginHintToken, req.LoginHint, req.UserCode} {
		if h != "" {
			hints++
		}
	}
	if hints != 1 {
		return "", 0, newError(ErrorCodeInvalidRequest, "exactly one of id_token_hint, login_hint_token, login_hint or user_code is required")
	}
	if req.UserCode != "" && !s.config.UserCodeSupported {
		return "", 0, newError(ErrorCodeInvalidRequest, "user_code is not supported")
	}

	if err := validateBindingMessage(req.BindingMessage); err != nil {
		return "", 0, err
	}

	mode := client.BackchannelDeliveryMode
	if mode == "" {
		mode = storage.DeliveryPoll
	}
	if !mode.Valid() {
		return "", 0, newError(ErrorCodeUnauthorizedClient, "client is not registered for backchannel authentication")
	}
	if mode != storage.DeliveryPoll {
		if client.BackchannelNotificationEndpoint == "" {
			return "", 0, newError(ErrorCodeUnauthorizedClient, "client has no notification endpoint")
		}
		if req.ClientNotificationToken == "" {
			return "", 0, newError(ErrorCodeInvalidRequest, "client_notification_token is required")
		}
	}
	if len(req.ClientNotificationToken) > MaxNotificationTokenLength {
		return "", 0, newError(ErrorCodeInvalidRequest, "client_notification_token is too long")
	}

	expiry := s.config.DefaultExpiry
	if req.RequestedExpiry != 0 {
		if req.RequestedExpiry < 0 || req.RequestedExpiry > s.config.MaxExpiry {
			return "", 0, newError(ErrorCodeInvalidRequest, "requested_expiry is out of range")
		}
		expiry = req.RequestedExpiry
	}
	return mode, expiry, nil
}

func validateBindingMessage(msg string) error {
	if msg == "" {
		return nil
	}
	if len([]rune(msg)) > MaxBindingMessageLength {
		return newError(ErrorCodeInvalidBindingMessage, "binding_message is too long")
	}
	for _, r := range msg {
		if unicode.IsControl(r) {
			return newError(ErrorCodeInvalidBindingMessage, "binding_message contains control characters")
		}
	}
	return nil
}

// Lookup returns a request for display on the authentication device
func (s *Service) Lookup(ctx context.Context, authReqID string) (*storage.BackchannelRequest, error) {
	req, err := s.store.GetBackchannelRequest(ctx, authReqID)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %v", ErrRequestNotFound, err)
		}
		return nil, fmt.Errorf("failed to load backchannel request: %w", err)
	}
	req.Status = req.EffectiveStatus(s.now())
	return req, nil
}

// CompleteAuthentication records the decision of userID on a pending request.
// It succeeds at most once per request. For ping and push clients the
// notification is sent after the decision is stored.
func (s *Service) CompleteAuthentication(ctx context.Context, authReqID, userID string, approved bool) error {
	if s.tracer != nil {
		var span trace.Span
		ctx, span = s.tracer.Start(ctx, "ciba.complete_authentication")
		defer span.End()
		span.SetAttributes(attribute.Bool("oauth.ciba.approved", approved))
	}

	current, err := s.Lookup(ctx, authReqID)
	if err != nil {
		return err
	}
	if userID == "" {
		userID = current.UserID
	}
	if userID == "" {
		return fmt.Errorf("%w: no user authenticated the request", ErrUserMismatch)
	}
	if current.UserID != "" && !current.RequiresInteraction && !util.ConstantTimeEqual(current.UserID, userID) {
		s.logger.Warn("Backchannel authentication completed by a different user",
			"auth_req_id_prefix", util.SafeTruncate(authReqID, idLogLength),
			"client_id", current.ClientID)
		return ErrUserMismatch
	}

	status := storage.BackchannelDenied
	if approved {
		status = storage.BackchannelAuthorized
	}

	req, err := s.store.CompleteBackchannelRequest(ctx, authReqID, userID, status, s.now())
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrBackchannelNotPending):
			state := ""
			if req != nil {
				state = string(req.Status)
			}
			return fmt.Errorf("%w: request is %s", ErrNotPending, state)
		case storage.IsNotFound(err):
			return fmt.Errorf("%w: %v", ErrRequestNotFound, err)
		}
		return fmt.Errorf("failed to complete backchannel request: %w", err)
	}

	s.recordTransition(ctx, req, storage.BackchannelPending, status)

	switch req.DeliveryMode {
	case storage.DeliveryPing:
		s.notify(req, PingPayload{AuthReqID: req.AuthReqID})
	case storage.DeliveryPush:
		return s.push(ctx, req, approved)
	}
	return nil
}

// push mints tokens for an approved push-mode request and delivers them, or
// delivers access_denied
func (s *Service) push(ctx context.Context, req *storage.BackchannelRequest, approved bool) error {
	if !approved {
		s.notify(req, PushErrorPayload{
			AuthReqID:        req.AuthReqID,
			Error:            ErrorCodeAccessDenied,
			ErrorDescription: "The end-user denied the authorization request",
		})
		return nil
	}

	// Issue before consuming so a failed issuance leaves the request authorized
	tok, record, err := s.issueRecord(ctx, req, "", "")
	if err != nil {
		s.pushFailed(ctx, req, err)
		return err
	}
	consumed, err := s.store.ConsumeBackchannelRequest(ctx, req.AuthReqID, req.ClientID, s.now())
	if err != nil {
		if rerr := s.issuer.Revoke(ctx, record.ID); rerr != nil {
			s.logger.Error("Failed to revoke unused push token",
				"auth_req_id_prefix", util.SafeTruncate(req.AuthReqID, idLogLength),
				"error", rerr)
		}
		err = fmt.Errorf("failed to consume push request: %w", err)
		s.pushFailed(ctx, req, err)
		return err
	}
	s.recordTransition(ctx, consumed, storage.BackchannelAuthorized, storage.BackchannelConsumed)

	scope, _ := tok.Extra("scope").(string)
	s.notify(req, PushTokenPayload{
		AuthReqID:    req.AuthReqID,
		AccessToken:  tok.AccessToken,
		TokenType:    tok.TokenType,
		RefreshToken: tok.RefreshToken,
		ExpiresIn:    tok.ExpiresIn,
		Scope:        scope,
	})
	return nil
}

// notify delivers payload in the background
func (s *Service) notify(req *storage.BackchannelRequest, payload any) {
	if s.notifier == nil || req.NotificationEndpoint == "" {
		s.logger.Warn("No notifier for backchannel request",
			"auth_req_id_prefix", util.SafeTruncate(req.AuthReqID, idLogLength),
			"delivery_mode", string(req.DeliveryMode))
		return
	}

	endpoint := req.NotificationEndpoint
	bearer := req.ClientNotificationToken
	prefix := util.SafeTruncate(req.AuthReqID, idLogLength)
	mode := string(req.DeliveryMode)

	s.notifications.Add(1)
	go func() {
		defer s.notifications.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.config.NotificationTimeout)
		defer cancel()

		if err := s.notifier.Notify(ctx, endpoint, bearer, payload); err != nil {
			s.logger.Warn("Failed to deliver backchannel notification",
				"auth_req_id_prefix", prefix,
				"delivery_mode", mode,
				"error", err)
			return
		}
		s.logger.Debug("Sent backchannel notification",
			"auth_req_id_prefix", prefix,
			"delivery_mode", mode)
	}()
}

// ExchangeForTokens redeems authReqID for tokens at the token endpoint.
// dpopJKT and certThumbprint bind the issued token when set.
func (s *Service) ExchangeForTokens(ctx context.Context, clientID, authReqID, dpopJKT, certThumbprint string) (*oauth2.Token, error) {
	if s.tracer != nil {
		var span trace.Span
		ctx, span = s.tracer.Start(ctx, "ciba.exchange")
		defer span.End()
		instrumentation.AddOAuthFlowAttributes(span, clientID, GrantType, "")
	}

	if authReqID == "" {
		return nil, newError(ErrorCodeInvalidRequest, "auth_req_id is required")
	}

	// Ownership is checked before the poll is recorded so that another client
	// cannot move LastPolledAt
	owned, err := s.store.GetBackchannelRequest(ctx, authReqID)
	if err != nil {
		if storage.IsNotFound(err) {
			s.recordPoll(ctx, "invalid_grant")
			return nil, invalidGrant(err)
		}
		return nil, fmt.Errorf("failed to load backchannel request: %w", err)
	}
	if owned.ClientID != clientID || owned.DeliveryMode == storage.DeliveryPush {
		s.recordPoll(ctx, "invalid_grant")
		return nil, invalidGrant(errors.New("request belongs to another client or uses push delivery"))
	}

	now := s.now()
	prev, err := s.store.RecordBackchannelPoll(ctx, authReqID, now)
	if err != nil {
		if storage.IsNotFound(err) {
			s.recordPoll(ctx, "invalid_grant")
			return nil, invalidGrant(err)
		}
		return nil, fmt.Errorf("failed to record backchannel poll: %w", err)
	}

	if !prev.LastPolledAt.IsZero() && now.Sub(prev.LastPolledAt) < prev.Interval {
		interval := prev.Interval + SlowDownIncrement
		if err := s.store.UpdateBackchannelInterval(ctx, authReqID, interval); err != nil {
			return nil, fmt.Errorf("failed to update polling interval: %w", err)
		}
		s.recordPoll(ctx, ErrorCodeSlowDown)
		return nil, newError(ErrorCodeSlowDown, fmt.Sprintf("polling too fast, wait at least %d seconds", int(interval.Seconds())))
	}

	if err := stateError(prev.EffectiveStatus(now)); err != nil {
		s.recordPoll(ctx, err.Code)
		return nil, err
	}

	req, err := s.store.ConsumeBackchannelRequest(ctx, authReqID, clientID, now)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrBackchannelNotConsumable) && req != nil:
			// Lost a race with another poll or an expiry
			serr := stateError(req.Status)
			if serr == nil {
				serr = invalidGrant(err)
			}
			s.recordPoll(ctx, serr.Code)
			return nil, serr
		case storage.IsNotFound(err):
			s.recordPoll(ctx, "invalid_grant")
			return nil, invalidGrant(err)
		}
		return nil, fmt.Errorf("failed to consume backchannel request: %w", err)
	}

	tok, err := s.issue(ctx, req, dpopJKT, certThumbprint)
	if err != nil {
		return nil, err
	}
	s.recordTransition(ctx, req, storage.BackchannelAuthorized, storage.BackchannelConsumed)
	s.recordPoll(ctx, "success")
	instrumentation.SetSpanSuccess(trace.SpanFromContext(ctx))
	return tok, nil
}

// stateError maps a non-authorized state to its token endpoint error
func stateError(status storage.BackchannelStatus) *Error {
	switch status {
	case storage.BackchannelAuthorized:
		return nil
	case storage.BackchannelPending:
		return newError(ErrorCodeAuthorizationPending, "The authorization request is still pending")
	case storage.BackchannelDenied:
		return newError(ErrorCodeAccessDenied, "The end-user denied the authorization request")
	case storage.BackchannelExpired:
		return newError(ErrorCodeExpiredToken, "The auth_req_id has expired")
	}
	return invalidGrant(fmt.Errorf("request is %s", status))
}

func (s *Service) issue(ctx context.Context, req *storage.BackchannelRequest, dpopJKT, certThumbprint string) (*oauth2.Token, error) {
	tok, _, err := s.issueRecord(ctx, req, dpopJKT, certThumbprint)
	return tok, err
}

func (s *Service) issueRecord(ctx context.Context, req *storage.BackchannelRequest, dpopJKT, certThumbprint string) (*oauth2.Token, *storage.AccessToken, error) {
	tok, record, err := s.issuer.Issue(ctx, token.Grant{
		ClientID:       req.ClientID,
		UserID:         req.UserID,
		Scopes:         req.GrantedScopes,
		GrantType:      GrantType,
		JKT:            dpopJKT,
		CertThumbprint: certThumbprint,
		RefreshToken:   true,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to issue tokens: %w", err)
	}
	return tok, record, nil
}

// pushFailed records a push-mode request that could not deliver tokens and
// notifies the client
func (s *Service) pushFailed(ctx context.Context, req *storage.BackchannelRequest, err error) {
	prefix := util.SafeTruncate(req.AuthReqID, idLogLength)
	s.logger.Error("Failed to deliver push tokens",
		"auth_req_id_prefix", prefix,
		"client_id", req.ClientID,
		"error", err)
	s.auditor.LogBackchannelDeliveryFailed(ctx, req.UserID, req.ClientID, prefix, err.Error())
	s.notify(req, PushErrorPayload{
		AuthReqID:        req.AuthReqID,
		Error:            ErrorCodeTransactionFailed,
		ErrorDescription: "The authorization server could not issue tokens",
	})
}

func (s *Service) recordTransition(ctx context.Context, req *storage.BackchannelRequest, from, to storage.BackchannelStatus) {
	s.auditor.LogBackchannelTransition(ctx, req.UserID, req.ClientID,
		util.SafeTruncate(req.AuthReqID, idLogLength), string(from), string(to))
	if s.instrumentation != nil {
		s.instrumentation.Metrics().RecordBackchannelTransition(ctx, string(from), string(to), string(req.DeliveryMode))
	}
}

func (s *Service) recordPoll(ctx context.Context, outcome string) {
	if s.instrumentation != nil {
		s.instrumentation.Metrics().RecordBackchannelPoll(ctx, outcome)
	}
}

func (s *Service) logRejected(ctx context.Context, clientID string, err error) {
	instrumentation.RecordError(trace.SpanFromContext(ctx), err)
	var cerr *Error
	if errors.As(err, &cerr) {
		s.logger.Info("Rejected backchannel authentication request",
			"client_id", clientID,
			"error", cerr.Code,
			"error_description", cerr.Description)
	}
}
