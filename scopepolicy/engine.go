package scopepolicy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/giantswarm/oauth-ext/instrumentation"
	"github.com/giantswarm/oauth-ext/internal/util"
	"github.com/giantswarm/oauth-ext/security"
	"github.com/giantswarm/oauth-ext/storage"
)

// StepUpMaxLifetime caps the lifetime of tokens minted through step-up
const StepUpMaxLifetime = 15 * time.Minute

// Scenario classifies a token-minting request
type Scenario int

// Scenarios
const (
	ScenarioDelegation Scenario = iota + 1
	ScenarioImpersonation
	ScenarioServiceToService
	ScenarioStepUp
)

// String returns the scenario name used in logs and metrics
func (s Scenario) String() string {
	switch s {
	case ScenarioDelegation:
		return "delegation"
	case ScenarioImpersonation:
		return "impersonation"
	case ScenarioServiceToService:
		return "service_to_service"
	case ScenarioStepUp:
		return "step_up"
	}
	return fmt.Sprintf("scenario(%d)", int(s))
}

// ExchangeContext describes one scope admission request
type ExchangeContext struct {
	Scenario Scenario

	// Subject is the client whose policy governs the request
	Subject *storage.Client

	// Actor is the client acting on behalf of the subject, if any
	Actor *storage.Client

	Resource string
	Audience string

	SubjectScopes   []string
	RequestedScopes []string
}

// DenialReason is the internal reason a scope was denied. It is logged, never
// returned to callers.
type DenialReason string

// Denial reasons
const (
	ReasonUnknownScope         DenialReason = "unknown_scope"
	ReasonRestricted           DenialReason = "restricted_scope"
	ReasonCrossClient          DenialReason = "cross_client_scope"
	ReasonEscalation           DenialReason = "scope_escalation"
	ReasonActorNotAllowed      DenialReason = "actor_not_allowed"
	ReasonSensitive            DenialReason = "sensitive_scope"
	ReasonNotServiceScope      DenialReason = "not_service_scope"
	ReasonUnregisteredAudience DenialReason = "unregistered_audience"
	ReasonNotStepUpEligible    DenialReason = "not_step_up_eligible"
	ReasonNoStepUpGrant        DenialReason = "no_step_up_grant"
	ReasonResourceNotAllowed   DenialReason = "resource_not_allowed"
)

// Denial records a denied scope and why
type Denial struct {
	Scope  string
	Reason DenialReason
}

// EffectivePolicy is the policy applied after defaults and scenario overrides
type EffectivePolicy struct {
	Name                   string
	AllowScopeEscalation   bool
	AllowCrossClientScopes bool
	RequireExplicitConsent bool
	MaxLifetime            time.Duration
}

// Result is the outcome of a scope admission
type Result struct {
	Granted    []string
	Denied     []Denial
	Warnings   []string
	PolicyName string
	Policy     EffectivePolicy

	// Valid is true when at least one scope was granted
	Valid bool
}

// DeniedScopes returns the names of the denied scopes
func (r *Result) DeniedScopes() []string {
	out := make([]string, 0, len(r.Denied))
	for _, d := range r.Denied {
		out = append(out, d.Scope)
	}
	return out
}

// Engine admits or denies scopes
type Engine struct {
	scopes          storage.ScopeStore
	policy          *Policy
	logger          *slog.Logger
	auditor         *security.Auditor
	instrumentation *instrumentation.Instrumentation
}

// NewEngine creates an engine over the scope catalog. A nil policy uses DefaultPolicy.
func NewEngine(scopes storage.ScopeStore, policy *Policy, logger *slog.Logger) *Engine {
	if policy == nil {
		policy = DefaultPolicy()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{scopes: scopes, policy: policy, logger: logger}
}

// SetAuditor enables audit records for scope decisions
func (e *Engine) SetAuditor(a *security.Auditor) {
	e.auditor = a
}

// SetInstrumentation enables scope decision metrics
func (e *Engine) SetInstrumentation(inst *instrumentation.Instrumentation) {
	e.instrumentation = inst
}

// Policy returns the policy document in use
func (e *Engine) Policy() *Policy {
	return e.policy
}

// Validate admits the requested scopes of ec. An error is returned only for a
// malformed context or an infrastructure failure, never for a denial.
func (e *Engine) Validate(ctx context.Context, ec ExchangeContext) (*Result, error) {
	if ec.Subject == nil {
		return nil, errors.New("exchange context has no subject client")
	}
	if ec.Scenario < ScenarioDelegation || ec.Scenario > ScenarioStepUp {
		return nil, fmt.Errorf("unknown scenario %d", int(ec.Scenario))
	}

	clientPolicy := e.clientPolicy(ec.Subject)
	effective := e.effectivePolicy(ec, clientPolicy)

	result := &Result{
		PolicyName: effective.Name,
		Policy:     effective,
	}

	requested := dedupe(ec.RequestedScopes)
	for _, scope := range requested {
		reason, err := e.admit(ctx, ec, clientPolicy, effective, scope)
		if err != nil {
			return nil, err
		}
		if reason != "" {
			result.deny(scope, reason)
			continue
		}
		result.Granted = append(result.Granted, scope)
	}

	e.postFilter(ec, result)
	result.Warnings = append(result.Warnings, e.suspiciousPairs(requested)...)
	result.Valid = len(result.Granted) > 0

	e.record(ctx, ec, result)
	return result, nil
}

// admit returns the reason scope is denied, or "" when it is admitted
func (e *Engine) admit(ctx context.Context, ec ExchangeContext, cp storage.ClientPolicy, eff EffectivePolicy, scope string) (DenialReason, error) {
	entry, err := e.scopes.GetScope(ctx, scope)
	if err != nil {
		if storage.IsNotFound(err) {
			return ReasonUnknownScope, nil
		}
		return "", fmt.Errorf("failed to look up scope: %w", err)
	}

	if e.policy.isRestricted(scope) {
		return ReasonRestricted, nil
	}

	if entry.OwnerClientID != "" && entry.OwnerClientID != ec.Subject.ClientID && !eff.AllowCrossClientScopes {
		return ReasonCrossClient, nil
	}

	switch ec.Scenario {
	case ScenarioDelegation:
		if !slices.Contains(ec.SubjectScopes, scope) && !eff.AllowScopeEscalation {
			return ReasonEscalation, nil
		}
		if ec.Actor != nil && len(cp.DelegationActors) > 0 && !slices.Contains(cp.DelegationActors, ec.Actor.ClientID) {
			return ReasonActorNotAllowed, nil
		}

	case ScenarioImpersonation:
		// Strictly no escalation, whatever the policy says
		if !slices.Contains(ec.SubjectScopes, scope) {
			return ReasonEscalation, nil
		}
		if entry.Sensitive && !slices.Contains(cp.ImpersonationScopes, scope) {
			return ReasonSensitive, nil
		}

	case ScenarioServiceToService:
		if !e.isServiceScope(entry) {
			return ReasonNotServiceScope, nil
		}
		if !e.isRegisteredService(ec.Audience) {
			return ReasonUnregisteredAudience, nil
		}

	case ScenarioStepUp:
		if !slices.Contains(e.policy.StepUpEligible, scope) {
			return ReasonNotStepUpEligible, nil
		}
		if !matchesGrant(cp.StepUpGrants, scope) {
			return ReasonNoStepUpGrant, nil
		}
	}

	return "", nil
}

// postFilter removes restricted scopes and applies resource/audience allow-lists
func (e *Engine) postFilter(ec ExchangeContext, r *Result) {
	kept := r.Granted[:0]
	for _, scope := range r.Granted {
		switch {
		case e.policy.isRestricted(scope):
			r.deny(scope, ReasonRestricted)
		case !e.allowedFor(ec.Resource, scope) || !e.allowedFor(ec.Audience, scope):
			r.deny(scope, ReasonResourceNotAllowed)
		default:
			kept = append(kept, scope)
		}
	}
	r.Granted = kept
}

// allowedFor reports whether scope passes the allow-list of target. Targets
// without an allow-list accept every scope.
func (e *Engine) allowedFor(target, scope string) bool {
	if target == "" || e.policy.isUniversal(scope) {
		return true
	}
	allowed, ok := e.policy.ResourceScopes[util.NormalizeURL(target)]
	if !ok {
		allowed, ok = e.policy.ResourceScopes[target]
	}
	return !ok || slices.Contains(allowed, scope)
}

func (e *Engine) isServiceScope(entry *storage.Scope) bool {
	if len(e.policy.ServiceScopes) == 0 {
		return !entry.Sensitive
	}
	return slices.Contains(e.policy.ServiceScopes, entry.Name)
}

func (e *Engine) isRegisteredService(audience string) bool {
	u, err := url.Parse(audience)
	if err != nil || u.Scheme != "https" || u.Host == "" {
		return false
	}
	if len(e.policy.Services) == 0 {
		return true
	}
	normalized := util.NormalizeURL(audience)
	for _, svc := range e.policy.Services {
		if util.NormalizeURL(svc) == normalized {
			return true
		}
	}
	return false
}

func (e *Engine) suspiciousPairs(requested []string) []string {
	var warnings []string
	for _, pair := range e.policy.SuspiciousPairs {
		if slices.Contains(requested, pair[0]) && slices.Contains(requested, pair[1]) {
			warnings = append(warnings, fmt.Sprintf("suspicious scope combination: %s + %s", pair[0], pair[1]))
		}
	}
	return warnings
}

// clientPolicy merges defaults, client metadata and per-client overrides
func (e *Engine) clientPolicy(c *storage.Client) storage.ClientPolicy {
	cp := mergePolicy(e.policy.Defaults, c.Policy)
	if override, ok := e.policy.Clients[c.ClientID]; ok {
		cp = mergePolicy(cp, override)
	}
	return cp
}

// effectivePolicy applies conservative defaults and scenario overrides
func (e *Engine) effectivePolicy(ec ExchangeContext, cp storage.ClientPolicy) EffectivePolicy {
	eff := EffectivePolicy{
		Name:                   cp.Name,
		AllowScopeEscalation:   boolOr(cp.AllowScopeEscalation, false),
		AllowCrossClientScopes: boolOr(cp.AllowCrossClientScopes, false),
		RequireExplicitConsent: boolOr(cp.RequireExplicitConsent, !ec.Subject.PersonalAccess),
		MaxLifetime:            cp.DefaultMaxLifetime(),
	}
	if eff.Name == "" {
		eff.Name = e.policy.Name
	}

	switch ec.Scenario {
	case ScenarioServiceToService:
		eff.RequireExplicitConsent = false
		eff.AllowCrossClientScopes = true
	case ScenarioStepUp:
		eff.AllowScopeEscalation = true
		if eff.MaxLifetime > StepUpMaxLifetime {
			eff.MaxLifetime = StepUpMaxLifetime
		}
	}
	return eff
}

func (e *Engine) record(ctx context.Context, ec ExchangeContext, r *Result) {
	denied := r.DeniedScopes()

	if len(r.Denied) > 0 {
		attrs := []any{
			"client_id", ec.Subject.ClientID,
			"scenario", ec.Scenario.String(),
			"policy", r.PolicyName,
			"granted", util.JoinScopes(r.Granted),
		}
		for _, d := range r.Denied {
			attrs = append(attrs, "denied."+d.Scope, string(d.Reason))
		}
		e.logger.Info("Scopes denied by policy", attrs...)
		e.auditor.LogScopeDecision(ctx, ec.Subject.ClientID, ec.Scenario.String(), r.Granted, denied)
	}
	for _, w := range r.Warnings {
		e.logger.Warn("Scope policy warning", "client_id", ec.Subject.ClientID, "warning", w)
	}

	if e.instrumentation != nil {
		e.instrumentation.Metrics().RecordScopeDecision(ctx, ec.Scenario.String(), len(r.Granted), len(denied))
	}
}

func (r *Result) deny(scope string, reason DenialReason) {
	r.Denied = append(r.Denied, Denial{Scope: scope, Reason: reason})
	if reason == ReasonRestricted {
		r.Warnings = append(r.Warnings, "restricted scope requested: "+scope)
	}
}

// matchesGrant reports whether scope matches an exact grant or a "prefix.*" wildcard
func matchesGrant(grants []string, scope string) bool {
	for _, g := range grants {
		if g == scope {
			return true
		}
		if prefix, ok := strings.CutSuffix(g, "*"); ok && strings.HasSuffix(prefix, ".") && strings.HasPrefix(scope, prefix) {
			return true
		}
	}
	return false
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

func dedupe(scopes []string) []string {
	out := make([]string, 0, len(scopes))
	for _, s := range scopes {
		if s != "" && !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}
