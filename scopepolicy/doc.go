// Package scopepolicy is the single point of scope admission for every flow that
// mints a token on behalf of another principal: CIBA, token exchange and step-up.
//
// An Engine combines three inputs:
//
//   - the scope catalog (storage.ScopeStore), which knows every scope, its
//     owning client and whether it is sensitive
//   - the subject client's typed storage.ClientPolicy, merged over the
//     defaults and per-client overrides of a Policy document
//   - an ExchangeContext describing the scenario (Delegation, Impersonation,
//     ServiceToService or StepUp) and the scopes involved
//
// Each requested scope is checked in order and the first matching rule denies
// it: unknown to the catalog, globally restricted, owned by another client
// without cross-client permission, then the scenario rule. Survivors are
// intersected with resource and audience allow-lists. Suspicious pairs of
// requested scopes produce warnings without denying anything.
//
// Policy documents are YAML:
//
//	name: production
//	restricted_scopes: [admin, sudo, root, system, billing]
//	step_up_eligible: [payments.write]
//	services: [https://billing.internal.example.com]
//	resource_scopes:
//	  https://api.example.com: [api.read, api.write]
//	clients:
//	  reporting-bot:
//	    allow_cross_client_scopes: true
//	    max_scope_lifetime: 30m
package scopepolicy
