package scopepolicy

import (
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/giantswarm/oauth-ext/storage"
)

// Default scope sets
var (
	// DefaultRestrictedScopes are never granted through any delegated flow
	DefaultRestrictedScopes = []string{"admin", "sudo", "root", "system", "billing"}

	// DefaultUniversalScopes pass every resource and audience allow-list
	DefaultUniversalScopes = []string{"openid", "profile.read", "email"}

	// DefaultSuspiciousPairs are co-requested scope pairs that produce a warning
	DefaultSuspiciousPairs = [][]string{
		{"admin", "user.delete"},
		{"sudo", "billing"},
		{"root", "system"},
		{"admin", "billing"},
		{"user.write", "user.delete"},
	}
)

// Policy is the deployment-wide scope policy document
type Policy struct {
	// Name identifies the document in results and logs
	Name string `yaml:"name"`

	// RestrictedScopes adds to DefaultRestrictedScopes
	RestrictedScopes []string `yaml:"restricted_scopes"`
	UniversalScopes  []string `yaml:"universal_scopes"`

	// StepUpEligible lists scopes that may be obtained through step-up
	StepUpEligible []string `yaml:"step_up_eligible"`

	// ServiceScopes is the service catalog for service-to-service exchanges.
	// Empty means every non-sensitive catalog scope.
	ServiceScopes []string `yaml:"service_scopes"`

	// Services lists registered service URLs accepted as service-to-service
	// audiences. Empty accepts any https URL.
	Services []string `yaml:"services"`

	// ResourceScopes maps a resource or audience to the scopes it accepts
	ResourceScopes map[string][]string `yaml:"resource_scopes"`

	SuspiciousPairs [][]string `yaml:"suspicious_pairs"`

	// Defaults apply to every client before its own policy
	Defaults storage.ClientPolicy `yaml:"defaults"`

	// Clients override client metadata policy by client id
	Clients map[string]storage.ClientPolicy `yaml:"clients"`
}

// DefaultPolicy returns the built-in policy
func DefaultPolicy() *Policy {
	p := &Policy{Name: "default"}
	p.applyDefaults()
	return p
}

// LoadFile reads a YAML policy document
func LoadFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- operator supplied policy path
	if err != nil {
		return nil, fmt.Errorf("failed to read scope policy: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML policy document and fills unset sections with defaults
func Parse(data []byte) (*Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse scope policy: %w", err)
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	p.applyDefaults()
	return &p, nil
}

func (p *Policy) applyDefaults() {
	if p.Name == "" {
		p.Name = "default"
	}
	// Configured restricted scopes extend the built-in set, never replace it
	restricted := slices.Clone(DefaultRestrictedScopes)
	for _, scope := range p.RestrictedScopes {
		if !slices.Contains(restricted, scope) {
			restricted = append(restricted, scope)
		}
	}
	p.RestrictedScopes = restricted
	if len(p.UniversalScopes) == 0 {
		p.UniversalScopes = slices.Clone(DefaultUniversalScopes)
	}
	if len(p.SuspiciousPairs) == 0 {
		p.SuspiciousPairs = slices.Clone(DefaultSuspiciousPairs)
	}
}

func (p *Policy) validate() error {
	for i, pair := range p.SuspiciousPairs {
		if len(pair) != 2 {
			return fmt.Errorf("suspicious_pairs[%d] must contain exactly two scopes", i)
		}
	}
	for id, cp := range p.Clients {
		if cp.MaxScopeLifetime < 0 {
			return fmt.Errorf("clients.%s.max_scope_lifetime must not be negative", id)
		}
	}
	if p.Defaults.MaxScopeLifetime < 0 {
		return fmt.Errorf("defaults.max_scope_lifetime must not be negative")
	}
	return nil
}

func (p *Policy) isRestricted(scope string) bool {
	return slices.Contains(p.RestrictedScopes, scope)
}

func (p *Policy) isUniversal(scope string) bool {
	return slices.Contains(p.UniversalScopes, scope)
}

// mergePolicy overlays the declared fields of over onto base
func mergePolicy(base, over storage.ClientPolicy) storage.ClientPolicy {
	out := base
	if over.Name != "" {
		out.Name = over.Name
	}
	if over.AllowScopeEscalation != nil {
		out.AllowScopeEscalation = over.AllowScopeEscalation
	}
	if over.AllowCrossClientScopes != nil {
		out.AllowCrossClientScopes = over.AllowCrossClientScopes
	}
	if over.RequireExplicitConsent != nil {
		out.RequireExplicitConsent = over.RequireExplicitConsent
	}
	if over.MaxScopeLifetime > 0 {
		out.MaxScopeLifetime = over.MaxScopeLifetime
	}
	if len(over.StepUpGrants) > 0 {
		out.StepUpGrants = over.StepUpGrants
	}
	if len(over.ImpersonationScopes) > 0 {
		out.ImpersonationScopes = over.ImpersonationScopes
	}
	if len(over.DelegationActors) > 0 {
		out.DelegationActors = over.DelegationActors
	}
	return out
}
