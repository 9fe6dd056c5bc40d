package scopepolicy

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/oauth-ext/internal/testutil"
)

const testPolicyYAML = `
name: production
step_up_eligible: [payments.write]
services:
  - https://billing.internal.example.com
resource_scopes:
  https://api.example.com: [api.read, api.write]
defaults:
  require_explicit_consent: true
clients:
  reporting-bot:
    name: reporting
    allow_cross_client_scopes: true
    max_scope_lifetime: 30m
    step_up_grants: ["payments.*"]
`

func TestParse(t *testing.T) {
	p, err := Parse([]byte(testPolicyYAML))
	require.NoError(t, err)

	assert.Equal(t, "production", p.Name)
	assert.Equal(t, DefaultRestrictedScopes, p.RestrictedScopes)
	assert.Equal(t, DefaultUniversalScopes, p.UniversalScopes)
	assert.Equal(t, []string{"payments.write"}, p.StepUpEligible)

	bot := p.Clients["reporting-bot"]
	require.NotNil(t, bot.AllowCrossClientScopes)
	assert.True(t, *bot.AllowCrossClientScopes)
	assert.Equal(t, 30*time.Minute, bot.MaxScopeLifetime)
	assert.Equal(t, []string{"payments.*"}, bot.StepUpGrants)

	require.NotNil(t, p.Defaults.RequireExplicitConsent)
}

func TestParse_RestrictedScopesExtendDefaults(t *testing.T) {
	p, err := Parse([]byte("restricted_scopes: [internal, admin]"))
	require.NoError(t, err)
	assert.Equal(t, append(slices.Clone(DefaultRestrictedScopes), "internal"), p.RestrictedScopes)

	engine := NewEngine(newCatalog(t), p, nil)
	result, err := engine.Validate(context.Background(), ExchangeContext{
		Scenario:        ScenarioServiceToService,
		Subject:         testutil.NewTestClient("service-a"),
		Audience:        "https://api.example.com",
		RequestedScopes: []string{"api.read", "admin"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"api.read"}, result.Granted)
	require.Len(t, result.Denied, 1)
	assert.Equal(t, "admin", result.Denied[0].Scope)
	assert.Equal(t, ReasonRestricted, result.Denied[0].Reason)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"syntax", "name: [unterminated"},
		{"bad pair", "suspicious_pairs: [[admin]]"},
		{"negative lifetime", "clients:\n  c:\n    max_scope_lifetime: -5m"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testPolicyYAML), 0o600))

	p, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "production", p.Name)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestClientPolicyOverrides(t *testing.T) {
	p, err := Parse([]byte(testPolicyYAML))
	require.NoError(t, err)

	engine := NewEngine(nil, p, nil)
	client := newTestClientWithPolicy("reporting-bot")
	cp := engine.clientPolicy(client)

	assert.Equal(t, "reporting", cp.Name)
	assert.Equal(t, 30*time.Minute, cp.DefaultMaxLifetime())
	assert.True(t, *cp.RequireExplicitConsent)
}
