package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"github.com/giantswarm/oauth-ext/storage"
)

// Registry is the YAML document of scopes, users and clients registered at startup
type Registry struct {
	Scopes  []RegistryScope  `yaml:"scopes"`
	Users   []RegistryUser   `yaml:"users"`
	Clients []RegistryClient `yaml:"clients"`
}

type RegistryScope struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Default     bool   `yaml:"default"`
	Owner       string `yaml:"owner"`
	Sensitive   bool   `yaml:"sensitive"`
}

type RegistryUser struct {
	ID          string   `yaml:"id"`
	Email       string   `yaml:"email"`
	Phone       string   `yaml:"phone"`
	Username    string   `yaml:"username"`
	DeviceCodes []string `yaml:"device_codes"`
}

type RegistryClient struct {
	ID     string `yaml:"client_id"`
	Secret string `yaml:"client_secret"`
	Name   string `yaml:"client_name"`

	RedirectURIs []string `yaml:"redirect_uris"`
	Scopes       []string `yaml:"scopes"`
	AuthMethod   string   `yaml:"token_endpoint_auth_method"`

	CertificateBoundTokens bool     `yaml:"tls_client_certificate_bound_access_tokens"`
	SubjectDN              string   `yaml:"tls_client_auth_subject_dn"`
	CertificateThumbprints []string `yaml:"certificate_thumbprints"`
	DPoPBoundTokens        bool     `yaml:"dpop_bound_access_tokens"`

	DeliveryMode         string `yaml:"backchannel_token_delivery_mode"`
	NotificationEndpoint string `yaml:"backchannel_client_notification_endpoint"`

	JWKS   string               `yaml:"jwks"`
	Policy storage.ClientPolicy `yaml:"policy"`
}

// registrar is the part of a storage backend the registry writes to
type registrar interface {
	SaveScope(ctx context.Context, scope *storage.Scope) error
	SaveUser(ctx context.Context, user *storage.User) error
	SaveClient(ctx context.Context, client *storage.Client) error
}

// LoadRegistry reads a registry document
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- operator supplied path
	if err != nil {
		return nil, fmt.Errorf("failed to read registry: %w", err)
	}

	var reg Registry
	if err := yaml.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("failed to parse registry: %w", err)
	}
	return &reg, nil
}

// Apply saves every registry entry to store. Client secrets are stored as
// bcrypt hashes.
func (r *Registry) Apply(ctx context.Context, store registrar) error {
	for _, s := range r.Scopes {
		if err := store.SaveScope(ctx, &storage.Scope{
			Name:          s.Name,
			Description:   s.Description,
			Default:       s.Default,
			OwnerClientID: s.Owner,
			Sensitive:     s.Sensitive,
		}); err != nil {
			return fmt.Errorf("failed to register scope %q: %w", s.Name, err)
		}
	}

	for _, u := range r.Users {
		if err := store.SaveUser(ctx, &storage.User{
			ID:          u.ID,
			Email:       u.Email,
			Phone:       u.Phone,
			Username:    u.Username,
			DeviceCodes: u.DeviceCodes,
		}); err != nil {
			return fmt.Errorf("failed to register user %q: %w", u.ID, err)
		}
	}

	for _, c := range r.Clients {
		client, err := c.toClient()
		if err != nil {
			return err
		}
		if err := store.SaveClient(ctx, client); err != nil {
			return fmt.Errorf("failed to register client %q: %w", c.ID, err)
		}
	}
	return nil
}

func (c RegistryClient) toClient() (*storage.Client, error) {
	if c.ID == "" {
		return nil, fmt.Errorf("registry client without client_id")
	}

	client := &storage.Client{
		ClientID:                              c.ID,
		ClientType:                            storage.ClientTypePublic,
		ClientName:                            c.Name,
		RedirectURIs:                          c.RedirectURIs,
		Scopes:                                c.Scopes,
		TokenEndpointAuthMethod:               c.AuthMethod,
		TLSClientCertificateBoundAccessTokens: c.CertificateBoundTokens,
		TLSClientAuthSubjectDN:                c.SubjectDN,
		CertificateThumbprints:                c.CertificateThumbprints,
		DPoPBoundAccessTokens:                 c.DPoPBoundTokens,
		BackchannelDeliveryMode:               storage.DeliveryMode(c.DeliveryMode),
		BackchannelNotificationEndpoint:       c.NotificationEndpoint,
		JWKS:                                  c.JWKS,
		Policy:                                c.Policy,
		CreatedAt:                             time.Now(),
	}

	if c.Secret != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(c.Secret), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("failed to hash secret of client %q: %w", c.ID, err)
		}
		client.ClientSecretHash = string(hash)
		client.ClientType = storage.ClientTypeConfidential
	}

	if client.TokenEndpointAuthMethod == "" {
		client.TokenEndpointAuthMethod = storage.AuthMethodClientSecretBasic
		if client.ClientSecretHash == "" {
			client.TokenEndpointAuthMethod = storage.AuthMethodNone
		}
	}
	if client.TokenEndpointAuthMethod == storage.AuthMethodTLSClientAuth || client.TokenEndpointAuthMethod == storage.AuthMethodSelfSignedTLSClientAuth {
		client.MTLSEnabled = true
		client.ClientType = storage.ClientTypeConfidential
	}
	if client.BackchannelDeliveryMode != "" && !client.BackchannelDeliveryMode.Valid() {
		return nil, fmt.Errorf("client %q has unknown backchannel delivery mode %q", c.ID, c.DeliveryMode)
	}
	return client, nil
}
